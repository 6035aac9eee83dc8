package notifications

import (
	"regexp"
	"strings"
)

var (
	mediaSuffixRe = regexp.MustCompile(`\[([A-Za-z]+):([^\]]+)\]\s*$`)
	eventRe       = regexp.MustCompile(`created an event:\s*(.+?)\s+on\s+(.+?)\.\s+(.*)$`)
)

// Content is the body of a news, post or event notification after parsing.
type Content struct {
	Title       string
	Description string
	Media       *Media
}

// SplitMedia removes a trailing "[type:url]" marker from text.
func SplitMedia(text string) (string, *Media) {
	m := mediaSuffixRe.FindStringSubmatchIndex(text)
	if m == nil {
		return strings.TrimSpace(text), nil
	}
	media := &Media{
		Type: strings.ToLower(text[m[2]:m[3]]),
		URL:  strings.TrimSpace(text[m[4]:m[5]]),
	}
	return strings.TrimSpace(text[:m[0]]), media
}

// ParsePostContent extracts the text and optional media of a news item or post.
func ParsePostContent(preview string, meta Metadata) Content {
	if p := meta.Payload; p != nil {
		return Content{Title: p.Title, Description: p.Description, Media: p.Media}
	}
	text, media := SplitMedia(preview)
	return Content{Description: text, Media: media}
}

// ParseEventContent extracts the title, description and media of an event
// announcement. Previews that do not follow the announcement sentence are
// used verbatim as the description.
func ParseEventContent(preview string, meta Metadata) Content {
	if p := meta.Payload; p != nil {
		title := p.Title
		if title == "" {
			title = meta.EventTitle
		}
		return Content{Title: title, Description: p.Description, Media: p.Media}
	}

	text, media := SplitMedia(preview)
	c := Content{Title: meta.EventTitle, Description: text, Media: media}
	if m := eventRe.FindStringSubmatch(text); m != nil {
		if c.Title == "" {
			c.Title = strings.TrimSpace(m[1])
		}
		c.Description = strings.TrimSpace(m[3])
	}
	return c
}
