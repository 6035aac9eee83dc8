package notifications

import (
	"encoding/json"
	"strings"

	"github.com/conclav/conclav-notify/internal/domain"
)

// Placeholder values used when metadata is missing or unreadable.
const (
	DefaultPersonName  = "Someone"
	DefaultNetworkName = "Network Update"
)

// Metadata is the per-type payload attached to a queue entry.
type Metadata struct {
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName"`
	AuthorName     string          `json:"authorName"`
	NetworkName    string          `json:"networkName"`
	OrganizerName  string          `json:"organizerName"`
	EventTitle     string          `json:"eventTitle"`
	EventDate      string          `json:"eventDate"`
	EventLocation  string          `json:"eventLocation"`
	MessageContext string          `json:"messageContext"`
	ICSAttachment  json.RawMessage `json:"icsAttachment,omitempty"`
	Payload        *ContentPayload `json:"payload,omitempty"`
}

// ContentPayload is the structured form of a notification body.
// Producers that emit it spare the renderer from parsing contentPreview.
type ContentPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Media       *Media `json:"media,omitempty"`
}

// Media is an image or video attached to a post, news item or event.
type Media struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// IsImage reports whether the media should be inlined as an image.
func (m *Media) IsImage() bool {
	if m == nil {
		return false
	}
	t := strings.ToLower(m.Type)
	return t == "image" || t == "img" || t == "photo" || t == "gif"
}

// ParseMetadata decodes raw metadata. It never fails. Each field is read on
// its own, so a field of an unexpected type falls back alone; numeric ids are
// kept as their decimal text. Input that is not a JSON object yields an empty
// Metadata whose accessors return placeholders.
func ParseMetadata(raw string) Metadata {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		return Metadata{}
	}

	m := Metadata{
		SenderID:       textField(fields["senderId"]),
		SenderName:     textField(fields["senderName"]),
		AuthorName:     textField(fields["authorName"]),
		NetworkName:    textField(fields["networkName"]),
		OrganizerName:  textField(fields["organizerName"]),
		EventTitle:     textField(fields["eventTitle"]),
		EventDate:      textField(fields["eventDate"]),
		EventLocation:  textField(fields["eventLocation"]),
		MessageContext: textField(fields["messageContext"]),
		ICSAttachment:  fields["icsAttachment"],
	}

	if rawPayload, ok := fields["payload"]; ok {
		var p ContentPayload
		if json.Unmarshal(rawPayload, &p) == nil && (p.Title != "" || p.Description != "" || p.Media != nil) {
			m.Payload = &p
		}
	}
	return m
}

// textField reads a JSON string or number as text. Anything else is empty.
func textField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// Sender returns the display name of the message sender.
func (m Metadata) Sender() string {
	return firstNonEmpty(m.SenderName, m.AuthorName, DefaultPersonName)
}

// Author returns the display name of whoever produced the content.
func (m Metadata) Author() string {
	return firstNonEmpty(m.AuthorName, m.SenderName, DefaultPersonName)
}

// Organizer returns the event organizer display name.
func (m Metadata) Organizer() string {
	return firstNonEmpty(m.OrganizerName, m.AuthorName, DefaultPersonName)
}

// SenderKey identifies the sender for direct message bucketing: the sender
// id when present, otherwise the raw display name.
func (m Metadata) SenderKey() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	return m.Sender()
}

// NetworkDisplayName prefers the joined network name over the metadata copy.
func (m Metadata) NetworkDisplayName(n domain.Network) string {
	return firstNonEmpty(n.Name, m.NetworkName, DefaultNetworkName)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
