package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const fallbackTemplate = "default"

// Banner colors per notification type.
const (
	colorNews          = "#2563eb"
	colorPost          = "#7c3aed"
	colorEvent         = "#ea580c"
	colorMention       = "#0891b2"
	colorEventProposal = "#ca8a04"
	colorApproved      = "#16a34a"
	colorRejected      = "#dc2626"
	colorDirectMessage = "#4f46e5"
	colorDefault       = "#6b7280"
)

// Rendered is a rendered email.
type Rendered struct {
	Subject string
	HTML    string
}

// Renderer renders dispatch units into HTML emails.
type Renderer struct {
	templates map[string]*template.Template
	baseURL   string
}

// NewRenderer creates a new renderer and loads all templates. baseURL is the
// web application root used for call-to-action links.
func NewRenderer(baseURL string) (*Renderer, error) {
	funcMap := template.FuncMap{
		"title": titleCase,
		"upper": strings.ToUpper,
		"quote": func(s string) string { return "“" + s + "”" },
	}

	r := &Renderer{
		templates: make(map[string]*template.Template),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}

	names := []string{
		string(domain.NotificationTypeNews),
		string(domain.NotificationTypePost),
		string(domain.NotificationTypeEvent),
		string(domain.NotificationTypeMention),
		string(domain.NotificationTypeEventProposal),
		string(domain.NotificationTypeEventStatus),
		string(domain.NotificationTypeDirectMessage),
		fallbackTemplate,
	}

	for _, name := range names {
		filename := fmt.Sprintf("templates/%s.tmpl", name)
		tmpl, err := template.New(name).Funcs(funcMap).ParseFS(templatesFS, "templates/layout.tmpl", filename)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// emailView is the data passed to templates.
type emailView struct {
	Type          string
	Color         string
	Heading       string
	Intro         string
	NetworkName   string
	RecipientName string
	SenderName    string
	Rejected      bool
	Items         []itemView
	Actions       []action
	SettingsURL   string
}

type itemView struct {
	Title         string
	Description   string
	Author        string
	Context       string
	Media         *Media
	EventDate     string
	EventLocation string
	Organizer     string
	Rejected      bool
	Link          string
}

type action struct {
	Label string
	URL   string
}

// Render renders a dispatch unit. Returns subject and HTML body.
func (r *Renderer) Render(unit DispatchUnit) (*Rendered, error) {
	if len(unit.Entries) == 0 {
		return nil, fmt.Errorf("render %s: unit has no entries", unit.Group.Key)
	}

	first := unit.Entries[0]
	meta := ParseMetadata(first.Metadata)
	network := meta.NetworkDisplayName(unit.Group.Network)

	view := &emailView{
		Type:          string(unit.Group.Type),
		NetworkName:   network,
		RecipientName: firstNonEmpty(unit.Group.Recipient.FullName, "there"),
		SettingsURL:   r.link("settings"),
	}

	var subject string
	name := string(unit.Group.Type)
	n := len(unit.Entries)

	switch unit.Group.Type {
	case domain.NotificationTypeNews:
		subject = r.buildNews(view, unit, network)
	case domain.NotificationTypePost:
		subject = r.buildPost(view, unit, network)
	case domain.NotificationTypeEvent:
		subject = r.buildEvent(view, unit, network)
	case domain.NotificationTypeMention:
		subject = r.buildMention(view, unit, network)
	case domain.NotificationTypeEventProposal:
		subject = r.buildEventProposal(view, unit, network)
	case domain.NotificationTypeEventStatus:
		subject = r.buildEventStatus(view, unit, network)
	case domain.NotificationTypeDirectMessage:
		subject = r.buildDirectMessage(view, unit)
	default:
		name = fallbackTemplate
		subject = r.buildDefault(view, unit, network)
	}

	if n == 1 && strings.TrimSpace(first.SubjectLine) != "" {
		subject = strings.TrimSpace(first.SubjectLine)
	}

	tmpl, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", view); err != nil {
		return nil, fmt.Errorf("execute template %s: %w", name, err)
	}

	return &Rendered{
		Subject: subject,
		HTML:    strings.TrimSpace(buf.String()),
	}, nil
}

func (r *Renderer) buildNews(v *emailView, unit DispatchUnit, network string) string {
	v.Color = colorNews
	nid := unit.Group.Key.NetworkID
	for _, e := range unit.Entries {
		meta := ParseMetadata(e.Metadata)
		c := ParsePostContent(e.ContentPreview, meta)
		v.Items = append(v.Items, itemView{
			Title:       c.Title,
			Description: c.Description,
			Media:       c.Media,
			Author:      meta.Author(),
			Link:        r.itemLink(nid, "news", e.RelatedItemID),
		})
	}

	n := len(unit.Entries)
	if n == 1 {
		v.Heading = "News update"
		v.Intro = fmt.Sprintf("%s shared news in %s.", v.Items[0].Author, network)
		v.Actions = []action{{Label: "Read more", URL: v.Items[0].Link}}
		return fmt.Sprintf("New news in %s", network)
	}
	v.Heading = "News updates"
	v.Intro = fmt.Sprintf("There are %d new news items in %s.", n, network)
	v.Actions = []action{{Label: "Open news", URL: r.networkLink(nid)}}
	return fmt.Sprintf("%d new news items in %s", n, network)
}

func (r *Renderer) buildPost(v *emailView, unit DispatchUnit, network string) string {
	v.Color = colorPost
	nid := unit.Group.Key.NetworkID
	for _, e := range unit.Entries {
		meta := ParseMetadata(e.Metadata)
		c := ParsePostContent(e.ContentPreview, meta)
		v.Items = append(v.Items, itemView{
			Title:       c.Title,
			Description: c.Description,
			Media:       c.Media,
			Author:      meta.Author(),
		})
	}

	v.Actions = []action{{Label: "View in " + network, URL: r.networkLink(nid)}}
	n := len(unit.Entries)
	if n == 1 {
		v.Heading = "New post"
		v.Intro = fmt.Sprintf("%s posted in %s.", v.Items[0].Author, network)
		return fmt.Sprintf("New post in %s", network)
	}
	v.Heading = "New posts"
	v.Intro = fmt.Sprintf("There are %d new posts in %s.", n, network)
	return fmt.Sprintf("%d new posts in %s", n, network)
}

func (r *Renderer) buildEvent(v *emailView, unit DispatchUnit, network string) string {
	v.Color = colorEvent
	nid := unit.Group.Key.NetworkID
	for _, e := range unit.Entries {
		meta := ParseMetadata(e.Metadata)
		c := ParseEventContent(e.ContentPreview, meta)
		item := itemView{
			Title:         c.Title,
			Description:   c.Description,
			Media:         c.Media,
			EventLocation: meta.EventLocation,
			Link:          r.itemLink(nid, "events", e.RelatedItemID),
		}
		if meta.EventDate != "" {
			item.EventDate = formatEventDate(meta.EventDate)
		}
		if meta.OrganizerName != "" {
			item.Organizer = meta.OrganizerName
		}
		v.Items = append(v.Items, item)
	}

	n := len(unit.Entries)
	if n == 1 {
		title := v.Items[0].Title
		v.Heading = "New event"
		v.Intro = fmt.Sprintf("A new event was created in %s.", network)
		v.Actions = []action{{Label: "View event", URL: v.Items[0].Link}}
		if title == "" {
			return fmt.Sprintf("New event in %s", network)
		}
		return fmt.Sprintf("New event in %s: %s", network, title)
	}
	v.Heading = "New events"
	v.Intro = fmt.Sprintf("There are %d new events in %s.", n, network)
	v.Actions = []action{{Label: "View events", URL: r.networkLink(nid)}}
	return fmt.Sprintf("%d new events in %s", n, network)
}

func (r *Renderer) buildMention(v *emailView, unit DispatchUnit, network string) string {
	v.Color = colorMention
	for _, e := range unit.Entries {
		meta := ParseMetadata(e.Metadata)
		v.Items = append(v.Items, itemView{
			Description: e.ContentPreview,
			Author:      meta.Author(),
			Context:     meta.MessageContext,
		})
	}

	v.Actions = []action{{Label: "View conversation", URL: r.networkLink(unit.Group.Key.NetworkID)}}
	n := len(unit.Entries)
	if n == 1 {
		v.Heading = "You were mentioned"
		v.Intro = fmt.Sprintf("%s mentioned you in %s.", v.Items[0].Author, network)
		return fmt.Sprintf("%s mentioned you in %s", v.Items[0].Author, network)
	}
	v.Heading = "You were mentioned"
	v.Intro = fmt.Sprintf("You were mentioned %d times in %s.", n, network)
	return fmt.Sprintf("You were mentioned %d times in %s", n, network)
}

func (r *Renderer) buildEventProposal(v *emailView, unit DispatchUnit, network string) string {
	v.Color = colorEventProposal
	nid := unit.Group.Key.NetworkID
	for _, e := range unit.Entries {
		meta := ParseMetadata(e.Metadata)
		item := itemView{
			Title:         meta.EventTitle,
			Description:   e.ContentPreview,
			Organizer:     meta.Organizer(),
			EventLocation: meta.EventLocation,
			Link:          r.itemLink(nid, "events", e.RelatedItemID),
		}
		if meta.EventDate != "" {
			item.EventDate = formatEventDate(meta.EventDate)
		}
		v.Items = append(v.Items, item)
	}

	dashboard := action{Label: "Open dashboard", URL: r.link("admin")}
	n := len(unit.Entries)
	if n == 1 {
		v.Heading = "Event proposal awaiting review"
		v.Intro = fmt.Sprintf("%s proposed an event in %s. As an admin you can approve or reject it.", v.Items[0].Organizer, network)
		v.Actions = []action{{Label: "Review proposal", URL: v.Items[0].Link}, dashboard}
		return fmt.Sprintf("New event proposal in %s", network)
	}
	v.Heading = "Event proposals awaiting review"
	v.Intro = fmt.Sprintf("%d event proposals in %s are waiting for an admin decision.", n, network)
	v.Actions = []action{{Label: "Review proposals", URL: r.networkLink(nid)}, dashboard}
	return fmt.Sprintf("%d event proposals awaiting review in %s", n, network)
}

func (r *Renderer) buildEventStatus(v *emailView, unit DispatchUnit, network string) string {
	nid := unit.Group.Key.NetworkID
	for _, e := range unit.Entries {
		meta := ParseMetadata(e.Metadata)
		v.Items = append(v.Items, itemView{
			Title:       meta.EventTitle,
			Description: e.ContentPreview,
			Rejected:    isRejection(e.ContentPreview),
			Link:        r.itemLink(nid, "events", e.RelatedItemID),
		})
	}

	// The banner follows the first entry.
	v.Rejected = v.Items[0].Rejected
	if v.Rejected {
		v.Color = colorRejected
		v.Heading = "Your event was not approved"
		v.Intro = fmt.Sprintf("An admin of %s reviewed your event proposal and decided not to publish it.", network)
		v.Actions = []action{{Label: "Open " + network, URL: r.networkLink(nid)}}
	} else {
		v.Color = colorApproved
		v.Heading = "Your event was approved"
		v.Intro = fmt.Sprintf("Your event proposal in %s was approved and is now visible to members.", network)
		v.Actions = []action{{Label: "View event", URL: v.Items[0].Link}}
	}

	if len(unit.Entries) > 1 {
		return fmt.Sprintf("%d updates on your event proposals in %s", len(unit.Entries), network)
	}
	if v.Rejected {
		return fmt.Sprintf("Your event proposal in %s was not approved", network)
	}
	return fmt.Sprintf("Your event proposal in %s was approved", network)
}

func (r *Renderer) buildDirectMessage(v *emailView, unit DispatchUnit) string {
	v.Color = colorDirectMessage

	sender := DefaultPersonName
	senderID := ""
	if unit.Sender != nil {
		sender = unit.Sender.SenderName
		senderID = unit.Sender.SenderID
	}
	v.SenderName = sender

	for _, e := range unit.Entries {
		v.Items = append(v.Items, itemView{Description: e.ContentPreview})
	}

	link := r.link("messages")
	if senderID != "" {
		link = r.link("messages", senderID)
	}
	v.Actions = []action{{Label: "Reply", URL: link}}

	n := len(unit.Entries)
	if n == 1 {
		v.Heading = "New message"
		v.Intro = fmt.Sprintf("%s sent you a message.", sender)
		return fmt.Sprintf("%s sent you a message", sender)
	}
	v.Heading = "New messages"
	v.Intro = fmt.Sprintf("%s sent you %d messages.", sender, n)
	return fmt.Sprintf("%s sent you %d messages", sender, n)
}

func (r *Renderer) buildDefault(v *emailView, unit DispatchUnit, network string) string {
	v.Color = colorDefault
	v.Heading = "Notification"
	if unit.Group.Type != "" {
		v.Heading = titleCase(strings.ReplaceAll(string(unit.Group.Type), "_", " "))
	}
	v.Intro = fmt.Sprintf("You have a new notification from %s.", network)
	for _, e := range unit.Entries {
		v.Items = append(v.Items, itemView{Description: e.ContentPreview})
	}
	v.Actions = []action{{Label: "Open Conclav", URL: r.link()}}
	return fmt.Sprintf("New notification from %s", network)
}

func (r *Renderer) link(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	if len(escaped) == 0 {
		return r.baseURL + "/"
	}
	return r.baseURL + "/" + strings.Join(escaped, "/")
}

func (r *Renderer) networkLink(networkID string) string {
	if networkID == "" || networkID == "null" {
		return r.link()
	}
	return r.link("network", networkID)
}

func (r *Renderer) itemLink(networkID, kind, itemID string) string {
	if itemID == "" || networkID == "" || networkID == "null" {
		return r.networkLink(networkID)
	}
	return r.link("network", networkID, kind, itemID)
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func isRejection(preview string) bool {
	return strings.Contains(preview, "rejected")
}

var eventDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// formatEventDate renders an event date for humans. Unparseable input is
// returned unchanged.
func formatEventDate(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("Monday, January 2, 2006 at 3:04 PM")
		}
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.Format("Monday, January 2, 2006")
	}
	return raw
}
