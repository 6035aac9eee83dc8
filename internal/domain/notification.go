package domain

// NotificationType identifies what produced a queued notification.
type NotificationType string

// Notification types written by the platform.
const (
	NotificationTypeNews          NotificationType = "news"
	NotificationTypePost          NotificationType = "post"
	NotificationTypeEvent         NotificationType = "event"
	NotificationTypeMention       NotificationType = "mention"
	NotificationTypeEventProposal NotificationType = "event_proposal"
	NotificationTypeEventStatus   NotificationType = "event_status"
	NotificationTypeDirectMessage NotificationType = "direct_message"
)

// IsKnown reports whether t has a dedicated template.
func (t NotificationType) IsKnown() bool {
	switch t {
	case NotificationTypeNews, NotificationTypePost, NotificationTypeEvent,
		NotificationTypeMention, NotificationTypeEventProposal,
		NotificationTypeEventStatus, NotificationTypeDirectMessage:
		return true
	}
	return false
}

// Recipient is the profile a notification is addressed to.
type Recipient struct {
	ID           string
	ContactEmail string
	FullName     string
}

// HasEmail reports whether the recipient can receive email.
func (r Recipient) HasEmail() bool {
	return r.ContactEmail != ""
}

// Network is the community a notification belongs to.
type Network struct {
	ID   string
	Name string
}
