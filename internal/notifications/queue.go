package notifications

import (
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
)

// EntryState is the derived lifecycle state of a queue entry.
type EntryState string

// Entry states.
const (
	EntryStatePending  EntryState = "pending"
	EntryStateRetrying EntryState = "retrying"
	EntryStateFailed   EntryState = "failed"
	EntryStateSent     EntryState = "sent"
)

// QueueEntry is a row of notification_queue joined with its recipient and network.
type QueueEntry struct {
	ID             string
	RecipientID    string
	NetworkID      *string
	Type           domain.NotificationType
	SubjectLine    string
	ContentPreview string
	RelatedItemID  string
	Metadata       string
	IsSent         bool
	SentAt         *time.Time
	ErrorMessage   *string
	Attempts       int
	NextAttemptAt  *time.Time
	ClaimedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Recipient domain.Recipient
	Network   domain.Network
}

// State derives the entry state from its columns.
func (e *QueueEntry) State() EntryState {
	switch {
	case e.IsSent:
		return EntryStateSent
	case e.ErrorMessage == nil:
		return EntryStatePending
	case e.NextAttemptAt != nil:
		return EntryStateRetrying
	default:
		return EntryStateFailed
	}
}

// NetworkKey returns the network id, or "null" for system-wide entries.
func (e *QueueEntry) NetworkKey() string {
	if e.NetworkID == nil || *e.NetworkID == "" {
		return "null"
	}
	return *e.NetworkID
}

// QueueStats contains entry counts by state.
type QueueStats struct {
	Pending  int64
	Retrying int64
	Failed   int64
	Sent     int64
}
