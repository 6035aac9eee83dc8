package notifications

import (
	"context"
	"time"
)

// Message is one outbound email.
type Message struct {
	From        string
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// Transport delivers messages to an email provider.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// AttachmentStore loads attachment content stored outside the queue row.
type AttachmentStore interface {
	Fetch(ctx context.Context, key string) (content []byte, contentType string, err error)
}

// Locker serialises invocations across processes.
type Locker interface {
	// TryLock acquires key for ttl. ok is false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Reporter is notified about runs that left failed groups behind.
type Reporter interface {
	ReportRun(ctx context.Context, result *RunResult) error
}

// NoopLocker always grants the lock. It is used when no shared store is configured.
type NoopLocker struct{}

// TryLock implements Locker.
func (NoopLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
