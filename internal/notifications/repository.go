// Package notifications batches queued notifications into emails and records the outcome.
package notifications

import (
	"context"
	"time"
)

// Repository defines data access for the notification queue.
type Repository interface {
	// ClaimPending reserves up to limit dispatchable entries for owner and
	// returns them joined with recipient and network. Claims older than
	// leaseTTL are considered abandoned and may be taken over.
	ClaimPending(ctx context.Context, owner string, limit int, leaseTTL time.Duration) ([]*QueueEntry, error)
	// ReleaseClaims drops the claim on entries that were not acted upon.
	ReleaseClaims(ctx context.Context, ids []string) error

	MarkSent(ctx context.Context, ids []string, sentAt time.Time) error
	// MarkFailed records reason on unsent entries. A nil nextAttemptAt makes the failure permanent.
	MarkFailed(ctx context.Context, ids []string, reason string, nextAttemptAt *time.Time) error

	// DeleteSentBefore purges sent entries whose sent_at is older than cutoff.
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetQueueStats(ctx context.Context) (*QueueStats, error)
}
