// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
	"github.com/conclav/conclav-notify/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ClaimPending reserves dispatchable entries for owner. Rows locked by a
// concurrent claim are skipped rather than waited on.
func (r *Repository) ClaimPending(ctx context.Context, owner string, limit int, leaseTTL time.Duration) ([]*notifications.QueueEntry, error) {
	query := `
		WITH candidates AS (
			SELECT id
			FROM notification_queue
			WHERE is_sent = false
			  AND (error_message IS NULL OR next_attempt_at <= now())
			  AND (claimed_at IS NULL OR claimed_at < now() - make_interval(secs => $3))
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE notification_queue q
			SET claimed_by = $1, claimed_at = now()
			FROM candidates c
			WHERE q.id = c.id
			RETURNING q.*
		)
		SELECT c.id, c.recipient_id, c.network_id, c.notification_type,
		       COALESCE(c.subject_line, ''), COALESCE(c.content_preview, ''),
		       COALESCE(c.related_item_id::text, ''), COALESCE(c.metadata, ''),
		       c.is_sent, c.sent_at, c.error_message, c.attempts, c.next_attempt_at,
		       COALESCE(c.claimed_by, ''), c.created_at, c.updated_at,
		       COALESCE(p.contact_email, ''), COALESCE(p.full_name, ''), COALESCE(n.name, '')
		FROM claimed c
		LEFT JOIN profiles p ON p.id = c.recipient_id
		LEFT JOIN networks n ON n.id = c.network_id
		ORDER BY c.created_at, c.id
	`
	rows, err := r.db.Query(ctx, query, owner, limit, leaseTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending notifications: %w", err)
	}
	defer rows.Close()

	var entries []*notifications.QueueEntry
	for rows.Next() {
		var e notifications.QueueEntry
		var networkName string
		if err := rows.Scan(
			&e.ID,
			&e.RecipientID,
			&e.NetworkID,
			&e.Type,
			&e.SubjectLine,
			&e.ContentPreview,
			&e.RelatedItemID,
			&e.Metadata,
			&e.IsSent,
			&e.SentAt,
			&e.ErrorMessage,
			&e.Attempts,
			&e.NextAttemptAt,
			&e.ClaimedBy,
			&e.CreatedAt,
			&e.UpdatedAt,
			&e.Recipient.ContactEmail,
			&e.Recipient.FullName,
			&networkName,
		); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Recipient.ID = e.RecipientID
		if e.NetworkID != nil {
			e.Network = domain.Network{ID: *e.NetworkID, Name: networkName}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// ReleaseClaims drops the claim on unsent entries.
func (r *Repository) ReleaseClaims(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE notification_queue
		SET claimed_by = NULL, claimed_at = NULL
		WHERE id = ANY($1) AND is_sent = false
	`
	if _, err := r.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

// MarkSent marks entries as delivered at sentAt.
func (r *Repository) MarkSent(ctx context.Context, ids []string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE notification_queue
		SET is_sent = true,
		    sent_at = $2,
		    error_message = NULL,
		    next_attempt_at = NULL,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = ANY($1) AND is_sent = false
	`
	if _, err := r.db.Exec(ctx, query, ids, sentAt); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed records reason on unsent entries and schedules the next attempt.
// A nil nextAttemptAt makes the failure permanent.
func (r *Repository) MarkFailed(ctx context.Context, ids []string, reason string, nextAttemptAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE notification_queue
		SET error_message = $2,
		    attempts = attempts + 1,
		    next_attempt_at = $3,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = ANY($1) AND is_sent = false
	`
	if _, err := r.db.Exec(ctx, query, ids, reason, nextAttemptAt); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// DeleteSentBefore deletes sent entries whose sent_at is older than cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM notification_queue WHERE is_sent = true AND sent_at < $1`
	result, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sent notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats returns entry counts by state.
func (r *Repository) GetQueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT is_sent AND error_message IS NULL),
			COUNT(*) FILTER (WHERE NOT is_sent AND error_message IS NOT NULL AND next_attempt_at IS NOT NULL),
			COUNT(*) FILTER (WHERE NOT is_sent AND error_message IS NOT NULL AND next_attempt_at IS NULL),
			COUNT(*) FILTER (WHERE is_sent)
		FROM notification_queue
	`
	var stats notifications.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Retrying, &stats.Failed, &stats.Sent)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// NewEntry is a notification to enqueue.
type NewEntry struct {
	RecipientID    string
	NetworkID      *string
	Type           domain.NotificationType
	SubjectLine    string
	ContentPreview string
	RelatedItemID  *string
	Metadata       string
}

// Enqueue inserts entries into the queue in one transaction and returns their ids.
func (r *Repository) Enqueue(ctx context.Context, entries []NewEntry) ([]string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO notification_queue
			(recipient_id, network_id, notification_type, subject_line, content_preview, related_item_id, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))
		RETURNING id
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query, e.RecipientID, e.NetworkID, e.Type, e.SubjectLine, e.ContentPreview, e.RelatedItemID, e.Metadata)
	}

	results := tx.SendBatch(ctx, batch)
	ids := make([]string, 0, len(entries))
	for range entries {
		var id string
		if err := results.QueryRow().Scan(&id); err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("insert queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return ids, nil
}
