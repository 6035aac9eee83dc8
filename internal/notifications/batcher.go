package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
	"github.com/conclav/conclav-notify/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// BatcherConfig contains dispatch configuration.
type BatcherConfig struct {
	From      string
	BatchSize int
	SendDelay time.Duration
	Retention time.Duration
	LeaseTTL  time.Duration
	LockKey   string
	LockTTL   time.Duration
	// Owner is written to claimed_by. A random id is used when empty.
	Owner string
	Retry RetryConfig
}

// DefaultBatcherConfig returns default dispatch configuration.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize: 50,
		SendDelay: 600 * time.Millisecond,
		Retention: 7 * 24 * time.Hour,
		LeaseTTL:  5 * time.Minute,
		LockKey:   "conclav:notify:dispatch",
		LockTTL:   10 * time.Minute,
		Retry:     DefaultRetryConfig(),
	}
}

// RunResult summarises one invocation.
type RunResult struct {
	RunID string
	// Processed is the number of entries fetched from the queue.
	Processed int
	Sent      int
	Failed    int
	// Retrying counts failed entries scheduled for another attempt.
	Retrying int
	Skipped  int
	Units    int
	Swept    int64
	Failures []GroupFailure
	Duration time.Duration
}

// GroupFailure describes a group that could not be delivered.
type GroupFailure struct {
	GroupKey   string
	Type       domain.NotificationType
	EntryCount int
	Error      string
	Retrying   bool
}

// BatcherOption configures optional Batcher collaborators.
type BatcherOption func(*Batcher)

// WithAttachmentStore sets the store used to resolve attachments by object key.
func WithAttachmentStore(s AttachmentStore) BatcherOption {
	return func(b *Batcher) { b.attachments = s }
}

// WithLocker sets the cross-process invocation lock.
func WithLocker(l Locker) BatcherOption {
	return func(b *Batcher) { b.locker = l }
}

// WithReporter sets the failed-run reporter.
func WithReporter(r Reporter) BatcherOption {
	return func(b *Batcher) { b.reporter = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BatcherOption {
	return func(b *Batcher) { b.now = now }
}

// WithSleep overrides the pause between sends.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) BatcherOption {
	return func(b *Batcher) { b.sleep = sleep }
}

// Batcher reads the queue, groups entries, renders and sends emails, records
// the outcome and purges old sent entries.
type Batcher struct {
	config    BatcherConfig
	repo      Repository
	renderer  *Renderer
	transport Transport

	attachments AttachmentStore
	locker      Locker
	reporter    Reporter
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewBatcher creates a new batcher.
func NewBatcher(config BatcherConfig, repo Repository, renderer *Renderer, transport Transport, opts ...BatcherOption) *Batcher {
	if config.Owner == "" {
		config.Owner = uuid.NewString()
	}
	b := &Batcher{
		config:    config,
		repo:      repo,
		renderer:  renderer,
		transport: transport,
		locker:    NoopLocker{},
		now:       time.Now,
		sleep:     sleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run performs one invocation. Only lock and fetch failures are returned;
// per-group failures are recorded on the queue and reported in the result.
func (b *Batcher) Run(ctx context.Context) (*RunResult, error) {
	if b.transport == nil {
		return nil, ErrNoTransport
	}

	start := time.Now()
	result := &RunResult{RunID: uuid.NewString()}
	ctx, logger := ctxlog.With(ctx, "run_id", result.RunID)

	unlock, ok, err := b.locker.TryLock(ctx, b.config.LockKey, b.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		recordRun("locked")
		return nil, ErrDispatchInProgress
	}
	defer unlock()

	entries, err := b.repo.ClaimPending(ctx, b.config.Owner, b.config.BatchSize, b.config.LeaseTTL)
	if err != nil {
		recordRun("error")
		return nil, fmt.Errorf("claim pending notifications: %w", err)
	}

	result.Processed = len(entries)
	recordQueueFetched(len(entries))

	if len(entries) > 0 {
		logger.Info("processing notifications", "count", len(entries))
		if err := b.process(ctx, entries, result); err != nil {
			recordRun("canceled")
			return result, err
		}
	}

	b.sweep(ctx, result)
	b.refreshQueueStats(ctx)

	result.Duration = time.Since(start)
	recordRun("completed")

	logger.Info("dispatch run completed",
		"processed", result.Processed,
		"sent", result.Sent,
		"failed", result.Failed,
		"retrying", result.Retrying,
		"skipped", result.Skipped,
		"units", result.Units,
		"swept", result.Swept,
		"duration", result.Duration,
	)

	if result.Failed > 0 && b.reporter != nil {
		if err := b.reporter.ReportRun(ctx, result); err != nil {
			logger.Warn("failed to report dispatch failures", "error", err)
		}
	}

	return result, nil
}

func (b *Batcher) process(ctx context.Context, entries []*QueueEntry, result *RunResult) error {
	logger := ctxlog.FromContext(ctx)

	groups, skipped := GroupEntries(entries)
	if len(skipped) > 0 {
		for _, e := range skipped {
			logger.Warn("skipping notification without recipient email",
				"entry_id", e.ID,
				"recipient_id", e.RecipientID,
			)
		}
		result.Skipped = len(skipped)
		recordSkipped(len(skipped))
		if err := b.repo.ReleaseClaims(ctx, entryIDs(skipped)); err != nil {
			logger.Error("failed to release skipped notifications", "error", err)
		}
	}

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			b.releaseGroups(ctx, groups[i:])
			return fmt.Errorf("dispatch interrupted: %w", err)
		}
		b.processGroup(ctx, g, result)
	}

	return nil
}

// processGroup delivers every unit of a group in order. The first failing
// unit fails the whole group and the remaining units are not attempted.
func (b *Batcher) processGroup(ctx context.Context, g *DispatchGroup, result *RunResult) {
	logger := ctxlog.FromContext(ctx).With(
		"group_key", g.Key.String(),
		"recipient_id", g.Key.RecipientID,
		"type", g.Type,
		"entry_count", len(g.Entries),
	)

	sent := make(map[string]bool)

	for _, unit := range g.Units() {
		start := time.Now()
		if err := b.sendUnit(ctx, unit); err != nil {
			if ctx.Err() != nil {
				// Shutting down: leave the entries to the next invocation.
				b.releaseUnsent(ctx, g, sent)
				return
			}
			recordUnit(g.Type, "failed")
			b.failGroup(ctx, g, sent, err, result)
			return
		}
		recordUnit(g.Type, "sent")
		recordSendDuration(g.Type, time.Since(start))

		ids := unit.IDs()
		if err := b.repo.MarkSent(context.WithoutCancel(ctx), ids, b.now()); err != nil {
			logger.Error("failed to mark notifications as sent", "error", err)
		}
		for _, id := range ids {
			sent[id] = true
		}
		result.Sent += len(ids)
		result.Units++

		logger.Debug("notification email sent", "unit_entries", len(ids))

		if err := b.sleep(ctx, b.config.SendDelay); err != nil {
			b.releaseUnsent(ctx, g, sent)
			return
		}
	}
}

func (b *Batcher) sendUnit(ctx context.Context, unit DispatchUnit) error {
	rendered, err := b.renderer.Render(unit)
	if err != nil {
		return NewNonRetryableError(fmt.Errorf("render: %w", err))
	}

	msg := Message{
		From:    b.config.From,
		To:      unit.Group.Recipient.ContactEmail,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
	}

	if unit.Group.Type == domain.NotificationTypeEvent {
		for _, e := range unit.Entries {
			att, err := resolveICS(ctx, ParseMetadata(e.Metadata).ICSAttachment, b.attachments)
			if err != nil {
				if errors.Is(err, ErrAttachmentInvalid) || errors.Is(err, ErrAttachmentStoreMissing) {
					return NewNonRetryableError(fmt.Errorf("attachment: %w", err))
				}
				return fmt.Errorf("attachment: %w", err)
			}
			if att != nil {
				msg.Attachments = append(msg.Attachments, *att)
			}
		}
	}

	if err := b.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send via %s: %w", b.transport.Name(), err)
	}
	return nil
}

// failGroup records err on every entry of the group. Entries already sent
// in this run keep their state because the store only updates unsent rows.
func (b *Batcher) failGroup(ctx context.Context, g *DispatchGroup, sent map[string]bool, err error, result *RunResult) {
	logger := ctxlog.FromContext(ctx)

	attempts := 0
	pending := 0
	for _, e := range g.Entries {
		if sent[e.ID] {
			continue
		}
		pending++
		if e.Attempts > attempts {
			attempts = e.Attempts
		}
	}

	next := b.config.Retry.nextAttempt(b.now(), attempts, err)

	logger.Warn("notification group failed",
		"group_key", g.Key.String(),
		"entry_count", pending,
		"attempt", attempts+1,
		"retry", next != nil,
		"error", err,
	)

	if markErr := b.repo.MarkFailed(ctx, g.IDs(), err.Error(), next); markErr != nil {
		logger.Error("failed to mark notifications as failed", "group_key", g.Key.String(), "error", markErr)
	}

	result.Failed += pending
	if next != nil {
		result.Retrying += pending
	}
	result.Failures = append(result.Failures, GroupFailure{
		GroupKey:   g.Key.String(),
		Type:       g.Type,
		EntryCount: pending,
		Error:      err.Error(),
		Retrying:   next != nil,
	})
}

func (b *Batcher) releaseUnsent(ctx context.Context, g *DispatchGroup, sent map[string]bool) {
	var ids []string
	for _, e := range g.Entries {
		if !sent[e.ID] {
			ids = append(ids, e.ID)
		}
	}
	b.release(ctx, ids)
}

func (b *Batcher) releaseGroups(ctx context.Context, groups []*DispatchGroup) {
	var ids []string
	for _, g := range groups {
		ids = append(ids, g.IDs()...)
	}
	b.release(ctx, ids)
}

func (b *Batcher) release(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := b.repo.ReleaseClaims(context.WithoutCancel(ctx), ids); err != nil {
		ctxlog.FromContext(ctx).Error("failed to release unprocessed notifications", "error", err)
	}
}

func (b *Batcher) sweep(ctx context.Context, result *RunResult) {
	n, err := b.Sweep(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Error("retention sweep failed", "error", err)
		return
	}
	result.Swept = n
}

// Sweep deletes sent entries older than the retention window.
func (b *Batcher) Sweep(ctx context.Context) (int64, error) {
	cutoff := b.now().Add(-b.config.Retention)
	n, err := b.repo.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sent notifications: %w", err)
	}
	recordSwept(n)
	if n > 0 {
		ctxlog.FromContext(ctx).Info("swept sent notifications", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (b *Batcher) refreshQueueStats(ctx context.Context) {
	stats, err := b.repo.GetQueueStats(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("failed to get queue stats", "error", err)
		return
	}
	RecordQueueStats(stats)
}

// sleep pauses for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
