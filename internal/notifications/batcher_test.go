package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failedCall struct {
	IDs           []string
	Reason        string
	NextAttemptAt *time.Time
}

type fakeRepository struct {
	entries  []*QueueEntry
	claimErr error

	owner    string
	limit    int
	leaseTTL time.Duration

	sent     [][]string
	sentAt   []time.Time
	failed   []failedCall
	released [][]string

	deleteCutoff *time.Time
	deleted      int64
	deleteErr    error
}

func (r *fakeRepository) ClaimPending(_ context.Context, owner string, limit int, leaseTTL time.Duration) ([]*QueueEntry, error) {
	r.owner, r.limit, r.leaseTTL = owner, limit, leaseTTL
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	return r.entries, nil
}

func (r *fakeRepository) ReleaseClaims(_ context.Context, ids []string) error {
	r.released = append(r.released, ids)
	return nil
}

func (r *fakeRepository) MarkSent(_ context.Context, ids []string, sentAt time.Time) error {
	r.sent = append(r.sent, ids)
	r.sentAt = append(r.sentAt, sentAt)
	return nil
}

func (r *fakeRepository) MarkFailed(_ context.Context, ids []string, reason string, next *time.Time) error {
	r.failed = append(r.failed, failedCall{IDs: ids, Reason: reason, NextAttemptAt: next})
	return nil
}

func (r *fakeRepository) DeleteSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.deleteCutoff = &cutoff
	return r.deleted, r.deleteErr
}

func (r *fakeRepository) GetQueueStats(context.Context) (*QueueStats, error) {
	return &QueueStats{}, nil
}

func (r *fakeRepository) allSent() []string {
	var ids []string
	for _, batch := range r.sent {
		ids = append(ids, batch...)
	}
	return ids
}

type fakeTransport struct {
	messages []Message
	// sendFunc decides the outcome per message. A nil func always succeeds.
	sendFunc func(msg Message) error
}

func (t *fakeTransport) Send(_ context.Context, msg Message) error {
	t.messages = append(t.messages, msg)
	if t.sendFunc != nil {
		return t.sendFunc(msg)
	}
	return nil
}

func (t *fakeTransport) Name() string { return "fake" }

type fakeLocker struct {
	held     bool
	err      error
	unlocked bool
	key      string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.key = key
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func() { l.unlocked = true }, true, nil
}

type fakeReporter struct {
	results []*RunResult
}

func (r *fakeReporter) ReportRun(_ context.Context, result *RunResult) error {
	r.results = append(r.results, result)
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type batcherFixture struct {
	repo      *fakeRepository
	transport *fakeTransport
	reporter  *fakeReporter
	sleeps    []time.Duration
	batcher   *Batcher
}

func newBatcherFixture(t *testing.T, entries []*QueueEntry, opts ...BatcherOption) *batcherFixture {
	t.Helper()
	return newBatcherFixtureWithRetry(t, DefaultRetryConfig(), entries, opts...)
}

// threeAttempts enables retries with a one minute initial backoff.
var threeAttempts = RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    time.Minute,
	MaxBackoff:        time.Hour,
	BackoffMultiplier: 2,
}

func newBatcherFixtureWithRetry(t *testing.T, retry RetryConfig, entries []*QueueEntry, opts ...BatcherOption) *batcherFixture {
	t.Helper()

	f := &batcherFixture{
		repo:      &fakeRepository{entries: entries},
		transport: &fakeTransport{},
		reporter:  &fakeReporter{},
	}

	cfg := DefaultBatcherConfig()
	cfg.From = "Conclav <notify@conclav.test>"
	cfg.Owner = "worker-1"
	cfg.Retry = retry

	base := []BatcherOption{
		WithClock(func() time.Time { return testNow }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
		WithReporter(f.reporter),
	}
	f.batcher = NewBatcher(cfg, f.repo, newTestRenderer(t), f.transport, append(base, opts...)...)
	return f
}

func TestBatcher_EmptyQueue(t *testing.T) {
	f := newBatcherFixture(t, nil)
	f.repo.deleted = 4

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Processed)
	assert.Empty(t, f.transport.messages)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, int64(4), result.Swept, "sweep runs even when nothing was fetched")
	require.NotNil(t, f.repo.deleteCutoff)
	assert.Equal(t, testNow.Add(-7*24*time.Hour), *f.repo.deleteCutoff)
	assert.Empty(t, f.reporter.results)
}

func TestBatcher_ClaimsWithConfiguredLimits(t *testing.T) {
	f := newBatcherFixture(t, nil)

	_, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "worker-1", f.repo.owner)
	assert.Equal(t, 50, f.repo.limit)
	assert.Equal(t, 5*time.Minute, f.repo.leaseTTL)
}

func TestBatcher_GroupsIntoOneEmailPerGroup(t *testing.T) {
	entries := []*QueueEntry{
		newEntry("1", "r1", "n1", domain.NotificationTypeNews),
		newEntry("2", "r2", "n1", domain.NotificationTypePost),
		newEntry("3", "r1", "n1", domain.NotificationTypeNews),
		newEntry("4", "r1", "n1", domain.NotificationTypeMention),
	}
	f := newBatcherFixture(t, entries)

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.transport.messages, 3)
	assert.Equal(t, "r1@example.com", f.transport.messages[0].To)
	assert.Equal(t, "2 new news items in Network n1", f.transport.messages[0].Subject)
	assert.Equal(t, "Conclav <notify@conclav.test>", f.transport.messages[0].From)
	assert.Equal(t, "r2@example.com", f.transport.messages[1].To)
	assert.Equal(t, "r1@example.com", f.transport.messages[2].To)

	assert.Equal(t, [][]string{{"1", "3"}, {"2"}, {"4"}}, f.repo.sent)
	for _, at := range f.repo.sentAt {
		assert.Equal(t, testNow, at)
	}
	assert.Empty(t, f.repo.failed)

	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 4, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, result.Units)
	assert.Equal(t, []time.Duration{600 * time.Millisecond, 600 * time.Millisecond, 600 * time.Millisecond}, f.sleeps)
}

func TestBatcher_DirectMessagesOneEmailPerSender(t *testing.T) {
	dm := domain.NotificationTypeDirectMessage
	entries := []*QueueEntry{
		withMetadata(newEntry("1", "r1", "", dm), `{"senderId":"s1","senderName":"Alice"}`),
		withMetadata(newEntry("2", "r1", "", dm), `{"senderId":"s2","senderName":"Bob"}`),
		withMetadata(newEntry("3", "r1", "", dm), `{"senderId":"s1","senderName":"Alice"}`),
	}
	f := newBatcherFixture(t, entries)

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.transport.messages, 2)
	assert.Equal(t, "Alice sent you 2 messages", f.transport.messages[0].Subject)
	assert.Equal(t, "Bob sent you a message", f.transport.messages[1].Subject)
	assert.Equal(t, [][]string{{"1", "3"}, {"2"}}, f.repo.sent)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 2, result.Units)
}

func TestBatcher_NumericSenderIDsStaySeparate(t *testing.T) {
	dm := domain.NotificationTypeDirectMessage
	entries := []*QueueEntry{
		withMetadata(newEntry("1", "r1", "", dm), `{"senderId":101,"senderName":"Alice"}`),
		withMetadata(newEntry("2", "r1", "", dm), `{"senderId":202,"senderName":"Bob"}`),
	}
	f := newBatcherFixture(t, entries)

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.transport.messages, 2)
	assert.Equal(t, "Alice sent you a message", f.transport.messages[0].Subject)
	assert.Equal(t, "Bob sent you a message", f.transport.messages[1].Subject)
	assert.Equal(t, 2, result.Units)
}

func TestBatcher_TransientFailureSchedulesRetry(t *testing.T) {
	entries := []*QueueEntry{
		newEntry("1", "r1", "n1", domain.NotificationTypeNews),
		newEntry("2", "r1", "n1", domain.NotificationTypeNews),
		newEntry("3", "r2", "n1", domain.NotificationTypeNews),
	}
	f := newBatcherFixtureWithRetry(t, threeAttempts, entries)
	f.transport.sendFunc = func(msg Message) error {
		if msg.To == "r1@example.com" {
			return errors.New("connection reset")
		}
		return nil
	}

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.repo.failed, 1)
	failed := f.repo.failed[0]
	assert.Equal(t, []string{"1", "2"}, failed.IDs)
	assert.Contains(t, failed.Reason, "connection reset")
	require.NotNil(t, failed.NextAttemptAt)
	assert.Equal(t, testNow.Add(time.Minute), *failed.NextAttemptAt)

	assert.Equal(t, [][]string{{"3"}}, f.repo.sent, "a failed group does not stop the run")
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 2, result.Retrying)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "r1_n1_news", result.Failures[0].GroupKey)
	assert.True(t, result.Failures[0].Retrying)

	require.Len(t, f.reporter.results, 1)
	assert.Same(t, result, f.reporter.results[0])
}

func TestBatcher_DefaultConfigFailureIsFinal(t *testing.T) {
	f := newBatcherFixture(t, []*QueueEntry{newEntry("1", "r1", "n1", domain.NotificationTypeNews)})
	f.transport.sendFunc = func(Message) error { return errors.New("connection reset") }

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.repo.failed, 1)
	assert.Nil(t, f.repo.failed[0].NextAttemptAt, "without retries a failed entry is never read again")
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Retrying)
}

func TestBatcher_PermanentFailure(t *testing.T) {
	f := newBatcherFixture(t, []*QueueEntry{newEntry("1", "r1", "n1", domain.NotificationTypePost)})
	f.transport.sendFunc = func(Message) error {
		return NewNonRetryableError(errors.New("invalid recipient"))
	}

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.repo.failed, 1)
	assert.Nil(t, f.repo.failed[0].NextAttemptAt)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Retrying)
	assert.False(t, result.Failures[0].Retrying)
}

func TestBatcher_RetryBackoffFollowsAttempts(t *testing.T) {
	tests := []struct {
		name     string
		attempts []int
		wantNext *time.Duration
	}{
		{name: "second attempt", attempts: []int{1, 0}, wantNext: durationPtr(2 * time.Minute)},
		{name: "attempts exhausted", attempts: []int{0, 2}, wantNext: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []*QueueEntry
			for i, n := range tt.attempts {
				e := newEntry(string(rune('a'+i)), "r1", "n1", domain.NotificationTypeNews)
				e.Attempts = n
				entries = append(entries, e)
			}
			f := newBatcherFixtureWithRetry(t, threeAttempts, entries)
			f.transport.sendFunc = func(Message) error { return errors.New("timeout") }

			_, err := f.batcher.Run(context.Background())
			require.NoError(t, err)

			require.Len(t, f.repo.failed, 1)
			if tt.wantNext == nil {
				assert.Nil(t, f.repo.failed[0].NextAttemptAt)
				return
			}
			require.NotNil(t, f.repo.failed[0].NextAttemptAt)
			assert.Equal(t, testNow.Add(*tt.wantNext), *f.repo.failed[0].NextAttemptAt)
		})
	}
}

func TestBatcher_DirectMessagePartialFailure(t *testing.T) {
	dm := domain.NotificationTypeDirectMessage
	entries := []*QueueEntry{
		withMetadata(newEntry("1", "r1", "", dm), `{"senderId":"s1","senderName":"Alice"}`),
		withMetadata(newEntry("2", "r1", "", dm), `{"senderId":"s2","senderName":"Bob"}`),
		withMetadata(newEntry("3", "r1", "", dm), `{"senderId":"s3","senderName":"Cy"}`),
	}
	f := newBatcherFixture(t, entries)
	f.transport.sendFunc = func(msg Message) error {
		if msg.Subject == "Bob sent you a message" {
			return errors.New("rate limited")
		}
		return nil
	}

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.transport.messages, 2, "units after the failing one are not attempted")
	assert.Equal(t, [][]string{{"1"}}, f.repo.sent)
	require.Len(t, f.repo.failed, 1)
	assert.Equal(t, []string{"1", "2", "3"}, f.repo.failed[0].IDs)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 2, result.Failures[0].EntryCount)
}

func TestBatcher_SkipsRecipientsWithoutEmail(t *testing.T) {
	noEmail := newEntry("2", "r2", "n1", domain.NotificationTypeNews)
	noEmail.Recipient.ContactEmail = ""

	f := newBatcherFixture(t, []*QueueEntry{
		newEntry("1", "r1", "n1", domain.NotificationTypeNews),
		noEmail,
	})

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.transport.messages, 1)
	assert.Equal(t, [][]string{{"2"}}, f.repo.released)
	assert.Empty(t, f.repo.failed)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Sent)
}

func TestBatcher_LockHeld(t *testing.T) {
	locker := &fakeLocker{held: true}
	f := newBatcherFixture(t, []*QueueEntry{newEntry("1", "r1", "n1", domain.NotificationTypeNews)}, WithLocker(locker))

	result, err := f.batcher.Run(context.Background())
	assert.ErrorIs(t, err, ErrDispatchInProgress)
	assert.Nil(t, result)
	assert.Equal(t, "conclav:notify:dispatch", locker.key)
	assert.Empty(t, f.repo.owner, "queue is not read while another run holds the lock")
	assert.Empty(t, f.transport.messages)
}

func TestBatcher_LockErrorAndRelease(t *testing.T) {
	t.Run("lock error", func(t *testing.T) {
		f := newBatcherFixture(t, nil, WithLocker(&fakeLocker{err: errors.New("redis down")}))

		_, err := f.batcher.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis down")
	})

	t.Run("lock released after run", func(t *testing.T) {
		locker := &fakeLocker{}
		f := newBatcherFixture(t, nil, WithLocker(locker))

		_, err := f.batcher.Run(context.Background())
		require.NoError(t, err)
		assert.True(t, locker.unlocked)
	})
}

func TestBatcher_ClaimError(t *testing.T) {
	f := newBatcherFixture(t, nil)
	f.repo.claimErr = errors.New("connection refused")

	_, err := f.batcher.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim pending notifications")
	assert.Nil(t, f.repo.deleteCutoff)
}

func TestBatcher_NoTransport(t *testing.T) {
	b := NewBatcher(DefaultBatcherConfig(), &fakeRepository{}, newTestRenderer(t), nil)

	_, err := b.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestBatcher_CancellationReleasesRemainingGroups(t *testing.T) {
	entries := []*QueueEntry{
		newEntry("1", "r1", "n1", domain.NotificationTypeNews),
		newEntry("2", "r2", "n1", domain.NotificationTypeNews),
		newEntry("3", "r3", "n1", domain.NotificationTypeNews),
	}
	f := newBatcherFixture(t, entries)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.transport.sendFunc = func(Message) error {
		cancel()
		return nil
	}

	result, err := f.batcher.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	assert.Len(t, f.transport.messages, 1)
	assert.Equal(t, [][]string{{"1"}}, f.repo.sent)
	assert.Equal(t, [][]string{{"2", "3"}}, f.repo.released)
	assert.Empty(t, f.repo.failed, "interrupted entries are not marked failed")
}

func TestBatcher_TransportErrorDuringShutdownReleases(t *testing.T) {
	f := newBatcherFixture(t, []*QueueEntry{newEntry("1", "r1", "n1", domain.NotificationTypeNews)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.transport.sendFunc = func(Message) error {
		cancel()
		return context.Canceled
	}

	result, err := f.batcher.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.repo.failed)
	assert.Equal(t, [][]string{{"1"}}, f.repo.released)
	assert.Equal(t, 0, result.Failed)
}

func TestBatcher_EventAttachments(t *testing.T) {
	event := domain.NotificationTypeEvent

	t.Run("inline calendar attached", func(t *testing.T) {
		e := withMetadata(newEntry("1", "r1", "n1", event), `{"eventTitle":"Picnic","icsAttachment":{"filename":"picnic.ics","content":"BEGIN:VCALENDAR"}}`)
		f := newBatcherFixture(t, []*QueueEntry{e})

		_, err := f.batcher.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.transport.messages, 1)
		require.Len(t, f.transport.messages[0].Attachments, 1)
		att := f.transport.messages[0].Attachments[0]
		assert.Equal(t, "picnic.ics", att.Filename)
		assert.Equal(t, "BEGIN:VCALENDAR", string(att.Content))
	})

	t.Run("one attachment per event in a batch", func(t *testing.T) {
		store := &fakeAttachmentStore{objects: map[string][]byte{"e2.ics": []byte(sampleICS)}}
		f := newBatcherFixture(t, []*QueueEntry{
			withMetadata(newEntry("1", "r1", "n1", event), `{"icsAttachment":"BEGIN:VCALENDAR"}`),
			withMetadata(newEntry("2", "r1", "n1", event), `{"icsAttachment":{"objectKey":"e2.ics"}}`),
			newEntry("3", "r1", "n1", event),
		}, WithAttachmentStore(store))

		_, err := f.batcher.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.transport.messages, 1)
		assert.Len(t, f.transport.messages[0].Attachments, 2)
		assert.Equal(t, []string{"e2.ics"}, store.keys)
	})

	t.Run("object key without store is permanent", func(t *testing.T) {
		e := withMetadata(newEntry("1", "r1", "n1", event), `{"icsAttachment":{"objectKey":"e1.ics"}}`)
		f := newBatcherFixture(t, []*QueueEntry{e})

		result, err := f.batcher.Run(context.Background())
		require.NoError(t, err)

		assert.Empty(t, f.transport.messages)
		require.Len(t, f.repo.failed, 1)
		assert.Nil(t, f.repo.failed[0].NextAttemptAt)
		assert.Equal(t, 1, result.Failed)
	})

	t.Run("store outage is retried", func(t *testing.T) {
		e := withMetadata(newEntry("1", "r1", "n1", event), `{"icsAttachment":{"objectKey":"e1.ics"}}`)
		f := newBatcherFixtureWithRetry(t, threeAttempts, []*QueueEntry{e}, WithAttachmentStore(&fakeAttachmentStore{err: errors.New("503")}))

		_, err := f.batcher.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.repo.failed, 1)
		assert.NotNil(t, f.repo.failed[0].NextAttemptAt)
	})

	t.Run("attachments ignored for other types", func(t *testing.T) {
		e := withMetadata(newEntry("1", "r1", "n1", domain.NotificationTypeNews), `{"icsAttachment":"BEGIN:VCALENDAR"}`)
		f := newBatcherFixture(t, []*QueueEntry{e})

		_, err := f.batcher.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.transport.messages, 1)
		assert.Empty(t, f.transport.messages[0].Attachments)
	})
}

func TestBatcher_SweepErrorDoesNotFailRun(t *testing.T) {
	f := newBatcherFixture(t, []*QueueEntry{newEntry("1", "r1", "n1", domain.NotificationTypeNews)})
	f.repo.deleteErr = errors.New("lock timeout")

	result, err := f.batcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, int64(0), result.Swept)
}

func TestBatcher_Sweep(t *testing.T) {
	f := newBatcherFixture(t, nil)
	f.repo.deleted = 12

	n, err := f.batcher.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, testNow.Add(-7*24*time.Hour), *f.repo.deleteCutoff)

	f.repo.deleteErr = errors.New("boom")
	_, err = f.batcher.Sweep(context.Background())
	assert.Error(t, err)
}

func TestNewBatcher_GeneratesOwner(t *testing.T) {
	b := NewBatcher(DefaultBatcherConfig(), &fakeRepository{}, newTestRenderer(t), &fakeTransport{})
	assert.NotEmpty(t, b.config.Owner)
	assert.IsType(t, NoopLocker{}, b.locker)
}

func TestSleep(t *testing.T) {
	require.NoError(t, sleep(context.Background(), 0))
	require.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}
