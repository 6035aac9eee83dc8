//go:build integration

package postgres_test

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
	"github.com/conclav/conclav-notify/internal/notifications"
	notificationspostgres "github.com/conclav/conclav-notify/internal/notifications/postgres"
	"github.com/conclav/conclav-notify/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}

	os.Exit(code)
}

type fixture struct {
	repo      *notificationspostgres.Repository
	alice     string
	bob       string
	noEmail   string
	networkID string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	_, err := testDB.Exec(ctx, `TRUNCATE notification_queue, profiles, networks CASCADE`)
	require.NoError(t, err)

	f := &fixture{repo: notificationspostgres.NewRepository(testDB)}
	f.alice = insertProfile(t, "alice@example.com", "Alice Doe")
	f.bob = insertProfile(t, "bob@example.com", "Bob Roe")
	f.noEmail = insertProfile(t, "", "Nomail")

	err = testDB.QueryRow(ctx, `INSERT INTO networks (name) VALUES ('Book Club') RETURNING id::text`).Scan(&f.networkID)
	require.NoError(t, err)
	return f
}

func insertProfile(t *testing.T, email, name string) string {
	t.Helper()
	var id string
	err := testDB.QueryRow(context.Background(),
		`INSERT INTO profiles (contact_email, full_name) VALUES (NULLIF($1, ''), $2) RETURNING id::text`,
		email, name,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func (f *fixture) enqueue(t *testing.T, entries ...notificationspostgres.NewEntry) []string {
	t.Helper()
	ids, err := f.repo.Enqueue(context.Background(), entries)
	require.NoError(t, err)
	require.Len(t, ids, len(entries))
	return ids
}

func (f *fixture) news(recipient string) notificationspostgres.NewEntry {
	return notificationspostgres.NewEntry{
		RecipientID:    recipient,
		NetworkID:      &f.networkID,
		Type:           domain.NotificationTypeNews,
		ContentPreview: "Library opens Monday",
		Metadata:       `{"authorName":"Alice"}`,
	}
}

func claimIDs(entries []*notifications.QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestRepository_EnqueueAndClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	dm := notificationspostgres.NewEntry{
		RecipientID:    f.bob,
		Type:           domain.NotificationTypeDirectMessage,
		SubjectLine:    "Hello",
		ContentPreview: "Are you coming?",
		Metadata:       `{"senderId":"s1","senderName":"Alice"}`,
	}
	ids := f.enqueue(t, f.news(f.alice), dm)

	entries, err := f.repo.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.ElementsMatch(t, ids, claimIDs(entries))

	byType := make(map[domain.NotificationType]*notifications.QueueEntry)
	for _, e := range entries {
		byType[e.Type] = e
	}

	news := byType[domain.NotificationTypeNews]
	require.NotNil(t, news)
	assert.Equal(t, domain.NotificationTypeNews, news.Type)
	assert.Equal(t, "alice@example.com", news.Recipient.ContactEmail)
	assert.Equal(t, "Alice Doe", news.Recipient.FullName)
	assert.Equal(t, f.alice, news.Recipient.ID)
	require.NotNil(t, news.NetworkID)
	assert.Equal(t, "Book Club", news.Network.Name)
	assert.Equal(t, "worker-1", news.ClaimedBy)
	assert.Equal(t, notifications.EntryStatePending, news.State())
	assert.Empty(t, news.SubjectLine)

	direct := byType[domain.NotificationTypeDirectMessage]
	require.NotNil(t, direct)
	assert.Nil(t, direct.NetworkID)
	assert.Equal(t, "null", direct.NetworkKey())
	assert.Equal(t, "Hello", direct.SubjectLine)
	assert.Equal(t, "bob@example.com", direct.Recipient.ContactEmail)
}

func TestRepository_ClaimRespectsLimitAndExistingClaims(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.alice), f.news(f.alice), f.news(f.bob))

	first, err := f.repo.ClaimPending(ctx, "worker-1", 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := f.repo.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, second, 1, "claimed rows are not handed out twice")
	assert.ElementsMatch(t, ids, append(claimIDs(first), claimIDs(second)...))

	none, err := f.repo.ClaimPending(ctx, "worker-3", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepository_ExpiredClaimIsTakenOver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.alice))

	_, err := f.repo.ClaimPending(ctx, "crashed-worker", 10, time.Minute)
	require.NoError(t, err)

	_, err = testDB.Exec(ctx, `UPDATE notification_queue SET claimed_at = now() - interval '10 minutes'`)
	require.NoError(t, err)

	entries, err := f.repo.ClaimPending(ctx, "worker-2", 10, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ids, claimIDs(entries))
	assert.Equal(t, "worker-2", entries[0].ClaimedBy)
}

func TestRepository_ConcurrentClaimsAreDisjoint(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var batch []notificationspostgres.NewEntry
	for i := 0; i < 40; i++ {
		batch = append(batch, f.news(f.alice))
	}
	f.enqueue(t, batch...)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			entries, err := f.repo.ClaimPending(ctx, owner, 15, time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				seen[e.ID]++
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s claimed more than once", id)
	}
}

func TestRepository_ReleaseClaims(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.noEmail))

	_, err := f.repo.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.repo.ReleaseClaims(ctx, ids))
	require.NoError(t, f.repo.ReleaseClaims(ctx, nil))

	entries, err := f.repo.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Recipient.ContactEmail)
	assert.False(t, entries[0].Recipient.HasEmail())
}

func TestRepository_MarkSent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.alice), f.news(f.alice))
	_, err := f.repo.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)

	sentAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, f.repo.MarkSent(ctx, ids, sentAt))

	var (
		isSent    bool
		gotSentAt time.Time
		claimedBy *string
	)
	err = testDB.QueryRow(ctx,
		`SELECT is_sent, sent_at, claimed_by FROM notification_queue WHERE id = $1`, ids[0],
	).Scan(&isSent, &gotSentAt, &claimedBy)
	require.NoError(t, err)
	assert.True(t, isSent)
	assert.True(t, sentAt.Equal(gotSentAt))
	assert.Nil(t, claimedBy)

	// A later failure of the same group must not flip sent rows back.
	require.NoError(t, f.repo.MarkFailed(ctx, ids, "smtp timeout", nil))

	var errMsg *string
	err = testDB.QueryRow(ctx,
		`SELECT is_sent, error_message FROM notification_queue WHERE id = $1`, ids[1],
	).Scan(&isSent, &errMsg)
	require.NoError(t, err)
	assert.True(t, isSent)
	assert.Nil(t, errMsg)

	entries, err := f.repo.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, entries, "sent entries are never claimed again")
}

func TestRepository_MarkFailed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.alice), f.news(f.bob), f.news(f.bob))
	retryLater, retryNow, permanent := ids[0], ids[1], ids[2]

	_, err := f.repo.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, f.repo.MarkFailed(ctx, []string{retryLater}, "421 try later", &future))
	require.NoError(t, f.repo.MarkFailed(ctx, []string{retryNow}, "connection reset", &past))
	require.NoError(t, f.repo.MarkFailed(ctx, []string{permanent}, "550 no such user", nil))

	entries, err := f.repo.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, retryNow, entries[0].ID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, notifications.EntryStateRetrying, entries[0].State())
	require.NotNil(t, entries[0].ErrorMessage)
	assert.Equal(t, "connection reset", *entries[0].ErrorMessage)

	var attempts int
	var next *time.Time
	err = testDB.QueryRow(ctx,
		`SELECT attempts, next_attempt_at FROM notification_queue WHERE id = $1`, permanent,
	).Scan(&attempts, &next)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, next)
}

func TestRepository_DeleteSentBefore(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.alice), f.news(f.alice), f.news(f.alice), f.news(f.bob), f.news(f.bob))
	old, withinRetention, recent, failed, pending := ids[0], ids[1], ids[2], ids[3], ids[4]

	now := time.Now()
	require.NoError(t, f.repo.MarkSent(ctx, []string{old}, now.Add(-8*24*time.Hour)))
	require.NoError(t, f.repo.MarkSent(ctx, []string{withinRetention}, now.Add(-6*24*time.Hour)))
	require.NoError(t, f.repo.MarkSent(ctx, []string{recent}, now.Add(-time.Hour)))
	require.NoError(t, f.repo.MarkFailed(ctx, []string{failed}, "550", nil))

	cutoff := now.Add(-7 * 24 * time.Hour)
	n, err := f.repo.DeleteSentBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := testDB.Query(ctx, `SELECT id::text FROM notification_queue`)
	require.NoError(t, err)
	var remaining []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		remaining = append(remaining, id)
	}
	require.NoError(t, rows.Err())
	assert.ElementsMatch(t, []string{withinRetention, recent, failed, pending}, remaining)

	n, err = f.repo.DeleteSentBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a second sweep has nothing left to delete")
}

func TestRepository_GetQueueStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ids := f.enqueue(t, f.news(f.alice), f.news(f.alice), f.news(f.bob), f.news(f.bob), f.news(f.bob))
	future := time.Now().Add(time.Hour)
	require.NoError(t, f.repo.MarkSent(ctx, ids[:1], time.Now()))
	require.NoError(t, f.repo.MarkFailed(ctx, ids[1:2], "timeout", &future))
	require.NoError(t, f.repo.MarkFailed(ctx, ids[2:3], "550", nil))

	stats, err := f.repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &notifications.QueueStats{Pending: 2, Retrying: 1, Failed: 1, Sent: 1}, stats)
}
