package auth_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lavet13/tour-sub000"
	"github.com/lavet13/tour-sub000/telegram"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"
)

const testBotToken = "123456:TEST-bot-token"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testOptions() *auth.Options {
	opts := auth.DefaultOptions()
	opts.SigningKey = "test-signing-key-0123456789"
	opts.BotToken = testBotToken
	return opts
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	client, err := auth.OpenPersistence(ctx, auth.DatabaseOptions{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.DB().Close() })

	require.NoError(t, auth.Migrate(ctx, client))
	return client.DB()
}

// fakeCookies records writes and can be told to fail.
type fakeCookies struct {
	mu       sync.Mutex
	setErr   error
	clearErr error
	set      []auth.TokenPair
	clears   int
}

func (f *fakeCookies) SetSession(ctx context.Context, tokens auth.TokenPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.set = append(f.set, tokens)
	return nil
}

func (f *fakeCookies) ClearSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return f.clearErr
}

func (f *fakeCookies) last() auth.TokenPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.set) == 0 {
		return auth.TokenPair{}
	}
	return f.set[len(f.set)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *recordingSink) Record(ctx context.Context, event auth.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []auth.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.ActivityEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// failingSessions wraps a store and fails the non transactional writes
// used by compensation.
type failingSessions struct {
	auth.SessionStore
	revokeErr  error
	restoreErr error
}

func (f *failingSessions) Revoke(ctx context.Context, token string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	return f.SessionStore.Revoke(ctx, token)
}

func (f *failingSessions) Restore(ctx context.Context, current, previous string, updatedAt time.Time) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	return f.SessionStore.Restore(ctx, current, previous, updatedAt)
}

type testEnv struct {
	db       *bun.DB
	repo     auth.RepositoryManager
	clock    *testClock
	opts     *auth.Options
	tokens   *auth.TokenIssuer
	service  *auth.SessionService
	widget   *telegram.WidgetVerifier
	webApp   *telegram.WebAppVerifier
	activity *recordingSink
	sessions *failingSessions
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	clock := newTestClock()
	opts := testOptions()

	sessions := &failingSessions{SessionStore: auth.NewSessionStore(db, auth.WithSessionClock(clock.Now))}
	repo := auth.NewRepositoryManager(db, auth.WithSessionStore(sessions))
	tokens := auth.NewTokenIssuer(opts, auth.WithTokenClock(clock.Now))
	activity := &recordingSink{}

	service := auth.NewSessionService(repo, opts,
		auth.WithTokenService(tokens),
		auth.WithClock(clock.Now),
		auth.WithActivitySink(activity),
		auth.WithCompensationBackoff(func(int) time.Duration { return 0 }),
		auth.WithPasswordCost(bcrypt.MinCost),
	)

	return &testEnv{
		db:       db,
		repo:     repo,
		clock:    clock,
		opts:     opts,
		tokens:   tokens,
		service:  service,
		widget:   telegram.NewWidgetVerifier(testBotToken),
		webApp:   telegram.NewWebAppVerifier(testBotToken),
		activity: activity,
		sessions: sessions,
	}
}

func (e *testEnv) widgetData(externalID int64, firstName string, signedAt time.Time) map[string]any {
	fields := map[string]string{
		"id":         strconv.FormatInt(externalID, 10),
		"first_name": firstName,
		"auth_date":  strconv.FormatInt(signedAt.Unix(), 10),
	}
	data := map[string]any{"hash": e.widget.Sign(fields)}
	for k, v := range fields {
		data[k] = v
	}
	return data
}

func (e *testEnv) initData(externalID int64, firstName string, signedAt time.Time) string {
	return e.webApp.Encode(map[string]string{
		"user":      `{"id":` + strconv.FormatInt(externalID, 10) + `,"first_name":"` + firstName + `"}`,
		"auth_date": strconv.FormatInt(signedAt.Unix(), 10),
		"chat_type": "private",
	})
}

func count[T any](t *testing.T, db *bun.DB) int {
	t.Helper()
	n, err := db.NewSelect().Model((*T)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}
