package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/storage"
)

const (
	testPassword = "correct horse battery"
	testIssuer   = "tokengate-test"
	testAudience = "tokengate-test-clients"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by every component of a test service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testEpoch} }

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

// countingVerifier is a cheap bcrypt verifier that counts Verify calls.
type countingVerifier struct {
	inner    *PasswordHasher
	verifies atomic.Int64
}

func newCountingVerifier() *countingVerifier {
	return &countingVerifier{inner: NewPasswordHasher(bcrypt.MinCost)}
}

func (v *countingVerifier) Hash(plain string) (string, error) { return v.inner.Hash(plain) }

func (v *countingVerifier) Verify(plain, hash string) (bool, error) {
	v.verifies.Add(1)
	return v.inner.Verify(plain, hash)
}

// zeroReader yields zero bytes forever, so every generated token collides.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type testEnv struct {
	svc       *Service
	store     *storage.SQLiteStore
	clock     *testClock
	passwords *countingVerifier
}

func newTestEnv(t *testing.T, mutate ...func(*ServiceConfig)) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:     store,
		clock:     newTestClock(),
		passwords: newCountingVerifier(),
	}

	config := ServiceConfig{
		Store:      store,
		AccessKey:  []byte("access-key-for-tests-0123456789abcdef"),
		RefreshKey: []byte("refresh-key-for-tests-0123456789abcdef"),
		Issuer:     testIssuer,
		Audience:   testAudience,
		Passwords:  env.passwords,
		TimeNow:    env.clock.Now,
	}
	for _, fn := range mutate {
		fn(&config)
	}

	env.svc, err = NewService(config)
	require.NoError(t, err)
	return env
}

func (e *testEnv) createAdmin(t *testing.T, email string, root bool) *AdminInfo {
	t.Helper()
	admin, err := e.svc.CreateAdmin(context.Background(), email, testPassword, root)
	require.NoError(t, err)
	return admin
}

func (e *testEnv) issueToken(t *testing.T, adminID string, days int) *LibraryToken {
	t.Helper()
	token, err := e.svc.IssueLibraryToken(context.Background(), adminID, days, "test token")
	require.NoError(t, err)
	return token
}

func (e *testEnv) exchange(t *testing.T, value string) *ExchangeResult {
	t.Helper()
	res, err := e.svc.ExchangeDevice(context.Background(), exchangeRequest(value))
	require.NoError(t, err)
	return res
}

func exchangeRequest(value string) ExchangeRequest {
	return ExchangeRequest{
		LibraryToken: value,
		AppName:      "Field Notes",
		AppVersion:   "2.4.1",
		Metadata:     AppMetadata{Platform: "ios"},
	}
}

// requireCode asserts that err carries the given error code.
func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, tgErrors.GetCode(err), "error: %v", err)
}

// collidingStore fails the next collisions token inserts with a unique-index
// violation, as if another writer claimed the value first.
type collidingStore struct {
	*storage.SQLiteStore
	collisions atomic.Int64
	inserts    atomic.Int64
}

func (s *collidingStore) InsertLibraryToken(ctx context.Context, token *LibraryToken) error {
	s.inserts.Add(1)
	if s.collisions.Add(-1) >= 0 {
		return storage.ErrDuplicate
	}
	return s.SQLiteStore.InsertLibraryToken(ctx, token)
}

// stalledStore never answers token lookups once stalled is set.
type stalledStore struct {
	*storage.SQLiteStore
	stalled atomic.Bool
}

func (s *stalledStore) GetLibraryTokenByValue(ctx context.Context, value string) (*LibraryToken, error) {
	if !s.stalled.Load() {
		return s.SQLiteStore.GetLibraryTokenByValue(ctx, value)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
