package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/relaychat/internal/email"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/models"
	"github.com/pliu/relaychat/internal/otp"
	"github.com/pliu/relaychat/internal/store/memstore"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []email.OTPNotice
}

func (n *recordingNotifier) Notify(_ context.Context, notice email.OTPNotice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.notices, "no notice recorded")
	return n.notices[len(n.notices)-1].Code
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	store    *memstore.MemStore
	notifier *recordingNotifier
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	svc := &Service{
		Store:    st,
		Codes:    otp.New(st, otp.Config{HashCost: bcrypt.MinCost, Now: clock.Now}),
		Issuer:   NewIssuer([]byte("test-secret"), 0, clock.Now),
		Notifier: notifier,
		Logger:   logging.Discard(),
	}
	return &fixture{svc: svc, store: st, notifier: notifier, clock: clock}
}

func TestRequestOTPBadRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct{ email, name string }{
		{"", "Alice"},
		{"a@x.com", ""},
		{"   ", "Alice"},
	} {
		assert.ErrorIs(t, f.svc.RequestOTP(ctx, tc.email, tc.name), ErrBadRequest)
	}
	assert.Empty(t, f.notifier.notices)
}

func TestRequestOTPNotifies(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.RequestOTP(context.Background(), " a@x.com ", "Alice"))

	require.Len(t, f.notifier.notices, 1)
	n := f.notifier.notices[0]
	assert.Equal(t, "a@x.com", n.Email)
	assert.Equal(t, "Alice", n.Name)
	assert.Len(t, n.Code, 6)
	assert.Equal(t, otp.DefaultTTL, n.TTL)
}

func TestRequestOTPSucceedsWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := email.NewDispatcher(failingMailer{}, logging.Discard(), 1)
	d.Start(ctx, 1)
	f.svc.Notifier = d

	assert.NoError(t, f.svc.RequestOTP(context.Background(), "a@x.com", "Alice"))
}

type failingMailer struct{}

func (failingMailer) SendOTP(context.Context, email.OTPNotice) error {
	return errors.New("smtp unavailable")
}

func TestVerifyOTPScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestOTP(ctx, "a@x.com", "Alice"))
	sess, err := f.svc.VerifyOTP(ctx, "a@x.com", "Alice", f.notifier.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, &models.User{ID: "1", Email: "a@x.com", Name: "Alice"}, sess.User)

	id, err := f.svc.Issuer.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "1", Email: "a@x.com"}, id)

	require.NoError(t, f.svc.RequestOTP(ctx, "a@x.com", "Alicia"))
	sess, err = f.svc.VerifyOTP(ctx, "a@x.com", "Alicia", f.notifier.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, &models.User{ID: "1", Email: "a@x.com", Name: "Alicia"}, sess.User)
}

func TestVerifyOTPBadRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct{ email, name, code string }{
		{"", "Alice", "123456"},
		{"a@x.com", "", "123456"},
		{"a@x.com", "Alice", ""},
	} {
		_, err := f.svc.VerifyOTP(ctx, tc.email, tc.name, tc.code)
		assert.ErrorIs(t, err, ErrBadRequest)
	}
}

func TestVerifyOTPInvalidLeavesDirectoryAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestOTP(ctx, "a@x.com", "Alice"))
	code := f.notifier.lastCode(t)
	wrong := "100000"
	if code == wrong {
		wrong = "100001"
	}

	_, err := f.svc.VerifyOTP(ctx, "a@x.com", "Alice", wrong)
	assert.ErrorIs(t, err, ErrInvalidOTP)

	_, err = f.svc.VerifyOTP(ctx, "nobody@x.com", "Nobody", code)
	assert.ErrorIs(t, err, ErrInvalidOTP)

	users, err := f.store.ListUsersExcluding(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestVerifyOTPExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestOTP(ctx, "a@x.com", "Alice"))
	f.clock.Advance(otp.DefaultTTL + time.Second)

	_, err := f.svc.VerifyOTP(ctx, "a@x.com", "Alice", f.notifier.lastCode(t))
	assert.ErrorIs(t, err, ErrExpiredOTP)

	users, err := f.store.ListUsersExcluding(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestVerifyOTPSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestOTP(ctx, "a@x.com", "Alice"))
	code := f.notifier.lastCode(t)

	_, err := f.svc.VerifyOTP(ctx, "a@x.com", "Alice", code)
	require.NoError(t, err)
	_, err = f.svc.VerifyOTP(ctx, "a@x.com", "Alice", code)
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestListUsersExcludesSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, addr := range []string{"a@x.com", "b@x.com"} {
		require.NoError(t, f.svc.RequestOTP(ctx, addr, addr))
		_, err := f.svc.VerifyOTP(ctx, addr, addr, f.notifier.lastCode(t))
		require.NoError(t, err)
	}

	users, err := f.svc.ListUsers(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []models.User{{ID: "2", Email: "b@x.com", Name: "b@x.com"}}, users)
}

type brokenStore struct {
	*memstore.MemStore
}

func (brokenStore) UpsertUser(context.Context, string, string) (*models.User, error) {
	return nil, errors.New("disk full")
}

func TestOperationsAreTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	f := newFixture(t)
	broken := brokenStore{MemStore: f.store}
	f.svc.Store = broken
	ctx := context.Background()

	require.NoError(t, f.svc.RequestOTP(ctx, "a@x.com", "Alice"))
	_, err := f.svc.VerifyOTP(ctx, "a@x.com", "Alice", f.notifier.lastCode(t))
	require.Error(t, err)

	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range rec.Ended() {
		byName[s.Name()] = s
	}
	require.Contains(t, byName, "auth.RequestOTP")
	require.Contains(t, byName, "auth.VerifyOTP")
	assert.Equal(t, codes.Unset, byName["auth.RequestOTP"].Status().Code)
	assert.Equal(t, codes.Error, byName["auth.VerifyOTP"].Status().Code)
}
