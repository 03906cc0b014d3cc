package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/api/cardata"
)

type fakeFlow struct {
	mu         sync.Mutex
	deviceFlow *cardata.DeviceFlow
	pollToken  *cardata.Token
	pollErr    error
	pollBlock  chan struct{}
	refreshed  *cardata.Token
	refreshErr error
	refreshCnt int
}

func (f *fakeFlow) RequestDeviceCode(context.Context) (*cardata.DeviceFlow, error) {
	if f.deviceFlow == nil {
		return nil, fmt.Errorf("no flow configured")
	}
	return f.deviceFlow, nil
}

func (f *fakeFlow) PollForToken(ctx context.Context, _ *cardata.DeviceFlow) (*cardata.Token, error) {
	if f.pollBlock != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.pollBlock:
		}
	}
	return f.pollToken, f.pollErr
}

func (f *fakeFlow) Refresh(context.Context, *cardata.Token) (*cardata.Token, error) {
	f.mu.Lock()
	f.refreshCnt++
	f.mu.Unlock()
	return f.refreshed, f.refreshErr
}

func (f *fakeFlow) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCnt
}

type fakeStore struct {
	mu      sync.Mutex
	tokens  map[string]*cardata.Token
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]*cardata.Token)}
}

func (s *fakeStore) SaveToken(_ context.Context, accountID string, token *cardata.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	tok := *token
	s.tokens[accountID] = &tok
	return nil
}

func (s *fakeStore) LoadToken(_ context.Context, accountID string) (*cardata.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[accountID], nil
}

func testToken(refresh string) *cardata.Token {
	t := &cardata.Token{
		IDToken:    "id-" + refresh,
		ExpiresIn:  3600,
		ReceivedAt: time.Unix(0, 0), // the mock clock's starting point
		GCID:       "gcid-1",
	}
	t.AccessToken = "access-" + refresh
	t.RefreshToken = refresh
	return t
}

func newTestManager(flow Flow, store TokenStore) (*Manager, *clock.Mock) {
	mock := clock.NewMock()
	return NewManager(zap.NewNop(), mock, flow, store, "acct", 45*time.Minute), mock
}

func TestDeviceFlowCompletes(t *testing.T) {
	flow := &fakeFlow{
		deviceFlow: &cardata.DeviceFlow{
			Authorization: cardata.DeviceAuthorization{
				DeviceCode: "dev-1",
				UserCode:   "ABCD-1234",
				Interval:   5,
				ExpiresIn:  300,
			},
		},
		pollToken: testToken("r1"),
	}
	store := newFakeStore()
	m, _ := newTestManager(flow, store)
	ctx := context.Background()

	authz, err := m.BeginDeviceAuthorization(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", authz.UserCode)
	assert.Equal(t, StateDeviceCodePending, m.State())

	token, err := m.PollForToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", token.RefreshToken)
	assert.Equal(t, StateAuthenticated, m.State())

	// persisted before anyone saw it
	saved, _ := store.LoadToken(ctx, "acct")
	require.NotNil(t, saved)
	assert.Equal(t, "r1", saved.RefreshToken)
}

func TestPollWithoutFlowFails(t *testing.T) {
	m, _ := newTestManager(&fakeFlow{}, nil)
	_, err := m.PollForToken(context.Background())
	assert.Error(t, err)
}

func TestRefreshRotatesSubscribers(t *testing.T) {
	flow := &fakeFlow{refreshed: testToken("r2")}
	store := newFakeStore()
	m, _ := newTestManager(flow, store)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, "acct", testToken("r1")))
	require.NoError(t, m.Restore(ctx))
	require.Equal(t, StateAuthenticated, m.State())

	var rotated []string
	m.OnRotate(func(tok cardata.Token) {
		rotated = append(rotated, tok.RefreshToken)

		// the rotated token is already durable when subscribers run
		saved, _ := store.LoadToken(ctx, "acct")
		assert.Equal(t, tok.RefreshToken, saved.RefreshToken)
	})

	require.NoError(t, m.Refresh(ctx))
	assert.Equal(t, []string{"r2"}, rotated)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestRefreshFailureEscalates(t *testing.T) {
	flow := &fakeFlow{refreshErr: fmt.Errorf("invalid_grant")}
	store := newFakeStore()
	m, _ := newTestManager(flow, store)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, "acct", testToken("r1")))
	require.NoError(t, m.Restore(ctx))

	var reasons []string
	m.OnReauthRequired(func(reason string) { reasons = append(reasons, reason) })

	require.Error(t, m.Refresh(ctx))
	assert.Equal(t, StateReauthRequired, m.State())
	assert.Len(t, reasons, 1)

	// escalation is idempotent
	m.HandleStreamUnauthorized(ctx)
	assert.Len(t, reasons, 1)
}

func TestRefreshLoopRunsOnCadence(t *testing.T) {
	flow := &fakeFlow{refreshed: testToken("r2")}
	store := newFakeStore()
	m, mock := newTestManager(flow, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.SaveToken(ctx, "acct", testToken("r1")))
	require.NoError(t, m.Restore(ctx))

	done := make(chan struct{})
	go func() {
		m.RefreshLoop(ctx)
		close(done)
	}()

	// let the goroutine reach the ticker
	time.Sleep(10 * time.Millisecond)

	mock.Add(45 * time.Minute)
	assert.Eventually(t, func() bool { return flow.refreshCount() == 1 }, time.Second, time.Millisecond)

	mock.Add(45 * time.Minute)
	assert.Eventually(t, func() bool { return flow.refreshCount() == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestStreamUnauthorizedTriggersImmediateRefresh(t *testing.T) {
	flow := &fakeFlow{refreshed: testToken("r2")}
	store := newFakeStore()
	m, _ := newTestManager(flow, store)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, "acct", testToken("r1")))
	require.NoError(t, m.Restore(ctx))

	m.HandleStreamUnauthorized(ctx)
	assert.Equal(t, 1, flow.refreshCount())
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestStreamUnauthorizedAfterRecentRefreshEscalates(t *testing.T) {
	flow := &fakeFlow{refreshed: testToken("r2")}
	store := newFakeStore()
	m, mock := newTestManager(flow, store)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, "acct", testToken("r1")))
	require.NoError(t, m.Restore(ctx))

	// a refresh just succeeded, yet the broker still rejects the
	// credentials: retrying the same token set is pointless
	require.NoError(t, m.Refresh(ctx))
	mock.Add(5 * time.Second)

	var reasons []string
	m.OnReauthRequired(func(reason string) { reasons = append(reasons, reason) })

	m.HandleStreamUnauthorized(ctx)
	assert.Equal(t, 1, flow.refreshCount())
	assert.Equal(t, StateReauthRequired, m.State())
	assert.Equal(t, []string{"stream unauthorized"}, reasons)
}

func TestResumeAfterReauth(t *testing.T) {
	flow := &fakeFlow{refreshErr: fmt.Errorf("invalid_grant")}
	store := newFakeStore()
	m, _ := newTestManager(flow, store)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, "acct", testToken("r1")))
	require.NoError(t, m.Restore(ctx))
	require.Error(t, m.Refresh(ctx))
	require.Equal(t, StateReauthRequired, m.State())

	require.NoError(t, m.Resume(ctx, testToken("r3")))
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, "r3", m.Token().RefreshToken)
}

func TestRestoreIgnoresEmptyStore(t *testing.T) {
	m, _ := newTestManager(&fakeFlow{}, newFakeStore())
	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.Nil(t, m.Token())
}

func TestPollForTokenAbortsOnCancel(t *testing.T) {
	flow := &fakeFlow{
		deviceFlow: &cardata.DeviceFlow{
			Authorization: cardata.DeviceAuthorization{DeviceCode: "dev-1"},
		},
		pollBlock: make(chan struct{}),
	}
	m, _ := newTestManager(flow, newFakeStore())

	_, err := m.BeginDeviceAuthorization(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.PollForToken(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not stop on cancellation")
	}
	assert.Equal(t, StateDeviceCodePending, m.State())
}

func TestEscalateIgnoredBeforeAuthentication(t *testing.T) {
	m, _ := newTestManager(&fakeFlow{}, newFakeStore())

	var notified int
	m.OnReauthRequired(func(string) { notified++ })

	// no transition to reauth_required exists from unauthenticated, so the
	// callbacks must stay silent
	m.escalate(context.Background(), "stream unauthorized")

	assert.Equal(t, StateUnauthenticated, m.State())
	assert.Zero(t, notified)
}

func TestRefreshLoopRefreshesExpiredTokenImmediately(t *testing.T) {
	flow := &fakeFlow{refreshed: testToken("r2")}
	store := newFakeStore()
	m, mock := newTestManager(flow, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := testToken("r1")
	stale.ReceivedAt = mock.Now().Add(-2 * time.Hour)
	require.NoError(t, store.SaveToken(ctx, "acct", stale))
	require.NoError(t, m.Restore(ctx))

	go m.RefreshLoop(ctx)

	// no clock advance: the loop notices the expired token on entry
	assert.Eventually(t, func() bool { return flow.refreshCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "r2", m.Token().RefreshToken)
}
