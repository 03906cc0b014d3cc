// Package auth owns the CarData credential lifecycle: the device-code
// acquisition flow, the fixed-cadence refresh cycle, and the escalation to
// user-in-the-loop re-authentication when credentials are rejected.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/api/cardata"
)

// Auth states.
const (
	StateUnauthenticated   = "unauthenticated"
	StateDeviceCodePending = "device_code_pending"
	StateAuthenticated     = "authenticated"
	StateRefreshFailed     = "refresh_failed"
	StateReauthRequired    = "reauth_required"
)

// Events.
const (
	EventBeginDeviceAuth = "begin_device_auth"
	EventTokenReceived   = "token_received"
	EventRefreshOK       = "refresh_ok"
	EventRefreshFailed   = "refresh_failed"
	EventReauthRequired  = "reauth_required"
	EventReauthenticated = "reauthenticated"
)

// TokenStore persists the token set. Every successful exchange is written
// through before dependents see the new token.
type TokenStore interface {
	SaveToken(ctx context.Context, accountID string, token *cardata.Token) error
	LoadToken(ctx context.Context, accountID string) (*cardata.Token, error)
}

// Flow client used by the manager; implemented by cardata.Client.
type Flow interface {
	RequestDeviceCode(ctx context.Context) (*cardata.DeviceFlow, error)
	PollForToken(ctx context.Context, flow *cardata.DeviceFlow) (*cardata.Token, error)
	Refresh(ctx context.Context, current *cardata.Token) (*cardata.Token, error)
}

// Manager runs the token lifecycle for one account.
type Manager struct {
	log       *zap.Logger
	clock     clock.Clock
	flow      Flow
	store     TokenStore
	accountID string

	refreshInterval time.Duration
	// stream-unauthorized events within this window skip the refresh retry
	// and escalate directly
	refreshRetryWindow time.Duration

	mu                 sync.Mutex
	fsm                *fsm.FSM
	token              *cardata.Token
	pendingFlow        *cardata.DeviceFlow
	lastRefreshAttempt time.Time

	onRotate []func(cardata.Token)
	onReauth []func(reason string)
}

// NewManager creates an auth manager for one account.
func NewManager(log *zap.Logger, clk clock.Clock, flow Flow, store TokenStore, accountID string, refreshInterval time.Duration) *Manager {
	m := &Manager{
		log:                log,
		clock:              clk,
		flow:               flow,
		store:              store,
		accountID:          accountID,
		refreshInterval:    refreshInterval,
		refreshRetryWindow: 30 * time.Second,
	}

	m.fsm = fsm.NewFSM(
		StateUnauthenticated,
		fsm.Events{
			{Name: EventBeginDeviceAuth, Src: []string{StateUnauthenticated, StateReauthRequired}, Dst: StateDeviceCodePending},
			{Name: EventTokenReceived, Src: []string{StateUnauthenticated, StateDeviceCodePending}, Dst: StateAuthenticated},
			{Name: EventRefreshOK, Src: []string{StateAuthenticated, StateRefreshFailed}, Dst: StateAuthenticated},
			{Name: EventRefreshFailed, Src: []string{StateAuthenticated}, Dst: StateRefreshFailed},
			{Name: EventReauthRequired, Src: []string{StateAuthenticated, StateRefreshFailed, StateDeviceCodePending}, Dst: StateReauthRequired},
			{Name: EventReauthenticated, Src: []string{StateReauthRequired, StateRefreshFailed}, Dst: StateAuthenticated},
		},
		fsm.Callbacks{},
	)

	return m
}

// OnRotate registers a callback fired after every successful token exchange,
// including refreshes that return a textually identical token.
func (m *Manager) OnRotate(fn func(cardata.Token)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = append(m.onRotate, fn)
}

// OnReauthRequired registers a callback fired when interactive
// re-authentication becomes necessary.
func (m *Manager) OnReauthRequired(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReauth = append(m.onReauth, fn)
}

// State returns the current auth state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Token returns the current token set, or nil.
func (m *Manager) Token() *cardata.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil
	}
	tok := *m.token
	return &tok
}

// Restore loads a persisted token set, if any, and enters authenticated.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	token, err := m.store.LoadToken(ctx, m.accountID)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if token == nil || token.RefreshToken == "" {
		return nil
	}

	m.mu.Lock()
	m.token = token
	_ = m.fsm.Event(ctx, EventTokenReceived)
	m.mu.Unlock()

	m.log.Info("Restored persisted token set",
		zap.String("gcid", token.GCID),
		zap.Time("received_at", token.ReceivedAt))
	return nil
}

// BeginDeviceAuthorization starts the device-code flow and returns what the
// user needs to approve access in a browser.
func (m *Manager) BeginDeviceAuthorization(ctx context.Context) (*cardata.DeviceAuthorization, error) {
	flow, err := m.flow.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pendingFlow = flow
	_ = m.fsm.Event(ctx, EventBeginDeviceAuth)
	m.mu.Unlock()

	auth := flow.Authorization
	m.log.Info("Device authorization started",
		zap.String("verification_url", auth.VerificationURL()),
		zap.String("user_code", auth.UserCode),
		zap.Int("interval", auth.Interval))
	return &auth, nil
}

// PollForToken polls until the pending device authorization completes. The
// context cancels the loop when the user aborts the flow.
func (m *Manager) PollForToken(ctx context.Context) (*cardata.Token, error) {
	m.mu.Lock()
	flow := m.pendingFlow
	m.mu.Unlock()
	if flow == nil {
		return nil, fmt.Errorf("no device authorization in progress")
	}

	token, err := m.flow.PollForToken(ctx, flow)
	if err != nil {
		return nil, err
	}

	if err := m.applyToken(ctx, token, EventTokenReceived); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pendingFlow = nil
	m.mu.Unlock()
	return token, nil
}

// Refresh exchanges the refresh token for a new token set and rotates
// dependents. Runs on the fixed cadence regardless of remaining validity;
// the provider expires credentials aggressively and refreshing early avoids
// mid-stream invalidation.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	current := m.token
	m.lastRefreshAttempt = m.clock.Now()
	m.mu.Unlock()

	if current == nil {
		return fmt.Errorf("no token to refresh")
	}

	token, err := m.flow.Refresh(ctx, current)
	if err != nil {
		m.mu.Lock()
		_ = m.fsm.Event(ctx, EventRefreshFailed)
		m.mu.Unlock()
		m.log.Error("Token refresh failed", zap.Error(err))
		m.escalate(ctx, "refresh failed")
		return err
	}

	return m.applyToken(ctx, token, EventRefreshOK)
}

// RefreshLoop refreshes on the configured cadence until the context ends.
// A restored token past its validity is refreshed immediately instead of
// waiting out the first interval.
func (m *Manager) RefreshLoop(ctx context.Context) {
	if t := m.Token(); m.State() == StateAuthenticated && !t.ValidAt(m.clock.Now()) {
		m.log.Info("Restored token no longer valid; refreshing now")
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn("Startup refresh failed", zap.Error(err))
		}
	}

	ticker := m.clock.Ticker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateAuthenticated {
				continue
			}
			if err := m.Refresh(ctx); err != nil {
				continue
			}
		}
	}
}

// HandleStreamUnauthorized reacts to a credential-rejected stream disconnect:
// one immediate refresh is attempted unless one just failed, then the manager
// escalates to interactive re-authentication.
func (m *Manager) HandleStreamUnauthorized(ctx context.Context) {
	m.mu.Lock()
	recent := m.clock.Now().Sub(m.lastRefreshAttempt) < m.refreshRetryWindow
	m.mu.Unlock()

	if !recent {
		m.log.Info("Attempting token refresh after unauthorized stream disconnect")
		if err := m.Refresh(ctx); err == nil {
			return
		}
		// Refresh already escalated.
		return
	}

	m.escalate(ctx, "stream unauthorized")
}

// Resume accepts a token set produced by the external re-authentication flow.
func (m *Manager) Resume(ctx context.Context, token *cardata.Token) error {
	if token == nil {
		return fmt.Errorf("nil token")
	}
	return m.applyToken(ctx, token, EventReauthenticated)
}

// applyToken persists the token, updates state and notifies subscribers.
// Persistence happens before notification so a crash in between cannot
// orphan a usable token.
func (m *Manager) applyToken(ctx context.Context, token *cardata.Token, event string) error {
	if token.GCID == "" {
		if gcid, err := cardata.ExtractGCID(token.IDToken); err == nil {
			token.GCID = gcid
		}
	}
	if token.ReceivedAt.IsZero() {
		token.ReceivedAt = m.clock.Now()
	}

	if m.store != nil {
		if err := m.store.SaveToken(ctx, m.accountID, token); err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
	}

	m.mu.Lock()
	m.token = token
	_ = m.fsm.Event(ctx, event)
	rotate := make([]func(cardata.Token), len(m.onRotate))
	copy(rotate, m.onRotate)
	snapshot := *token
	m.mu.Unlock()

	m.log.Debug("Token set applied",
		zap.String("gcid", snapshot.GCID),
		zap.Int("expires_in", snapshot.ExpiresIn))

	for _, fn := range rotate {
		fn(snapshot)
	}
	return nil
}

func (m *Manager) escalate(ctx context.Context, reason string) {
	m.mu.Lock()
	prev := m.fsm.Current()
	_ = m.fsm.Event(ctx, EventReauthRequired)
	changed := prev != StateReauthRequired && m.fsm.Current() == StateReauthRequired
	notify := make([]func(string), len(m.onReauth))
	copy(notify, m.onReauth)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Error("Re-authentication required", zap.String("reason", reason))
	for _, fn := range notify {
		fn(reason)
	}
}
