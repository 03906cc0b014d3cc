package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/api/cardata"
	"github.com/langchou/cardata/internal/auth"
	"github.com/langchou/cardata/internal/config"
	"github.com/langchou/cardata/internal/events"
	"github.com/langchou/cardata/internal/poller"
	"github.com/langchou/cardata/internal/quota"
	"github.com/langchou/cardata/internal/repository"
	"github.com/langchou/cardata/internal/soc"
	"github.com/langchou/cardata/internal/stream"
)

// Session ties one account's token lifecycle, streaming connection, scheduled
// poller and SOC engine together.
type Session struct {
	accountID string
	logger    *zap.Logger

	auth   *auth.Manager
	stream *stream.Manager
	poller *poller.Poller
	engine *soc.Engine
	ledger *quota.Ledger

	vehicles *repository.VehicleRepository

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSession wires a session from the shared infrastructure. The session is
// idle until Start.
func NewSession(
	cfg *config.Config,
	logger *zap.Logger,
	clk clock.Clock,
	client *cardata.Client,
	db *repository.DB,
	sink events.Sink,
	accountID string,
) *Session {
	log := logger.With(zap.String("account", accountID))

	if sink == nil {
		sink = events.NopSink{}
	}

	tokenRepo := repository.NewTokenRepository(db)
	quotaRepo := repository.NewQuotaRepository(db)
	socRepo := repository.NewSocRepository(db)
	vehicleRepo := repository.NewVehicleRepository(db)

	engine := soc.NewEngine(log, clk, accountID, socRepo)
	ledger := quota.NewLedger(clk, accountID, cfg.QuotaLimit, cfg.QuotaWindow, quotaRepo)

	authMgr := auth.NewManager(log, clk, client, tokenRepo, accountID, cfg.RefreshInterval)

	streamMgr := stream.NewManager(log, clk, stream.Config{
		Host:            cfg.StreamHost,
		Port:            cfg.StreamPort,
		Keepalive:       cfg.MQTTKeepalive,
		BackoffMin:      cfg.BackoffMin,
		BackoffMax:      cfg.BackoffMax,
		StabilityWindow: cfg.StabilityWindow,
		DegradedAfter:   cfg.DegradedAfter,
	}, sink, engine)

	p := poller.New(log, clk, poller.Config{
		Interval:       cfg.PollInterval,
		SettlingWindow: cfg.SettlingWindow,
	}, client, authMgr, streamMgr, ledger, engine, sink, vehicleRepo, accountID)

	s := &Session{
		accountID: accountID,
		logger:    log,
		auth:      authMgr,
		stream:    streamMgr,
		poller:    p,
		engine:    engine,
		ledger:    ledger,
		vehicles:  vehicleRepo,
	}

	// Every token rotation forces a broker cycle so the connection never
	// outlives the id_token it authenticated with. A rotation that follows
	// a credential rejection resumes the stopped connection instead.
	authMgr.OnRotate(func(token cardata.Token) {
		if streamMgr.State() == stream.StateReauthRequired {
			streamMgr.Resume(token.GCID, token.IDToken)
			return
		}
		streamMgr.UpdateToken(token.GCID, token.IDToken)
	})

	streamMgr.OnCredentialRejected(func() {
		authMgr.HandleStreamUnauthorized(context.Background())
	})

	authMgr.OnReauthRequired(func(reason string) {
		log.Warn("Operator re-authentication required", zap.String("reason", reason))
	})

	return s
}

// Start restores persisted state and launches the background loops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Session already running, skipping start")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting session")

	if err := s.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("restore quota ledger: %w", err)
	}
	if err := s.engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore soc state: %w", err)
	}
	if err := s.poller.Restore(ctx); err != nil {
		return fmt.Errorf("restore poll state: %w", err)
	}
	if err := s.auth.Restore(ctx); err != nil {
		return fmt.Errorf("restore token: %w", err)
	}

	if token := s.auth.Token(); token != nil {
		s.stream.SetCredentials(token.GCID, token.IDToken)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.auth.RefreshLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.stream.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.runPoller(runCtx)
	}()

	s.logger.Info("Session started")
	return nil
}

// runPoller performs the one-time bootstrap before entering the schedule.
func (s *Session) runPoller(ctx context.Context) {
	if s.auth.State() == auth.StateAuthenticated {
		if err := s.poller.Bootstrap(ctx); err != nil {
			s.logger.Warn("Bootstrap failed", zap.Error(err))
		}
	}
	s.poller.Run(ctx)
}

// Stop shuts down the background loops and waits for them.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("Stopping session")
	cancel()
	s.stream.Close()
	s.wg.Wait()
	s.logger.Info("Session stopped")
}

// Authorize runs the interactive device-code flow. It returns the
// verification URL for the operator and completes asynchronously: once the
// operator approves, the session bootstraps and the broker connects. The
// background poll runs under the session's lifetime, so Stop aborts it.
func (s *Session) Authorize(ctx context.Context) (*cardata.DeviceAuthorization, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("session not started")
	}
	runCtx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	authz, err := s.auth.BeginDeviceAuthorization(ctx)
	if err != nil {
		s.wg.Done()
		return nil, err
	}

	go func() {
		defer s.wg.Done()
		token, err := s.auth.PollForToken(runCtx)
		if err != nil {
			s.logger.Warn("Device authorization failed", zap.Error(err))
			return
		}
		s.logger.Info("Device authorization complete", zap.String("gcid", token.GCID))
		if err := s.poller.Bootstrap(runCtx); err != nil {
			s.logger.Warn("Bootstrap failed", zap.Error(err))
		}
	}()

	return authz, nil
}

// AccountID returns the session's account identifier.
func (s *Session) AccountID() string { return s.accountID }

// Auth exposes the token lifecycle manager.
func (s *Session) Auth() *auth.Manager { return s.auth }

// Stream exposes the streaming connection manager.
func (s *Session) Stream() *stream.Manager { return s.stream }

// Poller exposes the REST poller for on-demand fetches.
func (s *Session) Poller() *poller.Poller { return s.poller }

// Soc exposes the extrapolation engine.
func (s *Session) Soc() *soc.Engine { return s.engine }

// Quota exposes the request ledger.
func (s *Session) Quota() *quota.Ledger { return s.ledger }

// Vehicles lists the persisted vehicle metadata.
func (s *Session) Vehicles(ctx context.Context) ([]events.VehicleMetadata, error) {
	return s.vehicles.ListVehicles(ctx, s.accountID)
}
