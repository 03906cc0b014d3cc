// Package poller issues scheduled and on-demand CarData REST calls under the
// quota ledger's budget, feeding results into the event sink and the soc
// engine as authoritative resets.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/api/cardata"
	"github.com/langchou/cardata/internal/auth"
	"github.com/langchou/cardata/internal/events"
	"github.com/langchou/cardata/internal/quota"
	"github.com/langchou/cardata/internal/soc"
)

// API is the subset of the CarData client the poller uses.
type API interface {
	VehicleMappings(ctx context.Context, accessToken string) ([]cardata.VehicleMapping, error)
	TelematicData(ctx context.Context, accessToken, vin, containerID string) (*cardata.TelematicData, error)
	BasicData(ctx context.Context, accessToken, vin string) (*cardata.BasicData, error)
	EnsureContainer(ctx context.Context, accessToken, knownID string) (string, error)
}

// TokenSource provides the current access token, normally the auth manager.
type TokenSource interface {
	Token() *cardata.Token
	State() string
}

// StreamStatus exposes the stream's settling window input.
type StreamStatus interface {
	ConnectedSince() time.Time
}

// PollState is the persisted scheduling state.
type PollState struct {
	LastPollAt        time.Time
	BootstrapComplete bool
	ContainerID       string
}

// StateStore persists poll scheduling state and vehicle metadata.
type StateStore interface {
	LoadPollState(ctx context.Context, accountID string) (PollState, error)
	SavePollState(ctx context.Context, accountID string, state PollState) error
	SaveVehicle(ctx context.Context, accountID string, meta events.VehicleMetadata) error
	ListVehicleVINs(ctx context.Context, accountID string) ([]string, error)
}

// Config holds the poller tunables.
type Config struct {
	Interval       time.Duration
	SettlingWindow time.Duration
}

// Poller schedules REST polls for one account.
type Poller struct {
	log       *zap.Logger
	clock     clock.Clock
	cfg       Config
	api       API
	tokens    TokenSource
	stream    StreamStatus
	ledger    *quota.Ledger
	engine    *soc.Engine
	sink      events.Sink
	store     StateStore
	accountID string

	mu    sync.Mutex
	state PollState
}

// New creates a poller.
func New(log *zap.Logger, clk clock.Clock, cfg Config, api API, tokens TokenSource, stream StreamStatus, ledger *quota.Ledger, engine *soc.Engine, sink events.Sink, store StateStore, accountID string) *Poller {
	return &Poller{
		log:       log,
		clock:     clk,
		cfg:       cfg,
		api:       api,
		tokens:    tokens,
		stream:    stream,
		ledger:    ledger,
		engine:    engine,
		sink:      sink,
		store:     store,
		accountID: accountID,
	}
}

// Restore loads the persisted scheduling state.
func (p *Poller) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	state, err := p.store.LoadPollState(ctx, p.accountID)
	if err != nil {
		return fmt.Errorf("load poll state: %w", err)
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	return nil
}

// Run drives the scheduled poll on the configured cadence until the context
// ends. The cadence is measured from the last successful poll so a restart
// does not spend extra quota.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.mu.Lock()
		lastPoll := p.state.LastPollAt
		p.mu.Unlock()
		wait := p.cfg.Interval - p.clock.Now().Sub(lastPoll)
		if wait < 0 {
			wait = 0
		}
		timer := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := p.ScheduledPoll(ctx); err != nil {
			p.log.Warn("Scheduled poll skipped", zap.Error(err))
			// re-check after the settling window instead of a full interval
			retry := p.clock.Timer(p.cfg.SettlingWindow)
			select {
			case <-ctx.Done():
				retry.Stop()
				return
			case <-retry.C:
			}
			continue
		}

		p.markPolled(ctx)
	}
}

// ErrStreamSettling is returned when a poll would collide with fresh stream
// activity.
var ErrStreamSettling = fmt.Errorf("stream recently connected; poll deferred")

// ScheduledPoll fetches telematic data for every known vehicle. It defers
// when the stream connected inside the settling window, because the stream
// is expected to deliver the same data without spending quota.
func (p *Poller) ScheduledPoll(ctx context.Context) error {
	if p.tokens.State() != auth.StateAuthenticated {
		return fmt.Errorf("not authenticated")
	}
	if since := p.stream.ConnectedSince(); !since.IsZero() && p.clock.Now().Sub(since) < p.cfg.SettlingWindow {
		return ErrStreamSettling
	}

	vins, err := p.knownVINs(ctx)
	if err != nil {
		return err
	}
	if len(vins) == 0 {
		return fmt.Errorf("no vehicles known yet")
	}

	for _, vin := range vins {
		if err := p.FetchTelematicData(ctx, vin); err != nil {
			if _, ok := err.(*quota.QuotaExceededError); ok {
				return err
			}
			p.log.Warn("Telematic poll failed",
				zap.String("vin", vin),
				zap.Error(err))
		}
	}
	return nil
}

// FetchTelematicData performs one quota-gated telematic fetch for a VIN.
// A failed call still consumes its reservation.
func (p *Poller) FetchTelematicData(ctx context.Context, vin string) error {
	token := p.tokens.Token()
	if token == nil {
		return fmt.Errorf("no access token")
	}

	containerID, err := p.ensureContainer(ctx, token.AccessToken)
	if err != nil {
		return err
	}

	if err := p.ledger.TryReserve(ctx); err != nil {
		return err
	}
	p.publishQuota()

	data, err := p.api.TelematicData(ctx, token.AccessToken, vin, containerID)
	if err != nil {
		return err
	}

	for descriptor, dv := range data.TelematicData {
		if dv.Value == nil {
			continue
		}
		ts := dv.Time()
		if ts.IsZero() {
			ts = p.clock.Now()
		}
		if p.sink != nil {
			p.sink.PublishDescriptor(events.DescriptorUpdate{
				VIN:        vin,
				Descriptor: descriptor,
				Value:      dv.Value,
				Unit:       dv.Unit,
				Timestamp:  ts,
			})
		}
		if p.engine != nil && soc.IsBatteryDescriptor(descriptor) {
			p.engine.ApplyDescriptor(ctx, vin, descriptor, dv.Value, dv.Unit, ts)
		}
	}
	return nil
}

// FetchVehicleMappings lists the account's PRIMARY vehicles, quota-gated.
func (p *Poller) FetchVehicleMappings(ctx context.Context) ([]cardata.VehicleMapping, error) {
	token := p.tokens.Token()
	if token == nil {
		return nil, fmt.Errorf("no access token")
	}
	if err := p.ledger.TryReserve(ctx); err != nil {
		return nil, err
	}
	p.publishQuota()

	return p.api.VehicleMappings(ctx, token.AccessToken)
}

// FetchBasicData fetches static vehicle metadata, quota-gated, and persists
// it so devices survive restarts.
func (p *Poller) FetchBasicData(ctx context.Context, vin string) (*events.VehicleMetadata, error) {
	token := p.tokens.Token()
	if token == nil {
		return nil, fmt.Errorf("no access token")
	}
	if err := p.ledger.TryReserve(ctx); err != nil {
		return nil, err
	}
	p.publishQuota()

	data, err := p.api.BasicData(ctx, token.AccessToken, vin)
	if err != nil {
		return nil, err
	}

	meta := events.VehicleMetadata{
		VIN:          data.VIN,
		Name:         data.Series,
		Model:        data.Model,
		Manufacturer: data.Brand,
		SeriesDev:    data.Series,
		SoftwareVer:  data.SoftwareVersion,
	}
	if p.store != nil {
		if err := p.store.SaveVehicle(ctx, p.accountID, meta); err != nil {
			p.log.Warn("Failed to persist vehicle metadata",
				zap.String("vin", vin),
				zap.Error(err))
		}
	}
	if p.sink != nil {
		p.sink.PublishMetadata(meta)
	}
	return &meta, nil
}

// Bootstrap runs once per account: discover vehicles, seed telematic data,
// fetch basic metadata. Each step goes through the quota gate; exhaustion
// aborts the remainder and the bootstrap reruns on the next start.
func (p *Poller) Bootstrap(ctx context.Context) error {
	p.mu.Lock()
	done := p.state.BootstrapComplete
	p.mu.Unlock()
	if done {
		return nil
	}

	mappings, err := p.FetchVehicleMappings(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap mappings: %w", err)
	}
	if len(mappings) == 0 {
		p.log.Info("Bootstrap found no mapped vehicles")
		p.mu.Lock()
		p.state.BootstrapComplete = true
		p.mu.Unlock()
		p.savePollState(ctx)
		return nil
	}

	for _, mapping := range mappings {
		if err := p.FetchTelematicData(ctx, mapping.VIN); err != nil {
			if _, ok := err.(*quota.QuotaExceededError); ok {
				return fmt.Errorf("bootstrap telematic seed: %w", err)
			}
			p.log.Warn("Bootstrap telematic seed failed",
				zap.String("vin", mapping.VIN),
				zap.Error(err))
			continue
		}
		if _, err := p.FetchBasicData(ctx, mapping.VIN); err != nil {
			if _, ok := err.(*quota.QuotaExceededError); ok {
				return fmt.Errorf("bootstrap basic data: %w", err)
			}
			p.log.Warn("Bootstrap basic data failed",
				zap.String("vin", mapping.VIN),
				zap.Error(err))
		}
	}

	p.mu.Lock()
	p.state.BootstrapComplete = true
	p.mu.Unlock()
	p.savePollState(ctx)
	p.log.Info("Bootstrap complete", zap.Int("vehicles", len(mappings)))
	return nil
}

func (p *Poller) ensureContainer(ctx context.Context, accessToken string) (string, error) {
	p.mu.Lock()
	known := p.state.ContainerID
	p.mu.Unlock()
	if known != "" {
		return known, nil
	}
	id, err := p.api.EnsureContainer(ctx, accessToken, "")
	if err != nil {
		return "", fmt.Errorf("ensure container: %w", err)
	}
	p.mu.Lock()
	p.state.ContainerID = id
	p.mu.Unlock()
	p.savePollState(ctx)
	return id, nil
}

func (p *Poller) knownVINs(ctx context.Context) ([]string, error) {
	if p.store != nil {
		vins, err := p.store.ListVehicleVINs(ctx, p.accountID)
		if err == nil && len(vins) > 0 {
			return vins, nil
		}
	}
	return p.engine.VINs(), nil
}

func (p *Poller) markPolled(ctx context.Context) {
	p.mu.Lock()
	p.state.LastPollAt = p.clock.Now()
	p.mu.Unlock()
	p.savePollState(ctx)
}

func (p *Poller) savePollState(ctx context.Context) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if err := p.store.SavePollState(ctx, p.accountID, state); err != nil {
		p.log.Warn("Failed to persist poll state", zap.Error(err))
	}
}

func (p *Poller) publishQuota() {
	if p.sink != nil {
		p.sink.PublishQuota(p.ledger.Snapshot())
	}
}
