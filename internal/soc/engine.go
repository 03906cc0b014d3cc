// Package soc derives a continuously updated state-of-charge estimate from
// sparse battery telemetry. Between authoritative readings the estimate is
// projected from the observed charging power and elapsed time; any
// authoritative update discards the projection.
package soc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ChargingStatus of the high voltage battery.
type ChargingStatus string

const (
	Charging    ChargingStatus = "charging"
	NotCharging ChargingStatus = "not_charging"
	Unknown     ChargingStatus = "unknown"
)

// Descriptors the engine consumes.
const (
	DescriptorSoc         = "vehicle.drivetrain.batteryManagement.header"
	DescriptorHvStatus    = "vehicle.drivetrain.electricEngine.charging.hvStatus"
	DescriptorCapacity    = "vehicle.drivetrain.batteryManagement.batterySizeMax"
	DescriptorACVoltage   = "vehicle.drivetrain.electricEngine.charging.acVoltage"
	DescriptorACAmpere    = "vehicle.drivetrain.electricEngine.charging.acAmpere"
	DescriptorPhaseNumber = "vehicle.drivetrain.electricEngine.charging.phaseNumber"
)

// IsBatteryDescriptor reports whether the engine consumes the descriptor.
func IsBatteryDescriptor(descriptor string) bool {
	switch descriptor {
	case DescriptorSoc, DescriptorHvStatus, DescriptorCapacity,
		DescriptorACVoltage, DescriptorACAmpere, DescriptorPhaseNumber:
		return true
	}
	return false
}

// State is the per-vehicle extrapolation base. Values are percent, watts and
// watt-hours.
type State struct {
	VIN            string         `json:"vin"`
	BaseSoc        float64        `json:"base_soc"`
	BaseTimestamp  time.Time      `json:"base_timestamp"`
	ChargingPower  float64        `json:"charging_power_w"`
	Capacity       float64        `json:"battery_capacity_wh"`
	ChargingStatus ChargingStatus `json:"charging_status"`

	// charging power inputs, combined as V * A * phases
	acVoltage float64
	acAmpere  float64
	phases    float64
}

// Store persists the extrapolation base so estimates survive a restart.
type Store interface {
	SaveSocState(ctx context.Context, accountID string, state State) error
	LoadSocStates(ctx context.Context, accountID string) ([]State, error)
}

// Engine holds one extrapolation state per VIN. Writers mutate a private
// copy and swap it in; readers always observe a consistent snapshot.
type Engine struct {
	mu        sync.RWMutex
	log       *zap.Logger
	clock     clock.Clock
	accountID string
	store     Store
	vehicles  map[string]*State
}

// NewEngine creates an extrapolation engine.
func NewEngine(log *zap.Logger, clk clock.Clock, accountID string, store Store) *Engine {
	return &Engine{
		log:       log,
		clock:     clk,
		accountID: accountID,
		store:     store,
		vehicles:  make(map[string]*State),
	}
}

// Restore loads persisted base states.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	states, err := e.store.LoadSocStates(ctx, e.accountID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range states {
		s := states[i]
		e.vehicles[s.VIN] = &s
	}
	return nil
}

// ApplyAuthoritative resets the extrapolation base to an observed reading.
// This is the only way the base moves discontinuously.
func (e *Engine) ApplyAuthoritative(ctx context.Context, vin string, soc float64, ts time.Time, status ChargingStatus, powerW, capacityWh float64) {
	e.mu.Lock()
	state := e.stateLocked(vin)
	state.BaseSoc = clamp(soc, 0, 100)
	state.BaseTimestamp = ts
	state.ChargingStatus = status
	if powerW != 0 {
		state.ChargingPower = powerW
	}
	if capacityWh > 0 {
		state.Capacity = capacityWh
	}
	snapshot := *state
	e.mu.Unlock()

	e.persist(ctx, snapshot)
}

// ApplyDescriptor routes a battery-related descriptor into the engine.
func (e *Engine) ApplyDescriptor(ctx context.Context, vin, descriptor string, value any, unit string, ts time.Time) {
	e.mu.Lock()
	state := e.stateLocked(vin)

	switch descriptor {
	case DescriptorSoc:
		if soc, ok := toFloat(value); ok {
			state.BaseSoc = clamp(soc, 0, 100)
			state.BaseTimestamp = ts
		}
	case DescriptorHvStatus:
		// project under the outgoing status first; a flip anchors the base
		// at whatever the extrapolation reached
		if soc := e.estimateLocked(state, ts); soc != state.BaseSoc {
			state.BaseSoc = soc
			state.BaseTimestamp = ts
		}
		status, _ := value.(string)
		switch status {
		case "CHARGING":
			state.ChargingStatus = Charging
		case "":
			state.ChargingStatus = Unknown
		default:
			state.ChargingStatus = NotCharging
		}
	case DescriptorCapacity:
		if kwh, ok := toFloat(value); ok && kwh > 0 {
			state.Capacity = kwh * 1000
		}
	case DescriptorACVoltage:
		if v, ok := toFloat(value); ok {
			state.acVoltage = v
			state.ChargingPower = chargingPower(state)
		}
	case DescriptorACAmpere:
		if a, ok := toFloat(value); ok {
			state.acAmpere = a
			state.ChargingPower = chargingPower(state)
		}
	case DescriptorPhaseNumber:
		if p, ok := toFloat(value); ok && p > 0 {
			state.phases = p
			state.ChargingPower = chargingPower(state)
		}
	default:
		e.mu.Unlock()
		return
	}

	snapshot := *state
	e.mu.Unlock()

	e.persist(ctx, snapshot)
}

// Estimate projects the state of charge at the given time. While not
// charging, or while the capacity is unknown, the base value is returned
// unchanged. The engine cannot see a charge stopping at the target SOC; the
// estimate may overshoot until the next authoritative update corrects it.
func (e *Engine) Estimate(vin string, now time.Time) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.vehicles[vin]
	if !ok {
		return 0, false
	}
	return e.estimateLocked(state, now), true
}

// Rate returns the projected charge rate in percent per hour.
func (e *Engine) Rate(vin string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.vehicles[vin]
	if !ok || state.ChargingStatus != Charging || state.Capacity <= 0 {
		return 0, ok
	}
	return state.ChargingPower / state.Capacity * 100, true
}

// Snapshot returns a copy of the state for a VIN.
func (e *Engine) Snapshot(vin string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.vehicles[vin]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// VINs lists the tracked vehicles.
func (e *Engine) VINs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vins := make([]string, 0, len(e.vehicles))
	for vin := range e.vehicles {
		vins = append(vins, vin)
	}
	return vins
}

func (e *Engine) estimateLocked(state *State, now time.Time) float64 {
	if state.ChargingStatus != Charging || state.Capacity <= 0 {
		return state.BaseSoc
	}
	elapsed := now.Sub(state.BaseTimestamp)
	if elapsed <= 0 {
		return state.BaseSoc
	}
	deltaWh := state.ChargingPower * elapsed.Hours()
	return clamp(state.BaseSoc+deltaWh/state.Capacity*100, 0, 100)
}

func (e *Engine) stateLocked(vin string) *State {
	state, ok := e.vehicles[vin]
	if !ok {
		state = &State{
			VIN:            vin,
			BaseTimestamp:  e.clock.Now(),
			ChargingStatus: Unknown,
		}
		e.vehicles[vin] = state
	}
	return state
}

func (e *Engine) persist(ctx context.Context, state State) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSocState(ctx, e.accountID, state); err != nil {
		e.log.Warn("Failed to persist soc state",
			zap.String("vin", state.VIN),
			zap.Error(err))
	}
}

func chargingPower(state *State) float64 {
	phases := state.phases
	if phases == 0 {
		phases = 1
	}
	return state.acVoltage * state.acAmpere * phases
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
