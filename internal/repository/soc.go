package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/cardata/internal/soc"
)

// SocRepository persists the per-vehicle extrapolation base.
type SocRepository struct {
	db *DB
}

// NewSocRepository creates the state-of-charge repository.
func NewSocRepository(db *DB) *SocRepository {
	return &SocRepository{db: db}
}

// SaveSocState upserts the extrapolation base for one vehicle.
func (r *SocRepository) SaveSocState(ctx context.Context, accountID string, state soc.State) error {
	query := `
		INSERT INTO soc_state (account_id, vin, base_soc, base_timestamp, charging_power_w, capacity_wh, charging_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, vin) DO UPDATE SET
			base_soc = EXCLUDED.base_soc,
			base_timestamp = EXCLUDED.base_timestamp,
			charging_power_w = EXCLUDED.charging_power_w,
			capacity_wh = EXCLUDED.capacity_wh,
			charging_status = EXCLUDED.charging_status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		accountID,
		state.VIN,
		state.BaseSoc,
		state.BaseTimestamp,
		state.ChargingPower,
		state.Capacity,
		string(state.ChargingStatus),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save soc state: %w", err)
	}
	return nil
}

// LoadSocStates returns the persisted bases for all of the account's vehicles.
func (r *SocRepository) LoadSocStates(ctx context.Context, accountID string) ([]soc.State, error) {
	query := `
		SELECT vin, base_soc, base_timestamp, charging_power_w, capacity_wh, charging_status
		FROM soc_state WHERE account_id = $1
	`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("load soc states: %w", err)
	}
	defer rows.Close()

	var states []soc.State
	for rows.Next() {
		var state soc.State
		var status string
		err := rows.Scan(
			&state.VIN,
			&state.BaseSoc,
			&state.BaseTimestamp,
			&state.ChargingPower,
			&state.Capacity,
			&status,
		)
		if err != nil {
			return nil, fmt.Errorf("scan soc state: %w", err)
		}
		state.ChargingStatus = soc.ChargingStatus(status)
		states = append(states, state)
	}

	return states, rows.Err()
}
