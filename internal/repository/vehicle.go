package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/cardata/internal/events"
	"github.com/langchou/cardata/internal/poller"
)

// VehicleRepository persists vehicle metadata and the poll schedule.
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository creates the vehicle repository.
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// SaveVehicle upserts the static metadata for one vehicle.
func (r *VehicleRepository) SaveVehicle(ctx context.Context, accountID string, meta events.VehicleMetadata) error {
	query := `
		INSERT INTO vehicles (account_id, vin, name, model, manufacturer, series, software_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, vin) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			manufacturer = EXCLUDED.manufacturer,
			series = EXCLUDED.series,
			software_version = EXCLUDED.software_version,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		accountID,
		meta.VIN,
		meta.Name,
		meta.Model,
		meta.Manufacturer,
		meta.SeriesDev,
		meta.SoftwareVer,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save vehicle: %w", err)
	}
	return nil
}

// ListVehicleVINs returns the VINs known for an account, in insertion order.
func (r *VehicleRepository) ListVehicleVINs(ctx context.Context, accountID string) ([]string, error) {
	query := `SELECT vin FROM vehicles WHERE account_id = $1 ORDER BY vin`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list vehicle vins: %w", err)
	}
	defer rows.Close()

	var vins []string
	for rows.Next() {
		var vin string
		if err := rows.Scan(&vin); err != nil {
			return nil, fmt.Errorf("scan vin: %w", err)
		}
		vins = append(vins, vin)
	}

	return vins, rows.Err()
}

// ListVehicles returns the persisted metadata for all of the account's vehicles.
func (r *VehicleRepository) ListVehicles(ctx context.Context, accountID string) ([]events.VehicleMetadata, error) {
	query := `
		SELECT vin, COALESCE(name, ''), COALESCE(model, ''), COALESCE(manufacturer, ''), COALESCE(series, ''), COALESCE(software_version, '')
		FROM vehicles WHERE account_id = $1 ORDER BY vin
	`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []events.VehicleMetadata
	for rows.Next() {
		var meta events.VehicleMetadata
		err := rows.Scan(
			&meta.VIN,
			&meta.Name,
			&meta.Model,
			&meta.Manufacturer,
			&meta.SeriesDev,
			&meta.SoftwareVer,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, meta)
	}

	return vehicles, rows.Err()
}

// LoadPollState returns the persisted poll schedule, or the zero value when
// the account has never polled.
func (r *VehicleRepository) LoadPollState(ctx context.Context, accountID string) (poller.PollState, error) {
	query := `
		SELECT COALESCE(last_poll_at, 'epoch'::timestamptz), bootstrap_complete, COALESCE(container_id, '')
		FROM poll_state WHERE account_id = $1
	`
	var state poller.PollState
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&state.LastPollAt,
		&state.BootstrapComplete,
		&state.ContainerID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return poller.PollState{}, nil
	}
	if err != nil {
		return poller.PollState{}, fmt.Errorf("load poll state: %w", err)
	}
	return state, nil
}

// SavePollState upserts the poll schedule.
func (r *VehicleRepository) SavePollState(ctx context.Context, accountID string, state poller.PollState) error {
	query := `
		INSERT INTO poll_state (account_id, last_poll_at, bootstrap_complete, container_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			last_poll_at = EXCLUDED.last_poll_at,
			bootstrap_complete = EXCLUDED.bootstrap_complete,
			container_id = EXCLUDED.container_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		accountID,
		state.LastPollAt,
		state.BootstrapComplete,
		state.ContainerID,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save poll state: %w", err)
	}
	return nil
}
