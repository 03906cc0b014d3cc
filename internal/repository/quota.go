package repository

import (
	"context"
	"fmt"
	"time"
)

// QuotaRepository persists the rolling-window reservation log.
type QuotaRepository struct {
	db *DB
}

// NewQuotaRepository creates the quota repository.
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// LoadReservations returns all reservation timestamps for an account, oldest first.
func (r *QuotaRepository) LoadReservations(ctx context.Context, accountID string) ([]time.Time, error) {
	query := `
		SELECT reserved_at FROM quota_log
		WHERE account_id = $1 ORDER BY reserved_at
	`
	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	defer rows.Close()

	var reservations []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, ts)
	}

	return reservations, rows.Err()
}

// AppendReservation records a consumed request slot.
func (r *QuotaRepository) AppendReservation(ctx context.Context, accountID string, ts time.Time) error {
	query := `INSERT INTO quota_log (account_id, reserved_at) VALUES ($1, $2)`
	if _, err := r.db.Pool.Exec(ctx, query, accountID, ts); err != nil {
		return fmt.Errorf("append reservation: %w", err)
	}
	return nil
}

// PruneReservations drops reservations that aged out of the window.
func (r *QuotaRepository) PruneReservations(ctx context.Context, accountID string, cutoff time.Time) error {
	query := `DELETE FROM quota_log WHERE account_id = $1 AND reserved_at < $2`
	if _, err := r.db.Pool.Exec(ctx, query, accountID, cutoff); err != nil {
		return fmt.Errorf("prune reservations: %w", err)
	}
	return nil
}
