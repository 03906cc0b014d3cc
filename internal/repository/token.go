package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/cardata/internal/api/cardata"
)

// TokenRepository persists one token set per account.
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates the token repository.
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// SaveToken upserts the token set for an account.
func (r *TokenRepository) SaveToken(ctx context.Context, accountID string, token *cardata.Token) error {
	query := `
		INSERT INTO tokens (account_id, access_token, refresh_token, id_token, gcid, scope, token_type, expires_in, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			id_token = EXCLUDED.id_token,
			gcid = EXCLUDED.gcid,
			scope = EXCLUDED.scope,
			token_type = EXCLUDED.token_type,
			expires_in = EXCLUDED.expires_in,
			received_at = EXCLUDED.received_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		accountID,
		token.AccessToken,
		token.RefreshToken,
		token.IDToken,
		token.GCID,
		token.Scope,
		token.TokenType,
		token.ExpiresIn,
		token.ReceivedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadToken returns the persisted token set, or nil when none exists.
func (r *TokenRepository) LoadToken(ctx context.Context, accountID string) (*cardata.Token, error) {
	query := `
		SELECT access_token, refresh_token, id_token, gcid, scope, token_type, expires_in, received_at
		FROM tokens WHERE account_id = $1
	`
	token := &cardata.Token{}
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&token.AccessToken,
		&token.RefreshToken,
		&token.IDToken,
		&token.GCID,
		&token.Scope,
		&token.TokenType,
		&token.ExpiresIn,
		&token.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	token.Expiry = token.ReceivedAt.Add(time.Duration(token.ExpiresIn) * time.Second)
	return token, nil
}
