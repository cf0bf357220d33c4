package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirstore/fhirstore/internal/platform/fhir"
)

// PGTokens stores cursor state in the search_cursors table. Expired rows
// are filtered on read and swept opportunistically on write, so no
// background reaper is required.
type PGTokens struct {
	pool *pgxpool.Pool
}

func NewPGTokens(pool *pgxpool.Pool) *PGTokens {
	return &PGTokens{pool: pool}
}

func (s *PGTokens) StoreToken(ctx context.Context, token string, state []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_cursors (token, state, expires_at)
		VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (token)
		DO UPDATE SET state = EXCLUDED.state, expires_at = EXCLUDED.expires_at`,
		token, state, ttl)
	if err != nil {
		return fmt.Errorf("store cursor %s: %w", token, err)
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM search_cursors WHERE expires_at < NOW()`)
	return nil
}

func (s *PGTokens) LoadToken(ctx context.Context, token string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM search_cursors WHERE token = $1 AND expires_at >= NOW()`,
		token).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", token, err)
	}
	return state, nil
}

func (s *PGTokens) RemoveToken(ctx context.Context, token string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM search_cursors WHERE token = $1`, token); err != nil {
		return fmt.Errorf("remove cursor %s: %w", token, err)
	}
	return nil
}
