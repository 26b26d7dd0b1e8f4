package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PGHistory mirrors accepted balance changes to PostgreSQL for audit-grade
// retention and offline trend analysis. The in-memory ring stays the hot
// path; writes here are best-effort and never block ingestion.
type PGHistory struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPGHistory wraps an existing pool. Migrate must be called once before
// the first Append.
func NewPGHistory(pool *pgxpool.Pool, log zerolog.Logger) *PGHistory {
	return &PGHistory{
		pool: pool,
		log:  log.With().Str("component", "balance_history_db").Logger(),
	}
}

// Migrate creates the history table if missing.
func (p *PGHistory) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS balance_history (
			id          BIGSERIAL PRIMARY KEY,
			asset       TEXT        NOT NULL,
			old_value   NUMERIC     NOT NULL,
			new_value   NUMERIC     NOT NULL,
			delta       NUMERIC     NOT NULL,
			accepted_by TEXT        NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_balance_history_asset_time
			ON balance_history (asset, observed_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate balance_history: %w", err)
	}
	return nil
}

// Append inserts one entry. Errors are logged, not returned: losing a mirror
// row must not fail the ingest that produced it.
func (p *PGHistory) Append(ctx context.Context, e HistoryEntry) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO balance_history (asset, old_value, new_value, delta, accepted_by, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Asset, e.OldValue, e.NewValue, e.Delta, e.AcceptedBy, e.Timestamp,
	)
	if err != nil {
		p.log.Error().Err(err).Str("asset", e.Asset).Msg("failed to mirror history entry")
	}
}

// Recent returns up to limit entries for asset, newest first.
func (p *PGHistory) Recent(ctx context.Context, asset string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT asset, old_value, new_value, delta, accepted_by, observed_at
		FROM balance_history
		WHERE asset = $1
		ORDER BY observed_at DESC
		LIMIT $2`, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("query balance_history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Asset, &e.OldValue, &e.NewValue, &e.Delta, &e.AcceptedBy, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan balance_history row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrendDelta returns the net accepted change for asset since the cutoff.
func (p *PGHistory) TrendDelta(ctx context.Context, asset string, window time.Duration) (decimal.Decimal, error) {
	var delta decimal.Decimal
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM balance_history
		WHERE asset = $1 AND observed_at >= now() - $2::interval`,
		asset, window.String(),
	).Scan(&delta)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trend query: %w", err)
	}
	return delta, nil
}
