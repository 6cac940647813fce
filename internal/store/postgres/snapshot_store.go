package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// SnapshotStore implements domain.SnapshotSink by appending each record to
// the market_snapshots table. Rows are never updated.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Write inserts the record.
func (s *SnapshotStore) Write(ctx context.Context, rec domain.SnapshotRecord) error {
	entrants, err := json.Marshal(rec.Entrants)
	if err != nil {
		return fmt.Errorf("postgres: marshal entrants for %s: %w: %w", rec.MarketID, domain.ErrSinkWrite, err)
	}

	_, err = s.pool.Exec(ctx, queryInsertSnapshot,
		rec.MarketID, rec.Venue, rec.Label, string(rec.Tag),
		rec.Settled, entrants, rec.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot for %s: %w: %w", rec.MarketID, domain.ErrSinkWrite, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotSink = (*SnapshotStore)(nil)
