package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// ActivationStore implements domain.ActivationStore using PostgreSQL. The
// one-pending-per-market invariant is enforced by a partial unique index, so
// Insert is a single atomic statement.
type ActivationStore struct {
	pool *pgxpool.Pool
}

// NewActivationStore creates a new ActivationStore backed by the given pool.
func NewActivationStore(pool *pgxpool.Pool) *ActivationStore {
	return &ActivationStore{pool: pool}
}

// Insert persists a new Pending activation.
func (s *ActivationStore) Insert(ctx context.Context, a domain.ScheduledActivation) error {
	payload := a.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, queryInsertActivation,
		a.ID, a.MarketID, a.FireAt, payload, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateActive
		}
		return fmt.Errorf("postgres: insert activation for %s: %w", a.MarketID, err)
	}
	return nil
}

// HasPending reports whether marketID has a Pending activation.
func (s *ActivationStore) HasPending(ctx context.Context, marketID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, queryHasPending, marketID).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: has pending %s: %w", marketID, err)
	}
	return exists, nil
}

// CountPending returns the number of Pending activations.
func (s *ActivationStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, queryCountPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count pending: %w", err)
	}
	return n, nil
}

// PendingFor returns the Pending activation for marketID.
func (s *ActivationStore) PendingFor(ctx context.Context, marketID string) (domain.ScheduledActivation, error) {
	a, err := scanActivation(s.pool.QueryRow(ctx, queryPendingFor, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScheduledActivation{}, domain.ErrNotFound
		}
		return domain.ScheduledActivation{}, fmt.Errorf("postgres: pending for %s: %w", marketID, err)
	}
	return a, nil
}

// Cancel cancels a Pending activation. Non-pending or unknown ids are ignored.
func (s *ActivationStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, queryCancelActivation, id)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel activation %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelMarket cancels every Pending activation for marketID.
func (s *ActivationStore) CancelMarket(ctx context.Context, marketID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, queryCancelMarket, marketID)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel market %s: %w", marketID, err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue atomically moves due Pending activations to Fired.
func (s *ActivationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledActivation, error) {
	rows, err := s.pool.Query(ctx, queryClaimDue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim due: %w", err)
	}
	defer rows.Close()

	var claimed []domain.ScheduledActivation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claimed activation: %w", err)
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim due rows: %w", err)
	}

	// RETURNING does not preserve the CTE order.
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].FireAt.Before(claimed[j].FireAt)
	})
	return claimed, nil
}

// Complete marks a Fired activation as handled.
func (s *ActivationStore) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.pool.Exec(ctx, queryCompleteActivation, id, at); err != nil {
		return fmt.Errorf("postgres: complete activation %s: %w", id, err)
	}
	return nil
}

// Release returns an interrupted Fired activation to Pending. The guarded
// UPDATE loses to a Pending record for the same market, in which case the
// released one is closed.
func (s *ActivationStore) Release(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, queryRequeueOne, id)
	if err != nil && !isUniqueViolation(err) {
		return false, fmt.Errorf("postgres: release activation %s: %w", id, err)
	}
	if err == nil && tag.RowsAffected() > 0 {
		return true, nil
	}
	return false, s.closeStale(ctx, id, at)
}

// RequeueStale returns abandoned Fired activations to Pending. Each requeue
// is its own guarded UPDATE, so a concurrent Insert for the same market wins
// and the stale record is closed instead.
func (s *ActivationStore) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if _, err := s.pool.Exec(ctx, querySupersedeStale, olderThan); err != nil {
		return 0, fmt.Errorf("postgres: supersede stale: %w", err)
	}

	rows, err := s.pool.Query(ctx, queryStaleCandidates, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: stale candidates: %w", err)
	}
	type candidate struct {
		id       uuid.UUID
		marketID string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.marketID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres: scan stale candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("postgres: stale candidate rows: %w", err)
	}

	var requeued int64
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.marketID] {
			if err := s.closeStale(ctx, c.id, olderThan); err != nil {
				return requeued, err
			}
			continue
		}
		seen[c.marketID] = true

		tag, err := s.pool.Exec(ctx, queryRequeueOne, c.id)
		if err != nil {
			if isUniqueViolation(err) {
				if err := s.closeStale(ctx, c.id, olderThan); err != nil {
					return requeued, err
				}
				continue
			}
			return requeued, fmt.Errorf("postgres: requeue activation %s: %w", c.id, err)
		}
		requeued += tag.RowsAffected()
	}
	return requeued, nil
}

func (s *ActivationStore) closeStale(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.pool.Exec(ctx, queryCloseStale, id, at); err != nil {
		return fmt.Errorf("postgres: close stale activation %s: %w", id, err)
	}
	return nil
}

// NextFireAt returns the earliest FireAt among Pending activations.
func (s *ActivationStore) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	if err := s.pool.QueryRow(ctx, queryNextFireAt).Scan(&next); err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: next fire_at: %w", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return *next, true, nil
}

// scanActivation scans a single activation row.
func scanActivation(row pgx.Row) (domain.ScheduledActivation, error) {
	var a domain.ScheduledActivation
	var state string
	err := row.Scan(
		&a.ID, &a.MarketID, &a.FireAt, &state, &a.Payload,
		&a.Attempts, &a.CreatedAt, &a.FiredAt, &a.CompletedAt,
	)
	if err != nil {
		return domain.ScheduledActivation{}, err
	}
	a.State = domain.ActivationState(state)
	return a, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Compile-time interface check.
var _ domain.ActivationStore = (*ActivationStore)(nil)
