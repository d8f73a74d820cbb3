// Package postgres stores orders, inventory and change feeds in PostgreSQL.
//
// Capacity checks lock the opportunity row with SELECT ... FOR UPDATE, so
// concurrent bookings of one unit serialize while other units proceed.
// Feed positions take no row locks: change numbers come from a sequence and
// modified timestamps from a clock that only moves forward within the process.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
)

// Store implements booking.OrderStore, inventory.Backend and the feed sources.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock

	lastModified atomic.Int64
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}

// tick returns the next feed position: a modified value that is strictly
// greater than any this store handed out before, and a fresh change number.
// Readers stay behind in-flight writers through the feed settle window.
func (s *Store) tick(ctx context.Context) (modified, changeNumber int64, err error) {
	if err := s.queryRow(ctx, `SELECT nextval('feed_change_number')`).Scan(&changeNumber); err != nil {
		return 0, 0, fmt.Errorf("next change number: %w", err)
	}
	return s.nextModified(), changeNumber, nil
}

func (s *Store) nextModified() int64 {
	now := s.clock.Now().UnixNano()
	for {
		last := s.lastModified.Load()
		next := max(now, last+1)
		if s.lastModified.CompareAndSwap(last, next) {
			return next
		}
	}
}

type unitKey struct {
	typ domain.OpportunityType
	id  string
}

// counts reports confirmed and held spaces on a unit, skipping the holds of excludeKey.
func (s *Store) counts(ctx context.Context, k unitKey, excludeKey string) (confirmed, leased int, err error) {
	const query = `
SELECT
    COUNT(*) FILTER (WHERE o.mode = 'Booking' AND i.status IN ('OrderItemConfirmed', 'AttendeeAttended')),
    COUNT(*) FILTER (WHERE i.order_key <> $3 AND (
        o.mode = 'Lease'
        OR (o.mode = 'Proposal' AND o.proposal_status NOT IN ('CustomerRejected', 'SellerRejected'))
    ))
FROM order_items i
JOIN orders o ON o.order_key = i.order_key
WHERE i.opportunity_type = $1 AND i.opportunity_id = $2 AND NOT o.deleted`
	if err := s.queryRow(ctx, query, k.typ, k.id, excludeKey).Scan(&confirmed, &leased); err != nil {
		return 0, 0, fmt.Errorf("count %s %s: %w", k.typ, k.id, err)
	}
	return confirmed, leased, nil
}

// recompute refreshes a unit's denormalized counts. The unit only moves in
// its feed when remaining capacity changed.
func (s *Store) recompute(ctx context.Context, k unitKey) error {
	var total, remaining int
	err := s.queryRow(ctx,
		`SELECT total_capacity, remaining_capacity FROM opportunities WHERE opportunity_type = $1 AND id = $2 FOR UPDATE`,
		k.typ, k.id).Scan(&total, &remaining)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock %s %s: %w", k.typ, k.id, err)
	}
	confirmed, leased, err := s.counts(ctx, k, "")
	if err != nil {
		return err
	}

	if total-confirmed == remaining {
		_, err = s.exec(ctx,
			`UPDATE opportunities SET leased_capacity = $3 WHERE opportunity_type = $1 AND id = $2`,
			k.typ, k.id, leased)
		if err != nil {
			return fmt.Errorf("update %s %s: %w", k.typ, k.id, err)
		}
		return nil
	}
	modified, change, err := s.tick(ctx)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
UPDATE opportunities
SET leased_capacity = $3, remaining_capacity = $4, modified = $5, change_number = $6
WHERE opportunity_type = $1 AND id = $2`,
		k.typ, k.id, leased, total-confirmed, modified, change)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", k.typ, k.id, err)
	}
	return nil
}

// recomputeAll refreshes units in a fixed order so concurrent writers lock them consistently.
func (s *Store) recomputeAll(ctx context.Context, keys map[unitKey]struct{}) error {
	ordered := make([]unitKey, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].typ != ordered[j].typ {
			return ordered[i].typ < ordered[j].typ
		}
		return ordered[i].id < ordered[j].id
	})
	for _, k := range ordered {
		if err := s.recompute(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// deleteItems runs a DELETE ... RETURNING opportunity_type, opportunity_id
// statement and recomputes every unit it touched.
func (s *Store) deleteItems(ctx context.Context, stmt string, args ...any) (int, error) {
	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	touched := map[unitKey]struct{}{}
	n := 0
	for rows.Next() {
		var k unitKey
		if err := rows.Scan(&k.typ, &k.id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan deleted item: %w", err)
		}
		touched[k] = struct{}{}
		n++
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, fmt.Errorf("iterate deleted items: %w", rows.Err())
	}
	return n, s.recomputeAll(ctx, touched)
}
