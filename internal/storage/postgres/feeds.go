package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/feed"
)

// OpportunityFeed is the feed source for one opportunity type.
type OpportunityFeed struct {
	store *Store
	typ   domain.OpportunityType
}

func (s *Store) OpportunityFeed(t domain.OpportunityType) *OpportunityFeed {
	return &OpportunityFeed{store: s, typ: t}
}

func (f *OpportunityFeed) collect(rows pgx.Rows) ([]domain.FeedItem, error) {
	defer rows.Close()
	var out []domain.FeedItem
	for rows.Next() {
		var item domain.FeedItem
		var deleted bool
		opp, err := scanOpportunity(rows, &item.Modified, &item.ChangeNumber, &deleted)
		if err != nil {
			return nil, fmt.Errorf("scan %s feed item: %w", f.typ, err)
		}
		item.Kind = string(f.typ)
		item.ID = opp.ID
		item.State = domain.FeedStateUpdated
		if deleted {
			item.State = domain.FeedStateDeleted
		} else if item.Data, err = json.Marshal(opp); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s feed: %w", f.typ, err)
	}
	return out, nil
}

// Ids compare bytewise so the cursor agrees with the feed's ordering.
func (f *OpportunityFeed) ItemsAfterModified(ctx context.Context, q feed.Query) ([]domain.FeedItem, error) {
	rows, err := f.store.query(ctx, `
SELECT `+opportunityColumns+`, modified, change_number, deleted
FROM opportunities
WHERE opportunity_type = $1 AND modified < $2
  AND (modified > $3 OR (modified = $3 AND id COLLATE "C" > $4))
ORDER BY modified, id COLLATE "C"
LIMIT $5`, f.typ, q.Before, q.AfterModified, q.AfterID, limit(q))
	if err != nil {
		return nil, fmt.Errorf("read %s feed: %w", f.typ, err)
	}
	return f.collect(rows)
}

func (f *OpportunityFeed) ItemsAfterChangeNumber(ctx context.Context, q feed.Query) ([]domain.FeedItem, error) {
	rows, err := f.store.query(ctx, `
SELECT `+opportunityColumns+`, modified, change_number, deleted
FROM opportunities
WHERE opportunity_type = $1 AND modified < $2 AND change_number > $3
ORDER BY change_number
LIMIT $4`, f.typ, q.Before, q.AfterChangeNumber, limit(q))
	if err != nil {
		return nil, fmt.Errorf("read %s feed: %w", f.typ, err)
	}
	return f.collect(rows)
}

// limit maps an unbounded query to a NULL LIMIT.
func limit(q feed.Query) *int {
	if q.Limit <= 0 {
		return nil
	}
	return &q.Limit
}

// OrdersFeed is the per-client feed source of orders in one mode.
type OrdersFeed struct {
	store *Store
	mode  domain.OrderMode
}

func (s *Store) OrdersFeed(mode domain.OrderMode) *OrdersFeed {
	return &OrdersFeed{store: s, mode: mode}
}

func (f *OrdersFeed) ItemsAfterModified(ctx context.Context, q feed.Query) ([]domain.FeedItem, error) {
	rows, err := f.store.query(ctx, `
SELECT `+orderColumns+`, change_number
FROM orders
WHERE mode = $1 AND visible AND lower(client_id) = lower($2) AND modified < $3
  AND (modified > $4 OR (modified = $4 AND uuid COLLATE "C" > $5))
ORDER BY modified, uuid COLLATE "C"
LIMIT $6`, f.mode, q.ClientID, q.Before, q.AfterModified, q.AfterID, limit(q))
	if err != nil {
		return nil, fmt.Errorf("read %s orders feed: %w", f.mode, err)
	}

	var (
		orders  []*orderRow
		changes []int64
		keys    []string
	)
	for rows.Next() {
		var change int64
		row, err := scanOrder(rowWithExtra{rows, &change})
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan %s orders feed: %w", f.mode, err)
		}
		orders = append(orders, row)
		changes = append(changes, change)
		if !row.order.Deleted {
			keys = append(keys, row.key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s orders feed: %w", f.mode, err)
	}

	items := map[string][]domain.StoredOrderItem{}
	if len(keys) > 0 {
		if items, err = f.store.itemsOf(ctx, keys...); err != nil {
			return nil, err
		}
	}

	out := make([]domain.FeedItem, 0, len(orders))
	for i, row := range orders {
		item := domain.FeedItem{
			Kind:         string(orderTypeOf(f.mode)),
			ID:           row.order.Identity.UUID,
			Modified:     row.order.Modified,
			ChangeNumber: changes[i],
			State:        domain.FeedStateUpdated,
		}
		if row.order.Deleted {
			item.State = domain.FeedStateDeleted
		} else {
			row.order.Items = items[row.key]
			if item.Data, err = json.Marshal(row.order.FeedDocument()); err != nil {
				return nil, err
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// rowWithExtra scans trailing columns past those a scan helper knows about.
type rowWithExtra struct {
	pgx.Row
	extra *int64
}

func (r rowWithExtra) Scan(dest ...any) error {
	return r.Row.Scan(append(dest, r.extra)...)
}
