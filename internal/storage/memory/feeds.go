package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

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

func (f *OpportunityFeed) collect(st *state, keep func(*oppRow) bool) ([]domain.FeedItem, error) {
	var out []domain.FeedItem
	for k, row := range st.opportunities {
		if k.typ != f.typ || !keep(row) {
			continue
		}
		item := domain.FeedItem{
			Kind:         string(f.typ),
			ID:           k.id,
			Modified:     row.modified,
			ChangeNumber: row.changeNumber,
			State:        domain.FeedStateUpdated,
		}
		if row.deleted {
			item.State = domain.FeedStateDeleted
		} else {
			data, err := json.Marshal(row.opp)
			if err != nil {
				return nil, err
			}
			item.Data = data
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *OpportunityFeed) ItemsAfterModified(ctx context.Context, q feed.Query) ([]domain.FeedItem, error) {
	var out []domain.FeedItem
	err := f.store.read(ctx, func(st *state) error {
		items, err := f.collect(st, func(r *oppRow) bool {
			return r.modified < q.Before && r.modified >= q.AfterModified
		})
		if err != nil {
			return err
		}
		out = pageByModified(items, q)
		return nil
	})
	return out, err
}

func (f *OpportunityFeed) ItemsAfterChangeNumber(ctx context.Context, q feed.Query) ([]domain.FeedItem, error) {
	var out []domain.FeedItem
	err := f.store.read(ctx, func(st *state) error {
		items, err := f.collect(st, func(r *oppRow) bool {
			return r.modified < q.Before && r.changeNumber > q.AfterChangeNumber
		})
		if err != nil {
			return err
		}
		sort.Slice(items, func(i, j int) bool { return items[i].ChangeNumber < items[j].ChangeNumber })
		if q.Limit > 0 && len(items) > q.Limit {
			items = items[:q.Limit]
		}
		out = items
		return nil
	})
	return out, err
}

// pageByModified applies the (modified, id) cursor, orders and truncates.
func pageByModified(items []domain.FeedItem, q feed.Query) []domain.FeedItem {
	filtered := items[:0]
	for _, it := range items {
		if it.Modified > q.AfterModified || (it.Modified == q.AfterModified && it.ID > q.AfterID) {
			filtered = append(filtered, it)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Modified != filtered[j].Modified {
			return filtered[i].Modified < filtered[j].Modified
		}
		return filtered[i].ID < filtered[j].ID
	})
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered
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
	var out []domain.FeedItem
	err := f.store.read(ctx, func(st *state) error {
		var items []domain.FeedItem
		for _, row := range st.orders {
			if row.mode != f.mode || !row.visible || !strings.EqualFold(row.clientID, q.ClientID) {
				continue
			}
			if row.modified >= q.Before || row.modified < q.AfterModified {
				continue
			}
			item := domain.FeedItem{
				Kind:         string(orderTypeOf(row.mode)),
				ID:           row.uuid,
				Modified:     row.modified,
				ChangeNumber: row.changeNumber,
				State:        domain.FeedStateUpdated,
			}
			if row.deleted {
				item.State = domain.FeedStateDeleted
			} else {
				data, err := json.Marshal(storedOrder(st, row).FeedDocument())
				if err != nil {
					return err
				}
				item.Data = data
			}
			items = append(items, item)
		}
		out = pageByModified(items, q)
		return nil
	})
	return out, err
}
