package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/inventory"
)

func (s *Store) GetOpportunity(ctx context.Context, t domain.OpportunityType, id string, exclude domain.OrderIdentity) (domain.Opportunity, error) {
	var out domain.Opportunity
	err := s.read(ctx, func(st *state) error {
		k := oppKey{t, id}
		row := st.opportunities[k]
		if row == nil || row.deleted {
			return domain.ErrUnknownOpportunity
		}
		out = row.opp
		out.Offers = append([]domain.Offer(nil), row.opp.Offers...)
		_, out.LeasedCapacity = st.counts(k, orderKey(exclude))
		return nil
	})
	return out, err
}

// prepare validates a unit request and drops the order's existing lease holds on the unit.
func (s *Store) prepare(st *state, req inventory.UnitRequest) (*oppRow, inventory.Outcome) {
	k := oppKey{req.OpportunityType, req.OpportunityID}
	row := st.opportunities[k]
	if row == nil || row.deleted {
		return nil, inventory.OutcomeUnknownOpportunity
	}
	if row.opp.SellerID != req.SellerID {
		return nil, inventory.OutcomeSellerMismatch
	}
	for _, item := range req.Items {
		offer, ok := row.opp.FindOffer(item.OfferID)
		if !ok || offer.NotBookable {
			return nil, inventory.OutcomeNotBookable
		}
	}
	key := orderKey(req.Order)
	s.deleteItems(st, func(it *itemRow) bool {
		return it.orderKey == key && it.oppType == k.typ && it.oppID == k.id && it.status == domain.OrderItemStatusNone
	})
	return row, inventory.OutcomeSuccess
}

func (s *Store) insertItems(st *state, req inventory.UnitRequest) []string {
	key := orderKey(req.Order)
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		st.itemSeq++
		it := &itemRow{
			id:            uuid.NewString(),
			seq:           st.itemSeq,
			orderKey:      key,
			oppType:       req.OpportunityType,
			oppID:         req.OpportunityID,
			offerID:       item.OfferID,
			orderedItem:   item.OrderedItem,
			acceptedOffer: item.AcceptedOffer,
			status:        req.Status,
			price:         item.Price,
			currency:      item.Currency,
		}
		st.items[it.id] = it
		ids = append(ids, it.id)
	}
	s.recompute(st, oppKey{req.OpportunityType, req.OpportunityID})
	return ids
}

func (s *Store) LeaseUnit(ctx context.Context, req inventory.UnitRequest) (inventory.LeaseResult, error) {
	var res inventory.LeaseResult
	err := s.write(ctx, func(st *state) error {
		row, outcome := s.prepare(st, req)
		if outcome != inventory.OutcomeSuccess {
			res.Outcome = outcome
			return nil
		}
		res = inventory.NewLeaseResult(row.opp.RemainingCapacity, row.opp.LeasedCapacity, len(req.Items))
		if res.Outcome == inventory.OutcomeSuccess {
			s.insertItems(st, req)
		}
		return nil
	})
	return res, err
}

func (s *Store) BookUnit(ctx context.Context, req inventory.UnitRequest) (inventory.BookResult, error) {
	var res inventory.BookResult
	err := s.write(ctx, func(st *state) error {
		row, outcome := s.prepare(st, req)
		if outcome != inventory.OutcomeSuccess {
			res.Outcome = outcome
			return nil
		}
		// Holds of this order in proposal mode count as its own, not as others'.
		_, leasedOthers := st.counts(oppKey{req.OpportunityType, req.OpportunityID}, orderKey(req.Order))
		if row.opp.RemainingCapacity-leasedOthers < len(req.Items) {
			res.Outcome = inventory.OutcomeInsufficientCapacity
			return nil
		}
		res.Outcome = inventory.OutcomeSuccess
		res.ItemIDs = s.insertItems(st, req)
		return nil
	})
	return res, err
}

func (s *Store) CleanupUnits(ctx context.Context, order domain.OrderIdentity, t domain.OpportunityType, keep []string) error {
	return s.write(ctx, func(st *state) error {
		kept := make(map[string]bool, len(keep))
		for _, id := range keep {
			kept[id] = true
		}
		key := orderKey(order)
		s.deleteItems(st, func(it *itemRow) bool {
			return it.orderKey == key && it.oppType == t && !kept[it.oppID] && it.status == domain.OrderItemStatusNone
		})
		return nil
	})
}

func (s *Store) CreateTestOpportunity(ctx context.Context, datasetID string, opp domain.Opportunity) (domain.Opportunity, error) {
	var out domain.Opportunity
	err := s.write(ctx, func(st *state) error {
		k := oppKey{opp.Type, opp.ID}
		if row := st.opportunities[k]; row != nil && !row.deleted {
			return domain.NewError(domain.KindInvalidRequest, "opportunity %s already exists", opp.ID)
		}
		opp.TestDatasetID = datasetID
		opp.RemainingCapacity = opp.TotalCapacity
		opp.LeasedCapacity = 0
		opp.Offers = append([]domain.Offer(nil), opp.Offers...)
		row := &oppRow{opp: opp}
		s.touchOpportunity(st, row)
		st.opportunities[k] = row
		out = opp
		return nil
	})
	return out, err
}

func (s *Store) DeleteTestDataset(ctx context.Context, t domain.OpportunityType, datasetID string) error {
	return s.write(ctx, func(st *state) error {
		removed := map[oppKey]bool{}
		for k, row := range st.opportunities {
			if k.typ != t || row.deleted || row.opp.TestDatasetID != datasetID {
				continue
			}
			row.deleted = true
			row.deletedAt = s.clock.Now()
			s.touchOpportunity(st, row)
			removed[k] = true
		}
		if len(removed) == 0 {
			return nil
		}
		s.deleteItems(st, func(it *itemRow) bool { return removed[oppKey{it.oppType, it.oppID}] })
		return nil
	})
}

func (s *Store) UpdateOpportunity(ctx context.Context, t domain.OpportunityType, id string, fn func(*domain.Opportunity)) error {
	return s.write(ctx, func(st *state) error {
		row := st.opportunities[oppKey{t, id}]
		if row == nil || row.deleted {
			return domain.ErrUnknownOpportunity
		}
		fn(&row.opp)
		s.touchOpportunity(st, row)
		return nil
	})
}
