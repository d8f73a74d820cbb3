package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
)

// Store serves one opportunity type.
type Store struct {
	typ     domain.OpportunityType
	backend Backend
	clock   clock.Clock
	log     zerolog.Logger
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(t domain.OpportunityType, backend Backend, opts ...Option) *Store {
	s := &Store{typ: t, backend: backend, clock: clock.NewSystem(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unitGroup is the requested items that refer to one unit, in request order.
type unitGroup struct {
	id    string
	items []*booking.OrderItemContext
}

func byUnit(items []*booking.OrderItemContext) []unitGroup {
	var groups []unitGroup
	index := map[string]int{}
	for _, c := range items {
		i, ok := index[c.IDs.OpportunityID]
		if !ok {
			i = len(groups)
			index[c.IDs.OpportunityID] = i
			groups = append(groups, unitGroup{id: c.IDs.OpportunityID})
		}
		groups[i].items = append(groups[i].items, c)
	}
	// Units are visited in id order, so concurrent writers lock them consistently.
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	return groups
}

func (s *Store) GetOrderItems(ctx context.Context, items []*booking.OrderItemContext, flow *booking.FlowContext) error {
	now := s.clock.Now()
	for _, g := range byUnit(items) {
		opp, err := s.backend.GetOpportunity(ctx, s.typ, g.id, flow.Identity)
		if errors.Is(err, domain.ErrUnknownOpportunity) {
			for _, c := range g.items {
				c.SetResponseOrderItemAsSkeleton()
				c.AddError(domain.KindUnknownOpportunity, fmt.Sprintf("opportunity %s not found", g.id))
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("get %s %s: %w", s.typ, g.id, err)
		}

		var priced []*booking.OrderItemContext
		for _, c := range g.items {
			offer, ok := opp.FindOffer(c.IDs.OfferID)
			unit := opp
			unit.Offers = nil
			if !ok {
				c.SetResponseOrderItem(domain.OrderItem{
					OrderedItem:   c.RequestItem.OrderedItem,
					AcceptedOffer: c.RequestItem.AcceptedOffer,
					Opportunity:   &unit,
				}, false)
				c.AddError(domain.KindUnknownOffer, fmt.Sprintf("offer %s not found", c.IDs.OfferID))
				continue
			}
			c.SetResponseOrderItem(domain.OrderItem{
				OrderedItem:   c.RequestItem.OrderedItem,
				AcceptedOffer: c.RequestItem.AcceptedOffer,
				Opportunity:   &unit,
				Offer:         &offer,
			}, offer.RequiresApproval)

			if opp.SellerID != flow.SellerID {
				c.AddError(domain.KindSellerMismatch, "opportunity belongs to another seller")
				continue
			}
			if flow.Stage == domain.StageOrderStatus {
				continue
			}
			if offer.NotBookable || (!opp.StartDate.IsZero() && opp.StartDate.Before(now)) {
				c.AddError(domain.KindOpportunityOfferPairNotBookable, "this offer cannot be booked for this opportunity")
				continue
			}
			priced = append(priced, c)
		}

		if flow.Stage != domain.StageOrderStatus && len(priced) > 0 {
			booking.AssignCapacityErrors(priced, opp.AvailableForLease())
		}
	}
	return nil
}

func (s *Store) LeaseOrderItems(ctx context.Context, lease *domain.Lease, items []*booking.OrderItemContext, flow *booking.FlowContext) error {
	for _, g := range byUnit(items) {
		ok := withoutErrors(g.items)
		if len(ok) == 0 {
			continue
		}
		res, err := s.backend.LeaseUnit(ctx, s.request(flow, g.id, domain.OrderItemStatusNone, ok))
		if err != nil {
			return fmt.Errorf("lease %s %s: %w", s.typ, g.id, err)
		}
		switch res.Outcome {
		case OutcomeSuccess:
		case OutcomeInsufficientCapacity:
			booking.AssignLeaseErrors(ok, res.CapacityErrors, res.LeaseConflicts)
		default:
			addOutcomeError(ok, res.Outcome)
		}
		s.log.Debug().Str("unit", g.id).Stringer("outcome", res.Outcome).Time("expires", lease.Expires).Msg("lease")
	}
	return nil
}

func (s *Store) BookOrderItems(ctx context.Context, items []*booking.OrderItemContext, flow *booking.FlowContext) error {
	return s.reserve(ctx, items, flow, domain.OrderItemStatusConfirmed)
}

func (s *Store) ProposeOrderItems(ctx context.Context, items []*booking.OrderItemContext, flow *booking.FlowContext) error {
	return s.reserve(ctx, items, flow, domain.OrderItemStatusProposed)
}

func (s *Store) reserve(ctx context.Context, items []*booking.OrderItemContext, flow *booking.FlowContext, status domain.OrderItemStatus) error {
	for _, g := range byUnit(items) {
		if len(withoutErrors(g.items)) != len(g.items) {
			continue
		}
		res, err := s.backend.BookUnit(ctx, s.request(flow, g.id, status, g.items))
		if err != nil {
			return fmt.Errorf("book %s %s: %w", s.typ, g.id, err)
		}
		if res.Outcome != OutcomeSuccess {
			addOutcomeError(g.items, res.Outcome)
			continue
		}
		if len(res.ItemIDs) != len(g.items) {
			return fmt.Errorf("book %s %s: got %d ids for %d items", s.typ, g.id, len(res.ItemIDs), len(g.items))
		}
		for i, c := range g.items {
			c.SetOrderItemID(res.ItemIDs[i])
		}
	}
	return nil
}

// CleanupOrderItems drops the order's lease holds on every unit that will
// not be leased again, including units whose items all carry errors.
func (s *Store) CleanupOrderItems(ctx context.Context, items []*booking.OrderItemContext, flow *booking.FlowContext) error {
	keep := make([]string, 0, len(items))
	for _, g := range byUnit(items) {
		if len(withoutErrors(g.items)) > 0 {
			keep = append(keep, g.id)
		}
	}
	return s.backend.CleanupUnits(ctx, flow.Identity, s.typ, keep)
}

func (s *Store) TriggerTestAction(ctx context.Context, action booking.TestAction) error {
	switch action.Type {
	case booking.ActionChangeOfLogisticsName:
		return s.backend.UpdateOpportunity(ctx, s.typ, action.OpportunityID, func(o *domain.Opportunity) {
			o.Name = o.Name + " (updated)"
		})
	case booking.ActionChangeOfLogisticsTime:
		return s.backend.UpdateOpportunity(ctx, s.typ, action.OpportunityID, func(o *domain.Opportunity) {
			o.StartDate = o.StartDate.Add(time.Hour)
			o.EndDate = o.EndDate.Add(time.Hour)
		})
	default:
		return domain.ErrTestActionNotSupported
	}
}

func (s *Store) CreateOpportunityWithinTestDataset(ctx context.Context, datasetID string, opp domain.Opportunity) (domain.Opportunity, error) {
	opp.Type = s.typ
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.TotalCapacity <= 0 {
		return domain.Opportunity{}, domain.NewError(domain.KindInvalidRequest, "maximumAttendeeCapacity must be positive")
	}
	if opp.SellerID == "" {
		return domain.Opportunity{}, domain.NewError(domain.KindInvalidRequest, "sellerId is required")
	}
	if opp.StartDate.IsZero() {
		opp.StartDate = s.clock.Now().Add(24 * time.Hour)
	}
	if opp.EndDate.IsZero() {
		opp.EndDate = opp.StartDate.Add(time.Hour)
	}
	if len(opp.Offers) == 0 {
		opp.Offers = []domain.Offer{{Price: 0, Currency: "GBP"}}
	}
	for i := range opp.Offers {
		if opp.Offers[i].ID == "" {
			opp.Offers[i].ID = uuid.NewString()
		}
		if opp.Offers[i].Currency == "" {
			opp.Offers[i].Currency = "GBP"
		}
	}
	return s.backend.CreateTestOpportunity(ctx, datasetID, opp)
}

func (s *Store) DeleteTestDataset(ctx context.Context, datasetID string) error {
	return s.backend.DeleteTestDataset(ctx, s.typ, datasetID)
}

func (s *Store) request(flow *booking.FlowContext, unitID string, status domain.OrderItemStatus, items []*booking.OrderItemContext) UnitRequest {
	req := UnitRequest{
		Order:           flow.Identity,
		SellerID:        flow.SellerID,
		OpportunityType: s.typ,
		OpportunityID:   unitID,
		Status:          status,
		Items:           make([]UnitItem, 0, len(items)),
	}
	for _, c := range items {
		price, currency, _ := c.Price()
		req.Items = append(req.Items, UnitItem{
			OfferID:       c.IDs.OfferID,
			OrderedItem:   c.RequestItem.OrderedItem,
			AcceptedOffer: c.RequestItem.AcceptedOffer,
			Price:         price,
			Currency:      currency,
		})
	}
	return req
}

func withoutErrors(items []*booking.OrderItemContext) []*booking.OrderItemContext {
	out := make([]*booking.OrderItemContext, 0, len(items))
	for _, c := range items {
		if !c.HasErrors() {
			out = append(out, c)
		}
	}
	return out
}

func addOutcomeError(items []*booking.OrderItemContext, o Outcome) {
	switch o {
	case OutcomeSellerMismatch:
		booking.AddErrorToAll(items, domain.KindSellerMismatch, "opportunity belongs to another seller")
	case OutcomeUnknownOpportunity:
		booking.AddErrorToAll(items, domain.KindUnknownOpportunity, "opportunity not found")
	case OutcomeNotBookable:
		booking.AddErrorToAll(items, domain.KindOpportunityOfferPairNotBookable, "this offer cannot be booked for this opportunity")
	case OutcomeInsufficientCapacity:
		booking.AddErrorToAll(items, domain.KindOpportunityHasInsufficientCapacity, "not enough spaces remain")
	default:
		booking.AddErrorToAll(items, domain.KindUnableToProcessOrderItem, "unable to process order item")
	}
}
