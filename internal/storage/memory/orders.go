package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
)

func (s *Store) CreateLease(ctx context.Context, flow *booking.FlowContext, lease *domain.Lease) error {
	return s.write(ctx, func(st *state) error {
		key := orderKey(flow.Identity)
		row := st.orders[key]
		if row != nil && row.mode != domain.OrderModeLease {
			return domain.ErrOrderAlreadyExists
		}
		if row == nil {
			row = &orderRow{clientID: flow.Identity.ClientID, uuid: flow.Identity.UUID}
			st.orders[key] = row
		}
		applyFlow(row, flow)
		row.mode = domain.OrderModeLease
		expires := lease.Expires
		row.leaseExpires = &expires
		s.touchOrder(st, row)
		return nil
	})
}

func (s *Store) UpdateLease(ctx context.Context, flow *booking.FlowContext, lease *domain.Lease, quote *domain.Order) error {
	return s.write(ctx, func(st *state) error {
		row := st.orders[orderKey(flow.Identity)]
		if row == nil || row.mode != domain.OrderModeLease {
			return domain.ErrUnknownOrder
		}
		applyTotals(row, quote)
		if lease != nil {
			expires := lease.Expires
			row.leaseExpires = &expires
		}
		return nil
	})
}

func (s *Store) DeleteLease(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	return s.write(ctx, func(st *state) error {
		key := orderKey(id)
		row := st.orders[key]
		if row == nil || row.mode != domain.OrderModeLease || row.sellerID != sellerID {
			return nil
		}
		delete(st.orders, key)
		s.deleteItems(st, func(it *itemRow) bool { return it.orderKey == key })
		return nil
	})
}

// convert turns a missing or lease row into an order of the given mode.
func (s *Store) convert(st *state, flow *booking.FlowContext, mode domain.OrderMode) (*orderRow, error) {
	key := orderKey(flow.Identity)
	row := st.orders[key]
	if row != nil && row.mode != domain.OrderModeLease {
		return nil, domain.ErrOrderAlreadyExists
	}
	if row == nil {
		row = &orderRow{clientID: flow.Identity.ClientID, uuid: flow.Identity.UUID}
		st.orders[key] = row
	}
	applyFlow(row, flow)
	row.mode = mode
	row.leaseExpires = nil
	row.visible = false
	s.touchOrder(st, row)
	return row, nil
}

func (s *Store) CreateOrderProposal(ctx context.Context, flow *booking.FlowContext, proposal *domain.Order) (string, error) {
	var version string
	err := s.write(ctx, func(st *state) error {
		row, err := s.convert(st, flow, domain.OrderModeProposal)
		if err != nil {
			return err
		}
		row.proposalVersion = uuid.NewString()
		row.proposalStatus = domain.ProposalStatusAwaitingSellerConfirmation
		applyTotals(row, proposal)
		version = row.proposalVersion
		return nil
	})
	return version, err
}

func (s *Store) UpdateOrderProposal(ctx context.Context, flow *booking.FlowContext, proposal *domain.Order) error {
	return s.write(ctx, func(st *state) error {
		row := st.orders[orderKey(flow.Identity)]
		if row == nil || row.mode != domain.OrderModeProposal {
			return domain.ErrUnknownOrder
		}
		applyTotals(row, proposal)
		return nil
	})
}

func (s *Store) CreateOrder(ctx context.Context, flow *booking.FlowContext, order *domain.Order) error {
	return s.write(ctx, func(st *state) error {
		row, err := s.convert(st, flow, domain.OrderModeBooking)
		if err != nil {
			return err
		}
		applyTotals(row, order)
		return nil
	})
}

func (s *Store) UpdateOrder(ctx context.Context, flow *booking.FlowContext, order *domain.Order) error {
	return s.write(ctx, func(st *state) error {
		row := st.orders[orderKey(flow.Identity)]
		if row == nil || row.mode != domain.OrderModeBooking {
			return domain.ErrUnknownOrder
		}
		applyTotals(row, order)
		return nil
	})
}

// liveOrder returns the row for id if it exists, is not deleted, belongs to
// the seller and is in one of the modes.
func liveOrder(st *state, id domain.OrderIdentity, sellerID string, modes ...domain.OrderMode) (*orderRow, error) {
	row := st.orders[orderKey(id)]
	if row == nil || row.deleted || row.sellerID != sellerID {
		return nil, domain.ErrUnknownOrder
	}
	for _, m := range modes {
		if row.mode == m {
			return row, nil
		}
	}
	return nil, domain.ErrUnknownOrder
}

func (s *Store) DeleteOrder(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	return s.write(ctx, func(st *state) error {
		row, err := liveOrder(st, id, sellerID, domain.OrderModeBooking, domain.OrderModeProposal)
		if err != nil {
			return err
		}
		key := orderKey(id)
		row.deleted = true
		row.deletedAt = s.clock.Now()
		row.visible = true
		s.touchOrder(st, row)
		s.deleteItems(st, func(it *itemRow) bool { return it.orderKey == key })
		return nil
	})
}

func (s *Store) CustomerCancelOrderItems(ctx context.Context, id domain.OrderIdentity, sellerID string, itemIDs []string) error {
	return s.write(ctx, func(st *state) error {
		row, err := liveOrder(st, id, sellerID, domain.OrderModeBooking)
		if err != nil {
			return err
		}
		key := orderKey(id)
		touched := map[oppKey]struct{}{}
		for _, itemID := range itemIDs {
			it := st.items[itemID]
			if it == nil || it.orderKey != key {
				return domain.NewError(domain.KindUnknownOrder, "order item %s not found", itemID)
			}
			if it.status != domain.OrderItemStatusConfirmed {
				return domain.ErrCancellationNotPermitted
			}
			it.status = domain.OrderItemStatusCustomerCancelled
			touched[oppKey{it.oppType, it.oppID}] = struct{}{}
		}
		s.recomputeAll(st, touched)
		s.touchOrder(st, row)
		return nil
	})
}

func (s *Store) CustomerRejectOrderProposal(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	return s.write(ctx, func(st *state) error {
		row, err := liveOrder(st, id, sellerID, domain.OrderModeProposal)
		if err != nil {
			return err
		}
		row.proposalStatus = domain.ProposalStatusCustomerRejected
		s.recomputeOrderUnits(st, row)
		s.touchOrder(st, row)
		return nil
	})
}

func (s *Store) BookOrderProposal(ctx context.Context, id domain.OrderIdentity, sellerID, version string) (bool, error) {
	var booked bool
	err := s.write(ctx, func(st *state) error {
		row, err := liveOrder(st, id, sellerID, domain.OrderModeProposal, domain.OrderModeBooking, domain.OrderModeLease)
		if err != nil {
			return err
		}
		if row.mode != domain.OrderModeProposal || row.proposalVersion != version ||
			row.proposalStatus != domain.ProposalStatusSellerAccepted {
			return nil
		}
		row.mode = domain.OrderModeBooking
		for _, it := range st.itemsOf(orderKey(id)) {
			if it.status == domain.OrderItemStatusProposed {
				it.status = domain.OrderItemStatusConfirmed
			}
		}
		s.recomputeOrderUnits(st, row)
		s.touchOrder(st, row)
		booked = true
		return nil
	})
	return booked, err
}

func (s *Store) GetOrderStatus(ctx context.Context, id domain.OrderIdentity, sellerID string) (*domain.StoredOrder, error) {
	var out *domain.StoredOrder
	err := s.read(ctx, func(st *state) error {
		row, err := liveOrder(st, id, sellerID, domain.OrderModeBooking, domain.OrderModeProposal, domain.OrderModeLease)
		if err != nil {
			return err
		}
		out = storedOrder(st, row)
		return nil
	})
	return out, err
}

func (s *Store) TriggerTestAction(ctx context.Context, action booking.TestAction) error {
	return s.write(ctx, func(st *state) error {
		row := st.orders[orderKey(action.Order)]
		if row == nil || row.deleted || (action.SellerID != "" && row.sellerID != action.SellerID) {
			return domain.ErrUnknownOrder
		}
		switch action.Type {
		case booking.ActionSellerAcceptOrderProposal, booking.ActionSellerRejectOrderProposal:
			if row.mode != domain.OrderModeProposal || row.proposalStatus != domain.ProposalStatusAwaitingSellerConfirmation {
				return domain.NewError(domain.KindInvalidRequest, "order proposal is not awaiting seller confirmation")
			}
			row.proposalStatus = domain.ProposalStatusSellerAccepted
			if action.Type == booking.ActionSellerRejectOrderProposal {
				row.proposalStatus = domain.ProposalStatusSellerRejected
			}
		case booking.ActionSellerRequestedCancellation, booking.ActionAttendeeAttended:
			if row.mode != domain.OrderModeBooking {
				return domain.NewError(domain.KindInvalidRequest, "order is not booked")
			}
			next := domain.OrderItemStatusSellerCancelled
			if action.Type == booking.ActionAttendeeAttended {
				next = domain.OrderItemStatusAttended
			}
			for _, it := range st.itemsOf(orderKey(action.Order)) {
				if it.status == domain.OrderItemStatusConfirmed {
					it.status = next
				}
			}
		default:
			return domain.ErrTestActionNotSupported
		}
		s.recomputeOrderUnits(st, row)
		row.visible = true
		s.touchOrder(st, row)
		return nil
	})
}

func (s *Store) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.write(ctx, func(st *state) error {
		expired := map[string]bool{}
		for key, row := range st.orders {
			if row.mode == domain.OrderModeLease && row.leaseExpires != nil && !row.leaseExpires.After(now) {
				expired[key] = true
				delete(st.orders, key)
			}
		}
		s.deleteItems(st, func(it *itemRow) bool { return expired[it.orderKey] })
		n = len(expired)
		return nil
	})
	return n, err
}

func (s *Store) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.write(ctx, func(st *state) error {
		for key, row := range st.orders {
			if row.deleted && row.deletedAt.Before(olderThan) {
				delete(st.orders, key)
				n++
			}
		}
		for key, row := range st.opportunities {
			if row.deleted && row.deletedAt.Before(olderThan) {
				delete(st.opportunities, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) recomputeOrderUnits(st *state, row *orderRow) {
	touched := map[oppKey]struct{}{}
	for _, it := range st.itemsOf(row.clientKey()) {
		touched[oppKey{it.oppType, it.oppID}] = struct{}{}
	}
	s.recomputeAll(st, touched)
}

func (o *orderRow) clientKey() string {
	return domain.OrderIdentity{ClientID: o.clientID, UUID: o.uuid}.Key()
}

func applyFlow(row *orderRow, flow *booking.FlowContext) {
	row.sellerID = flow.SellerID
	row.customer = flow.Customer
	row.broker = flow.Broker
	row.brokerRole = flow.BrokerRole
	row.payment = flow.Payment
}

func applyTotals(row *orderRow, o *domain.Order) {
	if o == nil || o.TotalPaymentDue == nil {
		return
	}
	row.totalPrice = o.TotalPaymentDue.Price
	row.currency = o.TotalPaymentDue.Currency
}

func storedOrder(st *state, row *orderRow) *domain.StoredOrder {
	out := &domain.StoredOrder{
		Identity:        domain.OrderIdentity{ClientID: row.clientID, OrderType: orderTypeOf(row.mode), UUID: row.uuid},
		SellerID:        row.sellerID,
		Mode:            row.mode,
		ProposalVersion: row.proposalVersion,
		ProposalStatus:  row.proposalStatus,
		Customer:        row.customer,
		Broker:          row.broker,
		BrokerRole:      row.brokerRole,
		Payment:         row.payment,
		TotalPrice:      row.totalPrice,
		Currency:        row.currency,
		Modified:        row.modified,
		Deleted:         row.deleted,
	}
	if row.leaseExpires != nil {
		t := *row.leaseExpires
		out.LeaseExpires = &t
	}
	for _, it := range st.itemsOf(row.clientKey()) {
		out.Items = append(out.Items, domain.StoredOrderItem{
			ID:              it.id,
			OpportunityType: it.oppType,
			OpportunityID:   it.oppID,
			OfferID:         it.offerID,
			OrderedItem:     it.orderedItem,
			AcceptedOffer:   it.acceptedOffer,
			Status:          it.status,
			Price:           it.price,
			Currency:        it.currency,
		})
	}
	return out
}

func orderTypeOf(m domain.OrderMode) domain.OrderType {
	switch m {
	case domain.OrderModeLease:
		return domain.OrderTypeQuote
	case domain.OrderModeProposal:
		return domain.OrderTypeProposal
	default:
		return domain.OrderTypeOrder
	}
}
