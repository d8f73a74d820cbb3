package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/inventory"
)

var (
	_ booking.OrderStore = (*Store)(nil)
	_ inventory.Backend  = (*Store)(nil)
)

const orderColumns = `order_key, client_id, uuid, seller_id, mode, lease_expires,
    proposal_version, proposal_status, customer, broker, broker_role, payment,
    total_price::float8, currency, modified, deleted, visible`

type orderRow struct {
	key     string
	visible bool
	order   domain.StoredOrder
}

func scanOrder(row pgx.Row) (*orderRow, error) {
	var (
		out                       orderRow
		customer, broker, payment []byte
	)
	o := &out.order
	err := row.Scan(&out.key, &o.Identity.ClientID, &o.Identity.UUID, &o.SellerID, &o.Mode, &o.LeaseExpires,
		&o.ProposalVersion, &o.ProposalStatus, &customer, &broker, &o.BrokerRole, &payment,
		&o.TotalPrice, &o.Currency, &o.Modified, &o.Deleted, &out.visible)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(customer, &o.Customer); err != nil {
		return nil, fmt.Errorf("decode customer of %s: %w", out.key, err)
	}
	if err := decodeJSON(broker, &o.Broker); err != nil {
		return nil, fmt.Errorf("decode broker of %s: %w", out.key, err)
	}
	if err := decodeJSON(payment, &o.Payment); err != nil {
		return nil, fmt.Errorf("decode payment of %s: %w", out.key, err)
	}
	o.Identity.OrderType = orderTypeOf(o.Mode)
	return &out, nil
}

func decodeJSON[T any](raw []byte, dst **T) error {
	if len(raw) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// encodeJSON returns nil for a nil pointer so the column stays NULL.
func encodeJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
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

// lockOrder reads the order row FOR UPDATE. It returns nil when there is none.
func (s *Store) lockOrder(ctx context.Context, key string) (*orderRow, error) {
	row, err := scanOrder(s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_key = $1 FOR UPDATE`, key))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", key, err)
	}
	return row, nil
}

// liveOrder locks the order for id if it exists, is not deleted, belongs to
// the seller and is in one of the modes.
func (s *Store) liveOrder(ctx context.Context, id domain.OrderIdentity, sellerID string, modes ...domain.OrderMode) (*orderRow, error) {
	row, err := s.lockOrder(ctx, id.Key())
	if err != nil {
		return nil, err
	}
	if row == nil || row.order.Deleted || row.order.SellerID != sellerID {
		return nil, domain.ErrUnknownOrder
	}
	for _, m := range modes {
		if row.order.Mode == m {
			return row, nil
		}
	}
	return nil, domain.ErrUnknownOrder
}

// touchOrder moves the order to the head of its feed.
func (s *Store) touchOrder(ctx context.Context, key string, visible bool) error {
	modified, change, err := s.tick(ctx)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`UPDATE orders SET modified = $2, change_number = $3, visible = $4 WHERE order_key = $1`,
		key, modified, change, visible)
	if err != nil {
		return fmt.Errorf("touch order %s: %w", key, err)
	}
	return nil
}

// upsertOrder writes the flow's order details in the given mode. A missing
// row is created; an existing row must be a lease. Losing a race to create
// the row reports the order as already existing.
func (s *Store) upsertOrder(ctx context.Context, flow *booking.FlowContext, mode domain.OrderMode, leaseExpires *time.Time) error {
	key := flow.Identity.Key()
	existing, err := s.lockOrder(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil && existing.order.Mode != domain.OrderModeLease {
		return domain.ErrOrderAlreadyExists
	}

	customer, err := encodeJSON(flow.Customer)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}
	broker, err := encodeJSON(flow.Broker)
	if err != nil {
		return fmt.Errorf("encode broker: %w", err)
	}
	payment, err := encodeJSON(flow.Payment)
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	modified, change, err := s.tick(ctx)
	if err != nil {
		return err
	}

	if existing == nil {
		_, err = s.exec(ctx, `
INSERT INTO orders (order_key, client_id, uuid, seller_id, mode, lease_expires,
    customer, broker, broker_role, payment, modified, change_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			key, flow.Identity.ClientID, flow.Identity.UUID, flow.SellerID, mode, leaseExpires,
			customer, broker, flow.BrokerRole, payment, modified, change)
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
	} else {
		_, err = s.exec(ctx, `
UPDATE orders SET
    seller_id = $2, mode = $3, lease_expires = $4, customer = $5, broker = $6, broker_role = $7,
    payment = $8, modified = $9, change_number = $10, visible = FALSE
WHERE order_key = $1`,
			key, flow.SellerID, mode, leaseExpires, customer, broker, flow.BrokerRole, payment, modified, change)
	}
	if err != nil {
		return fmt.Errorf("write order %s: %w", key, err)
	}
	return nil
}

func (s *Store) setTotals(ctx context.Context, key string, mode domain.OrderMode, o *domain.Order) error {
	var price float64
	var currency string
	if o != nil && o.TotalPaymentDue != nil {
		price, currency = o.TotalPaymentDue.Price, o.TotalPaymentDue.Currency
	}
	tag, err := s.exec(ctx,
		`UPDATE orders SET total_price = $3, currency = $4 WHERE order_key = $1 AND mode = $2 AND NOT deleted`,
		key, mode, price, currency)
	if err != nil {
		return fmt.Errorf("update totals of %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownOrder
	}
	return nil
}

func (s *Store) CreateLease(ctx context.Context, flow *booking.FlowContext, lease *domain.Lease) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		expires := lease.Expires
		return s.upsertOrder(ctx, flow, domain.OrderModeLease, &expires)
	})
}

func (s *Store) UpdateLease(ctx context.Context, flow *booking.FlowContext, lease *domain.Lease, quote *domain.Order) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		key := flow.Identity.Key()
		if quote != nil && quote.TotalPaymentDue != nil {
			if err := s.setTotals(ctx, key, domain.OrderModeLease, quote); err != nil {
				return err
			}
		}
		if lease == nil {
			return nil
		}
		tag, err := s.exec(ctx,
			`UPDATE orders SET lease_expires = $2 WHERE order_key = $1 AND mode = 'Lease'`,
			key, lease.Expires)
		if err != nil {
			return fmt.Errorf("extend lease %s: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrUnknownOrder
		}
		return nil
	})
}

func (s *Store) DeleteLease(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		key := id.Key()
		_, err := s.deleteItems(ctx, `
DELETE FROM order_items i
USING orders o
WHERE o.order_key = i.order_key AND o.order_key = $1 AND o.mode = 'Lease' AND o.seller_id = $2
RETURNING i.opportunity_type, i.opportunity_id`, key, sellerID)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx,
			`DELETE FROM orders WHERE order_key = $1 AND mode = 'Lease' AND seller_id = $2`, key, sellerID)
		if err != nil {
			return fmt.Errorf("delete lease %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) CreateOrderProposal(ctx context.Context, flow *booking.FlowContext, proposal *domain.Order) (string, error) {
	version := uuid.NewString()
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.upsertOrder(ctx, flow, domain.OrderModeProposal, nil); err != nil {
			return err
		}
		key := flow.Identity.Key()
		_, err := s.exec(ctx,
			`UPDATE orders SET proposal_version = $2, proposal_status = $3 WHERE order_key = $1`,
			key, version, domain.ProposalStatusAwaitingSellerConfirmation)
		if err != nil {
			return fmt.Errorf("write proposal %s: %w", key, err)
		}
		return s.setTotals(ctx, key, domain.OrderModeProposal, proposal)
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

func (s *Store) UpdateOrderProposal(ctx context.Context, flow *booking.FlowContext, proposal *domain.Order) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		return s.setTotals(ctx, flow.Identity.Key(), domain.OrderModeProposal, proposal)
	})
}

func (s *Store) CreateOrder(ctx context.Context, flow *booking.FlowContext, order *domain.Order) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.upsertOrder(ctx, flow, domain.OrderModeBooking, nil); err != nil {
			return err
		}
		return s.setTotals(ctx, flow.Identity.Key(), domain.OrderModeBooking, order)
	})
}

func (s *Store) UpdateOrder(ctx context.Context, flow *booking.FlowContext, order *domain.Order) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		return s.setTotals(ctx, flow.Identity.Key(), domain.OrderModeBooking, order)
	})
}

// recomputeOrderUnits refreshes every unit the order holds items on.
func (s *Store) recomputeOrderUnits(ctx context.Context, key string) error {
	rows, err := s.query(ctx,
		`SELECT DISTINCT opportunity_type, opportunity_id FROM order_items WHERE order_key = $1`, key)
	if err != nil {
		return fmt.Errorf("list units of %s: %w", key, err)
	}
	touched := map[unitKey]struct{}{}
	for rows.Next() {
		var k unitKey
		if err := rows.Scan(&k.typ, &k.id); err != nil {
			rows.Close()
			return fmt.Errorf("scan unit of %s: %w", key, err)
		}
		touched[k] = struct{}{}
	}
	rows.Close()
	if rows.Err() != nil {
		return fmt.Errorf("list units of %s: %w", key, rows.Err())
	}
	return s.recomputeAll(ctx, touched)
}

func (s *Store) DeleteOrder(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		row, err := s.liveOrder(ctx, id, sellerID, domain.OrderModeBooking, domain.OrderModeProposal)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, `UPDATE orders SET deleted = TRUE, deleted_at = $2 WHERE order_key = $1`,
			row.key, s.clock.Now())
		if err != nil {
			return fmt.Errorf("delete order %s: %w", row.key, err)
		}
		if err := s.touchOrder(ctx, row.key, true); err != nil {
			return err
		}
		_, err = s.deleteItems(ctx,
			`DELETE FROM order_items WHERE order_key = $1 RETURNING opportunity_type, opportunity_id`, row.key)
		return err
	})
}

func (s *Store) CustomerCancelOrderItems(ctx context.Context, id domain.OrderIdentity, sellerID string, itemIDs []string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		row, err := s.liveOrder(ctx, id, sellerID, domain.OrderModeBooking)
		if err != nil {
			return err
		}
		touched := map[unitKey]struct{}{}
		for _, itemID := range itemIDs {
			if _, err := uuid.Parse(itemID); err != nil {
				return domain.NewError(domain.KindUnknownOrder, "order item %s not found", itemID)
			}
			var (
				k      unitKey
				status domain.OrderItemStatus
			)
			err := s.queryRow(ctx, `
SELECT opportunity_type, opportunity_id, status FROM order_items
WHERE id = $1 AND order_key = $2 FOR UPDATE`, itemID, row.key).Scan(&k.typ, &k.id, &status)
			if err == pgx.ErrNoRows {
				return domain.NewError(domain.KindUnknownOrder, "order item %s not found", itemID)
			}
			if err != nil {
				return fmt.Errorf("lock order item %s: %w", itemID, err)
			}
			if status != domain.OrderItemStatusConfirmed {
				return domain.ErrCancellationNotPermitted
			}
			_, err = s.exec(ctx, `UPDATE order_items SET status = $2 WHERE id = $1`,
				itemID, domain.OrderItemStatusCustomerCancelled)
			if err != nil {
				return fmt.Errorf("cancel order item %s: %w", itemID, err)
			}
			touched[k] = struct{}{}
		}
		if err := s.recomputeAll(ctx, touched); err != nil {
			return err
		}
		return s.touchOrder(ctx, row.key, row.visible)
	})
}

func (s *Store) CustomerRejectOrderProposal(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		row, err := s.liveOrder(ctx, id, sellerID, domain.OrderModeProposal)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, `UPDATE orders SET proposal_status = $2 WHERE order_key = $1`,
			row.key, domain.ProposalStatusCustomerRejected)
		if err != nil {
			return fmt.Errorf("reject proposal %s: %w", row.key, err)
		}
		if err := s.recomputeOrderUnits(ctx, row.key); err != nil {
			return err
		}
		return s.touchOrder(ctx, row.key, row.visible)
	})
}

func (s *Store) BookOrderProposal(ctx context.Context, id domain.OrderIdentity, sellerID, version string) (bool, error) {
	var booked bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		row, err := s.liveOrder(ctx, id, sellerID, domain.OrderModeProposal, domain.OrderModeBooking, domain.OrderModeLease)
		if err != nil {
			return err
		}
		o := row.order
		if o.Mode != domain.OrderModeProposal || o.ProposalVersion != version ||
			o.ProposalStatus != domain.ProposalStatusSellerAccepted {
			return nil
		}
		_, err = s.exec(ctx, `UPDATE orders SET mode = 'Booking' WHERE order_key = $1`, row.key)
		if err != nil {
			return fmt.Errorf("book proposal %s: %w", row.key, err)
		}
		_, err = s.exec(ctx, `UPDATE order_items SET status = $2 WHERE order_key = $1 AND status = $3`,
			row.key, domain.OrderItemStatusConfirmed, domain.OrderItemStatusProposed)
		if err != nil {
			return fmt.Errorf("confirm items of %s: %w", row.key, err)
		}
		if err := s.recomputeOrderUnits(ctx, row.key); err != nil {
			return err
		}
		booked = true
		return s.touchOrder(ctx, row.key, row.visible)
	})
	return booked, err
}

// itemsOf returns the items of each order key in creation order.
func (s *Store) itemsOf(ctx context.Context, keys ...string) (map[string][]domain.StoredOrderItem, error) {
	rows, err := s.query(ctx, `
SELECT order_key, id::text, opportunity_type, opportunity_id, offer_id, ordered_item, accepted_offer,
    status, price::float8, currency
FROM order_items
WHERE order_key = ANY($1)
ORDER BY seq`, keys)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.StoredOrderItem, len(keys))
	for rows.Next() {
		var (
			key string
			it  domain.StoredOrderItem
		)
		err := rows.Scan(&key, &it.ID, &it.OpportunityType, &it.OpportunityID, &it.OfferID,
			&it.OrderedItem, &it.AcceptedOffer, &it.Status, &it.Price, &it.Currency)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out[key] = append(out[key], it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	return out, nil
}

func (s *Store) GetOrderStatus(ctx context.Context, id domain.OrderIdentity, sellerID string) (*domain.StoredOrder, error) {
	row, err := scanOrder(s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_key = $1`, id.Key()))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrUnknownOrder
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id.Key(), err)
	}
	if row.order.Deleted || row.order.SellerID != sellerID {
		return nil, domain.ErrUnknownOrder
	}
	items, err := s.itemsOf(ctx, row.key)
	if err != nil {
		return nil, err
	}
	row.order.Items = items[row.key]
	return &row.order, nil
}

func (s *Store) TriggerTestAction(ctx context.Context, action booking.TestAction) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		row, err := s.lockOrder(ctx, action.Order.Key())
		if err != nil {
			return err
		}
		if row == nil || row.order.Deleted || (action.SellerID != "" && row.order.SellerID != action.SellerID) {
			return domain.ErrUnknownOrder
		}
		o := row.order
		switch action.Type {
		case booking.ActionSellerAcceptOrderProposal, booking.ActionSellerRejectOrderProposal:
			if o.Mode != domain.OrderModeProposal || o.ProposalStatus != domain.ProposalStatusAwaitingSellerConfirmation {
				return domain.NewError(domain.KindInvalidRequest, "order proposal is not awaiting seller confirmation")
			}
			next := domain.ProposalStatusSellerAccepted
			if action.Type == booking.ActionSellerRejectOrderProposal {
				next = domain.ProposalStatusSellerRejected
			}
			if _, err := s.exec(ctx, `UPDATE orders SET proposal_status = $2 WHERE order_key = $1`, row.key, next); err != nil {
				return fmt.Errorf("update proposal %s: %w", row.key, err)
			}
		case booking.ActionSellerRequestedCancellation, booking.ActionAttendeeAttended:
			if o.Mode != domain.OrderModeBooking {
				return domain.NewError(domain.KindInvalidRequest, "order is not booked")
			}
			next := domain.OrderItemStatusSellerCancelled
			if action.Type == booking.ActionAttendeeAttended {
				next = domain.OrderItemStatusAttended
			}
			_, err := s.exec(ctx, `UPDATE order_items SET status = $2 WHERE order_key = $1 AND status = $3`,
				row.key, next, domain.OrderItemStatusConfirmed)
			if err != nil {
				return fmt.Errorf("update items of %s: %w", row.key, err)
			}
		default:
			return domain.ErrTestActionNotSupported
		}
		if err := s.recomputeOrderUnits(ctx, row.key); err != nil {
			return err
		}
		return s.touchOrder(ctx, row.key, true)
	})
}

func (s *Store) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.query(ctx, `
SELECT order_key FROM orders
WHERE mode = 'Lease' AND lease_expires <= $1
ORDER BY order_key
FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return fmt.Errorf("list expired leases: %w", err)
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list expired leases: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		_, err = s.deleteItems(ctx, `
DELETE FROM order_items WHERE order_key = ANY($1)
RETURNING opportunity_type, opportunity_id`, keys)
		if err != nil {
			return err
		}
		tag, err := s.exec(ctx, `DELETE FROM orders WHERE order_key = ANY($1)`, keys)
		if err != nil {
			return fmt.Errorf("delete expired leases: %w", err)
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

func (s *Store) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.WithTx(ctx, func(ctx context.Context) error {
		tag, err := s.exec(ctx, `DELETE FROM orders WHERE deleted AND deleted_at < $1`, olderThan)
		if err != nil {
			return fmt.Errorf("purge orders: %w", err)
		}
		n = int(tag.RowsAffected())
		tag, err = s.exec(ctx, `DELETE FROM opportunities WHERE deleted AND deleted_at < $1`, olderThan)
		if err != nil {
			return fmt.Errorf("purge opportunities: %w", err)
		}
		n += int(tag.RowsAffected())
		return nil
	})
	return n, err
}
