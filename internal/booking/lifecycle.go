package booking

import (
	"context"
	"strings"
	"time"

	"github.com/cimillas/bookingflow/internal/domain"
)

// mutate runs fn in a transaction while holding the order's gate.
func (e *Engine) mutate(ctx context.Context, id domain.OrderIdentity, fn func(ctx context.Context) error, feeds ...string) error {
	guard, err := e.gate.Acquire(ctx, id.Key())
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := e.orders.WithTx(ctx, fn); err != nil {
		return err
	}
	e.notifier.Notify(ctx, feeds...)
	return nil
}

// ProcessOrderQuoteDeletion releases the lease held by a quote.
func (e *Engine) ProcessOrderQuoteDeletion(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	err := e.mutate(ctx, id, func(ctx context.Context) error {
		return e.orders.DeleteLease(ctx, id, sellerID)
	}, e.allOpportunityFeeds()...)
	if err == nil {
		e.log.Debug().Str("order", id.Key()).Msg("lease deleted")
	}
	return err
}

// ProcessOrderDeletion soft-deletes an order and releases its capacity.
func (e *Engine) ProcessOrderDeletion(ctx context.Context, id domain.OrderIdentity, sellerID string) error {
	feeds := append(e.allOpportunityFeeds(), FeedOrders, FeedOrderProposals)
	err := e.mutate(ctx, id, func(ctx context.Context) error {
		return e.orders.DeleteOrder(ctx, id, sellerID)
	}, feeds...)
	if err == nil {
		e.log.Info().Str("order", id.Key()).Msg("order deleted")
	}
	return err
}

// ProcessOrderUpdate applies a customer cancellation patch.
func (e *Engine) ProcessOrderUpdate(ctx context.Context, id domain.OrderIdentity, sellerID string, patch *domain.Order) error {
	itemIDs, err := cancellationItemIDs(patch)
	if err != nil {
		return err
	}
	feeds := append(e.allOpportunityFeeds(), FeedOrders)
	err = e.mutate(ctx, id, func(ctx context.Context) error {
		return e.orders.CustomerCancelOrderItems(ctx, id, sellerID, itemIDs)
	}, feeds...)
	if err == nil {
		e.log.Info().Str("order", id.Key()).Int("items", len(itemIDs)).Msg("order items cancelled by customer")
	}
	return err
}

// ProcessOrderProposalUpdate applies a customer rejection patch.
func (e *Engine) ProcessOrderProposalUpdate(ctx context.Context, id domain.OrderIdentity, sellerID string, patch *domain.Order) error {
	if patch == nil || patch.OrderProposalStatus != domain.ProposalStatusCustomerRejected ||
		len(patch.OrderedItems) > 0 || patch.Customer != nil || patch.Payment != nil || patch.Broker != nil {
		return domain.NewError(domain.KindPatchNotAllowed, "only orderProposalStatus CustomerRejected may be patched")
	}
	feeds := append(e.allOpportunityFeeds(), FeedOrderProposals)
	return e.mutate(ctx, id, func(ctx context.Context) error {
		return e.orders.CustomerRejectOrderProposal(ctx, id, sellerID)
	}, feeds...)
}

func cancellationItemIDs(patch *domain.Order) ([]string, error) {
	if patch == nil || len(patch.OrderedItems) == 0 {
		return nil, domain.NewError(domain.KindInvalidRequest, "orderedItem is required")
	}
	if patch.Customer != nil || patch.Payment != nil || patch.Broker != nil || patch.OrderProposalStatus != "" {
		return nil, domain.NewError(domain.KindPatchNotAllowed, "only orderItemStatus may be patched")
	}
	ids := make([]string, 0, len(patch.OrderedItems))
	for _, item := range patch.OrderedItems {
		if item.Status != domain.OrderItemStatusCustomerCancelled {
			return nil, domain.NewError(domain.KindPatchNotAllowed, "orderItemStatus may only be set to CustomerCancelled")
		}
		if item.ID == "" {
			return nil, domain.NewError(domain.KindInvalidRequest, "order item id is required")
		}
		id := item.ID
		if i := strings.LastIndex(id, "#/orderedItems/"); i >= 0 {
			id = id[i+len("#/orderedItems/"):]
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TriggerTestAction simulates a seller or attendee action.
func (e *Engine) TriggerTestAction(ctx context.Context, action TestAction) error {
	if action.Type.IsOrderAction() {
		feeds := append(e.allOpportunityFeeds(), FeedOrders, FeedOrderProposals)
		return e.mutate(ctx, action.Order, func(ctx context.Context) error {
			return e.orders.TriggerTestAction(ctx, action)
		}, feeds...)
	}

	switch action.Type {
	case ActionChangeOfLogisticsName, ActionChangeOfLogisticsTime:
	default:
		return domain.ErrTestActionNotSupported
	}
	if action.OpportunityType == "" {
		t, unit, ok := e.router.ResolveOpportunity(action.OpportunityID)
		if !ok {
			return domain.NewError(domain.KindInvalidRequest, "unknown opportunity %q", action.OpportunityID)
		}
		action.OpportunityType, action.OpportunityID = t, unit
	}
	store, ok := e.router.Store(action.OpportunityType)
	if !ok {
		return domain.NewError(domain.KindInvalidRequest, "unknown opportunity type %q", action.OpportunityType)
	}
	if err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		return store.TriggerTestAction(ctx, action)
	}); err != nil {
		return err
	}
	e.notifier.Notify(ctx, e.router.Feed(action.OpportunityType))
	return nil
}

// TestOpportunity is a freshly created opportunity with the ids a client books it by.
type TestOpportunity struct {
	OrderedItem   string              `json:"orderedItem"`
	AcceptedOffer []string            `json:"acceptedOffer"`
	Opportunity   *domain.Opportunity `json:"opportunity"`
}

// CreateTestOpportunity adds an opportunity to a test dataset.
func (e *Engine) CreateTestOpportunity(ctx context.Context, datasetID string, opp domain.Opportunity) (*TestOpportunity, error) {
	store, ok := e.router.Store(opp.Type)
	if !ok {
		return nil, domain.NewError(domain.KindInvalidRequest, "unknown opportunity type %q", opp.Type)
	}
	var created domain.Opportunity
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = store.CreateOpportunityWithinTestDataset(ctx, datasetID, opp)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &TestOpportunity{Opportunity: &created}
	if out.OrderedItem, err = e.router.OpportunityURL(created.Type, created.ID); err != nil {
		return nil, err
	}
	for _, offer := range created.Offers {
		u, err := e.router.OfferURL(created.Type, created.ID, offer.ID)
		if err != nil {
			return nil, err
		}
		out.AcceptedOffer = append(out.AcceptedOffer, u)
	}
	e.notifier.Notify(ctx, e.router.Feed(created.Type))
	return out, nil
}

// DeleteTestDataset removes every opportunity created within the dataset.
func (e *Engine) DeleteTestDataset(ctx context.Context, datasetID string) error {
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range e.router.Types() {
			store, _ := e.router.Store(t)
			if err := store.DeleteTestDataset(ctx, datasetID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.notifier.Notify(ctx, e.allOpportunityFeeds()...)
	return nil
}

// ExpireLeases releases every lease past its expiry and drops expired
// idempotency entries from stores that need sweeping.
func (e *Engine) ExpireLeases(ctx context.Context) (int, error) {
	if c, ok := e.idem.(expiringCache); ok {
		if swept := c.Sweep(); swept > 0 {
			e.log.Debug().Int("entries", swept).Msg("expired idempotency entries swept")
		}
	}

	var n int
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.orders.DeleteExpiredLeases(ctx, e.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.notifier.Notify(ctx, e.allOpportunityFeeds()...)
		e.log.Info().Int("leases", n).Msg("expired leases released")
	}
	return n, nil
}

// PurgeDeleted hard-deletes rows soft-deleted longer than retention ago.
func (e *Engine) PurgeDeleted(ctx context.Context, retention time.Duration) (int, error) {
	var n int
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.orders.PurgeDeleted(ctx, e.clock.Now().Add(-retention))
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info().Int("rows", n).Msg("purged soft-deleted rows")
	}
	return n, nil
}

func (e *Engine) allOpportunityFeeds() []string {
	var feeds []string
	for _, t := range e.router.Types() {
		if f := e.router.Feed(t); f != "" {
			feeds = append(feeds, f)
		}
	}
	return feeds
}
