package booking

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cimillas/bookingflow/internal/domain"
)

// ProcessGetOrderStatus re-expands a stored order or proposal from committed state.
func (e *Engine) ProcessGetOrderStatus(ctx context.Context, id domain.OrderIdentity, sellerID string) (resp *Response, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.status", trace.WithAttributes(
		attribute.String("booking.order", id.Key()),
	))
	start := time.Now()
	defer func() { e.observe(span, domain.StageOrderStatus, start, resp, err) }()

	return e.expand(ctx, id, sellerID)
}

func (e *Engine) expand(ctx context.Context, id domain.OrderIdentity, sellerID string) (*Response, error) {
	stored, err := e.orders.GetOrderStatus(ctx, id, sellerID)
	if err != nil {
		return nil, err
	}
	if stored.Mode == domain.OrderModeLease || stored.Deleted {
		return nil, domain.ErrUnknownOrder
	}

	flow := statusFlowContext(stored, e.tax)
	items := make([]*OrderItemContext, len(stored.Items))
	for i, si := range stored.Items {
		c := newItemContext(i, domain.OrderItem{OrderedItem: si.OrderedItem, AcceptedOffer: si.AcceptedOffer})
		c.IDs = BookableIDs{OpportunityType: si.OpportunityType, OpportunityID: si.OpportunityID, OfferID: si.OfferID}
		c.OrderItemID = si.ID
		c.Status = si.Status
		if _, ok := e.router.Store(si.OpportunityType); !ok {
			c.SetResponseOrderItemAsSkeleton()
			c.AddError(domain.KindInvalidOpportunityOrOfferID, "opportunity type is no longer served")
		}
		items[i] = c
	}
	if err := e.resolve(ctx, flow, items); err != nil {
		return nil, err
	}

	// Items are re-priced at the price they were booked at.
	for i, si := range stored.Items {
		c := items[i]
		if c.ResponseItem == nil || c.ResponseItem.Offer == nil || si.Currency == "" {
			continue
		}
		offer := *c.ResponseItem.Offer
		offer.Price, offer.Currency = si.Price, si.Currency
		c.ResponseItem.Offer = &offer
	}

	t := domain.OrderTypeOrder
	if stored.Mode == domain.OrderModeProposal {
		t = domain.OrderTypeProposal
	}
	o := e.buildOrder(flow, t, items)
	if t == domain.OrderTypeProposal {
		o.OrderProposalVersion = stored.ProposalVersion
		o.OrderProposalStatus = stored.ProposalStatus
		o.OrderRequiresApproval = true
	}
	return &Response{Order: o, Status: http.StatusOK}, nil
}

// bookFromProposal books an accepted proposal whose version matches the request.
func (e *Engine) bookFromProposal(ctx context.Context, flow *FlowContext) (*Response, error) {
	var booked bool
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		ok, err := e.orders.BookOrderProposal(ctx, flow.Identity, flow.SellerID, flow.ProposalVersion)
		booked = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if !booked {
		e.log.Info().Str("order", flow.Identity.Key()).Str("version", flow.ProposalVersion).Msg("proposal version rejected")
		return nil, domain.ErrOrderProposalVersionOutdated
	}

	resp, err := e.expand(ctx, flow.Identity, flow.SellerID)
	if err != nil {
		return nil, err
	}
	resp.Status = http.StatusCreated
	e.notifier.Notify(ctx, FeedOrders, FeedOrderProposals)
	e.log.Info().Str("order", flow.Identity.Key()).Msg("order booked from proposal")
	return resp, nil
}
