// Package booking drives a booking request through the C1, C2, P and B stages.
//
// The Engine validates the request, resolves each ordered item through the
// store registered for its opportunity type, and runs the stage's lease, book
// or propose step inside one transaction spanning every store. Item-level
// failures never surface as errors: the transaction rolls back and the
// response carries the item errors instead.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/idempotency"
	"github.com/cimillas/bookingflow/internal/metrics"
)

const (
	defaultLeaseDuration  = 15 * time.Minute
	defaultIdempotencyTTL = 5 * time.Minute

	FeedOrders         = "orders"
	FeedOrderProposals = "order-proposals"
)

// Response is the outcome of a flow request together with its status hint.
type Response struct {
	Order *domain.Order
	// Body is the serialized response for creations; retries get these exact bytes.
	Body   []byte
	Status int
	Cached bool
}

// Conflict reports whether item errors prevented the request from succeeding.
func (r *Response) Conflict() bool {
	return r.Status == http.StatusConflict
}

type Engine struct {
	orders   OrderStore
	router   *Router
	gate     Gate
	idem     IdempotencyStore
	notifier ChangeNotifier
	clock    clock.Clock
	log      zerolog.Logger
	tracer   trace.Tracer

	baseURL        string
	leaseDuration  time.Duration
	leaseAtC1      bool
	leaseAtC2      bool
	idempotencyTTL time.Duration
	tax            TaxSettings
}

type Option func(*Engine)

// WithIdempotencyStore enables response caching for P and B.
func WithIdempotencyStore(s IdempotencyStore) Option {
	return func(e *Engine) { e.idem = s }
}

// WithIdempotencyTTL overrides how long creation responses are cached.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idempotencyTTL = d
		}
	}
}

func WithNotifier(n ChangeNotifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithBaseURL sets the prefix used for order and order item ids.
func WithBaseURL(u string) Option {
	return func(e *Engine) { e.baseURL = u }
}

// WithLeasing selects the quote stages that hold capacity and for how long.
func WithLeasing(atC1, atC2 bool, d time.Duration) Option {
	return func(e *Engine) {
		e.leaseAtC1, e.leaseAtC2 = atC1, atC2
		if d > 0 {
			e.leaseDuration = d
		}
	}
}

func WithTaxSettings(t TaxSettings) Option {
	return func(e *Engine) { e.tax = t }
}

func NewEngine(orders OrderStore, router *Router, g Gate, opts ...Option) *Engine {
	e := &Engine{
		orders:         orders,
		router:         router,
		gate:           g,
		notifier:       nopNotifier{},
		clock:          clock.NewSystem(),
		log:            zerolog.Nop(),
		tracer:         otel.Tracer("github.com/cimillas/bookingflow/internal/booking"),
		leaseDuration:  defaultLeaseDuration,
		leaseAtC1:      true,
		leaseAtC2:      true,
		idempotencyTTL: defaultIdempotencyTTL,
		tax:            TaxSettings{B2B: domain.TaxModeNet, B2C: domain.TaxModeGross},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessFlowRequest runs one C1, C2, P or B request.
func (e *Engine) ProcessFlowRequest(ctx context.Context, req FlowRequest) (resp *Response, err error) {
	switch req.Stage {
	case domain.StageC1, domain.StageC2, domain.StageP, domain.StageB:
	default:
		return nil, domain.NewError(domain.KindInvalidRequest, "%q is not a booking flow stage", req.Stage)
	}

	ctx, span := e.tracer.Start(ctx, "booking.flow", trace.WithAttributes(
		attribute.String("booking.stage", string(req.Stage)),
		attribute.String("booking.order", req.Identity.Key()),
	))
	start := time.Now()
	defer func() { e.observe(span, req.Stage, start, resp, err) }()

	flow, err := newFlowContext(req, e.tax)
	if err != nil {
		return nil, err
	}

	guard, err := e.gate.Acquire(ctx, req.Identity.Key())
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	var cacheKey string
	if e.idem != nil && (req.Stage == domain.StageP || req.Stage == domain.StageB) {
		cacheKey = idempotency.Key(req.Identity, req.Stage, req.IdempotencyKey, req.Body)
		if cached, ok := e.cached(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	if req.Stage == domain.StageB && flow.ProposalVersion != "" {
		resp, err = e.bookFromProposal(ctx, flow)
	} else {
		resp, err = e.process(ctx, flow, req.Order)
	}
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusCreated {
		body, err := json.Marshal(resp.Order)
		if err != nil {
			return nil, fmt.Errorf("marshal response: %w", err)
		}
		resp.Body = body
		if cacheKey != "" {
			if err := e.idem.Put(ctx, cacheKey, body, e.idempotencyTTL); err != nil {
				e.log.Warn().Err(err).Str("order", req.Identity.Key()).Msg("cache creation response")
			}
		}
	}
	return resp, nil
}

func (e *Engine) cached(ctx context.Context, key string) (*Response, bool) {
	body, ok, err := e.idem.Get(ctx, key)
	if err != nil {
		e.log.Warn().Err(err).Msg("idempotency lookup failed")
		metrics.IdempotencyLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	if !ok {
		metrics.IdempotencyLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.IdempotencyLookups.WithLabelValues("hit").Inc()
	return &Response{Body: body, Status: http.StatusCreated, Cached: true}, true
}

func (e *Engine) process(ctx context.Context, flow *FlowContext, req *domain.Order) (*Response, error) {
	items := e.itemContexts(req.OrderedItems)
	if err := e.resolve(ctx, flow, items); err != nil {
		return nil, err
	}
	flagIncompatiblePrepayment(items)
	if flow.Stage == domain.StageB {
		flagRequiresApproval(items)
	}

	switch flow.Stage.ResponseType() {
	case domain.OrderTypeQuote:
		return e.processQuote(ctx, flow, items)
	case domain.OrderTypeProposal:
		return e.processProposal(ctx, flow, req.TotalPaymentDue, items)
	default:
		return e.processOrder(ctx, flow, req.TotalPaymentDue, items)
	}
}

// itemContexts builds one context per requested item. Items that cannot be
// routed become skeletons and are never dispatched to a store.
func (e *Engine) itemContexts(requested []domain.OrderItem) []*OrderItemContext {
	items := make([]*OrderItemContext, len(requested))
	for i, item := range requested {
		c := newItemContext(i, item)
		items[i] = c
		if item.OrderedItem == "" || item.AcceptedOffer == "" {
			c.SetResponseOrderItemAsSkeleton()
			c.AddError(domain.KindIncompleteOrderItem, "orderedItem and acceptedOffer are required")
			continue
		}
		ids, ok := e.router.Resolve(item.OrderedItem, item.AcceptedOffer)
		if !ok {
			c.SetResponseOrderItemAsSkeleton()
			c.AddError(domain.KindInvalidOpportunityOrOfferID, "orderedItem or acceptedOffer does not match a known id template")
			continue
		}
		c.IDs = ids
	}
	return items
}

// resolve calls GetOrderItems for every opportunity type concurrently and
// checks that each store honored its contract.
func (e *Engine) resolve(ctx context.Context, flow *FlowContext, items []*OrderItemContext) error {
	var (
		mu        sync.Mutex
		recovered any
	)
	g, gctx := errgroup.WithContext(ctx)
	for t, group := range e.router.group(items) {
		store, _ := e.router.Store(t)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if recovered == nil {
						recovered = r
					}
					mu.Unlock()
					err = fmt.Errorf("%s store panicked", t)
				}
			}()
			return store.GetOrderItems(gctx, group, flow)
		})
	}
	err := g.Wait()
	if recovered != nil {
		panic(recovered)
	}
	if err != nil {
		return err
	}

	for _, c := range items {
		if c.ResponseItem == nil {
			violation("%s store did not set a response item for position %d", c.IDs.OpportunityType, c.Index)
		}
		if c.Skeleton || c.HasErrors() {
			continue
		}
		if c.ResponseItem.Offer == nil || c.ResponseItem.Offer.Currency == "" {
			violation("%s store returned position %d without price and currency", c.IDs.OpportunityType, c.Index)
		}
	}
	return nil
}

// eachStore runs cleanup and then op for every registered store, including
// stores no item refers to, so stale holds from earlier calls are released.
func (e *Engine) eachStore(ctx context.Context, flow *FlowContext, items []*OrderItemContext, op func(OpportunityStore, []*OrderItemContext) error) error {
	groups := e.router.group(items)
	for _, t := range e.router.Types() {
		store, _ := e.router.Store(t)
		group := groups[t]
		if err := store.CleanupOrderItems(ctx, group, flow); err != nil {
			return fmt.Errorf("cleanup %s items: %w", t, err)
		}
		if op == nil || len(group) == 0 {
			continue
		}
		if err := op(store, group); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) leasesAt(stage domain.FlowStage) bool {
	return (stage == domain.StageC1 && e.leaseAtC1) || (stage == domain.StageC2 && e.leaseAtC2)
}

func (e *Engine) processQuote(ctx context.Context, flow *FlowContext, items []*OrderItemContext) (*Response, error) {
	var lease *domain.Lease
	if e.leasesAt(flow.Stage) {
		lease = &domain.Lease{Expires: e.clock.Now().Add(e.leaseDuration)}
	}

	var quote *domain.Order
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		if lease != nil {
			if err := e.orders.CreateLease(ctx, flow, lease); err != nil {
				return err
			}
		}
		var op func(OpportunityStore, []*OrderItemContext) error
		if lease != nil {
			op = func(s OpportunityStore, group []*OrderItemContext) error {
				return s.LeaseOrderItems(ctx, lease, group, flow)
			}
		}
		if err := e.eachStore(ctx, flow, items, op); err != nil {
			return err
		}

		quote = e.buildOrder(flow, domain.OrderTypeQuote, items)
		quote.OrderRequiresApproval = requiresApproval(items)
		if lease == nil {
			return nil
		}
		expires := lease.Expires
		quote.LeaseExpires = &expires
		return e.orders.UpdateLease(ctx, flow, lease, quote)
	})
	if err != nil {
		return nil, err
	}
	if lease != nil {
		e.notifier.Notify(ctx, e.opportunityFeeds(items)...)
	}

	status := http.StatusOK
	if quote.HasItemErrors() {
		status = http.StatusConflict
	}
	e.log.Debug().Str("stage", string(flow.Stage)).Str("order", flow.Identity.Key()).
		Bool("leased", lease != nil).Int("status", status).Msg("quote processed")
	return &Response{Order: quote, Status: status}, nil
}

func (e *Engine) processProposal(ctx context.Context, flow *FlowContext, declared *domain.PriceSpecification, items []*OrderItemContext) (*Response, error) {
	draft := e.buildOrder(flow, domain.OrderTypeProposal, items)
	if err := checkIntegrity(flow, declared, draft, items); err != nil {
		return e.rejected(flow, domain.OrderTypeProposal, items, err)
	}

	var proposal *domain.Order
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		version, err := e.orders.CreateOrderProposal(ctx, flow, draft)
		if err != nil {
			return err
		}
		err = e.eachStore(ctx, flow, items, func(s OpportunityStore, group []*OrderItemContext) error {
			return s.ProposeOrderItems(ctx, group, flow)
		})
		if err != nil {
			return err
		}
		requireOrderItemIDs(items)

		proposal = e.buildOrder(flow, domain.OrderTypeProposal, items)
		proposal.OrderProposalVersion = version
		proposal.OrderProposalStatus = domain.ProposalStatusAwaitingSellerConfirmation
		proposal.OrderRequiresApproval = true
		if err := checkIntegrity(flow, declared, proposal, items); err != nil {
			return err
		}
		return e.orders.UpdateOrderProposal(ctx, flow, proposal)
	})
	if err != nil {
		return e.rejected(flow, domain.OrderTypeProposal, items, err)
	}

	e.notifier.Notify(ctx, append(e.opportunityFeeds(items), FeedOrderProposals)...)
	e.log.Info().Str("order", flow.Identity.Key()).Str("version", proposal.OrderProposalVersion).Msg("order proposal created")
	return &Response{Order: proposal, Status: http.StatusCreated}, nil
}

func (e *Engine) processOrder(ctx context.Context, flow *FlowContext, declared *domain.PriceSpecification, items []*OrderItemContext) (*Response, error) {
	draft := e.buildOrder(flow, domain.OrderTypeOrder, items)
	if err := checkIntegrity(flow, declared, draft, items); err != nil {
		return e.rejected(flow, domain.OrderTypeOrder, items, err)
	}

	var order *domain.Order
	err := e.orders.WithTx(ctx, func(ctx context.Context) error {
		if err := e.orders.CreateOrder(ctx, flow, draft); err != nil {
			return err
		}
		err := e.eachStore(ctx, flow, items, func(s OpportunityStore, group []*OrderItemContext) error {
			return s.BookOrderItems(ctx, group, flow)
		})
		if err != nil {
			return err
		}
		requireOrderItemIDs(items)
		for _, c := range items {
			if c.OrderItemID != "" && !c.HasErrors() {
				c.Status = domain.OrderItemStatusConfirmed
			}
		}

		order = e.buildOrder(flow, domain.OrderTypeOrder, items)
		if err := checkIntegrity(flow, declared, order, items); err != nil {
			return err
		}
		return e.orders.UpdateOrder(ctx, flow, order)
	})
	if err != nil {
		return e.rejected(flow, domain.OrderTypeOrder, items, err)
	}

	e.notifier.Notify(ctx, append(e.opportunityFeeds(items), FeedOrders)...)
	e.log.Info().Str("order", flow.Identity.Key()).Int("items", len(items)).Msg("order booked")
	return &Response{Order: order, Status: http.StatusCreated}, nil
}

// rejected turns a silent rollback into a conflict response and passes other errors through.
func (e *Engine) rejected(flow *FlowContext, t domain.OrderType, items []*OrderItemContext, err error) (*Response, error) {
	if !errors.Is(err, errSilentRollback) {
		return nil, err
	}
	for _, c := range items {
		c.OrderItemID = ""
		c.Status = domain.OrderItemStatusNone
	}
	e.log.Debug().Str("stage", string(flow.Stage)).Str("order", flow.Identity.Key()).Msg("rolled back on item errors")
	return &Response{Order: e.buildOrder(flow, t, items), Status: http.StatusConflict}, nil
}

func requireOrderItemIDs(items []*OrderItemContext) {
	for _, c := range items {
		if c.Skeleton || c.HasErrors() {
			continue
		}
		if c.OrderItemID == "" {
			violation("%s store did not assign an order item id to position %d", c.IDs.OpportunityType, c.Index)
		}
	}
}

func requiresApproval(items []*OrderItemContext) bool {
	for _, c := range items {
		if c.RequiresApproval {
			return true
		}
	}
	return false
}

// buildOrder assembles the response document from the item contexts in request order.
func (e *Engine) buildOrder(flow *FlowContext, t domain.OrderType, items []*OrderItemContext) *domain.Order {
	sortByIndex(items)
	o := &domain.Order{
		Type:         t,
		ID:           e.orderURL(t, flow.Identity.UUID),
		Seller:       &domain.Seller{ID: flow.SellerID},
		Broker:       flow.Broker,
		BrokerRole:   flow.BrokerRole,
		Customer:     flow.Customer,
		Payment:      flow.Payment,
		OrderedItems: make([]domain.OrderItem, 0, len(items)),
	}
	for _, c := range items {
		o.OrderedItems = append(o.OrderedItems, e.responseItem(flow, c))
	}
	applyTotals(o, flow.TaxMode)
	return o
}

func (e *Engine) responseItem(flow *FlowContext, c *OrderItemContext) domain.OrderItem {
	item := c.RequestItem
	if c.ResponseItem != nil {
		item = *c.ResponseItem
	}
	item.Position = c.Index
	if item.OrderedItem == "" {
		item.OrderedItem = c.RequestItem.OrderedItem
	}
	if item.AcceptedOffer == "" {
		item.AcceptedOffer = c.RequestItem.AcceptedOffer
	}
	item.ID = ""
	if c.OrderItemID != "" {
		item.ID = e.orderItemURL(flow.Identity.UUID, c.OrderItemID)
	}
	item.Status = c.Status
	item.UnitTaxSpecification = nil
	item.Errors = nil
	if len(c.Errors) > 0 {
		item.Errors = append([]domain.ItemError(nil), c.Errors...)
	}
	return item
}

func (e *Engine) orderURL(t domain.OrderType, uuid string) string {
	switch t {
	case domain.OrderTypeQuote:
		return e.baseURL + "/order-quotes/" + uuid
	case domain.OrderTypeProposal:
		return e.baseURL + "/order-proposals/" + uuid
	default:
		return e.baseURL + "/orders/" + uuid
	}
}

func (e *Engine) orderItemURL(uuid, itemID string) string {
	return e.baseURL + "/orders/" + uuid + "#/orderedItems/" + itemID
}

func (e *Engine) opportunityFeeds(items []*OrderItemContext) []string {
	seen := map[string]bool{}
	var feeds []string
	for _, c := range items {
		if c.Skeleton {
			continue
		}
		if f := e.router.Feed(c.IDs.OpportunityType); f != "" && !seen[f] {
			seen[f] = true
			feeds = append(feeds, f)
		}
	}
	return feeds
}

func (e *Engine) observe(span trace.Span, stage domain.FlowStage, start time.Time, resp *Response, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp == nil:
		outcome = metrics.OutcomeError
	case resp.Cached:
		outcome = metrics.OutcomeCached
	case resp.Conflict():
		outcome = metrics.OutcomeConflict
	}
	if resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	}
	metrics.FlowRequests.WithLabelValues(string(stage), outcome).Inc()
	metrics.FlowDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	span.End()
}
