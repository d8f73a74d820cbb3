package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/feed"
)

// Booker is the engine surface the routes call.
type Booker interface {
	ProcessFlowRequest(ctx context.Context, req booking.FlowRequest) (*booking.Response, error)
	ProcessGetOrderStatus(ctx context.Context, id domain.OrderIdentity, sellerID string) (*booking.Response, error)
	ProcessOrderQuoteDeletion(ctx context.Context, id domain.OrderIdentity, sellerID string) error
	ProcessOrderDeletion(ctx context.Context, id domain.OrderIdentity, sellerID string) error
	ProcessOrderUpdate(ctx context.Context, id domain.OrderIdentity, sellerID string, patch *domain.Order) error
	ProcessOrderProposalUpdate(ctx context.Context, id domain.OrderIdentity, sellerID string, patch *domain.Order) error

	TriggerTestAction(ctx context.Context, action booking.TestAction) error
	CreateTestOpportunity(ctx context.Context, datasetID string, opp domain.Opportunity) (*booking.TestOpportunity, error)
	DeleteTestDataset(ctx context.Context, datasetID string) error
}

// FeedLookup finds a change feed by name.
type FeedLookup interface {
	Get(name string) (feed.Generator, error)
}

type Options struct {
	Engine      Booker
	Feeds       FeedLookup
	Logger      zerolog.Logger
	CORSOrigins []string
	// TestInterface mounts the simulated actions and test datasets.
	TestInterface bool
	// Ready reports whether backing services are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

type handlers struct {
	engine Booker
	feeds  FeedLookup
	log    zerolog.Logger
}

// NewRouter builds the service's routes.
func NewRouter(o Options) http.Handler {
	h := &handlers{engine: o.Engine, feeds: o.Feeds, log: o.Logger}

	r := chi.NewRouter()
	r.Use(Recover(o.Logger), RequestLogger(o.Logger), CORS(o.CORSOrigins), Trace)
	r.NotFound(NotFoundHandler().ServeHTTP)
	r.MethodNotAllowed(MethodNotAllowedHandler().ServeHTTP)

	r.Get("/health", HealthHandler)
	r.Get("/ready", ReadyHandler(o.Ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Put("/order-quote-templates/{uuid}", h.flow(domain.StageC1))
	r.Route("/order-quotes/{uuid}", func(r chi.Router) {
		r.Put("/", h.flow(domain.StageC2))
		r.Delete("/", h.deleteQuote)
	})
	r.Route("/order-proposals/{uuid}", func(r chi.Router) {
		r.Put("/", h.flow(domain.StageP))
		r.Patch("/", h.patchProposal)
	})
	r.Route("/orders/{uuid}", func(r chi.Router) {
		r.Put("/", h.flow(domain.StageB))
		r.Patch("/", h.patchOrder)
		r.Delete("/", h.deleteOrder)
		r.Get("/", h.orderStatus)
	})
	r.Get("/feeds/{feed}", h.feedPage)

	if o.TestInterface {
		r.Route("/test-interface", func(r chi.Router) {
			r.Post("/actions", h.testAction)
			r.Post("/datasets/{datasetID}/opportunities", h.createTestOpportunity)
			r.Delete("/datasets/{datasetID}", h.deleteTestDataset)
		})
	}
	return r
}
