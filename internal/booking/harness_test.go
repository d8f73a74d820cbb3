package booking_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/gate"
	"github.com/cimillas/bookingflow/internal/idempotency"
	"github.com/cimillas/bookingflow/internal/inventory"
	"github.com/cimillas/bookingflow/internal/storage/memory"
)

const (
	baseURL  = "https://booking.example.com/api"
	clientID = "client-1"
	sellerID = "seller-1"
)

type harness struct {
	store  *memory.Store
	engine *booking.Engine
	clock  *clock.Manual
	idem   *idempotency.Memory
}

type storeWrapper func(domain.OpportunityType, booking.OpportunityStore) booking.OpportunityStore

func newHarness(t *testing.T, wrap storeWrapper, opts ...booking.Option) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New(clk)

	storeFor := func(typ domain.OpportunityType) booking.OpportunityStore {
		var s booking.OpportunityStore = inventory.NewStore(typ, store, inventory.WithClock(clk))
		if wrap != nil {
			s = wrap(typ, s)
		}
		return s
	}
	router, err := booking.NewRouter(
		booking.Route{
			Type:                domain.OpportunityTypeScheduledSession,
			OpportunityTemplate: baseURL + "/scheduled-sessions/{sessionId}",
			OfferTemplate:       baseURL + "/scheduled-sessions/{sessionId}#/offers/{offerId}",
			UnitVar:             "sessionId",
			OfferVar:            "offerId",
			Feed:                "scheduled-sessions",
			Store:               storeFor(domain.OpportunityTypeScheduledSession),
		},
		booking.Route{
			Type:                domain.OpportunityTypeFacilityUseSlot,
			OpportunityTemplate: baseURL + "/facility-use-slots/{slotId}",
			OfferTemplate:       baseURL + "/facility-use-slots/{slotId}#/offers/{offerId}",
			UnitVar:             "slotId",
			OfferVar:            "offerId",
			Feed:                "facility-use-slots",
			Store:               storeFor(domain.OpportunityTypeFacilityUseSlot),
		},
	)
	require.NoError(t, err)

	idem := idempotency.NewMemory(clk)
	base := []booking.Option{
		booking.WithClock(clk),
		booking.WithBaseURL(baseURL),
		booking.WithIdempotencyStore(idem),
		booking.WithTaxSettings(booking.TaxSettings{}),
	}
	eng := booking.NewEngine(store, router, gate.New(), append(base, opts...)...)
	return &harness{store: store, engine: eng, clock: clk, idem: idem}
}

func (h *harness) addOpportunity(t *testing.T, typ domain.OpportunityType, capacity int, offers ...domain.Offer) *booking.TestOpportunity {
	t.Helper()
	if len(offers) == 0 {
		offers = []domain.Offer{{Price: 0, Currency: "GBP"}}
	}
	opp, err := h.engine.CreateTestOpportunity(context.Background(), "dataset-1", domain.Opportunity{
		Type:          typ,
		SellerID:      sellerID,
		Name:          "Morning Yoga",
		TotalCapacity: capacity,
		Offers:        offers,
	})
	require.NoError(t, err)
	return opp
}

func (h *harness) unit(t *testing.T, opp *booking.TestOpportunity) domain.Opportunity {
	t.Helper()
	got, ok := h.store.Opportunity(opp.Opportunity.Type, opp.Opportunity.ID)
	require.True(t, ok)
	return got
}

func lines(opp *booking.TestOpportunity, n int) []domain.OrderItem {
	out := make([]domain.OrderItem, n)
	for i := range out {
		out[i] = domain.OrderItem{OrderedItem: opp.OrderedItem, AcceptedOffer: opp.AcceptedOffer[0]}
	}
	return out
}

func orderDoc(stage domain.FlowStage, items []domain.OrderItem, total float64) *domain.Order {
	o := &domain.Order{
		Type:       stage.ResponseType(),
		Seller:     &domain.Seller{ID: sellerID},
		BrokerRole: domain.BrokerRoleNone,
		Customer: &domain.Customer{
			Type:       domain.CustomerTypePerson,
			Email:      "ada@example.com",
			GivenName:  "Ada",
			FamilyName: "Lovelace",
		},
		OrderedItems: items,
	}
	if stage == domain.StageP || stage == domain.StageB {
		o.TotalPaymentDue = &domain.PriceSpecification{Price: total, Currency: "GBP"}
	}
	return o
}

func request(stage domain.FlowStage, orderUUID string, o *domain.Order) booking.FlowRequest {
	body, _ := json.Marshal(o)
	return booking.FlowRequest{
		Stage:    stage,
		Identity: domain.OrderIdentity{ClientID: clientID, OrderType: stage.ResponseType(), UUID: orderUUID},
		SellerID: sellerID,
		Order:    o,
		Body:     body,
	}
}

func itemErrorKinds(o *domain.Order) [][]domain.Kind {
	out := make([][]domain.Kind, len(o.OrderedItems))
	for i, item := range o.OrderedItems {
		for _, e := range item.Errors {
			out[i] = append(out[i], e.Kind)
		}
	}
	return out
}
