package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/feed"
	"github.com/cimillas/bookingflow/internal/gate"
	"github.com/cimillas/bookingflow/internal/idempotency"
	"github.com/cimillas/bookingflow/internal/inventory"
	"github.com/cimillas/bookingflow/internal/storage/memory"
)

const (
	testBaseURL  = "https://booking.example.com/api"
	testClientID = "client-1"
	testSellerID = "seller-1"
)

type testServer struct {
	handler http.Handler
	clock   *clock.Manual
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New(clk)

	router, err := booking.NewRouter(booking.Route{
		Type:                domain.OpportunityTypeScheduledSession,
		OpportunityTemplate: testBaseURL + "/scheduled-sessions/{sessionId}",
		OfferTemplate:       testBaseURL + "/scheduled-sessions/{sessionId}#/offers/{offerId}",
		UnitVar:             "sessionId",
		OfferVar:            "offerId",
		Feed:                "scheduled-sessions",
		Store:               inventory.NewStore(domain.OpportunityTypeScheduledSession, store, inventory.WithClock(clk)),
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	eng := booking.NewEngine(store, router, gate.New(),
		booking.WithClock(clk),
		booking.WithBaseURL(testBaseURL),
		booking.WithIdempotencyStore(idempotency.NewMemory(clk)),
	)
	feeds := feed.NewRegistry(
		feed.NewModifiedIDGenerator("scheduled-sessions", store.OpportunityFeed(domain.OpportunityTypeScheduledSession), feed.WithClock(clk)),
		feed.NewChangeNumberGenerator("scheduled-sessions-cn", store.OpportunityFeed(domain.OpportunityTypeScheduledSession), feed.WithClock(clk)),
		feed.NewModifiedIDGenerator(booking.FeedOrders, store.OrdersFeed(domain.OrderModeBooking), feed.WithClock(clk), feed.PerClient()),
	)

	return &testServer{
		handler: NewRouter(Options{Engine: eng, Feeds: feeds, Logger: zerolog.Nop(), TestInterface: true}),
		clock:   clk,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(headerClientID, testClientID)
	req.Header.Set(headerSellerID, testSellerID)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createSession(t *testing.T, id string, capacity int) *booking.TestOpportunity {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/test-interface/datasets/ds-1/opportunities", map[string]any{
		"id":                      id,
		"type":                    domain.OpportunityTypeScheduledSession,
		"sellerId":                testSellerID,
		"name":                    "Morning Yoga",
		"maximumAttendeeCapacity": capacity,
		"offers":                  []map[string]any{{"id": "free", "price": 0, "priceCurrency": "GBP"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating session, got %d: %s", rec.Code, rec.Body.String())
	}
	var opp booking.TestOpportunity
	if err := json.Unmarshal(rec.Body.Bytes(), &opp); err != nil {
		t.Fatalf("decode opportunity: %v", err)
	}
	return &opp
}

func orderBody(t domain.OrderType, opp *booking.TestOpportunity, withTotal bool) *domain.Order {
	o := &domain.Order{
		Type:       t,
		Seller:     &domain.Seller{ID: testSellerID},
		BrokerRole: domain.BrokerRoleNone,
		Customer:   &domain.Customer{Type: domain.CustomerTypePerson, Email: "ada@example.com", GivenName: "Ada", FamilyName: "Lovelace"},
		OrderedItems: []domain.OrderItem{
			{OrderedItem: opp.OrderedItem, AcceptedOffer: opp.AcceptedOffer[0]},
		},
	}
	if withTotal {
		o.TotalPaymentDue = &domain.PriceSpecification{Price: 0, Currency: "GBP"}
	}
	return o
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestQuoteBookAndStatus(t *testing.T) {
	s := newTestServer(t)
	opp := s.createSession(t, "session-1", 2)

	rec := s.do(t, http.MethodPut, "/order-quotes/o-1", orderBody(domain.OrderTypeQuote, opp, false))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for C2, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != contentType {
		t.Fatalf("expected content type %q, got %q", contentType, ct)
	}

	booked := s.do(t, http.MethodPut, "/orders/o-1", orderBody(domain.OrderTypeOrder, opp, true))
	if booked.Code != http.StatusCreated {
		t.Fatalf("expected 201 for B, got %d: %s", booked.Code, booked.Body.String())
	}
	var order domain.Order
	if err := json.Unmarshal(booked.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if len(order.OrderedItems) != 1 || order.OrderedItems[0].Status != domain.OrderItemStatusConfirmed {
		t.Fatalf("expected one confirmed item, got %+v", order.OrderedItems)
	}

	retry := s.do(t, http.MethodPut, "/orders/o-1", orderBody(domain.OrderTypeOrder, opp, true))
	if retry.Code != http.StatusCreated || !bytes.Equal(retry.Body.Bytes(), booked.Body.Bytes()) {
		t.Fatalf("expected identical retry response, got %d: %s", retry.Code, retry.Body.String())
	}

	status := s.do(t, http.MethodGet, "/orders/o-1", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200 for status, got %d: %s", status.Code, status.Body.String())
	}
}

func TestFullSessionConflicts(t *testing.T) {
	s := newTestServer(t)
	opp := s.createSession(t, "session-2", 1)

	if rec := s.do(t, http.MethodPut, "/orders/o-1", orderBody(domain.OrderTypeOrder, opp, true)); rec.Code != http.StatusCreated {
		t.Fatalf("expected first booking to succeed, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodPut, "/order-quotes/o-2", orderBody(domain.OrderTypeQuote, opp, false))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a full session, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), string(domain.KindOpportunityIsFull)) {
		t.Fatalf("expected an item error, got %s", rec.Body.String())
	}
}

func TestOrderDeletion(t *testing.T) {
	s := newTestServer(t)
	opp := s.createSession(t, "session-3", 2)
	s.do(t, http.MethodPut, "/orders/o-1", orderBody(domain.OrderTypeOrder, opp, true))

	if rec := s.do(t, http.MethodDelete, "/orders/o-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodDelete, "/orders/o-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Type; got != domain.KindUnknownOrder {
		t.Fatalf("expected %s, got %s", domain.KindUnknownOrder, got)
	}
}

func TestQuoteDeletionIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	opp := s.createSession(t, "session-4", 2)
	s.do(t, http.MethodPut, "/order-quotes/o-1", orderBody(domain.OrderTypeQuote, opp, false))

	for i := 0; i < 2; i++ {
		if rec := s.do(t, http.MethodDelete, "/order-quotes/o-1", nil); rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204 on delete %d, got %d", i+1, rec.Code)
		}
	}
}

func TestPatchOrderRejectsOtherProperties(t *testing.T) {
	s := newTestServer(t)
	opp := s.createSession(t, "session-5", 2)
	s.do(t, http.MethodPut, "/orders/o-1", orderBody(domain.OrderTypeOrder, opp, true))

	rec := s.do(t, http.MethodPatch, "/orders/o-1", map[string]any{
		"type":                "Order",
		"orderProposalStatus": "CustomerRejected",
		"orderedItem":         []map[string]any{{"id": "x", "orderItemStatus": "CustomerCancelled"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeError(t, rec).Type; got != domain.KindPatchNotAllowed {
		t.Fatalf("expected %s, got %s", domain.KindPatchNotAllowed, got)
	}
}

func TestFeedPaging(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t, "session-6", 2)
	s.createSession(t, "session-7", 3)

	rec := s.do(t, http.MethodGet, "/feeds/scheduled-sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page rpdePage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected recent changes to be held back, got %d items", len(page.Items))
	}
	if page.Next != "/feeds/scheduled-sessions?" {
		t.Fatalf("expected an empty page to keep its cursor, got %q", page.Next)
	}

	s.clock.Advance(3 * time.Second)
	rec = s.do(t, http.MethodGet, "/feeds/scheduled-sessions", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if !strings.Contains(page.Next, "afterTimestamp=") || !strings.Contains(page.Next, "afterId="+page.Items[1].ID) {
		t.Fatalf("expected next link after the last item, got %q", page.Next)
	}

	rec = s.do(t, http.MethodGet, page.Next, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected the feed to be caught up, got %d items", len(page.Items))
	}

	rec = s.do(t, http.MethodGet, "/feeds/scheduled-sessions-cn?afterChangeNumber=1", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 1 || !strings.Contains(page.Next, "afterChangeNumber=") {
		t.Fatalf("expected one item after change 1, got %d (%q)", len(page.Items), page.Next)
	}
}

func TestFeedErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		status int
		kind   domain.Kind
	}{
		{name: "unknown feed", path: "/feeds/nope", status: http.StatusNotFound, kind: domain.KindUnknownFeed},
		{name: "bad timestamp", path: "/feeds/scheduled-sessions?afterTimestamp=abc", status: http.StatusBadRequest, kind: domain.KindInvalidFeedCursor},
		{name: "id without timestamp", path: "/feeds/scheduled-sessions?afterId=x", status: http.StatusBadRequest, kind: domain.KindInvalidFeedCursor},
		{name: "bad change number", path: "/feeds/scheduled-sessions-cn?afterChangeNumber=-1", status: http.StatusBadRequest, kind: domain.KindInvalidFeedCursor},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tc.path, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Type; got != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, got)
			}
		})
	}
}

func TestMissingCallerHeaders(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/orders/o-1", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Type; got != domain.KindInvalidAuthorizationDetails {
		t.Fatalf("expected %s, got %s", domain.KindInvalidAuthorizationDetails, got)
	}
}

func TestInvalidBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/orders/o-1", strings.NewReader(`{"type":`))
	req.Header.Set(headerClientID, testClientID)
	req.Header.Set(headerSellerID, testSellerID)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Type; got != domain.KindInvalidRequest {
		t.Fatalf("expected %s, got %s", domain.KindInvalidRequest, got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/orders/o-1", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Type; got != domain.KindMethodNotAllowed {
		t.Fatalf("expected %s, got %s", domain.KindMethodNotAllowed, got)
	}
}

func TestTestInterfaceActions(t *testing.T) {
	s := newTestServer(t)
	opp := s.createSession(t, "session-8", 2)
	s.do(t, http.MethodPut, "/orders/o-1", orderBody(domain.OrderTypeOrder, opp, true))

	rec := s.do(t, http.MethodPost, "/test-interface/actions", map[string]any{
		"type":       booking.ActionSellerRequestedCancellation,
		"objectType": "Order",
		"objectId":   testBaseURL + "/orders/o-1",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/test-interface/actions", map[string]any{
		"type":       booking.ActionChangeOfLogisticsName,
		"objectType": "ScheduledSession",
		"objectId":   opp.OrderedItem,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/test-interface/actions", map[string]any{"type": "test:Unknown", "objectId": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported action, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/test-interface/datasets/ds-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting dataset, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPut, "/order-quotes/o-2", orderBody(domain.OrderTypeQuote, opp, false))
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), string(domain.KindUnknownOpportunity)) {
		t.Fatalf("expected the deleted session to be unknown, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTestInterfaceDisabled(t *testing.T) {
	h := NewRouter(Options{Logger: zerolog.Nop()})
	req := httptest.NewRequest(http.MethodDelete, "/test-interface/datasets/ds-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
