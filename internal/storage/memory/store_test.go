package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/feed"
	"github.com/cimillas/bookingflow/internal/inventory"
)

const seller = "seller-1"

func newStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(clk), clk
}

func seed(t *testing.T, s *Store, id string, capacity int) {
	t.Helper()
	_, err := s.CreateTestOpportunity(context.Background(), "ds", domain.Opportunity{
		ID:            id,
		Type:          domain.OpportunityTypeScheduledSession,
		SellerID:      seller,
		TotalCapacity: capacity,
		Offers:        []domain.Offer{{ID: "o1", Currency: "GBP"}},
	})
	require.NoError(t, err)
}

func identity(uuid string) domain.OrderIdentity {
	return domain.OrderIdentity{ClientID: "client-1", OrderType: domain.OrderTypeQuote, UUID: uuid}
}

func flowFor(uuid string) *booking.FlowContext {
	return &booking.FlowContext{Stage: domain.StageC2, Identity: identity(uuid), SellerID: seller}
}

func unitRequest(uuid, unit string, n int, status domain.OrderItemStatus) inventory.UnitRequest {
	req := inventory.UnitRequest{
		Order:           identity(uuid),
		SellerID:        seller,
		OpportunityType: domain.OpportunityTypeScheduledSession,
		OpportunityID:   unit,
		Status:          status,
	}
	for i := 0; i < n; i++ {
		req.Items = append(req.Items, inventory.UnitItem{OfferID: "o1", Currency: "GBP"})
	}
	return req
}

// lease creates a lease row for uuid and holds n spaces on unit.
func lease(t *testing.T, s *Store, uuid, unit string, n int) inventory.LeaseResult {
	t.Helper()
	var res inventory.LeaseResult
	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		if err := s.CreateLease(ctx, flowFor(uuid), &domain.Lease{Expires: s.clock.Now().Add(time.Minute)}); err != nil {
			return err
		}
		var err error
		res, err = s.LeaseUnit(ctx, unitRequest(uuid, unit, n, domain.OrderItemStatusNone))
		return err
	})
	require.NoError(t, err)
	return res
}

func TestLeaseReplacesOwnHolds(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s, "u1", 5)

	assert.Equal(t, inventory.OutcomeSuccess, lease(t, s, "a", "u1", 3).Outcome)
	assert.Equal(t, inventory.OutcomeSuccess, lease(t, s, "a", "u1", 4).Outcome)
	opp, _ := s.Opportunity(domain.OpportunityTypeScheduledSession, "u1")
	assert.Equal(t, 4, opp.LeasedCapacity)

	res := lease(t, s, "b", "u1", 2)
	assert.Equal(t, inventory.LeaseResult{Outcome: inventory.OutcomeInsufficientCapacity, LeaseConflicts: 1}, res)

	seen, err := s.GetOpportunity(context.Background(), domain.OpportunityTypeScheduledSession, "u1", identity("a"))
	require.NoError(t, err)
	assert.Equal(t, 0, seen.LeasedCapacity, "own holds are excluded")
}

func TestWithTxRollsBack(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s, "u1", 5)
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		if err := s.CreateLease(ctx, flowFor("a"), &domain.Lease{Expires: s.clock.Now()}); err != nil {
			return err
		}
		if _, err := s.LeaseUnit(ctx, unitRequest("a", "u1", 2, domain.OrderItemStatusNone)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	opp, _ := s.Opportunity(domain.OpportunityTypeScheduledSession, "u1")
	assert.Equal(t, 0, opp.LeasedCapacity)
	_, err = s.GetOrderStatus(context.Background(), identity("a"), seller)
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)

	assert.Panics(t, func() {
		_ = s.WithTx(context.Background(), func(ctx context.Context) error {
			_ = s.CreateLease(ctx, flowFor("b"), &domain.Lease{Expires: s.clock.Now()})
			panic("store bug")
		})
	})
	_, err = s.GetOrderStatus(context.Background(), identity("b"), seller)
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
}

func TestBookCountsProposalHoldsAsOwn(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s, "u1", 2)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context) error {
		flow := flowFor("p")
		flow.Stage = domain.StageP
		if _, err := s.CreateOrderProposal(ctx, flow, &domain.Order{}); err != nil {
			return err
		}
		res, err := s.BookUnit(ctx, unitRequest("p", "u1", 2, domain.OrderItemStatusProposed))
		require.Equal(t, inventory.OutcomeSuccess, res.Outcome)
		return err
	})
	require.NoError(t, err)

	res := lease(t, s, "q", "u1", 1)
	assert.Equal(t, inventory.OutcomeInsufficientCapacity, res.Outcome, "proposal holds block other orders")

	require.NoError(t, s.CustomerRejectOrderProposal(ctx, identity("p"), seller))
	opp, _ := s.Opportunity(domain.OpportunityTypeScheduledSession, "u1")
	assert.Equal(t, 0, opp.LeasedCapacity)
	assert.Equal(t, 2, opp.RemainingCapacity)
}

func TestOpportunityFeedFollowsCapacity(t *testing.T) {
	s, clk := newStore(t)
	seed(t, s, "u1", 5)
	src := s.OpportunityFeed(domain.OpportunityTypeScheduledSession)
	all := feed.Query{Before: clk.Now().Add(time.Hour).UnixNano(), Limit: 10}

	items, err := src.ItemsAfterModified(context.Background(), all)
	require.NoError(t, err)
	require.Len(t, items, 1)
	first := items[0]

	clk.Advance(time.Second)
	lease(t, s, "a", "u1", 1)
	items, err = src.ItemsAfterChangeNumber(context.Background(), feed.Query{AfterChangeNumber: first.ChangeNumber, Before: all.Before, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, items, "a lease leaves remaining capacity unchanged")

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context) error {
		flow := flowFor("a")
		if err := s.CreateOrder(ctx, flow, &domain.Order{}); err != nil {
			return err
		}
		_, err := s.BookUnit(ctx, unitRequest("a", "u1", 1, domain.OrderItemStatusConfirmed))
		return err
	}))
	items, err = src.ItemsAfterChangeNumber(context.Background(), feed.Query{AfterChangeNumber: first.ChangeNumber, Before: all.Before, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Greater(t, items[0].Modified, first.Modified)

	var opp domain.Opportunity
	require.NoError(t, json.Unmarshal(items[0].Data, &opp))
	assert.Equal(t, 4, opp.RemainingCapacity)

	require.NoError(t, s.DeleteTestDataset(context.Background(), domain.OpportunityTypeScheduledSession, "ds"))
	items, err = src.ItemsAfterModified(context.Background(), all)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.FeedStateDeleted, items[0].State)
	assert.Nil(t, items[0].Data)
}

func TestOrdersFeedVisibility(t *testing.T) {
	s, clk := newStore(t)
	seed(t, s, "u1", 5)
	ctx := context.Background()
	src := s.OrdersFeed(domain.OrderModeBooking)
	q := func(client string) feed.Query {
		return feed.Query{Before: clk.Now().Add(time.Hour).UnixNano(), Limit: 10, ClientID: client}
	}

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.CreateOrder(ctx, flowFor("a"), &domain.Order{}); err != nil {
			return err
		}
		_, err := s.BookUnit(ctx, unitRequest("a", "u1", 1, domain.OrderItemStatusConfirmed))
		return err
	}))
	items, err := src.ItemsAfterModified(ctx, q("client-1"))
	require.NoError(t, err)
	assert.Empty(t, items, "orders created by the client are not echoed back")

	require.NoError(t, s.TriggerTestAction(ctx, booking.TestAction{
		Type: booking.ActionSellerRequestedCancellation, Order: identity("a"), SellerID: seller,
	}))
	items, err = src.ItemsAfterModified(ctx, q("CLIENT-1"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	var o domain.Order
	require.NoError(t, json.Unmarshal(items[0].Data, &o))
	require.Len(t, o.OrderedItems, 1)
	assert.Equal(t, domain.OrderItemStatusSellerCancelled, o.OrderedItems[0].Status)

	items, err = src.ItemsAfterModified(ctx, q("client-2"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestModifiedIsStrictlyIncreasing(t *testing.T) {
	s, _ := newStore(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		seed(t, s, id, 1)
	}
	items, err := s.OpportunityFeed(domain.OpportunityTypeScheduledSession).ItemsAfterModified(context.Background(),
		feed.Query{Before: 1 << 62, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Greater(t, items[i].Modified, items[i-1].Modified)
		assert.Greater(t, items[i].ChangeNumber, items[i-1].ChangeNumber)
	}
}

func TestExpiredLeasesAndPurge(t *testing.T) {
	s, clk := newStore(t)
	seed(t, s, "u1", 5)
	lease(t, s, "a", "u1", 2)

	n, err := s.DeleteExpiredLeases(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(time.Minute)
	n, err = s.DeleteExpiredLeases(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	opp, _ := s.Opportunity(domain.OpportunityTypeScheduledSession, "u1")
	assert.Equal(t, 0, opp.LeasedCapacity)

	require.NoError(t, s.DeleteTestDataset(context.Background(), domain.OpportunityTypeScheduledSession, "ds"))
	clk.Advance(time.Hour)
	n, err = s.PurgeDeleted(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
