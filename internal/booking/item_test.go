package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/bookingflow/internal/domain"
)

func contexts(n int) []*OrderItemContext {
	out := make([]*OrderItemContext, n)
	for i := range out {
		out[i] = newItemContext(i, domain.OrderItem{})
	}
	return out
}

func kinds(items []*OrderItemContext) []domain.Kind {
	out := make([]domain.Kind, len(items))
	for i, c := range items {
		if len(c.Errors) > 0 {
			out[i] = c.Errors[0].Kind
		}
	}
	return out
}

func TestAssignCapacityErrors(t *testing.T) {
	tests := []struct {
		name      string
		items     int
		available int
		want      []domain.Kind
	}{
		{name: "fits", items: 2, available: 2, want: []domain.Kind{"", ""}},
		{
			name: "overflow rejects later items", items: 4, available: 2,
			want: []domain.Kind{"", "", domain.KindOpportunityHasInsufficientCapacity, domain.KindOpportunityHasInsufficientCapacity},
		},
		{
			name: "full", items: 2, available: 0,
			want: []domain.Kind{domain.KindOpportunityIsFull, domain.KindOpportunityIsFull},
		},
		{
			name: "negative availability", items: 1, available: -3,
			want: []domain.Kind{domain.KindOpportunityIsFull},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := contexts(tt.items)
			AssignCapacityErrors(items, tt.available)
			assert.Equal(t, tt.want, kinds(items))
		})
	}
}

func TestAssignLeaseErrors(t *testing.T) {
	items := contexts(5)
	AssignLeaseErrors(items, 1, 2)
	assert.Equal(t, []domain.Kind{
		"",
		"",
		domain.KindOpportunityCapacityIsReservedByLease,
		domain.KindOpportunityCapacityIsReservedByLease,
		domain.KindOpportunityHasInsufficientCapacity,
	}, kinds(items))
}

func TestSetResponseOrderItemTwicePanics(t *testing.T) {
	c := newItemContext(0, domain.OrderItem{})
	c.SetResponseOrderItem(domain.OrderItem{}, false)
	assert.PanicsWithError(t, "internal library configuration error: response item for position 0 set twice", func() {
		c.SetResponseOrderItem(domain.OrderItem{}, false)
	})
}

func TestSetOrderItemIDRejectsEmpty(t *testing.T) {
	c := newItemContext(3, domain.OrderItem{})
	assert.Panics(t, func() { c.SetOrderItemID("") })
	c.SetOrderItemID("abc")
	assert.Equal(t, "abc", c.OrderItemID)
}

func TestSkeletonEchoesRequest(t *testing.T) {
	c := newItemContext(1, domain.OrderItem{OrderedItem: "a", AcceptedOffer: "b", Status: domain.OrderItemStatusConfirmed})
	c.SetResponseOrderItemAsSkeleton()
	require.NotNil(t, c.ResponseItem)
	assert.True(t, c.Skeleton)
	assert.Equal(t, domain.OrderItem{OrderedItem: "a", AcceptedOffer: "b"}, *c.ResponseItem)
	_, _, ok := c.Price()
	assert.False(t, ok)
}

func TestSortByIndex(t *testing.T) {
	items := []*OrderItemContext{{Index: 2}, {Index: 0}, {Index: 1}}
	sortByIndex(items)
	for i, c := range items {
		assert.Equal(t, i, c.Index)
	}
}
