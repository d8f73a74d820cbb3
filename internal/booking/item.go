package booking

import (
	"sort"

	"github.com/cimillas/bookingflow/internal/domain"
)

// BookableIDs are the components parsed out of an ordered item and accepted offer.
type BookableIDs struct {
	OpportunityType domain.OpportunityType
	OpportunityID   string
	OfferID         string
	// Vars holds every template variable matched from both ids.
	Vars map[string]string
}

// OrderItemContext tracks one requested line through the flow.
type OrderItemContext struct {
	Index       int
	IDs         BookableIDs
	RequestItem domain.OrderItem

	ResponseItem     *domain.OrderItem
	Errors           []domain.ItemError
	RequiresApproval bool
	Skeleton         bool
	OrderItemID      string

	// Status is the persisted item status, when known.
	Status domain.OrderItemStatus
}

func newItemContext(index int, item domain.OrderItem) *OrderItemContext {
	return &OrderItemContext{Index: index, RequestItem: item}
}

// SetResponseOrderItem records the priced item resolved by a store.
// It must be called exactly once per context.
func (c *OrderItemContext) SetResponseOrderItem(item domain.OrderItem, requiresApproval bool) {
	if c.ResponseItem != nil {
		violation("response item for position %d set twice", c.Index)
	}
	c.ResponseItem = &item
	c.RequiresApproval = requiresApproval
}

// SetResponseOrderItemAsSkeleton echoes the request item back when it cannot be resolved.
func (c *OrderItemContext) SetResponseOrderItemAsSkeleton() {
	c.SetResponseOrderItem(domain.OrderItem{
		OrderedItem:   c.RequestItem.OrderedItem,
		AcceptedOffer: c.RequestItem.AcceptedOffer,
	}, false)
	c.Skeleton = true
}

// SetOrderItemID records the id assigned by a successful book or propose.
func (c *OrderItemContext) SetOrderItemID(id string) {
	if id == "" {
		violation("empty order item id for position %d", c.Index)
	}
	c.OrderItemID = id
}

// AddError attaches an item-level error.
func (c *OrderItemContext) AddError(kind domain.Kind, description string) {
	c.Errors = append(c.Errors, domain.ItemError{Kind: kind, Description: description})
}

// HasErrors reports whether the item carries any error.
func (c *OrderItemContext) HasErrors() bool {
	return len(c.Errors) > 0
}

// Price returns the resolved offer price, if any.
func (c *OrderItemContext) Price() (float64, string, bool) {
	if c.ResponseItem == nil || c.ResponseItem.Offer == nil {
		return 0, "", false
	}
	return c.ResponseItem.Offer.Price, c.ResponseItem.Offer.Currency, true
}

func sortByIndex(items []*OrderItemContext) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Index < items[j].Index })
}

// AssignCapacityErrors flags the items of one inventory unit that do not fit in
// available spaces. Later items are rejected first so earlier lines are favored.
func AssignCapacityErrors(unit []*OrderItemContext, available int) {
	if available <= 0 {
		for _, c := range unit {
			c.AddError(domain.KindOpportunityIsFull, "no spaces remain")
		}
		return
	}
	overflow := len(unit) - available
	for i := len(unit) - 1; i >= 0 && overflow > 0; i-- {
		unit[i].AddError(domain.KindOpportunityHasInsufficientCapacity, "not enough spaces remain for every requested item")
		overflow--
	}
}

// AssignLeaseErrors distributes a failed lease over one unit's items in reverse:
// capacity errors first, then conflicts with other orders' leases.
func AssignLeaseErrors(unit []*OrderItemContext, capacityErrors, leaseConflicts int) {
	for i := len(unit) - 1; i >= 0; i-- {
		switch {
		case capacityErrors > 0:
			unit[i].AddError(domain.KindOpportunityHasInsufficientCapacity, "not enough spaces remain")
			capacityErrors--
		case leaseConflicts > 0:
			unit[i].AddError(domain.KindOpportunityCapacityIsReservedByLease, "spaces are held by another lease")
			leaseConflicts--
		default:
			return
		}
	}
}

// AddErrorToAll attaches the same error to every item in the group.
func AddErrorToAll(items []*OrderItemContext, kind domain.Kind, description string) {
	for _, c := range items {
		c.AddError(kind, description)
	}
}
