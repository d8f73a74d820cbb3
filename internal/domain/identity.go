package domain

import (
	"net/url"
	"strings"
)

// OrderType is the variant of an order document.
type OrderType string

const (
	OrderTypeQuote    OrderType = "OrderQuote"
	OrderTypeProposal OrderType = "OrderProposal"
	OrderTypeOrder    OrderType = "Order"
)

// FlowStage is the booking protocol step a request belongs to.
type FlowStage string

const (
	StageC1          FlowStage = "C1"
	StageC2          FlowStage = "C2"
	StageP           FlowStage = "P"
	StageB           FlowStage = "B"
	StageOrderStatus FlowStage = "OrderStatus"
)

// ResponseType returns the order variant produced at the stage.
func (s FlowStage) ResponseType() OrderType {
	switch s {
	case StageC1, StageC2:
		return OrderTypeQuote
	case StageP:
		return OrderTypeProposal
	default:
		return OrderTypeOrder
	}
}

// RequiresCustomer reports whether customer details must be present at the stage.
func (s FlowStage) RequiresCustomer() bool {
	return s == StageC2 || s == StageP || s == StageB
}

// OrderIdentity identifies an order across all of its stages.
type OrderIdentity struct {
	ClientID  string
	OrderType OrderType
	UUID      string
}

// Key is the case-normalized identity used to serialize stage transitions.
// Both parts are path-escaped, so the "/" separator cannot occur inside them.
func (id OrderIdentity) Key() string {
	return url.PathEscape(strings.ToLower(id.ClientID)) + "/" + url.PathEscape(strings.ToLower(id.UUID))
}

// WithType returns a copy of the identity for another order variant.
func (id OrderIdentity) WithType(t OrderType) OrderIdentity {
	id.OrderType = t
	return id
}

// OpportunityType tags the inventory type an order item refers to.
type OpportunityType string

const (
	OpportunityTypeScheduledSession OpportunityType = "ScheduledSession"
	OpportunityTypeFacilityUseSlot  OpportunityType = "FacilityUseSlot"
)
