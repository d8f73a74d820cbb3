// Package inventory adapts a transactional inventory backend to the
// booking.OpportunityStore contract for one opportunity type.
package inventory

import (
	"context"

	"github.com/cimillas/bookingflow/internal/domain"
)

// Outcome is the result of reserving capacity on one unit.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSellerMismatch
	OutcomeUnknownOpportunity
	OutcomeNotBookable
	OutcomeInsufficientCapacity
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSellerMismatch:
		return "seller_mismatch"
	case OutcomeUnknownOpportunity:
		return "unknown_opportunity"
	case OutcomeNotBookable:
		return "not_bookable"
	case OutcomeInsufficientCapacity:
		return "insufficient_capacity"
	default:
		return "unknown"
	}
}

// UnitItem is one requested space on a unit.
type UnitItem struct {
	OfferID       string
	OrderedItem   string
	AcceptedOffer string
	Price         float64
	Currency      string
}

// UnitRequest asks for len(Items) spaces on one unit for one order.
type UnitRequest struct {
	Order           domain.OrderIdentity
	SellerID        string
	OpportunityType domain.OpportunityType
	OpportunityID   string
	// Status is given to the new rows: none for lease holds, proposed or confirmed.
	Status domain.OrderItemStatus
	Items  []UnitItem
}

// LeaseResult reports a lease attempt. Counts are only set on OutcomeInsufficientCapacity.
type LeaseResult struct {
	Outcome        Outcome
	CapacityErrors int
	LeaseConflicts int
}

// NewLeaseResult splits a shortfall into spaces that are gone and spaces held
// by other orders' leases.
func NewLeaseResult(remaining, leasedOthers, requested int) LeaseResult {
	available := remaining - leasedOthers
	if available >= requested {
		return LeaseResult{Outcome: OutcomeSuccess}
	}
	capacityErrors := max(0, requested-remaining)
	return LeaseResult{
		Outcome:        OutcomeInsufficientCapacity,
		CapacityErrors: capacityErrors,
		LeaseConflicts: max(0, requested-capacityErrors-max(0, available)),
	}
}

// BookResult carries the ids of the rows created, in item order.
type BookResult struct {
	Outcome Outcome
	ItemIDs []string
}

// Backend is the storage behind an inventory Store. Every method runs in the
// transaction carried by ctx, and every mutation recomputes the unit's
// remaining and leased counts before returning.
type Backend interface {
	// GetOpportunity returns the unit with LeasedCapacity excluding holds of exclude.
	// It returns domain.ErrUnknownOpportunity when the unit does not exist.
	GetOpportunity(ctx context.Context, t domain.OpportunityType, id string, exclude domain.OrderIdentity) (domain.Opportunity, error)

	// LeaseUnit replaces the order's lease holds on the unit, all or nothing.
	LeaseUnit(ctx context.Context, req UnitRequest) (LeaseResult, error)

	// BookUnit replaces the order's holds on the unit with rows in req.Status, all or nothing.
	BookUnit(ctx context.Context, req UnitRequest) (BookResult, error)

	// CleanupUnits deletes the order's lease holds on units of type t not listed in keep.
	CleanupUnits(ctx context.Context, order domain.OrderIdentity, t domain.OpportunityType, keep []string) error

	CreateTestOpportunity(ctx context.Context, datasetID string, opp domain.Opportunity) (domain.Opportunity, error)
	DeleteTestDataset(ctx context.Context, t domain.OpportunityType, datasetID string) error
	UpdateOpportunity(ctx context.Context, t domain.OpportunityType, id string, fn func(*domain.Opportunity)) error
}
