package booking

import (
	"context"
	"time"

	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/gate"
)

// OrderStore persists order rows. Every mutating method runs inside the
// transaction that WithTx places in the context.
type OrderStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateLease(ctx context.Context, flow *FlowContext, lease *domain.Lease) error
	UpdateLease(ctx context.Context, flow *FlowContext, lease *domain.Lease, quote *domain.Order) error
	DeleteLease(ctx context.Context, id domain.OrderIdentity, sellerID string) error

	CreateOrderProposal(ctx context.Context, flow *FlowContext, proposal *domain.Order) (version string, err error)
	UpdateOrderProposal(ctx context.Context, flow *FlowContext, proposal *domain.Order) error
	CustomerRejectOrderProposal(ctx context.Context, id domain.OrderIdentity, sellerID string) error
	BookOrderProposal(ctx context.Context, id domain.OrderIdentity, sellerID, version string) (bool, error)

	CreateOrder(ctx context.Context, flow *FlowContext, order *domain.Order) error
	UpdateOrder(ctx context.Context, flow *FlowContext, order *domain.Order) error
	DeleteOrder(ctx context.Context, id domain.OrderIdentity, sellerID string) error
	CustomerCancelOrderItems(ctx context.Context, id domain.OrderIdentity, sellerID string, itemIDs []string) error
	GetOrderStatus(ctx context.Context, id domain.OrderIdentity, sellerID string) (*domain.StoredOrder, error)

	TriggerTestAction(ctx context.Context, action TestAction) error
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error)
	PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error)
}

// OpportunityStore resolves and reserves inventory of one opportunity type.
// Lease, book, propose and cleanup run inside the transaction carried by ctx.
type OpportunityStore interface {
	GetOrderItems(ctx context.Context, items []*OrderItemContext, flow *FlowContext) error
	LeaseOrderItems(ctx context.Context, lease *domain.Lease, items []*OrderItemContext, flow *FlowContext) error
	BookOrderItems(ctx context.Context, items []*OrderItemContext, flow *FlowContext) error
	ProposeOrderItems(ctx context.Context, items []*OrderItemContext, flow *FlowContext) error
	CleanupOrderItems(ctx context.Context, items []*OrderItemContext, flow *FlowContext) error

	TriggerTestAction(ctx context.Context, action TestAction) error
	CreateOpportunityWithinTestDataset(ctx context.Context, datasetID string, opp domain.Opportunity) (domain.Opportunity, error)
	DeleteTestDataset(ctx context.Context, datasetID string) error
}

// Gate serializes stage transitions per order key.
type Gate interface {
	Acquire(ctx context.Context, key string) (gate.Guard, error)
}

// IdempotencyStore caches serialized creation responses.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, body []byte, ttl time.Duration) error
}

// expiringCache is implemented by idempotency stores that do not evict on
// their own and need periodic sweeping.
type expiringCache interface {
	Sweep() int
}

// ChangeNotifier is told which feeds changed after a commit.
type ChangeNotifier interface {
	Notify(ctx context.Context, feeds ...string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ...string) {}

// TestActionType names a simulated seller or attendee action.
type TestActionType string

const (
	ActionSellerAcceptOrderProposal   TestActionType = "test:SellerAcceptOrderProposalSimulateAction"
	ActionSellerRejectOrderProposal   TestActionType = "test:SellerRejectOrderProposalSimulateAction"
	ActionSellerRequestedCancellation TestActionType = "test:SellerRequestedCancellationSimulateAction"
	ActionAttendeeAttended            TestActionType = "test:AttendeeAttendedSimulateAction"
	ActionChangeOfLogisticsName       TestActionType = "test:ChangeOfLogisticsNameSimulateAction"
	ActionChangeOfLogisticsTime       TestActionType = "test:ChangeOfLogisticsTimeSimulateAction"
)

// IsOrderAction reports whether the action targets an order rather than an opportunity.
func (t TestActionType) IsOrderAction() bool {
	switch t {
	case ActionSellerAcceptOrderProposal, ActionSellerRejectOrderProposal,
		ActionSellerRequestedCancellation, ActionAttendeeAttended:
		return true
	}
	return false
}

// TestAction is a simulated action from the test interface.
type TestAction struct {
	Type     TestActionType
	SellerID string

	// Order actions.
	Order domain.OrderIdentity

	// Opportunity actions.
	OpportunityType domain.OpportunityType
	OpportunityID   string
}
