package booking

import (
	"github.com/cimillas/bookingflow/internal/domain"
)

// FlowRequest is one authenticated booking call.
type FlowRequest struct {
	Stage    domain.FlowStage
	Identity domain.OrderIdentity
	// SellerID is the seller the caller is authenticated for.
	SellerID string
	Order    *domain.Order

	// IdempotencyKey is optional; Body is the raw request used to derive a key when it is empty.
	IdempotencyKey string
	Body           []byte
}

// FlowContext is the validated, read-only view of a request shared with stores.
type FlowContext struct {
	Stage                domain.FlowStage
	Identity             domain.OrderIdentity
	SellerID             string
	BrokerRole           domain.BrokerRole
	Broker               *domain.Broker
	Customer             *domain.Customer
	Payer                Payer
	TaxPayeeRelationship domain.TaxPayeeRelationship
	TaxMode              domain.TaxMode
	Payment              *domain.Payment
	ProposalVersion      string
}

// Payer is whoever pays: the customer, or the broker when it resells.
type Payer struct {
	Name           string
	Email          string
	IsOrganization bool
}

// TaxSettings selects the tax mode for each payee relationship.
type TaxSettings struct {
	B2B domain.TaxMode
	B2C domain.TaxMode
}

func (t TaxSettings) modeFor(rel domain.TaxPayeeRelationship) domain.TaxMode {
	if rel == domain.TaxPayeeB2B {
		return t.B2B
	}
	return t.B2C
}

// newFlowContext validates the request fields required at the stage.
func newFlowContext(req FlowRequest, tax TaxSettings) (*FlowContext, error) {
	o := req.Order
	if o == nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "order document is required")
	}
	if o.Type != "" && o.Type != req.Stage.ResponseType() {
		return nil, domain.NewError(domain.KindInvalidRequest, "expected %s, got %s", req.Stage.ResponseType(), o.Type)
	}
	if o.Seller == nil || o.Seller.ID == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "seller is required")
	}
	if o.Seller.ID != req.SellerID {
		return nil, domain.ErrInvalidAuthorizationDetails
	}

	switch o.BrokerRole {
	case domain.BrokerRoleNone:
	case domain.BrokerRoleAgent, domain.BrokerRoleReseller:
		if o.Broker == nil || o.Broker.Name == "" {
			return nil, domain.ErrIncompleteBrokerDetails
		}
	case "":
		return nil, domain.NewError(domain.KindIncompleteBrokerDetails, "brokerRole is required")
	default:
		return nil, domain.NewError(domain.KindInvalidRequest, "unknown brokerRole %q", o.BrokerRole)
	}

	if req.Stage.RequiresCustomer() && o.BrokerRole != domain.BrokerRoleReseller {
		c := o.Customer
		if c == nil || c.Email == "" {
			return nil, domain.ErrIncompleteCustomerDetails
		}
		if c.IsOrganization() && c.Name == "" {
			return nil, domain.NewError(domain.KindIncompleteCustomerDetails, "organization name is required")
		}
	}

	if len(o.OrderedItems) == 0 && o.OrderProposalVersion == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "orderedItem must not be empty")
	}

	flow := &FlowContext{
		Stage:           req.Stage,
		Identity:        req.Identity,
		SellerID:        req.SellerID,
		BrokerRole:      o.BrokerRole,
		Broker:          o.Broker,
		Customer:        o.Customer,
		Payment:         o.Payment,
		ProposalVersion: o.OrderProposalVersion,
	}
	flow.Payer = payerOf(o)
	flow.TaxPayeeRelationship = domain.TaxPayeeB2C
	if flow.Payer.IsOrganization {
		flow.TaxPayeeRelationship = domain.TaxPayeeB2B
	}
	flow.TaxMode = tax.modeFor(flow.TaxPayeeRelationship)
	return flow, nil
}

func payerOf(o *domain.Order) Payer {
	if o.BrokerRole == domain.BrokerRoleReseller && o.Broker != nil {
		return Payer{Name: o.Broker.Name, IsOrganization: true}
	}
	if o.Customer == nil {
		return Payer{}
	}
	name := o.Customer.Name
	if name == "" {
		name = o.Customer.GivenName + " " + o.Customer.FamilyName
	}
	return Payer{Name: name, Email: o.Customer.Email, IsOrganization: o.Customer.IsOrganization()}
}

// statusFlowContext rebuilds a flow context for read-only re-expansion of a stored order.
func statusFlowContext(stored *domain.StoredOrder, tax TaxSettings) *FlowContext {
	o := &domain.Order{BrokerRole: stored.BrokerRole, Broker: stored.Broker, Customer: stored.Customer}
	flow := &FlowContext{
		Stage:           domain.StageOrderStatus,
		Identity:        stored.Identity,
		SellerID:        stored.SellerID,
		BrokerRole:      stored.BrokerRole,
		Broker:          stored.Broker,
		Customer:        stored.Customer,
		Payment:         stored.Payment,
		ProposalVersion: stored.ProposalVersion,
		Payer:           payerOf(o),
	}
	flow.TaxPayeeRelationship = domain.TaxPayeeB2C
	if flow.Payer.IsOrganization {
		flow.TaxPayeeRelationship = domain.TaxPayeeB2B
	}
	flow.TaxMode = tax.modeFor(flow.TaxPayeeRelationship)
	return flow
}
