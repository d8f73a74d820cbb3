package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/bookingflow/internal/domain"
)

func flowRequest(stage domain.FlowStage, o *domain.Order) FlowRequest {
	return FlowRequest{
		Stage:    stage,
		Identity: domain.OrderIdentity{ClientID: "c", OrderType: stage.ResponseType(), UUID: "u"},
		SellerID: "s",
		Order:    o,
	}
}

func validOrder() *domain.Order {
	return &domain.Order{
		Seller:       &domain.Seller{ID: "s"},
		BrokerRole:   domain.BrokerRoleNone,
		Customer:     &domain.Customer{Type: domain.CustomerTypePerson, Email: "a@b.c", GivenName: "Ada", FamilyName: "L"},
		OrderedItems: []domain.OrderItem{{OrderedItem: "x", AcceptedOffer: "y"}},
	}
}

func TestNewFlowContextTaxMode(t *testing.T) {
	tax := TaxSettings{B2B: domain.TaxModeNet, B2C: domain.TaxModeGross}

	flow, err := newFlowContext(flowRequest(domain.StageC2, validOrder()), tax)
	require.NoError(t, err)
	assert.Equal(t, domain.TaxPayeeB2C, flow.TaxPayeeRelationship)
	assert.Equal(t, domain.TaxModeGross, flow.TaxMode)
	assert.Equal(t, "Ada L", flow.Payer.Name)

	o := validOrder()
	o.BrokerRole = domain.BrokerRoleReseller
	o.Broker = &domain.Broker{Name: "Resell Ltd"}
	flow, err = newFlowContext(flowRequest(domain.StageC2, o), tax)
	require.NoError(t, err)
	assert.Equal(t, domain.TaxPayeeB2B, flow.TaxPayeeRelationship)
	assert.Equal(t, domain.TaxModeNet, flow.TaxMode)
	assert.Equal(t, Payer{Name: "Resell Ltd", IsOrganization: true}, flow.Payer)
}

func TestNewFlowContextRejects(t *testing.T) {
	tests := []struct {
		name   string
		stage  domain.FlowStage
		mutate func(*domain.Order)
		want   domain.Kind
	}{
		{name: "wrong document type", stage: domain.StageB, mutate: func(o *domain.Order) { o.Type = domain.OrderTypeQuote }, want: domain.KindInvalidRequest},
		{name: "no seller", stage: domain.StageC1, mutate: func(o *domain.Order) { o.Seller = nil }, want: domain.KindInvalidRequest},
		{name: "other seller", stage: domain.StageC1, mutate: func(o *domain.Order) { o.Seller.ID = "t" }, want: domain.KindInvalidAuthorizationDetails},
		{name: "unknown broker role", stage: domain.StageC1, mutate: func(o *domain.Order) { o.BrokerRole = "Other" }, want: domain.KindInvalidRequest},
		{name: "no customer at P", stage: domain.StageP, mutate: func(o *domain.Order) { o.Customer = nil }, want: domain.KindIncompleteCustomerDetails},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(o)
			_, err := newFlowContext(flowRequest(tt.stage, o), TaxSettings{})
			var derr *domain.Error
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.want, derr.Kind)
		})
	}
}

func TestNewFlowContextProposalVersionAllowsNoItems(t *testing.T) {
	o := validOrder()
	o.OrderedItems = nil
	o.OrderProposalVersion = "v1"
	flow, err := newFlowContext(flowRequest(domain.StageB, o), TaxSettings{})
	require.NoError(t, err)
	assert.Equal(t, "v1", flow.ProposalVersion)
}
