package domain

import (
	"math"
	"time"
)

// BrokerRole describes who the broker acts for.
type BrokerRole string

const (
	BrokerRoleAgent    BrokerRole = "AgentBroker"
	BrokerRoleReseller BrokerRole = "ResellerBroker"
	BrokerRoleNone     BrokerRole = "NoBroker"
)

// TaxPayeeRelationship determines which tax calculation applies.
type TaxPayeeRelationship string

const (
	TaxPayeeB2B TaxPayeeRelationship = "BusinessToBusiness"
	TaxPayeeB2C TaxPayeeRelationship = "BusinessToConsumer"
)

// TaxMode controls whether prices include tax.
type TaxMode string

const (
	TaxModeNone  TaxMode = ""
	TaxModeGross TaxMode = "TaxGross"
	TaxModeNet   TaxMode = "TaxNet"
)

// Prepayment is the prepayment requirement of an offer.
type Prepayment string

const (
	PrepaymentUnspecified Prepayment = ""
	PrepaymentRequired    Prepayment = "Required"
	PrepaymentOptional    Prepayment = "Optional"
	PrepaymentUnavailable Prepayment = "Unavailable"
)

// OrderItemStatus is the lifecycle status of a booked item.
type OrderItemStatus string

const (
	OrderItemStatusNone              OrderItemStatus = ""
	OrderItemStatusConfirmed         OrderItemStatus = "OrderItemConfirmed"
	OrderItemStatusCustomerCancelled OrderItemStatus = "CustomerCancelled"
	OrderItemStatusSellerCancelled   OrderItemStatus = "SellerCancelled"
	OrderItemStatusAttended          OrderItemStatus = "AttendeeAttended"
	OrderItemStatusProposed          OrderItemStatus = "OrderItemProposed"
)

// ProposalStatus is the approval state of an order proposal.
type ProposalStatus string

const (
	ProposalStatusAwaitingSellerConfirmation ProposalStatus = "AwaitingSellerConfirmation"
	ProposalStatusSellerAccepted             ProposalStatus = "SellerAccepted"
	ProposalStatusSellerRejected             ProposalStatus = "SellerRejected"
	ProposalStatusCustomerRejected           ProposalStatus = "CustomerRejected"
)

// OrderMode is how an order row is persisted.
type OrderMode string

const (
	OrderModeLease    OrderMode = "Lease"
	OrderModeProposal OrderMode = "Proposal"
	OrderModeBooking  OrderMode = "Booking"
)

type Seller struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Broker struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Customer is either a Person or an Organization.
type Customer struct {
	Type       string `json:"type"`
	Email      string `json:"email,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Name       string `json:"name,omitempty"`
}

const (
	CustomerTypePerson       = "Person"
	CustomerTypeOrganization = "Organization"
)

// IsOrganization reports whether the customer is a business.
func (c *Customer) IsOrganization() bool {
	return c != nil && c.Type == CustomerTypeOrganization
}

type Payment struct {
	Identifier   string `json:"identifier,omitempty"`
	Name         string `json:"name,omitempty"`
	ProviderName string `json:"paymentProviderId,omitempty"`
}

type PriceSpecification struct {
	Price      float64    `json:"price"`
	Currency   string     `json:"priceCurrency,omitempty"`
	Prepayment Prepayment `json:"openBookingPrepayment,omitempty"`
}

type TaxChargeSpecification struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Currency string  `json:"priceCurrency"`
	Rate     float64 `json:"rate"`
}

// OrderItem is one line of an order document.
type OrderItem struct {
	ID                   string                   `json:"id,omitempty"`
	Position             int                      `json:"position"`
	OrderedItem          string                   `json:"orderedItem"`
	AcceptedOffer        string                   `json:"acceptedOffer"`
	Opportunity          *Opportunity             `json:"orderedItemDetails,omitempty"`
	Offer                *Offer                   `json:"acceptedOfferDetails,omitempty"`
	UnitTaxSpecification []TaxChargeSpecification `json:"unitTaxSpecification,omitempty"`
	Status               OrderItemStatus          `json:"orderItemStatus,omitempty"`
	Errors               []ItemError              `json:"error,omitempty"`
}

// Order is the request and response document for every stage.
type Order struct {
	Type                   OrderType                `json:"type"`
	ID                     string                   `json:"id,omitempty"`
	Seller                 *Seller                  `json:"seller,omitempty"`
	Broker                 *Broker                  `json:"broker,omitempty"`
	BrokerRole             BrokerRole               `json:"brokerRole,omitempty"`
	Customer               *Customer                `json:"customer,omitempty"`
	Payment                *Payment                 `json:"payment,omitempty"`
	OrderedItems           []OrderItem              `json:"orderedItem"`
	TotalPaymentDue        *PriceSpecification      `json:"totalPaymentDue,omitempty"`
	TotalPaymentTax        []TaxChargeSpecification `json:"totalPaymentTax,omitempty"`
	TaxCalculationExcluded bool                     `json:"taxCalculationExcluded,omitempty"`
	LeaseExpires           *time.Time               `json:"leaseExpires,omitempty"`
	OrderRequiresApproval  bool                     `json:"orderRequiresApproval,omitempty"`
	OrderProposalVersion   string                   `json:"orderProposalVersion,omitempty"`
	OrderProposalStatus    ProposalStatus           `json:"orderProposalStatus,omitempty"`
}

// HasItemErrors reports whether any ordered item carries an error.
func (o *Order) HasItemErrors() bool {
	for _, item := range o.OrderedItems {
		if len(item.Errors) > 0 {
			return true
		}
	}
	return false
}

// Cents converts an amount to integer minor units for exact comparisons.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
