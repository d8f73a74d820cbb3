package domain

import "time"

// Lease is a time-boxed hold on capacity made during quote negotiation.
type Lease struct {
	Expires time.Time
}

// StoredOrderItem is an order item as persisted by an order store.
type StoredOrderItem struct {
	ID              string
	OpportunityType OpportunityType
	OpportunityID   string
	OfferID         string
	OrderedItem     string
	AcceptedOffer   string
	Status          OrderItemStatus
	Price           float64
	Currency        string
}

// StoredOrder is an order row with its items, as read back by an order store.
type StoredOrder struct {
	Identity        OrderIdentity
	SellerID        string
	Mode            OrderMode
	LeaseExpires    *time.Time
	ProposalVersion string
	ProposalStatus  ProposalStatus
	Customer        *Customer
	Broker          *Broker
	BrokerRole      BrokerRole
	Payment         *Payment
	TotalPrice      float64
	Currency        string
	Items           []StoredOrderItem
	Modified        int64
	Deleted         bool
}

// FeedDocument is the order as published in an orders feed.
func (s *StoredOrder) FeedDocument() *Order {
	o := &Order{
		Type:       s.Identity.OrderType,
		ID:         s.Identity.UUID,
		Seller:     &Seller{ID: s.SellerID},
		Broker:     s.Broker,
		BrokerRole: s.BrokerRole,
		Customer:   s.Customer,
		TotalPaymentDue: &PriceSpecification{
			Price:    s.TotalPrice,
			Currency: s.Currency,
		},
		OrderedItems:        make([]OrderItem, 0, len(s.Items)),
		OrderProposalStatus: s.ProposalStatus,
	}
	if s.Mode == OrderModeProposal {
		o.OrderProposalVersion = s.ProposalVersion
	}
	for i, it := range s.Items {
		o.OrderedItems = append(o.OrderedItems, OrderItem{
			ID:            it.ID,
			Position:      i,
			OrderedItem:   it.OrderedItem,
			AcceptedOffer: it.AcceptedOffer,
			Status:        it.Status,
		})
	}
	return o
}
