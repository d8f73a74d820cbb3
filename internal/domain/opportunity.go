package domain

import "time"

// Opportunity is a bookable inventory unit such as a session occurrence or a facility slot.
type Opportunity struct {
	ID                string          `json:"id"`
	Type              OpportunityType `json:"type"`
	SellerID          string          `json:"sellerId"`
	Name              string          `json:"name"`
	StartDate         time.Time       `json:"startDate"`
	EndDate           time.Time       `json:"endDate"`
	TotalCapacity     int             `json:"maximumAttendeeCapacity"`
	RemainingCapacity int             `json:"remainingAttendeeCapacity"`
	LeasedCapacity    int             `json:"-"`
	Offers            []Offer         `json:"offers,omitempty"`
	TestDatasetID     string          `json:"-"`
}

// AvailableForLease is the capacity not taken by bookings or other holds.
func (o *Opportunity) AvailableForLease() int {
	return o.RemainingCapacity - o.LeasedCapacity
}

// FindOffer returns the offer with the given id.
func (o *Opportunity) FindOffer(id string) (Offer, bool) {
	for _, offer := range o.Offers {
		if offer.ID == id {
			return offer, true
		}
	}
	return Offer{}, false
}

// Offer is a priced booking option attached to an opportunity.
type Offer struct {
	ID               string     `json:"id"`
	Price            float64    `json:"price"`
	Currency         string     `json:"priceCurrency"`
	Prepayment       Prepayment `json:"openBookingPrepayment,omitempty"`
	RequiresApproval bool       `json:"openBookingFlowRequirement,omitempty"`
	TaxRate          float64    `json:"taxRate,omitempty"`
	NotBookable      bool       `json:"notBookable,omitempty"`
}
