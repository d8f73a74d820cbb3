package booking

import (
	"math"
	"sort"

	"github.com/cimillas/bookingflow/internal/domain"
)

const taxName = "VAT"

// effectivePrepayment treats an unspecified prepayment on a paid offer as required.
func effectivePrepayment(offer *domain.Offer) domain.Prepayment {
	if offer.Prepayment == domain.PrepaymentUnspecified && domain.Cents(offer.Price) > 0 {
		return domain.PrepaymentRequired
	}
	return offer.Prepayment
}

// unitTax returns the tax charged on one item under the mode.
func unitTax(mode domain.TaxMode, offer *domain.Offer) (domain.TaxChargeSpecification, bool) {
	if mode == domain.TaxModeNone || offer.TaxRate == 0 {
		return domain.TaxChargeSpecification{}, false
	}
	var cents int64
	switch mode {
	case domain.TaxModeGross:
		cents = int64(math.Round(float64(domain.Cents(offer.Price)) * offer.TaxRate / (1 + offer.TaxRate)))
	case domain.TaxModeNet:
		cents = int64(math.Round(float64(domain.Cents(offer.Price)) * offer.TaxRate))
	default:
		return domain.TaxChargeSpecification{}, false
	}
	return domain.TaxChargeSpecification{
		Name:     taxName,
		Price:    float64(cents) / 100,
		Currency: offer.Currency,
		Rate:     offer.TaxRate,
	}, true
}

// applyTotals computes totalPaymentDue and totalPaymentTax over every priced item.
func applyTotals(order *domain.Order, mode domain.TaxMode) {
	var (
		dueCents int64
		currency string
		required bool
		priced   int
	)
	allUnav := true
	taxByRate := map[float64]int64{}
	for i := range order.OrderedItems {
		item := &order.OrderedItems[i]
		if item.Offer == nil {
			continue
		}
		priced++
		if currency == "" {
			currency = item.Offer.Currency
		}
		dueCents += domain.Cents(item.Offer.Price)
		switch effectivePrepayment(item.Offer) {
		case domain.PrepaymentRequired:
			required = true
			allUnav = false
		case domain.PrepaymentUnavailable:
		default:
			allUnav = false
		}
		if tax, ok := unitTax(mode, item.Offer); ok {
			item.UnitTaxSpecification = []domain.TaxChargeSpecification{tax}
			taxByRate[tax.Rate] += domain.Cents(tax.Price)
			if mode == domain.TaxModeNet {
				dueCents += domain.Cents(tax.Price)
			}
		}
	}

	prepayment := domain.PrepaymentOptional
	switch {
	case required:
		prepayment = domain.PrepaymentRequired
	case dueCents == 0 || (priced > 0 && allUnav):
		prepayment = domain.PrepaymentUnavailable
	}
	order.TotalPaymentDue = &domain.PriceSpecification{
		Price:      float64(dueCents) / 100,
		Currency:   currency,
		Prepayment: prepayment,
	}

	order.TaxCalculationExcluded = mode == domain.TaxModeNone
	order.TotalPaymentTax = nil
	rates := make([]float64, 0, len(taxByRate))
	for r := range taxByRate {
		rates = append(rates, r)
	}
	sort.Float64s(rates)
	for _, r := range rates {
		order.TotalPaymentTax = append(order.TotalPaymentTax, domain.TaxChargeSpecification{
			Name:     taxName,
			Price:    float64(taxByRate[r]) / 100,
			Currency: currency,
			Rate:     r,
		})
	}
}

// flagIncompatiblePrepayment marks every item involved in a Required/Unavailable mix.
func flagIncompatiblePrepayment(items []*OrderItemContext) {
	var required, unavailable []*OrderItemContext
	for _, c := range items {
		if c.Skeleton || c.ResponseItem == nil || c.ResponseItem.Offer == nil {
			continue
		}
		switch effectivePrepayment(c.ResponseItem.Offer) {
		case domain.PrepaymentRequired:
			required = append(required, c)
		case domain.PrepaymentUnavailable:
			unavailable = append(unavailable, c)
		}
	}
	if len(required) == 0 || len(unavailable) == 0 {
		return
	}
	for _, c := range append(required, unavailable...) {
		c.AddError(domain.KindIncompatiblePrepayment, "items requiring prepayment cannot be combined with items where prepayment is unavailable")
	}
}

// flagRequiresApproval rejects approval-only items at the booking stage.
func flagRequiresApproval(items []*OrderItemContext) {
	for _, c := range items {
		if c.RequiresApproval && !c.Skeleton {
			c.AddError(domain.KindOrderRequiresApproval, "this offer must be booked through an order proposal")
		}
	}
}
