package booking

import (
	"github.com/cimillas/bookingflow/internal/domain"
)

// checkIntegrity validates a draft order or proposal against what the client declared.
// Item errors alone yield errSilentRollback.
func checkIntegrity(flow *FlowContext, declared *domain.PriceSpecification, draft *domain.Order, items []*OrderItemContext) error {
	for _, c := range items {
		if c.HasErrors() {
			return errSilentRollback
		}
	}

	computed := draft.TotalPaymentDue
	if declared == nil || computed == nil || domain.Cents(declared.Price) != domain.Cents(computed.Price) {
		return domain.ErrTotalPaymentDueMismatch
	}
	if declared.Currency != "" && computed.Currency != "" && declared.Currency != computed.Currency {
		return domain.NewError(domain.KindTotalPaymentDueMismatch, "currency %s does not match %s", declared.Currency, computed.Currency)
	}

	var anyRequired, anyUnavailable bool
	for _, c := range items {
		if c.ResponseItem == nil || c.ResponseItem.Offer == nil {
			continue
		}
		switch effectivePrepayment(c.ResponseItem.Offer) {
		case domain.PrepaymentRequired:
			anyRequired = true
		case domain.PrepaymentUnavailable:
			anyUnavailable = true
		}
	}

	zero := domain.Cents(computed.Price) == 0
	if flow.Payment == nil {
		if !zero && anyRequired {
			return domain.ErrMissingPaymentDetails
		}
		return nil
	}
	if zero || anyUnavailable {
		return domain.ErrUnnecessaryPaymentDetails
	}
	if flow.Payment.Identifier == "" {
		return domain.ErrIncompletePaymentDetails
	}
	return nil
}
