package domain

import (
	"fmt"
	"net/http"
)

// Kind is the machine-readable error type reported to clients.
type Kind string

// Request-level kinds.
const (
	KindInternal                     Kind = "InternalApplicationError"
	KindInternalLibraryConfiguration Kind = "InternalLibraryConfigurationError"
	KindNotFound                     Kind = "NotFoundError"
	KindMethodNotAllowed             Kind = "MethodNotAllowedError"
	KindTooManyRequests              Kind = "TooManyRequestsError"
	KindInvalidAuthorizationDetails  Kind = "InvalidAuthorizationDetailsError"
	KindInvalidRequest               Kind = "InvalidRequestError"
	KindIncompleteBrokerDetails      Kind = "IncompleteBrokerDetailsError"
	KindIncompleteCustomerDetails    Kind = "IncompleteCustomerDetailsError"
	KindTotalPaymentDueMismatch      Kind = "TotalPaymentDueMismatchError"
	KindMissingPaymentDetails        Kind = "MissingPaymentDetailsError"
	KindUnnecessaryPaymentDetails    Kind = "UnnecessaryPaymentDetailsError"
	KindIncompletePaymentDetails     Kind = "IncompletePaymentDetailsError"
	KindUnknownOrder                 Kind = "UnknownOrderError"
	KindOrderAlreadyExists           Kind = "OrderAlreadyExistsError"
	KindOrderProposalVersionOutdated Kind = "OrderProposalVersionOutdatedError"
	KindCancellationNotPermitted     Kind = "CancellationNotPermittedError"
	KindPatchNotAllowed              Kind = "PatchNotAllowedOnPropertyError"
	KindUnknownFeed                  Kind = "UnknownFeedError"
	KindInvalidFeedCursor            Kind = "InvalidFeedCursorError"
	KindTestActionNotSupported       Kind = "TestActionNotSupportedError"
)

// Item-level kinds. These are attached to order items and never returned as errors.
const (
	KindOpportunityIsFull                    Kind = "OpportunityIsFullError"
	KindOpportunityHasInsufficientCapacity   Kind = "OpportunityHasInsufficientCapacityError"
	KindOpportunityCapacityIsReservedByLease Kind = "OpportunityCapacityIsReservedByLeaseError"
	KindSellerMismatch                       Kind = "SellerMismatchError"
	KindUnknownOpportunity                   Kind = "UnknownOpportunityError"
	KindUnknownOffer                         Kind = "UnknownOfferError"
	KindOpportunityOfferPairNotBookable      Kind = "OpportunityOfferPairNotBookableError"
	KindIncompleteOrderItem                  Kind = "IncompleteOrderItemError"
	KindInvalidOpportunityOrOfferID          Kind = "InvalidOpportunityOrOfferIdError"
	KindIncompatiblePrepayment               Kind = "IncompatiblePrepaymentError"
	KindUnableToProcessOrderItem             Kind = "UnableToProcessOrderItemError"
	KindOrderRequiresApproval                Kind = "OrderRequiresApprovalError"
)

// HTTPStatus maps a kind to the transport status code the caller should use.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound, KindUnknownOrder, KindUnknownFeed, KindUnknownOpportunity:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindInvalidAuthorizationDetails, KindCancellationNotPermitted:
		return http.StatusForbidden
	case KindOrderAlreadyExists, KindOrderProposalVersionOutdated,
		KindOpportunityIsFull, KindOpportunityHasInsufficientCapacity,
		KindOpportunityCapacityIsReservedByLease:
		return http.StatusConflict
	case KindInternal, KindInternalLibraryConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Error is a request-level domain error.
type Error struct {
	Kind        Kind
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is
// regardless of the description.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds an error of the given kind with a formatted description.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidRequest               = &Error{Kind: KindInvalidRequest, Description: "invalid request"}
	ErrInvalidAuthorizationDetails  = &Error{Kind: KindInvalidAuthorizationDetails, Description: "seller does not match authenticated seller"}
	ErrIncompleteBrokerDetails      = &Error{Kind: KindIncompleteBrokerDetails, Description: "broker details are incomplete"}
	ErrIncompleteCustomerDetails    = &Error{Kind: KindIncompleteCustomerDetails, Description: "customer details are incomplete"}
	ErrTotalPaymentDueMismatch      = &Error{Kind: KindTotalPaymentDueMismatch, Description: "totalPaymentDue does not match calculated total"}
	ErrMissingPaymentDetails        = &Error{Kind: KindMissingPaymentDetails, Description: "payment details are required"}
	ErrUnnecessaryPaymentDetails    = &Error{Kind: KindUnnecessaryPaymentDetails, Description: "payment details were supplied but are not required"}
	ErrIncompletePaymentDetails     = &Error{Kind: KindIncompletePaymentDetails, Description: "payment identifier is required"}
	ErrUnknownOrder                 = &Error{Kind: KindUnknownOrder, Description: "order not found"}
	ErrOrderAlreadyExists           = &Error{Kind: KindOrderAlreadyExists, Description: "order already exists"}
	ErrOrderProposalVersionOutdated = &Error{Kind: KindOrderProposalVersionOutdated, Description: "order proposal version is outdated or not accepted"}
	ErrCancellationNotPermitted     = &Error{Kind: KindCancellationNotPermitted, Description: "cancellation not permitted"}
	ErrPatchNotAllowed              = &Error{Kind: KindPatchNotAllowed, Description: "patch not allowed on property"}
	ErrUnknownFeed                  = &Error{Kind: KindUnknownFeed, Description: "feed not found"}
	ErrInvalidFeedCursor            = &Error{Kind: KindInvalidFeedCursor, Description: "invalid feed cursor"}
	ErrUnknownOpportunity           = &Error{Kind: KindUnknownOpportunity, Description: "opportunity not found"}
	ErrTestActionNotSupported       = &Error{Kind: KindTestActionNotSupported, Description: "test action not supported"}
)

// ItemError is a business error attached to one order item.
type ItemError struct {
	Kind        Kind   `json:"type"`
	Description string `json:"description,omitempty"`
}

// NewItemError builds an item error with a formatted description.
func NewItemError(kind Kind, format string, args ...any) ItemError {
	return ItemError{Kind: kind, Description: fmt.Sprintf(format, args...)}
}
