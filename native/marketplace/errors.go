package marketplace

import "errors"

var (
	// ErrUnauthorized is returned when the caller is not the vendor or client
	// required by the operation.
	ErrUnauthorized = errors.New("marketplace: unauthorized caller")
	// ErrOfferNotFound is returned when an offer id does not resolve.
	ErrOfferNotFound = errors.New("marketplace: offer not found")
	// ErrOrderNotFound is returned when an order id does not resolve.
	ErrOrderNotFound = errors.New("marketplace: order not found")
	// ErrAlreadyFulfilled is returned when fulfilment is attempted twice.
	ErrAlreadyFulfilled = errors.New("marketplace: order already fulfilled")
	// ErrAlreadyTerminated is returned when an operation targets a terminated
	// order. Termination is final.
	ErrAlreadyTerminated = errors.New("marketplace: order already terminated")
	// ErrTooEarly is returned when a time-gated operation is attempted before
	// its window opens.
	ErrTooEarly = errors.New("marketplace: operation attempted before its window opens")
	// ErrInsufficientBalance is returned when a withdrawal exceeds the
	// vendor's accrued entitlement.
	ErrInsufficientBalance = errors.New("marketplace: amount exceeds accrued entitlement")
	// ErrTransferFailed wraps payment token failures surfaced during an
	// operation.
	ErrTransferFailed = errors.New("marketplace: payment token transfer failed")

	errNilState = errors.New("marketplace engine: state not configured")
	errNilToken = errors.New("marketplace engine: payment token not configured")
)
