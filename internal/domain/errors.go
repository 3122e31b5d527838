package domain

import "errors"

// Lifecycle errors shared by pricing, orders and offers. Callers match them with errors.Is;
// implementations wrap them with fmt.Errorf("%w: ...") to attach detail.
var (
	ErrInvalidCart       = errors.New("invalid cart")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidOffer      = errors.New("invalid offer")
	ErrInvalidInput      = errors.New("invalid input")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyShipped    = errors.New("order already shipped")
	ErrNotFound          = errors.New("not found")
	ErrUnknownStatus     = errors.New("unknown status")
)

// IsValidation reports whether err is caller-correctable and may be shown verbatim.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidCart) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidOffer) ||
		errors.Is(err, ErrInvalidInput)
}
