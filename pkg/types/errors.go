package types

import "errors"

// Domain errors surfaced to HTTP callers as 400 responses. The API layer maps
// these one to one; anything else becomes a 500.
var (
	ErrUserNotFound        = errors.New("User not found")
	ErrInsufficientBalance = errors.New("Insufficient balance")
	ErrDuplicateOrder      = errors.New("Duplicated externalId + symbol")
	ErrOrderNotFound       = errors.New("Order not found")
	ErrOrderTerminal       = errors.New("Order already in terminal state")
	ErrSymbolNotFound      = errors.New("Symbol not found")
	ErrReduceRejected      = errors.New("Reduce order rejected")
	ErrHedgeSide           = errors.New("positionSide must be LONG or SHORT in hedge mode")
	ErrLeverageLocked      = errors.New("Leverage locked by open position")
	ErrUnknownExchange     = errors.New("Unknown exchange")
	ErrPositionNotFound    = errors.New("Position not found")
)

// IsClientError reports whether err should surface as a 400 to the caller.
func IsClientError(err error) bool {
	for _, e := range []error{
		ErrUserNotFound, ErrInsufficientBalance, ErrDuplicateOrder,
		ErrOrderNotFound, ErrOrderTerminal, ErrSymbolNotFound,
		ErrReduceRejected, ErrHedgeSide, ErrLeverageLocked,
		ErrUnknownExchange, ErrPositionNotFound,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
