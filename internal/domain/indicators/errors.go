package indicators

import "errors"

// Indicator computation failures. Callers treat all of them as "no signal"
// for the current bar and move on.
var (
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrOutOfOrder          = errors.New("bar out of order")
	ErrInvalidBar          = errors.New("invalid bar")
	ErrWindowMismatch      = errors.New("snapshot does not match signal bar")
)
