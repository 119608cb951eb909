package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNoChange means the venue was already in the requested state.
	ErrNoChange = errors.New("no change needed")
	// ErrOrderNotFound means a lookup by client order id found nothing.
	ErrOrderNotFound = errors.New("order not found")
	// ErrRateLimited means the local quota refused the request before it was
	// sent.
	ErrRateLimited = errors.New("rate limited")
)

// MarketDataError wraps a failed read. The symbol is skipped for this tick.
type MarketDataError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *MarketDataError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("market data %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("market data %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *MarketDataError) Unwrap() error { return e.Err }

// APIError is an error response from the venue.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// Ambiguous reports whether a failed submission may still have reached the
// matching engine. Such failures must be reconciled by lookup before any
// resubmission.
func Ambiguous(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// -1007: backend timeout, execution status unknown.
		return apiErr.StatusCode >= 500 || apiErr.Code == -1007
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Retryable reports whether a read can be retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429 || apiErr.Code == -1003 || apiErr.Code == -1007
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}
