package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"forward-factor-alerts/internal/chain"
)

// ChainProvider retrieves a point-in-time option chain for one underlying.
type ChainProvider interface {
	Snapshot(ctx context.Context, ticker string) (*chain.Snapshot, error)
}

// UniverseProvider ranks the market-wide universe of liquid underlyings.
type UniverseProvider interface {
	TopLiquid(ctx context.Context, limit int) ([]string, error)
}

var (
	// ErrPlanInsufficient is returned when the vendor plan does not cover the endpoint.
	ErrPlanInsufficient = errors.New("access denied: plan does not include this data")
	// ErrRateLimited is returned when the vendor throttles the account.
	ErrRateLimited = errors.New("rate limited by provider")
	// ErrMalformedResponse is returned for payloads that cannot be interpreted.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// ProviderError describes a failed vendor call.
type ProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("polygon %s (%d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("polygon %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether a failed call is worth retrying: network errors,
// timeouts and 5xx responses. Plan, throttling and payload errors are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrPlanInsufficient) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status > 0 {
		return pe.Status >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func statusError(op string, status int, body []byte) error {
	switch status {
	case http.StatusForbidden:
		return &ProviderError{Op: op, Status: status, Err: ErrPlanInsufficient}
	case http.StatusTooManyRequests:
		return &ProviderError{Op: op, Status: status, Err: ErrRateLimited}
	}
	msg := apiMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{Op: op, Status: status, Err: errors.New(msg)}
}
