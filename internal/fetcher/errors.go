package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies fetch failures.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindUnknown     Kind = "unknown"
)

var (
	// ErrUnsupported marks an operation the exchange does not expose publicly.
	ErrUnsupported = errors.New("fetcher: operation not supported")
	// ErrDiscovery marks a failed market listing.
	ErrDiscovery = errors.New("fetcher: market discovery failed")
)

// HTTPStatusError carries a non-2xx exchange response.
type HTTPStatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance api error (%d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("binance api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("binance api error (%d)", e.StatusCode)
}

// FetchError is the classified error returned by guarded source calls.
type FetchError struct {
	Kind   Kind
	Op     string
	Market string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Market != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Market, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind != KindNotFound
}

// DiscoveryError wraps a failure to list markets. Callers retry with backoff.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDiscovery, e.Err)
}

func (e *DiscoveryError) Unwrap() []error { return []error{ErrDiscovery, e.Err} }

// Binance error codes treated as "not found".
const (
	codeInvalidSymbol = -1121
	codeBadSymbol     = -1100
)

// Classify maps any error onto a fetch error kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrUnsupported) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusTeapot:
			return KindRateLimited
		case statusErr.StatusCode == http.StatusNotFound:
			return KindNotFound
		case statusErr.Code == codeInvalidSymbol || statusErr.Code == codeBadSymbol:
			return KindNotFound
		case statusErr.StatusCode == http.StatusGatewayTimeout || statusErr.StatusCode == http.StatusRequestTimeout:
			return KindTimeout
		}
	}
	return KindUnknown
}

func classify(op, symbol string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: Classify(err), Op: op, Market: symbol, Err: err}
}
