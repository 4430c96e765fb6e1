package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker"
)

var (
	// ErrUpstreamUnavailable matches every *UpstreamError.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrProxyInternal marks failures inside the gateway itself.
	ErrProxyInternal = errors.New("proxy internal error")

	// ErrClientRequest matches every *ClientError.
	ErrClientRequest = errors.New("client request failed")

	// errNoVerdict marks calls whose outcome says nothing about origin health.
	errNoVerdict = errors.New("no verdict on origin health")
)

// Upstream failure kinds. Also used as metric label values.
const (
	KindTimeout     = "timeout"
	KindDNS         = "dns"
	KindUnreachable = "unreachable"
	KindCanceled    = "canceled"
	KindCircuitOpen = "circuit_open"
)

// Client failure kinds.
const (
	KindBodyTooLarge = "body_too_large"
	KindClientAbort  = "client_abort"
)

// UpstreamError reports that a target origin could not produce a response.
type UpstreamError struct {
	Route string
	Kind  string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Route, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUpstreamUnavailable) true for any UpstreamError.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// Timeout reports whether the upstream did not answer within the bound.
func (e *UpstreamError) Timeout() bool { return e.Kind == KindTimeout }

// classify maps a round-trip error to an UpstreamError, or to ErrProxyInternal
// when the failure did not come from the transport.
func classify(routeName string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UpstreamError{Route: routeName, Kind: KindCircuitOpen, Err: err}
	}

	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", ErrProxyInternal, err)
	}

	kind := KindUnreachable
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		kind = KindDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &UpstreamError{Route: routeName, Kind: kind, Err: err}
}

// ClientError reports that the inbound request body could not be read while
// it was being sent upstream. The origin is not at fault.
type ClientError struct {
	Kind string
	Err  error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client request %s: %v", e.Kind, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrClientRequest) true for any ClientError.
func (e *ClientError) Is(target error) bool { return target == ErrClientRequest }

// TooLarge reports whether the body exceeded the configured limit.
func (e *ClientError) TooLarge() bool { return e.Kind == KindBodyTooLarge }

// classifyBodyError maps an inbound body read error to a ClientError.
func classifyBodyError(err error) *ClientError {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return &ClientError{Kind: KindBodyTooLarge, Err: err}
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return &ClientError{Kind: KindBodyTooLarge, Err: err}
	}
	return &ClientError{Kind: KindClientAbort, Err: err}
}
