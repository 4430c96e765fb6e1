// Package service implements request forwarding to backend origins.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"api-gateway/internal/client"
	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
	"api-gateway/internal/route"
)

// Dispatcher forwards authorized requests to the origin of their route.
// Each call makes exactly one upstream attempt; nothing is retried.
type Dispatcher struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics

	// breakers is keyed by route prefix and never modified after construction.
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a Dispatcher. When the circuit breaker is enabled in
// cfg, every route in table gets its own breaker.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewDispatcher(c *client.UpstreamClient, table *route.Table, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		client:   c,
		logger:   logger.With("component", "dispatcher"),
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	cb := cfg.Upstream.CircuitBreaker
	if !cb.Enabled {
		return d
	}
	for _, rt := range table.Routes() {
		d.breakers[rt.Prefix] = d.newBreaker(rt.Name, cb)
	}
	return d
}

func (d *Dispatcher) newBreaker(routeName string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(max(cfg.ConsecutiveFailures, 1)) //nolint:gosec // validated non-negative

	var cb *gobreaker.CircuitBreaker
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        routeName,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state change",
				"route", name,
				"from", from.String(),
				"to", to.String(),
			)
			if d.metrics != nil {
				d.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
		// A call with no verdict, such as a canceled caller or a failed upload,
		// cannot trip a closed breaker and cannot close a half-open one: the
		// half-open trial is spent and the breaker reopens.
		IsSuccessful: func(err error) bool {
			if errors.Is(err, errNoVerdict) {
				return cb.State() == gobreaker.StateClosed
			}
			return err == nil
		},
	})
	return cb
}

// Forward rewrites pr for rt and sends it upstream. The caller must close the
// response body. Errors are *UpstreamError (errors.Is ErrUpstreamUnavailable),
// *ClientError when the inbound body could not be read (errors.Is
// ErrClientRequest), or wrap ErrProxyInternal.
func (d *Dispatcher) Forward(rt *route.Route, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, body, err := d.buildRequest(rt, pr)
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %w", ErrProxyInternal, err)
	}

	d.logger.Debug("forwarding request",
		"route", rt.Name,
		"method", pr.Method,
		"path", pr.Path,
		"upstream_path", req.URL.Path,
	)

	resp, err := d.roundTrip(rt, req, body)
	if err != nil {
		if bodyErr := body.Err(); bodyErr != nil {
			return nil, classifyBodyError(bodyErr)
		}
		err = classify(rt.Name, err)
		d.recordError(rt.Name, err)
		return nil, err
	}

	model.RemoveHopByHopHeaders(resp.Header)
	return resp, nil
}

// roundTrip performs the single upstream attempt, through the route breaker if any.
func (d *Dispatcher) roundTrip(rt *route.Route, req *http.Request, body *bodyReader) (*model.ProxyResponse, error) {
	breaker, ok := d.breakers[rt.Prefix]
	if !ok {
		return d.client.Do(rt.Name, req)
	}

	var resp *model.ProxyResponse
	var callErr error
	_, err := breaker.Execute(func() (any, error) {
		resp, callErr = d.client.Do(rt.Name, req)
		switch {
		case callErr == nil:
			return nil, nil
		case body.Err() != nil, !isTransportFailure(callErr):
			return nil, errNoVerdict
		default:
			return nil, callErr
		}
	})
	if err != nil && !errors.Is(err, errNoVerdict) {
		return nil, err
	}
	return resp, callErr
}

// isTransportFailure reports whether err says something about origin health.
// Caller disconnects do not count against the breaker.
func isTransportFailure(err error) bool {
	var ue *UpstreamError
	if errors.As(classify("", err), &ue) {
		return ue.Kind != KindCanceled
	}
	return false
}

func (d *Dispatcher) buildRequest(rt *route.Route, pr *model.ProxyRequest) (*http.Request, *bodyReader, error) {
	target := *rt.Target
	target.Path = joinPath(rt.Target.Path, rt.RewritePath(pr.Path))
	target.RawPath = ""
	target.RawQuery = pr.RawQuery

	var body *bodyReader
	var reqBody io.Reader = http.NoBody
	if pr.Body != nil && pr.Body != http.NoBody && pr.ContentLength != 0 {
		body = &bodyReader{ReadCloser: pr.Body}
		reqBody = body
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), reqBody)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.ContentLength = pr.ContentLength
	}

	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	model.RemoveHopByHopHeaders(req.Header)
	req.Host = target.Host

	if _, ok := req.Header["User-Agent"]; !ok {
		// Keep net/http from inventing a User-Agent.
		req.Header.Set("User-Agent", "")
	}
	setForwardedHeaders(req.Header, pr)

	return req, body, nil
}

// bodyReader keeps the first read error of the inbound body, so a failed
// upload is not mistaken for an unreachable origin. The transport reads it
// from its own goroutine.
type bodyReader struct {
	io.ReadCloser

	mu  sync.Mutex
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

// Err returns the first non-EOF read error. It is safe on a nil receiver.
func (b *bodyReader) Err() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func setForwardedHeaders(h http.Header, pr *model.ProxyRequest) {
	if ip, _, err := net.SplitHostPort(pr.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if pr.Host != "" {
		h.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.Proto != "" {
		h.Set("X-Forwarded-Proto", pr.Proto)
	}
}

func (d *Dispatcher) recordError(routeName string, err error) {
	kind := "internal"
	var ue *UpstreamError
	if errors.As(err, &ue) {
		kind = ue.Kind
	}
	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(routeName, kind).Inc()
	}
}

// joinPath appends the rewritten path to the target's base path.
func joinPath(base, path string) string {
	if path == "" {
		path = "/"
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return path
	}
	if path == "/" {
		return base + "/"
	}
	return base + path
}
