// Package client provides the pooled HTTP client used to reach backend origins.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
)

// UpstreamClient sends requests to backend origins over a shared connection pool.
// It is safe for concurrent use.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// Only the dial and the wait for response headers are bounded. There is no
// overall client timeout, so large bodies can stream for as long as they flow.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	connectTimeout := cfg.Upstream.ConnectTimeout()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		MaxConnsPerHost:       cfg.Upstream.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: cfg.Upstream.ResponseTimeout(),
		ExpectContinueTimeout: time.Second,
		// Bodies are relayed byte for byte; never negotiate or decode gzip here.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Do executes a single attempt of req against its origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(routeName string, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"route", routeName,
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(routeName, method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(routeName, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(routeName, method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

// CloseIdleConnections releases pooled connections that are not in use.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
