package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"api-gateway/internal/auth"
	"api-gateway/internal/model"
	"api-gateway/internal/route"
	"api-gateway/internal/service"
)

// copyBufPool holds fixed-size buffers for relaying response bodies.
var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// GatewayHandler runs the per-request pipeline: resolve the route,
// authenticate, forward, relay.
type GatewayHandler struct {
	routes     *route.Table
	auth       *auth.Authenticator
	dispatcher *service.Dispatcher
	logger     *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(routes *route.Table, a *auth.Authenticator, d *service.Dispatcher, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		routes:     routes,
		auth:       a,
		dispatcher: d,
		logger:     logger.With("component", "gateway_handler"),
	}
}

// Handle serves one inbound request. Unmatched paths and unauthenticated
// requests are rejected before any upstream connection is made.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	rt, err := h.routes.Resolve(req.URL.Path)
	if err != nil {
		return h.mapError(c, err)
	}

	creds := auth.ExtractCredentials(req.Header)
	creds.Origin = model.Origin{
		Method:    req.Method,
		Path:      req.URL.Path,
		RemoteIP:  c.RealIP(),
		RequestID: requestID,
	}
	if decision := h.auth.Authenticate(req.Context(), creds); !decision.Authorized {
		return h.mapError(c, auth.ErrUnauthorized)
	}

	if requestID != "" && req.Header.Get(echo.HeaderXRequestID) == "" {
		req.Header.Set(echo.HeaderXRequestID, requestID)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Host:          req.Host,
		Proto:         c.Scheme(),
		RemoteAddr:    req.RemoteAddr,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.dispatcher.Forward(rt, pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := c.Response().Header()
	for key, vals := range resp.Header {
		out[key] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(resp.StatusCode)

	if err := relay(c.Response(), resp); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"route", rt.Name,
			"path", req.URL.Path,
			"request_id", requestID,
		)
		// Status and part of the body are already out; abort the connection
		// so the caller sees a failed response rather than a short one.
		panic(http.ErrAbortHandler)
	}

	return nil
}

// relay copies the upstream body with a pooled buffer. Bodies of unknown
// length are flushed after every chunk so streamed responses are not held back.
func relay(w http.ResponseWriter, resp *model.ProxyResponse) error {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	flush := resp.ContentLength < 0
	rc := http.NewResponseController(w)

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flush {
				_ = rc.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	req := c.Request()
	attrs := []any{
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	}

	if errors.Is(err, route.ErrNoRoute) {
		h.logger.Debug("no route", attrs...)
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Not Found"})
	}

	if errors.Is(err, auth.ErrUnauthorized) {
		// The authenticator has already audited the decision.
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		attrs = append(attrs, "route", ue.Route, "kind", ue.Kind)
		if ue.Kind == service.KindCanceled {
			h.logger.Info("client disconnected before upstream responded", attrs...)
		} else {
			h.logger.Error("upstream unavailable", attrs...)
		}
		if ue.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{"message": "Gateway Timeout"})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "Bad Gateway"})
	}

	var ce *service.ClientError
	if errors.As(err, &ce) {
		attrs = append(attrs, "kind", ce.Kind)
		if ce.TooLarge() {
			h.logger.Warn("request body too large", attrs...)
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"message": "Request Entity Too Large"})
		}
		h.logger.Info("client aborted request body", attrs...)
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Bad Request"})
	}

	h.logger.Error("proxy internal error", attrs...)
	return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
}
