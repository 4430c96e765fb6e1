package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"api-gateway/internal/audit"
	"api-gateway/internal/auth"
	"api-gateway/internal/client"
	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/route"
	"api-gateway/internal/service"
)

const testToken = "valid_token"

type testGateway struct {
	echo    *echo.Echo
	metrics *metrics.Metrics
}

// newTestGateway wires the full pipeline with a static verifier accepting
// testToken. routes maps prefix to origin URL; every route strips its prefix.
func newTestGateway(t *testing.T, routes map[string]string, responseTimeout int) *testGateway {
	t.Helper()

	cfg := &config.Config{
		Auth: config.AuthConfig{Mode: config.AuthModeStatic, SharedSecret: testToken},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds:  1,
			ResponseTimeoutSeconds: responseTimeout,
			IdleConnections:        10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	var rts []route.Route
	for prefix, origin := range routes {
		target, err := url.Parse(origin)
		if err != nil {
			t.Fatalf("parse %q: %v", origin, err)
		}
		rts = append(rts, route.Route{Prefix: prefix, Target: target, Rewrite: route.StripPrefix(prefix)})
	}
	table, err := route.NewTable(rts...)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(table.Prefixes()...)

	verifier, err := auth.NewStaticVerifier(testToken)
	if err != nil {
		t.Fatalf("NewStaticVerifier: %v", err)
	}
	authn := auth.NewAuthenticator(verifier, audit.NewLogAuditor(logger), logger, m)
	uc := client.NewUpstreamClient(cfg, logger, m)
	t.Cleanup(uc.CloseIdleConnections)
	d := service.NewDispatcher(uc, table, cfg, logger, m)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.BodyLimit("1KB"))
	RegisterRoutes(e, cfg, NewGatewayHandler(table, authn, d, logger), NewHealthHandler(cfg, table, "test"), m)

	return &testGateway{echo: e, metrics: m}
}

func (g *testGateway) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	g.echo.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func decodeMessage(t *testing.T, body []byte) string {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
	if len(m) != 1 {
		t.Errorf("body has %d fields, want only message: %s", len(m), body)
	}
	return m["message"]
}

func TestGateway_ForwardsAuthorizedRequest(t *testing.T) {
	const payload = `[{"id":"1","name":"exp1","status":"Completed","createdAt":"2024-01-01T00:00:00Z","metrics":null}]`

	var gotMethod, gotPath, gotQuery, gotRequestID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotRequestID = r.Header.Get(echo.HeaderXRequestID)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "main")
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)
	rec := g.do(http.MethodGet, "/api/v1/experiments?page=2", bearer(testToken))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if rec.Body.String() != payload {
		t.Errorf("body = %q, want %q", rec.Body.String(), payload)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Header().Get("X-Backend") != "main" {
		t.Error("upstream response header not relayed")
	}
	if gotMethod != http.MethodGet {
		t.Errorf("upstream method = %q, want GET", gotMethod)
	}
	if gotPath != "/experiments" {
		t.Errorf("upstream path = %q, want /experiments", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("upstream query = %q, want page=2", gotQuery)
	}
	if gotRequestID == "" || gotRequestID != rec.Header().Get(echo.HeaderXRequestID) {
		t.Errorf("upstream request id = %q, response request id = %q", gotRequestID, rec.Header().Get(echo.HeaderXRequestID))
	}
}

func TestGateway_RelaysUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad input"}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)
	rec := g.do(http.MethodPost, "/api/v1/experiments", bearer(testToken))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	if rec.Body.String() != `{"error":"bad input"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGateway_UnauthorizedNeverReachesUpstream(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)

	tests := []struct {
		name   string
		header http.Header
	}{
		{"no header", nil},
		{"wrong token", bearer("nope")},
		{"empty bearer", http.Header{"Authorization": {"Bearer "}}},
		{"basic scheme", http.Header{"Authorization": {"Basic dXNlcjpwYXNz"}}},
		{"bare token", http.Header{"Authorization": {testToken}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(http.MethodGet, "/api/v1/experiments", tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if msg := decodeMessage(t, rec.Body.Bytes()); msg != "Unauthorized" {
				t.Errorf("message = %q, want Unauthorized", msg)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream received %d requests, want 0", n)
	}
}

func TestGateway_UnknownPrefixNotFound(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)

	for _, path := range []string{"/nope", "/api/v10/x", "/api", "/"} {
		t.Run(path, func(t *testing.T) {
			rec := g.do(http.MethodGet, path, bearer(testToken))
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
			if msg := decodeMessage(t, rec.Body.Bytes()); msg != "Not Found" {
				t.Errorf("message = %q, want Not Found", msg)
			}
		})
	}

	// Route resolution happens before authentication.
	rec := g.do(http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unauthenticated unknown path status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream received %d requests, want 0", n)
	}
}

func TestGateway_LongestPrefixSelectsRoute(t *testing.T) {
	backend := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, "%s:%s", name, r.URL.Path)
		}))
	}
	main := backend("main")
	defer main.Close()
	jobs := backend("jobs")
	defer jobs.Close()

	g := newTestGateway(t, map[string]string{
		"/api":      main.URL,
		"/api/jobs": jobs.URL,
	}, 5)

	tests := []struct {
		path string
		want string
	}{
		{"/api/jobs/42", "jobs:/42"},
		{"/api/jobs", "jobs:/"},
		{"/api/jobsx", "main:/jobsx"},
		{"/api/experiments", "main:/experiments"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := g.do(http.MethodGet, tt.path, bearer(testToken))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Body.String() != tt.want {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestGateway_UpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": "http://" + addr}, 5)

	start := time.Now()
	rec := g.do(http.MethodGet, "/api/v1/experiments", bearer(testToken))
	elapsed := time.Since(start)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := decodeMessage(t, rec.Body.Bytes()); msg != "Bad Gateway" {
		t.Errorf("message = %q, want Bad Gateway", msg)
	}
	if elapsed > 3*time.Second {
		t.Errorf("took %v, want under the connect timeout bound", elapsed)
	}
}

func TestGateway_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	defer close(release)

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 1)

	start := time.Now()
	rec := g.do(http.MethodGet, "/api/v1/slow", bearer(testToken))
	elapsed := time.Since(start)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if msg := decodeMessage(t, rec.Body.Bytes()); msg != "Gateway Timeout" {
		t.Errorf("message = %q, want Gateway Timeout", msg)
	}
	if elapsed > 3*time.Second {
		t.Errorf("took %v, want about the 1s response timeout", elapsed)
	}
}

func TestGateway_SlowUpstreamDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 10)
	srv := httptest.NewServer(g.echo)
	defer srv.Close()

	slowDone := make(chan string, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/slow", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			slowDone <- "error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		slowDone <- string(b)
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/fast/%d", i)
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1"+path, http.NoBody)
			req.Header.Set("Authorization", "Bearer "+testToken)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			if string(b) != path {
				errs <- fmt.Errorf("request %d got body %q, want %q", i, b, path)
			}
		}(i)
	}

	fastDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(fastDone)
	}()

	select {
	case <-fastDone:
	case <-time.After(5 * time.Second):
		t.Fatal("fast requests blocked behind slow upstream")
	}
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	select {
	case body := <-slowDone:
		t.Fatalf("slow request finished before release: %q", body)
	default:
	}

	close(release)
	select {
	case body := <-slowDone:
		if body != "/slow" {
			t.Errorf("slow body = %q, want /slow", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slow request did not finish after release")
	}
}

func TestGateway_ClientDisconnectCancelsUpstream(t *testing.T) {
	arrived := make(chan struct{})
	canceled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		select {
		case <-r.Context().Done():
			close(canceled)
		case <-time.After(10 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 30)
	srv := httptest.NewServer(g.echo)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/hang", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testToken)

	go func() {
		<-arrived
		cancel()
	}()
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not canceled after client disconnect")
	}
}

func TestGateway_MidStreamFailureAbortsResponse(t *testing.T) {
	// Origin promises 100 bytes, sends 10, then drops the connection.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 100\r\n\r\n0123456789")
		_ = buf.Flush()
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)
	srv := httptest.NewServer(g.echo)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/partial", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// Aborted before headers reached the client; also a failure signal.
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want upstream 200 already committed", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("read complete body %q, want truncated stream error", body)
	}
	if len(body) >= 100 {
		t.Errorf("read %d bytes, want fewer than declared", len(body))
	}
}

func TestGateway_StreamsChunkedBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for i := range 3 {
			_, _ = fmt.Fprintf(w, "event %d\n", i)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)
	srv := httptest.NewServer(g.echo)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/events", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if strings.Join(lines, ",") != "event 0,event 1,event 2" {
		t.Errorf("lines = %v", lines)
	}
}

func TestGateway_ForwardsRequestBody(t *testing.T) {
	var gotBody, gotCT string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/jobs": upstream.URL}, 5)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/run", strings.NewReader(`{"job":"train"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if gotBody != `{"job":"train"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if gotCT != "application/json" {
		t.Errorf("upstream Content-Type = %q", gotCT)
	}
}

func TestGateway_OversizedChunkedUpload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	g := newTestGateway(t, map[string]string{"/api/v1": upstream.URL}, 5)

	// MultiReader hides the length, so the body arrives chunked and the
	// limit is only hit while streaming it upstream.
	body := io.MultiReader(strings.NewReader(strings.Repeat("x", 4096)))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	g.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusRequestEntityTooLarge, rec.Body.String())
	}
	if msg := decodeMessage(t, rec.Body.Bytes()); msg != "Request Entity Too Large" {
		t.Errorf("message = %q, want Request Entity Too Large", msg)
	}
	if v := testutil.CollectAndCount(g.metrics.UpstreamErrors); v != 0 {
		t.Errorf("upstream error series = %d, want 0", v)
	}
}
