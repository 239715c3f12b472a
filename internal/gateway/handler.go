// Package gateway assembles the proxy handler and servers.
package gateway

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hospitalcore/gateway/internal/breaker"
	"github.com/hospitalcore/gateway/internal/dispatch"
	"github.com/hospitalcore/gateway/internal/metrics"
	"github.com/hospitalcore/gateway/internal/observability"
	"github.com/hospitalcore/gateway/internal/relay"
	"github.com/hospitalcore/gateway/internal/retry"
	"github.com/hospitalcore/gateway/internal/router"
)

// maxReplayableBody bounds how much of an idempotent request body is
// buffered to make retries possible. Larger bodies get a single attempt.
const maxReplayableBody = 4 << 20

// hopByHopHeaders are stripped from inbound requests before forwarding.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler proxies requests: route, send with retry, relay the outcome.
type Handler struct {
	router   *router.Router
	retrier  *retry.Controller
	relay    *relay.Relay
	breakers *breaker.Registry
	metrics  *metrics.Metrics
	logger   observability.Logger

	// forwardOnly, when non-nil, restricts the inbound headers forwarded
	// to backends to the listed names.
	forwardOnly map[string]bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithBreakers enables per-backend circuit breaking.
func WithBreakers(breakers *breaker.Registry) HandlerOption {
	return func(h *Handler) {
		h.breakers = breakers
	}
}

// WithMetrics enables request metrics.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithForwardedHeaders restricts which inbound headers are forwarded to
// backends. An empty list forwards everything except hop-by-hop headers.
func WithForwardedHeaders(names []string) HandlerOption {
	return func(h *Handler) {
		if len(names) == 0 {
			return
		}
		h.forwardOnly = make(map[string]bool, len(names))
		for _, name := range names {
			h.forwardOnly[http.CanonicalHeaderKey(name)] = true
		}
	}
}

// NewHandler creates the proxy handler.
func NewHandler(rt *router.Router, retrier *retry.Controller, rl *relay.Relay, logger observability.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		router:  rt,
		retrier: retrier,
		relay:   rl,
		logger:  logger,
	}
	if h.logger == nil {
		h.logger = observability.NopLogger()
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	match, err := h.router.Resolve(r.URL.Path)
	if err != nil {
		f := &dispatch.Failure{Kind: dispatch.FailureNoRoute, Err: err}
		h.observe("", r.Method, relay.StatusForFailure(f), f, start)
		h.relay.WriteError(w, f)
		return
	}
	backend := match.Route.Backend

	req, err := h.outboundRequest(r, match)
	if err != nil {
		h.logger.WithContext(r.Context()).Warn("reading request body",
			observability.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	outcome, open := h.send(r, backend, req)
	if open {
		h.logger.WithContext(r.Context()).Warn("circuit open",
			observability.String("backend", backend))
		writeBreakerOpen(w)
		h.observe(backend, r.Method, http.StatusServiceUnavailable, nil, start)
		return
	}

	status := 0
	if outcome.Response != nil {
		status = outcome.Response.StatusCode
	} else if outcome.Failure != nil {
		status = relay.StatusForFailure(outcome.Failure)
	}
	h.observe(backend, r.Method, status, outcome.Failure, start)

	if outcome.Failure != nil {
		h.logger.WithContext(r.Context()).Warn("dispatch failed",
			observability.String("backend", backend),
			observability.String("kind", outcome.Failure.Kind.String()),
			observability.Int("status", status),
			observability.Error(outcome.Failure.Err))
	}

	h.relay.WriteOutcome(w, outcome)
}

// send runs the request through the retry controller, under the backend's
// circuit breaker when enabled. The boolean reports an open circuit.
func (h *Handler) send(r *http.Request, backend string, req *dispatch.Request) (dispatch.Outcome, bool) {
	if h.breakers == nil {
		return h.retrier.Send(r.Context(), backend, req), false
	}

	var outcome dispatch.Outcome
	err := h.breakers.Execute(backend, func() bool {
		outcome = h.retrier.Send(r.Context(), backend, req)
		return outcome.Success()
	})
	if err != nil {
		return dispatch.Outcome{}, true
	}
	return outcome, false
}

// outboundRequest converts the inbound request into a dispatch request with
// the routed path, forwarded headers, and a replayable body when retrying is
// possible.
func (h *Handler) outboundRequest(r *http.Request, match *router.Match) (*dispatch.Request, error) {
	header := r.Header.Clone()
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
	if h.forwardOnly != nil {
		for name := range header {
			if !h.forwardOnly[name] {
				header.Del(name)
			}
		}
	}
	appendForwardedFor(header, r.RemoteAddr)

	req := &dispatch.Request{
		Method:        r.Method,
		Path:          match.Path,
		Query:         r.URL.RawQuery,
		Header:        header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
	}

	// Small idempotent bodies are buffered so a retry can replay them.
	if dispatch.IsIdempotent(r.Method) && r.Body != nil && r.ContentLength > 0 && r.ContentLength <= maxReplayableBody {
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxReplayableBody+1))
		if err != nil {
			return nil, err
		}
		r.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(buf))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
		req.ContentLength = int64(len(buf))
	}

	return req, nil
}

func appendForwardedFor(header http.Header, remoteAddr string) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if prior := header.Get("X-Forwarded-For"); prior != "" {
		header.Set("X-Forwarded-For", prior+", "+host)
	} else {
		header.Set("X-Forwarded-For", host)
	}
}

func writeBreakerOpen(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"error":"circuit_open","message":"backend temporarily unavailable"}`))
}

func (h *Handler) observe(backend, method string, status int, f *dispatch.Failure, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveRequest(backend, method, strconv.Itoa(status), time.Since(start))
	if f != nil {
		h.metrics.ObserveFailure(backend, f.Kind.String())
	}
}
