package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hospitalcore/gateway/internal/observability"
	"github.com/hospitalcore/gateway/internal/pool"
)

// Request is a single outbound request to a backend. Path and Query are the
// outbound values after routing. GetBody, when set, lets the retry
// controller replay the body on a fresh attempt.
type Request struct {
	Method        string
	Path          string
	Query         string
	Header        http.Header
	Body          io.ReadCloser
	GetBody       func() (io.ReadCloser, error)
	ContentLength int64
}

// idempotentMethods are the methods eligible for retry.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// IsIdempotent reports whether the method is idempotent and therefore
// eligible for retry.
func IsIdempotent(method string) bool {
	return idempotentMethods[method]
}

// Idempotent reports whether the request method is idempotent.
func (r *Request) Idempotent() bool {
	return idempotentMethods[r.Method]
}

// Clone returns a copy of the request with a fresh body for a new attempt.
// It fails if the original body was consumed and cannot be replayed.
func (r *Request) Clone() (*Request, error) {
	clone := *r
	clone.Header = r.Header.Clone()
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replaying request body: %w", err)
		}
		clone.Body = body
	} else if r.Body != nil {
		return nil, fmt.Errorf("request body is not replayable")
	}
	return &clone, nil
}

// Dispatcher performs single attempts against backends over pooled
// connections. It never retries; that is the retry controller's concern.
type Dispatcher struct {
	pools  *pool.Manager
	logger observability.Logger
}

// NewDispatcher creates a dispatcher over the given pool manager.
func NewDispatcher(pools *pool.Manager, logger observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{pools: pools, logger: logger}
}

// Dispatch sends one attempt to the named backend. The returned response
// body, when present, holds a pooled connection until it is fully read or
// closed; the connection is destroyed instead of reused if the body read
// fails.
func (d *Dispatcher) Dispatch(ctx context.Context, backend string, req *Request) Outcome {
	p, err := d.pools.Pool(backend)
	if err != nil {
		return Outcome{Failure: &Failure{Kind: FailureNoRoute, Err: err}}
	}

	lease, err := p.Acquire(ctx)
	if err != nil {
		return Outcome{Failure: failure(err)}
	}

	httpReq, err := d.buildRequest(ctx, p.Backend().Address(), req)
	if err != nil {
		// The connection was never touched.
		lease.Release(true)
		return Outcome{Failure: &Failure{Kind: FailureInvalidRequest, Err: err}}
	}

	resp, err := lease.RoundTrip(httpReq)
	if err != nil {
		lease.Release(false)
		return Outcome{Failure: failure(err)}
	}

	resp.Body = newHookReadCloser(resp.Body, func(readErr error) {
		lease.Release(readErr == nil)
	})

	if resp.StatusCode >= http.StatusInternalServerError {
		return Outcome{
			Response: resp,
			Failure:  &Failure{Kind: FailureBackendError, Status: resp.StatusCode},
		}
	}
	return Outcome{Response: resp}
}

func (d *Dispatcher) buildRequest(ctx context.Context, address string, req *Request) (*http.Request, error) {
	u := &url.URL{
		Scheme:   "http",
		Host:     address,
		Path:     req.Path,
		RawQuery: req.Query,
	}

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	httpReq.ContentLength = req.ContentLength
	if req.GetBody != nil {
		httpReq.GetBody = req.GetBody
	}
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}
	return httpReq, nil
}
