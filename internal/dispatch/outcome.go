// Package dispatch sends single request attempts to backends over pooled
// connections and classifies the result.
package dispatch

import (
	"fmt"
	"net/http"
)

// FailureKind classifies why a dispatch attempt failed.
type FailureKind int

const (
	// FailureTimeout covers connect or response deadlines expiring.
	FailureTimeout FailureKind = iota
	// FailureConnectionRefused means the backend actively refused the
	// TCP connection.
	FailureConnectionRefused
	// FailureConnectionReset means the connection dropped mid-exchange.
	// It is also the fallback for transport errors with no more specific
	// classification.
	FailureConnectionReset
	// FailurePoolExhausted means the caller's deadline expired while
	// waiting for a pooled connection.
	FailurePoolExhausted
	// FailureBackendError means the backend answered with a server error
	// status. The response is preserved for relay passthrough.
	FailureBackendError
	// FailureNoRoute means no route matched the request path.
	FailureNoRoute
	// FailureInvalidRequest means the outbound request could not be
	// constructed from the inbound one. No connection was used; never
	// retried.
	FailureInvalidRequest
)

var kindNames = map[FailureKind]string{
	FailureTimeout:           "timeout",
	FailureConnectionRefused: "connection_refused",
	FailureConnectionReset:   "connection_reset",
	FailurePoolExhausted:     "pool_exhausted",
	FailureBackendError:      "backend_error",
	FailureNoRoute:           "no_route",
	FailureInvalidRequest:    "invalid_request",
}

func (k FailureKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("failure_kind(%d)", int(k))
}

// ParseFailureKind parses a kind name as used in configuration.
func ParseFailureKind(s string) (FailureKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown failure kind %q", s)
}

// Failure describes a failed dispatch attempt.
type Failure struct {
	Kind FailureKind
	// Status is set for backend_error failures.
	Status int
	Err    error
}

func (f *Failure) Error() string {
	if f.Kind == FailureBackendError {
		return fmt.Sprintf("dispatch: backend_error status=%d", f.Status)
	}
	if f.Err != nil {
		return fmt.Sprintf("dispatch: %s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("dispatch: %s", f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the result of a dispatch attempt. Failure is nil on success.
// Response is set on success and on backend_error failures, where it carries
// the backend's error response for passthrough.
type Outcome struct {
	Response *http.Response
	Failure  *Failure
}

// Success reports whether the attempt succeeded.
func (o Outcome) Success() bool {
	return o.Failure == nil
}
