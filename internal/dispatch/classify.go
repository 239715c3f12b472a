package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/hospitalcore/gateway/internal/pool"
	"github.com/hospitalcore/gateway/internal/router"
)

// classify maps a transport-level error to a failure kind. Errors with no
// specific classification are treated as connection resets: the connection
// is unusable either way and a reset is the conservative reading.
func classify(err error) FailureKind {
	if unwrapped := unwrapURLError(err); unwrapped != nil {
		err = unwrapped
	}

	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return FailurePoolExhausted
	case errors.Is(err, router.ErrNoRoute):
		return FailureNoRoute
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureConnectionRefused
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return FailureConnectionReset
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	return FailureConnectionReset
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return nil
}

// failure builds a Failure from a transport error.
func failure(err error) *Failure {
	return &Failure{Kind: classify(err), Err: err}
}
