// Package relay writes dispatch outcomes back to the caller, streaming
// backend responses and mapping failures to gateway error responses.
package relay

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/hospitalcore/gateway/internal/dispatch"
	"github.com/hospitalcore/gateway/internal/observability"
)

// hopByHopHeaders are connection-scoped and never forwarded.
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

// StatusForFailure maps a failure kind to the status returned to the
// caller. Backend error statuses pass through unchanged.
func StatusForFailure(f *dispatch.Failure) int {
	switch f.Kind {
	case dispatch.FailureTimeout, dispatch.FailurePoolExhausted:
		return http.StatusGatewayTimeout
	case dispatch.FailureConnectionRefused, dispatch.FailureConnectionReset:
		return http.StatusBadGateway
	case dispatch.FailureBackendError:
		return f.Status
	case dispatch.FailureNoRoute:
		return http.StatusNotFound
	case dispatch.FailureInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// errorBody is the JSON shape of gateway-generated error responses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var failureMessages = map[dispatch.FailureKind]string{
	dispatch.FailureTimeout:           "upstream request timed out",
	dispatch.FailureConnectionRefused: "upstream connection refused",
	dispatch.FailureConnectionReset:   "upstream connection reset",
	dispatch.FailurePoolExhausted:     "upstream connection pool exhausted",
	dispatch.FailureNoRoute:           "no route for request path",
	dispatch.FailureInvalidRequest:    "request could not be forwarded",
}

// Relay writes outcomes to response writers.
type Relay struct {
	logger observability.Logger
}

// New creates a relay.
func New(logger observability.Logger) *Relay {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Relay{logger: logger}
}

// WriteOutcome sends the outcome to the caller. Backend responses, error
// statuses included, stream through verbatim; connection-level failures
// become JSON error responses.
func (r *Relay) WriteOutcome(w http.ResponseWriter, outcome dispatch.Outcome) {
	if outcome.Response != nil {
		r.writeResponse(w, outcome.Response)
		return
	}
	r.WriteError(w, outcome.Failure)
}

// WriteError sends a gateway-generated JSON error response.
func (r *Relay) WriteError(w http.ResponseWriter, f *dispatch.Failure) {
	status := StatusForFailure(f)
	message := failureMessages[f.Kind]
	if message == "" {
		message = "upstream request failed"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{
		Error:   f.Kind.String(),
		Message: message,
	}); err != nil {
		r.logger.Debug("writing error response", observability.Error(err))
	}
}

// writeResponse streams a backend response to the caller, flushing as data
// arrives so long-lived responses are not buffered.
func (r *Relay) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}

	w.WriteHeader(resp.StatusCode)

	if err := copyFlush(w, resp.Body); err != nil {
		// The caller went away or the backend broke mid-stream; the
		// body hook destroys the pooled connection on read errors.
		r.logger.Debug("relaying response body", observability.Error(err))
	}
}

// copyFlush copies src to dst, flushing after each chunk.
func copyFlush(dst io.Writer, src io.Reader) error {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
