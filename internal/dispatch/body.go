package dispatch

import (
	"io"
	"sync"
)

// hookReadCloser wraps a response body and invokes a completion hook exactly
// once, when the body is fully read, closed, or fails. The hook receives the
// read error, if any, so the caller can decide whether the connection is
// still usable.
type hookReadCloser struct {
	io.ReadCloser
	hook func(err error)

	once sync.Once
}

func newHookReadCloser(body io.ReadCloser, hook func(err error)) *hookReadCloser {
	return &hookReadCloser{ReadCloser: body, hook: hook}
}

func (h *hookReadCloser) done(err error) {
	h.once.Do(func() {
		h.hook(err)
	})
}

func (h *hookReadCloser) Read(p []byte) (int, error) {
	n, err := h.ReadCloser.Read(p)
	if err == io.EOF {
		h.done(nil)
	} else if err != nil {
		h.done(err)
	}
	return n, err
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done(nil)
	return err
}
