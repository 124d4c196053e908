package relay

import (
	"errors"
	"net/http"
	"sync/atomic"
)

var errFinished = errors.New("exchange already finished")

// exchange is the per-request output state. Only the relay loop writes
// through it; finished flips exactly once and every write checks it.
type exchange struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	finished atomic.Bool
	written  int64
}

func newExchange(w http.ResponseWriter) *exchange {
	f, _ := w.(http.Flusher)
	return &exchange{w: w, flusher: f}
}

// start sends the status line and headers for a text response.
func (x *exchange) start(status int) {
	h := x.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Del("Content-Length")
	x.w.WriteHeader(status)
	x.flush()
}

func (x *exchange) write(s string) error {
	if x.finished.Load() {
		return errFinished
	}
	n, err := x.w.Write([]byte(s))
	x.written += int64(n)
	if err != nil {
		return err
	}
	x.flush()
	return nil
}

// finish reports whether this call performed the transition.
func (x *exchange) finish() bool {
	return x.finished.CompareAndSwap(false, true)
}

func (x *exchange) flush() {
	if x.flusher != nil {
		x.flusher.Flush()
	}
}
