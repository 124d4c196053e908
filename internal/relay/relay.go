// Package relay streams an upstream chat completion back to the browser as
// plain text.
//
// One Serve call owns one exchange: it dispatches the request, classifies
// the upstream answer, and either emits a single diagnostic block or pumps
// SSE events through the extractor onto the response, with a keep-alive
// heartbeat while the upstream is quiet. Every failure ends as text in the
// response body.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/extract"
	"chat-relay/internal/metrics"
	"chat-relay/internal/model"
	"chat-relay/internal/sse"
)

// heartbeat is written while the upstream is idle so intermediaries keep the connection.
const heartbeat = " "

// previewLen bounds how much of each event is logged.
const previewLen = 200

// Dispatcher forwards a request upstream. A non-2xx answer is a response, not an error.
type Dispatcher interface {
	Forward(*model.RelayRequest) (*model.UpstreamResponse, error)
}

// Outcome is how an exchange ended.
type Outcome string

const (
	OutcomeDone          Outcome = "done"           // [DONE] received
	OutcomeEOF           Outcome = "eof"            // upstream closed without [DONE]
	OutcomeDiagnostic    Outcome = "diagnostic"     // upstream answered without a stream
	OutcomeError         Outcome = "error"          // failure after streaming began
	OutcomeDispatchError Outcome = "dispatch_error" // no upstream response at all
	OutcomeCanceled      Outcome = "canceled"       // client went away
	OutcomeTimeout       Outcome = "timeout"        // MaxDuration elapsed
)

// Options tunes a Relay. Zero durations disable the corresponding timer.
type Options struct {
	Heartbeat          time.Duration
	MaxDuration        time.Duration
	MaxEventBytes      int
	MaxDiagnosticBytes int64
}

// Summary describes one finished exchange.
type Summary struct {
	Outcome        Outcome
	UpstreamStatus int
	Events         int
	Malformed      int
	Fragments      int
	Heartbeats     int
	Bytes          int64
	Duration       time.Duration
}

// Relay runs streaming exchanges.
type Relay struct {
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a Relay. The metrics parameter is optional; pass nil to disable.
func New(d Dispatcher, opts Options, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if opts.MaxDiagnosticBytes <= 0 {
		opts.MaxDiagnosticBytes = 1 << 20
	}
	return &Relay{
		dispatcher: d,
		opts:       opts,
		logger:     logger.With("component", "relay"),
		metrics:    m,
	}
}

// Serve runs one exchange for rr and writes the result to w. It returns once
// the response is complete; it never leaves w without a status and body
// unless the client has already gone.
func (r *Relay) Serve(w http.ResponseWriter, rr *model.RelayRequest) Summary {
	start := time.Now()
	parent := rr.Ctx
	if parent == nil {
		parent = context.Background()
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.opts.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(parent, r.opts.MaxDuration)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	fwd := *rr
	fwd.Ctx = ctx

	var sum Summary
	x := newExchange(w)

	resp, err := r.dispatcher.Forward(&fwd)
	switch {
	case err != nil && ctx.Err() != nil:
		sum.Outcome = abortOutcome(ctx)
		x.finish()
	case err != nil:
		r.logger.Error("dispatch failed", "err", Redact(err.Error()), "path", rr.Path)
		x.start(http.StatusInternalServerError)
		_ = x.write(errorBlock("upstream_unreachable", err))
		x.finish()
		sum.Outcome = OutcomeDispatchError
	default:
		defer func() { _ = resp.Body.Close() }()
		sum.UpstreamStatus = resp.StatusCode
		r.logger.Debug("upstream answered",
			"status", resp.StatusCode,
			"content_type", resp.ContentType(),
			"path", rr.Path,
		)
		if strings.Contains(resp.ContentType(), "stream") {
			r.stream(ctx, x, resp, &sum)
		} else {
			r.diagnose(x, resp, &sum)
		}
	}

	sum.Bytes = x.written
	sum.Duration = time.Since(start)
	r.record(&sum)
	return sum
}

// diagnose emits a non-stream upstream body as one fenced block.
func (r *Relay) diagnose(x *exchange, resp *model.UpstreamResponse, sum *Summary) {
	sum.Outcome = OutcomeDiagnostic
	x.start(http.StatusOK)

	b, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxDiagnosticBytes))
	if err != nil {
		_ = x.write(errorBlock("upstream_read", fmt.Errorf("read upstream body: %w", err)))
		x.finish()
		sum.Outcome = OutcomeError
		return
	}
	content := Redact(strings.ToValidUTF8(string(b), "�"))
	r.logger.Warn("upstream answered without a stream",
		"status", resp.StatusCode,
		"content_type", resp.ContentType(),
		"body", preview(content),
	)
	_ = x.write(Fence(content))
	x.finish()
}

// producerResult is what the reading goroutine reports when it stops.
type producerResult struct {
	term      sse.Termination
	err       error
	events    int
	malformed int
}

// stream pumps upstream events to the browser until [DONE], EOF, failure or cancellation.
func (r *Relay) stream(ctx context.Context, x *exchange, resp *model.UpstreamResponse, sum *Summary) {
	x.start(http.StatusOK)

	frags := make(chan string)
	done := make(chan producerResult, 1)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var res producerResult
		res.term, res.err = sse.Demux(resp.Body, sse.Options{MaxEventBytes: r.opts.MaxEventBytes}, func(ev sse.Event) bool {
			res.events++
			out := extract.Extract(ev.Data)
			switch {
			case !out.Valid:
				res.malformed++
				r.countEvent("malformed")
				r.logger.Warn("skipping malformed event", "event", res.events, "data", preview(ev.Data))
				return true
			case out.Fragment == "":
				r.countEvent("empty")
				return true
			}
			r.countEvent("emitted")
			r.logger.Debug("event", "event", res.events, "shape", out.Shape, "data", preview(ev.Data))
			select {
			case frags <- out.Fragment:
				return true
			case <-stop:
				return false
			}
		})
		done <- res
	}()

	// abort stops the reader: closing the body unblocks a pending read.
	abort := func() producerResult {
		close(stop)
		_ = resp.Body.Close()
		wg.Wait()
		return <-done
	}

	var tick <-chan time.Time
	if r.opts.Heartbeat > 0 {
		t := time.NewTicker(r.opts.Heartbeat)
		defer t.Stop()
		tick = t.C
	}

	// stopOn ends the exchange early: no byte is written after it runs.
	stopOn := func(outcome Outcome) {
		x.finish()
		res := abort()
		sum.Events, sum.Malformed = res.events, res.malformed
		sum.Outcome = outcome
		r.logger.Info("stream aborted", "outcome", sum.Outcome, "fragments", sum.Fragments)
	}

	for {
		select {
		case <-ctx.Done():
			stopOn(abortOutcome(ctx))
			return

		case frag := <-frags:
			// ctx may be done while a fragment was also ready.
			if ctx.Err() != nil {
				stopOn(abortOutcome(ctx))
				return
			}
			if err := x.write(frag); err != nil {
				r.logger.Info("client write failed", "err", err)
				stopOn(OutcomeCanceled)
				return
			}
			sum.Fragments++
			if r.metrics != nil {
				r.metrics.StreamedBytes.Add(float64(len(frag)))
			}

		case <-tick:
			if ctx.Err() != nil {
				stopOn(abortOutcome(ctx))
				return
			}
			if err := x.write(heartbeat); err != nil {
				stopOn(OutcomeCanceled)
				return
			}
			sum.Heartbeats++
			if r.metrics != nil {
				r.metrics.Heartbeats.Inc()
			}

		case res := <-done:
			wg.Wait()
			sum.Events, sum.Malformed = res.events, res.malformed
			switch {
			case ctx.Err() != nil:
				sum.Outcome = abortOutcome(ctx)
			case res.err != nil:
				r.logger.Error("stream failed", "err", Redact(res.err.Error()), "fragments", sum.Fragments)
				block := errorBlock("stream_error", res.err)
				if x.written > 0 {
					block = "\n\n" + block
				}
				_ = x.write(block)
				sum.Outcome = OutcomeError
			case res.term == sse.Sentinel:
				sum.Outcome = OutcomeDone
			default:
				sum.Outcome = OutcomeEOF
			}
			x.finish()
			return
		}
	}
}

func (r *Relay) countEvent(result string) {
	if r.metrics != nil {
		r.metrics.StreamEvents.WithLabelValues(result).Inc()
	}
}

func (r *Relay) record(sum *Summary) {
	if r.metrics != nil {
		r.metrics.StreamsTotal.WithLabelValues(string(sum.Outcome)).Inc()
	}
}

func abortOutcome(ctx context.Context) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeCanceled
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
