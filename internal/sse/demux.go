// Package sse turns an upstream byte stream into discrete server-sent events.
//
// Bytes pass through a streaming UTF-8 decoder before framing, so chunk
// boundaries, including ones that split a line or a multi-byte character,
// never change the events produced.
package sse

import (
	"fmt"
	"io"
	"strings"

	gosse "github.com/tmaxmax/go-sse"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Done is the payload an upstream sends as its final event.
const Done = "[DONE]"

// Event is one dispatched SSE block. Data holds the newline-joined data fields.
type Event struct {
	Type string
	Data string
}

// Termination reports why Demux stopped reading.
type Termination int

const (
	// EndOfStream means the body ended without a sentinel; it counts as completion.
	EndOfStream Termination = iota
	// Sentinel means a [DONE] event arrived. Nothing after it was read.
	Sentinel
	// Stopped means the handler asked to stop.
	Stopped
)

func (t Termination) String() string {
	switch t {
	case Sentinel:
		return "done"
	case Stopped:
		return "stopped"
	default:
		return "eof"
	}
}

// Options bounds the parser.
type Options struct {
	// MaxEventBytes caps a single event; 0 uses the parser default.
	MaxEventBytes int
}

// NewUTF8Reader wraps r in a streaming UTF-8 decoder. An incomplete sequence
// at the end of one read is held until the next, invalid bytes become U+FFFD
// and a leading byte order mark is dropped.
func NewUTF8Reader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
}

// Demux reads r to completion, calling handle for every event in arrival
// order. The [DONE] sentinel is never passed to handle. handle returns false
// to stop reading early.
func Demux(r io.Reader, opts Options, handle func(Event) bool) (Termination, error) {
	var cfg *gosse.ReadConfig
	if opts.MaxEventBytes > 0 {
		cfg = &gosse.ReadConfig{MaxEventSize: opts.MaxEventBytes}
	}

	for ev, err := range gosse.Read(NewUTF8Reader(r), cfg) {
		if err != nil {
			return EndOfStream, fmt.Errorf("read event stream: %w", err)
		}
		if strings.TrimSpace(ev.Data) == Done {
			return Sentinel, nil
		}
		if !handle(Event{Type: ev.Type, Data: ev.Data}) {
			return Stopped, nil
		}
	}
	return EndOfStream, nil
}
