package fleet

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/vpcsh/vpcsh/internal/errors"
)

// Sink receives each host's result as soon as it is resolved.
// Implementations must be safe for concurrent use.
type Sink interface {
	Report(Result)
}

// BlockRenderer turns a result into the complete report block for one host.
type BlockRenderer func(Result) []byte

// WriterSink writes report blocks to an io.Writer. Each block is rendered
// before the lock is taken and written with a single Write, so blocks from
// different hosts never interleave.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	render BlockRenderer
}

// NewWriterSink creates a sink over w. A nil render uses PlainRenderer.
func NewWriterSink(w io.Writer, render BlockRenderer) *WriterSink {
	if render == nil {
		render = PlainRenderer
	}
	return &WriterSink{w: w, render: render}
}

// Report renders r and writes it as one block.
func (s *WriterSink) Report(r Result) {
	block := s.render(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(block)
}

// DiscardSink drops every report. Used when results are printed as a
// document at the end instead.
type DiscardSink struct{}

// Report does nothing.
func (DiscardSink) Report(Result) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

// Report calls f(r).
func (f SinkFunc) Report(r Result) { f(r) }

// PlainRenderer renders a block without colors:
//
//	web-1 i-0abc 10.0.3.17
//	try ec2-user@10.0.3.17
//	try ubuntu@10.0.3.17
//	<command output>
//
// followed by "exit status N" for a non-zero exit, or "error: ..." when the
// command never completed.
func PlainRenderer(r Result) []byte {
	var b bytes.Buffer
	b.WriteString(r.Target.Label())
	b.WriteByte('\n')
	for _, user := range r.TriedIdentities {
		fmt.Fprintf(&b, "try %s@%s\n", user, r.Target.Address)
	}

	o := r.Outcome
	if o.Kind == OutcomeSuccess {
		b.Write(o.Output)
		if len(o.Output) > 0 && o.Output[len(o.Output)-1] != '\n' {
			b.WriteByte('\n')
		}
		if o.ExitCode != 0 {
			fmt.Fprintf(&b, "exit status %d\n", o.ExitCode)
		}
		return b.Bytes()
	}

	fmt.Fprintf(&b, "error: %s\n", OutcomeMessage(o))
	return b.Bytes()
}

// OutcomeMessage is a one-line description of a non-success outcome.
func OutcomeMessage(o ExecutionOutcome) string {
	prefix := map[OutcomeKind]string{
		OutcomeAuthExhausted: "authentication failed",
		OutcomeFailed:        "connection failed",
		OutcomeTimedOut:      "timed out",
		OutcomeSkipped:       "skipped",
	}[o.Kind]
	if o.Err == nil {
		return prefix
	}
	return prefix + ": " + errors.ShortMessage(o.Err)
}
