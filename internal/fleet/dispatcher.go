package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/logger"
)

// Dispatcher fans a Request out across its targets.
type Dispatcher struct {
	session *HostSession
	sink    Sink
	log     logger.Logger

	// MaxParallel caps how many hosts are worked on at once (0 = unlimited).
	// Hosts waiting for a slot count as in flight for the stall timer.
	MaxParallel int
}

// NewDispatcher creates a dispatcher that reports finished hosts to sink.
// A nil sink discards reports.
func NewDispatcher(session *HostSession, sink Sink, log logger.Logger) *Dispatcher {
	if sink == nil {
		sink = DiscardSink{}
	}
	if log == nil {
		log = logger.Noop()
	}
	return &Dispatcher{
		session: session,
		sink:    sink,
		log:     logger.WithPrefix(log, "[dispatch]"),
	}
}

// completion is what a target's goroutine sends back when its session ends.
type completion struct {
	idx      int
	outcome  ExecutionOutcome
	tried    []string
	duration time.Duration
}

// slot tracks one target. Only the Dispatch goroutine touches it, apart
// from tried, which the target's session appends to.
type slot struct {
	target   Target
	cancel   context.CancelFunc
	tried    *attempts
	resolved bool
	result   Result
}

// attempts is the identities a session has tried so far.
type attempts struct {
	mu    sync.Mutex
	users []string
}

func (a *attempts) add(user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append(a.users, user)
}

// snapshot copies the list. It is nil when nothing was tried.
func (a *attempts) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.users) == 0 {
		return nil
	}
	return append([]string(nil), a.users...)
}

// Dispatch runs req on every target and returns one Result per target in
// input order. A host cut off early still lists the identities it had
// tried.
//
// Each host is reported to the sink as soon as it is resolved. The stall
// timer starts at dispatch and restarts whenever a host finishes; if it
// fires, every unresolved host is resolved TimedOut and its session is
// cancelled. Cancelling ctx resolves every unresolved host Skipped. Either
// way, outcomes that arrive afterwards are dropped, and Dispatch waits for
// every session goroutine to exit before returning.
//
// An invalid request returns a CONFIG error before any connection is made.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	n := len(req.Targets)
	slots := make([]slot, n)
	for i, t := range req.Targets {
		slots[i].target = t
		slots[i].tried = &attempts{}
	}

	d.log.Info("running %q on %d hosts as [%s] (stall timeout %s)",
		req.Command.String(), n, strings.Join(req.Identities, ","), req.Timeout)

	if err := ctx.Err(); err != nil {
		for i := range slots {
			d.resolve(&slots[i], Skipped(interruptedError(ctx)), nil, time.Since(start))
		}
		return collect(slots), nil
	}

	var sem chan struct{}
	if d.MaxParallel > 0 && d.MaxParallel < n {
		sem = make(chan struct{}, d.MaxParallel)
	}

	// Buffered so goroutines never block on send, even after Dispatch stops
	// listening.
	done := make(chan completion, n)

	var wg sync.WaitGroup
	for i := range slots {
		tctx, cancel := context.WithCancel(ctx)
		slots[i].cancel = cancel

		wg.Add(1)
		go func(idx int, t Target, tried *attempts) {
			defer wg.Done()

			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-tctx.Done():
					done <- completion{idx: idx, outcome: Skipped(tctx.Err())}
					return
				}
			}

			began := time.Now()
			outcome, users := d.session.run(tctx, t, req.Command, req.Identities, req.Elevated, tried.add)
			done <- completion{idx: idx, outcome: outcome, tried: users, duration: time.Since(began)}
		}(i, slots[i].target, slots[i].tried)
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	pending := n
	for pending > 0 {
		select {
		case c := <-done:
			s := &slots[c.idx]
			if s.resolved {
				continue
			}
			outcome := c.outcome
			if ctx.Err() != nil && outcome.Kind == OutcomeTimedOut {
				outcome = Skipped(interruptedError(ctx))
			}
			d.resolve(s, outcome, c.tried, c.duration)
			s.cancel()
			pending--
			d.log.Debug("%s finished: %s in %s", s.target.Label(), outcome.Kind, c.duration.Round(time.Millisecond))
			timer.Reset(req.Timeout)

		case <-timer.C:
			stall := errors.New(errors.ErrTimeout,
				fmt.Sprintf("No host finished within %s", req.Timeout),
				"Raise timeout if the command is expected to run this long")
			for i := range slots {
				s := &slots[i]
				if s.resolved {
					continue
				}
				d.resolve(s, timedOut(stall), s.tried.snapshot(), time.Since(start))
				s.cancel()
				pending--
			}
			d.log.Warn("stall timeout after %s, cancelled remaining hosts", req.Timeout)

		case <-ctx.Done():
			cause := interruptedError(ctx)
			for i := range slots {
				s := &slots[i]
				if s.resolved {
					continue
				}
				d.resolve(s, Skipped(cause), s.tried.snapshot(), time.Since(start))
				s.cancel()
				pending--
			}
			d.log.Warn("interrupted, skipped remaining hosts")
		}
	}

	wg.Wait()
	for i := range slots {
		slots[i].cancel()
	}

	results := collect(slots)
	sum := Summarize(results)
	d.log.Info("finished %d hosts in %s: %s", n, time.Since(start).Round(time.Millisecond), sum)
	return results, nil
}

// resolve records the final result for s and reports it. A slot resolves at
// most once.
func (d *Dispatcher) resolve(s *slot, outcome ExecutionOutcome, tried []string, duration time.Duration) {
	if s.resolved {
		return
	}
	s.resolved = true
	s.result = Result{
		Target:          s.target,
		Outcome:         outcome,
		TriedIdentities: tried,
		Duration:        duration,
	}
	d.sink.Report(s.result)
}

func collect(slots []slot) []Result {
	results := make([]Result, len(slots))
	for i := range slots {
		results[i] = slots[i].result
	}
	return results
}

func interruptedError(ctx context.Context) error {
	return errors.WrapWithCode(context.Cause(ctx), errors.ErrExec,
		"Interrupted before this host finished",
		"")
}
