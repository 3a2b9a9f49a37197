package fleet

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/logger"
	sshtest "github.com/vpcsh/vpcsh/pkg/sshutil/testing"
)

// recordingSink keeps every report in arrival order.
type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) Report(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) snapshot() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

func makeTargets(n int) []Target {
	targets := make([]Target, n)
	for i := range targets {
		targets[i] = Target{
			ID:      fmt.Sprintf("i-%04d", i),
			Name:    fmt.Sprintf("web-%d", i),
			Address: fmt.Sprintf("10.0.0.%d", i+1),
		}
	}
	return targets
}

func newTestDispatcher(m *sshtest.MockConnector, sink Sink) *Dispatcher {
	return NewDispatcher(NewHostSession(m, nil), sink, nil)
}

func request(targets []Target, timeout time.Duration) Request {
	return Request{
		Targets:    targets,
		Command:    InlineCommand("uptime"),
		Identities: IdentityChain{"ec2-user"},
		Timeout:    timeout,
	}
}

func TestDispatch_ResultsInInputOrder(t *testing.T) {
	targets := makeTargets(5)
	m := sshtest.NewMockConnector()
	// Later targets finish first.
	for i, tgt := range targets {
		b := sshtest.Succeed(tgt.ID+"\n", 0)
		b.RunDelay = time.Duration(len(targets)-i) * 15 * time.Millisecond
		m.OnHost(tgt.Address, b)
	}
	sink := &recordingSink{}

	results, err := newTestDispatcher(m, sink).Dispatch(context.Background(), request(targets, 5*time.Second))
	require.NoError(t, err)
	require.Len(t, results, len(targets))

	for i, r := range results {
		assert.Equal(t, targets[i], r.Target)
		assert.Equal(t, OutcomeSuccess, r.Outcome.Kind)
		assert.Equal(t, targets[i].ID+"\n", string(r.Outcome.Output))
		assert.Equal(t, []string{"ec2-user"}, r.TriedIdentities)
	}

	reported := sink.snapshot()
	require.Len(t, reported, len(targets))
	assert.Equal(t, targets[len(targets)-1].ID, reported[0].Target.ID, "sink sees completion order")
}

func TestDispatch_MixedOutcomes(t *testing.T) {
	targets := makeTargets(4)
	m := sshtest.NewMockConnector().
		OnHost(targets[0].Address, sshtest.Succeed("ok\n", 0)).
		OnHost(targets[1].Address, sshtest.Behavior{ConnectErr: sshtest.ErrRefused}).
		OnHost(targets[2].Address, sshtest.Reject()).
		OnHost(targets[3].Address, sshtest.Succeed("boom\n", 3))

	req := request(targets, 5*time.Second)
	req.Identities = IdentityChain{"ec2-user", "ubuntu"}

	results, err := newTestDispatcher(m, nil).Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, results[0].Outcome.Kind)
	assert.Equal(t, OutcomeFailed, results[1].Outcome.Kind)
	assert.Equal(t, []string{"ec2-user"}, results[1].TriedIdentities)
	assert.Equal(t, OutcomeAuthExhausted, results[2].Outcome.Kind)
	assert.Equal(t, []string{"ec2-user", "ubuntu"}, results[2].TriedIdentities)
	assert.Equal(t, OutcomeSuccess, results[3].Outcome.Kind)
	assert.Equal(t, 3, results[3].Outcome.ExitCode)

	sum := Summarize(results)
	assert.Equal(t, Summary{Total: 4, Succeeded: 1, NonZero: 1, AuthExhausted: 1, Failed: 1}, sum)
}

func TestDispatch_InvalidRequestMakesNoConnections(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty targets", request(nil, time.Second)},
		{"duplicate ids", request([]Target{{ID: "i-1", Address: "a"}, {ID: "i-1", Address: "b"}}, time.Second)},
		{"zero timeout", request(makeTargets(2), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sshtest.NewMockConnector()
			sink := &recordingSink{}

			results, err := newTestDispatcher(m, sink).Dispatch(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, results)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
			assert.Equal(t, 0, m.ConnectCount())
			assert.Empty(t, sink.snapshot())
		})
	}
}

func TestDispatch_StallTimerResetsOnCompletion(t *testing.T) {
	const unit = 40 * time.Millisecond
	targets := makeTargets(3)

	a := sshtest.Succeed("a\n", 0)
	a.RunDelay = 1 * unit
	b := sshtest.Succeed("b\n", 0)
	b.RunDelay = 2 * unit

	m := sshtest.NewMockConnector().
		OnHost(targets[0].Address, a).
		OnHost(targets[1].Address, b).
		OnHost(targets[2].Address, sshtest.Behavior{BlockRun: true})

	start := time.Now()
	results, err := newTestDispatcher(m, nil).Dispatch(context.Background(), request(targets, 5*unit))
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, results[0].Outcome.Kind)
	assert.Equal(t, OutcomeSuccess, results[1].Outcome.Kind)
	assert.Equal(t, OutcomeTimedOut, results[2].Outcome.Kind)
	assert.True(t, errors.IsCode(results[2].Outcome.Err, errors.ErrTimeout))

	// The window restarts when B finishes at 2 units, so C is cut off near 7.
	assert.GreaterOrEqual(t, elapsed, 7*unit)
	assert.GreaterOrEqual(t, results[2].Duration, 7*unit)
	assert.Less(t, elapsed, 7*unit+time.Second)
}

func TestDispatch_StallFiresWithNoCompletions(t *testing.T) {
	targets := makeTargets(3)
	m := sshtest.NewMockConnector()
	for _, tgt := range targets {
		m.OnHost(tgt.Address, sshtest.Behavior{BlockRun: true})
	}
	sink := &recordingSink{}

	start := time.Now()
	results, err := newTestDispatcher(m, sink).Dispatch(context.Background(), request(targets, 50*time.Millisecond))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	for _, r := range results {
		assert.Equal(t, OutcomeTimedOut, r.Outcome.Kind)
	}
	assert.Len(t, sink.snapshot(), 3)
}

func TestDispatch_CancelInEachPhase(t *testing.T) {
	tests := []struct {
		name        string
		behavior    sshtest.Behavior
		maxParallel int
	}{
		{"before connect", sshtest.Behavior{BlockRun: true}, 1},
		{"mid auth", sshtest.Behavior{BlockConnect: true}, 0},
		{"mid command", sshtest.Behavior{BlockRun: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := makeTargets(2)
			m := sshtest.NewMockConnector()
			for _, tgt := range targets {
				m.OnHost(tgt.Address, tt.behavior)
			}
			sink := &recordingSink{}

			d := newTestDispatcher(m, sink)
			d.MaxParallel = tt.maxParallel

			results, err := d.Dispatch(context.Background(), request(targets, 60*time.Millisecond))
			require.NoError(t, err)

			for _, r := range results {
				assert.Equal(t, OutcomeTimedOut, r.Outcome.Kind, r.Target.ID)
			}

			// Exactly one report per target, no late duplicates.
			time.Sleep(20 * time.Millisecond)
			reported := sink.snapshot()
			require.Len(t, reported, 2)
			assert.NotEqual(t, reported[0].Target.ID, reported[1].Target.ID)

			if tt.maxParallel == 1 {
				// The queued host never got a connection slot.
				assert.Equal(t, 1, m.ConnectCount())
			}
		})
	}
}

func TestDispatch_CutOffHostKeepsTriedIdentities(t *testing.T) {
	tests := []struct {
		name      string
		interrupt bool
		want      OutcomeKind
	}{
		{"stall", false, OutcomeTimedOut},
		{"interrupt", true, OutcomeSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := makeTargets(1)
			m := sshtest.NewMockConnector().
				On(targets[0].Address, "u1", sshtest.Reject()).
				On(targets[0].Address, "u2", sshtest.Behavior{BlockRun: true})
			sink := &recordingSink{}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			timeout := 50 * time.Millisecond
			if tt.interrupt {
				timeout = 5 * time.Second
				time.AfterFunc(50*time.Millisecond, cancel)
			}

			req := request(targets, timeout)
			req.Identities = IdentityChain{"u1", "u2", "u3"}
			results, err := newTestDispatcher(m, sink).Dispatch(ctx, req)
			require.NoError(t, err)

			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].Outcome.Kind)
			assert.Equal(t, []string{"u1", "u2"}, results[0].TriedIdentities)

			reported := sink.snapshot()
			require.Len(t, reported, 1)
			assert.Equal(t, []string{"u1", "u2"}, reported[0].TriedIdentities)

			block := string(PlainRenderer(reported[0]))
			assert.Contains(t, block, "u1@"+targets[0].Address)
			assert.Contains(t, block, "u2@"+targets[0].Address)
		})
	}
}

func TestDispatch_ParentCancelSkipsRemaining(t *testing.T) {
	targets := makeTargets(3)
	m := sshtest.NewMockConnector().
		OnHost(targets[0].Address, sshtest.Succeed("fast\n", 0)).
		OnHost(targets[1].Address, sshtest.Behavior{BlockRun: true}).
		OnHost(targets[2].Address, sshtest.Behavior{BlockConnect: true})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	results, err := newTestDispatcher(m, nil).Dispatch(ctx, request(targets, 5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, results[0].Outcome.Kind)
	assert.Equal(t, OutcomeSkipped, results[1].Outcome.Kind)
	assert.Equal(t, OutcomeSkipped, results[2].Outcome.Kind)
	assert.ErrorIs(t, results[1].Outcome.Err, context.Canceled)
}

func TestDispatch_AlreadyCancelled(t *testing.T) {
	targets := makeTargets(3)
	m := sshtest.NewMockConnector()
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := newTestDispatcher(m, sink).Dispatch(ctx, request(targets, time.Second))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, targets[i], r.Target)
		assert.Equal(t, OutcomeSkipped, r.Outcome.Kind)
	}
	assert.Equal(t, 0, m.ConnectCount())
	assert.Len(t, sink.snapshot(), 3)
}

func TestDispatch_MaxParallel(t *testing.T) {
	targets := makeTargets(8)
	m := sshtest.NewMockConnector()
	for _, tgt := range targets {
		b := sshtest.Succeed("", 0)
		b.RunDelay = 20 * time.Millisecond
		m.OnHost(tgt.Address, b)
	}

	d := newTestDispatcher(m, nil)
	d.MaxParallel = 2

	results, err := d.Dispatch(context.Background(), request(targets, 5*time.Second))
	require.NoError(t, err)

	assert.True(t, Summarize(results).AllOK())
	assert.LessOrEqual(t, m.MaxActive(), 2)
	assert.Equal(t, 8, m.ConnectCount())
}

func TestDispatch_UnlimitedParallel(t *testing.T) {
	targets := makeTargets(6)
	m := sshtest.NewMockConnector()
	for _, tgt := range targets {
		b := sshtest.Succeed("", 0)
		b.RunDelay = 50 * time.Millisecond
		m.OnHost(tgt.Address, b)
	}

	start := time.Now()
	_, err := newTestDispatcher(m, nil).Dispatch(context.Background(), request(targets, 5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 6, m.MaxActive())
	assert.Less(t, time.Since(start), 6*50*time.Millisecond)
}

func TestDispatch_WritesContiguousBlocks(t *testing.T) {
	targets := makeTargets(12)
	m := sshtest.NewMockConnector()
	for _, tgt := range targets {
		var out bytes.Buffer
		for line := 0; line < 20; line++ {
			fmt.Fprintf(&out, "%s line %d\n", tgt.ID, line)
		}
		m.OnHost(tgt.Address, sshtest.Succeed(out.String(), 0))
	}

	var buf bytes.Buffer
	_, err := newTestDispatcher(m, NewWriterSink(&buf, nil)).Dispatch(context.Background(), request(targets, 5*time.Second))
	require.NoError(t, err)

	assertContiguousBlocks(t, buf.String(), targets, 20)
}

func TestDispatch_Logs(t *testing.T) {
	buf := logger.NewBufferLogger()
	m := sshtest.NewMockConnector().OnHost("10.0.0.1", sshtest.Succeed("", 0))

	d := NewDispatcher(NewHostSession(m, buf), nil, buf)
	_, err := d.Dispatch(context.Background(), request(makeTargets(1), time.Second))
	require.NoError(t, err)

	assert.True(t, buf.HasLevel("info"))
	var sawStart, sawFinish bool
	for _, msg := range buf.Snapshot() {
		if msg.Level == "info" && bytes.Contains([]byte(msg.Message), []byte("[dispatch] running")) {
			sawStart = true
		}
		if msg.Level == "info" && bytes.Contains([]byte(msg.Message), []byte("[dispatch] finished 1 hosts")) {
			sawFinish = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawFinish)
}
