package fleet

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/errors"
)

// slowWriter widens the window for interleaving and fails the test if two
// writes ever overlap.
type slowWriter struct {
	t        *testing.T
	inFlight atomic.Int32
	mu       sync.Mutex
	buf      bytes.Buffer
	writes   int
}

func (w *slowWriter) Write(p []byte) (int, error) {
	if w.inFlight.Add(1) != 1 {
		w.t.Error("concurrent Write calls")
	}
	defer w.inFlight.Add(-1)

	time.Sleep(time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	return w.buf.Write(p)
}

// assertContiguousBlocks checks every host's header is followed directly by
// that host's own lines.
func assertContiguousBlocks(t *testing.T, out string, targets []Target, linesPerBlock int) {
	t.Helper()

	headers := make(map[string]Target, len(targets))
	for _, tgt := range targets {
		headers[tgt.Label()] = tgt
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	seen := make(map[string]bool)
	var current *Target
	count := 0
	for _, line := range lines {
		if tgt, ok := headers[line]; ok {
			if current != nil {
				assert.Equal(t, linesPerBlock, count, "block for %s was cut short", current.ID)
			}
			assert.False(t, seen[tgt.ID], "%s reported twice", tgt.ID)
			seen[tgt.ID] = true
			tgt := tgt
			current = &tgt
			count = 0
			continue
		}
		require.NotNil(t, current, "output before any header: %q", line)
		if strings.HasPrefix(line, "try ") {
			continue
		}
		assert.True(t, strings.HasPrefix(line, current.ID+" "), "line %q inside block for %s", line, current.ID)
		count++
	}
	assert.Equal(t, linesPerBlock, count)
	assert.Len(t, seen, len(targets))
}

func TestWriterSink_ConcurrentReportsStayContiguous(t *testing.T) {
	const (
		hosts = 16
		lines = 25
	)
	targets := makeTargets(hosts)
	w := &slowWriter{t: t}
	sink := NewWriterSink(w, nil)

	var wg sync.WaitGroup
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt Target) {
			defer wg.Done()
			var out bytes.Buffer
			for i := 0; i < lines; i++ {
				fmt.Fprintf(&out, "%s %d\n", tgt.ID, i)
			}
			sink.Report(Result{
				Target:          tgt,
				Outcome:         success(out.Bytes(), 0),
				TriedIdentities: []string{"ec2-user"},
			})
		}(tgt)
	}
	wg.Wait()

	assert.Equal(t, hosts, w.writes, "one Write per block")
	assertContiguousBlocks(t, w.buf.String(), targets, lines)
}

func TestPlainRenderer(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{
			name: "success after fallback",
			result: Result{
				Target:          web1,
				Outcome:         success([]byte(" 10:01 up 3 days\n"), 0),
				TriedIdentities: []string{"ec2-user", "ubuntu"},
			},
			want: "web-1 i-0abc 10.0.3.17\n" +
				"try ec2-user@10.0.3.17\n" +
				"try ubuntu@10.0.3.17\n" +
				" 10:01 up 3 days\n",
		},
		{
			name: "non-zero exit without trailing newline",
			result: Result{
				Target:          web1,
				Outcome:         success([]byte("missing"), 2),
				TriedIdentities: []string{"ec2-user"},
			},
			want: "web-1 i-0abc 10.0.3.17\n" +
				"try ec2-user@10.0.3.17\n" +
				"missing\n" +
				"exit status 2\n",
		},
		{
			name: "auth exhausted",
			result: Result{
				Target:          web1,
				Outcome:         ExecutionOutcome{Kind: OutcomeAuthExhausted, Err: errors.New(errors.ErrAuth, "All 2 identities were rejected", "")},
				TriedIdentities: []string{"a", "b"},
			},
			want: "web-1 i-0abc 10.0.3.17\n" +
				"try a@10.0.3.17\n" +
				"try b@10.0.3.17\n" +
				"error: authentication failed: All 2 identities were rejected\n",
		},
		{
			name: "timed out",
			result: Result{
				Target:  web1,
				Outcome: timedOut(errors.New(errors.ErrTimeout, "No host finished within 30s", "Raise timeout")),
			},
			want: "web-1 i-0abc 10.0.3.17\n" +
				"error: timed out: No host finished within 30s\n",
		},
		{
			name: "skipped without reason",
			result: Result{
				Target:  web1,
				Outcome: Skipped(nil),
			},
			want: "web-1 i-0abc 10.0.3.17\nerror: skipped\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(PlainRenderer(tt.result)))
		})
	}
}

func TestSinkFuncAndDiscard(t *testing.T) {
	var got []string
	var s Sink = SinkFunc(func(r Result) { got = append(got, r.Target.ID) })
	s.Report(Result{Target: web1})
	assert.Equal(t, []string{"i-0abc"}, got)

	assert.NotPanics(t, func() { DiscardSink{}.Report(Result{}) })
}

func TestNewWriterSink_CustomRenderer(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf, func(r Result) []byte {
		return []byte("[" + r.Target.ID + "]\n")
	})
	sink.Report(Result{Target: web1})
	assert.Equal(t, "[i-0abc]\n", buf.String())
}
