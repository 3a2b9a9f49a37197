package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResults() []fleet.Result {
	return []fleet.Result{
		{
			Target:          fleet.Target{ID: "i-1", Name: "web-1", Address: "10.0.0.1"},
			Outcome:         fleet.ExecutionOutcome{Kind: fleet.OutcomeSuccess, Output: []byte("ok\n")},
			TriedIdentities: []string{"ec2-user", "ubuntu"},
			Duration:        1500 * time.Millisecond,
		},
		{
			Target:          fleet.Target{ID: "i-2", Name: "web-2", Address: "10.0.0.2"},
			Outcome:         fleet.ExecutionOutcome{Kind: fleet.OutcomeFailed, Err: errors.New(errors.ErrSSH, "Connection refused", "Is sshd running?")},
			TriedIdentities: []string{"ec2-user"},
		},
		{
			Target:  fleet.Target{ID: "i-3", Name: "web-3", Address: "10.0.0.3"},
			Outcome: fleet.Skipped(nil),
		},
	}
}

func TestStore_RecordAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	run := Run{ID: "0f3a-run", Command: "uptime", StartedAt: started, Duration: 2 * time.Second}
	require.NoError(t, s.Record(ctx, run, sampleResults()))

	runs, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.Equal(t, "0f3a-run", got.ID)
	assert.Equal(t, "uptime", got.Command)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Equal(t, 2*time.Second, got.Duration)
	assert.Equal(t, fleet.Summary{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1}, got.Summary)

	gotRun, hosts, err := s.Hosts(ctx, "0f3a")
	require.NoError(t, err)
	assert.Equal(t, "0f3a-run", gotRun.ID)
	require.Len(t, hosts, 3)

	assert.Equal(t, "web-1", hosts[0].Target.Name)
	assert.Equal(t, fleet.OutcomeSuccess, hosts[0].Outcome)
	assert.Equal(t, []string{"ec2-user", "ubuntu"}, hosts[0].TriedIdentities)
	assert.Equal(t, "ok\n", hosts[0].Output)
	assert.Equal(t, 1500*time.Millisecond, hosts[0].Duration)

	assert.Equal(t, fleet.OutcomeFailed, hosts[1].Outcome)
	assert.Equal(t, "Connection refused", hosts[1].Error)

	assert.Equal(t, fleet.OutcomeSkipped, hosts[2].Outcome)
	assert.Nil(t, hosts[2].TriedIdentities)
}

func TestStore_ListRecentOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Record(ctx, Run{ID: id, Command: "cmd " + id, StartedAt: base.Add(time.Duration(i) * time.Hour)}, nil))
	}

	runs, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "d", runs[0].ID)
	assert.Equal(t, "c", runs[1].ID)
}

func TestStore_HostsLookupErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Record(ctx, Run{ID: "abc-1", Command: "x", StartedAt: now}, nil))
	require.NoError(t, s.Record(ctx, Run{ID: "abc-2", Command: "y", StartedAt: now}, nil))

	_, _, err := s.Hosts(ctx, "zzz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No run matches")

	_, _, err = s.Hosts(ctx, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "More than one run")

	_, _, err = s.Hosts(ctx, "a%")
	require.Error(t, err, "LIKE wildcards are literal")
}

func TestStore_DuplicateRunID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, Run{ID: "dup", StartedAt: time.Now()}, sampleResults()))
	assert.Error(t, s.Record(ctx, Run{ID: "dup", StartedAt: time.Now()}, sampleResults()))

	_, hosts, err := s.Hosts(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, hosts, 3, "failed record rolled back")
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.Record(ctx, Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}, sampleResults()))
	}

	n, err := s.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	runs, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].ID)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM host_results WHERE run_id != 'r3'`).Scan(&orphans))
	assert.Zero(t, orphans, "host rows cascade")
}

func TestStore_OutputTail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	big := strings.Repeat("x", MaxOutputBytes) + "END"
	results := []fleet.Result{{
		Target:  fleet.Target{ID: "i-1"},
		Outcome: fleet.ExecutionOutcome{Kind: fleet.OutcomeSuccess, Output: []byte(big)},
	}}
	require.NoError(t, s.Record(ctx, Run{ID: "big", StartedAt: time.Now()}, results))

	_, hosts, err := s.Hosts(ctx, "big")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Len(t, hosts[0].Output, MaxOutputBytes)
	assert.True(t, strings.HasSuffix(hosts[0].Output, "END"))
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Run{ID: "persisted", StartedAt: time.Now()}, nil))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "persisted", runs[0].ID)
}

func TestHostRecord_Result(t *testing.T) {
	h := HostRecord{
		Target:          fleet.Target{ID: "i-1"},
		Outcome:         fleet.OutcomeTimedOut,
		TriedIdentities: []string{"a"},
		Error:           "No host finished within 30s",
	}
	r := h.Result()
	assert.Equal(t, fleet.OutcomeTimedOut, r.Outcome.Kind)
	require.Error(t, r.Outcome.Err)
	assert.Equal(t, "timed out: No host finished within 30s", fleet.OutcomeMessage(r.Outcome))

	assert.NoError(t, HostRecord{Outcome: fleet.OutcomeSuccess}.Result().Outcome.Err)
}
