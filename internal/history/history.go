// Package history keeps a local record of past dispatches in SQLite.
package history

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"

	_ "modernc.org/sqlite"
)

// MaxOutputBytes caps the stored tail of each host's output.
const MaxOutputBytes = 64 * 1024

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	non_zero    INTEGER NOT NULL,
	auth_failed INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	timed_out   INTEGER NOT NULL,
	skipped     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS host_results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	target_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	address     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	tried       TEXT NOT NULL,
	error_text  TEXT NOT NULL,
	output      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	PRIMARY KEY (run_id, position)
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Run is one dispatch as stored.
type Run struct {
	ID        string
	Command   string
	StartedAt time.Time
	Duration  time.Duration
	Summary   fleet.Summary
}

// HostRecord is one host's stored result.
type HostRecord struct {
	Target          fleet.Target
	Outcome         fleet.OutcomeKind
	ExitCode        int
	TriedIdentities []string
	Error           string
	Output          string
	Duration        time.Duration
}

// Result rebuilds a fleet.Result for rendering. The stored error keeps
// only its message.
func (h HostRecord) Result() fleet.Result {
	var err error
	if h.Error != "" {
		err = stderrors.New(h.Error)
	}
	return fleet.Result{
		Target: h.Target,
		Outcome: fleet.ExecutionOutcome{
			Kind:     h.Outcome,
			Output:   []byte(h.Output),
			ExitCode: h.ExitCode,
			Err:      err,
		},
		TriedIdentities: h.TriedIdentities,
		Duration:        h.Duration,
	}
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// throwaway store for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Can't create history directory", "Check history.path")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Can't open history database "+path, "Check history.path")
	}
	// One connection: ":memory:" is per-connection, and writes are serial
	// anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Can't configure history database", "")
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Can't create history tables", "Delete the history file if it is from an incompatible version")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished dispatch and its per-host results in one
// transaction.
func (s *Store) Record(ctx context.Context, run Run, results []fleet.Result) error {
	if run.Summary.Total == 0 {
		run.Summary = fleet.Summarize(results)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec, "Can't write history", "")
	}
	defer tx.Rollback()

	sum := run.Summary
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id,command,started_at,duration_ms,total,succeeded,non_zero,auth_failed,failed,timed_out,skipped)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Command, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(),
		sum.Total, sum.Succeeded, sum.NonZero, sum.AuthExhausted, sum.Failed, sum.TimedOut, sum.Skipped)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec, "Can't write history", "")
	}

	for i, r := range results {
		errText := ""
		if r.Outcome.Err != nil {
			errText = errors.ShortMessage(r.Outcome.Err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO host_results(run_id,position,target_id,name,address,outcome,exit_code,tried,error_text,output,duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			run.ID, i, r.Target.ID, r.Target.Name, r.Target.Address, r.Outcome.Kind.String(),
			r.Outcome.ExitCode, strings.Join(r.TriedIdentities, ","), errText,
			outputTail(r.Outcome.Output), r.Duration.Milliseconds())
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrExec, "Can't write history", "")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapWithCode(err, errors.ErrExec, "Can't write history", "")
	}
	return nil
}

// ListRecent returns the newest runs first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
	}
	defer rows.Close()

	var list []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
	}
	return list, nil
}

// Hosts returns the stored per-host results of a run in dispatch order.
// runID may be a unique prefix.
func (s *Store) Hosts(ctx context.Context, runID string) (Run, []HostRecord, error) {
	run, err := s.findRun(ctx, runID)
	if err != nil {
		return Run{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT target_id,name,address,outcome,exit_code,tried,error_text,output,duration_ms
		FROM host_results WHERE run_id = ? ORDER BY position`, run.ID)
	if err != nil {
		return Run{}, nil, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
	}
	defer rows.Close()

	var hosts []HostRecord
	for rows.Next() {
		var (
			h              HostRecord
			outcome, tried string
			durMs          int64
		)
		if err := rows.Scan(&h.Target.ID, &h.Target.Name, &h.Target.Address, &outcome, &h.ExitCode,
			&tried, &h.Error, &h.Output, &durMs); err != nil {
			return Run{}, nil, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
		}
		if h.Outcome, err = fleet.ParseOutcomeKind(outcome); err != nil {
			return Run{}, nil, errors.WrapWithCode(err, errors.ErrExec, "Corrupt history row", "")
		}
		if tried != "" {
			h.TriedIdentities = strings.Split(tried, ",")
		}
		h.Duration = time.Duration(durMs) * time.Millisecond
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return Run{}, nil, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
	}
	return run, hosts, nil
}

// Prune deletes all but the newest keep runs.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id IN (
		SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?)`, keep)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrExec, "Can't prune history", "")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) findRun(ctx context.Context, prefix string) (Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%' ESCAPE '\' LIMIT 2`, escapeLike(prefix))
	if err != nil {
		return Run{}, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return Run{}, errors.WrapWithCode(err, errors.ErrExec, "Can't read history", "")
		}
		found = append(found, r)
	}

	switch len(found) {
	case 0:
		return Run{}, errors.New(errors.ErrConfig, "No run matches '"+prefix+"'", "Run 'vpcsh history' to list recent runs")
	case 1:
		return found[0], nil
	default:
		return Run{}, errors.New(errors.ErrConfig, "More than one run matches '"+prefix+"'", "Give more characters of the run ID")
	}
}

const runColumns = `id,command,started_at,duration_ms,total,succeeded,non_zero,auth_failed,failed,timed_out,skipped`

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		r              Run
		started, durMs int64
	)
	err := rows.Scan(&r.ID, &r.Command, &started, &durMs,
		&r.Summary.Total, &r.Summary.Succeeded, &r.Summary.NonZero, &r.Summary.AuthExhausted,
		&r.Summary.Failed, &r.Summary.TimedOut, &r.Summary.Skipped)
	r.StartedAt = time.UnixMilli(started)
	r.Duration = time.Duration(durMs) * time.Millisecond
	return r, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func outputTail(out []byte) string {
	if len(out) > MaxOutputBytes {
		out = out[len(out)-MaxOutputBytes:]
	}
	return string(out)
}
