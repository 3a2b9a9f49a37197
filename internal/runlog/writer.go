// Package runlog saves each host's output from a run to its own file, so
// long outputs can be read after the terminal has scrolled past them.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
)

// Writer writes one run's host logs. Each run gets its own directory,
// <base>/<timestamp>-<run id prefix>/, holding <instance-id>.log per host
// and a summary.json. Safe for concurrent use.
type Writer struct {
	dir    string // Base directory from output.save_dir
	runDir string

	mu    sync.Mutex
	files map[string]string // target ID -> log file name
	err   error
}

// SummaryJSON is the structure written to summary.json.
type SummaryJSON struct {
	RunID     string     `json:"run_id"`
	Command   string     `json:"command"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Duration  string     `json:"duration"`
	Succeeded int        `json:"succeeded"`
	Total     int        `json:"total"`
	Hosts     []HostJSON `json:"hosts"`
}

// HostJSON is the per-host entry in summary.json.
type HostJSON struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Address  string   `json:"address"`
	Outcome  string   `json:"outcome"`
	ExitCode int      `json:"exit_code"`
	Tried    []string `json:"tried"`
	Duration string   `json:"duration"`
	LogFile  string   `json:"log_file,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// New creates the run directory under baseDir.
func New(baseDir, runID string, started time.Time) (*Writer, error) {
	short := runID
	if i := strings.IndexByte(short, '-'); i > 0 {
		short = short[:i]
	}
	runDir := filepath.Join(baseDir, fmt.Sprintf("%s-%s", started.Format("20060102-150405"), sanitizeFilename(short)))

	if err := os.MkdirAll(runDir, 0700); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Can't create output directory "+runDir,
			"Check your permissions for "+baseDir+", or change output.save_dir.")
	}

	return &Writer{
		dir:    baseDir,
		runDir: runDir,
		files:  make(map[string]string),
	}, nil
}

// Report writes the host's log as soon as it finishes. The first write
// error is kept for Err; later hosts are still attempted.
func (w *Writer) Report(r fleet.Result) {
	name := sanitizeFilename(r.Target.ID) + ".log"
	path := filepath.Join(w.runDir, name)

	err := os.WriteFile(path, hostLog(r), 0600)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if w.err == nil {
			w.err = errors.WrapWithCode(err, errors.ErrExec,
				"Can't write host log "+path,
				"Check free space and permissions.")
		}
		return
	}
	w.files[r.Target.ID] = name
}

// hostLog is the file body: the raw output, then a trailing line for
// anything other than a clean exit.
func hostLog(r fleet.Result) []byte {
	o := r.Outcome
	out := append([]byte(nil), o.Output...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	switch {
	case o.Kind == fleet.OutcomeSuccess && o.ExitCode != 0:
		out = append(out, fmt.Sprintf("# exit status %d\n", o.ExitCode)...)
	case o.Kind != fleet.OutcomeSuccess:
		out = append(out, fmt.Sprintf("# %s\n", fleet.OutcomeMessage(o))...)
	}
	return out
}

// WriteSummary writes summary.json with every result, in target order.
func (w *Writer) WriteSummary(runID, command string, started time.Time, wall time.Duration, results []fleet.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	summary := SummaryJSON{
		RunID:     runID,
		Command:   command,
		StartTime: started.UTC(),
		EndTime:   started.Add(wall).UTC(),
		Duration:  wall.Round(time.Millisecond).String(),
		Succeeded: fleet.Summarize(results).Succeeded,
		Total:     len(results),
		Hosts:     make([]HostJSON, len(results)),
	}

	for i, r := range results {
		h := HostJSON{
			ID:       r.Target.ID,
			Name:     r.Target.Name,
			Address:  r.Target.Address,
			Outcome:  r.Outcome.Kind.String(),
			ExitCode: r.Outcome.ExitCode,
			Tried:    r.TriedIdentities,
			Duration: r.Duration.Round(time.Millisecond).String(),
			LogFile:  w.files[r.Target.ID],
		}
		if h.Tried == nil {
			h.Tried = []string{}
		}
		if r.Outcome.Err != nil {
			h.Error = errors.ShortMessage(r.Outcome.Err)
		}
		summary.Hosts[i] = h
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			"Can't encode summary JSON", "")
	}

	summaryPath := filepath.Join(w.runDir, "summary.json")
	if err := os.WriteFile(summaryPath, data, 0600); err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			"Can't write summary file "+summaryPath,
			"Check free space and permissions.")
	}
	return nil
}

// Err returns the first host log that failed to write.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Dir returns the run's directory.
func (w *Writer) Dir() string {
	return w.runDir
}

// BaseDir returns the directory all runs are saved under.
func (w *Writer) BaseDir() string {
	return w.dir
}

// sanitizeFilename replaces characters that aren't safe for filenames.
// Host IDs from ssh_config can be arbitrary aliases.
func sanitizeFilename(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '\\' || c == ':' || c == '*' || c == '?' || c == '"' || c == '<' || c == '>' || c == '|' {
			result[i] = '-'
		} else {
			result[i] = c
		}
	}
	if s := string(result); s != "." && s != ".." && s != "" {
		return s
	}
	return "_"
}
