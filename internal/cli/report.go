package cli

import (
	"io"
	"time"

	"github.com/vpcsh/vpcsh/internal/fleet"
	"gopkg.in/yaml.v3"
)

// RunReport is the machine-readable form of one run, used by
// --format json|yaml and by history show.
type RunReport struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Command    string        `json:"command" yaml:"command"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	DurationMS int64         `json:"duration_ms" yaml:"duration_ms"`
	Summary    SummaryReport `json:"summary" yaml:"summary"`
	Hosts      []HostReport  `json:"hosts" yaml:"hosts"`
}

// SummaryReport counts hosts by outcome.
type SummaryReport struct {
	Total      int `json:"total" yaml:"total"`
	Succeeded  int `json:"succeeded" yaml:"succeeded"`
	NonZero    int `json:"non_zero" yaml:"non_zero"`
	AuthFailed int `json:"auth_failed" yaml:"auth_failed"`
	Failed     int `json:"failed" yaml:"failed"`
	TimedOut   int `json:"timed_out" yaml:"timed_out"`
	Skipped    int `json:"skipped" yaml:"skipped"`
}

// HostReport is one host's result. ExitCode is only set when the command
// ran to completion.
type HostReport struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Address    string     `json:"address" yaml:"address"`
	Outcome    string     `json:"outcome" yaml:"outcome"`
	ExitCode   *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Tried      []string   `json:"tried" yaml:"tried"`
	Output     string     `json:"output,omitempty" yaml:"output,omitempty"`
	Error      *JSONError `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS int64      `json:"duration_ms" yaml:"duration_ms"`
}

func newSummaryReport(s fleet.Summary) SummaryReport {
	return SummaryReport{
		Total:      s.Total,
		Succeeded:  s.Succeeded,
		NonZero:    s.NonZero,
		AuthFailed: s.AuthExhausted,
		Failed:     s.Failed,
		TimedOut:   s.TimedOut,
		Skipped:    s.Skipped,
	}
}

func newHostReport(r fleet.Result) HostReport {
	h := HostReport{
		ID:         r.Target.ID,
		Name:       r.Target.Name,
		Address:    r.Target.Address,
		Outcome:    r.Outcome.Kind.String(),
		Tried:      r.TriedIdentities,
		Output:     string(r.Outcome.Output),
		Error:      ErrorToJSON(r.Outcome.Err),
		DurationMS: r.Duration.Milliseconds(),
	}
	if h.Tried == nil {
		h.Tried = []string{}
	}
	if r.Outcome.Kind == fleet.OutcomeSuccess {
		code := r.Outcome.ExitCode
		h.ExitCode = &code
	}
	return h
}

func newRunReport(runID, command string, started time.Time, wall time.Duration, results []fleet.Result) RunReport {
	hosts := make([]HostReport, len(results))
	for i, r := range results {
		hosts[i] = newHostReport(r)
	}
	return RunReport{
		RunID:      runID,
		Command:    command,
		StartedAt:  started.UTC(),
		DurationMS: wall.Milliseconds(),
		Summary:    newSummaryReport(fleet.Summarize(results)),
		Hosts:      hosts,
	}
}

// writeData writes data in the machine format; text callers render
// their own output.
func writeData(w io.Writer, format string, data interface{}) error {
	if format == formatYAML {
		return WriteYAML(w, data)
	}
	return WriteJSONSuccess(w, data)
}

// WriteYAML writes data as a YAML document.
func WriteYAML(w io.Writer, data interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}
