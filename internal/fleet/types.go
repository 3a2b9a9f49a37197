// Package fleet runs one command on many hosts at once.
//
// A Dispatcher fans a Request out to one HostSession per Target. Each session
// walks the identity chain until a login is accepted, runs the command and
// reports a Result. A stall timer bounds the whole dispatch: whenever no host
// has finished within Request.Timeout, every host still in flight is marked
// TimedOut and its connection is torn down. Report blocks go to a Sink as
// hosts finish; the returned results are in input order.
package fleet

import (
	"fmt"
	"strings"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/util"
)

// Target is one remote host.
type Target struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

// Label renders the target for report headers: "name id address".
func (t Target) Label() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Name, t.ID, t.Address} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// IdentityChain is the ordered list of login users to try on each host.
type IdentityChain []string

// Validate rejects an empty chain or blank entries.
func (c IdentityChain) Validate() error {
	if len(c) == 0 {
		return errors.New(errors.ErrConfig,
			"No remote users configured",
			"Set remote_user in the config or pass --user (e.g. --user ec2-user,ubuntu)")
	}
	for i, u := range c {
		if strings.TrimSpace(u) == "" {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Remote user #%d is empty", i+1),
				"Remove the blank entry from remote_user")
		}
	}
	return nil
}

// CommandSpec is either an inline shell command or the remote path of a
// previously staged script. Exactly one is set.
type CommandSpec struct {
	Inline     string `json:"inline,omitempty" yaml:"inline,omitempty"`
	StagedPath string `json:"staged_path,omitempty" yaml:"staged_path,omitempty"`

	// CleanupDir is removed after the staged script runs. Optional.
	CleanupDir string `json:"-" yaml:"-"`
}

// InlineCommand builds a CommandSpec that runs s through the login shell.
func InlineCommand(s string) CommandSpec {
	return CommandSpec{Inline: s}
}

// StagedCommand builds a CommandSpec that executes the script at path.
func StagedCommand(path string) CommandSpec {
	return CommandSpec{StagedPath: path}
}

// WithCleanup returns a copy that removes dir once the staged script exits.
func (c CommandSpec) WithCleanup(dir string) CommandSpec {
	c.CleanupDir = dir
	return c
}

// Validate enforces that exactly one of Inline and StagedPath is set.
func (c CommandSpec) Validate() error {
	hasInline := strings.TrimSpace(c.Inline) != ""
	hasStaged := c.StagedPath != ""
	switch {
	case hasInline && hasStaged:
		return errors.New(errors.ErrConfig,
			"Both a command and a staged script were given",
			"Pass either a command or a script on stdin, not both")
	case !hasInline && !hasStaged:
		return errors.New(errors.ErrConfig,
			"No command to run",
			"Pass a command argument or pipe a script on stdin")
	}
	return nil
}

// Line returns the shell line sent to the remote host.
func (c CommandSpec) Line() string {
	if c.StagedPath == "" {
		return c.Inline
	}
	line := util.ShellQuote(c.StagedPath)
	if c.CleanupDir != "" {
		// Keep the script's exit status after cleanup.
		line += "; rc=$?; rm -rf " + util.ShellQuote(c.CleanupDir) + "; exit $rc"
	}
	return line
}

// String is used in logs and history.
func (c CommandSpec) String() string {
	if c.StagedPath != "" {
		return "script:" + c.StagedPath
	}
	return c.Inline
}

// OutcomeKind classifies how a host finished.
type OutcomeKind int

const (
	// OutcomeSuccess means the command ran to completion; it may still have
	// exited non-zero.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeAuthExhausted means every identity was rejected.
	OutcomeAuthExhausted
	// OutcomeFailed means a transport error stopped the session.
	OutcomeFailed
	// OutcomeTimedOut means the stall timer or command timeout cut it off.
	OutcomeTimedOut
	// OutcomeSkipped means the host was never attempted.
	OutcomeSkipped
)

// String returns the lowercase name used in JSON output and history.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthExhausted:
		return "auth_exhausted"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalText lets OutcomeKind serialize by name in JSON and YAML.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseOutcomeKind is the inverse of String.
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	for k := OutcomeSuccess; k <= OutcomeSkipped; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown outcome %q", s)
}

// ExecutionOutcome is the result of running the command on one host.
type ExecutionOutcome struct {
	Kind OutcomeKind
	// Output is combined stdout and stderr, set for OutcomeSuccess.
	Output []byte
	// ExitCode is the remote exit status, set for OutcomeSuccess.
	ExitCode int
	// Err explains Failed, TimedOut and Skipped outcomes.
	Err error
}

// OK reports whether the command ran and exited zero.
func (o ExecutionOutcome) OK() bool {
	return o.Kind == OutcomeSuccess && o.ExitCode == 0
}

func success(output []byte, code int) ExecutionOutcome {
	return ExecutionOutcome{Kind: OutcomeSuccess, Output: output, ExitCode: code}
}

func failed(err error) ExecutionOutcome {
	return ExecutionOutcome{Kind: OutcomeFailed, Err: err}
}

func timedOut(err error) ExecutionOutcome {
	return ExecutionOutcome{Kind: OutcomeTimedOut, Err: err}
}

// Skipped builds an outcome for a host that was never attempted.
func Skipped(err error) ExecutionOutcome {
	return ExecutionOutcome{Kind: OutcomeSkipped, Err: err}
}

// Result is the final record for one target.
type Result struct {
	Target          Target
	Outcome         ExecutionOutcome
	TriedIdentities []string
	Duration        time.Duration
}

// Request describes one dispatch.
type Request struct {
	Targets    []Target
	Command    CommandSpec
	Identities IdentityChain
	// Elevated runs the command through non-interactive sudo.
	Elevated bool
	// Timeout is the stall window: the dispatch gives up on every host still
	// running once no host has finished for this long.
	Timeout time.Duration
}

// Validate checks the request before any network I/O.
func (r Request) Validate() error {
	if len(r.Targets) == 0 {
		return errors.New(errors.ErrConfig,
			"No target hosts",
			"Check your tag filters match running instances: vpcsh hosts -f name=value")
	}
	if err := r.Identities.Validate(); err != nil {
		return err
	}
	if err := r.Command.Validate(); err != nil {
		return err
	}
	if r.Timeout <= 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Timeout must be positive, got %s", r.Timeout),
			"Set timeout to a duration like 30s")
	}

	seen := make(map[string]bool, len(r.Targets))
	for _, t := range r.Targets {
		if t.ID == "" {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Target %q has no id", t.Label()),
				"")
		}
		if seen[t.ID] {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Target %s is listed more than once", t.ID),
				"Each host may appear only once per run")
		}
		seen[t.ID] = true
	}
	return nil
}
