package fleet

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/logger"
	"github.com/vpcsh/vpcsh/internal/util"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// HostSession runs a command on one target, falling back through the
// identity chain while logins are rejected.
type HostSession struct {
	connector sshutil.Connector
	log       logger.Logger

	// CommandTimeout bounds each command run. Zero means no limit beyond
	// the dispatch stall timer.
	CommandTimeout time.Duration
}

// NewHostSession creates a session runner backed by connector.
func NewHostSession(connector sshutil.Connector, log logger.Logger) *HostSession {
	if log == nil {
		log = logger.Noop()
	}
	return &HostSession{
		connector: connector,
		log:       logger.WithPrefix(log, "[session]"),
	}
}

type attemptKind int

const (
	attemptDone attemptKind = iota
	attemptAuthRejected
	attemptTransport
	attemptTimedOut
)

// attemptResult is the outcome of one identity against one host.
type attemptResult struct {
	kind     attemptKind
	output   []byte
	exitCode int
	err      error
}

// Run executes command on target, trying identities in order. It returns the
// outcome and the identities actually tried, in trial order.
//
// An auth rejection moves on to the next identity; a transport failure or
// timeout ends the session. Run never writes to shared output.
func (s *HostSession) Run(ctx context.Context, target Target, command CommandSpec, identities IdentityChain, elevated bool) (ExecutionOutcome, []string) {
	return s.run(ctx, target, command, identities, elevated, nil)
}

// run is Run with onTry called as each identity is about to be tried, so a
// caller that gives up on the host early still knows who was tried.
func (s *HostSession) run(ctx context.Context, target Target, command CommandSpec, identities IdentityChain, elevated bool, onTry func(user string)) (ExecutionOutcome, []string) {
	if target.Address == "" {
		return Skipped(errors.New(errors.ErrInventory,
			"Host has no address",
			"The instance may have no private IP yet")), nil
	}

	line := command.Line()
	if elevated {
		line = elevate(line)
	}

	tried := make([]string, 0, len(identities))
	var lastRejection error

	for _, user := range identities {
		if err := ctx.Err(); err != nil {
			return timedOut(errors.WrapWithCode(err, errors.ErrTimeout,
				"Stopped before trying "+user, "")), tried
		}

		tried = append(tried, user)
		if onTry != nil {
			onTry(user)
		}
		s.log.Debug("try %s@%s", user, target.Address)

		res := s.attempt(ctx, target.Address, user, line, elevated)
		switch res.kind {
		case attemptDone:
			s.log.Debug("%s@%s exited %d", user, target.Address, res.exitCode)
			return success(res.output, res.exitCode), tried
		case attemptAuthRejected:
			s.log.Debug("%s@%s rejected: %s", user, target.Address, errors.ShortMessage(res.err))
			lastRejection = res.err
		case attemptTransport:
			s.log.Debug("%s@%s transport failure: %s", user, target.Address, errors.ShortMessage(res.err))
			return failed(res.err), tried
		case attemptTimedOut:
			s.log.Debug("%s@%s timed out", user, target.Address)
			return timedOut(res.err), tried
		}
	}

	return ExecutionOutcome{
		Kind: OutcomeAuthExhausted,
		Err: errors.WrapWithCode(lastRejection, errors.ErrAuth,
			fmt.Sprintf("All %d %s rejected", len(tried), util.Pluralize(len(tried), "identity was", "identities were")),
			"Check remote_user lists the login for this image (ec2-user, ubuntu, admin...)"),
	}, tried
}

func (s *HostSession) attempt(ctx context.Context, address, user, line string, elevated bool) attemptResult {
	conn, err := s.connector.Connect(ctx, address, user)
	if err != nil {
		return classifyAttempt(err)
	}
	defer conn.Close()

	runCtx := ctx
	if s.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.CommandTimeout)
		defer cancel()
	}

	out, code, err := conn.Run(runCtx, line, nil)
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return attemptResult{
				kind:   attemptTimedOut,
				output: out,
				err: errors.WrapWithCode(err, errors.ErrTimeout,
					fmt.Sprintf("Command ran longer than command_timeout (%s)", s.CommandTimeout),
					"Raise command_timeout or make the command finish sooner"),
			}
		}
		res := classifyAttempt(err)
		if res.kind == attemptAuthRejected {
			// A login that was accepted can't be rejected mid-command.
			res.kind = attemptTransport
		}
		res.output = out
		return res
	}

	if elevated && sudoRefused(out, code) {
		return attemptResult{
			kind: attemptAuthRejected,
			err: errors.New(errors.ErrAuth,
				fmt.Sprintf("sudo needs a password for %s", user),
				"Grant NOPASSWD sudo to this user or drop --sudo"),
		}
	}

	return attemptResult{kind: attemptDone, output: out, exitCode: code}
}

// classifyAttempt maps a connect or run error onto an attempt variant.
func classifyAttempt(err error) attemptResult {
	switch {
	case errors.IsCode(err, errors.ErrTimeout), sshutil.ClassifyError(err) == sshutil.FailCancelled:
		return attemptResult{kind: attemptTimedOut, exitCode: -1, err: err}
	case errors.IsCode(err, errors.ErrAuth), sshutil.IsAuthFailure(err):
		return attemptResult{kind: attemptAuthRejected, exitCode: -1, err: err}
	default:
		return attemptResult{kind: attemptTransport, exitCode: -1, err: err}
	}
}

// elevate wraps line in non-interactive sudo. With -n sudo fails fast
// instead of waiting on a password prompt nobody can answer.
func elevate(line string) string {
	return "sudo -n -- sh -c " + util.ShellQuote(line)
}

var sudoPasswordMarkers = [][]byte{
	[]byte("a password is required"),
	[]byte("a terminal is required"),
	[]byte("no tty present"),
}

// sudoRefused reports whether sudo -n gave up because it wanted a password.
// Only sudo's own message counts: the refusal is the whole output and
// starts with "sudo:". The same words printed by the command itself don't.
func sudoRefused(output []byte, code int) bool {
	if code != 1 {
		return false
	}
	msg := bytes.TrimSpace(output)
	if !bytes.HasPrefix(msg, []byte("sudo:")) || bytes.Contains(msg, []byte("\n")) {
		return false
	}
	for _, m := range sudoPasswordMarkers {
		if bytes.Contains(msg, m) {
			return true
		}
	}
	return false
}
