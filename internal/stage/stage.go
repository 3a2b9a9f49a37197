// Package stage uploads a local script to every target before dispatch so
// that one remote path can be executed everywhere.
package stage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/logger"
	"github.com/vpcsh/vpcsh/internal/util"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// ScriptName is the file name of the uploaded script inside its run
// directory.
const ScriptName = "script"

// Failure records a target the script could not be uploaded to. Kind
// follows the same rules as a dispatched session: every identity rejected
// is AuthExhausted, a connect or upload error is Failed, the per-host
// timeout is TimedOut, and a host never attempted (no address, or the
// operator interrupted) is Skipped.
type Failure struct {
	Target          fleet.Target
	Kind            fleet.OutcomeKind
	TriedIdentities []string
	Err             error
}

// Result converts the failure into a dispatch result.
func (f Failure) Result() fleet.Result {
	return fleet.Result{
		Target:          f.Target,
		Outcome:         fleet.ExecutionOutcome{Kind: f.Kind, Err: f.Err},
		TriedIdentities: f.TriedIdentities,
	}
}

// Stager copies scripts to remote hosts.
type Stager struct {
	connector sshutil.Connector
	log       logger.Logger

	// Dir is the absolute remote parent directory. Each run gets its own
	// subdirectory named by a random UUID.
	Dir string

	// Timeout bounds the upload to a single host. Zero means only ctx.
	Timeout time.Duration

	// MaxParallel caps concurrent uploads. Zero means all at once.
	MaxParallel int

	// Progress is called once per target when its upload ends, whether it
	// worked or not. It may be called from several goroutines at once.
	Progress func()

	newID func() string
}

// NewStager returns a Stager uploading under dir.
func NewStager(connector sshutil.Connector, dir string, log logger.Logger) *Stager {
	if log == nil {
		log = logger.Noop()
	}
	return &Stager{
		connector: connector,
		log:       logger.WithPrefix(log, "[stage]"),
		Dir:       dir,
		newID:     func() string { return uuid.NewString() },
	}
}

// Stage uploads script to every target and returns the command that runs
// it, plus the targets that could not be staged. The command removes its
// run directory after the script exits. Staged targets are the input
// targets minus the failures, in input order.
func (s *Stager) Stage(ctx context.Context, targets []fleet.Target, identities fleet.IdentityChain, script []byte) (fleet.CommandSpec, []fleet.Target, []Failure) {
	runDir := path.Join(s.Dir, s.newID())
	scriptPath := path.Join(runDir, ScriptName)
	upload := uploadCommand(s.Dir, runDir, scriptPath)

	s.log.Debug("staging %d byte script to %s on %d host(s)", len(script), scriptPath, len(targets))

	errs := make([]error, len(targets))
	kinds := make([]fleet.OutcomeKind, len(targets))
	tried := make([][]string, len(targets))

	var sem chan struct{}
	if s.MaxParallel > 0 {
		sem = make(chan struct{}, s.MaxParallel)
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t fleet.Target) {
			defer wg.Done()
			if s.Progress != nil {
				defer s.Progress()
			}
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					kinds[i], errs[i] = fleet.OutcomeSkipped, interrupted(ctx)
					return
				}
			}
			tried[i], kinds[i], errs[i] = s.stageOne(ctx, t, identities, upload, script)
		}(i, t)
	}
	wg.Wait()

	var (
		staged   []fleet.Target
		failures []Failure
	)
	for i, t := range targets {
		if errs[i] != nil {
			s.log.Warn("%s: %s", t.Label(), errors.ShortMessage(errs[i]))
			failures = append(failures, Failure{Target: t, Kind: kinds[i], TriedIdentities: tried[i], Err: errs[i]})
			continue
		}
		staged = append(staged, t)
	}

	cmd := fleet.StagedCommand(scriptPath).WithCleanup(runDir)
	return cmd, staged, failures
}

// stageOne finds the first identity that authenticates and uploads through
// it. Auth rejection moves on; anything else ends the attempt on this host.
// The kind is only meaningful when err is non-nil.
func (s *Stager) stageOne(parent context.Context, t fleet.Target, identities fleet.IdentityChain, upload string, script []byte) ([]string, fleet.OutcomeKind, error) {
	if t.Address == "" {
		return nil, fleet.OutcomeSkipped, errors.New(errors.ErrInventory, "Target has no address", "")
	}
	ctx := parent
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.Timeout)
		defer cancel()
	}
	stopped := func(tried []string) ([]string, fleet.OutcomeKind, error) {
		if parent.Err() != nil {
			return tried, fleet.OutcomeSkipped, interrupted(parent)
		}
		return tried, fleet.OutcomeTimedOut, errors.WrapWithCode(ctx.Err(), errors.ErrTimeout,
			fmt.Sprintf("Upload took longer than %s", s.Timeout),
			"Raise timeout or check the host is reachable")
	}

	var tried []string
	for _, user := range identities {
		if ctx.Err() != nil {
			return stopped(tried)
		}
		tried = append(tried, user)

		conn, err := s.connector.Connect(ctx, t.Address, user)
		if err != nil {
			if ctx.Err() != nil {
				return stopped(tried)
			}
			if errors.IsCode(err, errors.ErrAuth) || sshutil.IsAuthFailure(err) {
				s.log.Debug("%s@%s rejected, trying next identity", user, t.Address)
				continue
			}
			return tried, fleet.OutcomeFailed, errors.WrapWithCode(err, errors.ErrStage,
				fmt.Sprintf("Couldn't connect to upload the script: %s", errors.ShortMessage(err)), "")
		}

		out, code, err := conn.Run(ctx, upload, bytes.NewReader(script))
		conn.Close()
		if err != nil {
			if ctx.Err() != nil {
				return stopped(tried)
			}
			return tried, fleet.OutcomeFailed, errors.WrapWithCode(err, errors.ErrStage,
				fmt.Sprintf("Upload failed: %s", errors.ShortMessage(err)), "")
		}
		if code != 0 {
			return tried, fleet.OutcomeFailed, errors.New(errors.ErrStage,
				fmt.Sprintf("Upload exited with status %d: %s", code, lastLine(out)),
				"Check staging_dir is writable by "+user)
		}
		return tried, fleet.OutcomeSuccess, nil
	}

	return tried, fleet.OutcomeAuthExhausted, errors.New(errors.ErrAuth,
		fmt.Sprintf("No identity could log in to upload the script (tried %s)", util.JoinOrNone(tried)),
		"Check remote_user and the private key")
}

// uploadCommand writes stdin to scriptPath. The shared parent is made
// sticky and world-writable so every remote user can create a run dir in
// it; failing to chmod a parent someone else owns is fine.
func uploadCommand(parent, runDir, scriptPath string) string {
	return fmt.Sprintf("mkdir -p -m 1777 %s 2>/dev/null; mkdir -p %s && cat > %s && chmod 0755 %s",
		util.ShellQuote(parent),
		util.ShellQuote(runDir),
		util.ShellQuote(scriptPath),
		util.ShellQuote(scriptPath))
}

func interrupted(ctx context.Context) error {
	return errors.WrapWithCode(context.Cause(ctx), errors.ErrExec, "Interrupted before the script was copied", "")
}

func lastLine(out []byte) string {
	s, _ := util.LastLines(string(out), 1)
	if s = strings.TrimSpace(s); s == "" {
		return "(no output)"
	}
	return s
}
