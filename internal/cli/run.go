package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/history"
	"github.com/vpcsh/vpcsh/internal/inventory"
	"github.com/vpcsh/vpcsh/internal/runlog"
	"github.com/vpcsh/vpcsh/internal/stage"
	"github.com/vpcsh/vpcsh/internal/ui"
	"github.com/vpcsh/vpcsh/internal/util"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// RunOptions holds everything run and run-one need beyond config.
type RunOptions struct {
	Filter FilterFlags
	// InstanceID selects a single host by ID instead of Filter.
	InstanceID string
	Command    string

	IgnoreErrors   bool
	Yes            bool
	NoStdin        bool
	MaxOutputLines int
	Timing         bool
	// SaveDir overrides output.save_dir for this run.
	SaveDir string
}

var (
	runOpts    RunOptions
	runOneOpts RunOptions
)

var runCmd = &cobra.Command{
	Use:   "run [command]",
	Short: "Run a command on every matching host",
	Long: `Run a command on every running instance that matches the filters.

Each host is tried with every login user in turn until one is let in.
Results print as one block per host, in the order hosts finish. If no
host finishes for --timeout, the remaining hosts are given up on.

Pipe a script on stdin instead of passing a command and it is copied to
every host first, run, then removed.

Examples:
  vpcsh run -f Role=web uptime
  vpcsh run -f Environment=prod --skip i-0abc123 "df -h /"
  vpcsh run -f Role=web --only i-0abc123,i-0def456 "systemctl status nginx"
  vpcsh run --launched-after 2024-03-01 -f Role=worker "cat /etc/os-release"
  vpcsh run -f Role=db < backup.sh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := runOpts
		opts.Command = strings.Join(args, " ")
		return runFleet(cmd.Context(), current, opts)
	},
}

var runOneCmd = &cobra.Command{
	Use:   "run-one <instance-id> [command]",
	Short: "Run a command on one instance",
	Long: `Run a command on a single instance, looked up by ID.

Works the same as run, including scripts piped on stdin.

Examples:
  vpcsh run-one i-0abc123 "tail -n 50 /var/log/syslog"
  vpcsh run-one i-0abc123 < fix.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := runOneOpts
		opts.InstanceID = args[0]
		opts.Command = strings.Join(args[1:], " ")
		return runFleet(cmd.Context(), current, opts)
	},
}

func init() {
	AddFilterFlags(runCmd, &runOpts.Filter)
	addRunFlags(runCmd, &runOpts)
	addRunFlags(runOneCmd, &runOneOpts)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runOneCmd)
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().BoolVar(&opts.IgnoreErrors, "ignore-errors", false, "exit 0 even when some hosts fail")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "don't ask before running on many hosts")
	cmd.Flags().BoolVarP(&opts.NoStdin, "no-stdin", "n", false, "ignore stdin, even when it is a pipe")
	cmd.Flags().IntVar(&opts.MaxOutputLines, "max-output-lines", 0, "show only the last N lines per host (0 = all)")
	cmd.Flags().BoolVar(&opts.Timing, "timing", false, "show how long each host took")
	cmd.Flags().StringVar(&opts.SaveDir, "save-output", "", "also save each host's output under this directory")
}

// runFleet resolves targets, stages a piped script if there is one,
// dispatches, then reports, records history and picks the exit status.
func runFleet(ctx context.Context, a *app, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	if err := config.ValidateForDispatch(cfg); err != nil {
		return err
	}

	script, err := readScript(a, opts)
	if err != nil {
		return err
	}

	targets, err := selectTargets(ctx, a, opts)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New(errors.ErrConfig,
			"No hosts matched",
			"Check what your filters select with: vpcsh hosts -f name=value")
	}

	if ok, err := confirmTargets(a, targets, opts.Yes); err != nil || !ok {
		if err == nil {
			fmt.Fprintln(a.stderr, "Cancelled.")
		}
		return err
	}

	label := opts.Command
	if script != nil {
		label = fmt.Sprintf("<script, %d bytes>", len(script))
	}
	runID := uuid.NewString()
	start := time.Now()
	a.log.Info("run %s: %q on %d %s", runID, label, len(targets), util.Pluralize(len(targets), "host", "hosts"))

	connector := a.newConnector(cfg)
	identities := fleet.IdentityChain(cfg.RemoteUser)
	sink := newSink(a, opts)
	saved := openRunLog(a, opts, runID, start)
	if saved != nil {
		display := sink
		sink = fleet.SinkFunc(func(r fleet.Result) {
			display.Report(r)
			saved.Report(r)
		})
	}

	command := fleet.InlineCommand(opts.Command)
	dispatchTo := targets
	var unstaged []stage.Failure
	if script != nil {
		command, dispatchTo, unstaged = stageScript(ctx, a, connector, targets, identities, script)
		for _, f := range unstaged {
			sink.Report(f.Result())
		}
	}

	var dispatched []fleet.Result
	if len(dispatchTo) > 0 {
		session := fleet.NewHostSession(connector, a.log)
		session.CommandTimeout = cfg.CommandTimeout

		d := fleet.NewDispatcher(session, sink, a.log)
		d.MaxParallel = cfg.MaxParallel

		dispatched, err = d.Dispatch(ctx, fleet.Request{
			Targets:    dispatchTo,
			Command:    command,
			Identities: identities,
			Elevated:   cfg.Sudo,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return err
		}
	}

	results := mergeResults(targets, dispatched, unstaged)
	wall := time.Since(start)
	a.log.Info("run %s finished: %s", runID, ui.FormatBriefSummary(results, wall))

	recordHistory(ctx, a, history.Run{ID: runID, Command: label, StartedAt: start, Duration: wall}, results)
	closeRunLog(a, saved, runID, label, start, wall, results)

	if err := writeRunOutput(a, newRunReport(runID, label, start, wall, results), results, wall); err != nil {
		return err
	}

	if !fleet.Summarize(results).AllOK() && !opts.IgnoreErrors {
		return errors.NewExitError(ExitHostFailure)
	}
	return nil
}

// readScript returns the script piped on stdin, or nil for an inline
// command. A command and a piped script together are rejected.
func readScript(a *app, opts RunOptions) ([]byte, error) {
	hasCommand := strings.TrimSpace(opts.Command) != ""
	if !a.stdinPiped || opts.NoStdin {
		if !hasCommand {
			return nil, errors.New(errors.ErrConfig,
				"No command given",
				"Pass a command, e.g. vpcsh run uptime, or pipe a script on stdin")
		}
		return nil, nil
	}

	if hasCommand {
		return nil, errors.New(errors.ErrConfig,
			"Invalid input: got both a command and a script on stdin",
			"Pass a command or pipe a script, not both. Use --no-stdin to ignore stdin.")
	}

	script, err := io.ReadAll(a.stdin)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't read the script from stdin", "")
	}
	if len(bytes.TrimSpace(script)) == 0 {
		return nil, errors.New(errors.ErrConfig,
			"The script on stdin is empty",
			"Pipe a non-empty script, or pass a command instead")
	}
	return script, nil
}

// selectTargets resolves run's filters, or run-one's single ID.
func selectTargets(ctx context.Context, a *app, opts RunOptions) ([]fleet.Target, error) {
	resolver, err := a.newResolver(a.cfg, a.log)
	if err != nil {
		return nil, err
	}

	if opts.InstanceID != "" {
		t, err := resolver.Lookup(ctx, opts.InstanceID)
		if err != nil {
			return nil, err
		}
		return []fleet.Target{t}, nil
	}

	filter, err := opts.Filter.Filter()
	if err != nil {
		return nil, err
	}
	return resolveFilter(ctx, a, resolver, filter)
}

func resolveFilter(ctx context.Context, a *app, resolver inventory.Resolver, filter inventory.Filter) ([]fleet.Target, error) {
	if !a.stderrTTY || a.format() != formatText {
		return resolver.Resolve(ctx, filter)
	}

	status := ui.StartStatus(a.stderr, "Looking up hosts", 0)
	targets, err := resolver.Resolve(ctx, filter)
	if err != nil {
		status.Finish(false, "Couldn't look up hosts")
		return nil, err
	}
	status.Finish(true, fmt.Sprintf("Found %d %s", len(targets), util.Pluralize(len(targets), "host", "hosts")))
	return targets, nil
}

// confirmTargets asks before a run on more hosts than confirm_threshold.
// Without a terminal to ask on, it goes ahead.
func confirmTargets(a *app, targets []fleet.Target, yes bool) (bool, error) {
	threshold := a.cfg.ConfirmThreshold
	if yes || threshold <= 0 || len(targets) <= threshold || !a.stdinTTY {
		return true, nil
	}
	return a.confirm(
		fmt.Sprintf("Run on %d hosts?", len(targets)),
		"Pass --yes to skip this question")
}

func newSink(a *app, opts RunOptions) fleet.Sink {
	if a.format() != formatText {
		return fleet.DiscardSink{}
	}
	renderer := ui.NewReportRenderer()
	renderer.MaxOutputLines = opts.MaxOutputLines
	renderer.ShowTiming = opts.Timing
	return fleet.NewWriterSink(a.stdout, renderer.Render)
}

func stageScript(ctx context.Context, a *app, connector sshutil.Connector, targets []fleet.Target, identities fleet.IdentityChain, script []byte) (fleet.CommandSpec, []fleet.Target, []stage.Failure) {
	stager := stage.NewStager(connector, a.cfg.StagingDir, a.log)
	stager.Timeout = a.cfg.Timeout
	stager.MaxParallel = a.cfg.MaxParallel

	var status *ui.Status
	if a.stderrTTY && a.format() == formatText {
		status = ui.StartStatus(a.stderr, "Copying script", len(targets))
		stager.Progress = status.Step
	}

	command, staged, failures := stager.Stage(ctx, targets, identities, script)

	if status != nil {
		status.Finish(len(failures) == 0, fmt.Sprintf("Script copied to %d of %d %s",
			len(staged), len(targets), util.Pluralize(len(targets), "host", "hosts")))
	}
	return command, staged, failures
}

// mergeResults puts dispatched and unstaged results back in target order.
func mergeResults(targets []fleet.Target, dispatched []fleet.Result, unstaged []stage.Failure) []fleet.Result {
	byID := make(map[string]fleet.Result, len(targets))
	for _, r := range dispatched {
		byID[r.Target.ID] = r
	}
	for _, f := range unstaged {
		byID[f.Target.ID] = f.Result()
	}

	out := make([]fleet.Result, 0, len(targets))
	for _, t := range targets {
		if r, ok := byID[t.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// recordHistory stores the run when history is on. Failing to record
// never fails the run.
func recordHistory(ctx context.Context, a *app, run history.Run, results []fleet.Result) {
	if !a.cfg.History.Enabled {
		return
	}
	store, err := a.openHistory(a.cfg.History.Path)
	if err != nil {
		a.log.Warn("history disabled for this run: %s", errors.ShortMessage(err))
		return
	}
	defer store.Close()

	// Record even after an interrupt.
	if err := store.Record(context.WithoutCancel(ctx), run, results); err != nil {
		a.log.Warn("couldn't record run %s: %s", run.ID, errors.ShortMessage(err))
	}
}

// openRunLog starts saving host output when --save-output or
// output.save_dir is set. Failing to save never fails the run.
func openRunLog(a *app, opts RunOptions, runID string, start time.Time) *runlog.Writer {
	dir := opts.SaveDir
	if dir == "" {
		dir = a.cfg.Output.SaveDir
	}
	if dir == "" {
		return nil
	}
	w, err := runlog.New(config.ExpandTilde(dir), runID, start)
	if err != nil {
		a.log.Warn("not saving output: %s", errors.ShortMessage(err))
		return nil
	}
	return w
}

func closeRunLog(a *app, w *runlog.Writer, runID, label string, start time.Time, wall time.Duration, results []fleet.Result) {
	if w == nil {
		return
	}
	if err := w.Err(); err != nil {
		a.log.Warn("some host output wasn't saved: %s", errors.ShortMessage(err))
	}
	if err := w.WriteSummary(runID, label, start, wall, results); err != nil {
		a.log.Warn("%s", errors.ShortMessage(err))
	}
	if err := runlog.Cleanup(w.BaseDir(), a.cfg.Output.KeepRuns); err != nil {
		a.log.Warn("couldn't prune saved output: %s", errors.ShortMessage(err))
	}
	if a.format() == formatText {
		fmt.Fprintf(a.stderr, "%s\n", ui.MutedStyle().Render("Output saved to "+w.Dir()))
	}
}

// writeRunOutput prints the summary in text mode, or the whole report in
// json and yaml modes.
func writeRunOutput(a *app, report RunReport, results []fleet.Result, wall time.Duration) error {
	if a.format() == formatText {
		ui.RenderSummary(a.stderr, results, wall)
		return nil
	}
	return writeData(a.stdout, a.format(), report)
}
