package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vpcsh/vpcsh/internal/clean"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/ui"
	"github.com/vpcsh/vpcsh/internal/util"
)

// CleanOptions holds the clean command's flags.
type CleanOptions struct {
	Filter    FilterFlags
	OlderThan time.Duration
	DryRun    bool
	Yes       bool
}

var cleanOpts CleanOptions

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover script directories from hosts",
	Long: `Remove script run directories left under staging_dir on every matching
host. A piped script removes its own directory when it exits, so these only
pile up after runs that were interrupted or timed out.

Directories younger than --older-than are left alone so scripts still
running keep their files.

Examples:
  vpcsh clean --dry-run
  vpcsh clean -f Role=web --older-than 24h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanStaging(cmd.Context(), current, cleanOpts)
	},
}

func init() {
	AddFilterFlags(cleanCmd, &cleanOpts.Filter)
	cleanCmd.Flags().DurationVar(&cleanOpts.OlderThan, "older-than", time.Hour, "only remove directories not touched for this long")
	cleanCmd.Flags().BoolVar(&cleanOpts.DryRun, "dry-run", false, "list what would be removed without removing it")
	cleanCmd.Flags().BoolVarP(&cleanOpts.Yes, "yes", "y", false, "don't ask before cleaning many hosts")
	rootCmd.AddCommand(cleanCmd)
}

// CleanReport is the machine-readable result of clean.
type CleanReport struct {
	DryRun  bool              `json:"dry_run" yaml:"dry_run"`
	Removed int               `json:"removed" yaml:"removed"`
	Summary SummaryReport     `json:"summary" yaml:"summary"`
	Hosts   []CleanHostReport `json:"hosts" yaml:"hosts"`
}

// CleanHostReport is one host's part of a clean.
type CleanHostReport struct {
	ID      string     `json:"id" yaml:"id"`
	Name    string     `json:"name" yaml:"name"`
	Address string     `json:"address" yaml:"address"`
	Outcome string     `json:"outcome" yaml:"outcome"`
	Dirs    []string   `json:"dirs" yaml:"dirs"`
	Error   *JSONError `json:"error,omitempty" yaml:"error,omitempty"`
}

func cleanStaging(ctx context.Context, a *app, opts CleanOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	if err := config.ValidateForDispatch(cfg); err != nil {
		return err
	}
	command, err := clean.Command(clean.Options{
		Dir:       cfg.StagingDir,
		OlderThan: opts.OlderThan,
		DryRun:    opts.DryRun,
	})
	if err != nil {
		return err
	}

	targets, err := selectTargets(ctx, a, RunOptions{Filter: opts.Filter})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New(errors.ErrConfig,
			"No hosts matched",
			"Check what your filters select with: vpcsh hosts -f name=value")
	}
	if !opts.DryRun {
		if ok, err := confirmTargets(a, targets, opts.Yes); err != nil || !ok {
			if err == nil {
				fmt.Fprintln(a.stderr, "Cancelled.")
			}
			return err
		}
	}

	start := time.Now()
	a.log.Info("cleaning %s on %d %s", cfg.StagingDir, len(targets), util.Pluralize(len(targets), "host", "hosts"))

	session := fleet.NewHostSession(a.newConnector(cfg), a.log)
	session.CommandTimeout = cfg.CommandTimeout
	d := fleet.NewDispatcher(session, newSink(a, RunOptions{}), a.log)
	d.MaxParallel = cfg.MaxParallel

	dispatched, err := d.Dispatch(ctx, fleet.Request{
		Targets:    targets,
		Command:    command,
		Identities: fleet.IdentityChain(cfg.RemoteUser),
		Elevated:   cfg.Sudo,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return err
	}
	results := mergeResults(targets, dispatched, nil)
	wall := time.Since(start)
	a.log.Info("clean finished: %s", ui.FormatBriefSummary(results, wall))

	report := CleanReport{
		DryRun:  opts.DryRun,
		Summary: newSummaryReport(fleet.Summarize(results)),
		Hosts:   make([]CleanHostReport, len(results)),
	}
	for i, r := range results {
		h := CleanHostReport{
			ID:      r.Target.ID,
			Name:    r.Target.Name,
			Address: r.Target.Address,
			Outcome: r.Outcome.Kind.String(),
			Dirs:    []string{},
			Error:   ErrorToJSON(r.Outcome.Err),
		}
		for _, dir := range clean.Parse(cfg.StagingDir, r.Outcome.Output) {
			h.Dirs = append(h.Dirs, dir.Path)
		}
		report.Removed += len(h.Dirs)
		report.Hosts[i] = h
	}

	if a.format() != formatText {
		if err := writeData(a.stdout, a.format(), report); err != nil {
			return err
		}
	} else {
		ui.RenderSummary(a.stderr, results, wall)
		verb := "Removed"
		if opts.DryRun {
			verb = "Would remove"
		}
		fmt.Fprintf(a.stderr, "%s %d run %s\n", verb, report.Removed,
			util.Pluralize(report.Removed, "directory", "directories"))
	}

	if !fleet.Summarize(results).AllOK() {
		return errors.NewExitError(ExitHostFailure)
	}
	return nil
}
