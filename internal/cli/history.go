package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/history"
	"github.com/vpcsh/vpcsh/internal/ui"
	"github.com/vpcsh/vpcsh/internal/util"
)

var (
	historyLimit    int
	historyKeep     int
	historyMaxLines int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	Long: `List runs recorded in the local history database, newest first.

History is off unless history.enabled is set in the config.

Examples:
  vpcsh history
  vpcsh history -n 50
  vpcsh history show 3f9c2a1b
  vpcsh history prune --keep 100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listHistory(cmd.Context(), current, historyLimit)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show every host's result for a past run",
	Long: `Show the stored result of each host in a past run. The run ID can be
shortened to any unique prefix, like the one history prints.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory(cmd.Context(), current, args[0], historyMaxLines)
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pruneHistory(cmd.Context(), current, historyKeep)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	historyShowCmd.Flags().IntVar(&historyMaxLines, "max-output-lines", 0, "show only the last N lines per host (0 = all)")
	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", 100, "number of newest runs to keep")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistoryStore opens the configured database, refusing when history
// is off so an empty listing isn't mistaken for "nothing ran".
func openHistoryStore(a *app) (*history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, errors.New(errors.ErrConfig,
			"History is disabled",
			"Turn it on with: vpcsh config set history.enabled true")
	}
	return a.openHistory(a.cfg.History.Path)
}

// HistoryEntry is one run in the machine-readable listing.
type HistoryEntry struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Command    string        `json:"command" yaml:"command"`
	StartedAt  string        `json:"started_at" yaml:"started_at"`
	DurationMS int64         `json:"duration_ms" yaml:"duration_ms"`
	Summary    SummaryReport `json:"summary" yaml:"summary"`
}

func listHistory(ctx context.Context, a *app, limit int) error {
	store, err := openHistoryStore(a)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRecent(ctx, limit)
	if err != nil {
		return err
	}

	if a.format() != formatText {
		entries := make([]HistoryEntry, len(runs))
		for i, r := range runs {
			entries[i] = HistoryEntry{
				RunID:      r.ID,
				Command:    r.Command,
				StartedAt:  r.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				DurationMS: r.Duration.Milliseconds(),
				Summary:    newSummaryReport(r.Summary),
			}
		}
		return writeData(a.stdout, a.format(), entries)
	}

	fmt.Fprintln(a.stdout, ui.RenderRuns(runs))
	return nil
}

func showHistory(ctx context.Context, a *app, runID string, maxLines int) error {
	store, err := openHistoryStore(a)
	if err != nil {
		return err
	}
	defer store.Close()

	run, records, err := store.Hosts(ctx, runID)
	if err != nil {
		return err
	}
	results := make([]fleet.Result, len(records))
	for i, h := range records {
		results[i] = h.Result()
	}

	if a.format() != formatText {
		return writeData(a.stdout, a.format(), newRunReport(run.ID, run.Command, run.StartedAt, run.Duration, results))
	}

	fmt.Fprintf(a.stdout, "%s  %s  %s\n",
		ui.MutedStyle().Render(run.ID),
		run.StartedAt.Local().Format("2006-01-02 15:04:05"),
		run.Command)

	renderer := ui.NewReportRenderer()
	renderer.MaxOutputLines = maxLines
	renderer.ShowTiming = true
	for _, r := range results {
		_, _ = a.stdout.Write(renderer.Render(r))
	}
	ui.RenderSummary(a.stdout, results, run.Duration)
	return nil
}

func pruneHistory(ctx context.Context, a *app, keep int) error {
	if keep < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("--keep can't be negative (got %d)", keep),
			"Use --keep 0 to delete every run")
	}
	store, err := openHistoryStore(a)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(ctx, keep)
	if err != nil {
		return err
	}
	if a.format() != formatText {
		return writeData(a.stdout, a.format(), map[string]int64{"deleted": n})
	}
	fmt.Fprintf(a.stdout, "%s Deleted %d old %s\n", ui.SymbolSuccess, n, util.Pluralize(int(n), "run", "runs"))
	return nil
}

