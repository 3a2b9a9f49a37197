package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/doctor"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/history"
	"github.com/vpcsh/vpcsh/internal/inventory"
	"github.com/vpcsh/vpcsh/internal/logger"
	"github.com/vpcsh/vpcsh/internal/ui"
)

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, credentials and inventory",
	Long: `Check that vpcsh can run: the config loads, there are login users to
try, a key is available, and the inventory source answers.

Nothing is run on any host.

Examples:
  vpcsh doctor
  vpcsh doctor --fix
  vpcsh doctor -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := defaultDoctorEnv()
		env.fix = doctorFix
		return runDoctor(cmd.Context(), settings, cfgFile, env, os.Stdout)
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "attempt automatic fixes where possible")
	rootCmd.AddCommand(doctorCmd)
}

// doctorEnv is what the checks look at outside the config.
type doctorEnv struct {
	sshDir      string
	agentSocket string
	fix         bool
	newResolver func(cfg *config.Config, log logger.Logger) (inventory.Resolver, error)
	openHistory func(path string) (*history.Store, error)
}

func defaultDoctorEnv() doctorEnv {
	home, _ := os.UserHomeDir()
	return doctorEnv{
		sshDir:      filepath.Join(home, ".ssh"),
		agentSocket: os.Getenv("SSH_AUTH_SOCK"),
		newResolver: resolverFor,
		openHistory: history.Open,
	}
}

// DoctorOutput is the machine-readable doctor report.
type DoctorOutput struct {
	Categories []CategoryOutput `json:"categories" yaml:"categories"`
	Summary    DoctorSummary    `json:"summary" yaml:"summary"`
}

// CategoryOutput is one category of check results.
type CategoryOutput struct {
	Name    string               `json:"name" yaml:"name"`
	Results []doctor.CheckResult `json:"results" yaml:"results"`
}

// DoctorSummary counts the check results.
type DoctorSummary struct {
	Pass     int  `json:"pass" yaml:"pass"`
	Warn     int  `json:"warn" yaml:"warn"`
	Fail     int  `json:"fail" yaml:"fail"`
	Fixable  int  `json:"fixable" yaml:"fixable"`
	AllClear bool `json:"all_clear" yaml:"all_clear"`
}

// runDoctor loads config itself so a broken file is reported as a failed
// check rather than stopping the command.
func runDoctor(ctx context.Context, v *viper.Viper, explicit string, env doctorEnv, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	checks := collectChecks(v, explicit, env)
	results := doctor.RunAll(ctx, checks)
	if env.fix {
		results = doctor.FixAll(ctx, checks, results)
	}

	format := v.GetString("output.format")
	if format == formatJSON || format == formatYAML {
		if err := writeData(out, format, doctorOutput(checks, results)); err != nil {
			return err
		}
	} else {
		renderDoctorText(out, checks, results, env.fix)
	}

	if doctor.HasFailures(results) {
		return errors.NewExitError(ExitHostFailure)
	}
	return nil
}

func collectChecks(v *viper.Viper, explicit string, env doctorEnv) []doctor.Check {
	path, findErr := config.Find(explicit)

	var (
		cfg     *config.Config
		loadErr error
	)
	if findErr == nil {
		cfg, loadErr = config.Load(v, path)
		if loadErr == nil {
			loadErr = config.Validate(cfg)
		}
	}
	usable := findErr == nil && loadErr == nil

	checks := doctor.NewConfigChecks(path, findErr, cfg, loadErr)

	sshCfg := cfg
	if sshCfg == nil {
		sshCfg = config.DefaultConfig()
	}
	checks = append(checks, doctor.NewSSHChecks(sshCfg.PrivateKey, sshCfg.StrictHostKeyChecking, env.sshDir, env.agentSocket)...)

	if !usable {
		return checks
	}

	resolver, err := env.newResolver(cfg, logger.Noop())
	checks = append(checks,
		&doctor.InventoryCheck{
			Source:   cfg.Inventory.Source,
			Resolver: resolver,
			Err:      err,
			Timeout:  cfg.Timeout,
		},
		&doctor.HistoryCheck{
			Enabled: cfg.History.Enabled,
			Path:    cfg.History.Path,
			Open:    env.openHistory,
		},
	)
	return checks
}

func doctorOutput(checks []doctor.Check, results []doctor.CheckResult) DoctorOutput {
	grouped := make(map[string][]doctor.CheckResult)
	for i, check := range checks {
		grouped[check.Category()] = append(grouped[check.Category()], results[i])
	}

	output := DoctorOutput{Categories: []CategoryOutput{}}
	for _, cat := range doctor.Categories {
		if rs, ok := grouped[cat]; ok {
			output.Categories = append(output.Categories, CategoryOutput{Name: cat, Results: rs})
		}
	}

	counts := doctor.CountByStatus(results)
	output.Summary = DoctorSummary{
		Pass:     counts[doctor.StatusPass],
		Warn:     counts[doctor.StatusWarn],
		Fail:     counts[doctor.StatusFail],
		Fixable:  doctor.FixableCount(results),
		AllClear: !doctor.HasIssues(results),
	}
	return output
}

func renderDoctorText(out io.Writer, checks []doctor.Check, results []doctor.CheckResult, fixed bool) {
	headerStyle := lipgloss.NewStyle().Bold(true)
	mutedStyle := ui.MutedStyle()

	fmt.Fprintln(out)
	fmt.Fprintln(out, headerStyle.Render("vpcsh Diagnostic Report"))
	fmt.Fprintln(out)

	grouped := make(map[string][]int)
	for i, check := range checks {
		grouped[check.Category()] = append(grouped[check.Category()], i)
	}

	for _, category := range doctor.Categories {
		indices, ok := grouped[category]
		if !ok {
			continue
		}
		fmt.Fprintln(out, headerStyle.Render(category))
		for _, idx := range indices {
			renderCheckResult(out, results[idx])
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, strings.Repeat("━", 60))
	fmt.Fprintln(out)

	if !doctor.HasIssues(results) {
		fmt.Fprintf(out, "%s %s\n", ui.SuccessStyle().Render(ui.SymbolSuccess), doctor.Summary(results))
	} else {
		fmt.Fprintf(out, "%s %s\n", ui.ErrorStyle().Render(ui.SymbolFail), doctor.Summary(results))
		if doctor.FixableCount(results) > 0 && !fixed {
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Run with %s to attempt automatic fixes where possible.\n",
				mutedStyle.Render("--fix"))
		}
	}
	fmt.Fprintln(out)
}

func renderCheckResult(out io.Writer, result doctor.CheckResult) {
	symbol, style := ui.SymbolComplete, ui.SuccessStyle()
	switch result.Status {
	case doctor.StatusWarn:
		style = ui.WarningStyle()
	case doctor.StatusFail:
		symbol, style = ui.SymbolFail, ui.ErrorStyle()
	}

	fmt.Fprintf(out, "  %s %s\n", style.Render(symbol), result.Message)
	if result.Suggestion != "" && result.Status != doctor.StatusPass {
		for _, line := range strings.Split(result.Suggestion, "\n") {
			fmt.Fprintf(out, "    %s\n", ui.MutedStyle().Render(line))
		}
	}
}
