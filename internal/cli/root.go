package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/logger"
	"github.com/vpcsh/vpcsh/internal/ui"
	"github.com/vpcsh/vpcsh/internal/util"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// Exit statuses.
const (
	ExitOK          = 0
	ExitHostFailure = 1
	ExitConfigError = 2
)

// Global flags that are not config keys.
var (
	cfgFile     string
	noColorFlag bool
	verboseFlag bool
)

// settings holds defaults, the config file, VPCSH_* env and bound flags.
var settings = config.NewViper()

// current is the loaded state, set by loadApp before any command runs.
var current *app

var rootCmd = &cobra.Command{
	Use:   "vpcsh",
	Short: "Run a command on every host in your fleet",
	Long: `vpcsh runs a shell command (or a script piped on stdin) on every
matching host at once, trying each configured login user in turn, and
prints one block per host as it finishes.

Hosts come from EC2 (running instances, filtered by tag) or from your
~/.ssh/config. A host that stays silent is given up on once no host has
finished for --timeout.

Examples:
  vpcsh run -f Role=web uptime
  vpcsh run -f Environment=prod --sudo "systemctl restart nginx"
  vpcsh run -f Role=db < backup.sh
  vpcsh run-one i-0abc123 "df -h"
  vpcsh hosts -f Role=web`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsConfig(cmd) {
			return nil
		}
		a, err := loadApp(settings, cfgFile)
		if err != nil {
			return err
		}
		current = a
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.config/vpcsh/config.yaml)")
	pf.StringSliceP("user", "u", nil, "login users to try in order (comma-separated)")
	pf.StringP("private-key", "i", "", "SSH private key file")
	pf.String("region", "", "AWS region")
	pf.String("profile", "", "AWS shared config profile")
	pf.String("source", "", "inventory source: ec2 or ssh_config")
	pf.BoolP("sudo", "s", false, "run the command through sudo -n")
	pf.Duration("timeout", 0, "give up on remaining hosts when none finishes for this long")
	pf.Duration("command-timeout", 0, "limit on a single remote command (0 = none)")
	pf.Duration("connect-timeout", 0, "limit on TCP connect plus SSH handshake")
	pf.IntP("max-parallel", "p", 0, "hosts worked on at once (0 = all)")
	pf.Bool("strict-host-key-checking", false, "verify host keys against ~/.ssh/known_hosts")
	pf.StringP("format", "o", "", "output format: text, json or yaml")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&noColorFlag, "no-color", false, "disable colored output")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "log at debug level")

	bindFlags(settings, pf.Lookup)

	rootCmd.AddCommand(completionCmd)
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"user":                     "remote_user",
	"private-key":              "private_key",
	"region":                   "aws.region",
	"profile":                  "aws.profile",
	"source":                   "inventory.source",
	"sudo":                     "sudo",
	"timeout":                  "timeout",
	"command-timeout":          "command_timeout",
	"connect-timeout":          "connect_timeout",
	"max-parallel":             "max_parallel",
	"strict-host-key-checking": "strict_host_key_checking",
	"format":                   "output.format",
	"log-level":                "log.level",
}

// bindFlags binds every flag in flagKeys. Unchanged flags never override
// the file or environment because every key has a viper default.
func bindFlags(v *viper.Viper, lookup func(string) *pflag.Flag) {
	for name, key := range flagKeys {
		if f := lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// skipsConfig reports whether cmd runs without loading config. The config
// and doctor commands handle a missing or broken file themselves.
func skipsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "version", "completion", "config", "doctor", "help":
			return true
		}
	}
	return false
}

// loadApp reads and validates config, then sets up logging and colors.
func loadApp(v *viper.Viper, explicit string) (*app, error) {
	path, err := config.Find(explicit)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if verboseFlag {
		cfg.Log.Level = "debug"
	}
	if noColorFlag {
		cfg.Output.Color = "never"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	sshutil.WarningHandler = func(msg string) { logger.Default().Warn("%s", msg) }
	if path != "" {
		log.Debug("loaded config from %s", path)
	}

	a := newApp(cfg, log)
	ui.ConfigureColors(cfg.Output.Color, a.stdoutTTY)
	return a, nil
}

// Execute runs the root command and exits with the resulting status.
// SIGINT and SIGTERM cancel the run; hosts still working are reported
// as skipped.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	sshutil.CloseAgent()

	code := exitCode(err)
	if err != nil {
		if _, silent := errors.GetExitCode(err); !silent {
			reportError(err)
		}
	}
	os.Exit(code)
}

// exitCode maps a command error to the process status: config errors
// give 2, an ExitError its own code, anything else 1.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := errors.GetExitCode(err); ok {
		return code
	}
	if errors.IsCode(err, errors.ErrConfig) || isUnknownCommandError(err) {
		return ExitConfigError
	}
	return ExitHostFailure
}

// reportError prints err for the operator, in JSON when that was asked for.
func reportError(err error) {
	if current != nil && current.format() == formatJSON {
		_ = WriteJSONFromError(os.Stdout, err)
		return
	}

	if isUnknownCommandError(err) {
		fmt.Fprintln(os.Stderr, err)
		if name := extractUnknownCommand(err); name != "" {
			if similar := util.SuggestSimilar(name, commandNames(), 2); len(similar) > 0 {
				fmt.Fprintf(os.Stderr, "\nDid you mean '%s'?\n", similar[0])
			}
		}
		fmt.Fprintln(os.Stderr, "Run 'vpcsh --help' for usage.")
		return
	}

	msg := err.Error()
	if !strings.HasPrefix(msg, ui.SymbolFail) {
		msg = ui.SymbolFail + " " + msg
	}
	fmt.Fprintln(os.Stderr, ui.ErrorStyle().Render(strings.TrimRight(msg, "\n")))
}

// isUnknownCommandError reports cobra's unknown command and flag errors.
func isUnknownCommandError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag")
}

// extractUnknownCommand pulls the name out of `unknown command "x" for "vpcsh"`.
func extractUnknownCommand(err error) string {
	msg := err.Error()
	start := strings.Index(msg, `"`)
	if start == -1 {
		return ""
	}
	end := strings.Index(msg[start+1:], `"`)
	if end == -1 {
		return ""
	}
	return msg[start+1 : start+1+end]
}

func commandNames() []string {
	var names []string
	for _, c := range rootCmd.Commands() {
		if c.IsAvailableCommand() {
			names = append(names, c.Name())
		}
	}
	return names
}
