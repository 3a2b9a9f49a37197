package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/ui"
	"github.com/vpcsh/vpcsh/internal/util"
	"golang.org/x/term"
)

var (
	initForce          bool
	initNonInteractive bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, change and inspect the config file",
	Long: `Manage ~/.config/vpcsh/config.yaml (or the file given with --config).

Examples:
  vpcsh config init
  vpcsh config set remote_user ec2-user,ubuntu
  vpcsh config set aws.region eu-west-1
  vpcsh config show`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file",
	Long: `Create the config file with defaults, asking for the login users, AWS
region and key file when run in a terminal. Values passed with --user,
--region and --private-key are used as answers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Init(InitOptions{
			Path:           configPath(),
			Users:          settings.GetStringSlice("remote_user"),
			Region:         settings.GetString("aws.region"),
			PrivateKey:     settings.GetString("private_key"),
			Overwrite:      initForce,
			NonInteractive: initNonInteractive || !term.IsTerminal(int(os.Stdin.Fd())),
		}, os.Stdout)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one config value",
	Long: `Change one value in the config file, keeping its comments and layout.
Keys use dots for nesting, e.g. aws.region or history.enabled.`,
	Args: cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.Keys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s Set %s = %s in %s\n", ui.SymbolSuccess, args[0], args[1], path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config",
	Long: `Print the config as vpcsh sees it: the file merged with VPCSH_*
environment variables and flags. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showConfig(os.Stdout)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the config file is read from",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(configPath())
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
	configInitCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "don't prompt, use flags and defaults")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// configPath is --config, or the global default.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// InitOptions configures Init.
type InitOptions struct {
	Path           string
	Users          []string
	Region         string
	PrivateKey     string
	Overwrite      bool // Overwrite existing config without asking
	NonInteractive bool // Skip prompts, use the values given
}

// Init writes a new config file.
func Init(opts InitOptions, out io.Writer) error {
	if opts.Path == "" {
		return errors.New(errors.ErrConfig,
			"Couldn't work out where to put the config file",
			"Pass a path with --config")
	}

	if _, err := os.Stat(opts.Path); err == nil && !opts.Overwrite {
		if opts.NonInteractive {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Config file already exists: %s", opts.Path),
				"Use --force to overwrite")
		}

		overwrite, err := confirmPrompt(
			fmt.Sprintf("Config file '%s' already exists. Overwrite?", opts.Path), "")
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Failed to get user input",
				"Try running with --force to overwrite")
		}
		if !overwrite {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	if !opts.NonInteractive {
		if err := promptInit(&opts); err != nil {
			return err
		}
	}

	cfg := config.DefaultConfig()
	cfg.RemoteUser = util.SplitList(strings.Join(opts.Users, ","))
	cfg.AWS.Region = strings.TrimSpace(opts.Region)
	cfg.PrivateKey = strings.TrimSpace(opts.PrivateKey)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if err := config.Save(opts.Path, cfg, true); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s Created %s\n\n", ui.SymbolSuccess, opts.Path)
	if len(cfg.RemoteUser) == 0 {
		fmt.Fprintln(out, "Set the users to log in as before running anything:")
		fmt.Fprintln(out, "  vpcsh config set remote_user ec2-user,ubuntu")
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  vpcsh hosts        - List the hosts you can reach")
	fmt.Fprintln(out, "  vpcsh run <cmd>    - Run a command on them")
	return nil
}

func promptInit(opts *InitOptions) error {
	users := strings.Join(opts.Users, ",")
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Login users").
				Description("Tried in order on every host until one is let in").
				Placeholder("ec2-user,ubuntu").
				Value(&users).
				Validate(func(s string) error {
					if len(util.SplitList(s)) == 0 {
						return fmt.Errorf("at least one user is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("AWS region").
				Description("Where to look for instances (leave empty for the SDK default)").
				Placeholder("us-east-1").
				Value(&opts.Region),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Private key (optional)").
				Description("Leave empty to use ssh-agent and your default keys").
				Placeholder("~/.ssh/id_ed25519").
				Value(&opts.PrivateKey),
		),
	)
	if err := form.Run(); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to get user input",
			"Check terminal compatibility or use --non-interactive")
	}
	opts.Users = util.SplitList(users)
	return nil
}

// showConfig prints the merged config with secrets masked.
func showConfig(out io.Writer) error {
	path, err := config.Find(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(settings, path)
	if err != nil {
		return err
	}

	data, err := config.EncodeYAML(config.Redacted(cfg))
	if err != nil {
		return err
	}
	source := path
	if source == "" {
		source = "defaults, no config file"
	}
	fmt.Fprintf(out, "# %s\n", source)
	_, err = out.Write(data)
	return err
}
