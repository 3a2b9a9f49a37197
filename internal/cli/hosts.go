package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/ui"
)

var hostsFilter FilterFlags

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List the hosts a run would target",
	Long: `List the hosts that match the filters, without connecting to any.

Takes the same filters as run, so you can check a selection first.

Examples:
  vpcsh hosts
  vpcsh hosts -f Role=web -f Environment=prod
  vpcsh hosts --launched-before 2024-01-01 -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listHosts(cmd.Context(), current, hostsFilter)
	},
}

func init() {
	AddFilterFlags(hostsCmd, &hostsFilter)
	rootCmd.AddCommand(hostsCmd)
}

// HostsReport is the machine-readable hosts listing.
type HostsReport struct {
	Count int            `json:"count" yaml:"count"`
	Hosts []fleet.Target `json:"hosts" yaml:"hosts"`
}

func listHosts(ctx context.Context, a *app, flags FilterFlags) error {
	filter, err := flags.Filter()
	if err != nil {
		return err
	}
	resolver, err := a.newResolver(a.cfg, a.log)
	if err != nil {
		return err
	}
	targets, err := resolveFilter(ctx, a, resolver, filter)
	if err != nil {
		return err
	}

	if a.format() != formatText {
		if targets == nil {
			targets = []fleet.Target{}
		}
		return writeData(a.stdout, a.format(), HostsReport{Count: len(targets), Hosts: targets})
	}
	fmt.Fprintln(a.stdout, ui.RenderTargets(targets))
	return nil
}
