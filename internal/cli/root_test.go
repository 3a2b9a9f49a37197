package cli

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
)

func TestIsUnknownCommandError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "unknown command error",
			err:  stderrors.New(`unknown command "foo" for "vpcsh"`),
			want: true,
		},
		{
			name: "unknown flag error",
			err:  stderrors.New(`unknown flag: --foo`),
			want: true,
		},
		{
			name: "unknown shorthand flag",
			err:  stderrors.New(`unknown shorthand flag: 'z' in -z`),
			want: true,
		},
		{
			name: "other error",
			err:  stderrors.New("connection failed"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isUnknownCommandError(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractUnknownCommand(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "standard cobra format",
			err:  stderrors.New(`unknown command "rn" for "vpcsh"`),
			want: "rn",
		},
		{
			name: "command with hyphen",
			err:  stderrors.New(`unknown command "run-on" for "vpcsh"`),
			want: "run-on",
		},
		{
			name: "no quotes returns empty",
			err:  stderrors.New("unknown command foo"),
			want: "",
		},
		{
			name: "single quote returns empty",
			err:  stderrors.New(`unknown command "foo`),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractUnknownCommand(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"host failure", errors.NewExitError(ExitHostFailure), ExitHostFailure},
		{"wrapped exit error", fmt.Errorf("run: %w", errors.NewExitError(3)), 3},
		{"config error", errors.New(errors.ErrConfig, "No remote users configured", ""), ExitConfigError},
		{"unknown command", stderrors.New(`unknown command "x" for "vpcsh"`), ExitConfigError},
		{"inventory error", errors.New(errors.ErrInventory, "Couldn't list instances", ""), ExitHostFailure},
		{"plain error", stderrors.New("boom"), ExitHostFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestSkipsConfig(t *testing.T) {
	root := &cobra.Command{Use: "vpcsh"}
	run := &cobra.Command{Use: "run"}
	cfg := &cobra.Command{Use: "config"}
	cfgSet := &cobra.Command{Use: "set"}
	version := &cobra.Command{Use: "version"}
	doc := &cobra.Command{Use: "doctor"}
	root.AddCommand(run, cfg, version, doc)
	cfg.AddCommand(cfgSet)

	assert.False(t, skipsConfig(run))
	assert.False(t, skipsConfig(root))
	assert.True(t, skipsConfig(cfg))
	assert.True(t, skipsConfig(cfgSet), "subcommands inherit from their parent")
	assert.True(t, skipsConfig(version))
	assert.True(t, skipsConfig(doc))
}

func TestBindFlags_FlagOverridesDefault(t *testing.T) {
	cmd := &cobra.Command{Use: "vpcsh"}
	cmd.Flags().StringSlice("user", nil, "")
	cmd.Flags().String("region", "", "")
	cmd.Flags().Int("max-parallel", 0, "")

	v := config.NewViper()
	bindFlags(v, cmd.Flags().Lookup)

	require.NoError(t, cmd.ParseFlags([]string{"--user", "ubuntu,admin", "--max-parallel", "8"}))

	assert.Equal(t, []string{"ubuntu", "admin"}, v.GetStringSlice("remote_user"))
	assert.Equal(t, 8, v.GetInt("max_parallel"))
	assert.Empty(t, v.GetString("aws.region"), "unchanged flag keeps the default")
}

func TestCommandNames(t *testing.T) {
	names := commandNames()

	assert.Contains(t, names, "run")
	assert.Contains(t, names, "run-one")
	assert.Contains(t, names, "hosts")
	assert.Contains(t, names, "history")
	assert.Contains(t, names, "config")
}
