package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
		suggestion  string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:        "future version",
			mutate:      func(c *Config) { c.Version = CurrentConfigVersion + 1 },
			errContains: "from the future",
		},
		{
			name:        "zero timeout",
			mutate:      func(c *Config) { c.Timeout = 0 },
			errContains: "timeout must be positive",
		},
		{
			name:        "negative command timeout",
			mutate:      func(c *Config) { c.CommandTimeout = -time.Second },
			errContains: "command_timeout can't be negative",
		},
		{
			name:        "zero connect timeout",
			mutate:      func(c *Config) { c.ConnectTimeout = 0 },
			errContains: "connect_timeout must be positive",
		},
		{
			name:        "negative max_parallel",
			mutate:      func(c *Config) { c.MaxParallel = -1 },
			errContains: "max_parallel",
		},
		{
			name:        "negative keep_runs",
			mutate:      func(c *Config) { c.Output.KeepRuns = -1 },
			errContains: "output.keep_runs",
		},
		{
			name:        "relative staging dir",
			mutate:      func(c *Config) { c.StagingDir = "tmp/vpcsh" },
			errContains: "staging_dir",
		},
		{
			name:        "home-relative staging dir",
			mutate:      func(c *Config) { c.StagingDir = "~/scripts" },
			errContains: "staging_dir",
		},
		{
			name:        "unknown source with hint",
			mutate:      func(c *Config) { c.Inventory.Source = "ec3" },
			errContains: "inventory.source 'ec3'",
			suggestion:  "Did you mean 'ec2'?",
		},
		{
			name:        "bad log level",
			mutate:      func(c *Config) { c.Log.Level = "verbose" },
			errContains: "log.level",
		},
		{
			name:   "log level is case-insensitive",
			mutate: func(c *Config) { c.Log.Level = "DEBUG" },
		},
		{
			name:        "bad output format with hint",
			mutate:      func(c *Config) { c.Output.Format = "jsno" },
			errContains: "output.format",
			suggestion:  "Did you mean 'json'?",
		},
		{
			name:        "bad color",
			mutate:      func(c *Config) { c.Output.Color = "sometimes" },
			errContains: "output.color",
		},
		{
			name:        "half aws credentials",
			mutate:      func(c *Config) { c.AWS.AccessKeyID = "AKIA" },
			errContains: "aws.secret_access_key is empty",
		},
		{
			name:   "ssh_config source",
			mutate: func(c *Config) { c.Inventory.Source = SourceSSHConfig },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.errContains)
			if tt.suggestion != "" {
				var e *errors.Error
				require.ErrorAs(t, err, &e)
				assert.Contains(t, e.Suggestion, tt.suggestion)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	assert.True(t, errors.IsCode(Validate(nil), errors.ErrConfig))
}

func TestValidateForDispatch(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0600))

	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{
			name:   "users and agent",
			mutate: func(c *Config) { c.RemoteUser = []string{"ec2-user"} },
		},
		{
			name: "users and key file",
			mutate: func(c *Config) {
				c.RemoteUser = []string{"ec2-user", "ubuntu"}
				c.PrivateKey = keyFile
			},
		},
		{
			name:        "no users",
			mutate:      func(*Config) {},
			errContains: "No remote users",
		},
		{
			name:        "user with host part",
			mutate:      func(c *Config) { c.RemoteUser = []string{"ec2-user@10.0.0.1"} },
			errContains: "isn't a valid login name",
		},
		{
			name: "missing key file",
			mutate: func(c *Config) {
				c.RemoteUser = []string{"ec2-user"}
				c.PrivateKey = filepath.Join(t.TempDir(), "missing.pem")
			},
			errContains: "Can't read private_key",
		},
		{
			name: "base validation still applies",
			mutate: func(c *Config) {
				c.RemoteUser = []string{"ec2-user"}
				c.Timeout = -1
			},
			errContains: "timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateForDispatch(cfg)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}
