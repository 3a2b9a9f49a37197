package doctor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
)

func TestConfigFileCheck(t *testing.T) {
	tests := []struct {
		name    string
		check   ConfigFileCheck
		status  CheckStatus
		message string
	}{
		{"found", ConfigFileCheck{Path: "/home/me/.config/vpcsh/config.yaml"}, StatusPass, "Config file: /home/me/.config/vpcsh/config.yaml"},
		{"defaults", ConfigFileCheck{}, StatusWarn, "No config file, using defaults"},
		{"find error", ConfigFileCheck{FindErr: errors.New(errors.ErrConfig, "Config file not found: x.yaml", "")}, StatusFail, "Config file not found: x.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.check.Run(context.Background())
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.message, r.Message)
		})
	}
}

func TestConfigValidCheck(t *testing.T) {
	pass := (&ConfigValidCheck{}).Run(context.Background())
	assert.Equal(t, StatusPass, pass.Status)

	fail := (&ConfigValidCheck{Err: errors.New(errors.ErrConfig, "timeout must be positive", "Set timeout to e.g. 30s")}).Run(context.Background())
	assert.Equal(t, StatusFail, fail.Status)
	assert.Equal(t, "timeout must be positive", fail.Message)
	assert.Equal(t, "Set timeout to e.g. 30s", fail.Suggestion)

	plain := (&ConfigValidCheck{Err: fmt.Errorf("yaml: line 3: did not find expected key")}).Run(context.Background())
	assert.Equal(t, StatusFail, plain.Status)
	assert.Contains(t, plain.Suggestion, "vpcsh config show")
}

func TestRemoteUserCheck(t *testing.T) {
	cfg := config.DefaultConfig()
	r := (&RemoteUserCheck{Config: cfg}).Run(context.Background())
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Suggestion, "remote_user")

	cfg.RemoteUser = []string{"ec2-user", "ubuntu"}
	r = (&RemoteUserCheck{Config: cfg}).Run(context.Background())
	assert.Equal(t, StatusPass, r.Status)
	assert.Equal(t, "Login users: ec2-user, ubuntu", r.Message)
}

func TestNewConfigChecks(t *testing.T) {
	withCfg := NewConfigChecks("/etc/vpcsh.yaml", nil, config.DefaultConfig(), nil)
	require.Len(t, withCfg, 3)
	for _, c := range withCfg {
		assert.Equal(t, "CONFIG", c.Category())
	}

	broken := NewConfigChecks("/etc/vpcsh.yaml", nil, nil, fmt.Errorf("bad yaml"))
	assert.Len(t, broken, 2, "no user check without a config")

	missing := NewConfigChecks("", fmt.Errorf("config file not found"), nil, nil)
	assert.Len(t, missing, 1)
}
