package doctor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
)

// ConfigFileCheck reports which config file was found. Running on
// defaults alone is allowed, so a missing file is only a warning.
type ConfigFileCheck struct {
	Path    string // Found path, empty when none
	FindErr error
}

func (c *ConfigFileCheck) Name() string     { return "config_file" }
func (c *ConfigFileCheck) Category() string { return "CONFIG" }

func (c *ConfigFileCheck) Run(context.Context) CheckResult {
	if c.FindErr != nil {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusFail,
			Message:    errors.ShortMessage(c.FindErr),
			Suggestion: "Check the --config path and its permissions",
		}
	}
	if c.Path == "" {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    "No config file, using defaults",
			Suggestion: "Create one with: vpcsh config init",
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: "Config file: " + c.Path,
	}
}

func (c *ConfigFileCheck) Fix() error { return nil }

// ConfigValidCheck reports whether the config loaded and validated.
type ConfigValidCheck struct {
	Err error
}

func (c *ConfigValidCheck) Name() string     { return "config_valid" }
func (c *ConfigValidCheck) Category() string { return "CONFIG" }

func (c *ConfigValidCheck) Run(context.Context) CheckResult {
	if c.Err != nil {
		suggestion := "Fix the value in your config file, or see: vpcsh config show"
		var vErr *errors.Error
		if stderrors.As(c.Err, &vErr) && vErr.Suggestion != "" {
			suggestion = vErr.Suggestion
		}
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusFail,
			Message:    errors.ShortMessage(c.Err),
			Suggestion: suggestion,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: "Config valid",
	}
}

func (c *ConfigValidCheck) Fix() error { return nil }

// RemoteUserCheck verifies there is at least one login user to try.
type RemoteUserCheck struct {
	Config *config.Config
}

func (c *RemoteUserCheck) Name() string     { return "remote_user" }
func (c *RemoteUserCheck) Category() string { return "CONFIG" }

func (c *RemoteUserCheck) Run(context.Context) CheckResult {
	users := c.Config.RemoteUser
	if len(users) == 0 {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusFail,
			Message:    "No remote users configured",
			Suggestion: "Set them with: vpcsh config set remote_user ec2-user,ubuntu",
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: fmt.Sprintf("Login users: %s", strings.Join(users, ", ")),
	}
}

func (c *RemoteUserCheck) Fix() error { return nil }

// NewConfigChecks creates the CONFIG checks. cfg may be nil when loading
// failed; loadErr then explains why. Nothing past the file check runs when
// the file couldn't be found.
func NewConfigChecks(path string, findErr error, cfg *config.Config, loadErr error) []Check {
	checks := []Check{&ConfigFileCheck{Path: path, FindErr: findErr}}
	if findErr != nil {
		return checks
	}
	checks = append(checks, &ConfigValidCheck{Err: loadErr})
	if cfg != nil {
		checks = append(checks, &RemoteUserCheck{Config: cfg})
	}
	return checks
}
