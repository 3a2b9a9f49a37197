package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/util"
)

var (
	validSources    = []string{SourceEC2, SourceSSHConfig}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
	validColors     = []string{"auto", "always", "never"}
	validFormats    = []string{"text", "json", "yaml"}
)

// Validate checks the config for errors and returns structured error
// messages. It does not require anything only a dispatch needs; see
// ValidateForDispatch.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New(errors.ErrConfig, "No config loaded", "")
	}

	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but vpcsh only knows up to %d)", cfg.Version, CurrentConfigVersion),
			"Upgrade vpcsh, or lower 'version' in the config file.")
	}

	if err := validateTimeouts(cfg); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Durations look like 30s, 2m or 1h.")
	}

	if cfg.MaxParallel < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("max_parallel can't be negative (got %d)", cfg.MaxParallel),
			"Use 0 to run every host at once, or a positive cap.")
	}
	if cfg.Output.KeepRuns < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("output.keep_runs can't be negative (got %d)", cfg.Output.KeepRuns),
			"Use 0 to keep every saved run.")
	}
	if cfg.ConfirmThreshold < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("confirm_threshold can't be negative (got %d)", cfg.ConfirmThreshold),
			"Use 0 to never ask for confirmation.")
	}

	// Absolute only: "~" would expand differently for each remote user.
	if !strings.HasPrefix(cfg.StagingDir, "/") {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("staging_dir '%s' must be an absolute remote path", cfg.StagingDir),
			"Something like /tmp/vpcsh works on most hosts.")
	}

	if err := oneOf("inventory.source", cfg.Inventory.Source, validSources); err != nil {
		return err
	}
	if err := oneOf("log.level", strings.ToLower(cfg.Log.Level), validLogLevels); err != nil {
		return err
	}
	if err := oneOf("log.format", strings.ToLower(cfg.Log.Format), validLogFormats); err != nil {
		return err
	}
	if err := oneOf("output.color", cfg.Output.Color, validColors); err != nil {
		return err
	}
	if err := oneOf("output.format", cfg.Output.Format, validFormats); err != nil {
		return err
	}

	if cfg.AWS.AccessKeyID != "" && cfg.AWS.SecretAccessKey == "" {
		return errors.New(errors.ErrConfig,
			"aws.access_key_id is set but aws.secret_access_key is empty",
			"Set both keys, or remove both to use the AWS default credential chain.")
	}
	if cfg.AWS.SecretAccessKey != "" && cfg.AWS.AccessKeyID == "" {
		return errors.New(errors.ErrConfig,
			"aws.secret_access_key is set but aws.access_key_id is empty",
			"Set both keys, or remove both to use the AWS default credential chain.")
	}

	return nil
}

// ValidateForDispatch runs Validate plus the checks a command run needs:
// a non-empty identity chain and a readable key file.
func ValidateForDispatch(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	if len(cfg.RemoteUser) == 0 {
		return errors.New(errors.ErrConfig,
			"No remote users configured",
			"Set remote_user in the config file, VPCSH_REMOTE_USER, or pass --user ec2-user,ubuntu")
	}
	for _, u := range cfg.RemoteUser {
		if strings.ContainsAny(u, "@:/ \t") {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("remote_user '%s' isn't a valid login name", u),
				"List bare login names, e.g. ec2-user, ubuntu")
		}
	}

	if cfg.PrivateKey != "" {
		if _, err := os.Stat(cfg.PrivateKey); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Can't read private_key %s", cfg.PrivateKey),
				"Check the path, or unset private_key to use ssh-agent.")
		}
	}

	return nil
}

func validateTimeouts(cfg *Config) error {
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}
	if cfg.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout can't be negative (got %s)", cfg.CommandTimeout)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive (got %s)", cfg.ConnectTimeout)
	}
	return nil
}

// oneOf reports value as a CONFIG error unless it is one of allowed,
// with a "did you mean" hint for near misses.
func oneOf(key, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}

	suggestion := fmt.Sprintf("Use one of: %s", strings.Join(allowed, ", "))
	if similar := util.SuggestSimilar(value, allowed, 2); len(similar) > 0 {
		suggestion = fmt.Sprintf("Did you mean '%s'? %s", similar[0], suggestion)
	}
	return errors.New(errors.ErrConfig,
		fmt.Sprintf("%s '%s' isn't valid", key, value),
		suggestion)
}
