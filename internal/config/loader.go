package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/util"
)

const (
	// GlobalConfigDir is the directory for vpcsh state, relative to home.
	GlobalConfigDir = ".config/vpcsh"
	// GlobalConfigFile is the config file name inside GlobalConfigDir.
	GlobalConfigFile = "config.yaml"
	// EnvPrefix is prepended to every environment override, e.g.
	// VPCSH_REMOTE_USER or VPCSH_AWS_REGION.
	EnvPrefix = "VPCSH"
)

// NewViper returns a viper instance with vpcsh defaults and environment
// lookups registered. Callers bind their flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so AutomaticEnv can find overrides for
// keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("private_key", "")
	v.SetDefault("remote_user", []string{})
	v.SetDefault("sudo", false)
	v.SetDefault("timeout", d.Timeout.String())
	v.SetDefault("command_timeout", "0s")
	v.SetDefault("connect_timeout", d.ConnectTimeout.String())
	v.SetDefault("max_parallel", 0)
	v.SetDefault("strict_host_key_checking", false)
	v.SetDefault("staging_dir", d.StagingDir)
	v.SetDefault("confirm_threshold", d.ConfirmThreshold)
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("inventory.source", d.Inventory.Source)
	v.SetDefault("inventory.ssh_config_path", "")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("output.color", d.Output.Color)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.save_dir", "")
	v.SetDefault("output.keep_runs", d.Output.KeepRuns)
}

// DefaultPath returns ~/.config/vpcsh/config.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
}

// Find locates the config file:
// 1. Explicit path (from --config flag), which must exist
// 2. ~/.config/vpcsh/config.yaml
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct, or run 'vpcsh config init --config "+explicit+"'")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	global := DefaultPath()
	if global == "" {
		return "", nil
	}
	if _, err := os.Stat(global); err == nil {
		return global, nil
	}
	return "", nil
}

// Load reads the config file at path (if any) into v and returns the merged
// result of defaults, file, environment and bound flags. An empty path
// loads defaults plus overrides only.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.WrapWithCode(err, errors.ErrConfig,
					"Config file not found",
					"Run 'vpcsh config init' to create one, or specify one with --config")
			}
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Failed to read config file",
				"Check the file exists and is valid YAML")
		}
	}
	return parseConfig(v, path)
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()

	// The default decode hooks turn "30s" into a Duration and
	// "a,b" into a slice.
	if err := v.Unmarshal(cfg); err != nil {
		where := "your settings"
		if path != "" {
			where = path
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax and value types in "+where)
	}

	cfg.RemoteUser = normalizeUsers(cfg.RemoteUser)
	expandPaths(cfg)
	return cfg, nil
}

// normalizeUsers accepts both list and comma/space string forms, so
// remote_user: "ec2-user, ubuntu" and a YAML list mean the same thing.
func normalizeUsers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		out = append(out, util.SplitList(item)...)
	}
	return out
}
