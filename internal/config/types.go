// Package config loads vpcsh settings from YAML, environment and flags.
package config

import "time"

// CurrentConfigVersion is the config schema version this build writes.
const CurrentConfigVersion = 1

// Inventory sources.
const (
	SourceEC2       = "ec2"
	SourceSSHConfig = "ssh_config"
)

// Config is the full vpcsh configuration.
type Config struct {
	Version int `mapstructure:"version" yaml:"version"`

	// PrivateKey is the key file used for every connection. Empty means
	// ssh-agent and the default ~/.ssh keys.
	PrivateKey string `mapstructure:"private_key" yaml:"private_key,omitempty"`

	// RemoteUser is the identity chain, tried in order on each host.
	RemoteUser []string `mapstructure:"remote_user" yaml:"remote_user,omitempty"`

	Sudo bool `mapstructure:"sudo" yaml:"sudo"`

	// Timeout is the stall timeout: the longest the dispatcher waits
	// without any host finishing.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// CommandTimeout bounds a single remote command. Zero means no bound.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout,omitempty"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// MaxParallel caps in-flight hosts. Zero means one worker per target.
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`

	StrictHostKeyChecking bool `mapstructure:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	// StagingDir is the remote parent directory for uploaded scripts.
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`

	// ConfirmThreshold asks before running on more targets than this.
	// Zero disables the prompt.
	ConfirmThreshold int `mapstructure:"confirm_threshold" yaml:"confirm_threshold"`

	AWS       AWSConfig       `mapstructure:"aws" yaml:"aws"`
	Inventory InventoryConfig `mapstructure:"inventory" yaml:"inventory"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
}

// AWSConfig holds EC2 credentials. Empty keys fall back to the SDK's
// default credential chain.
type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Profile         string `mapstructure:"profile" yaml:"profile,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// HasStaticCredentials reports whether both key parts are set.
func (a AWSConfig) HasStaticCredentials() bool {
	return a.AccessKeyID != "" && a.SecretAccessKey != ""
}

// InventoryConfig selects where targets come from.
type InventoryConfig struct {
	// Source is "ec2" (default) or "ssh_config".
	Source string `mapstructure:"source" yaml:"source"`

	// SSHConfigPath overrides ~/.ssh/config for the ssh_config source.
	SSHConfigPath string `mapstructure:"ssh_config_path" yaml:"ssh_config_path,omitempty"`
}

// HistoryConfig controls the local run history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"`
}

// LogConfig controls diagnostic logging. Results never go through the log.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// OutputConfig controls result rendering.
type OutputConfig struct {
	// Color: auto, always, never
	Color string `mapstructure:"color" yaml:"color"`

	// Format: text, json, yaml
	Format string `mapstructure:"format" yaml:"format"`

	// SaveDir, when set, keeps every host's output from each run in
	// <save_dir>/<timestamp>-<run>/.
	SaveDir string `mapstructure:"save_dir" yaml:"save_dir,omitempty"`

	// KeepRuns is how many saved runs to keep. Zero keeps all.
	KeepRuns int `mapstructure:"keep_runs" yaml:"keep_runs"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:          CurrentConfigVersion,
		RemoteUser:       []string{},
		Timeout:          30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		StagingDir:       "/tmp/vpcsh",
		ConfirmThreshold: 10,
		Inventory: InventoryConfig{
			Source: SourceEC2,
		},
		History: HistoryConfig{
			Path: "~/" + GlobalConfigDir + "/history.db",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Output: OutputConfig{
			Color:    "auto",
			Format:   "text",
			KeepRuns: 20,
		},
	}
}
