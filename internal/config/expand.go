package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandTilde replaces ~ or ~/path with the user's home directory.
// Does not support ~username syntax - just ~ for the current user.
// Use this for LOCAL paths only. Remote paths keep ~ for the remote shell.
func ExpandTilde(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}

	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}

	return path
}

// expandPaths resolves ~ in every local path setting.
func expandPaths(cfg *Config) {
	cfg.PrivateKey = ExpandTilde(cfg.PrivateKey)
	cfg.History.Path = ExpandTilde(cfg.History.Path)
	cfg.Log.File = ExpandTilde(cfg.Log.File)
	cfg.Inventory.SSHConfigPath = ExpandTilde(cfg.Inventory.SSHConfigPath)
	cfg.Output.SaveDir = ExpandTilde(cfg.Output.SaveDir)
}
