package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh/agent"
)

// DefaultKeyNames are looked for in ~/.ssh when no private_key is set.
var DefaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// PrivateKeyCheck verifies the configured key, or a default one, exists
// and isn't readable by others.
type PrivateKeyCheck struct {
	// Path is private_key. Empty means look in SSHDir.
	Path   string
	SSHDir string

	found string
}

func (c *PrivateKeyCheck) Name() string     { return "private_key" }
func (c *PrivateKeyCheck) Category() string { return "SSH" }

func (c *PrivateKeyCheck) Run(context.Context) CheckResult {
	c.found = ""
	if c.Path != "" {
		info, err := os.Stat(c.Path)
		if err != nil {
			return CheckResult{
				Name:       c.Name(),
				Status:     StatusFail,
				Message:    fmt.Sprintf("Can't read private_key %s", c.Path),
				Suggestion: "Check the path, or unset private_key to use ssh-agent",
			}
		}
		c.found = c.Path
		return c.permResult(info)
	}

	for _, name := range DefaultKeyNames {
		p := filepath.Join(c.SSHDir, name)
		if info, err := os.Stat(p); err == nil {
			c.found = p
			return c.permResult(info)
		}
	}
	return CheckResult{
		Name:       c.Name(),
		Status:     StatusWarn,
		Message:    "No private_key set and no default key in " + c.SSHDir,
		Suggestion: "Logins will only work with keys loaded in ssh-agent",
	}
}

func (c *PrivateKeyCheck) permResult(info os.FileInfo) CheckResult {
	if info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    fmt.Sprintf("Insecure permissions %04o on %s", info.Mode().Perm(), c.found),
			Suggestion: "Fix: chmod 600 " + c.found,
			Fixable:    true,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: "Private key: " + c.found,
	}
}

// Fix restricts the key found by the last Run to its owner.
func (c *PrivateKeyCheck) Fix() error {
	if c.found == "" {
		return nil
	}
	if err := os.Chmod(c.found, 0o600); err != nil {
		return fmt.Errorf("failed to fix permissions on %s: %w", c.found, err)
	}
	return nil
}

// SSHAgentCheck verifies the agent is reachable and holds keys.
type SSHAgentCheck struct {
	Socket string // SSH_AUTH_SOCK
}

func (c *SSHAgentCheck) Name() string     { return "ssh_agent" }
func (c *SSHAgentCheck) Category() string { return "SSH" }

func (c *SSHAgentCheck) Run(context.Context) CheckResult {
	if c.Socket == "" {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    "SSH agent not running",
			Suggestion: "Fix: eval $(ssh-agent) && ssh-add",
		}
	}

	conn, err := net.Dial("unix", c.Socket)
	if err != nil {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    "SSH agent socket not accessible",
			Suggestion: "Fix: eval $(ssh-agent) && ssh-add",
		}
	}
	defer conn.Close()

	keys, err := agent.NewClient(conn).List()
	if err != nil {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    "Cannot query SSH agent",
			Suggestion: "Check SSH agent: ssh-add -l",
		}
	}
	if len(keys) == 0 {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusWarn,
			Message:    "SSH agent running but no keys loaded",
			Suggestion: "Add a key with: ssh-add",
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: fmt.Sprintf("SSH agent running with %d key%s loaded", len(keys), pluralize(len(keys))),
	}
}

func (c *SSHAgentCheck) Fix() error { return nil }

// KnownHostsCheck verifies known_hosts is readable when host keys are
// checked. Without strict checking it always passes.
type KnownHostsCheck struct {
	Strict bool
	Path   string
}

func (c *KnownHostsCheck) Name() string     { return "known_hosts" }
func (c *KnownHostsCheck) Category() string { return "SSH" }

func (c *KnownHostsCheck) Run(context.Context) CheckResult {
	if !c.Strict {
		return CheckResult{
			Name:    c.Name(),
			Status:  StatusPass,
			Message: "Host keys not checked (strict_host_key_checking is off)",
		}
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return CheckResult{
			Name:       c.Name(),
			Status:     StatusFail,
			Message:    "Can't read " + c.Path,
			Suggestion: "Connect to each host once with ssh, or turn off strict_host_key_checking",
		}
	}
	f.Close()
	return CheckResult{
		Name:    c.Name(),
		Status:  StatusPass,
		Message: "Host keys checked against " + c.Path,
	}
}

func (c *KnownHostsCheck) Fix() error { return nil }

// NewSSHChecks creates the SSH checks. sshDir is usually ~/.ssh.
func NewSSHChecks(privateKey string, strict bool, sshDir, agentSocket string) []Check {
	return []Check{
		&PrivateKeyCheck{Path: privateKey, SSHDir: sshDir},
		&SSHAgentCheck{Socket: agentSocket},
		&KnownHostsCheck{Strict: strict, Path: filepath.Join(sshDir, "known_hosts")},
	}
}
