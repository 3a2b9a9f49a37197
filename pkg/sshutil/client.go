package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/vpcsh/vpcsh/internal/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultConnectTimeout bounds TCP connect plus handshake when Options leaves
// it unset.
const DefaultConnectTimeout = 10 * time.Second

// Options configures a Dialer.
type Options struct {
	// KeyFile is an explicit private key. When empty the agent, the
	// IdentityFile from ~/.ssh/config and the default keys are used.
	KeyFile string

	// ConnectTimeout bounds TCP connect plus the SSH handshake.
	ConnectTimeout time.Duration

	// StrictHostKeyChecking verifies host keys against KnownHostsPath.
	// When false, host key verification is skipped.
	StrictHostKeyChecking bool

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string

	// SSHConfigPath defaults to ~/.ssh/config. Set to "-" to skip it.
	SSHConfigPath string
}

// Dialer opens SSH connections. The auth methods are loaded once and shared
// by every connection, so a Dialer is safe for concurrent use.
type Dialer struct {
	opts Options

	authOnce      sync.Once
	authMethods   []ssh.AuthMethod
	encryptedKeys []string
	authErr       error

	hostKeyOnce     sync.Once
	hostKeyCallback ssh.HostKeyCallback
	hostKeyErr      error
}

// NewDialer creates a Dialer.
func NewDialer(opts Options) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.KnownHostsPath == "" {
		opts.KnownHostsPath = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	if opts.SSHConfigPath == "" {
		opts.SSHConfigPath = filepath.Join(homeDir(), ".ssh", "config")
	}
	return &Dialer{opts: opts}
}

// Client wraps an SSH connection with additional metadata.
type Client struct {
	*ssh.Client
	Host    string // The original address/alias used to connect
	Address string // The resolved address (host:port)
	Login   string

	// stop detaches the context watcher installed by Connect.
	stop func() bool
}

// matchWarningOnce ensures the SSH config Match directive warning is only shown once per process.
var matchWarningOnce sync.Once

// WarningHandler is a function that handles warning messages.
// If nil, warnings are printed to stderr via log.Printf.
var WarningHandler func(message string)

// emitWarning sends a warning through the configured handler or falls back to log.Printf.
func emitWarning(message string) {
	if WarningHandler != nil {
		WarningHandler(message)
	} else {
		log.Printf("Warning: %s", message)
	}
}

// Connect establishes an SSH connection to address as user.
// The address can be:
//   - An IP or hostname (e.g., "10.0.3.17")
//   - A hostname:port (e.g., "10.0.3.17:2222")
//   - An SSH config alias (e.g., "bastion-a")
//
// HostName, Port and IdentityFile are resolved from ~/.ssh/config when
// available; the user is always the one given.
//
// The connection is bound to ctx: cancelling ctx closes the underlying
// net.Conn, which aborts a pending dial, a handshake in progress or any
// command running on the returned client.
func (d *Dialer) Connect(ctx context.Context, address, user string) (Conn, error) {
	settings := resolveSSHSettings(address, d.opts.SSHConfigPath)
	settings.user = user

	config, err := d.buildSSHConfig(settings)
	if err != nil {
		var vErr *errors.Error
		if stderrors.As(err, &vErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't set up SSH for '%s'", address),
			"Check your keys are loaded: ssh-add -l")
	}

	target := settings.address()
	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, address)
		}
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't reach '%s' at %s", address, target),
			suggestionForDialError(err))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	_ = conn.SetDeadline(time.Now().Add(d.opts.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		stop()
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil, interrupted(ctx, address)
		}

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.New(errors.ErrSSH,
				hostKeyErr.Error(),
				hostKeyErr.Suggestion())
		}

		code := errors.ErrSSH
		if ClassifyError(err) == FailAuth {
			code = errors.ErrAuth
		}
		return nil, errors.WrapWithCode(err, code,
			fmt.Sprintf("SSH handshake with '%s' as %s didn't go through", address, user),
			suggestionForHandshakeError(err, d.encryptedKeys))
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		Host:    address,
		Address: target,
		Login:   user,
		stop:    stop,
	}, nil
}

func interrupted(ctx context.Context, address string) error {
	return errors.WrapWithCode(ctx.Err(), errors.ErrTimeout,
		fmt.Sprintf("Connection to '%s' was interrupted", address),
		"")
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	if c.stop != nil {
		c.stop()
	}
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// sshSettings holds resolved SSH connection parameters.
type sshSettings struct {
	hostname     string
	port         string
	user         string
	identityFile string
}

// address returns the host:port string for dialing.
func (s *sshSettings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSSHSettings parses the host string and resolves settings from the
// SSH config at configPath ("-" disables the lookup).
func resolveSSHSettings(host, configPath string) *sshSettings {
	settings := &sshSettings{
		port: "22",
	}

	if h, p, err := net.SplitHostPort(host); err == nil && isPort(p) {
		settings.port = p
		host = h
	}
	settings.hostname = host

	if configPath == "-" {
		return settings
	}

	// kevinburke/ssh_config doesn't support Match, so only the content
	// before the first Match block is parsed.
	content, matchLine, err := preprocessSSHConfig(configPath)
	if err != nil {
		return settings
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return settings
	}

	hostFound := false

	if hostname, _ := cfg.Get(host, "HostName"); hostname != "" {
		settings.hostname = hostname
		hostFound = true
	}

	if port, _ := cfg.Get(host, "Port"); port != "" {
		settings.port = port
		hostFound = true
	}

	if identity, _ := cfg.Get(host, "IdentityFile"); identity != "" {
		settings.identityFile = expandPath(identity)
		hostFound = true
	}

	// Only warn about Match block if host wasn't found - it might be defined after the Match
	if matchLine > 0 && !hostFound && net.ParseIP(host) == nil {
		matchWarningOnce.Do(func() {
			emitWarning(fmt.Sprintf(
				"Host '%s' not found in SSH config (config has a Match block at line %d that may hide later entries). "+
					"If this host is defined after line %d, move it earlier in ~/.ssh/config.",
				host, matchLine, matchLine))
		})
	}

	return settings
}

func isPort(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// buildSSHConfig creates an SSH client config for one connection attempt.
func (d *Dialer) buildSSHConfig(settings *sshSettings) (*ssh.ClientConfig, error) {
	d.authOnce.Do(d.loadAuthMethods)
	if d.authErr != nil {
		return nil, d.authErr
	}

	authMethods := d.authMethods
	if settings.identityFile != "" && settings.identityFile != d.opts.KeyFile {
		if keyAuth, err := keyFileAuth(settings.identityFile); err == nil {
			authMethods = append([]ssh.AuthMethod{keyAuth}, authMethods...)
		}
	}

	if len(authMethods) == 0 {
		return nil, noAuthMethodsError(d.encryptedKeys)
	}

	d.hostKeyOnce.Do(func() {
		if d.opts.StrictHostKeyChecking {
			d.hostKeyCallback, d.hostKeyErr = createHostKeyCallback(d.opts.KnownHostsPath)
			if d.hostKeyErr != nil {
				d.hostKeyErr = errors.WrapWithCode(d.hostKeyErr, errors.ErrSSH,
					"Failed to load known_hosts",
					"Check "+d.opts.KnownHostsPath+" is readable, or disable strict_host_key_checking")
			}
			return
		}
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // fleets are rebuilt constantly; opt in with strict_host_key_checking
	})
	if d.hostKeyErr != nil {
		return nil, d.hostKeyErr
	}

	return &ssh.ClientConfig{
		User:            settings.user,
		Auth:            authMethods,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.opts.ConnectTimeout,
	}, nil
}

// loadAuthMethods collects the agent, the explicit key file and the default
// keys. An explicit key that can't be loaded is an error; missing default
// keys are not.
func (d *Dialer) loadAuthMethods() {
	tryKeyFile := func(keyPath string) {
		keyAuth, err := keyFileAuth(keyPath)
		if err != nil {
			var encErr *EncryptedKeyError
			if stderrors.As(err, &encErr) {
				d.encryptedKeys = append(d.encryptedKeys, keyPath)
			}
			return
		}
		d.authMethods = append(d.authMethods, keyAuth)
	}

	if d.opts.KeyFile != "" {
		keyPath := expandPath(d.opts.KeyFile)
		keyAuth, err := keyFileAuth(keyPath)
		if err != nil {
			var encErr *EncryptedKeyError
			if stderrors.As(err, &encErr) {
				d.authErr = errors.WrapWithCode(err, errors.ErrConfig,
					fmt.Sprintf("Private key %s is encrypted", keyPath),
					addToAgentSuggestion([]string{keyPath}))
				return
			}
			d.authErr = errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Couldn't load private key %s", keyPath),
				"Check the private_key setting points at a readable key file")
			return
		}
		d.authMethods = append(d.authMethods, keyAuth)
	}

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		d.authMethods = append(d.authMethods, agentAuth)
	}

	if d.opts.KeyFile != "" {
		return
	}

	defaultKeys := []string{
		filepath.Join(homeDir(), ".ssh", "id_ed25519"),
		filepath.Join(homeDir(), ".ssh", "id_rsa"),
		filepath.Join(homeDir(), ".ssh", "id_ecdsa"),
	}
	for _, keyPath := range defaultKeys {
		tryKeyFile(keyPath)
	}
}

func noAuthMethodsError(encryptedKeys []string) error {
	if len(encryptedKeys) > 0 {
		return errors.New(errors.ErrSSH,
			fmt.Sprintf("Found SSH key(s) but they're encrypted: %s", strings.Join(encryptedKeys, ", ")),
			addToAgentSuggestion(encryptedKeys))
	}
	return errors.New(errors.ErrSSH,
		"No SSH auth methods available",
		"Set private_key in the config or load a key into the agent: ssh-add -l")
}

func addToAgentSuggestion(keys []string) string {
	var sb strings.Builder
	sb.WriteString("Add your key(s) to the agent:\n")
	for _, key := range keys {
		if runtime.GOOS == "darwin" {
			sb.WriteString(fmt.Sprintf("  ssh-add --apple-use-keychain %s\n", key))
		} else {
			sb.WriteString(fmt.Sprintf("  ssh-add %s\n", key))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// The agent connection is reused across all SSH connections.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
// This should be called when the application is shutting down.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// keyFileAuth returns an auth method using a private key file.
// Returns EncryptedKeyError if the key requires a passphrase.
func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if stderrors.As(err, &missing) ||
			strings.Contains(err.Error(), "encrypted") ||
			strings.Contains(err.Error(), "passphrase") ||
			isEncryptedPEM(key) {
			return nil, &EncryptedKeyError{Path: keyPath}
		}
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

// Helper functions

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func suggestionForDialError(err error) string {
	switch ClassifyError(err) {
	case FailRefused:
		return "Is SSH running on that box? Check the security group allows port 22."
	case FailUnreachable:
		return "Can't route to the host. Are you on the VPC network or VPN?"
	case FailTimeout:
		return "Connection timed out. Host might be offline or blocked by a firewall."
	default:
		return "Make sure the host is reachable from here."
	}
}

func suggestionForHandshakeError(err error, encryptedKeys []string) string {
	switch ClassifyError(err) {
	case FailAuth:
		if len(encryptedKeys) > 0 {
			return "Your key(s) are encrypted. " + addToAgentSuggestion(encryptedKeys)
		}
		return "Auth failed. Check remote_user and that the key is authorized on the host."
	case FailHostKey:
		return "Host key issue. Try connecting manually first: ssh <host>"
	default:
		return "Something went wrong during SSH setup. Try: ssh <host>"
	}
}

// EncryptedKeyError is returned when an SSH key requires a passphrase.
type EncryptedKeyError struct {
	Path string
}

func (e *EncryptedKeyError) Error() string {
	return fmt.Sprintf("SSH key at %s is encrypted (passphrase protected)", e.Path)
}

// HostKeyMismatchError provides helpful context when known_hosts verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The server's host key doesn't match what's in known_hosts.\n"+
			"  Known types: %s\n"+
			"  Server sent: %s\n\n"+
			"  If the instance was replaced, remove the old entry:\n"+
			"    ssh-keygen -R %s",
		wantStr, e.ReceivedType, host)
}

// preprocessSSHConfig reads the SSH config and returns content up to the first Match directive.
// Also returns the line number where Match was found (0 if not found).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}

// isEncryptedPEM checks if PEM data contains encryption markers.
func isEncryptedPEM(data []byte) bool {
	return bytes.Contains(data, []byte("ENCRYPTED"))
}

// createHostKeyCallback wraps the knownhosts callback to provide better error messages.
func createHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create .ssh directory: %w", err)
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if stderrors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return &HostKeyMismatchError{
					Hostname:     hostname,
					ReceivedType: key.Type(),
					KnownHosts:   knownHostsPath,
					Want:         keyErr.Want,
				}
			}
		}
		return err
	}, nil
}
