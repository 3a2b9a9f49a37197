// Package testing provides a scripted sshutil.Connector for tests that need
// SSH behavior without a network.
package testing

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// Canned errors shaped like the ones x/crypto/ssh and net produce.
var (
	ErrAuthRejected = fmt.Errorf("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey], no supported methods remain")
	ErrUnreachable  = fmt.Errorf("dial tcp: connect: no route to host")
	ErrRefused      = fmt.Errorf("dial tcp: connect: connection refused")
)

// CommandResponse is what Run returns for a scripted host.
type CommandResponse struct {
	Output   []byte
	ExitCode int
	Error    error
}

// Behavior scripts one user@address pair.
type Behavior struct {
	// ConnectErr is returned from Connect after ConnectDelay.
	ConnectErr   error
	ConnectDelay time.Duration
	// BlockConnect makes Connect wait until its context is cancelled.
	BlockConnect bool

	Response CommandResponse
	RunDelay time.Duration
	// BlockRun makes Run wait until its context is cancelled.
	BlockRun bool
}

// Reject is a Behavior whose Connect fails authentication.
func Reject() Behavior {
	return Behavior{ConnectErr: ErrAuthRejected}
}

// Succeed is a Behavior whose command prints output and exits with code.
func Succeed(output string, code int) Behavior {
	return Behavior{Response: CommandResponse{Output: []byte(output), ExitCode: code}}
}

// Attempt records one Connect call.
type Attempt struct {
	Address string
	User    string
	At      time.Time
}

// RunCall records one Run call.
type RunCall struct {
	Address string
	User    string
	Cmd     string
	Stdin   []byte
}

// MockConnector implements sshutil.Connector from a script keyed by
// user@address. Unscripted pairs fall back to a per-address behavior, then
// to Default, which rejects authentication like a real server would for an
// unknown login. Safe for concurrent use.
type MockConnector struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	hosts     map[string]Behavior
	Default   Behavior

	attempts []Attempt
	runs     []RunCall
	active   int
	maxSeen  int
}

// NewMockConnector creates a connector where every login is rejected until
// scripted otherwise.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		behaviors: make(map[string]Behavior),
		hosts:     make(map[string]Behavior),
		Default:   Reject(),
	}
}

// On scripts the behavior for user at address.
func (m *MockConnector) On(address, user string, b Behavior) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[user+"@"+address] = b
	return m
}

// OnHost scripts the behavior for any user at address.
func (m *MockConnector) OnHost(address string, b Behavior) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[address] = b
	return m
}

func (m *MockConnector) behaviorFor(address, user string) Behavior {
	if b, ok := m.behaviors[user+"@"+address]; ok {
		return b
	}
	if b, ok := m.hosts[address]; ok {
		return b
	}
	return m.Default
}

// Connect simulates dial plus handshake.
func (m *MockConnector) Connect(ctx context.Context, address, user string) (sshutil.Conn, error) {
	m.mu.Lock()
	m.attempts = append(m.attempts, Attempt{Address: address, User: user, At: time.Now()})
	b := m.behaviorFor(address, user)
	m.active++
	if m.active > m.maxSeen {
		m.maxSeen = m.active
	}
	m.mu.Unlock()

	if err := wait(ctx, b.ConnectDelay, b.BlockConnect); err != nil {
		m.release()
		return nil, errors.WrapWithCode(err, errors.ErrTimeout,
			fmt.Sprintf("Connection to '%s' was interrupted", address), "")
	}
	if b.ConnectErr != nil {
		m.release()
		code := errors.ErrSSH
		if sshutil.IsAuthFailure(b.ConnectErr) {
			code = errors.ErrAuth
		}
		return nil, errors.WrapWithCode(b.ConnectErr, code,
			fmt.Sprintf("SSH handshake with '%s' as %s didn't go through", address, user), "")
	}

	return &mockConn{parent: m, address: address, user: user, behavior: b}, nil
}

func (m *MockConnector) release() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

// Attempts returns every Connect call in the order they happened.
func (m *MockConnector) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// UsersTried returns the users Connect was called with for address, in order.
func (m *MockConnector) UsersTried(address string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []string
	for _, a := range m.attempts {
		if a.Address == address {
			users = append(users, a.User)
		}
	}
	return users
}

// ConnectCount returns the number of Connect calls.
func (m *MockConnector) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// Runs returns every Run call in the order they happened.
func (m *MockConnector) Runs() []RunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunCall, len(m.runs))
	copy(out, m.runs)
	return out
}

// MaxActive returns the highest number of connections open at once.
func (m *MockConnector) MaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

type mockConn struct {
	parent   *MockConnector
	address  string
	user     string
	behavior Behavior

	closeOnce sync.Once
}

func (c *mockConn) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, int, error) {
	var input []byte
	if stdin != nil {
		input, _ = io.ReadAll(stdin)
	}

	c.parent.mu.Lock()
	c.parent.runs = append(c.parent.runs, RunCall{Address: c.address, User: c.user, Cmd: cmd, Stdin: input})
	c.parent.mu.Unlock()

	if err := wait(ctx, c.behavior.RunDelay, c.behavior.BlockRun); err != nil {
		return nil, -1, errors.WrapWithCode(err, errors.ErrTimeout, "Command interrupted", "")
	}

	resp := c.behavior.Response
	if resp.Error != nil {
		return resp.Output, -1, resp.Error
	}
	return resp.Output, resp.ExitCode, nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(c.parent.release)
	return nil
}

func (c *mockConn) GetAddress() string {
	return c.address
}

// wait sleeps for delay, or until ctx is done when block is set. It returns
// ctx.Err() if the context ends first.
func wait(ctx context.Context, delay time.Duration, block bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
