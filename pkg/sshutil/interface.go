package sshutil

import (
	"context"
	"io"
)

// Conn is an authenticated SSH connection to one host.
// Both the real Client and the mock in sshutil/testing satisfy it.
type Conn interface {
	// Run executes cmd and returns its combined stdout/stderr and exit code.
	// A non-zero exit code with nil error means the command ran but failed.
	// Exit code is -1 if the command couldn't be executed at all. If ctx is
	// cancelled mid-command the remote process is killed and the returned
	// error wraps ctx.Err().
	Run(ctx context.Context, cmd string, stdin io.Reader) (output []byte, exitCode int, err error)

	// Close closes the connection.
	Close() error

	// GetAddress returns the resolved host:port address.
	GetAddress() string
}

// Connector opens connections as a given login user. Implementations must be
// safe for concurrent use; the dispatcher calls Connect from one goroutine
// per target.
type Connector interface {
	Connect(ctx context.Context, address, user string) (Conn, error)
}
