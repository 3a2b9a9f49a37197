package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/vpcsh/vpcsh/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host and returns its combined output.
// stdin may be nil. Exit code is -1 if the command couldn't be executed at all.
//
// When ctx is cancelled the remote process is sent SIGKILL and the
// connection is closed; whatever output arrived so far is returned along with
// an ErrTimeout error wrapping ctx.Err().
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, int, error) {
	session, err := c.Client.NewSession()
	if err != nil {
		if ctx.Err() != nil {
			return nil, -1, interrupted(ctx, c.Host)
		}
		return nil, -1, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session",
			"Connection may have been closed by the host.")
	}
	defer session.Close()

	out := &lockedBuffer{}
	session.Stdout = out
	session.Stderr = out
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		_ = c.Client.Close()
		<-done
		return out.Bytes(), -1, errors.WrapWithCode(ctx.Err(), errors.ErrTimeout,
			"Command interrupted",
			"")
	}

	if err == nil {
		return out.Bytes(), 0, nil
	}

	var exitErr *ssh.ExitError
	if stderrors.As(err, &exitErr) {
		// Command ran, just had non-zero exit
		return out.Bytes(), exitErr.ExitStatus(), nil
	}

	// The connection may have been torn down by ctx between Run returning
	// and the select above observing it.
	if ctx.Err() != nil {
		return out.Bytes(), -1, errors.WrapWithCode(ctx.Err(), errors.ErrTimeout,
			"Command interrupted",
			"")
	}

	var missing *ssh.ExitMissingError
	if stderrors.As(err, &missing) {
		return out.Bytes(), -1, errors.WrapWithCode(err, errors.ErrSSH,
			"Connection dropped before the command reported an exit status",
			"The host may have rebooted or the sshd session was killed.")
	}

	return out.Bytes(), -1, errors.WrapWithCode(err, errors.ErrExec,
		fmt.Sprintf("Failed to execute command on %s", c.Host),
		"Check the remote shell is available for this user.")
}

// lockedBuffer collects stdout and stderr into one stream. The ssh package
// copies each stream from its own goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
