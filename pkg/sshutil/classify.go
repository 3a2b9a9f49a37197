package sshutil

import (
	"context"
	stderrors "errors"
	"strings"
)

// FailReason categorizes why a connection or command failed.
type FailReason int

const (
	FailUnknown FailReason = iota
	FailTimeout
	FailRefused
	FailUnreachable
	FailAuth
	FailHostKey
	FailCancelled
)

// String returns a human-readable description of the failure reason.
func (r FailReason) String() string {
	switch r {
	case FailTimeout:
		return "connection timed out"
	case FailRefused:
		return "connection refused"
	case FailUnreachable:
		return "host unreachable"
	case FailAuth:
		return "authentication failed"
	case FailHostKey:
		return "host key verification failed"
	case FailCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// ClassifyError buckets an SSH error by inspecting its chain and message.
// Context cancellation wins over everything else, since a cancelled dial
// usually surfaces as a generic "use of closed network connection".
func ClassifyError(err error) FailReason {
	if err == nil {
		return FailUnknown
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return FailCancelled
	}

	var hostKeyErr *HostKeyMismatchError
	if stderrors.As(err, &hostKeyErr) {
		return FailHostKey
	}

	errStr := strings.ToLower(err.Error())

	// Auth is checked before timeout: "unable to authenticate" messages list
	// attempted methods and can mention anything.
	if strings.Contains(errStr, "unable to authenticate") ||
		strings.Contains(errStr, "no supported methods") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "authentication failed") {
		return FailAuth
	}

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return FailTimeout
	}

	if strings.Contains(errStr, "connection refused") {
		return FailRefused
	}

	if strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "host is down") {
		return FailUnreachable
	}

	if strings.Contains(errStr, "host key") {
		return FailHostKey
	}

	return FailUnknown
}

// IsAuthFailure reports whether err means the server rejected the identity,
// as opposed to the host being unreachable or misbehaving.
func IsAuthFailure(err error) bool {
	return ClassifyError(err) == FailAuth
}
