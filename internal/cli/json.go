package cli

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"

	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/pkg/sshutil"
)

// JSONEnvelope wraps command output in a consistent structure for machine parsing.
// All --format json output uses this envelope.
type JSONEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *JSONError  `json:"error,omitempty"`
}

// JSONError provides structured error information for machine parsing.
type JSONError struct {
	Code       string      `json:"code" yaml:"code"`
	Message    string      `json:"message" yaml:"message"`
	Suggestion string      `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
	Details    interface{} `json:"details,omitempty" yaml:"details,omitempty"`
}

// Error codes for machine-readable output.
const (
	ErrCodeConfigNotFound    = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid     = "CONFIG_INVALID"
	ErrCodeHostNotFound      = "HOST_NOT_FOUND"
	ErrCodeInventoryFailed   = "INVENTORY_FAILED"
	ErrCodeSSHTimeout        = "SSH_TIMEOUT"
	ErrCodeSSHAuthFailed     = "SSH_AUTH_FAILED"
	ErrCodeSSHHostKey        = "SSH_HOST_KEY"
	ErrCodeSSHConnectionFail = "SSH_CONNECTION_FAILED"
	ErrCodeStageFailed       = "STAGE_FAILED"
	ErrCodeTimedOut          = "TIMED_OUT"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeUnknown           = "UNKNOWN"
)

// WriteJSONSuccess writes a successful response with data to the writer.
func WriteJSONSuccess(w io.Writer, data interface{}) error {
	env := JSONEnvelope{
		Success: true,
		Data:    data,
	}
	return writeJSONEnvelope(w, env)
}

// WriteJSONError writes an error response to the writer.
func WriteJSONError(w io.Writer, code, message, suggestion string, details interface{}) error {
	env := JSONEnvelope{
		Success: false,
		Error: &JSONError{
			Code:       code,
			Message:    message,
			Suggestion: suggestion,
			Details:    details,
		},
	}
	return writeJSONEnvelope(w, env)
}

// WriteJSONFromError converts a Go error to a JSON error response.
func WriteJSONFromError(w io.Writer, err error) error {
	env := JSONEnvelope{
		Success: false,
		Error:   ErrorToJSON(err),
	}
	return writeJSONEnvelope(w, env)
}

// writeJSONEnvelope writes the envelope with consistent formatting.
func writeJSONEnvelope(w io.Writer, env JSONEnvelope) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// ErrorToJSON converts a Go error to a JSONError with appropriate code mapping.
func ErrorToJSON(err error) *JSONError {
	if err == nil {
		return nil
	}

	var vErr *errors.Error
	if stderrors.As(err, &vErr) {
		jerr := &JSONError{
			Code:       mapErrorCode(vErr.Code, vErr.Message),
			Message:    vErr.Message,
			Suggestion: vErr.Suggestion,
		}
		if vErr.Code == errors.ErrSSH && vErr.Cause != nil {
			reason := sshutil.ClassifyError(vErr.Cause)
			jerr.Code = sshErrorCode(reason)
			jerr.Details = map[string]interface{}{
				"reason": reason.String(),
			}
		}
		return jerr
	}

	return &JSONError{
		Code:    ErrCodeUnknown,
		Message: err.Error(),
	}
}

// mapErrorCode maps internal error codes to machine-readable codes.
func mapErrorCode(internalCode, message string) string {
	msgLower := strings.ToLower(message)
	switch internalCode {
	case errors.ErrConfig:
		// Distinguish between not found and invalid
		if strings.Contains(msgLower, "not found") || strings.Contains(msgLower, "couldn't find") {
			return ErrCodeConfigNotFound
		}
		return ErrCodeConfigInvalid
	case errors.ErrInventory:
		if strings.Contains(msgLower, "not found") {
			return ErrCodeHostNotFound
		}
		return ErrCodeInventoryFailed
	case errors.ErrSSH:
		return ErrCodeSSHConnectionFail
	case errors.ErrAuth:
		return ErrCodeSSHAuthFailed
	case errors.ErrTimeout:
		return ErrCodeTimedOut
	case errors.ErrStage:
		return ErrCodeStageFailed
	case errors.ErrExec:
		return ErrCodeCommandFailed
	}

	return ErrCodeUnknown
}

// sshErrorCode narrows a transport failure to the SSH_* codes.
func sshErrorCode(reason sshutil.FailReason) string {
	switch reason {
	case sshutil.FailTimeout:
		return ErrCodeSSHTimeout
	case sshutil.FailAuth:
		return ErrCodeSSHAuthFailed
	case sshutil.FailHostKey:
		return ErrCodeSSHHostKey
	case sshutil.FailCancelled:
		return ErrCodeTimedOut
	default:
		return ErrCodeSSHConnectionFail
	}
}
