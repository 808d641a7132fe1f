package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// InvalidPath indicates a path escapes the project root or is empty
	InvalidPath ErrorCode = "INVALID_PATH"
	// MalformedCandidate indicates an extracted reference could not be resolved
	MalformedCandidate ErrorCode = "MALFORMED_CANDIDATE"
	// OperationInProgress indicates a sync operation is already running for the project
	OperationInProgress ErrorCode = "OPERATION_IN_PROGRESS"
	// OperationNotFound indicates an unknown operation ID
	OperationNotFound ErrorCode = "OPERATION_NOT_FOUND"
	// PhaseFailed indicates an unrecoverable error inside one sync phase
	PhaseFailed ErrorCode = "PHASE_FAILED"
	// GitUnavailable indicates git is not installed or the root is not a repository
	GitUnavailable ErrorCode = "GIT_UNAVAILABLE"
	// ProjectNotFound indicates no project descriptor was found
	ProjectNotFound ErrorCode = "PROJECT_NOT_FOUND"
	// ConfigInvalid indicates a configuration value is out of range
	// InvalidArgument indicates a malformed command argument or flag value
	InvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ConfigInvalid ErrorCode = "CONFIG_INVALID"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// OpenDocs suggests opening documentation
	OpenDocs FixActionType = "open-docs"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
	URL         string        `json:"url,omitempty"`
}

// PmError represents a pmdash error with code, message, and suggestions
type PmError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates a PmError with the default suggested fixes for its code.
func New(code ErrorCode, message string, cause error) *PmError {
	return &PmError{
		Code:           code,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...interface{}) *PmError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *PmError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *PmError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *PmError) WithDetails(details interface{}) *PmError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first PmError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var pe *PmError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var pe *PmError
		if !stderrors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.cause
	}
	return false
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	OperationInProgress: {
		{
			Type:        RunCommand,
			Command:     "pmdash ops list --status=running",
			Safe:        true,
			Description: "Inspect the running operation and poll it until it finishes",
		},
	},
	ProjectNotFound: {
		{
			Type:        RunCommand,
			Command:     "pmdash init",
			Safe:        true,
			Description: "Create .pmdash/project.toml for this directory",
		},
	},
	GitUnavailable: {
		{
			Type:        RunCommand,
			Command:     "git status",
			Safe:        true,
			Description: "Verify the project root is a git repository",
		},
	},
	PhaseFailed: {
		{
			Type:        RunCommand,
			Command:     "pmdash sync --mode=full",
			Safe:        true,
			Description: "Re-run a full sync; completed phases are kept",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
