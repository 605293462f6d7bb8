// Package history holds the error taxonomy shared by the conversation-history
// synchronization packages (schema, db, sync, daemon, api).
package history

import (
	"errors"
	"fmt"
)

// Error kinds returned by conversation-history operations.
//
// Check them with errors.Is, or use the classifiers below:
//
//	if history.IsRetryable(err) {
//	    // re-invoke the same operation with the same session value
//	}
var (
	// ErrValidation is returned when a session is missing required fields
	// or carries malformed values. The caller must fix the input.
	ErrValidation = errors.New("invalid session")

	// ErrConnectivity is returned when the remote store could not be reached,
	// timed out, or throttled the request. Safe to retry unchanged.
	ErrConnectivity = errors.New("remote store unreachable")

	// ErrProvision is returned when the table could not be created or does
	// not have the expected key schema.
	ErrProvision = errors.New("table provisioning failed")

	// ErrAuthorization is returned when the configured credentials are
	// missing, invalid, or lack permission for the operation.
	ErrAuthorization = errors.New("not authorized against remote store")

	// ErrRejected is returned when the store refused the request payload,
	// e.g. an item exceeding the store's size limit.
	ErrRejected = errors.New("remote store rejected request")

	// ErrTableNotFound is returned when the table has not been provisioned.
	ErrTableNotFound = errors.New("table not found")
)

// Error describes a failed conversation-history operation.
type Error struct {
	// Op is the operation that failed ("put", "get", "provision", ...).
	Op string
	// ConversationID is set for per-session operations.
	ConversationID string
	// Kind is one of the Err* sentinels above.
	Kind error
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ConversationID != "" {
		msg += " " + e.ConversationID
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Errorf builds an *Error whose cause is formatted like fmt.Errorf.
func Errorf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or nil when err carries no *Error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// IsRetryable returns true if repeating the same operation may succeed
// without any corrective action.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == ErrConnectivity
}

// IsValidation returns true if the input itself was rejected before any
// remote call was made.
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == ErrValidation
}

// IsFatal returns true if the error cannot resolve itself by retrying:
// provisioning failures, authorization failures, rejected payloads and a
// missing table.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case ErrProvision, ErrAuthorization, ErrRejected, ErrTableNotFound:
		return true
	case nil:
		// Unclassified errors never come from the store client; treat them
		// as fatal so they are not retried blindly.
		return true
	}
	return false
}

// Exit statuses for the CLI, following sysexits.h.
const (
	ExitOK         = 0
	ExitFatal      = 1
	ExitValidation = 65 // EX_DATAERR
	ExitRetryable  = 75 // EX_TEMPFAIL
)

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsRetryable(err):
		return ExitRetryable
	case IsValidation(err):
		return ExitValidation
	default:
		return ExitFatal
	}
}
