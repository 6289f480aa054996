package domain

import (
	"errors"
	"fmt"
)

// Stable error codes. Every failure surfaced across a subsystem boundary
// carries one of these.
const (
	CodeIOError                = "io_error"
	CodeLockTimeout            = "lock_timeout"
	CodeSchemaInvalid          = "schema_invalid"
	CodePolicyDenied           = "policy_denied"
	CodeBudgetAlert            = "budget_alert"
	CodeBudgetExceeded         = "budget_exceeded"
	CodeSubscriptionUnverified = "subscription_unverified"
	CodeUnapprovedWorkerBinary = "unapproved_worker_binary"
	CodeAPIKeyPresent          = "api_key_present"
	CodeAuthProbeFailed        = "auth_probe_failed"
	CodeLaneCanceled           = "lane_canceled"
	CodeLaneTimeout            = "lane_timeout"
	CodeWorkerLaunchFailed     = "worker_launch_failed"
	CodeResultUnparseable      = "result_unparseable"
	CodeResultSchemaInvalid    = "result_schema_invalid"
	CodeResultJobIDMismatch    = "result_job_id_mismatch"
	CodeOrphanedSession        = "orphaned_session"
	CodePIDPossiblyRecycled    = "pid_possibly_recycled"
	CodeFrontmatter            = "frontmatter"
	CodeMissingHeading         = "missing_heading"
)

// Error is a coded error. Op names the failing operation ("store.write_atomic").
type Error struct {
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a stable code and operation name.
func E(code, op string, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// Ef is E with a formatted message instead of a wrapped error.
func Ef(code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// ErrorCode extracts the stable code from err, or "" if it carries none.
func ErrorCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
