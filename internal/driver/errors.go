package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a driver failure so orchestrators can pick a recovery
// branch without string matching or exception-style control flow.
type Kind string

const (
	// KindTransient: retry on the same account (timeouts, 5xx, heavy load).
	KindTransient Kind = "transient"
	// KindQuotaExhausted: the account ran out of credits; switch accounts.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindVerificationRequired: the account tripped a checkpoint; switch.
	KindVerificationRequired Kind = "verification_required"
	// KindSuspended: the account is deactivated; switch.
	KindSuspended Kind = "suspended"
	// KindTerminal: the request itself was rejected; fail the job.
	KindTerminal Kind = "terminal"
	// KindUnknown: an unclassified failure. Orchestrators stop trusting the
	// account and switch rather than retrying it or failing the job outright.
	KindUnknown Kind = "unknown"
)

// Error is a classified driver failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from err. Errors carrying no
// classification report KindUnknown; only the driver's own wrapping decides
// what is transient.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsAccountLevel reports whether the failure disqualifies the account rather
// than the request.
func IsAccountLevel(err error) bool {
	switch KindOf(err) {
	case KindQuotaExhausted, KindVerificationRequired, KindSuspended:
		return true
	}
	return false
}

// ClassifyMessage maps an upstream error body to a Kind. Mirrors the strings
// the service actually returns.
func ClassifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "phone_number_required"), strings.Contains(m, "verification_required"):
		return KindVerificationRequired
	case strings.Contains(m, "suspended"), strings.Contains(m, "account_deactivated"):
		return KindSuspended
	case strings.Contains(m, "quota"), strings.Contains(m, "insufficient_credits"):
		return KindQuotaExhausted
	case strings.Contains(m, "heavy_load"), strings.Contains(m, "rate limit"), strings.Contains(m, "timeout"):
		return KindTransient
	}
	return KindTerminal
}
