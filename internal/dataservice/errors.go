package dataservice

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies Data Service failures. The ledger and bridge
// branch on the kind, never on error text.
type ErrorKind string

const (
	// KindTransient covers network failures and server-side errors
	// worth retrying.
	KindTransient ErrorKind = "transient"
	// KindPolicyDenied is a policy/permission rejection (e.g. comments
	// disabled). Never retried; callers correct local feature flags.
	KindPolicyDenied ErrorKind = "policy_denied"
	// KindNotFound means the target row (or its parent) no longer
	// exists.
	KindNotFound ErrorKind = "not_found"
	// KindInvalid is a malformed request; a client bug, not retried.
	KindInvalid ErrorKind = "invalid"
)

// Error is a typed Data Service failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dataservice: %s: %s", e.Kind, e.Message)
}

// NewError builds a typed error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind, defaulting to transient for plain errors
// (network-level failures arrive untyped).
func KindOf(err error) ErrorKind {
	var dsErr *Error
	if errors.As(err, &dsErr) {
		return dsErr.Kind
	}
	return KindTransient
}

// IsPolicyDenied reports a policy/permission rejection.
func IsPolicyDenied(err error) bool { return err != nil && KindOf(err) == KindPolicyDenied }

// IsNotFound reports a missing target.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsTransient reports whether a retry could help. Context cancellation
// is not transient: the caller gave up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindTransient
}
