package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the shared failure taxonomy every provider maps its vendor
// codes into.
type ErrorKind string

const (
	KindConfigMissing      ErrorKind = "CONFIG_MISSING"
	KindNotApproved        ErrorKind = "NOT_APPROVED"
	KindQuotaExceeded      ErrorKind = "QUOTA_EXCEEDED"
	KindNoContact          ErrorKind = "NO_CONTACT"
	KindDuplicate          ErrorKind = "DUPLICATE"
	KindTransient          ErrorKind = "TRANSIENT"
	KindRejectedByProvider ErrorKind = "REJECTED_BY_PROVIDER"
	KindInternal           ErrorKind = "INTERNAL"
)

// Retryable reports whether the next poll may retry a failure of this kind
// without operator intervention.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// DispatchError is an error classified into the shared taxonomy.
type DispatchError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NewError builds a DispatchError.
func NewError(kind ErrorKind, msg string, err error) *DispatchError {
	return &DispatchError{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the taxonomy kind of err. Context deadlines are transient;
// anything unclassified is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindInternal
}
