package payment

import (
	"errors"
	"fmt"
)

// Kind classifies a payment domain error.
type Kind string

const (
	// KindCommunication covers any remote I/O failure with a paywall.
	KindCommunication Kind = "communication"
	// KindChargeFailure is a communication failure during charge.
	KindChargeFailure Kind = "charge_failure"
	// KindLockFailure is a communication failure during prepare/pre-auth.
	KindLockFailure Kind = "lock_failure"
	// KindRefundFailure is a communication failure during refund.
	KindRefundFailure Kind = "refund_failure"
	// KindPayoutFailure is a communication failure during payout.
	KindPayoutFailure Kind = "payout_failure"
	// KindCredentials means authentication with the paywall failed.
	KindCredentials Kind = "credentials"
	// KindInvalidCallback means a callback failed verification or was
	// structurally malformed.
	KindInvalidCallback Kind = "invalid_callback"
	// KindInvalidTransition means a caller demanded a trigger the FSM
	// rejected.
	KindInvalidTransition Kind = "invalid_transition"
)

// Error is the root of the payment error taxonomy. It carries an arbitrary
// diagnostic context mapping alongside the message.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// IsCommunication reports whether the error represents a remote I/O failure.
func (e *Error) IsCommunication() bool {
	switch e.Kind {
	case KindCommunication, KindChargeFailure, KindLockFailure,
		KindRefundFailure, KindPayoutFailure:
		return true
	}
	return false
}

// WithContext attaches a diagnostic key-value pair and returns the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// NewCommunicationError builds a generic remote I/O error.
func NewCommunicationError(msg string, cause error) *Error {
	return newError(KindCommunication, msg, cause)
}

// NewChargeFailure builds a charge failure error.
func NewChargeFailure(msg string, cause error) *Error {
	return newError(KindChargeFailure, msg, cause)
}

// NewLockFailure builds a lock (prepare/pre-auth) failure error.
func NewLockFailure(msg string, cause error) *Error {
	return newError(KindLockFailure, msg, cause)
}

// NewRefundFailure builds a refund failure error.
func NewRefundFailure(msg string, cause error) *Error {
	return newError(KindRefundFailure, msg, cause)
}

// NewPayoutFailure builds a payout failure error.
func NewPayoutFailure(msg string, cause error) *Error {
	return newError(KindPayoutFailure, msg, cause)
}

// NewCredentialsError builds a paywall authentication error.
func NewCredentialsError(msg string, cause error) *Error {
	return newError(KindCredentials, msg, cause)
}

// NewInvalidCallbackError builds a callback verification/parse error.
func NewInvalidCallbackError(msg string, cause error) *Error {
	return newError(KindInvalidCallback, msg, cause)
}

// NewInvalidTransitionError builds a hard FSM rejection error.
func NewInvalidTransitionError(from Status, trigger Trigger) *Error {
	e := newError(KindInvalidTransition,
		fmt.Sprintf("trigger %s not allowed from status %s", trigger, from), nil)
	return e.WithContext("from", string(from)).WithContext("trigger", string(trigger))
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is a payment error of the given kind.
func IsKind(err error, kind Kind) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == kind
	}
	return false
}

// IsCommunicationError reports whether err is any remote I/O failure.
func IsCommunicationError(err error) bool {
	if e, ok := AsError(err); ok {
		return e.IsCommunication()
	}
	return false
}
