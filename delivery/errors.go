package delivery

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound = errors.New("delivery record not found")
	ErrInvalidKey     = errors.New("message id and recipient id are required")
)

// DeliveryNotAllowedError reports a transition that would move a record backwards or skip a state.
type DeliveryNotAllowedError struct {
	From   State
	To     State
	Reason string
}

func (e *DeliveryNotAllowedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("delivery not allowed: %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("delivery not allowed: %s -> %s: %s", e.From, e.To, e.Reason)
}

// InvalidAckError reports a malformed ACK, or one that does not match its message.
type InvalidAckError struct {
	Reason string
}

func (e *InvalidAckError) Error() string {
	return "invalid ack: " + e.Reason
}

// IsDeliveryNotAllowed reports whether err is, or wraps, a *DeliveryNotAllowedError.
func IsDeliveryNotAllowed(err error) bool {
	var v *DeliveryNotAllowedError
	return errors.As(err, &v)
}

// IsInvalidAck reports whether err is, or wraps, an *InvalidAckError.
func IsInvalidAck(err error) bool {
	var v *InvalidAckError
	return errors.As(err, &v)
}

// ResultCode classifies the outcome of Machine.TransitionState.
type ResultCode string

const (
	CodeOK                ResultCode = "OK"
	CodeInvalidArgument   ResultCode = "INVALID_ARGUMENT"
	CodeRecordNotFound    ResultCode = "RECORD_NOT_FOUND"
	CodeInvalidTransition ResultCode = "INVALID_TRANSITION"
	CodeStoreError        ResultCode = "STORE_ERROR"
)

// Result is the structured outcome of a state transition. Err is set when OK is false.
type Result struct {
	OK     bool
	Code   ResultCode
	Record Record
	Err    error
}

func okResult(r Record) Result {
	return Result{OK: true, Code: CodeOK, Record: r}
}

func failResult(code ResultCode, err error) Result {
	return Result{Code: code, Err: err}
}

// FailureReason is why a delivery attempt did not complete.
type FailureReason string

const (
	FailureAckTimeout       FailureReason = "ACK_TIMEOUT"
	FailureSocketClosed     FailureReason = "SOCKET_CLOSED"
	FailureSendError        FailureReason = "SEND_ERROR"
	FailureRecipientOffline FailureReason = "RECIPIENT_OFFLINE"
	FailureBackpressure     FailureReason = "BACKPRESSURE"
)

func (r FailureReason) Valid() bool {
	switch r {
	case FailureAckTimeout, FailureSocketClosed, FailureSendError, FailureRecipientOffline, FailureBackpressure:
		return true
	}
	return false
}
