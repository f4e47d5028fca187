package mqttbridge

import (
	"context"
	"errors"
)

// ErrInvalidArgument is returned when a bridge request fails validation.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrorCode identifies the kind of a BridgeError.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeAuthError       ErrorCode = "AUTH_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeTransportError  ErrorCode = "TRANSPORT_ERROR"
	CodeProtocolError   ErrorCode = "PROTOCOL_ERROR"
	CodeNotConnected    ErrorCode = "NOT_CONNECTED"
	CodeNotSubscribed   ErrorCode = "NOT_SUBSCRIBED"
	CodeAckTimeout      ErrorCode = "ACK_TIMEOUT"
	CodeDeliveryFailed  ErrorCode = "DELIVERY_FAILED"
	CodeCancelled       ErrorCode = "CANCELLED"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeRejected        ErrorCode = "REJECTED"
	CodeUnknown         ErrorCode = "UNKNOWN"
)

// BridgeError is the error type returned by every Bridge method.
// The underlying error stays reachable through errors.Is and errors.As.
type BridgeError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *BridgeError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *BridgeError) Unwrap() error { return e.Err }

// errorCodes is checked in order; the first match wins.
var errorCodes = []struct {
	target error
	code   ErrorCode
}{
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrCancelled, CodeCancelled},
	{context.Canceled, CodeCancelled},
	{ErrDeliveryFailed, CodeDeliveryFailed},
	{ErrAckTimeout, CodeAckTimeout},
	{ErrAuth, CodeAuthError},
	{ErrTimeout, CodeTimeout},
	{context.DeadlineExceeded, CodeTimeout},
	{ErrProtocol, CodeProtocolError},
	{ErrTransport, CodeTransportError},
	{ErrConnectionLost, CodeTransportError},
	{ErrNotConnected, CodeNotConnected},
	{ErrNotSubscribed, CodeNotSubscribed},
	{ErrInvalidState, CodeInvalidState},
	{ErrInvalidTopic, CodeInvalidArgument},
	{ErrInvalidQoS, CodeInvalidArgument},
	{ErrConnectRefused, CodeRejected},
	{ErrPublishFailed, CodeRejected},
	{ErrSubscribeFailed, CodeRejected},
	{ErrUnsubscribeFailed, CodeRejected},
	{ErrQoSNotSupported, CodeRejected},
	{ErrRetainNotSupported, CodeRejected},
	{ErrQuotaExceeded, CodeRejected},
}

// ErrorCodeOf returns the bridge error code for err.
func ErrorCodeOf(err error) ErrorCode {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			return ec.code
		}
	}
	return CodeUnknown
}

// toBridgeError wraps err in a BridgeError. A nil err stays nil.
func toBridgeError(err error) error {
	if err == nil {
		return nil
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return err
	}
	return &BridgeError{Code: ErrorCodeOf(err), Message: err.Error(), Err: err}
}
