package mqttbridge

import (
	"errors"
	"fmt"
	"time"
)

// EventHandler receives lifecycle events. Events are errors so callers can
// classify them with errors.Is and extract details with errors.As.
type EventHandler func(client *Client, event error)

// Sentinel events for client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client successfully connects or reconnects.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is emitted when the client disconnects on request.
	ErrDisconnected = errors.New("disconnected")

	// ErrConnectionLost is emitted when the connection drops unexpectedly.
	// Without automatic reconnect it is also the error that terminated the session.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnecting is emitted before each reconnect attempt.
	ErrReconnecting = errors.New("reconnecting")

	// ErrReconnectFailed is emitted when the reconnect attempt budget is spent.
	ErrReconnectFailed = errors.New("reconnect failed")
)

// Sentinel errors for failed operations - check with errors.Is().
var (
	// ErrAuth is returned when the broker rejects the credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrTimeout is returned when the broker does not answer within the configured window.
	ErrTimeout = errors.New("timeout")

	// ErrTransport is returned for socket level failures.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is returned when the broker sends a malformed or unexpected packet.
	ErrProtocol = errors.New("protocol error")

	// ErrConnectRefused is returned when CONNACK carries a non-auth failure reason code.
	ErrConnectRefused = errors.New("connection refused")

	// ErrKeepAliveTimeout is reported when PINGRESP does not arrive in time.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
)

// Sentinel errors for operations - check with errors.Is().
var (
	ErrNotConnected      = errors.New("not connected")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidQoS        = errors.New("invalid QoS")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrCancelled         = errors.New("operation cancelled")
	ErrAckTimeout        = errors.New("acknowledgement timeout")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrPublishFailed     = errors.New("publish failed")
	ErrSubscribeFailed   = errors.New("subscribe failed")
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")

	ErrQoSNotSupported    = errors.New("QoS not supported by server")
	ErrRetainNotSupported = errors.New("retain not supported by server")
	ErrQuotaExceeded      = errors.New("server receive maximum exceeded")
)

// ConnectedEvent contains details about a successful connection.
// Extract with errors.As().
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	Reconnected    bool
	ServerURI      string
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(serverURI string, sessionPresent, reconnected bool) *ConnectedEvent {
	return &ConnectedEvent{
		err:            ErrConnected,
		SessionPresent: sessionPresent,
		Reconnected:    reconnected,
		ServerURI:      serverURI,
	}
}

// ConnectError is returned when the broker refuses a CONNECT.
type ConnectError struct {
	err        error
	ReasonCode ReasonCode
	Reason     string
}

func (e *ConnectError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connect failed: %s (%s)", e.ReasonCode, e.Reason)
	}
	return "connect failed: " + e.ReasonCode.String()
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError creates a ConnectError. Credential rejections unwrap to ErrAuth.
func NewConnectError(reason ReasonCode, props *Properties) *ConnectError {
	base := ErrConnectRefused
	if reason == ReasonBadUserNameOrPassword || reason == ReasonNotAuthorized || reason == ReasonBadAuthMethod {
		base = ErrAuth
	}
	e := &ConnectError{err: base, ReasonCode: reason}
	if props != nil {
		e.Reason = props.ReasonString
	}
	return e
}

// TransportError wraps a socket level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap matches both ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// ConnectionLostError reports an unexpected loss of the connection.
type ConnectionLostError struct {
	ReasonCode ReasonCode
	Cause      error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost: " + e.ReasonCode.String()
}

// Unwrap matches ErrConnectionLost, ErrTransport and the cause.
func (e *ConnectionLostError) Unwrap() []error {
	errs := []error{ErrConnectionLost, ErrTransport}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(reason ReasonCode, cause error) *ConnectionLostError {
	return &ConnectionLostError{ReasonCode: reason, Cause: cause}
}

// ReconnectEvent contains details about a reconnection attempt.
// Extract with errors.As().
type ReconnectEvent struct {
	err         error
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt, maxAttempts int, delay time.Duration) *ReconnectEvent {
	return &ReconnectEvent{
		err:         ErrReconnecting,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
	}
}

// PublishError is returned when the broker rejects a publish with an error reason code.
type PublishError struct {
	err        error
	Topic      string
	PacketID   uint16
	ReasonCode ReasonCode
}

func (e *PublishError) Error() string {
	return "publish failed: " + e.ReasonCode.String()
}

func (e *PublishError) Unwrap() error { return e.err }

// NewPublishError creates a new PublishError.
func NewPublishError(topic string, packetID uint16, reason ReasonCode) *PublishError {
	return &PublishError{
		err:        ErrPublishFailed,
		Topic:      topic,
		PacketID:   packetID,
		ReasonCode: reason,
	}
}

// DeliveryError is returned when a QoS 1 or 2 publish is not acknowledged
// after every retry. It matches both ErrAckTimeout and ErrDeliveryFailed.
type DeliveryError struct {
	Topic    string
	PacketID uint16
	Attempts int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: packet %d on %q not acknowledged after %d attempts", e.PacketID, e.Topic, e.Attempts)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrAckTimeout, ErrDeliveryFailed} }

// SubscribeError is returned when the broker refuses a subscription or
// an unsubscription.
type SubscribeError struct {
	err        error
	Topic      string
	ReasonCode ReasonCode
}

func (e *SubscribeError) Error() string {
	return e.err.Error() + ": " + e.Topic + ": " + e.ReasonCode.String()
}

func (e *SubscribeError) Unwrap() error { return e.err }

// NewSubscribeError creates a new SubscribeError.
func NewSubscribeError(topic string, reason ReasonCode) *SubscribeError {
	return &SubscribeError{
		err:        ErrSubscribeFailed,
		Topic:      topic,
		ReasonCode: reason,
	}
}

// NewUnsubscribeError creates a SubscribeError for a refused unsubscription.
func NewUnsubscribeError(topic string, reason ReasonCode) *SubscribeError {
	return &SubscribeError{
		err:        ErrUnsubscribeFailed,
		Topic:      topic,
		ReasonCode: reason,
	}
}
