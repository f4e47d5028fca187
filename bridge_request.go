package mqttbridge

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Connect request defaults.
const (
	DefaultConnectionTimeout = 30 // seconds
	DefaultKeepAliveInterval = 60 // seconds
)

// LastWill is the will message of a ConnectRequest.
type LastWill struct {
	WillTopic   string `json:"willTopic" yaml:"topic"`
	WillPayload string `json:"willPayload" yaml:"payload"`
	WillQoS     int    `json:"willQoS" yaml:"qos"`
	SetRetained bool   `json:"setRetained" yaml:"retained"`
}

// ConnectRequest holds the connection options accepted by Bridge.Connect.
// Zero values of ConnectionTimeout and KeepAliveInterval take the defaults,
// a nil SetAutomaticReconnect means true.
type ConnectRequest struct {
	ServerURI             string    `json:"serverURI"`
	Port                  int       `json:"port"`
	ClientID              string    `json:"clientId"`
	Username              string    `json:"username"`
	Password              string    `json:"password"`
	SetCleanStart         bool      `json:"setCleanStart"`
	ConnectionTimeout     int       `json:"connectionTimeout"`
	KeepAliveInterval     int       `json:"keepAliveInterval"`
	SetAutomaticReconnect *bool     `json:"setAutomaticReconnect,omitempty"`
	SetLastWill           *LastWill `json:"setLastWill,omitempty"`
}

// withDefaults returns a copy of r with unset fields filled in.
func (r ConnectRequest) withDefaults() ConnectRequest {
	if r.ConnectionTimeout == 0 {
		r.ConnectionTimeout = DefaultConnectionTimeout
	}
	if r.KeepAliveInterval == 0 {
		r.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if r.SetAutomaticReconnect == nil {
		r.SetAutomaticReconnect = Ptr(true)
	}
	if r.ClientID == "" {
		r.ClientID = uuid.NewString()
	}
	return r
}

// Validate checks the request shape.
func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.ServerURI) == "" {
		return invalidArgument("serverURI is required")
	}
	if r.Port < 1 || r.Port > 65535 {
		return invalidArgument("port must be between 1 and 65535, got %d", r.Port)
	}
	if r.ConnectionTimeout <= 0 {
		return invalidArgument("connectionTimeout must be positive, got %d", r.ConnectionTimeout)
	}
	if r.KeepAliveInterval <= 0 || r.KeepAliveInterval > 65535 {
		return invalidArgument("keepAliveInterval must be between 1 and 65535, got %d", r.KeepAliveInterval)
	}
	if w := r.SetLastWill; w != nil {
		if err := ValidateTopicName(w.WillTopic); err != nil {
			return invalidArgument("setLastWill.willTopic: %v", err)
		}
		if w.WillQoS < 0 || w.WillQoS > 2 {
			return invalidArgument("setLastWill.willQoS must be 0, 1 or 2, got %d", w.WillQoS)
		}
	}
	return nil
}

// serverURI joins ServerURI and Port. A port already present in ServerURI
// is replaced.
func (r ConnectRequest) serverURI() string {
	uri := strings.TrimSpace(r.ServerURI)
	scheme := ""
	if i := strings.Index(uri, "://"); i >= 0 {
		scheme, uri = uri[:i+3], uri[i+3:]
	}
	path := ""
	if i := strings.Index(uri, "/"); i >= 0 {
		uri, path = uri[:i], uri[i:]
	}
	if host, _, err := net.SplitHostPort(uri); err == nil {
		uri = host
	}
	return scheme + net.JoinHostPort(strings.Trim(uri, "[]"), strconv.Itoa(r.Port)) + path
}

// options converts the request into client options.
func (r ConnectRequest) options() []Option {
	timeout := time.Duration(r.ConnectionTimeout) * time.Second
	opts := []Option{
		WithServer(r.serverURI()),
		WithClientID(r.ClientID),
		WithCleanStart(r.SetCleanStart),
		WithKeepAlive(uint16(r.KeepAliveInterval)),
		WithConnectTimeout(timeout),
		WithPingTimeout(timeout),
		WithAutoReconnect(*r.SetAutomaticReconnect),
	}
	if r.Username != "" || r.Password != "" {
		opts = append(opts, WithCredentials(r.Username, r.Password))
	}
	if w := r.SetLastWill; w != nil {
		opts = append(opts, WithWill(w.WillTopic, []byte(w.WillPayload), byte(w.WillQoS), w.SetRetained))
	}
	return opts
}

// SubscribeRequest is the input of Bridge.Subscribe.
type SubscribeRequest struct {
	Topic string `json:"topic"`
	QoS   int    `json:"qos"`
}

// Validate checks the request shape.
func (r SubscribeRequest) Validate() error {
	if r.Topic == "" {
		return invalidArgument("topic is required")
	}
	if err := ValidateTopicFilter(r.Topic); err != nil {
		return invalidArgument("topic: %v", err)
	}
	if r.QoS < 0 || r.QoS > 2 {
		return invalidArgument("qos must be 0, 1 or 2, got %d", r.QoS)
	}
	return nil
}

// SubscribeResponse echoes the filter with the QoS granted by the broker.
type SubscribeResponse struct {
	Topic string `json:"topic"`
	QoS   int    `json:"qos"`
}

// UnsubscribeRequest is the input of Bridge.Unsubscribe.
type UnsubscribeRequest struct {
	Topic string `json:"topic"`
}

// Validate checks the request shape.
func (r UnsubscribeRequest) Validate() error {
	if r.Topic == "" {
		return invalidArgument("topic is required")
	}
	return nil
}

// PublishRequest is the input of Bridge.Publish.
type PublishRequest struct {
	Topic           string `json:"topic"`
	Payload         string `json:"payload"`
	QoS             int    `json:"qos"`
	Retained        bool   `json:"retained"`
	CorrelationData string `json:"correlationData,omitempty"`
	ResponseTopic   string `json:"responseTopic,omitempty"`
}

// Validate checks the request shape.
func (r PublishRequest) Validate() error {
	if r.Topic == "" {
		return invalidArgument("topic is required")
	}
	if err := ValidateTopicName(r.Topic); err != nil {
		return invalidArgument("topic: %v", err)
	}
	if r.QoS < 0 || r.QoS > 2 {
		return invalidArgument("qos must be 0, 1 or 2, got %d", r.QoS)
	}
	if r.ResponseTopic != "" {
		if err := ValidateTopicName(r.ResponseTopic); err != nil {
			return invalidArgument("responseTopic: %v", err)
		}
	}
	return nil
}

func (r PublishRequest) message() *Message {
	msg := &Message{
		Topic:         r.Topic,
		Payload:       []byte(r.Payload),
		QoS:           byte(r.QoS),
		Retain:        r.Retained,
		ResponseTopic: r.ResponseTopic,
	}
	if r.CorrelationData != "" {
		msg.CorrelationData = []byte(r.CorrelationData)
	}
	return msg
}

// PublishResponse echoes the published message with its message id.
type PublishResponse struct {
	Topic           string `json:"topic"`
	Payload         string `json:"payload"`
	QoS             int    `json:"qos"`
	Retained        bool   `json:"retained"`
	CorrelationData string `json:"correlationData,omitempty"`
	MessageID       string `json:"messageId"`
}

func invalidArgument(format string, args ...any) *BridgeError {
	return &BridgeError{
		Code:    CodeInvalidArgument,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrInvalidArgument,
	}
}
