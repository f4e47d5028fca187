package mqttbridge

import (
	"crypto/tls"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// BackoffStrategy computes the delay before reconnect attempt number attempt
// (1-based) given the previous delay and the error of the last attempt.
type BackoffStrategy func(attempt int, current time.Duration, err error) time.Duration

// clientOptions holds configuration for a Client. It is copied at construction
// and never changed by a connection attempt.
type clientOptions struct {
	server     string
	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool

	tlsConfig *tls.Config
	proxy     *ProxyConfig
	dialer    Dialer

	connectTimeout time.Duration
	writeTimeout   time.Duration
	pingTimeout    time.Duration

	will *WillMessage

	autoReconnect    bool
	maxReconnects    int
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	backoffStrategy  BackoffStrategy
	dialBreaker      *gobreaker.Settings

	ackTimeout time.Duration
	maxRetries int

	maxPacketSize         uint32
	sessionExpiryInterval uint32
	receiveMaximum        uint16
	topicAliasMaximum     uint16
	userProperties        []StringPair

	publishLimiter *rate.Limiter
	enhancedAuth   EnhancedAuthenticator
	store          SessionStore

	onEvent         EventHandler
	logger          Logger
	metrics         Metrics
	dispatchBacklog int
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		server:           "tcp://localhost:1883",
		keepAlive:        60,
		cleanStart:       true,
		connectTimeout:   30 * time.Second,
		writeTimeout:     5 * time.Second,
		maxReconnects:    0,
		reconnectBackoff: time.Second,
		maxBackoff:       60 * time.Second,
		ackTimeout:       20 * time.Second,
		maxRetries:       3,
		maxPacketSize:    MaxPacketSizeDefault,
		receiveMaximum:   maxUint16,
		logger:           NewNoOpLogger(),
		metrics:          NoOpMetrics{},
		dispatchBacklog:  256,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithServer sets the broker address, e.g. "tcp://broker:1883", "tls://broker",
// "ws://broker/mqtt", "quic://broker:14567" or "unix:///run/mqtt.sock".
func WithServer(uri string) Option {
	return func(o *clientOptions) {
		o.server = uri
	}
}

// WithClientID sets the client identifier. An empty id gets a random UUID.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables keep-alive.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanStart sets whether the broker should discard any previous session.
func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithTLS sets the TLS configuration for tls://, wss:// and quic:// servers.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy dials tcp and tls servers through a SOCKS5 or HTTP CONNECT proxy.
func WithProxy(cfg ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = &cfg
	}
}

// WithDialer replaces the scheme based dialer.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithConnectTimeout bounds dialing plus the wait for CONNACK.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the deadline of a single packet write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithPingTimeout sets how long to wait for PINGRESP. The default is the connect timeout.
func WithPingTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.pingTimeout = d
	}
}

// WithWill sets the Last Will message.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(o *clientOptions) {
		o.will = &WillMessage{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		}
	}
}

// WithAutoReconnect enables reconnecting after an unexpected connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithMaxReconnects limits reconnect attempts per connection loss. Zero means unlimited.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithReconnectBackoff sets the initial reconnect delay.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxBackoff caps the reconnect delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxBackoff = d
	}
}

// WithBackoffStrategy replaces the default exponential backoff with jitter.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// WithDialBreaker wraps reconnect dialing in a circuit breaker. While the
// breaker is open, attempts fail fast without touching the network.
func WithDialBreaker(settings gobreaker.Settings) Option {
	return func(o *clientOptions) {
		o.dialBreaker = &settings
	}
}

// WithAckTimeout sets how long a QoS 1/2 stage may stay unacknowledged
// before it is resent.
func WithAckTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.ackTimeout = d
	}
}

// WithMaxRetries sets how many times an unacknowledged stage is resent
// before the publish fails.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) {
		o.maxRetries = n
	}
}

// WithMaxPacketSize limits the size of packets accepted from the broker.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > MaxPacketSizeProtocol {
			size = MaxPacketSizeProtocol
		}
		o.maxPacketSize = size
	}
}

// WithSessionExpiryInterval sets how long the broker keeps the session after
// the connection closes. It only matters when clean start is off.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

// WithReceiveMaximum limits how many inbound QoS 1/2 publishes the broker may have in flight.
func WithReceiveMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = n
	}
}

// WithTopicAliasMaximum lets the broker replace topic names of inbound
// publishes with up to n aliases. Zero disables aliases.
func WithTopicAliasMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.topicAliasMaximum = n
	}
}

// WithUserProperties adds user properties to CONNECT.
func WithUserProperties(props ...StringPair) Option {
	return func(o *clientOptions) {
		o.userProperties = append(o.userProperties, props...)
	}
}

// WithPublishRateLimit limits outbound publishes to r per second with the given burst.
// Publish waits for a token and honours its context while waiting.
func WithPublishRateLimit(r float64, burst int) Option {
	return func(o *clientOptions) {
		if burst < 1 {
			burst = 1
		}
		o.publishLimiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithEnhancedAuthentication enables MQTT 5 enhanced authentication.
func WithEnhancedAuthentication(auth EnhancedAuthenticator) Option {
	return func(o *clientOptions) {
		o.enhancedAuth = auth
	}
}

// WithSessionStore persists in-flight publishes so they survive a process restart.
// The store is only used when clean start is off.
func WithSessionStore(store SessionStore) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

// OnEvent sets the lifecycle event handler.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

func applyOptions(opts ...Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.pingTimeout <= 0 {
		o.pingTimeout = o.connectTimeout
	}
	return o
}
