package mqttbridge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"gopkg.in/yaml.v3"
)

// Config is the file configuration of the mqttbridge command.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	TLS       TLSConfig       `yaml:"tls"`
	Proxy     *ProxyConfig    `yaml:"proxy"`
	Auth      AuthConfig      `yaml:"auth"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig holds the connection parameters.
type BrokerConfig struct {
	ServerURI         string    `yaml:"server_uri"`
	Port              int       `yaml:"port"`
	ClientID          string    `yaml:"client_id"`
	Username          string    `yaml:"username"`
	Password          string    `yaml:"password"`
	CleanStart        bool      `yaml:"clean_start"`
	ConnectionTimeout int       `yaml:"connection_timeout"` // seconds
	KeepAliveInterval int       `yaml:"keep_alive"`         // seconds
	AutoReconnect     bool      `yaml:"auto_reconnect"`
	LastWill          *LastWill `yaml:"last_will"`
}

// TLSConfig configures tls://, wss:// and quic:// connections.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (c TLSConfig) enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.ServerName != "" || c.InsecureSkipVerify
}

// AuthConfig selects MQTT 5 enhanced authentication.
type AuthConfig struct {
	// Method is empty or one of SCRAM-SHA-1, SCRAM-SHA-256, SCRAM-SHA-512.
	// The broker credentials are used for the exchange.
	Method string `yaml:"method"`
}

// ReconnectConfig tunes the reconnect loop.
type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// BreakerFailures opens the dial circuit breaker after that many
	// consecutive failed attempts. Zero disables the breaker.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// DeliveryConfig tunes QoS 1 and 2 publishing.
type DeliveryConfig struct {
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	PublishRate  float64       `yaml:"publish_rate"` // messages per second, 0 = unlimited
	PublishBurst int           `yaml:"publish_burst"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	ExpiryInterval uint32 `yaml:"expiry_interval"` // seconds
	// StoreDir enables the persistent session store in that directory.
	StoreDir string `yaml:"store_dir"`
	// TopicAliasMaximum is how many inbound topic aliases the broker may use.
	TopicAliasMaximum uint16 `yaml:"topic_alias_maximum"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // plain, text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ServerURI:         "tcp://localhost",
			Port:              1883,
			CleanStart:        true,
			ConnectionTimeout: DefaultConnectionTimeout,
			KeepAliveInterval: DefaultKeepAliveInterval,
			AutoReconnect:     true,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     60 * time.Second,
			BreakerTimeout: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			AckTimeout: 20 * time.Second,
			MaxRetries: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "plain",
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// An empty filename returns the defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.ConnectRequest().Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if c.Proxy != nil && c.Proxy.URL == "" {
		return fmt.Errorf("proxy.url cannot be empty")
	}
	if c.Auth.Method != "" {
		if _, err := ParseSCRAMHash(c.Auth.Method); err != nil {
			return fmt.Errorf("auth.method: %w", err)
		}
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}
	if c.Reconnect.InitialBackoff <= 0 {
		return fmt.Errorf("reconnect.initial_backoff must be positive")
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect.max_backoff must not be below reconnect.initial_backoff")
	}
	if c.Delivery.AckTimeout <= 0 {
		return fmt.Errorf("delivery.ack_timeout must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries cannot be negative")
	}
	if c.Session.StoreDir != "" && c.Broker.ClientID == "" {
		return fmt.Errorf("broker.client_id is required when session.store_dir is set")
	}
	if c.Delivery.PublishRate < 0 {
		return fmt.Errorf("delivery.publish_rate cannot be negative")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	validFormats := map[string]bool{"plain": true, "text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: plain, text, json")
	}
	return nil
}

// ConnectRequest converts the broker section into a bridge connect request.
func (c *Config) ConnectRequest() ConnectRequest {
	b := c.Broker
	return ConnectRequest{
		ServerURI:             b.ServerURI,
		Port:                  b.Port,
		ClientID:              b.ClientID,
		Username:              b.Username,
		Password:              b.Password,
		SetCleanStart:         b.CleanStart,
		ConnectionTimeout:     b.ConnectionTimeout,
		KeepAliveInterval:     b.KeepAliveInterval,
		SetAutomaticReconnect: Ptr(b.AutoReconnect),
		SetLastWill:           b.LastWill,
	}
}

// Logger builds the logger selected by the log section.
func (c *Config) Logger(w io.Writer) (Logger, error) {
	level, err := ParseLogLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	if c.Log.Format == "" || c.Log.Format == "plain" {
		return NewStdLogger(w, level), nil
	}
	return NewSlogHandlerLogger(w, c.Log.Format, level), nil
}

// Options converts every section except broker into client options.
// The session store is left to the caller.
func (c *Config) Options() ([]Option, error) {
	var opts []Option

	if c.TLS.enabled() {
		tlsConfig, err := c.TLS.load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLS(tlsConfig))
	}
	if c.Proxy != nil {
		opts = append(opts, WithProxy(*c.Proxy))
	}
	if c.Auth.Method != "" {
		h, err := ParseSCRAMHash(c.Auth.Method)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithEnhancedAuthentication(NewSCRAMClient(h, c.Broker.Username, c.Broker.Password)))
	}

	r := c.Reconnect
	opts = append(opts,
		WithMaxReconnects(r.MaxAttempts),
		WithReconnectBackoff(r.InitialBackoff),
		WithMaxBackoff(r.MaxBackoff),
	)
	if r.BreakerFailures > 0 {
		failures := r.BreakerFailures
		opts = append(opts, WithDialBreaker(gobreaker.Settings{
			Name:    "mqtt-dial",
			Timeout: r.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}))
	}

	d := c.Delivery
	opts = append(opts, WithAckTimeout(d.AckTimeout), WithMaxRetries(d.MaxRetries))
	if d.PublishRate > 0 {
		burst := max(d.PublishBurst, 1)
		opts = append(opts, WithPublishRateLimit(d.PublishRate, burst))
	}

	if c.Session.ExpiryInterval > 0 {
		opts = append(opts, WithSessionExpiryInterval(c.Session.ExpiryInterval))
	}
	if c.Session.TopicAliasMaximum > 0 {
		opts = append(opts, WithTopicAliasMaximum(c.Session.TopicAliasMaximum))
	}

	return opts, nil
}

func (c TLSConfig) load() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
		MinVersion:         tls.VersionTLS12,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// ParseSCRAMHash maps a SCRAM mechanism name to its hash.
func ParseSCRAMHash(name string) (SCRAMHash, error) {
	switch strings.ToUpper(name) {
	case "SCRAM-SHA-1":
		return SCRAMHashSHA1, nil
	case "SCRAM-SHA-256":
		return SCRAMHashSHA256, nil
	case "SCRAM-SHA-512":
		return SCRAMHashSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported SCRAM mechanism %q", name)
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
