package mqttbridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for server URIs with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported server scheme")

// Dialer opens the byte stream to the broker.
type Dialer interface {
	Dial(ctx context.Context, server *url.URL) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, server *url.URL) (net.Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, server *url.URL) (net.Conn, error) {
	return f(ctx, server)
}

var defaultPorts = map[string]string{
	"tcp":   "1883",
	"mqtt":  "1883",
	"tls":   "8883",
	"ssl":   "8883",
	"mqtts": "8883",
	"ws":    "80",
	"wss":   "443",
	"quic":  "8883",
}

// ParseServerURI parses a broker address. A bare "host" or "host:port" is
// treated as tcp. The default port of the scheme is filled in when missing.
func ParseServerURI(uri string) (*url.URL, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty server URI", ErrTransport)
	}
	if !strings.Contains(uri, "://") {
		uri = "tcp://" + uri
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid server URI: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	if u.Scheme == "unix" {
		return u, nil
	}
	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid server URI %q: missing host", uri)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// NetDialer picks the transport from the URI scheme:
// tcp/mqtt, tls/ssl/mqtts, ws, wss, quic and unix.
type NetDialer struct {
	TLSConfig *tls.Config
	Proxy     *ProxyConfig
}

// Dial implements Dialer.
func (d *NetDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	switch u.Scheme {
	case "tcp", "mqtt":
		return d.dialTCP(ctx, u.Host)

	case "tls", "ssl", "mqtts":
		raw, err := d.dialTCP(ctx, u.Host)
		if err != nil {
			return nil, err
		}
		conn := tls.Client(raw, d.tlsConfig(u.Hostname()))
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return conn, nil

	case "ws", "wss":
		return dialWebSocket(ctx, u, d.TLSConfig, d.Proxy)

	case "quic":
		return dialQUIC(ctx, u.Host, d.TLSConfig)

	case "unix":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + u.Path
		}
		var nd net.Dialer
		return nd.DialContext(ctx, "unix", path)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (d *NetDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if d.Proxy != nil {
		pd, err := newProxyDialer(*d.Proxy)
		if err != nil {
			return nil, err
		}
		return pd.DialContext(ctx, "tcp", addr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

func (d *NetDialer) tlsConfig(serverName string) *tls.Config {
	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = serverName
	}
	return cfg
}
