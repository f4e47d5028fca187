package mqttbridge

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyConfig routes tcp and tls connections through a proxy.
type ProxyConfig struct {
	// URL is http://host:port, https://host:port or socks5://host:port.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type proxyDialer struct {
	proxyURL *url.URL
	auth     *proxy.Auth
	forward  net.Dialer
}

func newProxyDialer(cfg ProxyConfig) (*proxyDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	d := &proxyDialer{proxyURL: u}
	switch {
	case cfg.Username != "":
		d.auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	case u.User != nil:
		pass, _ := u.User.Password()
		d.auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	return d, nil
}

func (d *proxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch d.proxyURL.Scheme {
	case "http", "https":
		return d.dialConnect(ctx, addr)
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", d.proxyURL.Scheme)
	}
}

func (d *proxyDialer) proxyAddr(defaultPort string) string {
	if d.proxyURL.Port() != "" {
		return d.proxyURL.Host
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), defaultPort)
}

func (d *proxyDialer) dialConnect(ctx context.Context, target string) (net.Conn, error) {
	port := "8080"
	if d.proxyURL.Scheme == "https" {
		port = "443"
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr(port))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if d.auth != nil {
		cred := base64.StdEncoding.EncodeToString([]byte(d.auth.User + ":" + d.auth.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

func (d *proxyDialer) dialSOCKS5(ctx context.Context, network, target string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr("1080"), d.auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return dialer.Dial(network, target)
	}
	conn, err := cd.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial failed: %w", err)
	}
	return conn, nil
}
