package mqttbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
const WebSocketSubprotocol = "mqtt"

// wsConn presents a WebSocket as a byte stream. MQTT packets may span or
// share binary frames, so reads continue across frame boundaries.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, fmt.Errorf("%w: non-binary websocket frame", ErrProtocol)
			}
			c.r = r
		}
		n, err := c.r.Read(b)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func dialWebSocket(ctx context.Context, u *url.URL, tlsConfig *tls.Config, proxy *ProxyConfig) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{WebSocketSubprotocol},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 0,
		TLSClientConfig:  tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	if proxy != nil {
		pu, err := url.Parse(proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		if proxy.Username != "" {
			pu.User = url.UserPassword(proxy.Username, proxy.Password)
		}
		dialer.Proxy = http.ProxyURL(pu)
	}

	target := *u
	if target.Path == "" {
		target.Path = "/mqtt"
	}

	conn, resp, err := dialer.DialContext(ctx, target.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return &wsConn{Conn: conn}, nil
}
