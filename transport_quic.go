package mqttbridge

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICALPN is the ALPN protocol negotiated on quic:// connections.
const QUICALPN = "mqtt"

// quicConn carries the MQTT stream over a single bidirectional QUIC stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *quicConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		streamErr := c.stream.Close()
		c.closeErr = c.conn.CloseWithError(0, "")
		if c.closeErr == nil {
			c.closeErr = streamErr
		}
	})
	return c.closeErr
}

func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func dialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{QUICALPN}
	}
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{KeepAlivePeriod: 0})
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}
