package mqttbridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startQUICEcho listens for QUIC connections and echoes the first stream of each.
func startQUICEcho(t *testing.T) (string, *x509.CertPool) {
	t.Helper()
	cert, pool := generateTestCertificate(t)

	l, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		l.Close()
	})

	go func() {
		for {
			conn, err := l.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				stream, err := conn.AcceptStream(ctx)
				if err != nil {
					return
				}
				io.Copy(stream, stream)
				stream.Close()
			}()
		}
	}()

	return l.Addr().String(), pool
}

func TestQUICRoundTrip(t *testing.T) {
	addr, pool := startQUICEcho(t)

	u, err := ParseServerURI("quic://" + addr)
	require.NoError(t, err)

	d := &NetDialer{TLSConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}}
	conn, err := d.Dial(context.Background(), u)
	require.NoError(t, err)
	defer conn.Close()

	assertEcho(t, conn)
	assert.NotNil(t, conn.LocalAddr())
	assert.Equal(t, addr, conn.RemoteAddr().String())
}

func TestQUICCloseIdempotent(t *testing.T) {
	addr, pool := startQUICEcho(t)

	conn, err := dialQUIC(context.Background(), addr, &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13})
	require.NoError(t, err)

	first := conn.Close()
	assert.Equal(t, first, conn.Close())
}

func TestQUICDialErrors(t *testing.T) {
	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := dialQUIC(ctx, "127.0.0.1:1234", nil)
		assert.Error(t, err)
	})

	t.Run("no server", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		_, err := dialQUIC(ctx, "127.0.0.1:59999", nil)
		assert.Error(t, err)
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		addr, _ := startQUICEcho(t)
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		_, err := dialQUIC(ctx, addr, nil)
		assert.Error(t, err)
	})
}

func TestQUICDialDoesNotMutateConfig(t *testing.T) {
	addr, pool := startQUICEcho(t)
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}

	conn, err := dialQUIC(context.Background(), addr, cfg)
	require.NoError(t, err)
	defer conn.Close()

	assert.Empty(t, cfg.NextProtos)
	assert.Empty(t, cfg.ServerName)
}
