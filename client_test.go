package mqttbridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// mockBroker accepts connections on a local TCP port and runs handler for
// each one. n is the zero-based index of the connection.
type mockBroker struct {
	listener net.Listener
	handler  func(conn net.Conn, n int)
	accepted atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newMockBroker(t *testing.T, handler func(conn net.Conn, n int)) *mockBroker {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &mockBroker{listener: listener, handler: handler}
	b.wg.Add(1)
	go b.acceptLoop()

	t.Cleanup(b.close)
	return b
}

func (b *mockBroker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		n := int(b.accepted.Add(1)) - 1

		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer conn.Close()
			b.handler(conn, n)
		}()
	}
}

// URI returns the broker address as a tcp:// server URI.
func (b *mockBroker) URI() string {
	return "tcp://" + b.listener.Addr().String()
}

// stopAccepting closes the listener so further dials fail.
func (b *mockBroker) stopAccepting() {
	b.listener.Close()
}

// dropConnections closes every accepted connection.
func (b *mockBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func (b *mockBroker) close() {
	b.listener.Close()
	b.mu.Lock()
	for _, c := range b.conns {
		c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// readPacket reads one packet from the client. It returns nil once the
// connection is closed.
func readPacket(conn net.Conn) Packet {
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	pkt, err := ReadPacket(conn, MaxPacketSizeProtocol)
	if err != nil {
		return nil
	}
	return pkt
}

func writePacket(conn net.Conn, pkt Packet) error {
	_, err := WritePacket(conn, pkt, MaxPacketSizeProtocol)
	return err
}

// acceptConnect reads CONNECT and answers with connack.
func acceptConnect(t *testing.T, conn net.Conn, connack *ConnackPacket) *ConnectPacket {
	pkt, ok := readPacket(conn).(*ConnectPacket)
	if !assert.True(t, ok, "expected CONNECT") {
		return nil
	}
	assert.NoError(t, writePacket(conn, connack))
	return pkt
}

func successConnack() *ConnackPacket {
	return &ConnackPacket{ReasonCode: ReasonSuccess}
}

// brokerHooks overrides the default answer to a client packet. A hook
// returning true has handled the packet.
type brokerHooks func(conn net.Conn, pkt Packet) bool

// serveSession answers client packets like a well-behaved broker until the
// connection closes or the client disconnects.
func serveSession(conn net.Conn, hook brokerHooks) {
	for {
		pkt := readPacket(conn)
		if pkt == nil {
			return
		}
		if hook != nil && hook(conn, pkt) {
			continue
		}

		switch p := pkt.(type) {
		case *PublishPacket:
			switch p.QoS {
			case QoS1:
				writePacket(conn, newPuback(p.PacketID, ReasonSuccess))
			case QoS2:
				writePacket(conn, newPubrec(p.PacketID, ReasonSuccess))
			}
		case *PubrelPacket:
			writePacket(conn, newPubcomp(p.PacketID, ReasonSuccess))
		case *SubscribePacket:
			codes := make([]ReasonCode, len(p.Subscriptions))
			for i, s := range p.Subscriptions {
				codes[i] = ReasonCode(s.QoS)
			}
			writePacket(conn, &SubackPacket{PacketID: p.PacketID, ReasonCodes: codes})
		case *UnsubscribePacket:
			codes := make([]ReasonCode, len(p.Filters))
			writePacket(conn, &UnsubackPacket{PacketID: p.PacketID, ReasonCodes: codes})
		case *PingreqPacket:
			writePacket(conn, &PingrespPacket{})
		case *DisconnectPacket:
			return
		}
	}
}

// standardBroker accepts every connection and serves it with serveSession.
func standardBroker(t *testing.T, hook brokerHooks) *mockBroker {
	return newMockBroker(t, func(conn net.Conn, _ int) {
		if acceptConnect(t, conn, successConnack()) == nil {
			return
		}
		serveSession(conn, hook)
	})
}

// eventRecorder collects session events.
type eventRecorder struct {
	ch chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan error, 128)}
}

func (r *eventRecorder) handler(_ *Client, ev error) {
	r.ch <- ev
}

// waitFor returns the first event matching target.
func (r *eventRecorder) waitFor(t *testing.T, target error) error {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-r.ch:
			if errors.Is(ev, target) {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %v not received", target)
			return nil
		}
	}
}

func newTestClient(t *testing.T, server string, opts ...Option) *Client {
	t.Helper()
	all := append([]Option{
		WithServer(server),
		WithClientID("test-client"),
		WithConnectTimeout(2 * time.Second),
		WithAutoReconnect(false),
	}, opts...)
	c := NewClient(all...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

func connectClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
}

func TestConnectSuccess(t *testing.T) {
	connects := make(chan *ConnectPacket, 1)
	disconnects := make(chan *DisconnectPacket, 1)

	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		connects <- acceptConnect(t, conn, &ConnackPacket{SessionPresent: true, ReasonCode: ReasonSuccess})
		serveSession(conn, func(_ net.Conn, pkt Packet) bool {
			if d, ok := pkt.(*DisconnectPacket); ok {
				disconnects <- d
			}
			return false
		})
	})

	c := newTestClient(t, broker.URI(),
		WithCredentials("user", "pass"),
		WithKeepAlive(30),
		WithCleanStart(false),
		WithWill("status/test-client", []byte("offline"), QoS1, true),
	)
	assert.Equal(t, StateDisconnected, c.State())

	connectClient(t, c)
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())
	assert.True(t, c.SessionPresent())

	connect := <-connects
	require.NotNil(t, connect)
	assert.Equal(t, "test-client", connect.ClientID)
	assert.Equal(t, "user", connect.Username)
	assert.Equal(t, []byte("pass"), connect.Password)
	assert.Equal(t, uint16(30), connect.KeepAlive)
	assert.False(t, connect.CleanStart)
	require.NotNil(t, connect.Will)
	assert.Equal(t, "status/test-client", connect.Will.Topic)
	assert.Equal(t, []byte("offline"), connect.Will.Payload)
	assert.Equal(t, QoS1, connect.Will.QoS)
	assert.True(t, connect.Will.Retain)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())

	select {
	case d := <-disconnects:
		assert.Equal(t, ReasonSuccess, d.ReasonCode)
	case <-time.After(testTimeout):
		t.Fatal("DISCONNECT not received")
	}
}

func TestConnectGeneratesClientID(t *testing.T) {
	c := NewClient(WithServer("tcp://127.0.0.1:1"))
	assert.Len(t, c.ClientID(), 36)

	other := NewClient(WithServer("tcp://127.0.0.1:1"))
	assert.NotEqual(t, c.ClientID(), other.ClientID())
}

func TestConnectAppliesConnackProperties(t *testing.T) {
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		acceptConnect(t, conn, &ConnackPacket{
			ReasonCode: ReasonSuccess,
			Properties: &Properties{
				AssignedClientID: "assigned-id",
				ServerKeepAlive:  Ptr(uint16(15)),
				MaximumQoS:       Ptr(QoS1),
				RetainAvailable:  Ptr(byte(0)),
			},
		})
		serveSession(conn, nil)
	})

	c := newTestClient(t, broker.URI())
	connectClient(t, c)

	assert.Equal(t, "assigned-id", c.ClientID())

	ctx := context.Background()
	_, err := c.Publish(ctx, &Message{Topic: "a/b", QoS: QoS2})
	assert.ErrorIs(t, err, ErrQoSNotSupported)

	_, err = c.Publish(ctx, &Message{Topic: "a/b", Retain: true})
	assert.ErrorIs(t, err, ErrRetainNotSupported)

	_, err = c.Publish(ctx, &Message{Topic: "a/b", QoS: QoS1})
	assert.NoError(t, err)
}

func TestConnectInvalidState(t *testing.T) {
	broker := standardBroker(t, nil)

	c := newTestClient(t, broker.URI())
	connectClient(t, c)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectRefused(t *testing.T) {
	tests := []struct {
		name   string
		reason ReasonCode
		target error
	}{
		{"bad credentials", ReasonBadUserNameOrPassword, ErrAuth},
		{"not authorized", ReasonNotAuthorized, ErrAuth},
		{"server unavailable", ReasonServerUnavailable, ErrConnectRefused},
		{"banned", ReasonBanned, ErrConnectRefused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newMockBroker(t, func(conn net.Conn, _ int) {
				acceptConnect(t, conn, &ConnackPacket{ReasonCode: tt.reason})
			})

			c := newTestClient(t, broker.URI())
			err := c.Connect(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			var ce *ConnectError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.reason, ce.ReasonCode)
			assert.Equal(t, StateDisconnected, c.State())
		})
	}
}

func TestConnectTimeout(t *testing.T) {
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		readPacket(conn)
		// Never answer.
		readPacket(conn)
	})

	c := newTestClient(t, broker.URI(), WithConnectTimeout(200*time.Millisecond))

	start := time.Now()
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectContextCancelled(t *testing.T) {
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		readPacket(conn)
		readPacket(conn)
	})

	c := newTestClient(t, broker.URI())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := c.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectTransportError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	c := newTestClient(t, "tcp://"+addr)
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTransport)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectProtocolError(t *testing.T) {
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		readPacket(conn)
		writePacket(conn, &PingrespPacket{})
		readPacket(conn)
	})

	c := newTestClient(t, broker.URI())
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestConnectUnsupportedScheme(t *testing.T) {
	c := newTestClient(t, "gopher://localhost")
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestEnhancedAuthExchange(t *testing.T) {
	auth := &recordingAuth{method: "TEST", start: []byte("hello"), answer: []byte("response")}

	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		connect, ok := readPacket(conn).(*ConnectPacket)
		if !assert.True(t, ok) {
			return
		}
		assert.Equal(t, "TEST", connect.Properties.AuthMethod)
		assert.Equal(t, []byte("hello"), connect.Properties.AuthData)

		writePacket(conn, &AuthPacket{
			ReasonCode: ReasonContinueAuth,
			Properties: &Properties{AuthMethod: "TEST", AuthData: []byte("challenge")},
		})

		resp, ok := readPacket(conn).(*AuthPacket)
		if !assert.True(t, ok) {
			return
		}
		assert.Equal(t, ReasonContinueAuth, resp.ReasonCode)
		assert.Equal(t, []byte("response"), resp.Properties.AuthData)

		writePacket(conn, &ConnackPacket{
			ReasonCode: ReasonSuccess,
			Properties: &Properties{AuthMethod: "TEST", AuthData: []byte("final")},
		})
		serveSession(conn, nil)
	})

	c := newTestClient(t, broker.URI(), WithEnhancedAuthentication(auth))
	connectClient(t, c)

	assert.Equal(t, []byte("challenge"), auth.challenge)
	assert.Equal(t, []byte("final"), auth.final)
}

func TestEnhancedAuthFinishFailure(t *testing.T) {
	auth := &recordingAuth{method: "TEST", finishErr: errors.New("bad server signature")}

	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		acceptConnect(t, conn, successConnack())
		readPacket(conn)
	})

	c := newTestClient(t, broker.URI(), WithEnhancedAuthentication(auth))
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestServerInitiatedReauth(t *testing.T) {
	auth := &recordingAuth{method: "TEST", answer: []byte("again")}
	responses := make(chan *AuthPacket, 1)

	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		if acceptConnect(t, conn, successConnack()) == nil {
			return
		}
		writePacket(conn, &AuthPacket{
			ReasonCode: ReasonContinueAuth,
			Properties: &Properties{AuthMethod: "TEST", AuthData: []byte("rechallenge")},
		})
		serveSession(conn, func(_ net.Conn, pkt Packet) bool {
			if p, ok := pkt.(*AuthPacket); ok {
				responses <- p
				return true
			}
			return false
		})
	})

	c := newTestClient(t, broker.URI(), WithEnhancedAuthentication(auth))
	connectClient(t, c)

	select {
	case resp := <-responses:
		assert.Equal(t, ReasonContinueAuth, resp.ReasonCode)
		require.NotNil(t, resp.Properties)
		assert.Equal(t, "TEST", resp.Properties.AuthMethod)
		assert.Equal(t, []byte("again"), resp.Properties.AuthData)
	case <-time.After(testTimeout):
		t.Fatal("AUTH response not sent")
	}
	assert.True(t, c.IsConnected())
}

type recordingAuth struct {
	method    string
	start     []byte
	answer    []byte
	finishErr error

	challenge []byte
	final     []byte
}

func (a *recordingAuth) AuthMethod() string { return a.method }

func (a *recordingAuth) AuthStart(context.Context) ([]byte, error) { return a.start, nil }

func (a *recordingAuth) AuthContinue(_ context.Context, challenge []byte) ([]byte, error) {
	a.challenge = challenge
	return a.answer, nil
}

func (a *recordingAuth) AuthFinish(_ context.Context, data []byte) error {
	a.final = data
	return a.finishErr
}

func TestDisconnectNotConnected(t *testing.T) {
	c := NewClient(WithServer("tcp://127.0.0.1:1"))
	assert.ErrorIs(t, c.Disconnect(context.Background()), ErrNotConnected)
}

func TestDisconnectCancelsPending(t *testing.T) {
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		_, isPublish := pkt.(*PublishPacket)
		return isPublish // never acknowledged
	})

	c := newTestClient(t, broker.URI(), WithAckTimeout(time.Minute))
	connectClient(t, c)

	_, err := c.Subscribe(context.Background(), "a/b", QoS1, func(*Message) {})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "a/b", Payload: []byte("x"), QoS: QoS1})
		errs <- err
	}()

	require.Eventually(t, func() bool { return c.Inflight() == 1 }, testTimeout, 10*time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background()))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(testTimeout):
		t.Fatal("publish did not return")
	}

	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.Inflight())
	assert.Empty(t, c.Subscriptions())
}

func TestConnectDisconnectLeavesNoState(t *testing.T) {
	broker := standardBroker(t, nil)

	c := newTestClient(t, broker.URI())
	for range 3 {
		connectClient(t, c)
		require.NoError(t, c.Disconnect(context.Background()))
		assert.Equal(t, StateDisconnected, c.State())
		assert.Zero(t, c.Inflight())
		assert.Empty(t, c.Subscriptions())
	}
}

func TestClientEvents(t *testing.T) {
	broker := standardBroker(t, nil)
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), OnEvent(rec.handler))
	connectClient(t, c)

	ev := rec.waitFor(t, ErrConnected)
	var connected *ConnectedEvent
	require.ErrorAs(t, ev, &connected)
	assert.False(t, connected.Reconnected)
	assert.Equal(t, broker.URI(), connected.ServerURI)

	require.NoError(t, c.Disconnect(context.Background()))
	rec.waitFor(t, ErrDisconnected)
}

func TestClientMetrics(t *testing.T) {
	broker := standardBroker(t, nil)
	m := NewMemoryMetrics()

	c := newTestClient(t, broker.URI(), WithMetrics(m))
	connectClient(t, c)

	_, err := c.Publish(context.Background(), &Message{Topic: "a/b", QoS: QoS1})
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), &Message{Topic: "a/b"})
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, float64(1), m.Value(MetricConnects, nil))
	assert.Equal(t, float64(1), m.Value(MetricDisconnects, nil))
	assert.Equal(t, float64(1), m.Value(MetricMessagesSent, qosLabels(QoS1)))
	assert.Equal(t, float64(1), m.Value(MetricMessagesSent, qosLabels(QoS0)))
	assert.Equal(t, uint64(1), m.Count(MetricPublishLatency, qosLabels(QoS1)))
	assert.Equal(t, float64(0), m.Value(MetricInflight, nil))
}
