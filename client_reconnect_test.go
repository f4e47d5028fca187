package mqttbridge

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconnectOptions(opts ...Option) []Option {
	return append([]Option{
		WithAutoReconnect(true),
		WithReconnectBackoff(20 * time.Millisecond),
		WithMaxBackoff(50 * time.Millisecond),
	}, opts...)
}

// waitConnected waits for a ConnectedEvent with the given reconnected flag.
func waitConnected(t *testing.T, rec *eventRecorder, reconnected bool) *ConnectedEvent {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-rec.ch:
			var ce *ConnectedEvent
			if errors.As(ev, &ce) && ce.Reconnected == reconnected {
				return ce
			}
		case <-deadline:
			t.Fatal("connected event not received")
			return nil
		}
	}
}

func TestConnectionLostWithoutReconnect(t *testing.T) {
	broker := standardBroker(t, nil)
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), OnEvent(rec.handler))
	connectClient(t, c)

	_, err := c.Subscribe(context.Background(), "a/b", QoS0, func(*Message) {})
	require.NoError(t, err)

	broker.dropConnections()

	ev := rec.waitFor(t, ErrConnectionLost)
	assert.ErrorIs(t, ev, ErrTransport)

	var lost *ConnectionLostError
	require.ErrorAs(t, ev, &lost)

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, testTimeout, 10*time.Millisecond)
	assert.Empty(t, c.Subscriptions())

	_, err = c.Publish(context.Background(), &Message{Topic: "a/b"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionLostFailsPendingPublish(t *testing.T) {
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		_, ok := pkt.(*PublishPacket)
		return ok
	})

	c := newTestClient(t, broker.URI(), WithAckTimeout(time.Minute))
	connectClient(t, c)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "a/b", QoS: QoS1})
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Inflight() == 1 }, testTimeout, 10*time.Millisecond)

	broker.dropConnections()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(testTimeout):
		t.Fatal("publish did not fail")
	}
}

func TestServerDisconnect(t *testing.T) {
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		acceptConnect(t, conn, successConnack())
		writePacket(conn, &DisconnectPacket{
			ReasonCode: ReasonServerShuttingDown,
			Properties: &Properties{ReasonString: "maintenance"},
		})
		readPacket(conn)
	})
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), OnEvent(rec.handler))
	connectClient(t, c)

	ev := rec.waitFor(t, ErrConnectionLost)
	var lost *ConnectionLostError
	require.ErrorAs(t, ev, &lost)
	assert.Equal(t, ReasonServerShuttingDown, lost.ReasonCode)
	assert.Contains(t, lost.Error(), "maintenance")
}

func TestReconnectResubscribes(t *testing.T) {
	resubscribed := make(chan string, 1)

	broker := newMockBroker(t, func(conn net.Conn, n int) {
		acceptConnect(t, conn, successConnack())
		if n == 0 {
			serveSession(conn, nil)
			return
		}
		serveSession(conn, func(conn net.Conn, pkt Packet) bool {
			p, ok := pkt.(*SubscribePacket)
			if !ok {
				return false
			}
			resubscribed <- p.Subscriptions[0].Filter
			return publishOnSubscribe(&PublishPacket{Topic: "sensors/1/temp", Payload: []byte("22")})(conn, pkt)
		})
	})
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), reconnectOptions(OnEvent(rec.handler))...)
	connectClient(t, c)

	received := make(chan *Message, 4)
	_, err := c.Subscribe(context.Background(), "sensors/+/temp", QoS1, func(msg *Message) { received <- msg })
	require.NoError(t, err)

	broker.dropConnections()

	rec.waitFor(t, ErrConnectionLost)
	rec.waitFor(t, ErrReconnecting)
	ce := waitConnected(t, rec, true)
	assert.False(t, ce.SessionPresent)

	select {
	case filter := <-resubscribed:
		assert.Equal(t, "sensors/+/temp", filter)
	case <-time.After(testTimeout):
		t.Fatal("subscription not restored")
	}

	msg := receiveMessage(t, received)
	assert.Equal(t, "sensors/1/temp", msg.Topic)
	assert.Len(t, c.Subscriptions(), 1)
	assert.True(t, c.IsConnected())
}

func TestReconnectSessionPresentSkipsResubscribe(t *testing.T) {
	var subscribes atomic.Int32

	broker := newMockBroker(t, func(conn net.Conn, n int) {
		acceptConnect(t, conn, &ConnackPacket{SessionPresent: n > 0, ReasonCode: ReasonSuccess})
		serveSession(conn, func(_ net.Conn, pkt Packet) bool {
			if _, ok := pkt.(*SubscribePacket); ok {
				subscribes.Add(1)
			}
			return false
		})
	})
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), reconnectOptions(OnEvent(rec.handler))...)
	connectClient(t, c)

	_, err := c.Subscribe(context.Background(), "a/b", QoS1, func(*Message) {})
	require.NoError(t, err)

	broker.dropConnections()
	waitConnected(t, rec, true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), subscribes.Load())
	assert.Len(t, c.Subscriptions(), 1)
}

func TestReconnectWithoutSessionForgetsInboundQoS2(t *testing.T) {
	pubrecs := make(chan uint16, 2)

	broker := newMockBroker(t, func(conn net.Conn, n int) {
		acceptConnect(t, conn, successConnack())
		payload := "first"
		if n > 0 {
			payload = "second"
		}
		hook := publishOnSubscribe(&PublishPacket{Topic: "a/b", QoS: QoS2, PacketID: 7, Payload: []byte(payload)})
		serveSession(conn, func(conn net.Conn, pkt Packet) bool {
			if p, ok := pkt.(*PubrecPacket); ok {
				pubrecs <- p.PacketID
				return true
			}
			return hook(conn, pkt)
		})
	})
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), reconnectOptions(OnEvent(rec.handler))...)
	connectClient(t, c)

	received := make(chan *Message, 4)
	_, err := c.Subscribe(context.Background(), "a/b", QoS2, func(msg *Message) { received <- msg })
	require.NoError(t, err)

	assert.Equal(t, "first", string(receiveMessage(t, received).Payload))
	assert.Equal(t, uint16(7), <-pubrecs)

	// No PUBREL was sent, so id 7 is still awaiting release.
	broker.dropConnections()
	ce := waitConnected(t, rec, true)
	assert.False(t, ce.SessionPresent)

	assert.Equal(t, "second", string(receiveMessage(t, received).Payload))
	assert.Equal(t, uint16(7), <-pubrecs)
}

func TestReconnectResendsInflight(t *testing.T) {
	resent := make(chan *PublishPacket, 1)
	first := make(chan uint16, 1)

	broker := newMockBroker(t, func(conn net.Conn, n int) {
		acceptConnect(t, conn, &ConnackPacket{SessionPresent: n > 0, ReasonCode: ReasonSuccess})
		if n == 0 {
			serveSession(conn, func(_ net.Conn, pkt Packet) bool {
				p, ok := pkt.(*PublishPacket)
				if ok {
					first <- p.PacketID
				}
				return ok
			})
			return
		}
		serveSession(conn, func(_ net.Conn, pkt Packet) bool {
			if p, ok := pkt.(*PublishPacket); ok {
				resent <- p
			}
			return false
		})
	})

	c := newTestClient(t, broker.URI(), reconnectOptions(WithAckTimeout(time.Minute))...)
	connectClient(t, c)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "a/b", Payload: []byte("keep"), QoS: QoS1})
		errs <- err
	}()

	id := <-first
	broker.dropConnections()

	select {
	case p := <-resent:
		assert.Equal(t, id, p.PacketID)
		assert.True(t, p.DUP)
		assert.Equal(t, []byte("keep"), p.Payload)
	case <-time.After(testTimeout):
		t.Fatal("in-flight publish not resent")
	}

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("publish did not resolve")
	}
	assert.Zero(t, c.Inflight())
}

func TestReconnectResendsPubrel(t *testing.T) {
	pubrels := make(chan uint16, 2)

	broker := newMockBroker(t, func(conn net.Conn, n int) {
		acceptConnect(t, conn, &ConnackPacket{SessionPresent: n > 0, ReasonCode: ReasonSuccess})
		if n == 0 {
			// Acknowledge PUBLISH but never complete the flow.
			serveSession(conn, func(_ net.Conn, pkt Packet) bool {
				if p, ok := pkt.(*PubrelPacket); ok {
					pubrels <- p.PacketID
					return true
				}
				return false
			})
			return
		}
		serveSession(conn, func(_ net.Conn, pkt Packet) bool {
			if p, ok := pkt.(*PubrelPacket); ok {
				pubrels <- p.PacketID
			}
			return false
		})
	})

	c := newTestClient(t, broker.URI(), reconnectOptions(WithAckTimeout(time.Minute))...)
	connectClient(t, c)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "a/b", QoS: QoS2})
		errs <- err
	}()

	id := <-pubrels
	broker.dropConnections()

	select {
	case resent := <-pubrels:
		assert.Equal(t, id, resent)
	case <-time.After(testTimeout):
		t.Fatal("PUBREL not resent")
	}
	assert.NoError(t, <-errs)
}

func TestDisconnectDuringReconnect(t *testing.T) {
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		_, ok := pkt.(*PublishPacket)
		return ok
	})
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), reconnectOptions(
		OnEvent(rec.handler),
		WithAckTimeout(time.Minute),
		WithReconnectBackoff(time.Hour),
		WithMaxBackoff(time.Hour),
	)...)
	connectClient(t, c)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "a/b", QoS: QoS1})
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Inflight() == 1 }, testTimeout, 10*time.Millisecond)

	broker.stopAccepting()
	broker.dropConnections()

	rec.waitFor(t, ErrReconnecting)
	assert.Equal(t, StateReconnecting, c.State())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(testTimeout):
		t.Fatal("publish did not fail")
	}
	rec.waitFor(t, ErrDisconnected)
}

func TestReconnectGivesUp(t *testing.T) {
	broker := standardBroker(t, nil)
	rec := newEventRecorder()
	m := NewMemoryMetrics()

	c := newTestClient(t, broker.URI(), reconnectOptions(
		OnEvent(rec.handler),
		WithMaxReconnects(2),
		WithMetrics(m),
	)...)
	connectClient(t, c)

	broker.stopAccepting()
	broker.dropConnections()

	ev := rec.waitFor(t, ErrReconnectFailed)
	assert.ErrorIs(t, ev, ErrTransport)

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, testTimeout, 10*time.Millisecond)
	assert.Equal(t, float64(2), m.Value(MetricReconnectAttempts, nil))
	assert.Equal(t, float64(1), m.Value(MetricConnectionsLost, nil))
}

func TestReconnectDialBreaker(t *testing.T) {
	broker := standardBroker(t, nil)
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(), reconnectOptions(
		OnEvent(rec.handler),
		WithMaxReconnects(3),
		WithDialBreaker(gobreaker.Settings{
			Name:    "dial",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 1
			},
		}),
	)...)
	connectClient(t, c)

	broker.stopAccepting()
	broker.dropConnections()

	ev := rec.waitFor(t, ErrReconnectFailed)
	assert.ErrorIs(t, ev, gobreaker.ErrOpenState)
	assert.ErrorIs(t, ev, ErrTransport)
}

func TestReconnectAfterConnectFailureIsManual(t *testing.T) {
	var attempts atomic.Int32
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		attempts.Add(1)
		acceptConnect(t, conn, &ConnackPacket{ReasonCode: ReasonServerUnavailable})
	})

	c := newTestClient(t, broker.URI(), reconnectOptions()...)
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectRefused)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestKeepAlivePing(t *testing.T) {
	pings := make(chan struct{}, 4)
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		if _, ok := pkt.(*PingreqPacket); ok {
			pings <- struct{}{}
		}
		return false
	})

	c := newTestClient(t, broker.URI(), WithKeepAlive(1), WithPingTimeout(500*time.Millisecond))
	connectClient(t, c)

	for range 2 {
		select {
		case <-pings:
		case <-time.After(testTimeout):
			t.Fatal("PINGREQ not sent")
		}
	}
	assert.True(t, c.IsConnected())
}

func TestKeepAlivePingWhileOnlySending(t *testing.T) {
	pings := make(chan struct{}, 16)
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		if _, ok := pkt.(*PingreqPacket); ok {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
		return false
	})

	c := newTestClient(t, broker.URI(), WithKeepAlive(1), WithPingTimeout(500*time.Millisecond))
	connectClient(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = c.Publish(ctx, &Message{Topic: "a/b", QoS: QoS0})
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(testTimeout):
		t.Fatal("PINGREQ not sent while the broker was silent")
	}
	assert.True(t, c.IsConnected())
}

func TestKeepAliveTimeout(t *testing.T) {
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		_, ok := pkt.(*PingreqPacket)
		return ok
	})
	rec := newEventRecorder()

	c := newTestClient(t, broker.URI(),
		OnEvent(rec.handler),
		WithKeepAlive(1),
		WithPingTimeout(200*time.Millisecond),
	)
	connectClient(t, c)

	ev := rec.waitFor(t, ErrConnectionLost)
	assert.ErrorIs(t, ev, ErrKeepAliveTimeout)

	var lost *ConnectionLostError
	require.ErrorAs(t, ev, &lost)
	assert.Equal(t, ReasonKeepAliveTimeout, lost.ReasonCode)
}

func TestKeepAliveDisabled(t *testing.T) {
	var pings atomic.Int32
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		if _, ok := pkt.(*PingreqPacket); ok {
			pings.Add(1)
		}
		return false
	})

	c := newTestClient(t, broker.URI(), WithKeepAlive(0))
	connectClient(t, c)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, pings.Load())
}

func TestSessionStoreRestore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SavePending(&PendingPublish{
		PacketID: 42,
		Topic:    "a/b",
		Payload:  []byte("persisted"),
		QoS:      QoS1,
	}))

	resent := make(chan *PublishPacket, 1)
	broker := newMockBroker(t, func(conn net.Conn, _ int) {
		connect := acceptConnect(t, conn, &ConnackPacket{SessionPresent: true, ReasonCode: ReasonSuccess})
		if connect != nil {
			assert.False(t, connect.CleanStart)
		}
		serveSession(conn, func(_ net.Conn, pkt Packet) bool {
			if p, ok := pkt.(*PublishPacket); ok {
				resent <- p
			}
			return false
		})
	})

	c := newTestClient(t, broker.URI(), WithCleanStart(false), WithSessionStore(store))
	connectClient(t, c)

	select {
	case p := <-resent:
		assert.Equal(t, uint16(42), p.PacketID)
		assert.True(t, p.DUP)
		assert.Equal(t, []byte("persisted"), p.Payload)
	case <-time.After(testTimeout):
		t.Fatal("persisted publish not resent")
	}

	require.Eventually(t, func() bool {
		pending, err := store.LoadPending()
		return err == nil && len(pending) == 0
	}, testTimeout, 10*time.Millisecond)
	assert.Zero(t, c.Inflight())
}

func TestSessionStoreDroppedWithoutBrokerSession(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SavePending(&PendingPublish{PacketID: 42, Topic: "a/b", QoS: QoS1}))

	var publishes atomic.Int32
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		if _, ok := pkt.(*PublishPacket); ok {
			publishes.Add(1)
		}
		return false
	})

	c := newTestClient(t, broker.URI(), WithCleanStart(false), WithSessionStore(store))
	connectClient(t, c)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, publishes.Load())
	assert.Zero(t, c.Inflight())

	pending, err := store.LoadPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSessionStoreClearedOnCleanStart(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SavePending(&PendingPublish{PacketID: 42, Topic: "a/b", QoS: QoS1}))

	broker := standardBroker(t, nil)
	c := newTestClient(t, broker.URI(), WithSessionStore(store))
	connectClient(t, c)

	pending, err := store.LoadPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, c.Inflight())
}

func TestSessionStorePersistsInflight(t *testing.T) {
	store := NewMemoryStore()
	broker := standardBroker(t, func(_ net.Conn, pkt Packet) bool {
		_, ok := pkt.(*PublishPacket)
		return ok
	})

	c := newTestClient(t, broker.URI(), WithSessionStore(store), WithAckTimeout(time.Minute))
	connectClient(t, c)

	go c.Publish(context.Background(), &Message{Topic: "a/b", Payload: []byte("x"), QoS: QoS1})

	require.Eventually(t, func() bool {
		pending, err := store.LoadPending()
		return err == nil && len(pending) == 1
	}, testTimeout, 10*time.Millisecond)

	pending, err := store.LoadPending()
	require.NoError(t, err)
	assert.Equal(t, "a/b", pending[0].Topic)
	assert.Equal(t, QoS1, pending[0].QoS)
}
