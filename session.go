package mqttbridge

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Client session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// connection is one network connection of a session. A reconnect replaces it
// with a new one; the session state survives.
type connection struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu      sync.Mutex
	writeTimeout time.Duration
	maxOutbound  uint32

	keepAlive time.Duration
	aliases   *topicAliases

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the read loop exits

	lastSent   atomic.Int64
	lastRecv   atomic.Int64
	pingSentAt atomic.Int64

	// closing is set before a deliberate close so the read loop does not
	// report the resulting error as a connection loss.
	closing atomic.Bool
	lost    atomic.Bool

	closeOnce sync.Once
}

func newConnection(parent context.Context, nc net.Conn, r *bufio.Reader, o *clientOptions) *connection {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UnixNano()
	c := &connection{
		conn:         nc,
		r:            r,
		writeTimeout: o.writeTimeout,
		maxOutbound:  MaxPacketSizeProtocol,
		aliases:      newTopicAliases(o.topicAliasMaximum),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	c.lastSent.Store(now)
	c.lastRecv.Store(now)
	return c
}

func (c *connection) write(pkt Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := WritePacket(c.conn, pkt, c.maxOutbound); err != nil {
		return err
	}
	c.lastSent.Store(time.Now().UnixNano())
	return nil
}

func (c *connection) read(maxSize uint32) (Packet, error) {
	pkt, err := ReadPacket(c.r, maxSize)
	if err != nil {
		return nil, err
	}
	c.lastRecv.Store(time.Now().UnixNano())
	return pkt, nil
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

// markLost reports whether this is the first loss report for c.
func (c *connection) markLost() bool {
	if c.closing.Load() {
		return false
	}
	return c.lost.CompareAndSwap(false, true)
}
