package mqttbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// Client is an MQTT 5.0 client session.
//
// A Client is created disconnected. Connect opens the session and Disconnect
// ends it; the same Client may be connected again afterwards. With automatic
// reconnect enabled a lost connection is re-established in the background
// while subscriptions and unacknowledged publishes are kept.
type Client struct {
	opts    *clientOptions
	log     Logger
	metrics clientMetrics
	breaker *gobreaker.CircuitBreaker

	// transMu serializes Connect, Disconnect, loss handling and reconnect attempts.
	transMu sync.Mutex
	state   atomic.Int32

	// opMu is held shared while an operation registers a packet id and
	// exclusively while the session is torn down.
	opMu  sync.RWMutex
	epoch atomic.Uint64

	mu              sync.Mutex
	conn            *connection
	clientID        string
	server          *url.URL
	sessionPresent  bool
	serverMaxQoS    byte
	retainAvailable bool
	sessionCtx      context.Context
	sessionCancel   context.CancelFunc
	reconnectCancel context.CancelFunc
	deliveries      chan delivery

	ids      *PacketIDManager
	tracker  *Tracker
	registry *Registry
	flow     *FlowController
	pending  *pendingOps

	evMu      sync.Mutex
	events    []error
	evRunning bool
}

// NewClient creates a disconnected client. An empty client id is replaced by a random UUID.
func NewClient(opts ...Option) *Client {
	o := applyOptions(opts...)

	clientID := o.clientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := &Client{
		opts:            o,
		metrics:         clientMetrics{m: o.metrics},
		clientID:        clientID,
		serverMaxQoS:    QoS2,
		retainAvailable: true,
		ids:             NewPacketIDManager(),
		tracker:         NewTracker(),
		registry:        NewRegistry(),
		flow:            NewFlowController(0),
		pending:         newPendingOps(),
	}
	c.log = o.logger.WithFields(LogFields{LogFieldClientID: clientID})
	if o.dialBreaker != nil {
		c.breaker = gobreaker.NewCircuitBreaker(*o.dialBreaker)
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("state changed", LogFields{LogFieldState: s.String(), "previous": old.String()})
	}
}

// IsConnected reports whether the session is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// ClientID returns the client identifier, as assigned by the broker if it assigned one.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SessionPresent returns the session present flag of the last CONNACK.
func (c *Client) SessionPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionPresent
}

// Subscriptions returns the confirmed subscriptions ordered by filter.
func (c *Client) Subscriptions() []Subscription {
	return c.registry.Snapshot()
}

// Inflight returns the number of QoS 1 and 2 publishes awaiting acknowledgement.
func (c *Client) Inflight() int {
	return c.tracker.Len()
}

// Connect opens the session. It is only valid while the client is
// disconnected and returns once CONNACK has been received, the connect
// timeout has passed or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if st := c.State(); st != StateDisconnected {
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}

	server, err := ParseServerURI(c.opts.server)
	if err != nil {
		return err
	}

	c.setState(StateConnecting)
	c.log.Info("connecting", LogFields{LogFieldServer: server.String()})

	restored, err := c.restorePending()
	if err != nil {
		c.resetSession(ErrCancelled)
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to load session store: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	conn, connack, err := c.establish(ctx, sessCtx, server)
	if err != nil {
		cancel()
		c.resetSession(ErrCancelled)
		c.setState(StateDisconnected)

		reason := ReasonUnspecifiedError
		var ce *ConnectError
		if errors.As(err, &ce) {
			reason = ce.ReasonCode
		}
		c.metrics.connectFailed(reason)
		c.log.Warn("connect failed", LogFields{LogFieldError: err.Error()})
		return err
	}

	deliveries := make(chan delivery, c.opts.dispatchBacklog)
	go c.dispatchLoop(sessCtx, deliveries)

	c.mu.Lock()
	c.server = server
	c.sessionCtx = sessCtx
	c.sessionCancel = cancel
	c.deliveries = deliveries
	c.mu.Unlock()

	if restored > 0 && !connack.SessionPresent {
		c.log.Info("broker has no session, dropping restored publishes", LogFields{"count": restored})
		c.resetSession(ErrCancelled)
		if err := c.opts.store.ClearPending(); err != nil {
			c.log.Warn("failed to clear session store", LogFields{LogFieldError: err.Error()})
		}
	}

	c.startConnection(conn, connack, false)
	return nil
}

// Disconnect ends the session. It sends DISCONNECT, closes the connection,
// cancels a running reconnect loop and fails every pending operation with
// ErrCancelled. Subscriptions are forgotten.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.reconnectCancel != nil {
		c.reconnectCancel()
	}
	c.mu.Unlock()

	c.transMu.Lock()
	defer c.transMu.Unlock()

	st := c.State()
	if st != StateConnected && st != StateReconnecting {
		return ErrNotConnected
	}
	c.setState(StateDisconnecting)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.closing.Store(true)
		// The socket is closed right after, so a failed DISCONNECT changes nothing.
		_ = conn.write(&DisconnectPacket{ReasonCode: ReasonSuccess})
		conn.close()
		select {
		case <-conn.done:
		case <-ctx.Done():
		}
	}

	c.terminate(ErrCancelled)
	c.metrics.disconnected()
	c.log.Info("disconnected", nil)
	c.emit(ErrDisconnected)
	return nil
}

// establish dials the broker and performs the CONNECT / CONNACK exchange.
// The returned connection belongs to parent.
func (c *Client) establish(ctx, parent context.Context, server *url.URL) (*connection, *ConnackPacket, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	nc, err := c.dial(ctx, server)
	if err != nil {
		return nil, nil, c.connectErr(ctx, "dial", err)
	}

	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now())
	})

	conn := newConnection(parent, nc, bufio.NewReader(nc), c.opts)
	connack, err := c.handshake(ctx, conn)
	if !stop() && err == nil {
		err = c.connectErr(ctx, "read", context.Cause(ctx))
	}
	if err != nil {
		conn.closing.Store(true)
		conn.close()
		return nil, nil, err
	}
	nc.SetDeadline(time.Time{})
	return conn, connack, nil
}

func (c *Client) dial(ctx context.Context, server *url.URL) (net.Conn, error) {
	if c.opts.dialer != nil {
		return c.opts.dialer.Dial(ctx, server)
	}
	d := &NetDialer{TLSConfig: c.opts.tlsConfig, Proxy: c.opts.proxy}
	return d.Dial(ctx, server)
}

func (c *Client) handshake(ctx context.Context, conn *connection) (*ConnackPacket, error) {
	pkt, err := c.connectPacket(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.write(pkt); err != nil {
		return nil, c.connectErr(ctx, "write", err)
	}

	for {
		p, err := conn.read(c.opts.maxPacketSize)
		if err != nil {
			return nil, c.connectErr(ctx, "read", err)
		}

		switch p := p.(type) {
		case *ConnackPacket:
			if p.ReasonCode.IsError() {
				return nil, NewConnectError(p.ReasonCode, p.Properties)
			}
			if auth := c.opts.enhancedAuth; auth != nil {
				var data []byte
				if p.Properties != nil {
					data = p.Properties.AuthData
				}
				if err := auth.AuthFinish(ctx, data); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrAuth, err)
				}
			}
			return p, nil

		case *AuthPacket:
			if err := c.continueAuth(ctx, conn, p); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("%w: expected CONNACK, got %s", ErrProtocol, p.Type())
		}
	}
}

func (c *Client) connectPacket(ctx context.Context) (*ConnectPacket, error) {
	o := c.opts
	props := &Properties{User: o.userProperties}
	if o.sessionExpiryInterval > 0 {
		props.SessionExpiryInterval = Ptr(o.sessionExpiryInterval)
	}
	if o.receiveMaximum > 0 && o.receiveMaximum < maxUint16 {
		props.ReceiveMaximum = Ptr(o.receiveMaximum)
	}
	if o.maxPacketSize > 0 && o.maxPacketSize < MaxPacketSizeProtocol {
		props.MaximumPacketSize = Ptr(o.maxPacketSize)
	}
	if o.topicAliasMaximum > 0 {
		props.TopicAliasMaximum = Ptr(o.topicAliasMaximum)
	}
	if auth := o.enhancedAuth; auth != nil {
		data, err := auth.AuthStart(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}
		props.AuthMethod = auth.AuthMethod()
		props.AuthData = data
	}

	pkt := &ConnectPacket{
		ClientID:   c.ClientID(),
		CleanStart: o.cleanStart,
		KeepAlive:  o.keepAlive,
		Username:   o.username,
		Password:   o.password,
	}
	if o.will != nil {
		will := *o.will
		pkt.Will = &will
	}
	if !props.empty() {
		pkt.Properties = props
	}
	return pkt, nil
}

func (c *Client) continueAuth(ctx context.Context, conn *connection, p *AuthPacket) error {
	auth := c.opts.enhancedAuth
	if auth == nil || p.ReasonCode != ReasonContinueAuth {
		return fmt.Errorf("%w: unexpected AUTH %s", ErrProtocol, p.ReasonCode)
	}

	var challenge []byte
	if p.Properties != nil {
		if m := p.Properties.AuthMethod; m != "" && m != auth.AuthMethod() {
			return fmt.Errorf("%w: %w: %s", ErrAuth, ErrAuthMethodMismatch, m)
		}
		challenge = p.Properties.AuthData
	}

	resp, err := auth.AuthContinue(ctx, challenge)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}

	err = conn.write(&AuthPacket{
		ReasonCode: ReasonContinueAuth,
		Properties: &Properties{AuthMethod: auth.AuthMethod(), AuthData: resp},
	})
	if err != nil {
		return c.connectErr(ctx, "write", err)
	}
	return nil
}

// connectErr classifies a failure of the connect exchange.
func (c *Client) connectErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no CONNACK within %s", ErrTimeout, c.opts.connectTimeout)
		}
		return ctxErr
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: no CONNACK within %s", ErrTimeout, c.opts.connectTimeout)
	}
	if isCodecError(err) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &TransportError{Op: op, Err: err}
}

// startConnection makes conn the active connection. Called with transMu held.
func (c *Client) startConnection(conn *connection, connack *ConnackPacket, reconnected bool) {
	c.applyConnack(conn, connack)
	if !connack.SessionPresent {
		c.tracker.ResetInbound()
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionPresent = connack.SessionPresent
	deliveries := c.deliveries
	server := c.server.String()
	c.mu.Unlock()

	go c.readLoop(conn, deliveries)
	go c.keepAliveLoop(conn)
	go c.retryLoop(conn)

	c.setState(StateConnected)
	c.metrics.connected()
	c.log.Info("connected", LogFields{
		LogFieldServer:    server,
		"session_present": connack.SessionPresent,
		"reconnected":     reconnected,
	})
	c.emit(NewConnectedEvent(server, connack.SessionPresent, reconnected))

	c.resendInflight(conn)
	if reconnected && !connack.SessionPresent && c.registry.Len() > 0 {
		go c.resubscribe(conn)
	}
}

func (c *Client) applyConnack(conn *connection, connack *ConnackPacket) {
	props := connack.Properties
	if props == nil {
		props = &Properties{}
	}

	keepAlive := c.opts.keepAlive
	if props.ServerKeepAlive != nil {
		keepAlive = *props.ServerKeepAlive
	}
	conn.keepAlive = time.Duration(keepAlive) * time.Second

	if props.MaximumPacketSize != nil && *props.MaximumPacketSize > 0 {
		conn.maxOutbound = *props.MaximumPacketSize
	}

	var receiveMax uint16
	if props.ReceiveMaximum != nil {
		receiveMax = *props.ReceiveMaximum
	}
	c.flow.SetReceiveMaximum(receiveMax)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.serverMaxQoS = QoS2
	if props.MaximumQoS != nil {
		c.serverMaxQoS = *props.MaximumQoS
	}
	c.retainAvailable = props.RetainAvailable == nil || *props.RetainAvailable != 0
	if props.AssignedClientID != "" {
		c.clientID = props.AssignedClientID
	}
}

// terminate ends the session and fails every pending operation with err.
// Called with transMu held.
func (c *Client) terminate(err error) {
	c.resetSession(err)
	c.registry.Clear()
	c.metrics.subscriptions(0)

	if s := c.opts.store; s != nil {
		if serr := s.ClearPending(); serr != nil {
			c.log.Warn("failed to clear session store", LogFields{LogFieldError: serr.Error()})
		}
	}

	c.mu.Lock()
	conn := c.conn
	cancel := c.sessionCancel
	c.conn = nil
	c.sessionCancel = nil
	c.reconnectCancel = nil
	c.deliveries = nil
	c.mu.Unlock()

	if conn != nil {
		conn.closing.Store(true)
		conn.close()
	}
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
}

// resetSession fails every tracked publish and pending acknowledgement with err.
func (c *Client) resetSession(err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.tracker.FailAll(err)
	c.pending.failAll(err)
	c.ids.Reset()
	c.epoch.Add(1)
	c.flow.Set(0)
	c.metrics.inflight(0)
}

// restorePending loads persisted publishes into the tracker when the
// session is meant to be resumed.
func (c *Client) restorePending() (int, error) {
	store := c.opts.store
	if store == nil {
		return 0, nil
	}
	if c.opts.cleanStart {
		return 0, store.ClearPending()
	}

	entries, err := store.LoadPending()
	if err != nil {
		return 0, err
	}
	for _, p := range entries {
		c.ids.Reserve(p.PacketID)
		c.tracker.Restore(p.PacketID, p.Message(), p.state())
	}
	c.flow.Set(len(entries))
	c.metrics.inflight(len(entries))
	return len(entries), nil
}

// emit queues event for the event handler. Events are delivered in order on
// a separate goroutine so handlers may call back into the client.
func (c *Client) emit(event error) {
	if c.opts.onEvent == nil {
		return
	}

	c.evMu.Lock()
	c.events = append(c.events, event)
	if c.evRunning {
		c.evMu.Unlock()
		return
	}
	c.evRunning = true
	c.evMu.Unlock()

	go func() {
		for {
			c.evMu.Lock()
			if len(c.events) == 0 {
				c.evRunning = false
				c.evMu.Unlock()
				return
			}
			ev := c.events[0]
			c.events = c.events[1:]
			c.evMu.Unlock()

			c.opts.onEvent(c, ev)
		}
	}()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isCodecError(err error) bool {
	for _, target := range []error{
		ErrMalformedPacket, ErrPacketTooLarge, ErrUnknownPacketType, ErrInvalidPacketFlags,
		ErrStringTooLong, ErrBinaryTooLong, ErrInvalidUTF8, ErrVarintTooLarge, ErrVarintMalformed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
