package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// delivery is one inbound message with the handlers of every matching subscription.
type delivery struct {
	msg      *Message
	handlers []MessageHandler
}

// send writes pkt on conn. A write failure other than an encoding error is
// treated as a loss of the connection.
func (c *Client) send(conn *connection, pkt Packet) error {
	err := conn.write(pkt)
	if err == nil {
		return nil
	}
	if isCodecError(err) {
		return err
	}
	terr := &TransportError{Op: "write", Err: err}
	c.connectionLost(conn, ReasonUnspecifiedError, terr)
	return terr
}

// readLoop processes the packets of conn in arrival order.
func (c *Client) readLoop(conn *connection, deliveries chan<- delivery) {
	defer close(conn.done)

	for {
		pkt, err := conn.read(c.opts.maxPacketSize)
		if err != nil {
			if isCodecError(err) && !conn.closing.Load() {
				reason := ReasonMalformedPacket
				if errors.Is(err, ErrPacketTooLarge) {
					reason = ReasonPacketTooLarge
				}
				// Best effort: the connection is dropped either way.
				_ = conn.write(&DisconnectPacket{ReasonCode: reason})
				c.connectionLost(conn, reason, fmt.Errorf("%w: %w", ErrProtocol, err))
				return
			}
			c.connectionLost(conn, ReasonUnspecifiedError, &TransportError{Op: "read", Err: err})
			return
		}
		c.handlePacket(conn, deliveries, pkt)
	}
}

func (c *Client) handlePacket(conn *connection, deliveries chan<- delivery, pkt Packet) {
	switch p := pkt.(type) {
	case *PublishPacket:
		c.handlePublish(conn, deliveries, p)

	case *PubackPacket:
		f, ok := c.tracker.HandlePuback(p.PacketID)
		if !ok {
			c.log.Debug("unexpected PUBACK", LogFields{LogFieldPacketID: p.PacketID})
			return
		}
		var err error
		if p.ReasonCode.IsError() {
			err = NewPublishError(f.Message.Topic, p.PacketID, p.ReasonCode)
		}
		c.finish(f, err)

	case *PubrecPacket:
		c.handlePubrec(conn, p)

	case *PubcompPacket:
		// PacketIDNotFound after a lost session also means the flow is over.
		if f, ok := c.tracker.HandlePubcomp(p.PacketID); ok {
			c.finish(f, nil)
		}

	case *PubrelPacket:
		rc := ReasonSuccess
		if !c.tracker.ReleaseQoS2(p.PacketID) {
			rc = ReasonPacketIDNotFound
		}
		c.send(conn, newPubcomp(p.PacketID, rc))

	case *SubackPacket:
		if !c.pending.resolve(p.PacketID, p) {
			c.log.Debug("unexpected SUBACK", LogFields{LogFieldPacketID: p.PacketID})
		}

	case *UnsubackPacket:
		if !c.pending.resolve(p.PacketID, p) {
			c.log.Debug("unexpected UNSUBACK", LogFields{LogFieldPacketID: p.PacketID})
		}

	case *PingrespPacket:
		conn.pingSentAt.Store(0)

	case *DisconnectPacket:
		cause := fmt.Errorf("server sent DISCONNECT: %s", p.ReasonCode)
		if p.Properties != nil && p.Properties.ReasonString != "" {
			cause = fmt.Errorf("%w (%s)", cause, p.Properties.ReasonString)
		}
		c.connectionLost(conn, p.ReasonCode, cause)

	case *AuthPacket:
		c.handleReauth(conn, p)

	default:
		_ = conn.write(&DisconnectPacket{ReasonCode: ReasonProtocolError})
		c.connectionLost(conn, ReasonProtocolError, fmt.Errorf("%w: unexpected %s", ErrProtocol, pkt.Type()))
	}
}

func (c *Client) handlePublish(conn *connection, deliveries chan<- delivery, p *PublishPacket) {
	if err := conn.aliases.resolve(p); err != nil {
		_ = conn.write(&DisconnectPacket{ReasonCode: ReasonTopicAliasInvalid})
		c.connectionLost(conn, ReasonTopicAliasInvalid, fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}
	c.metrics.received(p.QoS)
	msg := p.toMessage()

	switch p.QoS {
	case QoS0:
		c.deliver(conn, deliveries, msg)
	case QoS1:
		c.deliver(conn, deliveries, msg)
		c.send(conn, newPuback(p.PacketID, ReasonSuccess))
	case QoS2:
		if c.tracker.ReceiveQoS2(p.PacketID) {
			c.deliver(conn, deliveries, msg)
		}
		c.send(conn, newPubrec(p.PacketID, ReasonSuccess))
	}
}

func (c *Client) handlePubrec(conn *connection, p *PubrecPacket) {
	if p.ReasonCode.IsError() {
		// The retry loop may have expired the entry already.
		f, ok := c.tracker.removeInState(p.PacketID, AwaitingPubrec)
		if !ok {
			return
		}
		c.finish(f, NewPublishError(f.Message.Topic, p.PacketID, p.ReasonCode))
		return
	}

	f, ok := c.tracker.HandlePubrec(p.PacketID)
	if !ok {
		c.send(conn, newPubrel(p.PacketID, ReasonPacketIDNotFound))
		return
	}
	c.persist(f)
	c.send(conn, newPubrel(p.PacketID, ReasonSuccess))
}

func (c *Client) handleReauth(conn *connection, p *AuthPacket) {
	auth := c.opts.enhancedAuth
	if auth == nil || p.ReasonCode != ReasonContinueAuth {
		c.log.Debug("ignoring AUTH", LogFields{LogFieldReasonCode: p.ReasonCode.String()})
		return
	}

	var challenge []byte
	if p.Properties != nil {
		challenge = p.Properties.AuthData
	}
	resp, err := auth.AuthContinue(conn.ctx, challenge)
	if err != nil {
		c.log.Warn("re-authentication failed", LogFields{LogFieldError: err.Error()})
		_ = conn.write(&DisconnectPacket{ReasonCode: ReasonNotAuthorized})
		c.connectionLost(conn, ReasonNotAuthorized, fmt.Errorf("%w: %w", ErrAuth, err))
		return
	}
	c.send(conn, &AuthPacket{
		ReasonCode: ReasonContinueAuth,
		Properties: &Properties{AuthMethod: auth.AuthMethod(), AuthData: resp},
	})
}

// deliver queues msg for every matching subscription. It blocks while the
// dispatch backlog is full.
func (c *Client) deliver(conn *connection, deliveries chan<- delivery, msg *Message) {
	handlers := c.registry.Match(msg.Topic)
	if len(handlers) == 0 {
		c.log.Debug("no subscription for message", LogFields{LogFieldTopic: msg.Topic})
		return
	}

	select {
	case deliveries <- delivery{msg: msg, handlers: handlers}:
	case <-conn.ctx.Done():
	}
}

func (c *Client) dispatchLoop(ctx context.Context, deliveries <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-deliveries:
			for _, h := range d.handlers {
				c.invoke(h, d.msg)
			}
		}
	}
}

func (c *Client) invoke(h MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()
	h(msg)
}

// finish resolves a tracked publish that left the tracker.
func (c *Client) finish(f *Inflight, err error) {
	_ = c.ids.Release(f.PacketID)
	c.flow.Release()
	c.unpersist(f.PacketID)
	f.complete(err)
	c.metrics.inflight(c.tracker.Len())
}

func (c *Client) persist(f *Inflight) {
	if c.opts.store == nil {
		return
	}
	if err := c.opts.store.SavePending(newPendingPublish(f)); err != nil {
		c.log.Warn("failed to persist publish", LogFields{
			LogFieldPacketID: f.PacketID,
			LogFieldError:    err.Error(),
		})
	}
}

func (c *Client) unpersist(id uint16) {
	if c.opts.store == nil {
		return
	}
	if err := c.opts.store.DeletePending(id); err != nil {
		c.log.Warn("failed to delete persisted publish", LogFields{
			LogFieldPacketID: id,
			LogFieldError:    err.Error(),
		})
	}
}

type pendingResult struct {
	pkt Packet
	err error
}

type pendingOp struct {
	ch chan pendingResult
	// onAck runs on the read loop before any later packet is handled.
	onAck func(Packet)
}

// pendingOps holds the SUBSCRIBE and UNSUBSCRIBE requests awaiting their acknowledgement.
type pendingOps struct {
	mu  sync.Mutex
	ops map[uint16]pendingOp
}

func newPendingOps() *pendingOps {
	return &pendingOps{ops: make(map[uint16]pendingOp)}
}

func (p *pendingOps) add(id uint16, onAck func(Packet)) <-chan pendingResult {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.ops[id] = pendingOp{ch: ch, onAck: onAck}
	p.mu.Unlock()
	return ch
}

func (p *pendingOps) take(id uint16) (pendingOp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[id]
	delete(p.ops, id)
	return op, ok
}

func (p *pendingOps) resolve(id uint16, pkt Packet) bool {
	op, ok := p.take(id)
	if !ok {
		return false
	}
	if op.onAck != nil {
		op.onAck(pkt)
	}
	op.ch <- pendingResult{pkt: pkt}
	return true
}

func (p *pendingOps) remove(id uint16) {
	p.take(id)
}

func (p *pendingOps) failAll(err error) {
	p.mu.Lock()
	ops := p.ops
	p.ops = make(map[uint16]pendingOp)
	p.mu.Unlock()

	for _, op := range ops {
		op.ch <- pendingResult{err: err}
	}
}
