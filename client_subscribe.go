package mqttbridge

import (
	"context"
	"fmt"
	"time"
)

// SubscribeResult is the outcome of a successful subscription.
type SubscribeResult struct {
	Topic string
	// QoS is the maximum QoS granted by the broker.
	QoS byte
}

// Subscribe subscribes to filter and records the subscription once the broker
// accepts it. The granted QoS may be lower than qos.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) (SubscribeResult, error) {
	if err := ValidateTopicFilter(filter); err != nil {
		return SubscribeResult{}, err
	}
	if qos > QoS2 {
		return SubscribeResult{}, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}

	conn := c.activeConn()
	if conn == nil {
		return SubscribeResult{}, ErrNotConnected
	}

	sub := &Subscription{
		Filter:       filter,
		RequestedQoS: qos,
		Handler:      handler,
	}
	granted, err := c.subscribe(ctx, conn, filter, qos, func(granted byte) {
		sub.GrantedQoS = granted
		c.registry.Add(sub)
	})
	if err != nil {
		return SubscribeResult{}, err
	}

	c.metrics.subscriptions(c.registry.Len())
	c.log.Info("subscribed", LogFields{LogFieldTopic: filter, LogFieldQoS: granted})

	return SubscribeResult{Topic: filter, QoS: granted}, nil
}

// subscribe performs one SUBSCRIBE / SUBACK exchange and returns the granted
// QoS. A non-nil commit runs on the read loop when the broker grants the
// subscription, so messages that follow the SUBACK find it.
func (c *Client) subscribe(ctx context.Context, conn *connection, filter string, qos byte, commit func(granted byte)) (byte, error) {
	pkt := &SubscribePacket{
		Subscriptions: []TopicSubscription{{Filter: filter, QoS: qos}},
	}

	var onAck func(Packet)
	if commit != nil {
		onAck = func(p Packet) {
			if granted, err := subackResult(filter, p); err == nil {
				commit(granted)
			}
		}
	}

	p, err := c.request(ctx, conn, func(id uint16) Packet {
		pkt.PacketID = id
		return pkt
	}, onAck)
	if err != nil {
		return 0, err
	}
	return subackResult(filter, p)
}

func subackResult(filter string, p Packet) (byte, error) {
	suback, ok := p.(*SubackPacket)
	if !ok || len(suback.ReasonCodes) != 1 {
		return 0, fmt.Errorf("%w: SUBACK does not match SUBSCRIBE", ErrProtocol)
	}

	rc := suback.ReasonCodes[0]
	if rc.IsError() {
		return 0, NewSubscribeError(filter, rc)
	}
	if byte(rc) > QoS2 {
		return 0, fmt.Errorf("%w: SUBACK reason code %s", ErrProtocol, rc)
	}
	return byte(rc), nil
}

// Unsubscribe removes the subscription for filter and tells the broker.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	conn := c.activeConn()
	if conn == nil {
		return ErrNotConnected
	}
	if _, ok := c.registry.Get(filter); !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, filter)
	}

	// The entry goes away on the read loop once the broker confirms, so a
	// refused or unanswered UNSUBSCRIBE keeps the local handler.
	p, err := c.request(ctx, conn, func(id uint16) Packet {
		return &UnsubscribePacket{PacketID: id, Filters: []string{filter}}
	}, func(p Packet) {
		if unsubackResult(filter, p) == nil {
			c.registry.Remove(filter)
		}
	})
	if err != nil {
		return err
	}
	if err := unsubackResult(filter, p); err != nil {
		return err
	}
	c.metrics.subscriptions(c.registry.Len())

	c.log.Info("unsubscribed", LogFields{LogFieldTopic: filter})
	return nil
}

func unsubackResult(filter string, p Packet) error {
	unsuback, ok := p.(*UnsubackPacket)
	if !ok || len(unsuback.ReasonCodes) != 1 {
		return fmt.Errorf("%w: UNSUBACK does not match UNSUBSCRIBE", ErrProtocol)
	}
	if rc := unsuback.ReasonCodes[0]; rc.IsError() {
		return NewUnsubscribeError(filter, rc)
	}
	return nil
}

func (c *Client) activeConn() *connection {
	if !c.IsConnected() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// request sends the packet built for a fresh packet id and waits for the
// acknowledgement carrying the same id.
func (c *Client) request(ctx context.Context, conn *connection, build func(id uint16) Packet, onAck func(Packet)) (Packet, error) {
	c.opMu.RLock()
	epoch := c.epoch.Load()
	id, err := c.ids.Allocate()
	if err != nil {
		c.opMu.RUnlock()
		return nil, err
	}
	ch := c.pending.add(id, onAck)
	err = c.send(conn, build(id))
	c.opMu.RUnlock()

	if err != nil {
		c.pending.remove(id)
		c.releaseID(epoch, id)
		return nil, err
	}

	p, err := c.await(ctx, id, ch)
	c.releaseID(epoch, id)
	return p, err
}

// releaseID frees id unless the session was reset since it was allocated.
func (c *Client) releaseID(epoch uint64, id uint16) {
	c.opMu.RLock()
	defer c.opMu.RUnlock()
	if c.epoch.Load() == epoch {
		_ = c.ids.Release(id)
	}
}

// await waits for the acknowledgement of id for at most the ack timeout.
func (c *Client) await(ctx context.Context, id uint16, ch <-chan pendingResult) (Packet, error) {
	timer := time.NewTimer(c.opts.ackTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.pkt, res.err
	case <-timer.C:
		c.pending.remove(id)
		return nil, fmt.Errorf("%w: no acknowledgement for packet %d within %s", ErrTimeout, id, c.opts.ackTimeout)
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}
