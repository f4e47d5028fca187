package mqttbridge

import (
	"context"
	"fmt"
	"time"
)

// PublishResult describes a completed publish.
type PublishResult struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool

	// MessageID is the packet identifier used for the PUBLISH. For QoS 0 it
	// is a generated value that was never reserved.
	MessageID uint16
}

// Publish sends msg. A QoS 0 publish returns once the packet is written;
// QoS 1 and 2 publishes return once the final acknowledgement arrives, the
// retries are exhausted or ctx is done. When ctx ends first the publish is
// still completed in the background.
func (c *Client) Publish(ctx context.Context, msg *Message) (PublishResult, error) {
	if msg == nil {
		return PublishResult{}, fmt.Errorf("%w: nil message", ErrInvalidTopic)
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return PublishResult{}, err
	}
	if msg.QoS > QoS2 {
		return PublishResult{}, fmt.Errorf("%w: %d", ErrInvalidQoS, msg.QoS)
	}
	if !c.IsConnected() {
		return PublishResult{}, ErrNotConnected
	}

	if l := c.opts.publishLimiter; l != nil {
		if err := l.Wait(ctx); err != nil {
			return PublishResult{}, err
		}
	}

	c.mu.Lock()
	conn := c.conn
	maxQoS := c.serverMaxQoS
	retainAvailable := c.retainAvailable
	c.mu.Unlock()

	if conn == nil {
		return PublishResult{}, ErrNotConnected
	}
	if msg.QoS > maxQoS {
		return PublishResult{}, fmt.Errorf("%w: requested %d, server maximum %d", ErrQoSNotSupported, msg.QoS, maxQoS)
	}
	if msg.Retain && !retainAvailable {
		return PublishResult{}, ErrRetainNotSupported
	}

	m := msg.copy()
	m.Duplicate = false

	result := PublishResult{
		Topic:    m.Topic,
		Payload:  m.Payload,
		QoS:      m.QoS,
		Retained: m.Retain,
	}

	if m.QoS == QoS0 {
		result.MessageID = c.ids.Generate()
		if err := c.send(conn, m.toPacket(0)); err != nil {
			return PublishResult{}, err
		}
		c.metrics.sent(QoS0)
		return result, nil
	}

	start := time.Now()
	f, err := c.track(conn, m)
	if err != nil {
		return PublishResult{}, err
	}
	result.MessageID = f.PacketID

	select {
	case <-f.Done():
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}
	if err := f.Err(); err != nil {
		return PublishResult{}, err
	}

	c.metrics.publishLatency(m.QoS, time.Since(start))
	return result, nil
}

// track registers m as in flight and sends it. A write failure leaves the
// entry tracked: it is resent after reconnect or failed by the session teardown.
func (c *Client) track(conn *connection, m *Message) (*Inflight, error) {
	c.opMu.RLock()
	defer c.opMu.RUnlock()

	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if !c.flow.TryAcquire() {
		return nil, ErrQuotaExceeded
	}

	id, err := c.ids.Allocate()
	if err != nil {
		c.flow.Release()
		return nil, err
	}

	f := c.tracker.Track(id, m)
	c.metrics.inflight(c.tracker.Len())
	c.persist(f)

	c.log.Debug("publishing", LogFields{
		LogFieldTopic:    m.Topic,
		LogFieldPacketID: id,
		LogFieldQoS:      m.QoS,
	})

	if err := c.send(conn, m.toPacket(id)); err != nil && isCodecError(err) {
		if _, ok := c.tracker.Remove(id); ok {
			c.finish(f, err)
		}
		return nil, err
	}
	c.metrics.sent(m.QoS)
	return f, nil
}

// retryLoop resends overdue publishes on conn and fails those that used up
// every retry.
func (c *Client) retryLoop(conn *connection) {
	interval := min(max(c.opts.ackTimeout/2, 10*time.Millisecond), 5*time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case now := <-ticker.C:
			resend, expired := c.tracker.Due(now, c.opts.ackTimeout, c.opts.maxRetries)

			for _, f := range expired {
				c.log.Warn("publish not acknowledged", LogFields{
					LogFieldTopic:    f.Message.Topic,
					LogFieldPacketID: f.PacketID,
					LogFieldAttempt:  f.Attempts,
				})
				c.metrics.deliveryFailed()
				c.finish(f, &DeliveryError{Topic: f.Message.Topic, PacketID: f.PacketID, Attempts: f.Attempts})
			}

			for _, f := range resend {
				c.metrics.retry()
				c.log.Debug("resending publish", LogFields{
					LogFieldPacketID: f.PacketID,
					LogFieldAttempt:  f.Attempts,
				})
				if err := c.send(conn, c.tracker.packetFor(f, true)); err != nil {
					break
				}
			}
		}
	}
}
