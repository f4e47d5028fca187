package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// connectionLost reports that conn is unusable. Only the first report for a
// connection has an effect, and none after a deliberate close.
func (c *Client) connectionLost(conn *connection, reason ReasonCode, cause error) {
	if !conn.markLost() {
		return
	}
	conn.close()
	go c.handleLoss(conn, reason, cause)
}

func (c *Client) handleLoss(conn *connection, reason ReasonCode, cause error) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current || c.State() != StateConnected {
		return
	}

	lost := NewConnectionLostError(reason, cause)
	c.metrics.connectionLost()
	c.log.Warn("connection lost", LogFields{
		LogFieldReasonCode: reason.String(),
		LogFieldError:      lost.Error(),
	})

	c.pending.failAll(lost)
	c.emit(lost)

	if !c.opts.autoReconnect {
		c.terminate(lost)
		return
	}

	c.setState(StateReconnecting)

	c.mu.Lock()
	c.conn = nil
	ctx, cancel := context.WithCancel(c.sessionCtx)
	c.reconnectCancel = cancel
	c.mu.Unlock()

	go c.reconnectLoop(ctx, cancel)
}

func (c *Client) reconnectLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	backoff := newReconnectBackoff(c.opts)
	maxAttempts := c.opts.maxReconnects

	var lastErr error
	for attempt := 1; ; attempt++ {
		if maxAttempts > 0 && attempt > maxAttempts {
			c.giveUp(ctx, maxAttempts, lastErr)
			return
		}

		delay := backoff.delay()
		c.emit(NewReconnectEvent(attempt, maxAttempts, delay))
		c.log.Info("reconnecting", LogFields{
			LogFieldAttempt: attempt,
			LogFieldDelay:   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.metrics.reconnectAttempt()
		lastErr = c.reconnectOnce(ctx)
		if lastErr == nil || ctx.Err() != nil {
			return
		}

		c.log.Warn("reconnect attempt failed", LogFields{
			LogFieldAttempt: attempt,
			LogFieldError:   lastErr.Error(),
		})
		backoff.next(attempt, lastErr)
	}
}

func (c *Client) reconnectOnce(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if ctx.Err() != nil || c.State() != StateReconnecting {
		return ErrCancelled
	}

	c.mu.Lock()
	server := c.server
	sessCtx := c.sessionCtx
	c.mu.Unlock()

	establish := func() (*connection, *ConnackPacket, error) {
		return c.establish(ctx, sessCtx, server)
	}
	if c.breaker != nil {
		establish = c.breakerEstablish(establish)
	}

	conn, connack, err := establish()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.reconnectCancel = nil
	c.mu.Unlock()

	c.startConnection(conn, connack, true)
	return nil
}

// breakerEstablish runs connection attempts through the dial circuit breaker.
// While the breaker is open attempts fail without touching the network.
func (c *Client) breakerEstablish(establish func() (*connection, *ConnackPacket, error)) func() (*connection, *ConnackPacket, error) {
	type result struct {
		conn    *connection
		connack *ConnackPacket
	}

	return func() (*connection, *ConnackPacket, error) {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			conn, connack, err := establish()
			if err != nil {
				return nil, err
			}
			return result{conn: conn, connack: connack}, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, nil, &TransportError{Op: "dial", Err: err}
			}
			return nil, nil, err
		}
		r := v.(result)
		return r.conn, r.connack, nil
	}
}

func (c *Client) giveUp(ctx context.Context, attempts int, lastErr error) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if ctx.Err() != nil || c.State() != StateReconnecting {
		return
	}

	err := fmt.Errorf("%w after %d attempts", ErrReconnectFailed, attempts)
	if lastErr != nil {
		err = fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, attempts, lastErr)
	}
	c.log.Error("giving up reconnecting", LogFields{LogFieldError: err.Error()})

	c.terminate(err)
	c.emit(err)
}

// resendInflight sends the current stage of every tracked publish again,
// PUBLISH with DUP set or PUBREL.
func (c *Client) resendInflight(conn *connection) {
	entries := c.tracker.Snapshot()
	if len(entries) == 0 {
		return
	}

	c.log.Info("resending in-flight publishes", LogFields{"count": len(entries)})
	for _, f := range entries {
		if err := c.send(conn, c.tracker.packetFor(f, true)); err != nil {
			return
		}
	}
	c.tracker.Touch(time.Now())
}

// resubscribe restores the registry on a broker that did not keep the session.
func (c *Client) resubscribe(conn *connection) {
	for _, sub := range c.registry.Snapshot() {
		granted, err := c.subscribe(conn.ctx, conn, sub.Filter, sub.RequestedQoS, nil)
		if err != nil {
			if conn.ctx.Err() != nil {
				return
			}
			c.log.Warn("resubscribe failed", LogFields{
				LogFieldTopic: sub.Filter,
				LogFieldError: err.Error(),
			})
			if errors.Is(err, ErrSubscribeFailed) {
				c.registry.Remove(sub.Filter)
				c.metrics.subscriptions(c.registry.Len())
			}
			continue
		}
		c.registry.SetGranted(sub.Filter, granted)
	}
}
