package mqttbridge

import "time"

const minTick = 10 * time.Millisecond

// keepAliveLoop sends PINGREQ when nothing was sent or nothing was received
// for half the negotiated keep-alive and drops the connection when PINGRESP
// is late.
func (c *Client) keepAliveLoop(conn *connection) {
	if conn.keepAlive <= 0 {
		return
	}

	idle := conn.keepAlive / 2
	tick := idle
	if pt := c.opts.pingTimeout; pt > 0 && pt < tick {
		tick = pt
	}
	tick = max(tick, minTick)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case now := <-ticker.C:
			if sent := conn.pingSentAt.Load(); sent != 0 {
				if now.Sub(time.Unix(0, sent)) >= c.opts.pingTimeout {
					c.log.Warn("PINGRESP not received", LogFields{"timeout": c.opts.pingTimeout.String()})
					c.connectionLost(conn, ReasonKeepAliveTimeout, ErrKeepAliveTimeout)
					return
				}
				continue
			}

			sentIdle := now.Sub(time.Unix(0, conn.lastSent.Load())) >= idle
			recvIdle := now.Sub(time.Unix(0, conn.lastRecv.Load())) >= idle
			if !sentIdle && !recvIdle {
				continue
			}
			conn.pingSentAt.Store(now.UnixNano())
			if err := c.send(conn, &PingreqPacket{}); err != nil {
				return
			}
		}
	}
}
