package client

import (
	"bufio"
	"net"
	"time"

	"github.com/axmq/mqttc/encoding"
)

// readerLoop is the session's reader goroutine. Each iteration it
// processes retransmission deadlines and keep-alive duties, then waits
// for the socket to become readable, bounded by the earliest of the
// pending-ack deadlines and the keep-alive points. A wake from another
// goroutine shortens the wait so a freshly registered acknowledgement
// deadline is honored.
func (c *Client) readerLoop(gen int64, conn net.Conn, bufr *bufio.Reader, rcnt *countingReader) {
	defer c.wg.Done()

	for {
		// Drain the wake signal before computing timeouts so a wake
		// arriving after this point is not lost
		c.wakeMu.Lock()
		c.woken = false
		c.wakeMu.Unlock()

		c.handleTimeouts()

		if err := c.handleKeepAlives(); err != nil {
			c.exitWorker(gen, err)
			return
		}

		deadline, active := c.nextDeadline()

		c.wakeMu.Lock()
		if c.woken {
			// A wake raced in while we were processing; recompute
			c.wakeMu.Unlock()
			continue
		}
		c.readerIdle = true
		if active {
			conn.SetReadDeadline(deadline)
		} else {
			// Nothing scheduled: wait until data or a wake arrives
			conn.SetReadDeadline(time.Time{})
		}
		c.wakeMu.Unlock()

		// Peek does not consume, so a deadline expiry here leaves the
		// stream positioned at a packet boundary
		_, err := bufr.Peek(1)

		c.wakeMu.Lock()
		c.readerIdle = false
		conn.SetReadDeadline(time.Time{})
		c.wakeMu.Unlock()

		if err != nil {
			if isTimeout(err) {
				continue
			}
			c.exitWorker(gen, err)
			return
		}

		before := rcnt.n.Load()
		pkt, err := encoding.ReadPacket(bufr)
		if err != nil {
			c.exitWorker(gen, err)
			return
		}

		c.lastReceived.Store(time.Now().UnixNano())
		c.keepAliveSent.Store(false)
		c.cfg.Metrics.AddReceived(1, int(rcnt.n.Load()-before))

		c.handlePacket(pkt)
	}
}

// handleTimeouts retransmits or fails every pending packet whose deadline
// has passed
func (c *Client) handleTimeouts() {
	resend := c.acks.expire(time.Now(), c.cfg.ackTimeout(), c.cfg.ResendLimit)
	for _, pkt := range resend {
		c.cfg.Logger.Debug("retransmitting packet", "type", pkt.Type())
		c.cfg.Metrics.IncResends()
		c.queue.push(outbound{packet: pkt})
	}
	c.cfg.Metrics.SetPendingAcks(c.acks.len())
}

// handleKeepAlives sends a PINGREQ once the link has been idle for the
// keep-alive interval and fails the session when the broker stays silent
// for a further acknowledgement timeout
func (c *Client) handleKeepAlives() error {
	if c.cfg.KeepAlive <= 0 {
		return nil
	}

	now := time.Now()
	lastReceived := time.Unix(0, c.lastReceived.Load())

	if !c.keepAliveSent.Load() && !now.Before(lastReceived.Add(c.cfg.KeepAlive)) {
		c.cfg.Logger.Debug("sending keep-alive ping")
		c.queue.push(outbound{packet: &encoding.PingreqPacket{}})
		c.keepAliveSent.Store(true)
	}

	if c.keepAliveSent.Load() && !now.Before(lastReceived.Add(c.cfg.KeepAlive+c.cfg.ackTimeout())) {
		return ErrKeepAliveTimeout
	}

	return nil
}

// nextDeadline computes the reader's wait bound: the earliest of the head
// pending-ack deadline, the next ping due time and the ping timeout.
// active is false when neither acknowledgements nor keep-alive are in
// play, in which case the reader waits indefinitely.
func (c *Client) nextDeadline() (time.Time, bool) {
	var deadline time.Time
	active := false

	consider := func(t time.Time) {
		if !active || t.Before(deadline) {
			deadline = t
			active = true
		}
	}

	if head, ok := c.acks.headDeadline(); ok {
		consider(head)
	}

	if c.cfg.KeepAlive > 0 {
		lastReceived := time.Unix(0, c.lastReceived.Load())
		if c.keepAliveSent.Load() {
			consider(lastReceived.Add(c.cfg.KeepAlive + c.cfg.ackTimeout()))
		} else {
			consider(lastReceived.Add(c.cfg.KeepAlive))
		}
	}

	return deadline, active
}

// handlePacket dispatches one received packet. Publishes go to the read
// queue for Get/Each; acknowledgements complete their pending slot, with
// unknown packet ids silently ignored; PINGRESP needs no handling beyond
// the activity timestamp; everything else is ignored.
func (c *Client) handlePacket(pkt encoding.Packet) {
	switch p := pkt.(type) {
	case *encoding.PublishPacket:
		c.in.push(readEntry{publish: p, ts: time.Now()})
	case *encoding.PubackPacket:
		c.completeAck(p.PacketID, pkt)
	case *encoding.SubackPacket:
		c.completeAck(p.PacketID, pkt)
	case *encoding.UnsubackPacket:
		c.completeAck(p.PacketID, pkt)
	default:
	}
}

func (c *Client) completeAck(id uint16, pkt encoding.Packet) {
	if !c.acks.complete(id, pkt) {
		c.cfg.Logger.Debug("ignoring acknowledgement for unknown packet id", "packet_id", id)
		return
	}
	c.cfg.Metrics.SetPendingAcks(c.acks.len())
}
