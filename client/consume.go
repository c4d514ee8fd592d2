package client

import (
	"time"

	"github.com/axmq/mqttc/encoding"
)

// Get blocks until the next PUBLISH arrives and returns it. A QoS > 0
// publish is acknowledged before Get returns, after the message has been
// taken off the queue. An error pushed by the session engine at or after
// the time Get was called is raised; stale markers from before are
// discarded.
func (c *Client) Get() (*encoding.PublishPacket, error) {
	start := time.Now()

	for {
		entry, ok := c.in.pop()
		if !ok {
			return nil, ErrNotConnected
		}

		if entry.err != nil {
			if entry.ts.Before(start) {
				continue
			}
			return nil, entry.err
		}

		c.ackPublish(entry.publish)
		return entry.publish, nil
	}
}

// Each feeds every received PUBLISH to fn, acknowledging QoS > 0
// messages after fn returns, and loops until the session pushes an error
// or, after a disconnect, the drained queue reports ErrNotConnected
func (c *Client) Each(fn func(*encoding.PublishPacket)) error {
	start := time.Now()

	for {
		entry, ok := c.in.pop()
		if !ok {
			return ErrNotConnected
		}

		if entry.err != nil {
			if entry.ts.Before(start) {
				continue
			}
			return entry.err
		}

		fn(entry.publish)
		c.ackPublish(entry.publish)
	}
}

// ackPublish acknowledges a consumed QoS > 0 publish exactly once
func (c *Client) ackPublish(pub *encoding.PublishPacket) {
	if pub.FixedHeader.QoS == encoding.QoS0 {
		return
	}
	c.queue.push(outbound{packet: &encoding.PubackPacket{PacketID: pub.PacketID}})
}

// Flush enqueues a barrier and blocks until the writer has drained
// everything ahead of it
func (c *Client) Flush() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	barrier := make(chan struct{})
	c.queue.push(outbound{flush: barrier})
	<-barrier
	return nil
}
