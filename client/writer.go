package client

import (
	"net"

	"github.com/axmq/mqttc/encoding"
)

// writerLoop is the session's writer goroutine: it drains the send queue
// and writes each packet's serialized bytes to the stream. A flush
// barrier is acknowledged by closing its channel instead of writing. On a
// write error the packet goes back to the head of the queue, to be
// retransmitted by the next writer once the session reconnects.
func (c *Client) writerLoop(gen int64, epoch int, conn net.Conn) {
	defer c.wg.Done()

	for {
		ob, ok := c.queue.pop(epoch)
		if !ok {
			return
		}

		if ob.flush != nil {
			close(ob.flush)
			continue
		}

		data, err := encoding.EncodePacket(ob.packet)
		if err != nil {
			// A packet that cannot be serialized would fail again
			// after any reconnect; drop it
			c.cfg.Logger.Error("dropping unserializable packet", "type", ob.packet.Type(), "error", err)
			continue
		}

		if _, err := conn.Write(data); err != nil {
			c.queue.pushFront(ob)
			c.exitWorker(gen, err)
			return
		}

		c.cfg.Metrics.AddSent(1, len(data))
	}
}
