package client

import (
	"sort"
	"time"

	"github.com/axmq/mqttc/encoding"
)

// Publish sends payload to a single topic. QoS 0 returns once the packet
// is enqueued; QoS 1 and 2 block until a PUBACK with the packet id
// arrives (or the resend limit is exhausted, or the session closes). The
// QoS 2 PUBREC/PUBREL/PUBCOMP exchange is not performed: a PUBREC is
// ignored, so a QoS 2 publish completes only on a PUBACK.
// Inside a BatchPublish scope, QoS > 0 publishes are buffered and flushed
// together at the end of the scope.
func (c *Client) Publish(topic string, payload []byte, retain bool, qos encoding.QoS) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	return c.PublishMap(map[string][]byte{topic: payload}, retain, qos)
}

// PublishMap publishes a payload per topic, all with the same retain flag
// and QoS. For QoS > 0 every acknowledgement is awaited before returning.
func (c *Client) PublishMap(messages map[string][]byte, retain bool, qos encoding.QoS) error {
	if len(messages) == 0 {
		return ErrNoTopics
	}
	for topic := range messages {
		if topic == "" {
			return ErrEmptyTopic
		}
	}
	if !qos.IsValid() {
		return encoding.ErrInvalidQoS
	}

	if qos > encoding.QoS0 && c.bufferInBatch(messages, retain, qos) {
		return nil
	}

	if !c.connected.Load() {
		return ErrNotConnected
	}

	return c.publishSet(messages, retain, qos)
}

// publishSet enqueues one PUBLISH per topic and, for QoS > 0, waits for
// every acknowledgement
func (c *Client) publishSet(messages map[string][]byte, retain bool, qos encoding.QoS) error {
	topics := sortedTopics(messages)

	if qos == encoding.QoS0 {
		for _, topic := range topics {
			pub := &encoding.PublishPacket{
				FixedHeader: encoding.FixedHeader{QoS: qos, Retain: retain},
				TopicName:   topic,
				Payload:     messages[topic],
			}
			c.queue.push(outbound{packet: pub})
		}
		return nil
	}

	slots := make([]*pendingAck, 0, len(topics))
	for _, topic := range topics {
		ack, wasEmpty := c.acks.register(time.Now().Add(c.cfg.ackTimeout()), func(id uint16) encoding.Packet {
			return &encoding.PublishPacket{
				FixedHeader: encoding.FixedHeader{QoS: qos, Retain: retain},
				TopicName:   topic,
				PacketID:    id,
				Payload:     messages[topic],
			}
		})
		if wasEmpty {
			c.wake()
		}
		c.queue.push(outbound{packet: ack.packet})
		slots = append(slots, ack)
	}
	c.cfg.Metrics.SetPendingAcks(c.acks.len())

	var firstErr error
	for _, ack := range slots {
		if err := c.waitAck(ack); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BatchPublish runs fn with batching active: every QoS > 0 publish inside
// the scope is buffered, keyed by (retain, qos), and flushed as one
// publish set per key when the outermost scope ends, so their
// acknowledgements are awaited as a batch. Nested scopes collapse into
// the outermost.
func (c *Client) BatchPublish(fn func() error) error {
	c.batchMu.Lock()
	c.batchDepth++
	if c.batch == nil {
		c.batch = make(map[batchKey]map[string][]byte)
	}
	c.batchMu.Unlock()

	err := fn()

	c.batchMu.Lock()
	c.batchDepth--
	var flush map[batchKey]map[string][]byte
	if c.batchDepth == 0 {
		flush = c.batch
		c.batch = nil
	}
	c.batchMu.Unlock()

	for key, messages := range flush {
		if !c.connected.Load() {
			if err == nil {
				err = ErrNotConnected
			}
			break
		}
		if flushErr := c.publishSet(messages, key.retain, key.qos); flushErr != nil && err == nil {
			err = flushErr
		}
	}

	return err
}

// bufferInBatch adds messages to the active batch accumulator, if any
func (c *Client) bufferInBatch(messages map[string][]byte, retain bool, qos encoding.QoS) bool {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	if c.batch == nil {
		return false
	}

	key := batchKey{retain: retain, qos: qos}
	buffered := c.batch[key]
	if buffered == nil {
		buffered = make(map[string][]byte)
		c.batch[key] = buffered
	}
	for topic, payload := range messages {
		buffered[topic] = payload
	}

	return true
}

// Subscribe subscribes to the given topic filters with their requested
// QoS levels. Filters are transmitted in lexical order. When waitForAck
// is set the call blocks until the SUBACK arrives.
func (c *Client) Subscribe(filters map[string]encoding.QoS, waitForAck bool) error {
	if len(filters) == 0 {
		return ErrNoTopics
	}

	subs := make([]encoding.Subscription, 0, len(filters))
	for filter, qos := range filters {
		if filter == "" {
			return ErrEmptyTopic
		}
		subs = append(subs, encoding.Subscription{TopicFilter: filter, QoS: qos})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].TopicFilter < subs[j].TopicFilter })

	if !c.connected.Load() {
		return ErrNotConnected
	}

	ack, wasEmpty := c.acks.register(time.Now().Add(c.cfg.ackTimeout()), func(id uint16) encoding.Packet {
		return &encoding.SubscribePacket{PacketID: id, Subscriptions: subs}
	})
	if wasEmpty {
		c.wake()
	}
	c.queue.push(outbound{packet: ack.packet})
	c.cfg.Metrics.SetPendingAcks(c.acks.len())

	if !waitForAck {
		return nil
	}
	return c.waitAck(ack)
}

// SubscribeTopics subscribes to the given filters at QoS 0 without
// waiting for the acknowledgement
func (c *Client) SubscribeTopics(filters ...string) error {
	m := make(map[string]encoding.QoS, len(filters))
	for _, filter := range filters {
		m[filter] = encoding.QoS0
	}
	return c.Subscribe(m, false)
}

// Unsubscribe removes subscriptions for the given topic filters. When
// waitForAck is set the call blocks until the UNSUBACK arrives.
func (c *Client) Unsubscribe(waitForAck bool, filters ...string) error {
	if len(filters) == 0 {
		return ErrNoTopics
	}
	for _, filter := range filters {
		if filter == "" {
			return ErrEmptyTopic
		}
	}

	if !c.connected.Load() {
		return ErrNotConnected
	}

	ack, wasEmpty := c.acks.register(time.Now().Add(c.cfg.ackTimeout()), func(id uint16) encoding.Packet {
		return &encoding.UnsubscribePacket{PacketID: id, TopicFilters: filters}
	})
	if wasEmpty {
		c.wake()
	}
	c.queue.push(outbound{packet: ack.packet})
	c.cfg.Metrics.SetPendingAcks(c.acks.len())

	if !waitForAck {
		return nil
	}
	return c.waitAck(ack)
}

// waitAck blocks on an acknowledgement slot
func (c *Client) waitAck(ack *pendingAck) error {
	res := <-ack.ch
	return res.err
}

func sortedTopics(messages map[string][]byte) []string {
	topics := make([]string, 0, len(messages))
	for topic := range messages {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
