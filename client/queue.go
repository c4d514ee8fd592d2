package client

import (
	"sync"
	"time"

	"github.com/axmq/mqttc/encoding"
)

// outbound is one entry of the write queue: either a packet to serialize
// onto the wire, or a flush barrier the writer acknowledges by closing
// the channel instead of writing.
type outbound struct {
	packet encoding.Packet
	flush  chan struct{}
}

// sendQueue is the multi-producer single-consumer FIFO feeding the writer.
// The epoch counter retires a writer generation: a pop from a previous
// epoch returns false while the queued items survive for the next writer,
// which is how packets re-enqueued after a write error get retransmitted
// once the session reconnects.
type sendQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []outbound
	epoch int
}

func newSendQueue() *sendQueue {
	q := &sendQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) push(o outbound) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
	q.cond.Signal()
}

// pushFront re-enqueues a packet at the head of the queue so it is the
// first thing written after a reconnect
func (q *sendQueue) pushFront(o outbound) {
	q.mu.Lock()
	q.items = append([]outbound{o}, q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available or the epoch moves on. The second
// return value is false when the calling writer should exit.
func (q *sendQueue) pop(epoch int) (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && q.epoch == epoch {
		q.cond.Wait()
	}

	if q.epoch != epoch {
		return outbound{}, false
	}

	o := q.items[0]
	q.items = q.items[1:]
	return o, true
}

// currentEpoch returns the epoch a newly spawned writer should pop with
func (q *sendQueue) currentEpoch() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// bump retires the current writer while keeping the queued items for the
// writer of the next session
func (q *sendQueue) bump() {
	q.mu.Lock()
	q.epoch++
	q.mu.Unlock()
	q.cond.Broadcast()
}

// reset retires the current writer and drops all queued items, releasing
// any flush barriers so their waiters do not hang
func (q *sendQueue) reset() {
	q.mu.Lock()
	q.epoch++
	items := q.items
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, o := range items {
		if o.flush != nil {
			close(o.flush)
		}
	}
}

// readEntry is one entry of the read queue: a received PUBLISH, or an
// error marker tagged with the time it was pushed
type readEntry struct {
	publish *encoding.PublishPacket
	err     error
	ts      time.Time
}

// inbox is the multi-producer FIFO of received publishes and error
// markers consumed by Get and Each
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []readEntry
	closed bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) push(e readEntry) {
	in.mu.Lock()
	in.items = append(in.items, e)
	in.mu.Unlock()
	in.cond.Signal()
}

// pop blocks until an entry is available. Entries pushed before close are
// still drained; only an empty closed inbox reports false.
func (in *inbox) pop() (readEntry, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for len(in.items) == 0 && !in.closed {
		in.cond.Wait()
	}

	if len(in.items) == 0 {
		return readEntry{}, false
	}

	e := in.items[0]
	in.items = in.items[1:]
	return e, true
}

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.cond.Broadcast()
}

func (in *inbox) reopen() {
	in.mu.Lock()
	in.closed = false
	in.mu.Unlock()
}
