package client

import (
	"container/list"
	"sync"
	"time"

	"github.com/axmq/mqttc/encoding"
)

// ackResult is delivered on a pending ack's channel: the matching
// acknowledgement packet on success, or the terminal error.
type ackResult struct {
	packet encoding.Packet
	err    error
}

// pendingAck tracks one in-flight packet awaiting acknowledgement
type pendingAck struct {
	packet    encoding.Packet
	ch        chan ackResult
	deadline  time.Time
	sendCount int
}

type pendingEntry struct {
	id  uint16
	ack *pendingAck
}

// ackTracker is the insertion-ordered map of packet id to pending ack.
// Iteration order equals transmission order, so the head entry always
// carries the earliest deadline; a retransmitted entry moves to the back,
// which is where its new transmission belongs.
type ackTracker struct {
	mu     sync.Mutex
	order  *list.List // of *pendingEntry
	byID   map[uint16]*list.Element
	lastID uint16
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		order: list.New(),
		byID:  make(map[uint16]*list.Element),
	}
}

// register allocates a fresh packet id, invokes build to produce the
// packet carrying it and inserts the pending entry at the back of the
// order. The second return value is true when the tracker was empty
// before the insert, which is the reader's cue to recompute its timeout.
func (t *ackTracker) register(deadline time.Time, build func(id uint16) encoding.Packet) (*pendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasEmpty := t.order.Len() == 0
	id := t.allocateID()

	ack := &pendingAck{
		packet:    build(id),
		ch:        make(chan ackResult, 1),
		deadline:  deadline,
		sendCount: 1,
	}

	t.byID[id] = t.order.PushBack(&pendingEntry{id: id, ack: ack})

	return ack, wasEmpty
}

// allocateID returns the next free packet id. Ids wrap from 0xFFFF back
// to 1 and never land on 0, and an id still awaiting its acknowledgement
// is skipped. Must be called with the lock held.
func (t *ackTracker) allocateID() uint16 {
	for {
		t.lastID++
		if t.lastID == 0 {
			t.lastID = 1
		}
		if _, inFlight := t.byID[t.lastID]; !inFlight {
			return t.lastID
		}
	}
}

// complete removes the entry for id and delivers the acknowledgement to
// its waiter. Unknown ids report false and are ignored by the caller.
func (t *ackTracker) complete(id uint16, ackPacket encoding.Packet) bool {
	t.mu.Lock()
	elem, ok := t.byID[id]
	if ok {
		t.order.Remove(elem)
		delete(t.byID, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	elem.Value.(*pendingEntry).ack.ch <- ackResult{packet: ackPacket}
	return true
}

// expire walks the pending entries in order and handles every entry whose
// deadline has passed: entries over the resend limit are removed and
// failed, the rest get a fresh deadline, the duplicate flag on PUBLISH
// packets, and a slot in the returned retransmission list. The walk stops
// at the first entry that has not expired.
func (t *ackTracker) expire(now time.Time, ackTimeout time.Duration, resendLimit int) []encoding.Packet {
	t.mu.Lock()

	var resend []encoding.Packet
	var failed []*pendingAck

	for elem := t.order.Front(); elem != nil; {
		entry := elem.Value.(*pendingEntry)
		if entry.ack.deadline.After(now) {
			break
		}

		next := elem.Next()
		entry.ack.sendCount++

		if entry.ack.sendCount > resendLimit {
			t.order.Remove(elem)
			delete(t.byID, entry.id)
			failed = append(failed, entry.ack)
		} else {
			entry.ack.deadline = now.Add(ackTimeout)
			if pub, ok := entry.ack.packet.(*encoding.PublishPacket); ok {
				pub.FixedHeader.DUP = true
			}
			t.order.MoveToBack(elem)
			resend = append(resend, entry.ack.packet)
		}

		elem = next
	}

	t.mu.Unlock()

	for _, ack := range failed {
		ack.ch <- ackResult{err: ErrResendLimitExceeded}
	}

	return resend
}

// headDeadline returns the earliest pending deadline, if any
func (t *ackTracker) headDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	front := t.order.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.Value.(*pendingEntry).ack.deadline, true
}

// failAll removes every pending entry and delivers err to its waiter
func (t *ackTracker) failAll(err error) {
	t.mu.Lock()
	var acks []*pendingAck
	for elem := t.order.Front(); elem != nil; elem = elem.Next() {
		acks = append(acks, elem.Value.(*pendingEntry).ack)
	}
	t.order.Init()
	t.byID = make(map[uint16]*list.Element)
	t.mu.Unlock()

	for _, ack := range acks {
		ack.ch <- ackResult{err: err}
	}
}

func (t *ackTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
