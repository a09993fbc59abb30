package vmxnet3

import (
	"context"
	"sync/atomic"

	"github.com/romshark/vmxnet3-go/pktbuf"
)

// pendingRing holds packets accepted for a transmit queue but not yet
// posted. Any goroutine may push. Only the holder of the queue lock
// peeks, advances or puts back.
type pendingRing struct {
	ch   chan *pktbuf.Packet
	head *pktbuf.Packet
	// full counts pushes refused because the ring was full.
	full atomic.Uint64
}

func newPendingRing(size int) *pendingRing {
	return &pendingRing{ch: make(chan *pktbuf.Packet, size)}
}

func (r *pendingRing) push(pkt *pktbuf.Packet) error {
	select {
	case r.ch <- pkt:
		return nil
	default:
		r.full.Add(1)
		return ErrQueueFull
	}
}

// peek returns the oldest packet without removing it.
func (r *pendingRing) peek() *pktbuf.Packet {
	if r.head == nil {
		select {
		case r.head = <-r.ch:
		default:
		}
	}
	return r.head
}

// advance removes the packet last returned by peek.
func (r *pendingRing) advance() { r.head = nil }

// putback replaces the packet last returned by peek.
func (r *pendingRing) putback(pkt *pktbuf.Packet) { r.head = pkt }

func (r *pendingRing) empty() bool { return r.head == nil && len(r.ch) == 0 }

func (r *pendingRing) len() int {
	n := len(r.ch)
	if r.head != nil {
		n++
	}
	return n
}

// flush frees every pending packet and returns how many there were.
func (r *pendingRing) flush() int {
	n := 0
	for p := r.peek(); p != nil; p = r.peek() {
		p.Free()
		r.advance()
		n++
	}
	return n
}

// Transmit hands pkt to one of the transmit queues. A nil error means
// the device owns the packet: it was posted, queued for a later attempt
// or dropped and counted. On ErrQueueFull and ErrEmptyPacket the caller
// keeps the packet.
func (sc *Device) Transmit(pkt *pktbuf.Packet) error {
	if sc.detached.Load() {
		return ErrDetached
	}
	if pkt.Len() == 0 {
		return ErrEmptyPacket
	}
	q := sc.txq[sc.selectQueue(pkt)]
	if q.lock.TryLock() {
		err := q.startLocked(pkt)
		q.lock.Unlock()
		return err
	}
	if err := q.pending.push(pkt); err != nil {
		return err
	}
	q.schedule()
	return nil
}

// selectQueue maps a flow to a queue so a flow's packets stay in order.
// Packets without a flow hash are spread round robin.
func (sc *Device) selectQueue(pkt *pktbuf.Packet) int {
	n := len(sc.txq)
	if n == 1 {
		return 0
	}
	if pkt.Flags&pktbuf.FlagFlowHash != 0 {
		return int(pkt.FlowHash % uint32(n))
	}
	return int(sc.txRotor.Add(1) % uint32(n))
}

// schedule asks a transmit worker to drain the queue's pending ring.
func (q *txQueue) schedule() {
	if !q.scheduled.CompareAndSwap(false, true) {
		return
	}
	select {
	case q.sc.txTasks <- q:
	default:
		q.scheduled.Store(false)
	}
}

// txWorker drains queues whose pending ring was filled while another
// goroutine held the queue lock.
func (sc *Device) txWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-sc.txTasks:
			q.scheduled.Store(false)
			q.lock.Lock()
			q.start()
			q.lock.Unlock()
		}
	}
}

// Flush frees every packet waiting in the pending rings.
func (sc *Device) Flush() int {
	n := 0
	for _, q := range sc.txq {
		q.lock.Lock()
		n += q.pending.flush()
		q.lock.Unlock()
	}
	return n
}
