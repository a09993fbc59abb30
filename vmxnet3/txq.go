package vmxnet3

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

type txQueue struct {
	sc  *Device
	id  int
	log *logrus.Entry

	lock sync.Mutex

	// Command ring. head is the next slot to produce and next the oldest
	// slot not yet reclaimed.
	descs []hw.TxDesc
	head  ringIndex
	next  int
	comp  txCompRing
	slots slotTable[*pktbuf.Packet]
	// eop records the last descriptor of the chain starting at each slot.
	eop []int

	shared  *hw.TxQueueShared
	cmdMem  *dma.Region
	compMem *dma.Region
	intrIdx int

	pending   *pendingRing
	scheduled atomic.Bool

	watchdog int
	stats    TxQueueStats

	segs []dma.Segment
	bufs [][]byte
	hdr  [offloadHdrMax]byte
}

func (sc *Device) newTxQueue(id int, shared *hw.TxQueueShared) (*txQueue, error) {
	n := sc.conf.TxDescs
	q := &txQueue{
		sc:      sc,
		id:      id,
		log:     sc.log.WithField("txq", id),
		eop:     make([]int, n),
		shared:  shared,
		pending: newPendingRing(sc.conf.PendingSize),
		segs:    make([]dma.Segment, 0, TxMaxSegs),
	}
	var err error
	if q.cmdMem, err = sc.mem.Alloc(n*hw.DescSize, hw.RingBaseAlign); err != nil {
		return nil, fmt.Errorf("allocating tx ring %d: %w", id, err)
	}
	if q.compMem, err = sc.mem.Alloc(n*hw.DescSize, hw.RingBaseAlign); err != nil {
		q.free()
		return nil, fmt.Errorf("allocating tx completion ring %d: %w", id, err)
	}
	q.descs = hw.TxDescs(q.cmdMem.Buf)
	q.head = ringIndex{n: n, gen: hw.InitGen}
	q.comp = newCompRing[hw.TxCompDesc, *hw.TxCompDesc](hw.TxCompDescs(q.compMem.Buf))
	q.slots = newSlotTable[*pktbuf.Packet](sc.mem.NewTag(TxMaxSegs, hw.MaxTxSegSize), n, false)
	return q, nil
}

func (q *txQueue) free() error {
	q.pending.flush()
	return errors.Join(q.cmdMem.Free(), q.compMem.Free())
}

func (q *txQueue) publish() {
	q.shared.CmdRing = uint64(q.cmdMem.Phys)
	q.shared.CmdRingLen = uint32(len(q.descs))
	q.shared.CompRing = uint64(q.compMem.Phys)
	q.shared.CompRingLen = uint32(len(q.comp.descs))
	q.shared.IntrIdx = uint8(q.intrIdx)
}

func (q *txQueue) avail() int { return ringAvail(q.head.idx, q.next, q.head.n) }

// init resets both rings to their initial generation.
func (q *txQueue) init() {
	q.lock.Lock()
	defer q.lock.Unlock()
	clear(q.descs)
	q.head.reset(hw.InitGen)
	q.next = 0
	q.comp.reset()
	q.shared.ClearPending()
	q.watchdog = 0
}

// stop frees every packet the device still owns. They count as dropped.
func (q *txQueue) stop() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if n := q.slots.drain(); n > 0 {
		q.stats.Dropped += uint64(n)
		q.log.WithField("packets", n).Debug("dropped in-flight packets")
	}
}

// load maps pkt into m, defragmenting it once if it has too many
// segments. If defragmenting fails the packet is freed and load returns
// nil. For any other error the caller keeps the packet.
func (q *txQueue) load(pkt *pktbuf.Packet, m *dma.Map) (*pktbuf.Packet, error) {
	q.bufs = pkt.Slices(q.bufs[:0])
	var err error
	q.segs, err = m.Load(q.segs[:0], q.bufs...)
	if !errors.Is(err, dma.ErrTooManySegments) {
		return pkt, err
	}

	if d, derr := pkt.Defrag(); derr != nil {
		err = derr
	} else {
		pkt = d
		q.bufs = pkt.Slices(q.bufs[:0])
		q.segs, err = m.Load(q.segs[:0], q.bufs...)
	}
	if err != nil {
		pkt.Free()
		q.stats.DefragFailed++
		return nil, fmt.Errorf("%w: %w", ErrDefragFailed, err)
	}
	q.stats.Defragged++
	return pkt, nil
}

// encap posts pkt to the command ring. On success the ring owns the
// packet. On failure encap returns the packet the caller still owns,
// which may be a defragmented copy of pkt, or nil if it was dropped.
// When the ring lacks room encap returns ErrRingFull and leaves every
// descriptor untouched.
func (q *txQueue) encap(pkt *pktbuf.Packet) (*pktbuf.Packet, error) {
	sop := q.head.idx
	m := q.slots.slots[sop].dmap

	pkt, err := q.load(pkt, m)
	if err != nil {
		return pkt, err
	}
	nsegs := len(q.segs)

	var start int
	if q.avail() < nsegs {
		q.stats.Full++
		m.Unload()
		return pkt, ErrRingFull
	} else if pkt.Csum&(pktbuf.CsumOffloadIPv4|pktbuf.CsumOffloadIPv6) != 0 {
		start, err = transportOffset(q.hdr[:pkt.CopyHeader(q.hdr[:])])
		if err != nil {
			q.stats.OffloadFailed++
			m.Unload()
			pkt.Free()
			return nil, err
		}
		q.stats.Offloaded++
	}

	q.slots.bind(sop, pkt)
	// The first descriptor is written in the generation the device does
	// not accept yet and handed over last.
	gen := q.head.gen ^ 1
	last := sop
	for i, s := range q.segs {
		last = q.head.idx
		f := hw.TxFields{
			Addr: uint64(s.Addr),
			Len:  uint32(s.Len),
			Gen:  gen,
		}
		if i == 0 {
			if pkt.Flags&pktbuf.FlagVLAN != 0 {
				f.VTagMode = true
				f.VTag = pkt.VLAN
			}
			if start > 0 {
				f.OffloadMode = hw.OffloadCsum
				f.HLen = uint32(start)
				f.OffloadPos = uint32(start) + uint32(pkt.CsumData)
			}
		}
		if i == nsegs-1 {
			f.EOP = true
			f.CompReq = true
		}
		q.descs[last].Store(f)
		q.head.advance()
		gen = q.head.gen
	}
	q.eop[sop] = last

	q.descs[sop].FlipGen()

	if q.shared.AddPending(uint32(nsegs)) >= q.shared.IntrThreshold() {
		q.shared.ClearPending()
		q.sc.regs.WriteBAR0(hw.TxHead(q.id), uint32(q.head.idx))
	}
	return nil, nil
}

// eof reclaims every packet the device reports complete.
func (q *txQueue) eof() {
	n := len(q.descs)
	for {
		cd, ok := q.comp.tryConsume()
		if !ok {
			break
		}
		c := cd.Load()

		sop := q.next
		eop := int(c.EOPIdx)
		if !q.slots.occupied(sop) || q.eop[sop] != eop {
			q.stats.CompMismatch++
			q.log.WithFields(logrus.Fields{
				"next": sop,
				"eop":  eop,
			}).Error("completion does not match the oldest packet")
			q.sc.requestReinit("tx completion out of order")
			break
		}

		pkt := q.slots.release(sop)
		q.stats.Packets++
		q.stats.Bytes += uint64(pkt.Len())
		if pkt.Flags&pktbuf.FlagMulticast != 0 {
			q.stats.Multicast++
		}
		pkt.Free()

		q.next = (eop + 1) % n
	}

	if q.head.idx == q.next {
		q.watchdog = 0
	}
}

// startLocked queues pkt, if any, and posts pending packets while the
// ring has room for them.
func (q *txQueue) startLocked(pkt *pktbuf.Packet) error {
	sc := q.sc
	if !sc.running.Load() || !sc.link.Load() {
		if pkt != nil {
			return q.pending.push(pkt)
		}
		return nil
	}
	if pkt != nil {
		if err := q.pending.push(pkt); err != nil {
			return err
		}
	}

	tx := 0
	for avail := q.avail(); avail >= 2; avail = q.avail() {
		p := q.pending.peek()
		if p == nil {
			break
		}
		// Assume the worst case for a chain, bounded by what an empty
		// ring can offer.
		if p.NumBufs() > 1 && avail < min(TxMaxSegs, len(q.descs)-1) {
			break
		}
		if p, err := q.encap(p); err != nil {
			if !errors.Is(err, ErrRingFull) {
				q.log.WithError(err).Debug("encap failed")
			}
			if p == nil {
				q.pending.advance()
				continue
			}
			q.pending.putback(p)
			break
		}
		q.pending.advance()
		tx++
	}

	if tx > 0 {
		q.watchdog = sc.conf.WatchdogTimeout
	}
	return nil
}

// start posts whatever is pending. It is called after reclaiming.
func (q *txQueue) start() {
	if !q.pending.empty() {
		q.startLocked(nil)
	}
}

// checkWatchdog counts one tick down and reports whether the queue has
// now been stalled for the full timeout.
func (q *txQueue) checkWatchdog() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.watchdog == 0 {
		return false
	}
	q.watchdog--
	return q.watchdog == 0
}
