package vmxnet3

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// rxRing is one receive command ring. fill is the next slot to refill,
// which is also the next slot the device is expected to complete.
type rxRing struct {
	id    int
	descs []hw.RxDesc
	fill  ringIndex
	slots slotTable[*pktbuf.Buf]
	mem   *dma.Region
}

type rxQueue struct {
	sc  *Device
	id  int
	log *logrus.Entry

	lock sync.Mutex

	rings   [rxRingCount]rxRing
	comp    rxCompRing
	compMem *dma.Region
	shared  *hw.RxQueueShared
	intrIdx int

	// maxChain is the number of ring 0 slots a frame starts every.
	maxChain int
	// head is the frame being reassembled across calls to eof.
	head *pktbuf.Packet

	stats RxQueueStats
	segs  []dma.Segment
}

func (sc *Device) newRxQueue(id int, shared *hw.RxQueueShared) (*rxQueue, error) {
	n := sc.conf.RxDescs
	q := &rxQueue{
		sc:       sc,
		id:       id,
		log:      sc.log.WithField("rxq", id),
		shared:   shared,
		maxChain: 1,
		segs:     make([]dma.Segment, 0, 1),
	}
	tag := sc.mem.NewTag(1, pktbuf.PageClusterSize)
	for i := range q.rings {
		r := &q.rings[i]
		r.id = i
		mem, err := sc.mem.Alloc(n*hw.DescSize, hw.RingBaseAlign)
		if err != nil {
			q.free()
			return nil, fmt.Errorf("allocating rx ring %d/%d: %w", id, i, err)
		}
		r.mem = mem
		r.descs = hw.RxDescs(mem.Buf)
		r.fill = ringIndex{n: n, gen: hw.InitGen}
		r.slots = newSlotTable[*pktbuf.Buf](tag, n, true)
	}
	var err error
	if q.compMem, err = sc.mem.Alloc(rxRingCount*n*hw.DescSize, hw.RingBaseAlign); err != nil {
		q.free()
		return nil, fmt.Errorf("allocating rx completion ring %d: %w", id, err)
	}
	q.comp = newCompRing[hw.RxCompDesc, *hw.RxCompDesc](hw.RxCompDescs(q.compMem.Buf))
	return q, nil
}

func (q *rxQueue) free() error {
	var errs []error
	for i := range q.rings {
		errs = append(errs, q.rings[i].mem.Free())
	}
	errs = append(errs, q.compMem.Free())
	return errors.Join(errs...)
}

func (q *rxQueue) publish() {
	for i := range q.rings {
		q.shared.CmdRing[i] = uint64(q.rings[i].mem.Phys)
		q.shared.CmdRingLen[i] = uint32(len(q.rings[i].descs))
	}
	q.shared.CompRing = uint64(q.compMem.Phys)
	q.shared.CompRingLen = uint32(len(q.comp.descs))
	q.shared.IntrIdx = uint8(q.intrIdx)
}

// frameSize is the buffer space a frame of the given MTU needs.
func frameSize(mtu int) int { return etherAlign + etherVLANHdrLen + mtu }

// init sizes the chains for mtu and posts a buffer in every slot of the
// rings the chains use. An unused ring is left empty in generation 0 so
// the device never takes a slot from it.
func (q *rxQueue) init(mtu int) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	frame := frameSize(mtu)
	q.maxChain = 1
	if frame > pktbuf.ClusterSize {
		q.maxChain = 2
	}
	populate := 1
	if frame > pktbuf.ClusterSize+pktbuf.PageClusterSize {
		populate = rxRingCount
	}

	for i := range q.rings {
		r := &q.rings[i]
		clear(r.descs)
		if i >= populate {
			r.fill.reset(0)
			continue
		}
		r.fill.reset(hw.InitGen)
		for range r.descs {
			if _, err := q.newbuf(r); err != nil {
				return fmt.Errorf("populating ring %d: %w", i, err)
			}
		}
	}
	q.comp.reset()
	return nil
}

// stop frees every posted buffer and the partially assembled frame.
func (q *rxQueue) stop() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head != nil {
		q.head.Free()
		q.head = nil
	}
	for i := range q.rings {
		q.rings[i].slots.drain()
	}
}

// newbuf posts a fresh buffer in the fill slot of r and returns the
// buffer the slot held before. If no buffer can be allocated or mapped
// the slot is left as it was.
func (q *rxQueue) newbuf(r *rxRing) (*pktbuf.Buf, error) {
	idx := r.fill.idx
	class, btype := pktbuf.ClassPage, hw.BTypeBody
	if r.id == 0 && idx%q.maxChain == 0 {
		class, btype = pktbuf.ClassCluster, hw.BTypeHead
	}

	b, err := q.sc.pool.Get(class)
	if err != nil {
		q.stats.AllocFailed++
		return nil, fmt.Errorf("%w: %w", ErrNoBuffers, err)
	}
	if btype == hw.BTypeHead {
		b.Adj(etherAlign)
	}
	q.segs, err = r.slots.spare.Load(q.segs[:0], b.Bytes())
	if err != nil {
		b.Free()
		q.stats.LoadFailed++
		return nil, fmt.Errorf("%w: %w", ErrNoBuffers, err)
	}

	old := r.slots.replace(idx, b)
	r.descs[idx].Store(hw.RxFields{
		Addr:  uint64(q.segs[0].Addr),
		Len:   uint32(q.segs[0].Len),
		BType: btype,
		Gen:   r.fill.gen,
	})
	r.fill.advance()
	return old, nil
}

// discard hands slot idx back to the device with the buffer it already
// holds.
func (q *rxQueue) discard(r *rxRing, idx int) {
	r.descs[idx].SetGen(r.fill.gen)
	r.fill.advance()
}

// discardChain consumes completions up to the end of the current frame,
// handing every slot back unchanged.
func (q *rxQueue) discardChain() {
	for {
		cd, ok := q.comp.tryConsume()
		if !ok {
			return
		}
		c := cd.Load()
		r, idx, err := q.ring(&c)
		if err != nil {
			q.inconsistent(err)
			return
		}
		q.discard(r, idx)
		if c.EOP {
			return
		}
	}
}

// ring resolves the command ring and slot a completion refers to.
func (q *rxQueue) ring(c *hw.RxCompletion) (*rxRing, int, error) {
	queue, rid, ok := hw.RxRingForQID(c.QID, len(q.sc.rxq))
	if !ok || queue != q.id {
		return nil, 0, fmt.Errorf("completion for queue id %d on queue %d", c.QID, q.id)
	}
	r := &q.rings[rid]
	idx := int(c.RxdIdx)
	if idx >= len(r.descs) {
		return nil, 0, fmt.Errorf("completion for slot %d of ring %d/%d", idx, q.id, rid)
	}
	return r, idx, nil
}

func (q *rxQueue) inconsistent(err error) {
	q.stats.InputErrors++
	q.log.WithError(err).Error("bad receive completion")
	q.sc.requestReinit("rx completion inconsistent")
}

// dropFrame abandons the frame in progress including the rest of its
// chain still owned by the device.
func (q *rxQueue) dropFrame(c *hw.RxCompletion) {
	if q.head != nil {
		q.head.Free()
		q.head = nil
	}
	if !c.EOP {
		q.discardChain()
	}
}

// eof processes receive completions until the ring has none left.
func (q *rxQueue) eof() {
	if !q.sc.running.Load() {
		return
	}
	for {
		cd, ok := q.comp.tryConsume()
		if !ok {
			return
		}
		c := cd.Load()
		r, idx, err := q.ring(&c)
		if err != nil {
			q.inconsistent(err)
			return
		}

		// The device may skip slots. Hand them back and catch up.
		for r.fill.idx != idx {
			r.descs[r.fill.idx].SetGen(r.fill.gen)
			r.fill.advance()
			q.stats.Skipped++
		}

		if q.completion(&c, r, idx) && !q.sc.running.Load() {
			return
		}

		if q.shared.UpdateRxProd != 0 {
			q.sc.regs.WriteBAR0(hw.RxHead(q.id, r.id), uint32((idx+1)%len(r.descs)))
		}
	}
}

// completion applies one completion to the frame being assembled and
// reports whether it delivered a frame.
func (q *rxQueue) completion(c *hw.RxCompletion, r *rxRing, idx int) bool {
	if c.SOP {
		if q.head != nil {
			// The previous frame never ended.
			q.stats.InputErrors++
			q.head.Free()
			q.head = nil
		}
		if c.Len == 0 {
			q.discard(r, idx)
			return false
		}
		if r.id != 0 || idx%q.maxChain != 0 {
			q.inconsistent(fmt.Errorf("frame starts in slot %d of ring %d", idx, r.id))
			q.discard(r, idx)
			q.dropFrame(c)
			return false
		}
	} else if q.head == nil {
		// The rest of a frame already dropped while this slot was still
		// owned by the device.
		q.discard(r, idx)
		q.dropFrame(c)
		return false
	}

	m, err := q.newbuf(r)
	if err != nil {
		q.stats.InputDrops++
		q.discard(r, idx)
		q.dropFrame(c)
		return false
	}
	if int(c.Len) > m.Cap() {
		m.Free()
		q.inconsistent(fmt.Errorf("length %d exceeds buffer of %d", c.Len, m.Cap()))
		q.dropFrame(c)
		return false
	}
	m.SetLen(int(c.Len))
	if c.SOP {
		q.head = pktbuf.NewPacket(m)
	} else {
		q.head.Append(m)
	}

	if !c.EOP {
		return false
	}
	pkt := q.head
	q.head = nil
	q.input(c, pkt)
	return true
}

func rxCsum(c *hw.RxCompletion, pkt *pktbuf.Packet) {
	if c.IPv4 {
		pkt.Csum |= pktbuf.CsumIPChecked
		if c.IPCsumOK {
			pkt.Csum |= pktbuf.CsumIPValid
		}
	}
	if !c.Fragment && c.CsumOK && (c.TCP || c.UDP) {
		pkt.Csum |= pktbuf.CsumDataValid | pktbuf.CsumPseudoHdr
		pkt.CsumData = rxCsumVerified
	}
}

// input annotates a complete frame and passes it up with the queue lock
// released.
func (q *rxQueue) input(c *hw.RxCompletion, pkt *pktbuf.Packet) {
	if c.Error {
		q.stats.InputErrors++
		pkt.Free()
		return
	}
	if !c.NoCsum {
		rxCsum(c, pkt)
	}
	if c.VLAN {
		pkt.Flags |= pktbuf.FlagVLAN
		pkt.VLAN = c.VTag
	}
	if c.RSSType != 0 {
		pkt.Flags |= pktbuf.FlagFlowHash
		pkt.FlowHash = c.RSSHash
	}
	if h := pkt.Bufs()[0].Bytes(); len(h) > 0 && h[0]&0x01 != 0 {
		if isBroadcast(h) {
			pkt.Flags |= pktbuf.FlagBroadcast
		} else {
			pkt.Flags |= pktbuf.FlagMulticast
		}
	}
	pkt.Queue = q.id

	q.stats.Packets++
	q.stats.Bytes += uint64(pkt.Len())

	q.lock.Unlock()
	q.sc.input(pkt)
	q.lock.Lock()
}

func isBroadcast(h []byte) bool {
	if len(h) < etherAddrLen {
		return false
	}
	for _, b := range h[:etherAddrLen] {
		if b != 0xFF {
			return false
		}
	}
	return true
}
