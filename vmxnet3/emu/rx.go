package emu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// RSS hash types reported in receive completions.
const (
	rssTypeIPv4    = 1
	rssTypeTCPIPv4 = 2
	rssTypeIPv6    = 3
	rssTypeTCPIPv6 = 4
)

type rxSlot struct {
	ring int
	idx  int
	addr dma.Addr
	len  int
}

// Receive delivers frame to the queue RSS selects, or queue 0 when RSS
// is off.
func (d *Device) Receive(frame []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.enabled {
		return ErrNotEnabled
	}
	m := d.classify(frame)
	q := 0
	if d.features&hw.FeatureRSS != 0 && d.rss.IndTableSize > 0 {
		if _, h := d.rssHash(&m); h != 0 {
			q = int(d.rss.IndTable[h%uint32(d.rss.IndTableSize)]) % len(d.rxq)
		}
	}
	return d.injectLocked(q, frame, &m)
}

// Inject delivers frame to receive queue q.
func (d *Device) Inject(q int, frame []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.enabled {
		return ErrNotEnabled
	}
	m := d.classify(frame)
	return d.injectLocked(q, frame, &m)
}

// classify parses frame for filtering, offload and RSS. A frame whose
// network or transport header is malformed is still delivered, with
// only its link layer fields known, so it carries no offload results.
func (d *Device) classify(frame []byte) meta {
	var m meta
	if err := m.decode(frame); err != nil {
		d.log.WithError(err).Debug("delivering frame without offload")
		m = meta{vlan: m.vlan, vtag: m.vtag}
	}
	return m
}

func (d *Device) injectLocked(qi int, frame []byte, m *meta) error {
	if qi < 0 || qi >= len(d.rxq) {
		return fmt.Errorf("%w: rx %d", ErrNoQueue, qi)
	}
	q := d.rxq[qi]
	if q.stopped {
		return ErrNotEnabled
	}
	if err := d.accept(frame, m); err != nil {
		return err
	}

	stripped := false
	if m.vlan && d.features&hw.FeatureVLAN != 0 {
		frame = append(frame[:12:12], frame[16:]...)
		stripped = true
	}
	if limit := d.mtu + 18; len(frame) > limit {
		q.stats.Errors++
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(frame), limit)
	}

	slots, err := q.reserve(len(frame), d.conf.RxSegSize)
	if err != nil {
		if errors.Is(err, ErrTooManySegs) {
			q.stats.Errors++
		} else {
			q.stats.NoBuffer++
		}
		return err
	}

	off := 0
	for _, s := range slots {
		if _, err := d.mem.WriteAt(frame[off:off+s.len], int64(s.addr)); err != nil {
			d.failRxLocked(qi, 1, err)
			return err
		}
		off += s.len
	}

	last := len(slots) - 1
	for i, s := range slots {
		c := hw.RxCompletion{
			RxdIdx: uint32(s.idx),
			QID:    hw.RxQIDForRing(qi, s.ring, len(d.rxq)),
			SOP:    i == 0,
			EOP:    i == last,
			Len:    uint32(s.len),
			Type:   hw.CompTypeRx,
			Gen:    q.cpos.gen,
		}
		if c.EOP {
			d.annotate(&c, m, stripped)
		}
		q.comp[q.cpos.idx].Store(c)
		q.cpos.advance()
	}
	countRx(&q.stats, frame)
	d.raise(int(q.shared.IntrIdx))
	return nil
}

// reserve takes the descriptors a frame of n bytes needs: a head buffer
// from ring 0, the body buffers that follow it in ring 0, then ring 1.
// Body slots in ring 0 before the next head are passed over. Nothing is
// taken unless the whole frame fits.
func (q *rxQueue) reserve(n, segSize int) ([]rxSlot, error) {
	r0, r1 := q.rings[0].next, q.rings[1].next

	for skipped := 0; ; skipped++ {
		desc := &q.rings[0].descs[r0.idx]
		if skipped == r0.n || desc.Gen() != r0.gen {
			return nil, ErrNoDescriptors
		}
		if desc.Load().BType == hw.BTypeHead {
			break
		}
		r0.advance()
	}

	var slots []rxSlot
	ring := 0
	for left := n; left > 0; {
		if len(slots) == MaxRxSegs {
			return nil, ErrTooManySegs
		}
		if ring == 0 && len(slots) > 0 {
			desc := &q.rings[0].descs[r0.idx]
			if desc.Gen() != r0.gen || desc.Load().BType != hw.BTypeBody {
				ring = 1
			}
		}
		p := &r0
		if ring == 1 {
			p = &r1
		}
		desc := &q.rings[ring].descs[p.idx]
		if desc.Gen() != p.gen {
			return nil, ErrNoDescriptors
		}
		f := desc.Load()
		l := min(int(f.Len), left)
		if segSize > 0 {
			l = min(l, segSize)
		}
		if l == 0 {
			return nil, ErrNoDescriptors
		}
		slots = append(slots, rxSlot{ring: ring, idx: p.idx, addr: dma.Addr(f.Addr), len: l})
		left -= l
		p.advance()
	}

	q.rings[0].next, q.rings[1].next = r0, r1
	return slots, nil
}

// accept applies the receive mode, the multicast list and the VLAN
// filter.
func (d *Device) accept(frame []byte, m *meta) error {
	if len(frame) < 14 {
		return fmt.Errorf("%w: runt frame", ErrFiltered)
	}
	if m.vlan && m.vtag&0xFFF != 0 {
		vid := m.vtag & 0xFFF
		if d.vlan[vid>>5]&(1<<(vid&0x1F)) == 0 {
			return fmt.Errorf("%w: vlan %d", ErrFiltered, vid)
		}
	}
	if d.rxMode&hw.RxModePromisc != 0 {
		return nil
	}
	dst := [6]byte(frame[:6])
	switch {
	case isBroadcast(frame):
		if d.rxMode&hw.RxModeBcast != 0 {
			return nil
		}
	case dst[0]&0x01 != 0:
		if d.rxMode&hw.RxModeAllMulti != 0 {
			return nil
		}
		if d.rxMode&hw.RxModeMcast != 0 {
			for _, a := range d.mcast {
				if a == dst {
					return nil
				}
			}
		}
	default:
		if d.rxMode&hw.RxModeUcast != 0 && dst == d.mac {
			return nil
		}
	}
	return fmt.Errorf("%w: destination %x", ErrFiltered, dst)
}

// annotate fills in the offload results of the last completion of a
// frame.
func (d *Device) annotate(c *hw.RxCompletion, m *meta, stripped bool) {
	if stripped {
		c.VLAN, c.VTag = true, m.vtag
	}
	if d.features&hw.FeatureCsum == 0 || !(m.ipv4 || m.ipv6) {
		c.NoCsum = true
	} else {
		c.IPv4, c.IPv6 = m.ipv4, m.ipv6
		c.IPCsumOK = m.ipCsumOK()
		c.Fragment = m.fragment
		c.TCP, c.UDP = m.tcp, m.udp
		if m.tcp || m.udp {
			c.CsumOK = m.l4CsumOK()
		}
	}
	if d.features&hw.FeatureRSS != 0 {
		c.RSSType, c.RSSHash = d.rssHash(m)
	}
}

func (d *Device) rssHash(m *meta) (uint32, uint32) {
	rss := &d.rss
	key := rss.HashKey[:min(int(rss.HashKeySize), len(rss.HashKey))]
	var input []byte
	var typ uint32
	switch {
	case m.ipv4 && m.tcp && rss.HashType&hw.RSSHashTypeTCPIPv4 != 0:
		typ = rssTypeTCPIPv4
	case m.ipv4 && rss.HashType&hw.RSSHashTypeIPv4 != 0:
		typ = rssTypeIPv4
	case m.ipv6 && m.tcp && rss.HashType&hw.RSSHashTypeTCPIPv6 != 0:
		typ = rssTypeTCPIPv6
	case m.ipv6 && rss.HashType&hw.RSSHashTypeIPv6 != 0:
		typ = rssTypeIPv6
	default:
		return 0, 0
	}
	input = append(input, m.src...)
	input = append(input, m.dst...)
	if typ == rssTypeTCPIPv4 || typ == rssTypeTCPIPv6 {
		input = binary.BigEndian.AppendUint16(input, uint16(m.tcpL.SrcPort))
		input = binary.BigEndian.AppendUint16(input, uint16(m.tcpL.DstPort))
	}
	return typ, toeplitz(key, input)
}

// toeplitz computes the Toeplitz hash of input under key.
func toeplitz(key, input []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	var h uint32
	v := binary.BigEndian.Uint32(key)
	for i, b := range input {
		for j := range 8 {
			if b&(0x80>>j) != 0 {
				h ^= v
			}
			v <<= 1
			if k := i + 4; k < len(key) && key[k]&(0x80>>j) != 0 {
				v |= 1
			}
		}
	}
	return h
}

func countRx(s *hw.UPT1RxStats, frame []byte) {
	n := uint64(len(frame))
	switch {
	case isBroadcast(frame):
		s.BcastPackets++
		s.BcastBytes += n
	case frame[0]&0x01 != 0:
		s.McastPackets++
		s.McastBytes += n
	default:
		s.UcastPackets++
		s.UcastBytes += n
	}
}

func isBroadcast(frame []byte) bool {
	if len(frame) < 6 {
		return false
	}
	for _, b := range frame[:6] {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (d *Device) failRxLocked(qi int, code uint32, err error) {
	q := d.rxq[qi]
	q.stopped, q.errCode = true, code
	q.stats.Errors++
	d.log.WithError(err).WithField("rxq", qi).Warn("rx queue stopped")
	d.raiseEventLocked(hw.EventRxQueueError)
}
