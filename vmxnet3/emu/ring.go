package emu

import (
	"fmt"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// pos is the device's position in a ring: the next slot it reads or
// writes and the generation that slot must carry.
type pos struct {
	n   int
	idx int
	gen uint32
}

func newPos(n int) pos { return pos{n: n, gen: hw.InitGen} }

func (p *pos) advance() {
	if p.idx++; p.idx == p.n {
		p.idx = 0
		p.gen ^= 1
	}
}

// genAt is the generation the device expects in slot idx on its current
// pass.
func (p *pos) genAt(idx int) uint32 {
	if idx < p.idx {
		return p.gen ^ 1
	}
	return p.gen
}

type txQueue struct {
	shared *hw.TxQueueShared
	descs  []hw.TxDesc
	next   pos
	comp   []hw.TxCompDesc
	cpos   pos

	head      uint32
	doorbells uint64
	stopped   bool
	errCode   uint32
	stats     hw.UPT1TxStats
}

type rxRing struct {
	descs []hw.RxDesc
	next  pos
}

type rxQueue struct {
	shared *hw.RxQueueShared
	rings  [2]rxRing
	comp   []hw.RxCompDesc
	cpos   pos

	stopped bool
	errCode uint32
	stats   hw.UPT1RxStats
}

func (d *Device) ring(pa uint64, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ring of %d descriptors", n)
	}
	if pa%hw.RingBaseAlign != 0 {
		return nil, fmt.Errorf("ring at %#x is not aligned", pa)
	}
	return d.mem.Translate(dma.Addr(pa), n*hw.DescSize)
}

func (d *Device) newTxQueue(s *hw.TxQueueShared) (*txQueue, error) {
	cmd, err := d.ring(s.CmdRing, int(s.CmdRingLen))
	if err != nil {
		return nil, err
	}
	comp, err := d.ring(s.CompRing, int(s.CompRingLen))
	if err != nil {
		return nil, err
	}
	q := &txQueue{
		shared: s,
		descs:  hw.TxDescs(cmd),
		comp:   hw.TxCompDescs(comp),
	}
	q.next = newPos(len(q.descs))
	q.cpos = newPos(len(q.comp))
	return q, nil
}

func (d *Device) newRxQueue(s *hw.RxQueueShared) (*rxQueue, error) {
	q := &rxQueue{shared: s}
	for i := range q.rings {
		b, err := d.ring(s.CmdRing[i], int(s.CmdRingLen[i]))
		if err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		q.rings[i].descs = hw.RxDescs(b)
		q.rings[i].next = newPos(len(q.rings[i].descs))
	}
	comp, err := d.ring(s.CompRing, int(s.CompRingLen))
	if err != nil {
		return nil, err
	}
	q.comp = hw.RxCompDescs(comp)
	q.cpos = newPos(len(q.comp))
	return q, nil
}
