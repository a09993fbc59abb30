package vmxnet3

import "github.com/romshark/vmxnet3-go/vmxnet3/hw"

// Descriptor generation words are read and written with sync/atomic by
// both sides. A generation store therefore publishes every field written
// before it, and a generation load that matches makes every field the
// device wrote before it visible. These are the only fences the rings
// need.

// ringIndex is a position in a ring of n slots together with the
// generation that position is currently producing or expecting.
type ringIndex struct {
	n   int
	idx int
	gen uint32
}

func (r *ringIndex) reset(gen uint32) {
	r.idx = 0
	r.gen = gen
}

// advance moves to the next slot, flipping the generation on wrap.
func (r *ringIndex) advance() {
	if r.idx++; r.idx == r.n {
		r.idx = 0
		r.gen ^= 1
	}
}

type genDesc[D any] interface {
	*D
	Gen() uint32
}

// compRing is the consumer side of a ring the device writes.
type compRing[D any, P genDesc[D]] struct {
	descs []D
	ringIndex
}

func newCompRing[D any, P genDesc[D]](descs []D) compRing[D, P] {
	return compRing[D, P]{
		descs:     descs,
		ringIndex: ringIndex{n: len(descs), gen: hw.InitGen},
	}
}

func (c *compRing[D, P]) reset() {
	clear(c.descs)
	c.ringIndex.reset(hw.InitGen)
}

// tryConsume returns the completion at the read position if the device
// has written it in the current generation, and moves past it.
func (c *compRing[D, P]) tryConsume() (P, bool) {
	d := P(&c.descs[c.idx])
	if d.Gen() != c.gen {
		return nil, false
	}
	c.advance()
	return d, true
}

type (
	txCompRing = compRing[hw.TxCompDesc, *hw.TxCompDesc]
	rxCompRing = compRing[hw.RxCompDesc, *hw.RxCompDesc]
)

// ringAvail returns the free slots between the producer at head and the
// oldest unreclaimed slot next. One slot always stays empty so a full
// ring is distinguishable from an empty one.
func ringAvail(head, next, n int) int {
	return (next - head - 1 + n) % n
}

// ready reports whether the completion at the read position is valid.
func (c *compRing[D, P]) ready() bool {
	return P(&c.descs[c.idx]).Gen() == c.gen
}
