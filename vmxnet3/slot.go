package vmxnet3

import (
	"fmt"

	"github.com/romshark/vmxnet3-go/dma"
)

type freer interface {
	comparable
	Free()
}

type slot[B freer] struct {
	buf  B
	dmap *dma.Map
}

// slotTable maps ring positions to the buffer posted there and the map
// making it visible to the device. A slot holds a loaded map exactly
// when it holds a buffer.
type slotTable[B freer] struct {
	slots []slot[B]
	spare *dma.Map
}

func newSlotTable[B freer](tag *dma.Tag, n int, spare bool) slotTable[B] {
	t := slotTable[B]{slots: make([]slot[B], n)}
	for i := range t.slots {
		t.slots[i].dmap = tag.NewMap()
	}
	if spare {
		t.spare = tag.NewMap()
	}
	return t
}

func (t *slotTable[B]) occupied(i int) bool {
	var zero B
	return t.slots[i].buf != zero
}

// bind records b as the owner of slot i after the slot's own map was
// loaded with it.
func (t *slotTable[B]) bind(i int, b B) { t.slots[i].buf = b }

// replace installs b, just loaded into the spare map, in slot i. The
// slot's previous map is unloaded and becomes the new spare. The buffer
// the slot held is returned to the caller, who now owns it.
func (t *slotTable[B]) replace(i int, b B) (old B) {
	s := &t.slots[i]
	old = s.buf
	s.dmap.Unload()
	s.dmap, t.spare = t.spare, s.dmap
	s.buf = b
	return old
}

// release unloads slot i and hands its buffer to the caller.
func (t *slotTable[B]) release(i int) B {
	var zero B
	s := &t.slots[i]
	b := s.buf
	s.dmap.Unload()
	s.buf = zero
	return b
}

// drain frees every buffer still posted and returns how many there were.
func (t *slotTable[B]) drain() int {
	n := 0
	for i := range t.slots {
		if !t.occupied(i) {
			continue
		}
		t.release(i).Free()
		n++
	}
	return n
}

// check verifies the buffer and mapping of every slot agree.
func (t *slotTable[B]) check() error {
	for i := range t.slots {
		if t.occupied(i) != t.slots[i].dmap.Loaded() {
			return fmt.Errorf("slot %d: buffer=%t mapped=%t",
				i, t.occupied(i), t.slots[i].dmap.Loaded())
		}
	}
	if t.spare != nil && t.spare.Loaded() {
		return fmt.Errorf("spare map left loaded")
	}
	return nil
}
