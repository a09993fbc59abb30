package emu

import (
	"fmt"

	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// Allocate hands out n interrupt vectors of type t. Every vector starts
// masked.
func (d *Device) Allocate(t hw.IntrType, n int) ([]<-chan struct{}, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	switch t {
	case hw.IntrMSIX:
		if d.conf.NoMSIX || n > d.conf.MaxVectors {
			return nil, fmt.Errorf("%w: %d msix vectors", ErrVectorsUnavail, n)
		}
	case hw.IntrMSI:
		if d.conf.NoMSI || n != 1 {
			return nil, fmt.Errorf("%w: %d msi vectors", ErrVectorsUnavail, n)
		}
	case hw.IntrLegacy:
		if n != 1 {
			return nil, fmt.Errorf("%w: %d legacy lines", ErrVectorsUnavail, n)
		}
	default:
		return nil, fmt.Errorf("%w: type %s", ErrVectorsUnavail, t)
	}
	if d.vectors != nil {
		return nil, fmt.Errorf("%w: already allocated", ErrVectorsUnavail)
	}

	d.intrType = t
	d.vectors = make([]chan struct{}, n)
	d.imask = make([]bool, n)
	d.pending = make([]bool, n)
	out := make([]<-chan struct{}, n)
	for i := range d.vectors {
		d.vectors[i] = make(chan struct{}, 1)
		d.imask[i] = true
		out[i] = d.vectors[i]
	}
	return out, nil
}

// Release closes every allocated vector.
func (d *Device) Release() {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, ch := range d.vectors {
		close(ch)
	}
	d.vectors, d.imask, d.pending = nil, nil, nil
}

// IntrType returns the type of the allocated vectors.
func (d *Device) IntrType() hw.IntrType {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.intrType
}

// Masked reports whether vector irq is masked.
func (d *Device) Masked(irq int) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return irq < len(d.imask) && d.imask[irq]
}

func (d *Device) setMask(irq int, masked bool) {
	if irq >= len(d.imask) {
		return
	}
	d.imask[irq] = masked
	if !masked && d.pending[irq] {
		d.raise(irq)
	}
}

// raise signals vector irq. A masked or globally disabled vector
// remembers the interrupt until it is unmasked.
func (d *Device) raise(irq int) {
	if d.intrType != hw.IntrMSIX {
		irq = 0
	}
	if irq >= len(d.vectors) {
		return
	}
	if d.imask[irq] || d.ds == nil || d.ds.IntrCtrl()&hw.ICtrlDisableAll != 0 {
		d.pending[irq] = true
		return
	}
	d.pending[irq] = false
	d.intrStatus = true
	if d.autoMask {
		d.imask[irq] = true
	}
	select {
	case d.vectors[irq] <- struct{}{}:
	default:
	}
}

func (d *Device) raiseEventLocked(bits uint32) {
	if d.ds == nil {
		return
	}
	d.ds.RaiseEvent(bits)
	d.raise(int(d.ds.EvIntr))
}
