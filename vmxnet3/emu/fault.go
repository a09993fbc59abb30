package emu

import (
	"fmt"

	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// The methods in this file drive the device into states a well behaved
// device never reaches, for testing how the driver copes.

// SkipRx moves the device's position in receive ring ring of queue q
// forward by n slots without completing them.
func (d *Device) SkipRx(q, ring, n int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	rq, err := d.rxQueue(q)
	if err != nil {
		return err
	}
	if ring < 0 || ring >= len(rq.rings) {
		return fmt.Errorf("%w: ring %d", ErrNoQueue, ring)
	}
	for range n {
		rq.rings[ring].next.advance()
	}
	return nil
}

// CompleteTx writes a transmit completion for eopIdx on queue q without
// consuming any descriptor.
func (d *Device) CompleteTx(q, eopIdx int) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.enabled {
		return ErrNotEnabled
	}
	if q < 0 || q >= len(d.txq) {
		return fmt.Errorf("%w: tx %d", ErrNoQueue, q)
	}
	tq := d.txq[q]
	tq.comp[tq.cpos.idx].Store(hw.TxCompletion{
		EOPIdx: uint32(eopIdx),
		Type:   hw.CompTypeTx,
		Gen:    tq.cpos.gen,
	})
	tq.cpos.advance()
	d.raise(int(tq.shared.IntrIdx))
	return nil
}

// CompleteRx writes c to the completion ring of queue q in the current
// generation. Data is not written and no command descriptor is consumed.
func (d *Device) CompleteRx(q int, c hw.RxCompletion) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	rq, err := d.rxQueue(q)
	if err != nil {
		return err
	}
	c.Gen = rq.cpos.gen
	if c.Type == 0 {
		c.Type = hw.CompTypeRx
	}
	rq.comp[rq.cpos.idx].Store(c)
	rq.cpos.advance()
	d.raise(int(rq.shared.IntrIdx))
	return nil
}

// ConsumeRx takes the next device owned slot of ring ring of queue q
// without writing it and returns its index. Paired with CompleteRx it
// lets a test hand craft completions for real slots.
func (d *Device) ConsumeRx(q, ring int) (idx int, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	rq, err := d.rxQueue(q)
	if err != nil {
		return 0, err
	}
	if ring < 0 || ring >= len(rq.rings) {
		return 0, fmt.Errorf("%w: ring %d", ErrNoQueue, ring)
	}
	r := &rq.rings[ring]
	if r.descs[r.next.idx].Gen() != r.next.gen {
		return 0, ErrNoDescriptors
	}
	idx = r.next.idx
	r.next.advance()
	return idx, nil
}

// RaiseEvent sets event bits in the shared area and signals the event
// vector.
func (d *Device) RaiseEvent(bits uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.raiseEventLocked(bits)
}

// FailQueue stops a queue with the given error code and raises the
// matching queue error event.
func (d *Device) FailQueue(tx bool, q int, code uint32) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if tx {
		if q < 0 || q >= len(d.txq) {
			return fmt.Errorf("%w: tx %d", ErrNoQueue, q)
		}
		d.failTxLocked(q, code, fmt.Errorf("error %d injected", code))
		return nil
	}
	if _, err := d.rxQueue(q); err != nil {
		return err
	}
	d.failRxLocked(q, code, fmt.Errorf("error %d injected", code))
	return nil
}

// SetLink changes the link state and raises a link event.
func (d *Device) SetLink(up bool, speedMbps uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.linkUp, d.linkSpeed = up, speedMbps
	d.raiseEventLocked(hw.EventLink)
}

// FailEnable makes the next n ENABLE commands fail.
func (d *Device) FailEnable(n int) {
	d.lock.Lock()
	d.failEnable = n
	d.lock.Unlock()
}

// Enabled reports whether the driver has the device enabled.
func (d *Device) Enabled() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.enabled
}

// Enables and Resets count the ENABLE and RESET commands received.
func (d *Device) Enables() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.enables
}

func (d *Device) Resets() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.resets
}

// Doorbells returns how often the doorbell of transmit queue q rang
// since the last ENABLE and the head it was last given.
func (d *Device) Doorbells(q int) (n uint64, head uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if q < 0 || q >= len(d.txq) {
		return 0, 0
	}
	return d.txq[q].doorbells, d.txq[q].head
}

// RxOwned reports whether slot idx of ring ring of queue q is posted to
// the device for its current pass over the ring.
func (d *Device) RxOwned(q, ring, idx int) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	rq, err := d.rxQueue(q)
	if err != nil {
		return false
	}
	r := &rq.rings[ring]
	return r.descs[idx].Gen() == r.next.genAt(idx)
}

// RxFilter returns the receive mode and multicast list last programmed.
func (d *Device) RxFilter() (mode uint32, mcast [][6]byte) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.rxMode, append([][6]byte(nil), d.mcast...)
}

// VLANFilter returns the VLAN filter last programmed.
func (d *Device) VLANFilter() [hw.VLANFilterLen]uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.vlan
}

// Features returns the UPT features negotiated at the last ENABLE.
func (d *Device) Features() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.features
}

func (d *Device) rxQueue(q int) (*rxQueue, error) {
	if !d.enabled {
		return nil, ErrNotEnabled
	}
	if q < 0 || q >= len(d.rxq) {
		return nil, fmt.Errorf("%w: rx %d", ErrNoQueue, q)
	}
	return d.rxq[q], nil
}
