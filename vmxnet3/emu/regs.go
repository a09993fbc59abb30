package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// Device identification returned by GET_DID_LO and GET_DID_HI.
const (
	DeviceID = 0x07B0
	VendorID = 0x15AD
)

// WriteBAR0 implements the doorbell and interrupt mask registers.
func (d *Device) WriteBAR0(off, v uint32) {
	var frames []txFrame
	d.lock.Lock()
	switch {
	case off >= hw.BAR0IMask && off < hw.BAR0TxH:
		d.setMask(int(off-hw.BAR0IMask)/8, v != 0)
	case off >= hw.BAR0TxH && off < hw.BAR0RxH1:
		q := int(off-hw.BAR0TxH) / 8
		if d.enabled && q < len(d.txq) {
			d.txq[q].doorbells++
			d.txq[q].head = v
			if !d.conf.HoldTx {
				frames = d.processTxLocked(q, frames)
			}
		}
	case off >= hw.BAR0RxH1 && off < hw.BAR0Size:
		// The receive heads only matter to devices that queue frames
		// until the driver reposts; frames here are dropped instead.
	default:
		d.log.WithField("off", fmt.Sprintf("%#x", off)).Debug("write to unknown BAR0 register")
	}
	b := d.backend
	d.lock.Unlock()
	forward(b, frames)
}

// ReadBAR1 implements the BAR1 registers that can be read.
func (d *Device) ReadBAR1(off uint32) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	switch off {
	case hw.BAR1VRRS:
		return d.conf.Revisions
	case hw.BAR1UVRS:
		return d.conf.UPTRevisions
	case hw.BAR1Cmd:
		return d.cmdResult
	case hw.BAR1Intr:
		v := d.intrStatus
		d.intrStatus = false
		if v {
			return 1
		}
		return 0
	case hw.BAR1Event:
		if d.ds == nil {
			return 0
		}
		return d.ds.Event()
	}
	return 0
}

// WriteBAR1 implements the BAR1 registers that can be written.
func (d *Device) WriteBAR1(off, v uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	switch off {
	case hw.BAR1VRRS:
		d.revs = v
	case hw.BAR1UVRS:
		d.uptRevs = v
	case hw.BAR1DSL:
		d.dsPA = d.dsPA&^0xFFFFFFFF | uint64(v)
	case hw.BAR1DSH:
		d.dsPA = d.dsPA&0xFFFFFFFF | uint64(v)<<32
	case hw.BAR1Cmd:
		d.cmdResult = d.command(v)
	case hw.BAR1MACL:
		binary.LittleEndian.PutUint32(d.mac[0:4], v)
	case hw.BAR1MACH:
		binary.LittleEndian.PutUint16(d.mac[4:6], uint16(v))
	case hw.BAR1Event:
		if d.ds != nil {
			d.ds.AckEvent(v)
		}
	}
}

func (d *Device) command(cmd uint32) uint32 {
	switch cmd {
	case hw.CmdEnable:
		if err := d.enable(); err != nil {
			d.log.WithError(err).Warn("enable failed")
			return 1
		}
		return 0
	case hw.CmdDisable:
		d.enabled = false
	case hw.CmdReset:
		d.enabled = false
		d.txq, d.rxq = nil, nil
		d.resets++
	case hw.CmdSetRxMode:
		if d.ds != nil {
			d.rxMode = d.ds.RxMode
		}
	case hw.CmdSetFilter:
		d.loadMulticast()
	case hw.CmdVLANFilter:
		if d.ds != nil {
			d.vlan = d.ds.VLANFilter
		}
	case hw.CmdGetStatus:
		for _, q := range d.txq {
			q.shared.Stopped, q.shared.Error = b2u8(q.stopped), q.errCode
		}
		for _, q := range d.rxq {
			q.shared.Stopped, q.shared.Error = b2u8(q.stopped), q.errCode
		}
	case hw.CmdGetStats:
		for _, q := range d.txq {
			q.shared.Stats = q.stats
		}
		for _, q := range d.rxq {
			q.shared.Stats = q.stats
		}
	case hw.CmdGetLink:
		return hw.LinkStatus(d.linkUp, d.linkSpeed)
	case hw.CmdGetMACL:
		return binary.LittleEndian.Uint32(d.mac[0:4])
	case hw.CmdGetMACH:
		return uint32(binary.LittleEndian.Uint16(d.mac[4:6]))
	case hw.CmdGetDIDLo:
		return DeviceID
	case hw.CmdGetDIDHi:
		return VendorID
	case hw.CmdGetDevExtraID:
		return 0
	case hw.CmdGetIntrConfig:
		return hw.IntrConfig(d.conf.IntrType, d.conf.IntrMaskMode)
	default:
		d.log.WithField("cmd", fmt.Sprintf("%#x", cmd)).Debug("unknown command")
		return ^uint32(0)
	}
	return 0
}

// sharedArea resolves the driver shared area from DSL/DSH.
func (d *Device) sharedArea() (*hw.DriverShared, error) {
	if d.dsPA == 0 {
		return nil, ErrNoSharedArea
	}
	b, err := d.mem.Translate(dma.Addr(d.dsPA), hw.DriverSharedSize)
	if err != nil {
		return nil, fmt.Errorf("driver shared area: %w", err)
	}
	return hw.DriverSharedAt(b), nil
}

func (d *Device) enable() error {
	if d.failEnable > 0 {
		d.failEnable--
		return fmt.Errorf("failure injected")
	}
	ds, err := d.sharedArea()
	if err != nil {
		return err
	}
	if ds.Magic != hw.SharedMagic {
		return fmt.Errorf("bad magic %#x", ds.Magic)
	}
	ntx, nrx := int(ds.NTxQueue), int(ds.NRxQueue)
	if ntx == 0 || nrx == 0 {
		return fmt.Errorf("%d tx and %d rx queues", ntx, nrx)
	}
	need := ntx*hw.TxQueueSharedSize + nrx*hw.RxQueueSharedSize
	if int(ds.QueueSharedLen) < need {
		return fmt.Errorf("queue shared area of %d bytes, need %d", ds.QueueSharedLen, need)
	}
	qs, err := d.mem.Translate(dma.Addr(ds.QueueShared), need)
	if err != nil {
		return fmt.Errorf("queue shared area: %w", err)
	}
	txs, rxs := hw.QueueSharedAt(qs, ntx, nrx)

	txq := make([]*txQueue, ntx)
	for i := range txs {
		if txq[i], err = d.newTxQueue(&txs[i]); err != nil {
			return fmt.Errorf("tx queue %d: %w", i, err)
		}
		txs[i].SetIntrThreshold(d.conf.TxIntrThreshold)
	}
	rxq := make([]*rxQueue, nrx)
	for i := range rxs {
		if rxq[i], err = d.newRxQueue(&rxs[i]); err != nil {
			return fmt.Errorf("rx queue %d: %w", i, err)
		}
	}

	d.features = ds.UPTFeatures
	if d.features&hw.FeatureRSS != 0 {
		b, err := d.mem.Translate(dma.Addr(ds.RSS.PAddr), hw.RSSSharedSize)
		if err != nil {
			return fmt.Errorf("RSS area: %w", err)
		}
		d.rss = *hw.RSSSharedAt(b)
	}
	d.ds = ds
	d.mtu = int(ds.MTU)
	d.autoMask = ds.AutoMask != 0
	d.txq, d.rxq = txq, rxq
	d.enabled = true
	d.enables++

	d.log.WithFields(logrus.Fields{
		"txq":      ntx,
		"rxq":      nrx,
		"mtu":      d.mtu,
		"features": fmt.Sprintf("%#x", d.features),
	}).Debug("enabled")
	return nil
}

func (d *Device) loadMulticast() {
	d.mcast = d.mcast[:0]
	if d.ds == nil || d.ds.MCastTableLen == 0 {
		return
	}
	b, err := d.mem.Translate(dma.Addr(d.ds.MCastTable), int(d.ds.MCastTableLen))
	if err != nil {
		d.log.WithError(err).Warn("multicast table")
		return
	}
	for ; len(b) >= 6; b = b[6:] {
		d.mcast = append(d.mcast, [6]byte(b[:6]))
	}
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
