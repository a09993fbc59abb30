// Package nic runs vmxnet3 interfaces in process. An Interface pairs an
// emulated device with the driver attached to it and a buffer pool.
// Interfaces are cabled to each other with Connect, which makes every
// frame one transmits arrive at the other's receive path.
package nic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
)

var ErrInterfaceClosed = errors.New("interface closed")

// Config controls how an Interface is built.
type Config struct {
	// Driver configures the driver side. Its Poll field is derived
	// from Interrupts.
	Driver vmxnet3.Config `yaml:"driver"`
	// Device configures the emulated hardware.
	Device emu.Config `yaml:"device"`
	// MAC is the permanent station address. Empty derives one from the
	// interface index.
	MAC string `yaml:"mac"`
	// Interrupts services the device from its interrupt vectors
	// instead of pollers.
	Interrupts bool `yaml:"interrupts"`
	// PollInterval is how long an idle poller sleeps.
	PollInterval time.Duration `yaml:"poll-interval"`
}

var lastIndex atomic.Int32

// Interface is one emulated NIC with its driver.
type Interface struct {
	name  string
	index int
	conf  Config
	log   *logrus.Entry

	emu  *emu.Device
	dev  *vmxnet3.Device
	pool *pktbuf.Pool

	handler   atomic.Pointer[func(*pktbuf.Packet)]
	wireDrops atomic.Uint64
	fwdDrops  atomic.Uint64
	closed    atomic.Bool
}

// MakeInterface creates an emulated device called name, attaches the
// driver and brings it up. pool may be shared between interfaces so
// received packets can be forwarded without copying. A nil logger
// selects logrus.StandardLogger.
func MakeInterface(name string, conf Config, pool *pktbuf.Pool, logger *logrus.Logger) (*Interface, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pool == nil {
		pool = pktbuf.NewPool()
	}
	ifc := &Interface{
		name:  name,
		index: int(lastIndex.Add(1)),
		conf:  conf,
		log:   logger.WithField("iface", name),
		pool:  pool,
	}

	dc := conf.Device
	dc.Name, dc.Logger = name, logger
	var err error
	switch {
	case conf.MAC != "":
		if dc.MAC, err = net.ParseMAC(conf.MAC); err != nil {
			return nil, fmt.Errorf("parsing mac: %w", err)
		}
	case dc.MAC == nil:
		dc.MAC = net.HardwareAddr{0x00, 0x0c, 0x29, 0x00, byte(ifc.index >> 8), byte(ifc.index)}
	}
	if ifc.emu, err = emu.New(dc); err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}

	vc := conf.Driver
	vc.Name, vc.Logger, vc.Pool = name, logger, pool
	vc.Poll = !conf.Interrupts
	vc.Input = ifc.input
	ifc.dev, err = vmxnet3.Attach(vmxnet3.Platform{
		Registers:  ifc.emu,
		Memory:     ifc.emu.Memory(),
		Interrupts: ifc.emu,
	}, vc)
	if err != nil {
		return nil, fmt.Errorf("attaching driver: %w", err)
	}
	if err := ifc.dev.Init(); err != nil {
		_ = ifc.dev.Detach()
		return nil, fmt.Errorf("bringing up %s: %w", name, err)
	}

	ntx, nrx := ifc.dev.NumQueues()
	ifc.log.WithFields(logrus.Fields{
		"mac":  ifc.dev.MAC().String(),
		"txqs": ntx,
		"rxqs": nrx,
		"intr": ifc.dev.InterruptType().String(),
	}).Info("interface up")
	return ifc, nil
}

// Info returns the interface name and its process-unique index.
func (ifc *Interface) Info() (name string, index int) { return ifc.name, ifc.index }

func (ifc *Interface) MAC() net.HardwareAddr { return ifc.dev.MAC() }

// Device returns the driver.
func (ifc *Interface) Device() *vmxnet3.Device { return ifc.dev }

// Hardware returns the emulated device.
func (ifc *Interface) Hardware() *emu.Device { return ifc.emu }

func (ifc *Interface) Pool() *pktbuf.Pool { return ifc.pool }

// Stats returns the driver counters.
func (ifc *Interface) Stats() vmxnet3.Stats { return ifc.dev.Stats() }

// WireDrops returns the number of transmitted frames the peer refused.
func (ifc *Interface) WireDrops() uint64 { return ifc.wireDrops.Load() }

// ForwardDrops returns the number of forwarded packets the interface
// could not queue for transmission.
func (ifc *Interface) ForwardDrops() uint64 { return ifc.fwdDrops.Load() }

// Connect cables ifc to peer: every frame ifc transmits is received by
// peer. Frames peer cannot take are counted in WireDrops.
func (ifc *Interface) Connect(peer *Interface) {
	ifc.emu.SetBackend(emu.BackendFunc(func(_ int, frame []byte) {
		if err := peer.emu.Receive(frame); err != nil {
			ifc.wireDrops.Add(1)
			ifc.log.WithError(err).Debug("frame lost on the wire")
		}
	}))
}

// SetHandler makes fn receive every frame the interface receives.
// fn owns the packet. Without a handler received packets are freed.
func (ifc *Interface) SetHandler(fn func(*pktbuf.Packet)) {
	if fn == nil {
		ifc.handler.Store(nil)
		return
	}
	ifc.handler.Store(&fn)
}

func (ifc *Interface) input(pkt *pktbuf.Packet) {
	if h := ifc.handler.Load(); h != nil {
		(*h)(pkt)
		return
	}
	pkt.Free()
}

// Send copies frame into a packet and transmits it.
func (ifc *Interface) Send(frame []byte) error {
	if ifc.closed.Load() {
		return ErrInterfaceClosed
	}
	pkt, err := ifc.pool.FromBytes(frame, 0)
	if err != nil {
		return err
	}
	if err := ifc.dev.Transmit(pkt); err != nil {
		pkt.Free()
		return err
	}
	return nil
}

// Run services the interface until ctx is canceled and returns
// context.Canceled. Interfaces using interrupts only wait for ctx.
func (ifc *Interface) Run(ctx context.Context) error {
	if ifc.conf.Interrupts {
		<-ctx.Done()
		return ctx.Err()
	}
	return vmxnet3.RunPollers(ctx, ifc.dev, ifc.conf.PollInterval)
}

// Close detaches the driver. Packets still queued are freed.
func (ifc *Interface) Close() error {
	if !ifc.closed.CompareAndSwap(false, true) {
		return ErrInterfaceClosed
	}
	ifc.dev.Stop()
	if n := ifc.dev.Flush(); n > 0 {
		ifc.log.WithField("packets", n).Debug("flushed pending packets")
	}
	return ifc.dev.Detach()
}
