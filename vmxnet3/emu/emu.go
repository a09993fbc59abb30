// Package emu is a software vmxnet3 device. It implements the register
// file and interrupt delivery a driver attaches to and plays the device
// side of every ring over a dma.Space, so the driver can be exercised
// without a hypervisor.
//
// Transmitted frames are handed to a Backend. Received frames are
// injected with Inject or Receive.
package emu

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

var (
	ErrNotEnabled     = errors.New("device not enabled")
	ErrNoQueue        = errors.New("no such queue")
	ErrNoDescriptors  = errors.New("not enough receive descriptors posted")
	ErrTooManySegs    = errors.New("frame needs too many receive buffers")
	ErrFiltered       = errors.New("frame rejected by receive filter")
	ErrFrameTooLong   = errors.New("frame exceeds MTU")
	ErrVectorsUnavail = errors.New("interrupt vectors unavailable")
	ErrNoSharedArea   = errors.New("driver shared area not set")
)

const (
	DefaultLinkSpeed       = 10000
	DefaultTxIntrThreshold = 1
	// MaxRxSegs bounds the buffers one received frame is spread over.
	MaxRxSegs = 17
)

// Backend receives every frame the driver transmits. It is called
// without the device lock held and may keep frame.
type Backend interface {
	Transmit(queue int, frame []byte)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(queue int, frame []byte)

func (f BackendFunc) Transmit(queue int, frame []byte) { f(queue, frame) }

// Config controls the behavior of an emulated device.
type Config struct {
	// Name identifies the device in logs.
	Name string `yaml:"name"`
	// MAC is the permanent station address.
	MAC net.HardwareAddr `yaml:"-"`
	// Revisions is the device revision mask reported in VRRS.
	Revisions uint32 `yaml:"revisions"`
	// UPTRevisions is the UPT revision mask reported in UVRS.
	UPTRevisions uint32 `yaml:"upt-revisions"`
	// IntrType and IntrMaskMode form the GET_INTRCFG reply.
	IntrType     hw.IntrType     `yaml:"intr-type"`
	IntrMaskMode hw.IntrMaskMode `yaml:"intr-mask-mode"`
	// MaxVectors is how many MSI-X vectors the bus can provide.
	MaxVectors int `yaml:"max-vectors"`
	// NoMSIX and NoMSI make the bus refuse those interrupt types.
	NoMSIX bool `yaml:"no-msix"`
	NoMSI  bool `yaml:"no-msi"`
	// TxIntrThreshold is the pending descriptor count at which the
	// driver rings the doorbell.
	TxIntrThreshold uint32 `yaml:"tx-intr-threshold"`
	// HoldTx latches doorbells instead of processing them. Transmit
	// rings are then only serviced by ProcessTx.
	HoldTx bool `yaml:"hold-tx"`
	// RxSegSize limits the bytes written to one receive buffer.
	// Zero fills every buffer completely.
	RxSegSize int `yaml:"rx-seg-size"`
	// LinkDown starts the device with the link down.
	LinkDown bool `yaml:"link-down"`
	// LinkSpeed is the reported speed in Mbps.
	LinkSpeed uint32 `yaml:"link-speed"`

	Logger  *logrus.Logger `yaml:"-"`
	Memory  *dma.Space     `yaml:"-"`
	Backend Backend        `yaml:"-"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Name == "" {
		c.Name = "emu0"
	}
	if c.MAC == nil {
		c.MAC = net.HardwareAddr{0x00, 0x0c, 0x29, 0x00, 0x00, 0x01}
	}
	if len(c.MAC) != 6 {
		return fmt.Errorf("invalid MAC %s", c.MAC)
	}
	if c.Revisions == 0 {
		c.Revisions = 1
	}
	if c.UPTRevisions == 0 {
		c.UPTRevisions = 1
	}
	if c.MaxVectors <= 0 || c.MaxVectors > hw.MaxInterrupts {
		c.MaxVectors = hw.MaxInterrupts
	}
	if c.TxIntrThreshold == 0 {
		c.TxIntrThreshold = DefaultTxIntrThreshold
	}
	if c.RxSegSize < 0 {
		return fmt.Errorf("rx-seg-size must be >= 0")
	}
	if c.LinkSpeed == 0 {
		c.LinkSpeed = DefaultLinkSpeed
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Memory == nil {
		c.Memory = dma.NewSpace()
	}
	return nil
}

// Device is an emulated vmxnet3 NIC. It is safe for concurrent use.
type Device struct {
	conf Config
	log  *logrus.Entry
	mem  *dma.Space

	lock    sync.Mutex
	backend Backend

	revs, uptRevs uint32
	dsPA          uint64
	cmdResult     uint32
	mac           [6]byte
	linkUp        bool
	linkSpeed     uint32

	intrType   hw.IntrType
	vectors    []chan struct{}
	imask      []bool
	pending    []bool
	intrStatus bool
	autoMask   bool

	enabled    bool
	failEnable int
	ds         *hw.DriverShared
	mtu        int
	features   uint64
	rss        hw.RSSShared
	rxMode     uint32
	mcast      [][6]byte
	vlan       [hw.VLANFilterLen]uint32

	txq []*txQueue
	rxq []*rxQueue

	enables uint64
	resets  uint64
}

// New returns a device with the link up and nothing enabled.
func New(conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	d := &Device{
		conf:      conf,
		log:       conf.Logger.WithField("emu", conf.Name),
		mem:       conf.Memory,
		backend:   conf.Backend,
		linkUp:    !conf.LinkDown,
		linkSpeed: conf.LinkSpeed,
	}
	copy(d.mac[:], conf.MAC)
	return d, nil
}

// Memory returns the address space the device reaches the driver's
// memory through.
func (d *Device) Memory() *dma.Space { return d.mem }

// SetBackend replaces the transmit backend.
func (d *Device) SetBackend(b Backend) {
	d.lock.Lock()
	d.backend = b
	d.lock.Unlock()
}

// MAC returns the station address the driver last programmed.
func (d *Device) MAC() net.HardwareAddr {
	d.lock.Lock()
	defer d.lock.Unlock()
	return slices.Clone(net.HardwareAddr(d.mac[:]))
}
