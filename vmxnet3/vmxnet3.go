// Package vmxnet3 implements the guest side of a vmxnet3 paravirtual NIC.
//
// A Device owns a set of transmit and receive queues. Each queue pairs
// command rings, written by the driver, with a completion ring written by
// the device. Ownership of every ring slot is carried by a single
// generation bit that flips each time the ring wraps; it is the only
// synchronization between driver and device.
//
// Terminology:
//
//   - Command ring: descriptors the driver hands to the device.
//   - Completion ring: records the device writes back.
//   - Doorbell: a register write telling the device the new TX head.
//   - Refill: posting a fresh receive buffer into a consumed slot.
package vmxnet3

import (
	"errors"
	"time"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

var (
	ErrRingFull           = errors.New("not enough free descriptors")
	ErrQueueFull          = errors.New("transmit queue full")
	ErrEmptyPacket        = errors.New("empty packet")
	ErrNoBuffers          = errors.New("no buffers available")
	ErrDefragFailed       = errors.New("defragmenting packet failed")
	ErrOffloadParse       = errors.New("cannot parse headers for checksum offload")
	ErrUnsupportedVersion = errors.New("unsupported device revision")
	ErrEnableFailed       = errors.New("device refused enable")
	ErrNoInterrupts       = errors.New("cannot allocate any interrupt resources")
	ErrDetached           = errors.New("device detached")
	ErrMTURange           = errors.New("MTU out of range")
	ErrQueueCount         = errors.New("queue count must be >= 0")
	ErrInvalidAddress     = errors.New("invalid MAC address")
)

const (
	DefaultTxQueues = 8
	DefaultRxQueues = 8
	MaxTxQueues     = 8
	MaxRxQueues     = 16

	DefaultTxDescs = 512
	MinTxDescs     = 32
	MaxTxDescs     = 4096
	DefaultRxDescs = 256
	MinRxDescs     = 32
	MaxRxDescs     = 2048

	DefaultMTU = 1500
	MinMTU     = 60
	MaxMTU     = 9000

	DefaultPendingSize     = 4096
	DefaultTickInterval    = time.Second
	DefaultWatchdogTimeout = 5

	// TxMaxSegs bounds the descriptors one transmit packet may use.
	TxMaxSegs = 32
	// RxMaxSegs bounds the buffers one received frame may span.
	RxMaxSegs = 17
)

const (
	descCountMask   = 0x1F
	etherAlign      = 2
	etherAddrLen    = 6
	etherVLANHdrLen = 18
	rxRingCount     = 2
	rxCsumVerified  = 0xFFFF
)

// Registers is the device register file.
type Registers interface {
	WriteBAR0(off, v uint32)
	ReadBAR1(off uint32) uint32
	WriteBAR1(off, v uint32)
}

// Interrupts allocates interrupt vectors. A raised vector is delivered
// as a send on its channel.
type Interrupts interface {
	// Allocate returns n vectors of type t or an error if the bus cannot
	// provide them.
	Allocate(t hw.IntrType, n int) ([]<-chan struct{}, error)
	// Release frees all vectors handed out by Allocate.
	Release()
}

// Platform is what the bus hands a driver on attach.
type Platform struct {
	Registers  Registers
	Memory     *dma.Space
	Interrupts Interrupts
}
