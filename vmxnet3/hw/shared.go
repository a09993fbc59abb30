package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Driver shared area constants.
const (
	SharedMagic uint32 = 0xBABEFEE1

	DriverVersion uint32 = 0x00010000
	GuestOSGo     uint32 = 0x0800
	GuestOS64Bit  uint32 = 0x01
	GuestOS32Bit  uint32 = 0x02

	ICtrlDisableAll uint32 = 0x01
	IModAdaptive    uint8  = 8

	MulticastMax  = 32
	VLANFilterLen = 4096 / 32
)

// UPT feature bits.
const (
	FeatureCsum uint64 = 0x0001
	FeatureRSS  uint64 = 0x0002
	FeatureVLAN uint64 = 0x0004
	FeatureLRO  uint64 = 0x0008
)

// Receive filter modes.
const (
	RxModeUcast    uint32 = 0x01
	RxModeMcast    uint32 = 0x02
	RxModeBcast    uint32 = 0x04
	RxModeAllMulti uint32 = 0x08
	RxModePromisc  uint32 = 0x10
)

// RSS parameters.
const (
	RSSHashTypeIPv4    uint16 = 0x01
	RSSHashTypeTCPIPv4 uint16 = 0x02
	RSSHashTypeIPv6    uint16 = 0x04
	RSSHashTypeTCPIPv6 uint16 = 0x08

	RSSHashFuncToeplitz uint16 = 0x01

	RSSMaxKeySize      = 40
	RSSMaxIndTableSize = 128
)

// ConfDesc points the device at a driver supplied block.
type ConfDesc struct {
	Version uint32
	Len     uint32
	PAddr   uint64
}

// DriverShared is the control block published through BAR1DSL/BAR1DSH.
type DriverShared struct {
	Magic uint32
	pad1  uint32

	// Driver information.
	Version         uint32
	Guest           uint32
	VMXNet3Revision uint32
	UPTVersion      uint32

	// Miscellaneous configuration.
	UPTFeatures    uint64
	DriverData     uint64
	QueueShared    uint64
	DriverDataLen  uint32
	QueueSharedLen uint32
	MTU            uint32
	NRxSGMax       uint16
	NTxQueue       uint8
	NRxQueue       uint8
	reserved1      [4]uint32

	// Interrupt control.
	AutoMask  uint8
	NIntr     uint8
	EvIntr    uint8
	ModLevel  [MaxInterrupts]uint8
	ictrl     uint32
	reserved2 [2]uint32

	// Receive filter.
	RxMode        uint32
	MCastTableLen uint16
	pad2          uint16
	MCastTable    uint64
	VLANFilter    [VLANFilterLen]uint32

	RSS    ConfDesc
	PM     ConfDesc
	Plugin ConfDesc

	event     uint32
	reserved5 [5]uint32
}

// DriverSharedSize is the size of DriverShared in bytes.
const DriverSharedSize = int(unsafe.Sizeof(DriverShared{}))

// Event returns the pending event bits.
func (ds *DriverShared) Event() uint32 { return atomic.LoadUint32(&ds.event) }

// RaiseEvent sets event bits. It is called by the device.
func (ds *DriverShared) RaiseEvent(bits uint32) { atomic.OrUint32(&ds.event, bits) }

// AckEvent clears event bits. It is called by the device when the driver
// writes BAR1Event.
func (ds *DriverShared) AckEvent(bits uint32) { atomic.AndUint32(&ds.event, ^bits) }

// IntrCtrl returns the interrupt control word.
func (ds *DriverShared) IntrCtrl() uint32 { return atomic.LoadUint32(&ds.ictrl) }

// SetIntrCtrl replaces the interrupt control word.
func (ds *DriverShared) SetIntrCtrl(v uint32) { atomic.StoreUint32(&ds.ictrl, v) }

// UPT1TxStats are the device maintained transmit counters.
type UPT1TxStats struct {
	TSOPackets   uint64
	TSOBytes     uint64
	UcastPackets uint64
	UcastBytes   uint64
	McastPackets uint64
	McastBytes   uint64
	BcastPackets uint64
	BcastBytes   uint64
	Errors       uint64
	Discards     uint64
}

// UPT1RxStats are the device maintained receive counters.
type UPT1RxStats struct {
	LROPackets   uint64
	LROBytes     uint64
	UcastPackets uint64
	UcastBytes   uint64
	McastPackets uint64
	McastBytes   uint64
	BcastPackets uint64
	BcastBytes   uint64
	NoBuffer     uint64
	Errors       uint64
}

// TxQueueShared is the per transmit queue control block.
type TxQueueShared struct {
	npending      uint32
	intrThreshold uint32
	reserved1     uint64

	CmdRing       uint64
	DataRing      uint64
	CompRing      uint64
	DriverData    uint64
	reserved2     uint64
	CmdRingLen    uint32
	DataRingLen   uint32
	CompRingLen   uint32
	DriverDataLen uint32
	IntrIdx       uint8
	pad1          [7]uint8

	Stopped uint8
	pad2    [3]uint8
	Error   uint32
	Stats   UPT1TxStats
	pad3    [88]uint8
}

// AddPending adds n to the count of descriptors the device has not been
// told about and returns the new count.
func (ts *TxQueueShared) AddPending(n uint32) uint32 {
	return atomic.AddUint32(&ts.npending, n)
}

// Pending returns the count of unannounced descriptors.
func (ts *TxQueueShared) Pending() uint32 { return atomic.LoadUint32(&ts.npending) }

// ClearPending resets the count of unannounced descriptors.
func (ts *TxQueueShared) ClearPending() { atomic.StoreUint32(&ts.npending, 0) }

// IntrThreshold returns the pending count at which the driver rings the
// doorbell.
func (ts *TxQueueShared) IntrThreshold() uint32 { return atomic.LoadUint32(&ts.intrThreshold) }

// SetIntrThreshold is called by the device.
func (ts *TxQueueShared) SetIntrThreshold(v uint32) { atomic.StoreUint32(&ts.intrThreshold, v) }

// RxQueueShared is the per receive queue control block.
type RxQueueShared struct {
	UpdateRxProd uint8
	pad1         [7]uint8
	reserved1    uint64

	CmdRing       [2]uint64
	CompRing      uint64
	DriverData    uint64
	reserved2     uint64
	CmdRingLen    [2]uint32
	CompRingLen   uint32
	DriverDataLen uint32
	IntrIdx       uint8
	pad2          [7]uint8

	Stopped uint8
	pad3    [3]uint8
	Error   uint32
	Stats   UPT1RxStats
	pad4    [88]uint8
}

// Queue shared block sizes in bytes.
const (
	TxQueueSharedSize = int(unsafe.Sizeof(TxQueueShared{}))
	RxQueueSharedSize = int(unsafe.Sizeof(RxQueueShared{}))
)

// RSSShared is the receive side scaling configuration block.
type RSSShared struct {
	HashType     uint16
	HashFunc     uint16
	HashKeySize  uint16
	IndTableSize uint16
	HashKey      [RSSMaxKeySize]uint8
	IndTable     [RSSMaxIndTableSize]uint8
}

// RSSSharedSize is the size of RSSShared in bytes.
const RSSSharedSize = int(unsafe.Sizeof(RSSShared{}))

// DriverSharedAt views b as the driver shared area.
func DriverSharedAt(b []byte) *DriverShared { return at[DriverShared](b) }

// RSSSharedAt views b as the RSS block.
func RSSSharedAt(b []byte) *RSSShared { return at[RSSShared](b) }

// QueueSharedAt views b as ntx transmit blocks followed by nrx receive
// blocks.
func QueueSharedAt(b []byte, ntx, nrx int) ([]TxQueueShared, []RxQueueShared) {
	need := ntx*TxQueueSharedSize + nrx*RxQueueSharedSize
	if len(b) < need {
		panic(fmt.Sprintf("hw: queue shared area is %d bytes, need %d", len(b), need))
	}
	var tx []TxQueueShared
	var rx []RxQueueShared
	if ntx > 0 {
		tx = unsafe.Slice((*TxQueueShared)(unsafe.Pointer(&b[0])), ntx)
	}
	if nrx > 0 {
		rx = unsafe.Slice((*RxQueueShared)(unsafe.Pointer(&b[ntx*TxQueueSharedSize])), nrx)
	}
	return tx, rx
}

func at[T any](b []byte) *T {
	var z T
	if len(b) < int(unsafe.Sizeof(z)) {
		panic(fmt.Sprintf("hw: %d bytes cannot hold %T", len(b), z))
	}
	return (*T)(unsafe.Pointer(&b[0]))
}
