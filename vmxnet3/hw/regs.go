// Package hw defines the vmxnet3 device interface: register offsets,
// commands, event bits and the memory layouts shared with the device.
//
// All multi-byte fields are little-endian; the layouts are used in place
// on little-endian hosts only.
package hw

// BAR0 registers.
const (
	BAR0IMask = 0x000 // Interrupt mask, one 8-byte slot per vector.
	BAR0TxH   = 0x600 // TX head, one 8-byte slot per queue.
	BAR0RxH1  = 0x800 // RX ring 0 head, one 8-byte slot per queue.
	BAR0RxH2  = 0xA00 // RX ring 1 head, one 8-byte slot per queue.
)

// BAR0 register limits.
const (
	MaxInterrupts = 25
	BAR0Size      = 0xC00
)

func IMask(irq int) uint32 { return BAR0IMask + uint32(irq)*8 }
func TxHead(q int) uint32  { return BAR0TxH + uint32(q)*8 }
func RxHead1(q int) uint32 { return BAR0RxH1 + uint32(q)*8 }
func RxHead2(q int) uint32 { return BAR0RxH2 + uint32(q)*8 }

// RxHead returns the head register of ring rid of queue q.
func RxHead(q, rid int) uint32 {
	if rid == 0 {
		return RxHead1(q)
	}
	return RxHead2(q)
}

// BAR1 registers.
const (
	BAR1VRRS  = 0x000 // Device revision support.
	BAR1UVRS  = 0x008 // UPT revision support.
	BAR1DSL   = 0x010 // Driver shared area, low 32 bits.
	BAR1DSH   = 0x018 // Driver shared area, high 32 bits.
	BAR1Cmd   = 0x020 // Command.
	BAR1MACL  = 0x028 // MAC address, low 4 bytes.
	BAR1MACH  = 0x030 // MAC address, high 2 bytes.
	BAR1Intr  = 0x038 // Interrupt status.
	BAR1Event = 0x040 // Event status, write to acknowledge.
)

// Commands written to BAR1Cmd. Get commands return their result when
// BAR1Cmd is read back.
const (
	CmdEnable     uint32 = 0xCAFE0000
	CmdDisable    uint32 = 0xCAFE0001
	CmdReset      uint32 = 0xCAFE0002
	CmdSetRxMode  uint32 = 0xCAFE0003
	CmdSetFilter  uint32 = 0xCAFE0004
	CmdVLANFilter uint32 = 0xCAFE0005

	CmdGetStatus     uint32 = 0xF00D0000
	CmdGetStats      uint32 = 0xF00D0001
	CmdGetLink       uint32 = 0xF00D0002
	CmdGetMACL       uint32 = 0xF00D0003
	CmdGetMACH       uint32 = 0xF00D0004
	CmdGetDIDLo      uint32 = 0xF00D0005
	CmdGetDIDHi      uint32 = 0xF00D0006
	CmdGetDevExtraID uint32 = 0xF00D0007
	CmdGetIntrConfig uint32 = 0xF00D0008
)

// Event bits reported in DriverShared.Event.
const (
	EventRxQueueError uint32 = 0x01
	EventTxQueueError uint32 = 0x02
	EventLink         uint32 = 0x04
	EventDIC          uint32 = 0x08
	EventDebug        uint32 = 0x10
)

// IntrType is the interrupt delivery mechanism.
type IntrType uint8

const (
	IntrAuto IntrType = iota
	IntrLegacy
	IntrMSI
	IntrMSIX
)

func (t IntrType) String() string {
	switch t {
	case IntrAuto:
		return "auto"
	case IntrLegacy:
		return "legacy"
	case IntrMSI:
		return "msi"
	case IntrMSIX:
		return "msix"
	}
	return "invalid"
}

// IntrMaskMode selects who masks a vector while it is being serviced.
type IntrMaskMode uint8

const (
	// IntrMaskAuto means the device masks a vector when raising it.
	IntrMaskAuto IntrMaskMode = iota
	// IntrMaskActive means the driver masks a vector in its handler.
	IntrMaskActive
)

// IntrConfig packs the GET_INTRCFG result.
func IntrConfig(t IntrType, m IntrMaskMode) uint32 {
	return uint32(t)&0x03 | (uint32(m)&0x03)<<2
}

// ParseIntrConfig unpacks the GET_INTRCFG result.
func ParseIntrConfig(v uint32) (IntrType, IntrMaskMode) {
	return IntrType(v & 0x03), IntrMaskMode((v >> 2) & 0x03)
}

// Link status as returned by GET_LINK.
const LinkUp uint32 = 0x1

// LinkStatus packs a GET_LINK result.
func LinkStatus(up bool, speedMbps uint32) uint32 {
	v := speedMbps << 16
	if up {
		v |= LinkUp
	}
	return v
}

// ParseLinkStatus unpacks a GET_LINK result.
func ParseLinkStatus(v uint32) (up bool, speedMbps uint32) {
	return v&LinkUp != 0, v >> 16
}
