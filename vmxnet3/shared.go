package vmxnet3

import (
	"math/bits"

	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// rssKey is the Toeplitz key handed to the device.
var rssKey = [hw.RSSMaxKeySize]byte{
	0x3b, 0x56, 0xd1, 0x56, 0x13, 0x4a, 0xe7, 0xac,
	0xe8, 0x79, 0x09, 0x75, 0xe8, 0x65, 0x79, 0x28,
	0x35, 0x12, 0xb9, 0x56, 0x7c, 0x76, 0x4b, 0x70,
	0xd8, 0x56, 0xa3, 0x18, 0x9b, 0x0a, 0xee, 0xf3,
	0x96, 0xa6, 0x9f, 0x8f, 0x9e, 0x8c, 0x90, 0xc9,
}

// initShared fills in the parts of the shared area that stay the same
// across reinits.
func (sc *Device) initShared() {
	ds := sc.ds

	ds.Magic = hw.SharedMagic
	ds.Version = hw.DriverVersion
	ds.Guest = hw.GuestOSGo | hw.GuestOS64Bit
	if bits.UintSize == 32 {
		ds.Guest = hw.GuestOSGo | hw.GuestOS32Bit
	}
	ds.VMXNet3Revision = 1
	ds.UPTVersion = 1

	ds.QueueShared = uint64(sc.qsMem.Phys)
	ds.QueueSharedLen = uint32(len(sc.qsMem.Buf))
	ds.NRxSGMax = RxMaxSegs

	if sc.rss {
		ds.RSS = hw.ConfDesc{
			Version: 1,
			PAddr:   uint64(sc.rssMem.Phys),
			Len:     uint32(len(sc.rssMem.Buf)),
		}
	}

	if sc.maskMode == hw.IntrMaskAuto {
		ds.AutoMask = 1
	}
	ds.NIntr = uint8(len(sc.vectors))
	ds.EvIntr = uint8(sc.eventIntr)
	ds.SetIntrCtrl(hw.ICtrlDisableAll)
	for i := range sc.vectors {
		ds.ModLevel[i] = hw.IModAdaptive
	}

	ds.MCastTable = uint64(sc.mcastMem.Phys)
	ds.MCastTableLen = uint16(len(sc.mcastMem.Buf))

	for _, q := range sc.txq {
		q.publish()
	}
	for _, q := range sc.rxq {
		q.publish()
	}
}

func (sc *Device) reinitRSS() {
	rss := sc.rssConf
	rss.HashType = hw.RSSHashTypeIPv4 | hw.RSSHashTypeTCPIPv4 |
		hw.RSSHashTypeIPv6 | hw.RSSHashTypeTCPIPv6
	rss.HashFunc = hw.RSSHashFuncToeplitz
	rss.HashKeySize = hw.RSSMaxKeySize
	rss.IndTableSize = hw.RSSMaxIndTableSize
	rss.HashKey = rssKey
	for i := range rss.IndTable {
		rss.IndTable[i] = uint8(i % len(sc.rxq))
	}
}

// reinitShared rewrites the configuration that may change between
// reinits and points the device at the shared area.
func (sc *Device) reinitShared() {
	ds := sc.ds
	ds.MTU = uint32(sc.mtu)
	ds.NTxQueue = uint8(len(sc.txq))
	ds.NRxQueue = uint8(len(sc.rxq))

	ds.UPTFeatures = 0
	if sc.caps&(CapRxCsum|CapRxCsumIPv6) != 0 {
		ds.UPTFeatures |= hw.FeatureCsum
	}
	if sc.caps&CapVLANHWTagging != 0 {
		ds.UPTFeatures |= hw.FeatureVLAN
	}
	if sc.rss {
		ds.UPTFeatures |= hw.FeatureRSS
		sc.reinitRSS()
	}

	pa := uint64(sc.dsMem.Phys)
	sc.regs.WriteBAR1(hw.BAR1DSL, uint32(pa))
	sc.regs.WriteBAR1(hw.BAR1DSH, uint32(pa>>32))
}

// reinitRxFilters pushes the receive mode, multicast list and VLAN
// filter to the device.
func (sc *Device) reinitRxFilters() {
	sc.setRxFilter()
	sc.pushVLANFilter()
}

func (sc *Device) pushVLANFilter() {
	if sc.caps&CapVLANHWFilter != 0 {
		sc.ds.VLANFilter = sc.vlanFilter
	} else {
		// Without hardware filtering every tag passes.
		for i := range sc.ds.VLANFilter {
			sc.ds.VLANFilter[i] = ^uint32(0)
		}
	}
	sc.writeCmd(hw.CmdVLANFilter)
}

func (sc *Device) setRxFilter() {
	mode := hw.RxModeUcast | hw.RxModeBcast
	if sc.promisc {
		mode |= hw.RxModePromisc
	}
	if sc.allmulti {
		mode |= hw.RxModeAllMulti
	} else {
		n := len(sc.mcast)
		if n > hw.MulticastMax {
			n = 0
			mode |= hw.RxModeAllMulti
		} else if n > 0 {
			mode |= hw.RxModeMcast
		}
		for i, a := range sc.mcast[:n] {
			copy(sc.mcastMem.Buf[i*etherAddrLen:], a)
		}
		sc.ds.MCastTableLen = uint16(n * etherAddrLen)
	}
	sc.ds.RxMode = mode
	sc.writeCmd(hw.CmdSetFilter)
	sc.writeCmd(hw.CmdSetRxMode)
}
