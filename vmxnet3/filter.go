package vmxnet3

import (
	"fmt"
	"net"
	"slices"

	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

func (sc *Device) getLLAddr() {
	ml := sc.readCmd(hw.CmdGetMACL)
	mh := sc.readCmd(hw.CmdGetMACH)
	sc.mac = net.HardwareAddr{
		byte(ml), byte(ml >> 8), byte(ml >> 16), byte(ml >> 24),
		byte(mh), byte(mh >> 8),
	}
}

func (sc *Device) setLLAddr() {
	m := sc.mac
	sc.regs.WriteBAR1(hw.BAR1MACL,
		uint32(m[0])|uint32(m[1])<<8|uint32(m[2])<<16|uint32(m[3])<<24)
	sc.regs.WriteBAR1(hw.BAR1MACH, uint32(m[4])|uint32(m[5])<<8)
}

// MAC returns the station address.
func (sc *Device) MAC() net.HardwareAddr {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return slices.Clone(sc.mac)
}

// SetMAC changes the station address.
func (sc *Device) SetMAC(mac net.HardwareAddr) error {
	if len(mac) != etherAddrLen || mac[0]&0x01 != 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, mac)
	}
	sc.lock.Lock()
	defer sc.lock.Unlock()
	sc.mac = slices.Clone(mac)
	sc.setLLAddr()
	return nil
}

// SetRxMode switches promiscuous and all-multicast reception.
func (sc *Device) SetRxMode(promisc, allmulti bool) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.promisc == promisc && sc.allmulti == allmulti {
		return
	}
	sc.promisc, sc.allmulti = promisc, allmulti
	if sc.running.Load() {
		sc.setRxFilter()
	}
}

// SetMulticast replaces the multicast filter list. More addresses than
// the device can filter switch it to all-multicast reception.
func (sc *Device) SetMulticast(addrs []net.HardwareAddr) error {
	list := make([]net.HardwareAddr, 0, len(addrs))
	for _, a := range addrs {
		if len(a) != etherAddrLen || a[0]&0x01 == 0 {
			return fmt.Errorf("%w: %s is not a multicast address", ErrInvalidAddress, a)
		}
		list = append(list, slices.Clone(a))
	}
	sc.lock.Lock()
	defer sc.lock.Unlock()
	sc.mcast = list
	if sc.running.Load() {
		sc.setRxFilter()
	}
	return nil
}

// RegisterVLAN adds tag to the VLAN filter.
func (sc *Device) RegisterVLAN(tag uint16) { sc.updateVLANFilter(true, tag) }

// UnregisterVLAN removes tag from the VLAN filter.
func (sc *Device) UnregisterVLAN(tag uint16) { sc.updateVLANFilter(false, tag) }

func (sc *Device) updateVLANFilter(add bool, tag uint16) {
	if tag == 0 || tag > 4095 {
		return
	}
	idx, bit := (tag>>5)&0x7F, tag&0x1F

	sc.lock.Lock()
	defer sc.lock.Unlock()
	if add {
		sc.vlanFilter[idx] |= 1 << bit
	} else {
		sc.vlanFilter[idx] &^= 1 << bit
	}
	if sc.running.Load() && sc.caps&CapVLANHWFilter != 0 {
		sc.pushVLANFilter()
	}
}

// MTU returns the interface MTU.
func (sc *Device) MTU() int {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.mtu
}

// SetMTU changes the MTU, reinitializing a running device so the
// receive rings are sized for it.
func (sc *Device) SetMTU(mtu int) error {
	if mtu < MinMTU || mtu > MaxMTU {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrMTURange, mtu, MinMTU, MaxMTU)
	}
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if mtu == sc.mtu {
		return nil
	}
	sc.mtu = mtu
	if !sc.running.Load() {
		return nil
	}
	sc.running.Store(false)
	return sc.initLocked()
}

// Capabilities returns the enabled offloads.
func (sc *Device) Capabilities() Capability {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.caps
}

// SetCapabilities enables exactly the offloads in c. Receive offloads
// are negotiated through the shared area, so changing them reinitializes
// a running device; transmit offloads only change HWAssist.
func (sc *Device) SetCapabilities(c Capability) error {
	c &= DefaultCapabilities
	sc.lock.Lock()
	defer sc.lock.Unlock()
	mask := c ^ sc.caps
	sc.caps = c

	if mask&capsReinit != 0 && sc.running.Load() {
		sc.running.Store(false)
		return sc.initLocked()
	}
	sc.initHWAssist()
	if mask&CapVLANHWFilter != 0 && sc.running.Load() {
		sc.pushVLANFilter()
	}
	return nil
}

// HWAssist returns the transmit checksum requests the device honors.
func (sc *Device) HWAssist() pktbuf.Csum {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.hwassist
}

// LinkStatus queries the device for the current link state.
func (sc *Device) LinkStatus() (up bool, speedMbps uint32) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return hw.ParseLinkStatus(sc.readCmd(hw.CmdGetLink))
}

// NumQueues returns the number of transmit and receive queues in use.
func (sc *Device) NumQueues() (tx, rx int) { return len(sc.txq), len(sc.rxq) }

// InterruptType returns the negotiated interrupt delivery mechanism.
func (sc *Device) InterruptType() hw.IntrType { return sc.intrType }
