package emu

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FrameSpec describes an Ethernet frame carrying UDP or TCP.
type FrameSpec struct {
	Src, Dst net.HardwareAddr
	// VLAN inserts an 802.1Q tag when nonzero.
	VLAN uint16
	// SrcIP and DstIP select IPv4 or IPv6 by their form.
	SrcIP, DstIP     net.IP
	TCP              bool
	SrcPort, DstPort uint16
	Payload          []byte
	// NoChecksums leaves every checksum zero.
	NoChecksums bool
}

// BuildFrame serializes s.
func BuildFrame(s FrameSpec) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       s.Src,
		DstMAC:       s.Dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	var ls []gopacket.SerializableLayer
	ls = append(ls, &eth)

	ipType := layers.EthernetTypeIPv4
	if s.SrcIP.To4() == nil {
		ipType = layers.EthernetTypeIPv6
	}
	if s.VLAN != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: s.VLAN & 0xFFF, Type: ipType})
	} else {
		eth.EthernetType = ipType
	}

	proto := layers.IPProtocolUDP
	if s.TCP {
		proto = layers.IPProtocolTCP
	}
	var netLayer gopacket.NetworkLayer
	if ipType == layers.EthernetTypeIPv4 {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    s.SrcIP.To4(),
			DstIP:    s.DstIP.To4(),
		}
		ls, netLayer = append(ls, ip), ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      s.SrcIP.To16(),
			DstIP:      s.DstIP.To16(),
		}
		ls, netLayer = append(ls, ip), ip
	}

	if s.TCP {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.SrcPort),
			DstPort: layers.TCPPort(s.DstPort),
			Seq:     1,
			ACK:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		ls = append(ls, tcp)
	} else {
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(s.SrcPort),
			DstPort: layers.UDPPort(s.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		ls = append(ls, udp)
	}
	ls = append(ls, gopacket.Payload(s.Payload))

	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: !s.NoChecksums,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opt, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
