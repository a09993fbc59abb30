package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"github.com/romshark/vmxnet3-go/pktbuf"
)

// pseudoHeaderSum returns the folded sum of the TCP/UDP pseudo header.
func pseudoHeaderSum(src, dst []byte, proto layers.IPProtocol, length int) uint16 {
	xsum := checksum.Checksum(src, 0)
	xsum = checksum.Checksum(dst, xsum)
	xsum = checksum.Combine(xsum, uint16(proto))
	return checksum.Combine(xsum, uint16(length))
}

// SeedChecksum prepares frame for transmit checksum offload the way a
// network stack does: the transport checksum field is set to the pseudo
// header sum. It returns the Csum request and CsumData to set on the
// packet carrying frame.
func SeedChecksum(frame []byte) (pktbuf.Csum, uint16, error) {
	var m meta
	if err := m.decode(frame); err != nil {
		return 0, 0, err
	}
	if !m.tcp && !m.udp {
		return 0, 0, fmt.Errorf("no TCP or UDP header")
	}

	var req pktbuf.Csum
	var field uint16
	switch {
	case m.tcp && m.ipv6:
		req, field = pktbuf.CsumTCPv6, pktbuf.TCPChecksumOffset
	case m.tcp:
		req, field = pktbuf.CsumTCP, pktbuf.TCPChecksumOffset
	case m.ipv6:
		req, field = pktbuf.CsumUDPv6, pktbuf.UDPChecksumOffset
	default:
		req, field = pktbuf.CsumUDP, pktbuf.UDPChecksumOffset
	}
	seed := pseudoHeaderSum(m.src, m.dst, m.proto, len(m.l4))
	binary.BigEndian.PutUint16(frame[m.l4Off+int(field):], seed)
	return req, field, nil
}

// VerifyChecksums reports whether the IPv4 header checksum and the
// TCP or UDP checksum of frame are correct. Checks that do not apply
// pass.
func VerifyChecksums(frame []byte) (ip, l4 bool, err error) {
	var m meta
	if err := m.decode(frame); err != nil {
		return false, false, err
	}
	return m.ipCsumOK(), m.l4CsumOK(), nil
}

// meta is what the device learns from parsing a frame.
type meta struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcpL  layers.TCP
	udpL  layers.UDP

	vlan       bool
	vtag       uint16
	ipv4, ipv6 bool
	tcp, udp   bool
	fragment   bool
	proto      layers.IPProtocol
	src, dst   []byte
	ipHdr      []byte
	l4         []byte
	l4Off      int
}

func (m *meta) decode(frame []byte) error {
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&m.eth, &m.dot1q, &m.ip4, &m.ip6, &m.tcpL, &m.udpL)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}

	off := 0
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			off += len(m.eth.Contents)
		case layers.LayerTypeDot1Q:
			m.vlan, m.vtag = true, m.dot1q.VLANIdentifier|uint16(m.dot1q.Priority)<<13
			off += len(m.dot1q.Contents)
		case layers.LayerTypeIPv4:
			m.ipv4 = true
			m.fragment = m.ip4.Flags&layers.IPv4MoreFragments != 0 || m.ip4.FragOffset != 0
			m.proto, m.src, m.dst = m.ip4.Protocol, m.ip4.SrcIP.To4(), m.ip4.DstIP.To4()
			m.ipHdr, m.l4 = m.ip4.Contents, m.ip4.Payload
			off += len(m.ip4.Contents)
		case layers.LayerTypeIPv6:
			m.ipv6 = true
			m.proto, m.src, m.dst = m.ip6.NextHeader, m.ip6.SrcIP.To16(), m.ip6.DstIP.To16()
			m.l4 = m.ip6.Payload
			off += len(m.ip6.Contents)
		case layers.LayerTypeTCP:
			m.tcp = !m.fragment
		case layers.LayerTypeUDP:
			m.udp = !m.fragment
		}
	}
	m.l4Off = off
	return nil
}

func (m *meta) ipCsumOK() bool {
	return !m.ipv4 || checksum.Checksum(m.ipHdr, 0) == 0xFFFF
}

func (m *meta) l4CsumOK() bool {
	if !m.tcp && !m.udp {
		return true
	}
	if m.udp && m.ipv4 && m.udpL.Checksum == 0 {
		return true
	}
	return checksum.Checksum(m.l4, pseudoHeaderSum(m.src, m.dst, m.proto, len(m.l4))) == 0xFFFF
}
