package vmxnet3

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	etherHdrLen = 14
	// offloadHdrMax bounds the headers copied out of a packet to find
	// the transport header.
	offloadHdrMax = 256
)

// transportOffset returns the offset of the transport header within the
// frame whose leading bytes are hdr.
func transportOffset(hdr []byte) (int, error) {
	if len(hdr) < etherHdrLen {
		return 0, fmt.Errorf("%w: short ethernet header", ErrOffloadParse)
	}
	etype := layers.EthernetType(binary.BigEndian.Uint16(hdr[12:]))
	off := etherHdrLen
	if etype == layers.EthernetTypeDot1Q {
		if len(hdr) < etherVLANHdrLen {
			return 0, fmt.Errorf("%w: short 802.1Q header", ErrOffloadParse)
		}
		etype = layers.EthernetType(binary.BigEndian.Uint16(hdr[16:]))
		off = etherVLANHdrLen
	}

	switch etype {
	case layers.EthernetTypeIPv4:
		if len(hdr) < off+ipv4.HeaderLen {
			return 0, fmt.Errorf("%w: short IPv4 header", ErrOffloadParse)
		}
		ihl := int(hdr[off]&0x0F) << 2
		if ihl < ipv4.HeaderLen {
			return 0, fmt.Errorf("%w: IPv4 header length %d", ErrOffloadParse, ihl)
		}
		return off + ihl, nil

	case layers.EthernetTypeIPv6:
		if len(hdr) < off+ipv6.HeaderLen {
			return 0, fmt.Errorf("%w: short IPv6 header", ErrOffloadParse)
		}
		return ipv6LastHeader(hdr, layers.IPProtocol(hdr[off+6]), off+ipv6.HeaderLen)
	}
	return 0, fmt.Errorf("%w: ethertype %s", ErrOffloadParse, etype)
}

// ipv6LastHeader walks the extension header chain starting at off and
// returns the offset of the first header that is not an extension.
func ipv6LastHeader(hdr []byte, next layers.IPProtocol, off int) (int, error) {
	for {
		var l int
		switch next {
		case layers.IPProtocolIPv6HopByHop,
			layers.IPProtocolIPv6Routing,
			layers.IPProtocolIPv6Destination:
			if len(hdr) < off+2 {
				return 0, fmt.Errorf("%w: short %s header", ErrOffloadParse, next)
			}
			l = (int(hdr[off+1]) + 1) << 3
		case layers.IPProtocolIPv6Fragment:
			l = 8
		case layers.IPProtocolAH:
			if len(hdr) < off+2 {
				return 0, fmt.Errorf("%w: short %s header", ErrOffloadParse, next)
			}
			l = (int(hdr[off+1]) + 2) << 2
		default:
			return off, nil
		}
		if len(hdr) < off+l {
			return 0, fmt.Errorf("%w: truncated %s header", ErrOffloadParse, next)
		}
		next = layers.IPProtocol(hdr[off])
		off += l
	}
}
