package pktbuf

// Flags carry per-packet link layer metadata.
type Flags uint16

const (
	FlagMulticast Flags = 1 << iota
	FlagBroadcast
	// FlagVLAN means VLAN holds the 802.1Q tag to insert on transmit or
	// the tag stripped on receive.
	FlagVLAN
	// FlagFlowHash means FlowHash is valid.
	FlagFlowHash
)

// Csum carries checksum offload requests (transmit) and results (receive).
type Csum uint16

const (
	CsumTCP Csum = 1 << iota
	CsumUDP
	CsumTCPv6
	CsumUDPv6

	CsumIPChecked
	CsumIPValid
	CsumDataValid
	CsumPseudoHdr
)

const (
	// CsumOffloadIPv4 are the transmit requests for IPv4 transports.
	CsumOffloadIPv4 = CsumTCP | CsumUDP
	// CsumOffloadIPv6 are the transmit requests for IPv6 transports.
	CsumOffloadIPv6 = CsumTCPv6 | CsumUDPv6
)

// Offsets of the checksum field within the transport header, used as
// Packet.CsumData on transmit.
const (
	TCPChecksumOffset = 16
	UDPChecksumOffset = 6
)

// Packet is a chain of buffers making up one frame.
type Packet struct {
	bufs []*Buf

	Flags    Flags
	VLAN     uint16
	FlowHash uint32
	Csum     Csum
	// CsumData is the checksum field offset relative to the transport
	// header on transmit, and the verified checksum on receive.
	CsumData uint16
	// Queue is the receive queue the packet arrived on.
	Queue int
}

// NewPacket returns a packet starting with head.
func NewPacket(head *Buf) *Packet {
	return &Packet{bufs: []*Buf{head}}
}

// FromBytes copies data into a new packet whose buffers hold at most
// segSize bytes each. A segSize of 0 packs data into the fewest clusters.
func (p *Pool) FromBytes(data []byte, segSize int) (*Packet, error) {
	class := ClassCluster
	if segSize <= 0 || segSize > PageClusterSize {
		segSize = PageClusterSize
		class = ClassPage
	} else if segSize > ClusterSize {
		class = ClassPage
	}
	pkt := &Packet{}
	for off := 0; ; off += segSize {
		b, err := p.Get(class)
		if err != nil {
			pkt.Free()
			return nil, err
		}
		b.n = copy(b.data, data[off:min(len(data), off+segSize)])
		pkt.bufs = append(pkt.bufs, b)
		if off+segSize >= len(data) {
			break
		}
	}
	return pkt, nil
}

// Append adds b to the end of the chain.
func (pkt *Packet) Append(b *Buf) { pkt.bufs = append(pkt.bufs, b) }

// Bufs returns the buffer chain. The slice must not be modified.
func (pkt *Packet) Bufs() []*Buf { return pkt.bufs }

// NumBufs returns the chain length.
func (pkt *Packet) NumBufs() int { return len(pkt.bufs) }

// Len returns the total number of valid bytes.
func (pkt *Packet) Len() int {
	n := 0
	for _, b := range pkt.bufs {
		n += b.n
	}
	return n
}

// Slices appends the valid bytes of every buffer to dst.
func (pkt *Packet) Slices(dst [][]byte) [][]byte {
	for _, b := range pkt.bufs {
		dst = append(dst, b.Bytes())
	}
	return dst
}

// Bytes returns a contiguous copy of the packet contents.
func (pkt *Packet) Bytes() []byte {
	out := make([]byte, 0, pkt.Len())
	for _, b := range pkt.bufs {
		out = append(out, b.Bytes()...)
	}
	return out
}

// CopyHeader copies up to len(dst) leading bytes into dst and returns
// the number copied.
func (pkt *Packet) CopyHeader(dst []byte) int {
	n := 0
	for _, b := range pkt.bufs {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], b.Bytes())
	}
	return n
}

// Free returns every buffer to its pool.
func (pkt *Packet) Free() {
	for _, b := range pkt.bufs {
		b.Free()
	}
	pkt.bufs = nil
}

// Defrag copies the packet into the fewest clusters that hold it and
// frees the original chain. On failure the original packet is intact.
func (pkt *Packet) Defrag() (*Packet, error) {
	total := pkt.Len()
	if total == 0 {
		return pkt, nil
	}
	pool := pkt.bufs[0].pool

	class, size := ClassJumbo, JumboSize
	if total <= ClusterSize {
		class, size = ClassCluster, ClusterSize
	} else if total > JumboSize {
		class, size = ClassPage, PageClusterSize
	}

	out := &Packet{
		Flags:    pkt.Flags,
		VLAN:     pkt.VLAN,
		FlowHash: pkt.FlowHash,
		Csum:     pkt.Csum,
		CsumData: pkt.CsumData,
		Queue:    pkt.Queue,
	}
	var cur *Buf
	for _, src := range pkt.bufs {
		data := src.Bytes()
		for len(data) > 0 {
			if cur == nil || cur.n == size {
				b, err := pool.Get(class)
				if err != nil {
					out.Free()
					return nil, err
				}
				b.n = 0
				out.bufs = append(out.bufs, b)
				cur = b
			}
			c := copy(cur.data[cur.n:size], data)
			cur.n += c
			data = data[c:]
		}
	}
	pkt.Free()
	return out, nil
}
