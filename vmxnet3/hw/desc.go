package hw

import (
	"sync/atomic"
	"unsafe"
)

// Sizes and alignments of the descriptor rings.
const (
	DescSize      = 16
	RingBaseAlign = 512
	// InitGen is the generation a ring starts with after reset.
	InitGen uint32 = 1
)

// Transmit offload modes.
const (
	OffloadNone uint32 = 0
	OffloadCsum uint32 = 2
	OffloadTSO  uint32 = 3
)

// Receive buffer types.
const (
	BTypeHead uint32 = 0
	BTypeBody uint32 = 1
)

// Completion descriptor types.
const (
	CompTypeTx    uint32 = 0
	CompTypeRx    uint32 = 3
	CompTypeRxLRO uint32 = 4
)

// Field limits.
const (
	MaxTxSegSize = 1 << 14
	MaxDescIdx   = 1 << 12
	MaxQID       = 1 << 10
)

// The word of each descriptor holding its generation bit is only
// accessed atomically; the generation store is what hands a descriptor
// to the other side, so every other field is written before it.

// TxDesc is a transmit command descriptor.
type TxDesc struct {
	Addr  uint64
	word2 uint32 // len:14 gen:1 rsvd:1 dtype:1 ext1:1 offload_pos:14
	word3 uint32 // hlen:10 offload_mode:2 eop:1 compreq:1 ext2:1 vtag_mode:1 vtag:16
}

const txGenBit = 1 << 14

// TxFields is the decoded form of a TxDesc.
type TxFields struct {
	Addr        uint64
	Len         uint32
	Gen         uint32
	OffloadPos  uint32
	HLen        uint32
	OffloadMode uint32
	EOP         bool
	CompReq     bool
	VTagMode    bool
	VTag        uint16
}

// Store writes f, publishing the generation word last.
func (d *TxDesc) Store(f TxFields) {
	d.Addr = f.Addr
	d.word3 = f.HLen&0x3FF |
		(f.OffloadMode&0x3)<<10 |
		b2u(f.EOP)<<12 |
		b2u(f.CompReq)<<13 |
		b2u(f.VTagMode)<<15 |
		uint32(f.VTag)<<16
	atomic.StoreUint32(&d.word2, f.Len&0x3FFF|(f.Gen&1)<<14|(f.OffloadPos&0x3FFF)<<18)
}

// Load reads the descriptor, acquiring the generation word first.
func (d *TxDesc) Load() TxFields {
	w2 := atomic.LoadUint32(&d.word2)
	w3 := d.word3
	l := w2 & 0x3FFF
	if l == 0 {
		l = MaxTxSegSize
	}
	return TxFields{
		Addr:        d.Addr,
		Len:         l,
		Gen:         (w2 >> 14) & 1,
		OffloadPos:  w2 >> 18,
		HLen:        w3 & 0x3FF,
		OffloadMode: (w3 >> 10) & 0x3,
		EOP:         w3&(1<<12) != 0,
		CompReq:     w3&(1<<13) != 0,
		VTagMode:    w3&(1<<15) != 0,
		VTag:        uint16(w3 >> 16),
	}
}

// Gen returns the generation bit.
func (d *TxDesc) Gen() uint32 { return (atomic.LoadUint32(&d.word2) >> 14) & 1 }

// FlipGen toggles the generation bit. Only the producer calls it.
func (d *TxDesc) FlipGen() {
	atomic.StoreUint32(&d.word2, atomic.LoadUint32(&d.word2)^txGenBit)
}

// RxDesc is a receive command descriptor.
type RxDesc struct {
	Addr  uint64
	word2 uint32 // len:14 btype:1 dtype:1 rsvd:15 gen:1
	word3 uint32
}

const rxGenBit = 1 << 31

// RxFields is the decoded form of an RxDesc.
type RxFields struct {
	Addr  uint64
	Len   uint32
	BType uint32
	Gen   uint32
}

// Store writes f, publishing the generation word last.
func (d *RxDesc) Store(f RxFields) {
	d.Addr = f.Addr
	d.word3 = 0
	atomic.StoreUint32(&d.word2, f.Len&0x3FFF|(f.BType&1)<<14|(f.Gen&1)<<31)
}

// Load reads the descriptor, acquiring the generation word first.
func (d *RxDesc) Load() RxFields {
	w2 := atomic.LoadUint32(&d.word2)
	return RxFields{
		Addr:  d.Addr,
		Len:   w2 & 0x3FFF,
		BType: (w2 >> 14) & 1,
		Gen:   w2 >> 31,
	}
}

// Gen returns the generation bit.
func (d *RxDesc) Gen() uint32 { return atomic.LoadUint32(&d.word2) >> 31 }

// SetGen rewrites the generation bit, keeping the other fields.
func (d *RxDesc) SetGen(gen uint32) {
	w := atomic.LoadUint32(&d.word2) &^ rxGenBit
	atomic.StoreUint32(&d.word2, w|(gen&1)<<31)
}

// TxCompDesc is a transmit completion descriptor.
type TxCompDesc struct {
	word0 uint32 // eop_idx:12 rsvd:20
	word1 uint32
	word2 uint32
	word3 uint32 // rsvd:24 type:7 gen:1
}

// TxCompletion is the decoded form of a TxCompDesc.
type TxCompletion struct {
	EOPIdx uint32
	Type   uint32
	Gen    uint32
}

// Store writes c, publishing the generation word last.
func (d *TxCompDesc) Store(c TxCompletion) {
	d.word0 = c.EOPIdx & 0xFFF
	d.word1, d.word2 = 0, 0
	atomic.StoreUint32(&d.word3, (c.Type&0x7F)<<24|(c.Gen&1)<<31)
}

// Load reads the completion, acquiring the generation word first.
func (d *TxCompDesc) Load() TxCompletion {
	w3 := atomic.LoadUint32(&d.word3)
	return TxCompletion{
		EOPIdx: d.word0 & 0xFFF,
		Type:   (w3 >> 24) & 0x7F,
		Gen:    w3 >> 31,
	}
}

// Gen returns the generation bit.
func (d *TxCompDesc) Gen() uint32 { return atomic.LoadUint32(&d.word3) >> 31 }

// RxCompDesc is a receive completion descriptor.
type RxCompDesc struct {
	word0 uint32 // rxd_idx:12 rsvd:2 eop:1 sop:1 qid:10 rss_type:4 no_csum:1 ext1:1
	word1 uint32 // rss_hash
	word2 uint32 // len:14 error:1 vlan:1 vtag:16
	word3 uint32 // csum:16 csum_ok:1 udp:1 tcp:1 ipcsum_ok:1 ipv6:1 ipv4:1 fragment:1 fcs:1 type:7 gen:1
}

// RxCompletion is the decoded form of an RxCompDesc.
type RxCompletion struct {
	RxdIdx  uint32
	EOP     bool
	SOP     bool
	QID     uint32
	RSSType uint32
	NoCsum  bool
	RSSHash uint32

	Len   uint32
	Error bool
	VLAN  bool
	VTag  uint16

	Csum     uint16
	CsumOK   bool
	UDP      bool
	TCP      bool
	IPCsumOK bool
	IPv6     bool
	IPv4     bool
	Fragment bool
	FCS      bool
	Type     uint32
	Gen      uint32
}

// Store writes c, publishing the generation word last.
func (d *RxCompDesc) Store(c RxCompletion) {
	d.word0 = c.RxdIdx&0xFFF |
		b2u(c.EOP)<<14 |
		b2u(c.SOP)<<15 |
		(c.QID&0x3FF)<<16 |
		(c.RSSType&0xF)<<26 |
		b2u(c.NoCsum)<<30
	d.word1 = c.RSSHash
	d.word2 = c.Len&0x3FFF | b2u(c.Error)<<14 | b2u(c.VLAN)<<15 | uint32(c.VTag)<<16
	atomic.StoreUint32(&d.word3, uint32(c.Csum)|
		b2u(c.CsumOK)<<16|
		b2u(c.UDP)<<17|
		b2u(c.TCP)<<18|
		b2u(c.IPCsumOK)<<19|
		b2u(c.IPv6)<<20|
		b2u(c.IPv4)<<21|
		b2u(c.Fragment)<<22|
		b2u(c.FCS)<<23|
		(c.Type&0x7F)<<24|
		(c.Gen&1)<<31)
}

// Load reads the completion, acquiring the generation word first.
func (d *RxCompDesc) Load() RxCompletion {
	w3 := atomic.LoadUint32(&d.word3)
	w0, w2 := d.word0, d.word2
	return RxCompletion{
		RxdIdx:   w0 & 0xFFF,
		EOP:      w0&(1<<14) != 0,
		SOP:      w0&(1<<15) != 0,
		QID:      (w0 >> 16) & 0x3FF,
		RSSType:  (w0 >> 26) & 0xF,
		NoCsum:   w0&(1<<30) != 0,
		RSSHash:  d.word1,
		Len:      w2 & 0x3FFF,
		Error:    w2&(1<<14) != 0,
		VLAN:     w2&(1<<15) != 0,
		VTag:     uint16(w2 >> 16),
		Csum:     uint16(w3),
		CsumOK:   w3&(1<<16) != 0,
		UDP:      w3&(1<<17) != 0,
		TCP:      w3&(1<<18) != 0,
		IPCsumOK: w3&(1<<19) != 0,
		IPv6:     w3&(1<<20) != 0,
		IPv4:     w3&(1<<21) != 0,
		Fragment: w3&(1<<22) != 0,
		FCS:      w3&(1<<23) != 0,
		Type:     (w3 >> 24) & 0x7F,
		Gen:      w3 >> 31,
	}
}

// Gen returns the generation bit.
func (d *RxCompDesc) Gen() uint32 { return atomic.LoadUint32(&d.word3) >> 31 }

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// TxDescs views b as a transmit descriptor ring.
func TxDescs(b []byte) []TxDesc { return view[TxDesc](b) }

// RxDescs views b as a receive descriptor ring.
func RxDescs(b []byte) []RxDesc { return view[RxDesc](b) }

// TxCompDescs views b as a transmit completion ring.
func TxCompDescs(b []byte) []TxCompDesc { return view[TxCompDesc](b) }

// RxCompDescs views b as a receive completion ring.
func RxCompDescs(b []byte) []RxCompDesc { return view[RxCompDesc](b) }

func view[T any](b []byte) []T {
	var z T
	n := len(b) / int(unsafe.Sizeof(z))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// RxRingForQID maps the queue id of a receive completion to the queue
// and command ring it completes. Ring 0 completions carry the queue
// index; ring 1 completions carry the queue index offset by nrxq.
func RxRingForQID(qid uint32, nrxq int) (queue, ring int, ok bool) {
	n := uint32(nrxq)
	switch {
	case nrxq <= 0:
		return 0, 0, false
	case qid < n:
		return int(qid), 0, true
	case qid < 2*n:
		return int(qid - n), 1, true
	}
	return 0, 0, false
}

// RxQIDForRing is the inverse of RxRingForQID.
func RxQIDForRing(queue, ring, nrxq int) uint32 {
	return uint32(queue + ring*nrxq)
}
