package hw_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

func TestLayoutSizes(t *testing.T) {
	assert.EqualValues(t, hw.DescSize, unsafe.Sizeof(hw.TxDesc{}))
	assert.EqualValues(t, hw.DescSize, unsafe.Sizeof(hw.RxDesc{}))
	assert.EqualValues(t, hw.DescSize, unsafe.Sizeof(hw.TxCompDesc{}))
	assert.EqualValues(t, hw.DescSize, unsafe.Sizeof(hw.RxCompDesc{}))
	assert.Equal(t, 720, hw.DriverSharedSize)
	assert.Equal(t, 256, hw.TxQueueSharedSize)
	assert.Equal(t, 256, hw.RxQueueSharedSize)
	assert.Equal(t, 176, hw.RSSSharedSize)
}

func TestTxDescGenIsolated(t *testing.T) {
	var d hw.TxDesc
	d.Store(hw.TxFields{
		Addr:        0x1000,
		Len:         hw.MaxTxSegSize,
		Gen:         0,
		OffloadPos:  40,
		HLen:        34,
		OffloadMode: hw.OffloadCsum,
		VTagMode:    true,
		VTag:        0xFFF,
	})
	d.FlipGen()
	f := d.Load()
	assert.Equal(t, uint32(1), f.Gen)
	assert.Equal(t, uint32(1), d.Gen())
	assert.Equal(t, uint32(hw.MaxTxSegSize), f.Len)
	assert.Equal(t, uint32(40), f.OffloadPos)
	assert.Equal(t, uint32(34), f.HLen)
	assert.Equal(t, hw.OffloadCsum, f.OffloadMode)
	assert.False(t, f.EOP)
	assert.True(t, f.VTagMode)
	assert.Equal(t, uint16(0xFFF), f.VTag)
}

func TestRxDescSetGenKeepsFields(t *testing.T) {
	var d hw.RxDesc
	d.Store(hw.RxFields{Addr: 0x2000, Len: 2046, BType: hw.BTypeBody, Gen: 1})
	d.SetGen(0)
	f := d.Load()
	assert.Equal(t, hw.RxFields{Addr: 0x2000, Len: 2046, BType: hw.BTypeBody, Gen: 0}, f)
}

func TestRxCompletionEncoding(t *testing.T) {
	c := hw.RxCompletion{
		RxdIdx:   4095,
		EOP:      true,
		QID:      1023,
		RSSType:  2,
		RSSHash:  0xdeadbeef,
		Len:      1536,
		VLAN:     true,
		VTag:     100,
		Csum:     0xFFFF,
		CsumOK:   true,
		TCP:      true,
		IPCsumOK: true,
		IPv4:     true,
		Type:     hw.CompTypeRx,
		Gen:      1,
	}
	var d hw.RxCompDesc
	d.Store(c)
	assert.Equal(t, c, d.Load())
	assert.Equal(t, uint32(1), d.Gen())
}

func TestRxRingForQID(t *testing.T) {
	for _, nrxq := range []int{1, 2, 4, 8, 16} {
		for q := range nrxq {
			for ring := range 2 {
				qid := hw.RxQIDForRing(q, ring, nrxq)
				gq, gr, ok := hw.RxRingForQID(qid, nrxq)
				require.True(t, ok, "nrxq=%d qid=%d", nrxq, qid)
				assert.Equal(t, q, gq, "nrxq=%d qid=%d", nrxq, qid)
				assert.Equal(t, ring, gr, "nrxq=%d qid=%d", nrxq, qid)
			}
		}
		_, _, ok := hw.RxRingForQID(uint32(2*nrxq), nrxq)
		assert.False(t, ok, "nrxq=%d", nrxq)
	}
	// With 4 queues, qid 3 is ring 0 of queue 3 and qid 5 is ring 1 of
	// queue 1.
	q, r, _ := hw.RxRingForQID(3, 4)
	assert.Equal(t, [2]int{3, 0}, [2]int{q, r})
	q, r, _ = hw.RxRingForQID(5, 4)
	assert.Equal(t, [2]int{1, 1}, [2]int{q, r})
}

func TestQueueSharedAt(t *testing.T) {
	b := make([]byte, 2*hw.TxQueueSharedSize+3*hw.RxQueueSharedSize)
	tx, rx := hw.QueueSharedAt(b, 2, 3)
	require.Len(t, tx, 2)
	require.Len(t, rx, 3)
	rx[0].Error = 7
	assert.Equal(t, byte(7), b[2*hw.TxQueueSharedSize+84])
	assert.Panics(t, func() { hw.QueueSharedAt(b[:100], 1, 1) })
}

func TestIntrConfigRoundTrip(t *testing.T) {
	typ, mode := hw.ParseIntrConfig(hw.IntrConfig(hw.IntrMSIX, hw.IntrMaskActive))
	assert.Equal(t, hw.IntrMSIX, typ)
	assert.Equal(t, hw.IntrMaskActive, mode)

	up, speed := hw.ParseLinkStatus(hw.LinkStatus(true, 10000))
	assert.True(t, up)
	assert.Equal(t, uint32(10000), speed)
}
