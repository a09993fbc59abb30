package pktbuf_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/pktbuf"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestPoolGetFree(t *testing.T) {
	p := pktbuf.NewPool()
	b, err := p.Get(pktbuf.ClassCluster)
	require.NoError(t, err)
	assert.Equal(t, pktbuf.ClusterSize, b.Len())
	assert.Equal(t, int64(1), p.Outstanding())

	b.Adj(2)
	assert.Equal(t, pktbuf.ClusterSize-2, b.Cap())
	b.SetLen(100)
	assert.Len(t, b.Bytes(), 100)

	b.Free()
	assert.Equal(t, int64(0), p.Outstanding())
	assert.Panics(t, b.Free)
}

func TestPoolFailNext(t *testing.T) {
	p := pktbuf.NewPool()
	p.FailNext(1)
	_, err := p.Get(pktbuf.ClassPage)
	assert.ErrorIs(t, err, pktbuf.ErrNoBuffers)
	assert.Equal(t, uint64(1), p.Failed())

	b, err := p.Get(pktbuf.ClassPage)
	require.NoError(t, err)
	assert.Equal(t, pktbuf.PageClusterSize, b.Cap())
	b.Free()
}

func TestFromBytesChains(t *testing.T) {
	p := pktbuf.NewPool()
	data := pattern(1000)
	pkt, err := p.FromBytes(data, 64)
	require.NoError(t, err)
	assert.Equal(t, 16, pkt.NumBufs())
	assert.Equal(t, 1000, pkt.Len())
	assert.Equal(t, data, pkt.Bytes())

	hdr := make([]byte, 100)
	require.Equal(t, 100, pkt.CopyHeader(hdr))
	assert.Equal(t, data[:100], hdr)

	pkt.Free()
	assert.Equal(t, int64(0), p.Outstanding())
}

func TestFromBytesEmpty(t *testing.T) {
	p := pktbuf.NewPool()
	pkt, err := p.FromBytes(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pkt.NumBufs())
	assert.Zero(t, pkt.Len())
	pkt.Free()
}

func TestDefrag(t *testing.T) {
	for _, tc := range []struct {
		name    string
		size    int
		expBufs int
	}{
		{"fits cluster", 1500, 1},
		{"jumbo", 9000, 1},
		{"oversized", 12000, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := pktbuf.NewPool()
			data := pattern(tc.size)
			pkt, err := p.FromBytes(data, 60)
			require.NoError(t, err)
			pkt.Flags = pktbuf.FlagVLAN
			pkt.VLAN = 42

			out, err := pkt.Defrag()
			require.NoError(t, err)
			assert.Equal(t, tc.expBufs, out.NumBufs())
			assert.True(t, bytes.Equal(data, out.Bytes()))
			assert.Equal(t, uint16(42), out.VLAN)
			assert.Equal(t, int64(out.NumBufs()), p.Outstanding())
			out.Free()
		})
	}
}

func TestDefragFailureKeepsOriginal(t *testing.T) {
	p := pktbuf.NewPool()
	data := pattern(3000)
	pkt, err := p.FromBytes(data, 100)
	require.NoError(t, err)
	before := p.Outstanding()

	p.FailNext(1)
	_, err = pkt.Defrag()
	require.ErrorIs(t, err, pktbuf.ErrNoBuffers)
	assert.Equal(t, before, p.Outstanding())
	assert.Equal(t, data, pkt.Bytes())
	pkt.Free()
}
