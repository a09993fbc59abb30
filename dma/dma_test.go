package dma_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/dma"
)

func TestAllocTranslate(t *testing.T) {
	s := dma.NewSpace()
	r, err := s.Alloc(600, 512)
	require.NoError(t, err)
	require.Len(t, r.Buf, 600)
	assert.Zero(t, uint64(r.Phys)%512)
	assert.Equal(t, 1, s.Mapped())

	_, err = s.WriteAt([]byte{1, 2, 3}, int64(r.Phys)+10)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, r.Buf[10:13])

	got := make([]byte, 3)
	_, err = s.ReadAt(got, int64(r.Phys)+10)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	// Past the end of the region falls into the guard page.
	_, err = s.Translate(r.Phys+599, 2)
	assert.ErrorIs(t, err, dma.ErrNotMapped)
	_, err = s.Translate(r.Phys-1, 1)
	assert.ErrorIs(t, err, dma.ErrNotMapped)

	require.NoError(t, r.Free())
	require.NoError(t, r.Free())
	assert.Equal(t, 0, s.Mapped())
	_, err = s.Translate(r.Phys, 1)
	assert.ErrorIs(t, err, dma.ErrNotMapped)
}

func TestAllocRejectsBadArguments(t *testing.T) {
	s := dma.NewSpace()
	_, err := s.Alloc(0, 8)
	assert.ErrorIs(t, err, dma.ErrZeroSize)
	_, err = s.Alloc(64, 3)
	assert.ErrorIs(t, err, dma.ErrBadAlignment)
	_, err = s.Alloc(64, 2*dma.PageSize)
	assert.ErrorIs(t, err, dma.ErrBadAlignment)
}

func TestMapLoad(t *testing.T) {
	s := dma.NewSpace()
	tag := s.NewTag(3, 1000)
	m := tag.NewMap()

	a := make([]byte, 1500)
	b := make([]byte, 200)
	segs, err := m.Load(nil, a, nil, b)
	require.NoError(t, err)
	require.True(t, m.Loaded())
	require.Len(t, segs, 3)
	assert.Equal(t, 1000, segs[0].Len)
	assert.Equal(t, 500, segs[1].Len)
	assert.Equal(t, segs[0].Addr+1000, segs[1].Addr)
	assert.Equal(t, 200, segs[2].Len)

	_, err = s.WriteAt([]byte{0xAB}, int64(segs[1].Addr))
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), a[1000])

	_, err = m.Load(nil, b)
	assert.ErrorIs(t, err, dma.ErrAlreadyLoaded)

	m.Unload()
	assert.False(t, m.Loaded())
	assert.Equal(t, 0, s.Mapped())
	m.Unload()
}

func TestMapLoadTooManySegments(t *testing.T) {
	s := dma.NewSpace()
	m := s.NewTag(2, 100).NewMap()
	segs, err := m.Load(nil, make([]byte, 250))
	assert.ErrorIs(t, err, dma.ErrTooManySegments)
	assert.Empty(t, segs)
	assert.False(t, m.Loaded())
	assert.Equal(t, 0, s.Mapped())
}

func TestFailLoads(t *testing.T) {
	s := dma.NewSpace()
	m := s.NewTag(1, 4096).NewMap()
	s.FailLoads(2)
	for range 2 {
		_, err := m.Load(nil, make([]byte, 64))
		assert.ErrorIs(t, err, dma.ErrLoadFailed)
		assert.False(t, m.Loaded())
	}
	_, err := m.Load(nil, make([]byte, 64))
	require.NoError(t, err)
}
