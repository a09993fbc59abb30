package vmxnet3

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

func TestRingIndexWrap(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, n := range []int{1, 2, 32, 33, 512} {
		r := ringIndex{n: n, gen: hw.InitGen}
		flips, steps := 0, rng.IntN(10*n)+n
		for range steps {
			gen := r.gen
			r.advance()
			require.GreaterOrEqual(t, r.idx, 0)
			require.Less(t, r.idx, n)
			if r.gen != gen {
				flips++
				require.Zero(t, r.idx, "generation flips only on wrap")
			}
		}
		assert.Equal(t, steps/n, flips, "n=%d steps=%d", n, steps)
		assert.Equal(t, steps%n, r.idx)
	}
}

func TestRingAvail(t *testing.T) {
	assert.Equal(t, 31, ringAvail(0, 0, 32))
	assert.Equal(t, 0, ringAvail(5, 6, 32))
	assert.Equal(t, 0, ringAvail(31, 0, 32))
	assert.Equal(t, 30, ringAvail(1, 0, 32))
	assert.Equal(t, 4, ringAvail(10, 15, 32))
}

// TestCompRingConsume plays the device side of a completion ring: every
// completion is written in the generation of the device's pass, and the
// consumer must see each exactly once and in order.
func TestCompRingConsume(t *testing.T) {
	const n = 8
	descs := make([]hw.TxCompDesc, n)
	c := newCompRing[hw.TxCompDesc, *hw.TxCompDesc](descs)
	dev := ringIndex{n: n, gen: hw.InitGen}

	_, ok := c.tryConsume()
	require.False(t, ok, "zeroed ring holds nothing in generation 1")

	rng := rand.New(rand.NewPCG(3, 4))
	produced, consumed, flips := 0, 0, 0
	for produced < 10*n {
		// The device never gets more than a ring ahead.
		for k := rng.IntN(n - (produced - consumed) + 1); k > 0; k-- {
			descs[dev.idx].Store(hw.TxCompletion{EOPIdx: uint32(produced % hw.MaxDescIdx), Gen: dev.gen})
			dev.advance()
			produced++
		}
		for {
			gen := c.gen
			d, ok := c.tryConsume()
			if !ok {
				break
			}
			require.Equal(t, uint32(consumed), d.Load().EOPIdx)
			consumed++
			if c.gen != gen {
				flips++
			}
		}
		require.Equal(t, produced, consumed)
	}
	assert.Equal(t, consumed/n, flips)

	c.reset()
	assert.Zero(t, c.idx)
	assert.Equal(t, hw.InitGen, c.gen)
	_, ok = c.tryConsume()
	assert.False(t, ok)
}

type slotOp int

const (
	opBind slotOp = iota
	opReplace
	opRelease
	opFailedReplace
)

// TestSlotTableOwnership applies random bind, replace and release
// sequences and checks after every step that each slot is mapped exactly
// when it holds a buffer and that no buffer is lost.
func TestSlotTableOwnership(t *testing.T) {
	space := dma.NewSpace()
	pool := pktbuf.NewPool()
	tag := space.NewTag(1, pktbuf.PageClusterSize)
	rng := rand.New(rand.NewPCG(5, 6))

	const n = 16
	st := newSlotTable[*pktbuf.Buf](tag, n, true)

	for step := range 5000 {
		i := rng.IntN(n)
		switch op := slotOp(rng.IntN(4)); {
		case op == opBind && !st.occupied(i):
			b, err := pool.Get(pktbuf.ClassCluster)
			require.NoError(t, err)
			_, err = st.slots[i].dmap.Load(nil, b.Bytes())
			require.NoError(t, err)
			st.bind(i, b)
		case op == opReplace:
			b, err := pool.Get(pktbuf.ClassPage)
			require.NoError(t, err)
			_, err = st.spare.Load(nil, b.Bytes())
			require.NoError(t, err)
			// Freeing a buffer twice panics.
			if old := st.replace(i, b); old != nil {
				old.Free()
			}
		case op == opRelease && st.occupied(i):
			b := st.release(i)
			require.NotNil(t, b)
			b.Free()
		case op == opFailedReplace:
			space.FailLoads(1)
			b, err := pool.Get(pktbuf.ClassCluster)
			require.NoError(t, err)
			_, err = st.spare.Load(nil, b.Bytes())
			require.ErrorIs(t, err, dma.ErrLoadFailed)
			b.Free()
		}
		require.NoError(t, st.check(), "step %d", step)

		occupied := 0
		for j := range n {
			if st.occupied(j) {
				occupied++
			}
		}
		require.Equal(t, int64(occupied), pool.Outstanding(), "step %d", step)
		require.Equal(t, occupied, space.Mapped(), "step %d", step)
	}

	drained := st.drain()
	assert.Zero(t, pool.Outstanding())
	assert.Zero(t, space.Mapped())
	assert.LessOrEqual(t, drained, n)
	require.NoError(t, st.check())
}
