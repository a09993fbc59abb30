package vmxnet3

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

type txRingState struct {
	Descs []byte
	Head  int
	Gen   uint32
	Next  int
	Slots []bool
}

func snapshotTx(q *txQueue) txRingState {
	s := txRingState{
		Descs: bytes.Clone(q.cmdMem.Buf),
		Head:  q.head.idx,
		Gen:   q.head.gen,
		Next:  q.next,
	}
	for i := range q.slots.slots {
		s.Slots = append(s.Slots, q.slots.occupied(i))
	}
	return s
}

func TestEncapRingFullLeavesRingUntouched(t *testing.T) {
	conf := pollConf()
	conf.TxDescs = MinTxDescs
	h := newHarness(t, conf, emu.Config{HoldTx: true})
	h.init()
	q := h.txq(0)

	for i := range MinTxDescs - 4 {
		require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, byte(i)), 0)))
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	require.Equal(t, 3, q.avail())

	mapped := h.emu.Memory().Mapped()
	pkt := h.packet(make([]byte, 500), 100)
	require.Equal(t, 5, pkt.NumBufs())

	before := snapshotTx(q)
	got, err := q.encap(pkt)
	require.ErrorIs(t, err, ErrRingFull)
	assert.Same(t, pkt, got, "caller keeps the packet")
	if diff := cmp.Diff(before, snapshotTx(q)); diff != "" {
		t.Fatalf("ring changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, mapped, h.emu.Memory().Mapped(), "mapping undone")
	assert.Equal(t, uint64(1), q.stats.Full)
	require.NoError(t, q.slots.check())
	pkt.Free()
}

func TestTransmitChainOnSmallRing(t *testing.T) {
	conf := pollConf()
	conf.TxDescs = MinTxDescs
	h := newHarness(t, conf, emu.Config{HoldTx: true})
	h.init()
	q := h.txq(0)

	a := rawFrame(peerMAC, 60, 1)
	b := rawFrame(peerMAC, 300, 2)
	require.NoError(t, h.dev.Transmit(h.packet(a, 0)))

	// With one descriptor in use the ring cannot take a worst case
	// chain, so b waits.
	q.lock.Lock()
	before := snapshotTx(q)
	q.lock.Unlock()
	require.NoError(t, h.dev.Transmit(h.packet(b, 100)))
	q.lock.Lock()
	assert.Equal(t, 1, q.pending.len())
	assert.Empty(t, cmp.Diff(before, snapshotTx(q)))
	q.lock.Unlock()

	require.Equal(t, 1, h.emu.ProcessTx(0))
	h.dev.PollTx(0)
	q.lock.Lock()
	assert.Zero(t, q.pending.len(), "posted once the ring drained")
	assert.Equal(t, 4, q.head.idx)
	q.lock.Unlock()

	require.Equal(t, 1, h.emu.ProcessTx(0))
	h.dev.PollTx(0)
	assert.Equal(t, [][]byte{a, b}, h.transmitted())
	h.checkSlots()
}

func TestTransmitChainThenSinglesOnSmallRing(t *testing.T) {
	conf := pollConf()
	conf.TxDescs = MinTxDescs
	h := newHarness(t, conf, emu.Config{HoldTx: true})
	h.init()
	q := h.txq(0)

	want := [][]byte{rawFrame(peerMAC, 300, 0)}
	require.NoError(t, h.dev.Transmit(h.packet(want[0], 100)))
	for i := range 10 {
		f := rawFrame(peerMAC, 60+i, byte(i+1))
		want = append(want, f)
		require.NoError(t, h.dev.Transmit(h.packet(f, 0)))
	}
	q.lock.Lock()
	assert.Zero(t, q.pending.len())
	assert.Equal(t, 13, q.head.idx)
	q.lock.Unlock()

	require.Equal(t, 11, h.emu.ProcessTx(0))
	h.dev.PollTx(0)
	assert.Equal(t, want, h.transmitted())
	assert.Equal(t, uint64(11), h.dev.Stats().Tx[0].Packets)
	h.checkSlots()
}

func TestTransmitChain(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{HoldTx: true})
	h.init()
	q := h.txq(0)

	data := rawFrame(peerMAC, 300, 9)
	require.NoError(t, h.dev.Transmit(h.packet(data, 100)))
	q.lock.Lock()
	assert.Equal(t, 3, q.head.idx)
	assert.Equal(t, 2, q.eop[0])
	for i, want := range []hw.TxFields{
		{Len: 100, Gen: hw.InitGen},
		{Len: 100, Gen: hw.InitGen},
		{Len: 100, Gen: hw.InitGen, EOP: true, CompReq: true},
	} {
		f := q.descs[i].Load()
		f.Addr = 0
		assert.Equal(t, want, f, "desc %d", i)
	}
	q.lock.Unlock()

	require.Equal(t, 1, h.emu.ProcessTx(0))
	h.dev.PollTx(0)
	assert.Equal(t, [][]byte{data}, h.transmitted())

	q.lock.Lock()
	assert.Equal(t, 3, q.next)
	assert.Equal(t, uint64(300), q.stats.Bytes)
	q.lock.Unlock()
	h.checkSlots()
}

func TestTransmitDefrag(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	before := h.pool.Outstanding()

	data := rawFrame(peerMAC, 400, 2)
	pkt := h.packet(data, 10)
	require.Greater(t, pkt.NumBufs(), TxMaxSegs)
	require.NoError(t, h.dev.Transmit(pkt))
	h.dev.PollTx(0)

	assert.Equal(t, [][]byte{data}, h.transmitted())
	s := h.dev.Stats()
	assert.Equal(t, uint64(1), s.Tx[0].Defragged)
	assert.Equal(t, uint64(1), s.Tx[0].Packets)
	assert.Equal(t, before, h.pool.Outstanding())

	// When the copy cannot be allocated the packet is dropped.
	pkt = h.packet(data, 10)
	h.pool.FailNext(1)
	require.NoError(t, h.dev.Transmit(pkt))
	s = h.dev.Stats()
	assert.Equal(t, uint64(1), s.Tx[0].DefragFailed)
	assert.Equal(t, uint64(1), s.Tx[0].Packets)
	assert.Equal(t, before, h.pool.Outstanding())
	assert.Len(t, h.transmitted(), 1)
}

func TestTransmitChecksumOffload(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()

	for _, tt := range []struct {
		name string
		spec emu.FrameSpec
		vlan uint16
	}{
		{"tcp4", emu.FrameSpec{TCP: true, SrcPort: 1000, DstPort: 80, Payload: make([]byte, 900)}, 0},
		{"udp4 vlan", emu.FrameSpec{SrcPort: 53, DstPort: 53, Payload: make([]byte, 64)}, 12},
		{"udp6", emu.FrameSpec{
			SrcIP: net.ParseIP("fd00::1"), DstIP: net.ParseIP("fd00::2"),
			SrcPort: 9, DstPort: 9, Payload: []byte{1, 2, 3, 4},
		}, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Src, spec.Dst = h.dev.MAC(), peerMAC
			if spec.SrcIP == nil {
				spec.SrcIP, spec.DstIP = net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2)
			}
			want, err := emu.BuildFrame(spec)
			require.NoError(t, err)

			frame := bytes.Clone(want)
			req, field, err := emu.SeedChecksum(frame)
			require.NoError(t, err)
			pkt := h.packet(frame, 256)
			pkt.Csum, pkt.CsumData = req, field
			if tt.vlan != 0 {
				pkt.Flags |= pktbuf.FlagVLAN
				pkt.VLAN = tt.vlan
			}

			sent := len(h.transmitted())
			require.NoError(t, h.dev.Transmit(pkt))
			h.dev.PollTx(0)
			out := h.transmitted()
			require.Len(t, out, sent+1)
			got := out[sent]

			if tt.vlan != 0 {
				spec.VLAN = tt.vlan
				want, err = emu.BuildFrame(spec)
				require.NoError(t, err)
			}
			assert.Equal(t, want, got)
			ipOK, l4OK, err := emu.VerifyChecksums(got)
			require.NoError(t, err)
			assert.True(t, ipOK)
			assert.True(t, l4OK)
		})
	}
	assert.Equal(t, uint64(3), h.dev.Stats().Tx[0].Offloaded)
}

func TestTransmitOffloadParseFailureDrops(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	before := h.pool.Outstanding()

	pkt := h.packet(rawFrame(peerMAC, 80, 0), 0)
	pkt.Csum, pkt.CsumData = pktbuf.CsumTCP, pktbuf.TCPChecksumOffset
	require.NoError(t, h.dev.Transmit(pkt))

	s := h.dev.Stats()
	assert.Equal(t, uint64(1), s.Tx[0].OffloadFailed)
	assert.Zero(t, s.Tx[0].Packets)
	assert.Empty(t, h.transmitted())
	assert.Equal(t, before, h.pool.Outstanding())
	h.checkSlots()
}

func TestTransmitCompletionMismatch(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{HoldTx: true})
	h.init()
	q := h.txq(0)

	for i := range 2 {
		require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, byte(i)), 0)))
	}
	// The oldest packet ends in slot 0; a completion naming slot 1 would
	// misattribute it.
	require.NoError(t, h.emu.CompleteTx(0, 1))
	h.dev.PollTx(0)

	q.lock.Lock()
	assert.Equal(t, uint64(1), q.stats.CompMismatch)
	assert.Zero(t, q.stats.Packets)
	assert.Zero(t, q.next)
	assert.True(t, q.slots.occupied(0))
	assert.True(t, q.slots.occupied(1))
	q.lock.Unlock()
	assert.True(t, h.dev.reinitRequested.Load())
	assert.Equal(t, 1, h.logged(logrus.ErrorLevel, "completion does not match the oldest packet"))

	h.dev.Tick()
	s := h.dev.Stats()
	assert.Equal(t, uint64(2), s.Tx[0].Dropped)
	assert.Equal(t, uint64(2), s.Reinits)
	assert.False(t, h.dev.reinitRequested.Load())
	h.checkSlots()
}

func TestDoorbellCoalescing(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{HoldTx: true, TxIntrThreshold: 4})
	h.init()

	for i := range 3 {
		require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, byte(i)), 0)))
	}
	n, _ := h.emu.Doorbells(0)
	assert.Zero(t, n)

	require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, 3), 0)))
	n, head := h.emu.Doorbells(0)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, uint32(4), head)
	assert.Equal(t, 4, h.emu.ProcessTx(0))
}

func TestDoorbellCountResetOnReinit(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{HoldTx: true, TxIntrThreshold: 4})
	h.init()

	for i := range 3 {
		require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, byte(i)), 0)))
	}
	n, _ := h.emu.Doorbells(0)
	require.Zero(t, n)

	h.dev.Stop()
	h.init()
	n0, _ := h.emu.Doorbells(0)

	// The three unannounced descriptors went away with the old ring.
	for i := range 3 {
		require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, byte(10+i)), 0)))
	}
	n, _ = h.emu.Doorbells(0)
	assert.Equal(t, n0, n)

	require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, 13), 0)))
	n, head := h.emu.Doorbells(0)
	assert.Equal(t, n0+1, n)
	assert.Equal(t, uint32(4), head)
	assert.Equal(t, 4, h.emu.ProcessTx(0))
	h.checkSlots()
}

func TestTransmitRingWraps(t *testing.T) {
	for _, ndesc := range []int{32, 64} {
		t.Run(fmt.Sprintf("%d descs", ndesc), func(t *testing.T) {
			conf := pollConf()
			conf.TxDescs = ndesc
			h := newHarness(t, conf, emu.Config{HoldTx: true})
			h.init()
			q := h.txq(0)
			rng := rand.New(rand.NewPCG(uint64(ndesc), 7))

			drain := func() {
				for i := 0; ; i++ {
					require.Less(t, i, 100, "ring did not drain")
					h.emu.ProcessTx(0)
					h.dev.PollTx(0)
					q.lock.Lock()
					idle := q.pending.empty() && q.avail() == len(q.descs)-1
					q.lock.Unlock()
					if idle {
						return
					}
				}
			}

			var want [][]byte
			descs := 0
			for burst := range 150 {
				for range 1 + rng.IntN(8) {
					seg := 0
					if rng.IntN(2) == 0 {
						seg = 64 + rng.IntN(448)
					}
					f := rawFrame(peerMAC, 60+rng.IntN(1401), byte(len(want)))
					pkt := h.packet(f, seg)
					descs += pkt.NumBufs()
					want = append(want, f)
					require.NoError(t, h.dev.Transmit(pkt), "burst %d", burst)
				}
				h.emu.ProcessTx(0)
				h.dev.PollTx(0)
				h.checkSlots()
				drain()
			}

			require.Greater(t, descs, 4*ndesc)
			got := h.transmitted()
			require.Len(t, got, len(want))
			for i := range want {
				require.Equal(t, want[i], got[i], "frame %d", i)
			}
			s := h.dev.Stats().Tx[0]
			assert.Equal(t, uint64(len(want)), s.Packets)
			assert.Zero(t, s.Dropped)
			h.checkSlots()
		})
	}
}
