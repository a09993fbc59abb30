package vmxnet3

import (
	"fmt"
	"math/rand/v2"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

func TestReceiveChainLengths(t *testing.T) {
	conf := pollConf()
	conf.MTU = MaxMTU
	const seg = 64
	h := newHarness(t, conf, emu.Config{RxSegSize: seg})
	h.init()

	q := h.rxq(0)
	require.Equal(t, 2, q.maxChain)

	for n := 1; n <= RxMaxSegs; n++ {
		frame := rawFrame(h.dev.MAC(), seg*(n-1)+20, byte(n))
		require.NoError(t, h.emu.Inject(0, frame), "chain of %d", n)
		h.dev.PollRx(0)

		rx := h.received()
		require.Len(t, rx, 1, "chain of %d", n)
		assert.Equal(t, n, rx[0].NumBufs(), "chain of %d", n)
		assert.Equal(t, frame, rx[0].Bytes(), "chain of %d", n)
		h.freeReceived()
	}

	// A frame that needs one buffer more than a chain may hold is
	// refused by the device.
	err := h.emu.Inject(0, rawFrame(h.dev.MAC(), seg*RxMaxSegs+1, 0))
	require.ErrorIs(t, err, emu.ErrTooManySegs)
	h.dev.PollRx(0)
	assert.Empty(t, h.received())

	s := h.dev.Stats().Rx[0]
	assert.Equal(t, uint64(RxMaxSegs), s.Packets)
	// Only the single buffer frame leaves a body slot behind in ring 0.
	assert.Equal(t, uint64(1), s.Skipped)
	assert.Zero(t, s.InputErrors)
	h.checkSlots()
}

func TestReceiveRingSelection(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8, 16} {
		t.Run(fmt.Sprintf("%d queues", n), func(t *testing.T) {
			conf := pollConf()
			conf.RxQueues, conf.CPUs = n, n
			conf.MTU = MaxMTU
			h := newHarness(t, conf, emu.Config{RxSegSize: 1500})
			h.init()
			_, nrx := h.dev.NumQueues()
			require.Equal(t, n, nrx)

			for i := range n {
				// Head and body from ring 0, the tail from ring 1.
				frame := rawFrame(h.dev.MAC(), 4000, byte(i))
				require.NoError(t, h.emu.Inject(i, frame))
				h.dev.PollRx(i)

				rx := h.received()
				require.Len(t, rx, 1, "queue %d", i)
				assert.Equal(t, i, rx[0].Queue)
				assert.Equal(t, 3, rx[0].NumBufs())
				assert.Equal(t, frame, rx[0].Bytes())
				h.freeReceived()
			}
			for i, s := range h.dev.Stats().Rx {
				assert.Equal(t, uint64(1), s.Packets, "queue %d", i)
				assert.Zero(t, s.InputErrors, "queue %d", i)
			}
			h.checkSlots()
		})
	}
}

func TestReceiveRSS(t *testing.T) {
	conf := pollConf()
	conf.RxQueues, conf.CPUs = 4, 4
	h := newHarness(t, conf, emu.Config{})
	h.init()

	for port := range uint16(32) {
		frame, err := emu.BuildFrame(emu.FrameSpec{
			Src: peerMAC, Dst: h.dev.MAC(),
			SrcIP: net.IPv4(198, 51, 100, 7), DstIP: net.IPv4(198, 51, 100, 1),
			TCP: true, SrcPort: 40000 + port, DstPort: 443,
			Payload: []byte("hello"),
		})
		require.NoError(t, err)
		require.NoError(t, h.emu.Receive(frame))
	}
	h.dev.Poll()

	rx := h.received()
	require.Len(t, rx, 32)
	queues := map[int]bool{}
	for _, p := range rx {
		require.NotZero(t, p.Flags&pktbuf.FlagFlowHash)
		assert.Equal(t, int(p.FlowHash%hw.RSSMaxIndTableSize)%4, p.Queue)
		queues[p.Queue] = true
	}
	assert.Greater(t, len(queues), 1, "flows spread over queues")
}

func TestReceiveSkippedSlots(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()

	require.NoError(t, h.emu.SkipRx(0, 0, 3))
	frame := rawFrame(h.dev.MAC(), 100, 1)
	require.NoError(t, h.emu.Inject(0, frame))
	h.dev.PollRx(0)

	rx := h.received()
	require.Len(t, rx, 1)
	assert.Equal(t, frame, rx[0].Bytes())

	q := h.rxq(0)
	q.lock.Lock()
	assert.Equal(t, 4, q.rings[0].fill.idx)
	assert.Equal(t, uint64(3), q.stats.Skipped)
	q.lock.Unlock()
	h.checkSlots()
}

func TestReceiveBadQueueID(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()

	require.NoError(t, h.emu.CompleteRx(0, hw.RxCompletion{
		QID: 7, SOP: true, EOP: true, Len: 60,
	}))
	h.dev.PollRx(0)

	assert.Empty(t, h.received())
	assert.Equal(t, uint64(1), h.dev.Stats().Rx[0].InputErrors)
	assert.True(t, h.dev.reinitRequested.Load())
	assert.Equal(t, 1, h.logged(logrus.ErrorLevel, "bad receive completion"))

	h.dev.Tick()
	assert.False(t, h.dev.reinitRequested.Load())
	assert.Equal(t, uint64(2), h.dev.Stats().Reinits)
	h.checkSlots()
}

func TestReceiveErrorFrameDropped(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	before := h.pool.Outstanding()

	idx, err := h.emu.ConsumeRx(0, 0)
	require.NoError(t, err)
	require.NoError(t, h.emu.CompleteRx(0, hw.RxCompletion{
		RxdIdx: uint32(idx), SOP: true, EOP: true, Len: 60, Error: true,
	}))
	h.dev.PollRx(0)
	assert.Empty(t, h.received())
	assert.Equal(t, uint64(1), h.dev.Stats().Rx[0].InputErrors)
	assert.Equal(t, before, h.pool.Outstanding(), "slot refilled, bad frame freed")

	// The ring carries on with the next slot.
	frame := rawFrame(h.dev.MAC(), 64, 3)
	require.NoError(t, h.emu.Inject(0, frame))
	h.dev.PollRx(0)
	rx := h.received()
	require.Len(t, rx, 1)
	assert.Equal(t, frame, rx[0].Bytes())
	assert.False(t, h.dev.reinitRequested.Load())
}

func TestReceiveOffloadAnnotations(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	h.dev.RegisterVLAN(7)

	spec := emu.FrameSpec{
		Src: peerMAC, Dst: h.dev.MAC(),
		SrcIP: net.IPv4(192, 0, 2, 9), DstIP: net.IPv4(192, 0, 2, 1),
		SrcPort: 5000, DstPort: 6000, Payload: make([]byte, 200),
	}
	plain, err := emu.BuildFrame(spec)
	require.NoError(t, err)
	spec.VLAN = 7
	tagged, err := emu.BuildFrame(spec)
	require.NoError(t, err)
	corrupt := append([]byte(nil), plain...)
	corrupt[len(corrupt)-1] ^= 0xFF

	spec.VLAN = 8
	other, err := emu.BuildFrame(spec)
	require.NoError(t, err)
	require.ErrorIs(t, h.emu.Inject(0, other), emu.ErrFiltered)

	for _, f := range [][]byte{plain, tagged, corrupt} {
		require.NoError(t, h.emu.Inject(0, f))
	}
	h.dev.PollRx(0)
	rx := h.received()
	require.Len(t, rx, 3)

	valid := pktbuf.CsumIPChecked | pktbuf.CsumIPValid | pktbuf.CsumDataValid | pktbuf.CsumPseudoHdr
	assert.Equal(t, valid, rx[0].Csum)
	assert.Equal(t, uint16(0xFFFF), rx[0].CsumData)
	assert.Zero(t, rx[0].Flags&pktbuf.FlagVLAN)

	assert.Equal(t, valid, rx[1].Csum)
	assert.NotZero(t, rx[1].Flags&pktbuf.FlagVLAN)
	assert.Equal(t, uint16(7), rx[1].VLAN)
	assert.Equal(t, plain, rx[1].Bytes(), "tag stripped")

	assert.Equal(t, pktbuf.CsumIPChecked|pktbuf.CsumIPValid, rx[2].Csum)
}

func TestReceiveAddressFlags(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()

	group := net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}
	bcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	require.ErrorIs(t, h.emu.Inject(0, rawFrame(group, 64, 0)), emu.ErrFiltered)
	require.NoError(t, h.dev.SetMulticast([]net.HardwareAddr{group}))

	for _, dst := range []net.HardwareAddr{h.dev.MAC(), group, bcast} {
		require.NoError(t, h.emu.Inject(0, rawFrame(dst, 64, 0)))
	}
	h.dev.PollRx(0)
	rx := h.received()
	require.Len(t, rx, 3)
	assert.Zero(t, rx[0].Flags&(pktbuf.FlagMulticast|pktbuf.FlagBroadcast))
	assert.Equal(t, pktbuf.FlagMulticast, rx[1].Flags&(pktbuf.FlagMulticast|pktbuf.FlagBroadcast))
	assert.Equal(t, pktbuf.FlagBroadcast, rx[2].Flags&(pktbuf.FlagMulticast|pktbuf.FlagBroadcast))
	// Frames that are not IP carry no checksum result.
	assert.Zero(t, rx[0].Csum)
}

func TestReceiveRingWraps(t *testing.T) {
	for _, mtu := range []int{1500, 3000, 9000} {
		t.Run(fmt.Sprintf("mtu %d", mtu), func(t *testing.T) {
			conf := pollConf()
			conf.MTU = mtu
			conf.RxDescs = 32
			h := newHarness(t, conf, emu.Config{})
			h.init()
			rng := rand.New(rand.NewPCG(uint64(mtu), 11))

			count, bufs := 0, 0
			for count < 300 {
				var batch [][]byte
				for range 1 + rng.IntN(3) {
					f := rawFrame(h.dev.MAC(), 60+rng.IntN(mtu+14-60+1), byte(count))
					require.NoError(t, h.emu.Inject(0, f), "frame %d", count)
					batch = append(batch, f)
					count++
				}
				h.dev.PollRx(0)

				rx := h.received()
				require.Len(t, rx, len(batch))
				for i, p := range rx {
					assert.Equal(t, batch[i], p.Bytes())
					bufs += p.NumBufs()
				}
				h.freeReceived()
				h.checkSlots()
			}

			require.Greater(t, bufs, 4*32)
			s := h.dev.Stats().Rx[0]
			assert.Equal(t, uint64(count), s.Packets)
			assert.Zero(t, s.InputErrors)
		})
	}
}

func TestReceiveMalformedHeadersUnannotated(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()

	frame, err := emu.BuildFrame(emu.FrameSpec{
		Src: peerMAC, Dst: h.dev.MAC(),
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
		SrcPort: 1000, DstPort: 2000,
		Payload: make([]byte, 32),
	})
	require.NoError(t, err)
	// IHL 15 claims more header than the datagram holds.
	frame[14] = 0x4F

	require.NoError(t, h.emu.Inject(0, frame))
	h.dev.PollRx(0)
	rx := h.received()
	require.Len(t, rx, 1)
	assert.Equal(t, frame, rx[0].Bytes())
	assert.Zero(t, rx[0].Csum)
	assert.Zero(t, rx[0].Flags&pktbuf.FlagFlowHash)
	assert.Equal(t, 1, h.logged(logrus.DebugLevel, "delivering frame without offload"))
	h.freeReceived()
}
