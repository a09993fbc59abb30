package vmxnet3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
)

func TestSelectQueue(t *testing.T) {
	conf := pollConf()
	conf.TxQueues, conf.CPUs = 4, 4
	h := newHarness(t, conf, emu.Config{})

	pkt := &pktbuf.Packet{Flags: pktbuf.FlagFlowHash, FlowHash: 10}
	for range 3 {
		assert.Equal(t, 2, h.dev.selectQueue(pkt), "a flow sticks to its queue")
	}
	var got []int
	for range 5 {
		got = append(got, h.dev.selectQueue(&pktbuf.Packet{}))
	}
	assert.Equal(t, []int{1, 2, 3, 0, 1}, got)
}

func TestTransmitWhileStopped(t *testing.T) {
	conf := pollConf()
	conf.PendingSize = 2
	h := newHarness(t, conf, emu.Config{})

	f1, f2 := rawFrame(peerMAC, 60, 1), rawFrame(peerMAC, 60, 2)
	require.NoError(t, h.dev.Transmit(h.packet(f1, 0)))
	require.NoError(t, h.dev.Transmit(h.packet(f2, 0)))

	extra := h.packet(rawFrame(peerMAC, 60, 3), 0)
	require.ErrorIs(t, h.dev.Transmit(extra), ErrQueueFull)
	extra.Free()
	assert.Empty(t, h.transmitted())
	assert.Equal(t, uint64(1), h.dev.Stats().Tx[0].QueueFull)

	h.init()
	assert.Equal(t, [][]byte{f1, f2}, h.transmitted())
	assert.Zero(t, h.dev.Flush())
}

func TestFlush(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	before := h.pool.Outstanding()
	for i := range 3 {
		require.NoError(t, h.dev.Transmit(h.packet(rawFrame(peerMAC, 60, byte(i)), 0)))
	}
	assert.Equal(t, 3, h.dev.Flush())
	assert.Equal(t, before, h.pool.Outstanding())
}

func TestTransmitEmptyPacket(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	pkt := h.packet(nil, 0)
	require.ErrorIs(t, h.dev.Transmit(pkt), ErrEmptyPacket)
	pkt.Free()
}

func TestTransmitContended(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	q := h.txq(0)

	frame := rawFrame(peerMAC, 100, 7)
	q.lock.Lock()
	require.NoError(t, h.dev.Transmit(h.packet(frame, 0)))
	assert.Equal(t, 1, q.pending.len())
	q.lock.Unlock()

	// A transmit worker picks the packet up once the lock is free.
	require.Eventually(t, func() bool {
		return len(h.transmitted()) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, frame, h.transmitted()[0])
}

func TestTransmitAfterDetach(t *testing.T) {
	h := newHarness(t, pollConf(), emu.Config{})
	h.init()
	require.NoError(t, h.dev.Detach())
	require.ErrorIs(t, h.dev.Detach(), ErrDetached)

	pkt := h.packet(rawFrame(peerMAC, 60, 0), 0)
	require.ErrorIs(t, h.dev.Transmit(pkt), ErrDetached)
	pkt.Free()
	require.ErrorIs(t, h.dev.Init(), ErrDetached)
}
