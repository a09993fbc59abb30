package vmxnet3

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
)

// harness is a driver attached to an emulated device. Unless a test
// asks for interrupts the device is polled and the tick only runs when
// the test calls Tick.
type harness struct {
	t    *testing.T
	pool *pktbuf.Pool
	emu  *emu.Device
	dev  *Device
	logs *test.Hook

	mu   sync.Mutex
	rx   []*pktbuf.Packet
	sent [][]byte
}

func newHarness(t *testing.T, conf Config, ec emu.Config) *harness {
	t.Helper()
	h := &harness{t: t, pool: pktbuf.NewPool()}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h.logs = hook

	ec.Logger = logger
	ec.Backend = emu.BackendFunc(func(_ int, frame []byte) {
		h.mu.Lock()
		h.sent = append(h.sent, frame)
		h.mu.Unlock()
	})
	var err error
	h.emu, err = emu.New(ec)
	require.NoError(t, err)

	if conf.TxQueues == 0 {
		conf.TxQueues = 1
	}
	if conf.RxQueues == 0 {
		conf.RxQueues = 1
	}
	if conf.TickInterval == 0 {
		conf.TickInterval = time.Hour
	}
	if conf.Input == nil {
		conf.Input = func(p *pktbuf.Packet) {
			h.mu.Lock()
			h.rx = append(h.rx, p)
			h.mu.Unlock()
		}
	}
	conf.Logger = logger
	conf.Pool = h.pool

	h.dev, err = Attach(platform(h.emu), conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.dev.Detach()
		h.freeReceived()
	})
	return h
}

func platform(e *emu.Device) Platform {
	return Platform{Registers: e, Memory: e.Memory(), Interrupts: e}
}

// pollConf is the configuration most tests use.
func pollConf() Config {
	return Config{Poll: true, TxQueues: 1, RxQueues: 1}
}

func (h *harness) init() {
	h.t.Helper()
	require.NoError(h.t, h.dev.Init())
}

func (h *harness) received() []*pktbuf.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*pktbuf.Packet(nil), h.rx...)
}

func (h *harness) transmitted() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

func (h *harness) freeReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.rx {
		p.Free()
	}
	h.rx = nil
}

// packet copies data into a packet of buffers of at most segSize bytes.
func (h *harness) packet(data []byte, segSize int) *pktbuf.Packet {
	h.t.Helper()
	p, err := h.pool.FromBytes(data, segSize)
	require.NoError(h.t, err)
	return p
}

// rawFrame returns an n byte frame to dst whose payload is a byte
// pattern seeded by seed.
func rawFrame(dst net.HardwareAddr, n int, seed byte) []byte {
	f := make([]byte, n)
	copy(f, dst)
	copy(f[6:], net.HardwareAddr{0x02, 0, 0, 0, 0, 0xEE})
	binary.BigEndian.PutUint16(f[12:], 0x88B5)
	for i := 14; i < n; i++ {
		f[i] = seed + byte(i)
	}
	return f
}

func (h *harness) txq(i int) *txQueue { return h.dev.txq[i] }
func (h *harness) rxq(i int) *rxQueue { return h.dev.rxq[i] }

// checkSlots verifies every slot table of the device.
func (h *harness) checkSlots() {
	h.t.Helper()
	for _, q := range h.dev.txq {
		q.lock.Lock()
		err := q.slots.check()
		q.lock.Unlock()
		require.NoError(h.t, err, "txq %d", q.id)
	}
	for _, q := range h.dev.rxq {
		q.lock.Lock()
		for i := range q.rings {
			require.NoError(h.t, q.rings[i].slots.check(), "rxq %d ring %d", q.id, i)
		}
		q.lock.Unlock()
	}
}

// logged counts the entries at level whose message is msg.
func (h *harness) logged(level logrus.Level, msg string) int {
	n := 0
	for _, e := range h.logs.AllEntries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}
