package vmxnet3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// Device is an attached vmxnet3 NIC.
//
// The device lock guards state shared by all queues. Each queue has a
// lock of its own for its rings. When both are needed the device lock
// is taken first; queue paths never take the device lock.
type Device struct {
	conf  Config
	log   *logrus.Entry
	regs  Registers
	mem   *dma.Space
	intrs Interrupts
	pool  *pktbuf.Pool

	lock     sync.Mutex
	running  atomic.Bool
	link     atomic.Bool
	detached atomic.Bool
	// reinitRequested is set by queue paths that found the device in a
	// state only a reinit can repair.
	reinitRequested atomic.Bool

	intrType  hw.IntrType
	maskMode  hw.IntrMaskMode
	vectors   []<-chan struct{}
	eventIntr int
	rss       bool

	dsMem    *dma.Region
	qsMem    *dma.Region
	rssMem   *dma.Region
	mcastMem *dma.Region
	ds       *hw.DriverShared
	rssConf  *hw.RSSShared

	txq     []*txQueue
	rxq     []*rxQueue
	txTasks chan *txQueue
	txRotor atomic.Uint32

	mac        net.HardwareAddr
	mtu        int
	caps       Capability
	hwassist   pktbuf.Csum
	linkSpeed  uint32
	promisc    bool
	allmulti   bool
	mcast      []net.HardwareAddr
	vlanFilter [hw.VLANFilterLen]uint32

	tick             *time.Timer
	totals           Totals
	reinits          uint64
	watchdogTimeouts uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Attach negotiates with the device, allocates every queue and the data
// shared with the device, and starts the interrupt handlers. The device
// stays stopped until Init.
func Attach(p Platform, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	sc := &Device{
		conf:  conf,
		log:   conf.Logger.WithField("dev", conf.Name),
		regs:  p.Registers,
		mem:   p.Memory,
		intrs: p.Interrupts,
		pool:  conf.Pool,
		mtu:   conf.MTU,
		caps:  conf.Capabilities,
	}
	if err := sc.attach(); err != nil {
		sc.log.WithError(err).Error("attach failed")
		if derr := sc.Detach(); derr != nil {
			sc.log.WithError(derr).Warn("cleanup after failed attach")
		}
		return nil, err
	}
	sc.log.WithFields(logrus.Fields{
		"mac":   sc.mac.String(),
		"intr":  sc.intrType.String(),
		"txq":   len(sc.txq),
		"rxq":   len(sc.rxq),
		"rss":   sc.rss,
		"descs": fmt.Sprintf("%d/%d", conf.TxDescs, conf.RxDescs),
	}).Info("attached")
	return sc, nil
}

func (sc *Device) attach() error {
	if err := sc.checkVersion(); err != nil {
		return err
	}
	sc.getLLAddr()

	ntx, nrx, err := sc.allocInterrupts()
	if err != nil {
		return err
	}
	if err := sc.allocData(ntx, nrx); err != nil {
		return err
	}
	sc.initShared()
	sc.initHWAssist()

	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.txTasks = make(chan *txQueue, len(sc.txq))
	for range max(1, len(sc.txq)/2) {
		sc.wg.Go(func() { sc.txWorker(ctx) })
	}
	if !sc.conf.Poll {
		sc.startInterrupts(ctx)
	}
	return nil
}

func (sc *Device) checkVersion() error {
	if v := sc.regs.ReadBAR1(hw.BAR1VRRS); v&0x01 == 0 {
		return fmt.Errorf("%w: hardware revision mask %#x", ErrUnsupportedVersion, v)
	}
	sc.regs.WriteBAR1(hw.BAR1VRRS, 1)
	if v := sc.regs.ReadBAR1(hw.BAR1UVRS); v&0x01 == 0 {
		return fmt.Errorf("%w: UPT revision mask %#x", ErrUnsupportedVersion, v)
	}
	sc.regs.WriteBAR1(hw.BAR1UVRS, 1)
	return nil
}

func (sc *Device) allocData(ntx, nrx int) (err error) {
	if sc.dsMem, err = sc.mem.Alloc(hw.DriverSharedSize, 1); err != nil {
		return fmt.Errorf("allocating shared data: %w", err)
	}
	sc.ds = hw.DriverSharedAt(sc.dsMem.Buf)

	qsLen := ntx*hw.TxQueueSharedSize + nrx*hw.RxQueueSharedSize
	if sc.qsMem, err = sc.mem.Alloc(qsLen, 128); err != nil {
		return fmt.Errorf("allocating queue shared data: %w", err)
	}
	txs, rxs := hw.QueueSharedAt(sc.qsMem.Buf, ntx, nrx)

	if sc.rss {
		if sc.rssMem, err = sc.mem.Alloc(hw.RSSSharedSize, 128); err != nil {
			return fmt.Errorf("allocating RSS data: %w", err)
		}
		sc.rssConf = hw.RSSSharedAt(sc.rssMem.Buf)
	}
	if sc.mcastMem, err = sc.mem.Alloc(hw.MulticastMax*etherAddrLen, 32); err != nil {
		return fmt.Errorf("allocating multicast table: %w", err)
	}

	for i := range ntx {
		q, err := sc.newTxQueue(i, &txs[i])
		if err != nil {
			return err
		}
		sc.txq = append(sc.txq, q)
	}
	for i := range nrx {
		q, err := sc.newRxQueue(i, &rxs[i])
		if err != nil {
			return err
		}
		sc.rxq = append(sc.rxq, q)
	}
	sc.setInterruptIndexes()
	return nil
}

// Detach stops the device and releases everything Attach allocated.
func (sc *Device) Detach() error {
	sc.lock.Lock()
	if sc.detached.Swap(true) {
		sc.lock.Unlock()
		return ErrDetached
	}
	if sc.ds != nil {
		sc.stopLocked()
	}
	sc.lock.Unlock()

	if sc.cancel != nil {
		sc.cancel()
	}
	sc.wg.Wait()
	if sc.vectors != nil {
		sc.intrs.Release()
		sc.vectors = nil
	}

	var errs []error
	for _, q := range sc.txq {
		errs = append(errs, q.free())
	}
	for _, q := range sc.rxq {
		errs = append(errs, q.free())
	}
	errs = append(errs,
		sc.mcastMem.Free(),
		sc.rssMem.Free(),
		sc.qsMem.Free(),
		sc.dsMem.Free(),
	)
	if err := errors.Join(errs...); err != nil {
		return err
	}
	sc.log.Info("detached")
	return nil
}

// Init brings the device up. It is a no-op if the device is running.
func (sc *Device) Init() error {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.detached.Load() {
		return ErrDetached
	}
	return sc.initLocked()
}

// Stop brings the device down, freeing every buffer posted to it.
func (sc *Device) Stop() {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.detached.Load() {
		return
	}
	sc.stopLocked()
}

// Running reports whether the device is up.
func (sc *Device) Running() bool { return sc.running.Load() }

func (sc *Device) initLocked() error {
	if sc.running.Load() {
		return nil
	}
	sc.reinitRequested.Store(false)
	sc.stopLocked()

	if err := sc.reinit(); err != nil {
		sc.log.WithError(err).Error("init failed")
		sc.stopLocked()
		return err
	}

	sc.running.Store(true)
	sc.linkStatus()
	sc.enableAllIntrs()
	sc.armTick()
	sc.reinits++
	if sc.link.Load() {
		sc.txStartAll()
	}
	return nil
}

func (sc *Device) stopLocked() {
	sc.running.Store(false)
	sc.link.Store(false)
	sc.stopTick()

	sc.disableAllIntrs()
	sc.writeCmd(hw.CmdDisable)

	// Stopping a queue waits for any path still inside it.
	for _, q := range sc.txq {
		q.stop()
	}
	for _, q := range sc.rxq {
		q.stop()
	}

	sc.writeCmd(hw.CmdReset)
}

func (sc *Device) reinit() error {
	sc.reinitInterface()
	sc.reinitShared()
	if err := sc.reinitQueues(); err != nil {
		return err
	}
	if err := sc.enableDevice(); err != nil {
		return err
	}
	sc.reinitRxFilters()
	return nil
}

func (sc *Device) reinitInterface() {
	sc.setLLAddr()
	sc.initHWAssist()
}

func (sc *Device) initHWAssist() {
	sc.hwassist = 0
	if sc.caps&CapTxCsum != 0 {
		sc.hwassist |= pktbuf.CsumOffloadIPv4
	}
	if sc.caps&CapTxCsumIPv6 != 0 {
		sc.hwassist |= pktbuf.CsumOffloadIPv6
	}
}

func (sc *Device) reinitQueues() error {
	for _, q := range sc.txq {
		q.init()
	}
	for _, q := range sc.rxq {
		if err := q.init(sc.mtu); err != nil {
			return fmt.Errorf("rx queue %d: %w", q.id, err)
		}
	}
	return nil
}

func (sc *Device) enableDevice() error {
	if v := sc.readCmd(hw.CmdEnable); v != 0 {
		return fmt.Errorf("%w: status %#x", ErrEnableFailed, v)
	}
	for q := range sc.rxq {
		sc.regs.WriteBAR0(hw.RxHead1(q), 0)
		sc.regs.WriteBAR0(hw.RxHead2(q), 0)
	}
	return nil
}

// requestReinit asks the next tick to reinitialize the device.
func (sc *Device) requestReinit(reason string) {
	if !sc.reinitRequested.Swap(true) {
		sc.log.WithField("reason", reason).Warn("reinit requested")
	}
}

func (sc *Device) txStartAll() {
	for _, q := range sc.txq {
		q.lock.Lock()
		q.start()
		q.lock.Unlock()
	}
}

func (sc *Device) input(pkt *pktbuf.Packet) {
	if sc.conf.Input == nil {
		pkt.Free()
		return
	}
	sc.conf.Input(pkt)
}

func (sc *Device) writeCmd(cmd uint32) { sc.regs.WriteBAR1(hw.BAR1Cmd, cmd) }

// readCmd issues cmd and reads back its result.
func (sc *Device) readCmd(cmd uint32) uint32 {
	sc.regs.WriteBAR1(hw.BAR1Cmd, cmd)
	return sc.regs.ReadBAR1(hw.BAR1Cmd)
}

func (sc *Device) linkStatus() {
	up, speed := hw.ParseLinkStatus(sc.readCmd(hw.CmdGetLink))
	sc.linkSpeed = speed
	if up == sc.link.Load() {
		return
	}
	sc.link.Store(up)
	sc.log.WithFields(logrus.Fields{"up": up, "speed": speed}).Info("link state changed")
	if sc.conf.LinkChange != nil {
		sc.conf.LinkChange(up, speed)
	}
}
