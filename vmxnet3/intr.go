package vmxnet3

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

// allocInterrupts picks the interrupt type, falling back from MSI-X to
// MSI to a legacy line, and returns the queue counts it can serve. Only
// MSI-X provides a vector per queue; otherwise one queue of each kind
// shares a single vector.
func (sc *Device) allocInterrupts() (ntx, nrx int, err error) {
	t, mode := hw.ParseIntrConfig(sc.readCmd(hw.CmdGetIntrConfig))
	sc.maskMode = mode
	if t == hw.IntrAuto {
		t = hw.IntrMSIX
	}
	if t == hw.IntrMSIX && sc.conf.DisableMSIX {
		t = hw.IntrMSI
	}

	var errs []error
	for ; t >= hw.IntrLegacy; t-- {
		n := 1
		if t == hw.IntrMSIX {
			n = sc.conf.TxQueues + sc.conf.RxQueues + 1
		}
		vectors, err := sc.intrs.Allocate(t, n)
		if err == nil {
			sc.intrType, sc.vectors = t, vectors
			break
		}
		errs = append(errs, err)
		sc.log.WithError(err).WithField("type", t.String()).Debug("interrupt allocation failed")
	}
	if sc.vectors == nil {
		return 0, 0, errors.Join(append([]error{ErrNoInterrupts}, errs...)...)
	}

	if sc.intrType != hw.IntrMSIX {
		return 1, 1, nil
	}
	sc.rss = sc.conf.RxQueues > 1
	return sc.conf.TxQueues, sc.conf.RxQueues, nil
}

// setInterruptIndexes assigns MSI-X vectors to the transmit queues,
// then the receive queues, then events. With a single vector everything
// uses vector 0.
func (sc *Device) setInterruptIndexes() {
	if sc.intrType != hw.IntrMSIX {
		return
	}
	for i, q := range sc.txq {
		q.intrIdx = i
	}
	for i, q := range sc.rxq {
		q.intrIdx = len(sc.txq) + i
	}
	sc.eventIntr = len(sc.txq) + len(sc.rxq)
}

func (sc *Device) startInterrupts(ctx context.Context) {
	for i, ch := range sc.vectors {
		handler := sc.legacyIntr
		if sc.intrType == hw.IntrMSIX {
			switch {
			case i < len(sc.txq):
				q := sc.txq[i]
				handler = func() { sc.txIntr(q) }
			case i < len(sc.txq)+len(sc.rxq):
				q := sc.rxq[i-len(sc.txq)]
				handler = func() { sc.rxIntr(q) }
			default:
				handler = sc.eventIntrHandler
			}
		}
		sc.wg.Go(func() { serveVector(ctx, ch, handler) })
	}
}

func serveVector(ctx context.Context, ch <-chan struct{}, handler func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			handler()
		}
	}
}

func (sc *Device) enableIntr(irq int) { sc.regs.WriteBAR0(hw.IMask(irq), 0) }

func (sc *Device) disableIntr(irq int) { sc.regs.WriteBAR0(hw.IMask(irq), 1) }

func (sc *Device) enableAllIntrs() {
	sc.ds.SetIntrCtrl(sc.ds.IntrCtrl() &^ hw.ICtrlDisableAll)
	for i := range sc.vectors {
		sc.enableIntr(i)
	}
}

func (sc *Device) disableAllIntrs() {
	sc.ds.SetIntrCtrl(sc.ds.IntrCtrl() | hw.ICtrlDisableAll)
	for i := range sc.vectors {
		sc.disableIntr(i)
	}
}

// legacyIntr services the single vector shared by events and the first
// queue pair.
func (sc *Device) legacyIntr() {
	if sc.intrType == hw.IntrLegacy && sc.regs.ReadBAR1(hw.BAR1Intr) == 0 {
		return
	}
	if sc.maskMode == hw.IntrMaskActive {
		sc.disableAllIntrs()
	}

	if sc.ds.Event() != 0 {
		sc.evintr()
	}
	sc.PollRx(0)
	sc.PollTx(0)

	if sc.running.Load() {
		sc.enableAllIntrs()
	}
}

func (sc *Device) txIntr(q *txQueue) {
	if sc.maskMode == hw.IntrMaskActive {
		sc.disableIntr(q.intrIdx)
	}
	sc.PollTx(q.id)
	if sc.running.Load() {
		sc.enableIntr(q.intrIdx)
	}
}

func (sc *Device) rxIntr(q *rxQueue) {
	if sc.maskMode == hw.IntrMaskActive {
		sc.disableIntr(q.intrIdx)
	}
	sc.PollRx(q.id)
	if sc.running.Load() {
		sc.enableIntr(q.intrIdx)
	}
}

func (sc *Device) eventIntrHandler() {
	if sc.maskMode == hw.IntrMaskActive {
		sc.disableIntr(sc.eventIntr)
	}
	if sc.ds.Event() != 0 {
		sc.evintr()
	}
	if sc.running.Load() {
		sc.enableIntr(sc.eventIntr)
	}
}

// evintr acknowledges and handles device events. Queue errors reset the
// whole device since the rings cannot be recovered one at a time.
func (sc *Device) evintr() {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.detached.Load() {
		return
	}

	event := sc.ds.Event()
	sc.regs.WriteBAR1(hw.BAR1Event, event)

	if event&hw.EventLink != 0 {
		sc.linkStatus()
		if sc.link.Load() {
			sc.txStartAll()
		}
	}

	reset := false
	if event&(hw.EventTxQueueError|hw.EventRxQueueError) != 0 {
		reset = true
		sc.readCmd(hw.CmdGetStatus)
		for _, q := range sc.txq {
			if q.shared.Stopped != 0 {
				q.log.WithField("error", q.shared.Error).Error("tx queue error")
			}
		}
		for _, q := range sc.rxq {
			if q.shared.Stopped != 0 {
				q.log.WithField("error", q.shared.Error).Error("rx queue error")
			}
		}
		sc.log.Warn("queue error event, resetting")
	}
	if event&hw.EventDIC != 0 {
		sc.log.Info("device implementation change event")
	}
	if event&hw.EventDebug != 0 {
		sc.log.WithFields(logrus.Fields{"event": event}).Debug("debug event")
	}

	if reset {
		sc.running.Store(false)
		if err := sc.initLocked(); err != nil {
			sc.log.WithError(err).Error("reset after queue error failed")
		}
	}
}
