package vmxnet3

import (
	"time"

	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

func (sc *Device) armTick() {
	var t *time.Timer
	t = time.AfterFunc(sc.conf.TickInterval, func() {
		sc.lock.Lock()
		defer sc.lock.Unlock()
		if sc.tick != t || !sc.running.Load() {
			return
		}
		sc.tickLocked()
	})
	sc.tick = t
}

func (sc *Device) stopTick() {
	if sc.tick != nil {
		sc.tick.Stop()
		sc.tick = nil
	}
}

// Tick runs one round of the periodic timer now: counters are refreshed
// and every transmit watchdog counts down. A queue whose watchdog
// expires, or a pending reinit request, resets the device.
func (sc *Device) Tick() {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if !sc.running.Load() {
		return
	}
	sc.stopTick()
	sc.tickLocked()
}

func (sc *Device) tickLocked() {
	sc.accumulateStats()
	sc.writeCmd(hw.CmdGetStats)

	timedOut := false
	for _, q := range sc.txq {
		if q.checkWatchdog() {
			q.log.Warn("watchdog timeout")
			sc.watchdogTimeouts++
			timedOut = true
		}
	}

	if timedOut || sc.reinitRequested.Load() {
		sc.running.Store(false)
		if err := sc.initLocked(); err != nil {
			sc.log.WithError(err).Error("reinit failed")
		}
		return
	}
	sc.armTick()
}
