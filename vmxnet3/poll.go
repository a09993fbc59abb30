package vmxnet3

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how long a poller idles when its queue has no
// completions.
const DefaultPollInterval = 50 * time.Microsecond

// PollTx reclaims completed packets on transmit queue i and posts
// pending ones.
func (sc *Device) PollTx(i int) {
	q := sc.txq[i]
	q.lock.Lock()
	if sc.running.Load() {
		q.eof()
		q.start()
	}
	q.lock.Unlock()
}

// PollRx delivers the frames completed on receive queue i.
func (sc *Device) PollRx(i int) {
	q := sc.rxq[i]
	q.lock.Lock()
	q.eof()
	q.lock.Unlock()
}

// PollEvents handles pending device events.
func (sc *Device) PollEvents() {
	if sc.ds.Event() != 0 {
		sc.evintr()
	}
}

// Poll services events and every queue once.
func (sc *Device) Poll() {
	sc.PollEvents()
	for i := range sc.rxq {
		sc.PollRx(i)
	}
	for i := range sc.txq {
		sc.PollTx(i)
	}
}

func (q *txQueue) idle() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return !q.comp.ready()
}

func (q *rxQueue) idle() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return !q.comp.ready()
}

// RunPollers services dev from one goroutine per queue plus one for
// events until ctx is canceled, then returns context.Canceled. It is
// meant for devices attached with Config.Poll set. A poller idles for
// interval whenever its queue has nothing to do.
func RunPollers(ctx context.Context, dev *Device, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	g, ctx := errgroup.WithContext(ctx)

	loop := func(poll func(), idle func() bool) func() error {
		return func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			t := time.NewTicker(interval)
			defer t.Stop()
			for ctx.Err() == nil {
				if dev.detached.Load() {
					return ErrDetached
				}
				poll()
				if !idle() {
					continue
				}
				select {
				case <-ctx.Done():
				case <-t.C:
				}
			}
			return ctx.Err()
		}
	}

	for i, q := range dev.txq {
		g.Go(loop(func() { dev.PollTx(i) }, q.idle))
	}
	for i, q := range dev.rxq {
		g.Go(loop(func() { dev.PollRx(i) }, q.idle))
	}
	g.Go(loop(dev.PollEvents, func() bool { return dev.ds.Event() == 0 }))

	return g.Wait()
}
