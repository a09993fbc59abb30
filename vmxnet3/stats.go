package vmxnet3

import "github.com/romshark/vmxnet3-go/vmxnet3/hw"

// TxQueueStats are the driver counters of one transmit queue.
type TxQueueStats struct {
	Packets   uint64
	Bytes     uint64
	Multicast uint64
	// Offloaded counts packets posted with checksum offload.
	Offloaded uint64
	// Full counts attempts that found too few free descriptors.
	Full          uint64
	OffloadFailed uint64
	Defragged     uint64
	DefragFailed  uint64
	// Dropped counts packets freed unsent when the queue was stopped.
	Dropped uint64
	// CompMismatch counts completions that did not match the oldest
	// outstanding packet.
	CompMismatch uint64
	// QueueFull counts packets refused because the pending ring was
	// full. The caller kept them.
	QueueFull uint64
}

// RxQueueStats are the driver counters of one receive queue.
type RxQueueStats struct {
	Packets uint64
	Bytes   uint64
	// InputDrops counts frames dropped because a slot could not be
	// refilled.
	InputDrops uint64
	// InputErrors counts frames the device flagged as bad and
	// completions that made no sense.
	InputErrors uint64
	// Skipped counts slots the device passed over.
	Skipped     uint64
	AllocFailed uint64
	LoadFailed  uint64
}

// Totals are the interface counters summed over all queues as of the
// last tick.
type Totals struct {
	InPackets  uint64
	InBytes    uint64
	InDrops    uint64
	InErrors   uint64
	OutPackets uint64
	OutBytes   uint64
	OutMcasts  uint64
}

// Stats is a snapshot of every counter of a Device.
type Stats struct {
	Tx []TxQueueStats
	Rx []RxQueueStats

	// HostTx and HostRx are the counters the device keeps itself.
	HostTx []hw.UPT1TxStats
	HostRx []hw.UPT1RxStats

	Reinits          uint64
	WatchdogTimeouts uint64
}

func (s Stats) Totals() Totals {
	var t Totals
	for _, q := range s.Tx {
		t.OutPackets += q.Packets
		t.OutBytes += q.Bytes
		t.OutMcasts += q.Multicast
	}
	for _, q := range s.Rx {
		t.InPackets += q.Packets
		t.InBytes += q.Bytes
		t.InDrops += q.InputDrops
		t.InErrors += q.InputErrors
	}
	return t
}

// Stats refreshes the device counters and returns a snapshot.
func (sc *Device) Stats() Stats {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if !sc.detached.Load() {
		sc.writeCmd(hw.CmdGetStats)
	}
	return sc.snapshot()
}

func (sc *Device) snapshot() Stats {
	s := Stats{
		Tx:               make([]TxQueueStats, len(sc.txq)),
		Rx:               make([]RxQueueStats, len(sc.rxq)),
		HostTx:           make([]hw.UPT1TxStats, len(sc.txq)),
		HostRx:           make([]hw.UPT1RxStats, len(sc.rxq)),
		Reinits:          sc.reinits,
		WatchdogTimeouts: sc.watchdogTimeouts,
	}
	for i, q := range sc.txq {
		q.lock.Lock()
		s.Tx[i] = q.stats
		q.lock.Unlock()
		s.Tx[i].QueueFull = q.pending.full.Load()
		s.HostTx[i] = q.shared.Stats
	}
	for i, q := range sc.rxq {
		q.lock.Lock()
		s.Rx[i] = q.stats
		q.lock.Unlock()
		s.HostRx[i] = q.shared.Stats
	}
	return s
}

// accumulateStats refreshes the interface totals.
func (sc *Device) accumulateStats() {
	s := sc.snapshot()
	sc.totals = s.Totals()
}

// Totals returns the interface counters as of the last tick.
func (sc *Device) Totals() Totals {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return sc.totals
}
