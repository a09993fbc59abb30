// Package ifacestat turns device counters into named, comparable
// snapshots, printable reports and Prometheus metrics.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/romshark/vmxnet3-go/vmxnet3"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxMulticast
	TxDropped
	TxQueueFull
	RxPackets
	RxBytes
	RxDrops
	RxErrors
	Reinits
	WatchdogTimeouts

	numCounters
)

// All lists every counter in report order.
var All = func() []Counter {
	c := make([]Counter, numCounters)
	for i := range c {
		c[i] = Counter(i)
	}
	return c
}()

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxMulticast:
		return "tx_multicast"
	case TxDropped:
		return "tx_dropped"
	case TxQueueFull:
		return "tx_queue_full"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDrops:
		return "rx_drops"
	case RxErrors:
		return "rx_errors"
	case Reinits:
		return "reinits"
	case WatchdogTimeouts:
		return "watchdog_timeouts"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Source is anything that reports vmxnet3 counters.
type Source interface {
	Stats() vmxnet3.Stats
}

// FromStats sums the per-queue counters of s.
func FromStats(s vmxnet3.Stats, counters ...Counter) IfaceStats {
	if len(counters) == 0 {
		counters = All
	}
	var all [numCounters]uint64
	for _, q := range s.Tx {
		all[TxPackets] += q.Packets
		all[TxBytes] += q.Bytes
		all[TxMulticast] += q.Multicast
		all[TxDropped] += q.Dropped + q.OffloadFailed + q.DefragFailed
		all[TxQueueFull] += q.QueueFull
	}
	for _, q := range s.Rx {
		all[RxPackets] += q.Packets
		all[RxBytes] += q.Bytes
		all[RxDrops] += q.InputDrops
		all[RxErrors] += q.InputErrors
	}
	all[Reinits] = s.Reinits
	all[WatchdogTimeouts] = s.WatchdogTimeouts

	out := make(IfaceStats, len(counters))
	for _, c := range counters {
		out[c] = all[c]
	}
	return out
}

// Snapshot reads the counters of every source.
func Snapshot(srcs map[string]Source, counters ...Counter) Stats {
	s := make(Stats, len(srcs))
	for name, src := range srcs {
		s[name] = FromStats(src.Stats(), counters...)
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", iface)
		}
		if err != nil {
			return err
		}

		txBytes, rxBytes := stats[TxBytes], stats[RxBytes]
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			stats[TxPackets], humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)

		// Trouble counters only show up when they are nonzero.
		for _, c := range []Counter{
			TxDropped, TxQueueFull, RxDrops, RxErrors, Reinits, WatchdogTimeouts,
		} {
			if v := stats[c]; v > 0 {
				fmt.Fprintf(w, "  %-18s %s\n", c.String()+":", humanize.Comma(int64(v)))
			}
		}
	}

	return nil
}
