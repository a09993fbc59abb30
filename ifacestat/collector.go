package ifacestat

import (
	"slices"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/vmxnet3-go/vmxnet3"
)

var (
	labelsQueue  = []string{"device", "queue"}
	labelsDevice = []string{"device"}

	descTxPackets = prometheus.NewDesc("vmxnet3_tx_packets_total",
		"Packets reclaimed after transmission.", labelsQueue, nil)
	descTxBytes = prometheus.NewDesc("vmxnet3_tx_bytes_total",
		"Bytes reclaimed after transmission.", labelsQueue, nil)
	descTxDropped = prometheus.NewDesc("vmxnet3_tx_dropped_total",
		"Packets freed without being sent.", labelsQueue, nil)
	descTxFull = prometheus.NewDesc("vmxnet3_tx_ring_full_total",
		"Attempts that found too few free descriptors.", labelsQueue, nil)
	descTxQueueFull = prometheus.NewDesc("vmxnet3_tx_queue_full_total",
		"Packets refused because the pending ring was full.", labelsQueue, nil)
	descRxPackets = prometheus.NewDesc("vmxnet3_rx_packets_total",
		"Frames delivered.", labelsQueue, nil)
	descRxBytes = prometheus.NewDesc("vmxnet3_rx_bytes_total",
		"Bytes delivered.", labelsQueue, nil)
	descRxDrops = prometheus.NewDesc("vmxnet3_rx_drops_total",
		"Frames dropped because a slot could not be refilled.", labelsQueue, nil)
	descRxErrors = prometheus.NewDesc("vmxnet3_rx_errors_total",
		"Frames flagged bad and inconsistent completions.", labelsQueue, nil)
	descReinits = prometheus.NewDesc("vmxnet3_reinits_total",
		"Device initializations.", labelsDevice, nil)
	descWatchdog = prometheus.NewDesc("vmxnet3_watchdog_timeouts_total",
		"Transmit watchdog expirations.", labelsDevice, nil)
)

// Collector exports the counters of a set of devices.
type Collector struct {
	lock sync.Mutex
	srcs map[string]Source
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector() *Collector {
	return &Collector{srcs: make(map[string]Source)}
}

// Add starts exporting src under name, replacing any source of that
// name.
func (c *Collector) Add(name string, src Source) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.srcs[name] = src
}

func (c *Collector) Remove(name string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.srcs, name)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descTxPackets, descTxBytes, descTxDropped, descTxFull, descTxQueueFull,
		descRxPackets, descRxBytes, descRxDrops, descRxErrors,
		descReinits, descWatchdog,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.Lock()
	names := make([]string, 0, len(c.srcs))
	for name := range c.srcs {
		names = append(names, name)
	}
	srcs := make([]Source, 0, len(names))
	slices.Sort(names)
	for _, name := range names {
		srcs = append(srcs, c.srcs[name])
	}
	c.lock.Unlock()

	for i, src := range srcs {
		collect(ch, names[i], src.Stats())
	}
}

func collect(ch chan<- prometheus.Metric, name string, s vmxnet3.Stats) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	for i, q := range s.Tx {
		qs := strconv.Itoa(i)
		counter(descTxPackets, q.Packets, name, qs)
		counter(descTxBytes, q.Bytes, name, qs)
		counter(descTxDropped, q.Dropped+q.OffloadFailed+q.DefragFailed, name, qs)
		counter(descTxFull, q.Full, name, qs)
		counter(descTxQueueFull, q.QueueFull, name, qs)
	}
	for i, q := range s.Rx {
		qs := strconv.Itoa(i)
		counter(descRxPackets, q.Packets, name, qs)
		counter(descRxBytes, q.Bytes, name, qs)
		counter(descRxDrops, q.InputDrops, name, qs)
		counter(descRxErrors, q.InputErrors, name, qs)
	}
	counter(descReinits, s.Reinits, name)
	counter(descWatchdog, s.WatchdogTimeouts, name)
}
