package vmxnet3

import (
	"fmt"
	"math/bits"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/vmxnet3-go/pktbuf"
)

// Capability is a set of offload features the interface may enable.
type Capability uint32

const (
	CapTxCsum Capability = 1 << iota
	CapTxCsumIPv6
	CapRxCsum
	CapRxCsumIPv6
	CapVLANHWTagging
	CapVLANHWFilter

	DefaultCapabilities = CapTxCsum | CapTxCsumIPv6 | CapRxCsum | CapRxCsumIPv6 |
		CapVLANHWTagging | CapVLANHWFilter

	// capsReinit are the capabilities the device learns about only
	// through the shared area, so toggling them needs a reinit.
	capsReinit = CapRxCsum | CapRxCsumIPv6 | CapVLANHWTagging
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapTxCsum, "tx-csum"},
	{CapTxCsumIPv6, "tx-csum-ipv6"},
	{CapRxCsum, "rx-csum"},
	{CapRxCsumIPv6, "rx-csum-ipv6"},
	{CapVLANHWTagging, "vlan-hw-tagging"},
	{CapVLANHWFilter, "vlan-hw-filter"},
}

func (c Capability) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// MarshalYAML encodes the set as a list of names.
func (c Capability) MarshalYAML() (any, error) {
	names := []string{}
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}
	return names, nil
}

// UnmarshalYAML decodes a list of capability names.
func (c *Capability) UnmarshalYAML(node *yaml.Node) error {
	var names []string
	if err := node.Decode(&names); err != nil {
		return err
	}
	var out Capability
NAMES:
	for _, s := range names {
		for _, n := range capabilityNames {
			if n.name == s {
				out |= n.c
				continue NAMES
			}
		}
		return fmt.Errorf("line %d: unknown capability %q", node.Line, s)
	}
	*c = out
	return nil
}

// Config controls how a Device is attached.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name string `yaml:"name"`
	// TxQueues is the maximum number of transmit queues.
	TxQueues int `yaml:"tx-queues"`
	// RxQueues is the maximum number of receive queues.
	RxQueues int `yaml:"rx-queues"`
	// TxDescs is the number of descriptors in each transmit ring.
	TxDescs int `yaml:"tx-descs"`
	// RxDescs is the number of descriptors in each receive command ring.
	RxDescs int `yaml:"rx-descs"`
	// MTU is the initial interface MTU.
	MTU int `yaml:"mtu"`
	// Capabilities is the initial offload set. Zero selects
	// DefaultCapabilities.
	Capabilities Capability `yaml:"capabilities"`
	// DisableMSIX restricts the device to a single shared vector.
	DisableMSIX bool `yaml:"disable-msix"`
	// PendingSize is the capacity of each transmit queue's pending ring.
	PendingSize int `yaml:"pending-size"`
	// TickInterval is the period of the statistics and watchdog timer.
	TickInterval time.Duration `yaml:"tick-interval"`
	// WatchdogTimeout is the number of ticks a transmit queue may hold
	// unreclaimed descriptors before the device is reset.
	WatchdogTimeout int `yaml:"watchdog-timeout"`
	// CPUs caps the queue counts. Zero means runtime.NumCPU.
	CPUs int `yaml:"cpus"`
	// Poll skips the interrupt handlers. Completions are then only
	// processed by Poll, PollTx, PollRx or RunPollers.
	Poll bool `yaml:"poll"`

	// Logger receives diagnostics. Defaults to logrus.StandardLogger.
	Logger *logrus.Logger `yaml:"-"`
	// Pool supplies packet buffers. Defaults to a new pool.
	Pool *pktbuf.Pool `yaml:"-"`
	// Input receives every reassembled frame. It is called without any
	// queue lock held and owns the packet.
	Input func(*pktbuf.Packet) `yaml:"-"`
	// LinkChange is called when the reported link state changes. It runs
	// with the device lock held and must not call back into the Device.
	LinkChange func(up bool, speedMbps uint32) `yaml:"-"`
}

// ValidateAndSetDefaults normalizes c the way the device expects it:
// queue counts are capped and rounded down to a power of two, and
// descriptor counts outside their range fall back to the default.
func (c *Config) ValidateAndSetDefaults() error {
	if c.TxQueues < 0 || c.RxQueues < 0 {
		return ErrQueueCount
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrMTURange, c.MTU, MinMTU, MaxMTU)
	}
	if c.Name == "" {
		c.Name = "vmx0"
	}
	if c.CPUs <= 0 {
		c.CPUs = runtime.NumCPU()
	}
	if c.TxQueues == 0 {
		c.TxQueues = DefaultTxQueues
	}
	if c.RxQueues == 0 {
		c.RxQueues = DefaultRxQueues
	}
	c.TxQueues = queueCount(c.TxQueues, MaxTxQueues, c.CPUs)
	c.RxQueues = queueCount(c.RxQueues, MaxRxQueues, c.CPUs)
	c.TxDescs = descCount(c.TxDescs, MinTxDescs, MaxTxDescs, DefaultTxDescs)
	c.RxDescs = descCount(c.RxDescs, MinRxDescs, MaxRxDescs, DefaultRxDescs)

	if c.Capabilities == 0 {
		c.Capabilities = DefaultCapabilities
	}
	if c.PendingSize <= 0 {
		c.PendingSize = DefaultPendingSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Pool == nil {
		c.Pool = pktbuf.NewPool()
	}
	return nil
}

func queueCount(n, maxQueues, cpus int) int {
	n = min(n, maxQueues, cpus)
	if n < 1 {
		n = 1
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

func descCount(n, lo, hi, def int) int {
	if n < lo || n > hi {
		n = def
	}
	return n &^ descCountMask
}
