package vmxnet3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigDefaults(t *testing.T) {
	c := Config{CPUs: 64}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "vmx0", c.Name)
	assert.Equal(t, DefaultTxQueues, c.TxQueues)
	assert.Equal(t, DefaultRxQueues, c.RxQueues)
	assert.Equal(t, DefaultTxDescs, c.TxDescs)
	assert.Equal(t, DefaultRxDescs, c.RxDescs)
	assert.Equal(t, DefaultMTU, c.MTU)
	assert.Equal(t, DefaultCapabilities, c.Capabilities)
	assert.Equal(t, DefaultPendingSize, c.PendingSize)
	assert.Equal(t, DefaultTickInterval, c.TickInterval)
	assert.Equal(t, DefaultWatchdogTimeout, c.WatchdogTimeout)
	assert.NotNil(t, c.Logger)
	assert.NotNil(t, c.Pool)
}

func TestConfigQueueCounts(t *testing.T) {
	for _, tt := range []struct {
		tx, rx, cpus int
		wantTx       int
		wantRx       int
	}{
		{tx: 1, rx: 1, cpus: 8, wantTx: 1, wantRx: 1},
		{tx: 3, rx: 7, cpus: 8, wantTx: 2, wantRx: 4},
		{tx: 8, rx: 16, cpus: 6, wantTx: 4, wantRx: 4},
		{tx: 100, rx: 100, cpus: 64, wantTx: MaxTxQueues, wantRx: MaxRxQueues},
		{tx: 5, rx: 12, cpus: 1, wantTx: 1, wantRx: 1},
	} {
		c := Config{TxQueues: tt.tx, RxQueues: tt.rx, CPUs: tt.cpus}
		require.NoError(t, c.ValidateAndSetDefaults())
		assert.Equal(t, tt.wantTx, c.TxQueues, "%+v", tt)
		assert.Equal(t, tt.wantRx, c.RxQueues, "%+v", tt)
	}

	c := Config{TxQueues: -1}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), ErrQueueCount)
}

func TestConfigDescCounts(t *testing.T) {
	for _, tt := range []struct {
		tx, rx         int
		wantTx, wantRx int
	}{
		{tx: 100, rx: 100, wantTx: 96, wantRx: 96},
		{tx: MinTxDescs, rx: MaxRxDescs, wantTx: MinTxDescs, wantRx: MaxRxDescs},
		{tx: 16, rx: 4000, wantTx: DefaultTxDescs, wantRx: DefaultRxDescs},
		{tx: MaxTxDescs + 1, rx: 33, wantTx: DefaultTxDescs, wantRx: 32},
	} {
		c := Config{TxDescs: tt.tx, RxDescs: tt.rx}
		require.NoError(t, c.ValidateAndSetDefaults())
		assert.Equal(t, tt.wantTx, c.TxDescs, "%+v", tt)
		assert.Equal(t, tt.wantRx, c.RxDescs, "%+v", tt)
	}
}

func TestConfigMTU(t *testing.T) {
	for _, mtu := range []int{MinMTU, 1500, MaxMTU} {
		c := Config{MTU: mtu}
		require.NoError(t, c.ValidateAndSetDefaults())
		assert.Equal(t, mtu, c.MTU)
	}
	for _, mtu := range []int{MinMTU - 1, MaxMTU + 1, -5} {
		c := Config{MTU: mtu}
		require.ErrorIs(t, c.ValidateAndSetDefaults(), ErrMTURange, "mtu %d", mtu)
	}
}

func TestConfigYAML(t *testing.T) {
	const doc = `
name: vmx1
tx-queues: 2
rx-queues: 4
rx-descs: 512
mtu: 9000
tick-interval: 250ms
poll: true
capabilities: [tx-csum, rx-csum, vlan-hw-filter]
`
	var c Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))
	assert.Equal(t, "vmx1", c.Name)
	assert.Equal(t, 2, c.TxQueues)
	assert.Equal(t, 4, c.RxQueues)
	assert.Equal(t, 512, c.RxDescs)
	assert.Equal(t, 9000, c.MTU)
	assert.Equal(t, 250*time.Millisecond, c.TickInterval)
	assert.True(t, c.Poll)
	assert.Equal(t, CapTxCsum|CapRxCsum|CapVLANHWFilter, c.Capabilities)

	out, err := yaml.Marshal(struct {
		Caps Capability `yaml:"caps"`
	}{c.Capabilities})
	require.NoError(t, err)
	assert.Equal(t, "caps:\n    - tx-csum\n    - rx-csum\n    - vlan-hw-filter\n", string(out))

	err = yaml.Unmarshal([]byte("capabilities: [tso]\n"), &c)
	require.ErrorContains(t, err, `line 1: unknown capability "tso"`)
}

func TestCapabilityString(t *testing.T) {
	assert.Equal(t, "tx-csum,vlan-hw-tagging", (CapTxCsum | CapVLANHWTagging).String())
	assert.Empty(t, Capability(0).String())
}
