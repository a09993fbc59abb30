package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/vmxnet3-go/ifacestat"
	"github.com/romshark/vmxnet3-go/nic"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/ratelimit"
	"github.com/romshark/vmxnet3-go/vmxnet3"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
)

// Topology:
//
// sender  <->  router.interface1
// router.interface2 <->  receiver
//
// Router:
//   dst IP 10.0.1.x -> out interface1
//   dst IP 10.0.2.x -> out interface2
//   else            -> drop

type Config struct {
	Router struct {
		Interface1 string     `yaml:"interface1"`
		Interface2 string     `yaml:"interface2"`
		NIC        nic.Config `yaml:"nic"`
	} `yaml:"router"`

	Sender struct {
		Interface string     `yaml:"interface"`
		NIC       nic.Config `yaml:"nic"`
		SrcIP     string     `yaml:"src-ip"`
		DstIP     string     `yaml:"dst-ip"`
		SrcPort   uint16     `yaml:"src-port"`
		DstPort   uint16     `yaml:"dst-port"`
		BatchSize uint32     `yaml:"batch-size"`
		RatePPS   uint64     `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender"`

	Receiver struct {
		Interface string     `yaml:"interface"`
		NIC       nic.Config `yaml:"nic"`
	} `yaml:"receiver"`

	PktSize uint32 `yaml:"pkt-size"`
	Count   uint64 `yaml:"count"`
	Test    bool   `yaml:"test"`
}

func defaultConfig() Config {
	var c Config
	c.Router.Interface1, c.Router.Interface2 = "r1", "r2"
	c.Sender.Interface = "snd"
	c.Sender.SrcIP, c.Sender.DstIP = "10.0.1.2", "10.0.2.2"
	c.Sender.SrcPort, c.Sender.DstPort = 10000, 9000
	c.Sender.BatchSize = 64
	c.Receiver.Interface = "rcv"
	c.PktSize = 1500
	c.Count = 1_000_000
	return c
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fQueues := flag.Int("q", 0, "router queues per interface")
	fRate := flag.Int64("r", -1, "sender rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "packet count override")
	fPktSize := flag.Uint("l", 0, "pkt size override")
	fTest := flag.Bool("test", false, "enable test mode (override)")
	fVerbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *fVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fQueues != 0 {
		conf.Router.NIC.Driver.TxQueues = *fQueues
		conf.Router.NIC.Driver.RxQueues = *fQueues
	}
	if *fRate >= 0 {
		conf.Sender.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.PktSize = uint32(*fPktSize)
	}
	if *fTest {
		conf.Test = true
	}

	// Basic validation
	if conf.Router.Interface1 == "" || conf.Router.Interface2 == "" {
		return nil, errors.New("router.interface1 and router.interface2 must be set")
	}
	if conf.Sender.Interface == "" {
		return nil, errors.New("sender.interface must be set")
	}
	if conf.Receiver.Interface == "" {
		return nil, errors.New("receiver.interface must be set")
	}
	if ip := net.ParseIP(conf.Sender.SrcIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid sender.src-ip %q", conf.Sender.SrcIP)
	}
	if ip := net.ParseIP(conf.Sender.DstIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid sender.dst-ip %q", conf.Sender.DstIP)
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.PktSize < 64 || conf.PktSize > vmxnet3.DefaultMTU+14 {
		return nil, errors.New("unsupported pkt-size")
	}
	if conf.Sender.BatchSize == 0 {
		conf.Sender.BatchSize = 64
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		logrus.WithError(err).Fatalf(msgf, a...)
	}
}

type Stats struct {
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

type TestResult struct {
	Received atomic.Uint64
	Errors   atomic.Uint64
}

// Topology holds every interface of the run.
type Topology struct {
	Sender, Router1, Router2, Receiver *nic.Interface
}

func makeTopology(conf *Config) (*Topology, error) {
	pool := pktbuf.NewPool()
	var t Topology
	for _, x := range []struct {
		ifc  **nic.Interface
		name string
		conf nic.Config
	}{
		{&t.Sender, conf.Sender.Interface, conf.Sender.NIC},
		{&t.Router1, conf.Router.Interface1, conf.Router.NIC},
		{&t.Router2, conf.Router.Interface2, conf.Router.NIC},
		{&t.Receiver, conf.Receiver.Interface, conf.Receiver.NIC},
	} {
		ifc, err := nic.MakeInterface(x.name, x.conf, pool, nil)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("%s: %w", x.name, err)
		}
		*x.ifc = ifc
	}
	t.Sender.Connect(t.Router1)
	t.Router1.Connect(t.Sender)
	t.Router2.Connect(t.Receiver)
	t.Receiver.Connect(t.Router2)
	return &t, nil
}

func (t *Topology) Close() {
	for _, ifc := range []*nic.Interface{t.Sender, t.Router1, t.Router2, t.Receiver} {
		if ifc != nil {
			_ = ifc.Close()
		}
	}
}

// makeRouterHandler builds the router callback:
//   - 10.0.1.x -> out interface1
//   - 10.0.2.x -> out interface2
//   - else     -> drop
//
// Packets leaving an interface get their L2 addresses rewritten to
// the neighbor on that side.
func makeRouterHandler(t *Topology) func(*nic.Packet) (int, error) {
	const (
		EthHdrLen = 14
		IPHdrMin  = 20
	)
	_, if1Index := t.Router1.Info()
	_, if2Index := t.Router2.Info()
	router1MAC, senderMAC := t.Router1.MAC(), t.Sender.MAC()
	router2MAC, receiverMAC := t.Router2.MAC(), t.Receiver.MAC()

	return func(p *nic.Packet) (int, error) {
		// The driver delivers the headers in the first buffer.
		buf := p.Bufs()[0].Bytes()

		if len(buf) < EthHdrLen+IPHdrMin {
			return -1, nil
		}
		if binary.BigEndian.Uint16(buf[12:14]) != 0x0800 { // IPv4
			return -1, nil
		}

		ip := buf[EthHdrLen:]
		if ip[0]>>4 != 4 {
			return -1, nil
		}

		dst := binary.BigEndian.Uint32(ip[16:20])
		if (dst & 0xFFFF0000) != 0x0A000000 {
			return -1, nil
		}

		switch byte(dst >> 8) {
		case 1:
			copy(buf[0:6], senderMAC)
			copy(buf[6:12], router1MAC)
			return if1Index, nil
		case 2:
			copy(buf[0:6], receiverMAC)
			copy(buf[6:12], router2MAC)
			return if2Index, nil
		}
		return -1, nil
	}
}

func runSender(ctx context.Context, conf *Config, t *Topology, stats *Stats) error {
	frame, err := emu.BuildFrame(emu.FrameSpec{
		Src:   t.Sender.MAC(),
		Dst:   t.Router1.MAC(),
		SrcIP: net.ParseIP(conf.Sender.SrcIP), DstIP: net.ParseIP(conf.Sender.DstIP),
		SrcPort: conf.Sender.SrcPort, DstPort: conf.Sender.DstPort,
		Payload: make([]byte, max(int(conf.PktSize)-14-20-8, 4)),
	})
	if err != nil {
		return err
	}
	// The sequence number changes per packet, so no UDP checksum.
	frame[14+20+6], frame[14+20+7] = 0, 0

	const seqOff = 14 + 20 + 8
	var seq uint32
	limiter := ratelimit.New(conf.Sender.RatePPS)
	batch := uint64(conf.Sender.BatchSize)
	start := time.Now()

	for stats.TxPackets.Load() < conf.Count {
		n := min(batch, conf.Count-stats.TxPackets.Load())
		if err := limiter.Wait(ctx, n); err != nil { // No-op if unlimited.
			return err
		}
		for range n {
			binary.BigEndian.PutUint32(frame[seqOff:], seq)
			for {
				err := t.Sender.Send(frame)
				if err == nil {
					break
				}
				if !errors.Is(err, vmxnet3.ErrQueueFull) {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(vmxnet3.DefaultPollInterval):
				}
			}
			stats.TxPackets.Add(1)
			stats.TxBytes.Add(uint64(len(frame)))
			seq++
		}
	}

	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return nil
}

func runReceiverBenchmark(t *Topology, stats *Stats) {
	t.Receiver.SetHandler(func(p *pktbuf.Packet) {
		stats.RxPackets.Add(1)
		stats.RxBytes.Add(uint64(p.Len()))
		p.Free()
	})
}

// frameCheck matches the frames the sender builds as they arrive at the
// receiver after routing.
type frameCheck struct {
	dstMAC, srcMAC   net.HardwareAddr
	srcIP, dstIP     net.IP
	srcPort, dstPort uint16
}

func newFrameCheck(conf *Config, t *Topology) frameCheck {
	return frameCheck{
		dstMAC:  t.Receiver.MAC(),
		srcMAC:  t.Router2.MAC(),
		srcIP:   net.ParseIP(conf.Sender.SrcIP).To4(),
		dstIP:   net.ParseIP(conf.Sender.DstIP).To4(),
		srcPort: conf.Sender.SrcPort,
		dstPort: conf.Sender.DstPort,
	}
}

// seq returns the sequence number buf carries, or false if buf is not a
// correctly routed sender frame.
func (c frameCheck) seq(buf []byte) (uint32, bool) {
	if len(buf) < 14+20+8+4 {
		return 0, false
	}

	// MAC filter: from router.interface2 -> receiver.
	if !bytes.Equal(buf[0:6], c.dstMAC) ||
		!bytes.Equal(buf[6:12], c.srcMAC) ||
		binary.BigEndian.Uint16(buf[12:14]) != 0x0800 {
		return 0, false
	}

	ip := buf[14:]
	if ip[0]>>4 != 4 || ip[9] != 17 ||
		!net.IP(ip[12:16]).Equal(c.srcIP) || !net.IP(ip[16:20]).Equal(c.dstIP) {
		return 0, false
	}

	udp := ip[20:]
	if binary.BigEndian.Uint16(udp[0:2]) != c.srcPort ||
		binary.BigEndian.Uint16(udp[2:4]) != c.dstPort {
		return 0, false
	}
	return binary.BigEndian.Uint32(udp[8:]), true
}

// Test receiver: verify ordered seq and integrity on the final interface.
func runReceiverTest(conf *Config, t *Topology, result *TestResult, stats *Stats) {
	check := newFrameCheck(conf, t)

	var nextSeq uint32
	t.Receiver.SetHandler(func(p *pktbuf.Packet) {
		defer p.Free()
		stats.RxPackets.Add(1)
		stats.RxBytes.Add(uint64(p.Len()))

		seq, ok := check.seq(p.Bytes())
		if !ok {
			result.Errors.Add(1)
			return
		}

		// Each receive queue is drained by one goroutine, and one flow
		// always lands on the same queue.
		if seq != nextSeq {
			result.Errors.Add(1)
			logrus.WithFields(logrus.Fields{
				"got":  seq,
				"want": nextSeq,
			}).Error("out-of-order seq")
		}
		nextSeq = seq + 1
		result.Received.Add(1)
	})
}

func runStatsPrinter(ctx context.Context, stats *Stats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastTxPkts, lastTxBytes uint64
	var lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		txPkts := stats.TxPackets.Load()
		rxPkts := stats.RxPackets.Load()
		txBytes := stats.TxBytes.Load()
		rxBytes := stats.RxBytes.Load()

		dTxPkts := txPkts - lastTxPkts
		dRxPkts := rxPkts - lastRxPkts
		dTxBytes := txBytes - lastTxBytes
		dRxBytes := rxBytes - lastRxBytes

		lastTxPkts = txPkts
		lastTxBytes = txBytes
		lastRxPkts = rxPkts
		lastRxBytes = rxBytes

		txPPS := uint64(float64(dTxPkts) / dt)
		rxPPS := uint64(float64(dRxPkts) / dt)
		txMbps := float64(dTxBytes*8) / 1e6 / dt
		rxMbps := float64(dRxBytes*8) / 1e6 / dt

		fmt.Printf(
			"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
			txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
		)
	}
}

func printFinalReport(stats *Stats, t *Topology) {
	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	drops := txPackets - rxPackets
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Forward drops:     %d\n", t.Router1.ForwardDrops()+t.Router2.ForwardDrops())
	p.Printf(" Wire drops:        %d\n", t.Sender.WireDrops()+t.Router2.WireDrops())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
}

func run(ctx context.Context, conf *Config, t *Topology, stats *Stats) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return nic.RunProcessor(ctx, []*nic.Interface{t.Router1, t.Router2}, makeRouterHandler(t))
	})
	g.Go(func() error { return t.Sender.Run(ctx) })
	g.Go(func() error { return t.Receiver.Run(ctx) })
	go runStatsPrinter(ctx, stats)

	err := runSender(ctx, conf, t, stats)
	if err == nil {
		// Wait for all packets to make it through the router.
		deadline := time.Now().Add(time.Second)
		for stats.RxPackets.Load() < stats.TxPackets.Load() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
		err = werr
	}
	return err
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	t, err := makeTopology(conf)
	fatalIf(err, "building topology")
	defer t.Close()

	srcs := map[string]ifacestat.Source{
		conf.Sender.Interface:   t.Sender,
		conf.Router.Interface1:  t.Router1,
		conf.Router.Interface2:  t.Router2,
		conf.Receiver.Interface: t.Receiver,
	}
	counters := []ifacestat.Counter{
		ifacestat.TxPackets, ifacestat.TxBytes, ifacestat.TxDropped, ifacestat.TxQueueFull,
		ifacestat.RxPackets, ifacestat.RxBytes, ifacestat.RxDrops,
	}
	statsBefore := ifacestat.Snapshot(srcs, counters...)

	var stats Stats
	var result TestResult
	if conf.Test {
		runReceiverTest(conf, t, &result, &stats)
	} else {
		runReceiverBenchmark(t, &stats)
	}

	err = run(context.Background(), conf, t, &stats)
	fatalIf(err, "running")

	if conf.Test {
		if n := result.Errors.Load(); n > 0 {
			logrus.Fatalf("TEST FAILED: %d errors", n)
		}
		if received := result.Received.Load(); received != conf.Count {
			logrus.Fatalf("TEST FAILED: received %d of %d", received, conf.Count)
		}
		fmt.Fprintf(os.Stderr, "TEST PASSED: received all %d packets in order\n", conf.Count)
	}
	printFinalReport(&stats, t)

	ifaceDeltas := ifacestat.Snapshot(srcs, counters...).Since(statsBefore)

	fmt.Fprintf(os.Stderr, "\nINTERFACE COUNTERS:\n")
	err = ifacestat.Print(os.Stderr, ifaceDeltas, map[string]string{
		conf.Sender.Interface:   "sender",
		conf.Router.Interface1:  "router1",
		conf.Router.Interface2:  "router2",
		conf.Receiver.Interface: "receiver",
	})
	fatalIf(err, "printing interface stats diff")
	fmt.Fprintln(os.Stderr)
}
