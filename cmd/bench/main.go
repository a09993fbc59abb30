package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

type Config struct {
	Egress struct {
		Interface string     `yaml:"interface"`
		NIC       nic.Config `yaml:"nic"`
		SrcIP     string     `yaml:"src-ip"`
		DstIP     string     `yaml:"dst-ip"`
		SrcPort   int        `yaml:"src-port"`
		DstPort   int        `yaml:"dst-port"`
		Flows     int        `yaml:"flows"`
		BatchSize uint32     `yaml:"batch-size"`
		RatePPS   uint64     `yaml:"rate-pps"` // 0 = unlimited, max speed.
		Offload   bool       `yaml:"offload"`
	} `yaml:"egress"`

	Ingress struct {
		Interface string     `yaml:"interface"`
		NIC       nic.Config `yaml:"nic"`
	} `yaml:"ingress"`

	PktSize uint64 `yaml:"pkt-size"`
	Count   uint64 `yaml:"count"`
	Metrics string `yaml:"metrics"`
}

func defaultConfig() Config {
	var c Config
	c.Egress.Interface = "vmx0"
	c.Egress.SrcIP, c.Egress.DstIP = "10.0.1.1", "10.0.2.1"
	c.Egress.SrcPort, c.Egress.DstPort = 10000, 9000
	c.Egress.Flows = 1
	c.Egress.BatchSize = 64
	c.Ingress.Interface = "vmx1"
	c.PktSize = 1500
	c.Count = 1_000_000
	return c
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fQueues := flag.Int("q", 0, "queues per interface")
	fFlows := flag.Int("f", 0, "distinct UDP flows")
	fSrcIP := flag.String("s", "", "src ip")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 0, "pkt size")
	fRate := flag.Int64("r", -1, "sender rate limit in PPS (<0 falls back to config)")
	fOffload := flag.Bool("o", false, "offload checksums")
	fIntr := flag.Bool("intr", false, "use interrupts instead of pollers")
	fMetrics := flag.String("metrics", "", "serve Prometheus metrics on this address")
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

	// Apply CLI overrides if necessary.
	if *fQueues != 0 {
		for _, c := range []*nic.Config{&conf.Egress.NIC, &conf.Ingress.NIC} {
			c.Driver.TxQueues, c.Driver.RxQueues = *fQueues, *fQueues
		}
	}
	if *fFlows != 0 {
		conf.Egress.Flows = *fFlows
	}
	if *fSrcIP != "" {
		conf.Egress.SrcIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = *fPort
	}
	if *fPktSize != 0 {
		conf.PktSize = uint64(*fPktSize)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fRate >= 0 {
		conf.Egress.RatePPS = uint64(*fRate)
	}
	if *fOffload {
		conf.Egress.Offload = true
	}
	if *fIntr {
		conf.Egress.NIC.Interrupts, conf.Ingress.NIC.Interrupts = true, true
	}
	if *fMetrics != "" {
		conf.Metrics = *fMetrics
	}

	// Validate

	if conf.Egress.Interface == "" || conf.Ingress.Interface == "" {
		return nil, errors.New("egress.interface and ingress.interface must be set")
	}
	if conf.Egress.Interface == conf.Ingress.Interface {
		return nil, errors.New("egress and ingress need distinct names")
	}
	if net.ParseIP(conf.Egress.SrcIP) == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if net.ParseIP(conf.Egress.DstIP) == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Egress.SrcPort <= 0 || conf.Egress.SrcPort+conf.Egress.Flows > 65536 {
		return nil, errors.New("egress.src-port must be between 1-65535")
	}
	if conf.Egress.Flows < 1 {
		return nil, errors.New("egress.flows must be > 0")
	}
	if conf.Egress.BatchSize == 0 {
		conf.Egress.BatchSize = 64
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	mtu := conf.Egress.NIC.Driver.MTU
	if mtu == 0 {
		mtu = vmxnet3.DefaultMTU
	}
	if conf.PktSize < 64 || conf.PktSize > uint64(mtu)+14 {
		return nil, errors.New("unsupported pkt-size")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		logrus.WithError(err).Fatalf(msgf, a...)
	}
}

// buildUDPPackets prepares one frame per flow. The first four payload
// bytes are left for the sequence number, so the UDP checksum is either
// seeded for offload or left out.
func buildUDPPackets(
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	flows int,
	pktSize uint64,
	offload bool,
) ([][]byte, error) {
	const hdrLen = 14 + 20 + 8
	if srcIP.To4() == nil {
		return nil, errors.New("only IPv4 sources are supported")
	}
	payload := make([]byte, max(int(pktSize)-hdrLen, 4))
	frames := make([][]byte, flows)
	for i := range frames {
		f, err := emu.BuildFrame(emu.FrameSpec{
			Src: srcMAC, Dst: dstMAC,
			SrcIP: srcIP, DstIP: dstIP,
			SrcPort: srcPort + uint16(i), DstPort: dstPort,
			Payload: payload,
		})
		if err != nil {
			return nil, err
		}
		if offload {
			if _, _, err := emu.SeedChecksum(f); err != nil {
				return nil, err
			}
		} else {
			f[14+20+6], f[14+20+7] = 0, 0
		}
		frames[i] = f
	}
	return frames, nil
}

type Stats struct {
	TxPackets atomic.Uint64
	TxRetries atomic.Uint64
	TxBytes   atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	RxCsumOK  atomic.Uint64

	Elapsed atomic.Int64
}

func runReceiver(iface *nic.Interface, stats *Stats) {
	iface.SetHandler(func(p *pktbuf.Packet) {
		stats.RxPackets.Add(1)
		stats.RxBytes.Add(uint64(p.Len()))
		if p.Csum&pktbuf.CsumDataValid != 0 {
			stats.RxCsumOK.Add(1)
		}
		p.Free()
	})
}

func runSender(ctx context.Context, iface *nic.Interface, conf *Config, dstMAC net.HardwareAddr, stats *Stats) error {
	templates, err := buildUDPPackets(
		iface.MAC(), dstMAC,
		net.ParseIP(conf.Egress.SrcIP), net.ParseIP(conf.Egress.DstIP),
		uint16(conf.Egress.SrcPort), uint16(conf.Egress.DstPort),
		conf.Egress.Flows, conf.PktSize, conf.Egress.Offload,
	)
	if err != nil {
		return fmt.Errorf("building packets: %w", err)
	}

	const seqOff = 14 + 20 + 8
	var seq uint32
	batch := uint64(conf.Egress.BatchSize)
	limiter := ratelimit.New(conf.Egress.RatePPS)
	pool := iface.Pool()
	dev := iface.Device()

	start := time.Now()
	for stats.TxPackets.Load() < conf.Count {
		n := min(batch, conf.Count-stats.TxPackets.Load())
		if err := limiter.Wait(ctx, n); err != nil {
			return err
		}
		for range n {
			frame := templates[int(seq)%len(templates)]
			frame[seqOff], frame[seqOff+1], frame[seqOff+2], frame[seqOff+3] =
				byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)

			pkt, err := pool.FromBytes(frame, 0)
			if err != nil {
				return err
			}
			if conf.Egress.Offload {
				pkt.Csum = pktbuf.CsumUDP
				pkt.CsumData = pktbuf.UDPChecksumOffset
			}
			for {
				err := dev.Transmit(pkt)
				if err == nil {
					break
				}
				if !errors.Is(err, vmxnet3.ErrQueueFull) {
					pkt.Free()
					return err
				}
				stats.TxRetries.Add(1)
				select {
				case <-ctx.Done():
					pkt.Free()
					return ctx.Err()
				case <-time.After(vmxnet3.DefaultPollInterval):
				}
			}
			stats.TxPackets.Add(1)
			stats.TxBytes.Add(uint64(len(frame)))
			seq++
		}
	}

	// Wait for every accepted packet to be reclaimed.
	for {
		s := iface.Stats()
		if s.Totals().OutPackets >= stats.TxPackets.Load() || ctx.Err() != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return nil
}

func serveMetrics(addr string, ifaces ...*nic.Interface) {
	c := ifacestat.NewCollector()
	for _, iface := range ifaces {
		name, _ := iface.Info()
		c.Add(name, iface)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(c, collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		err := http.ListenAndServe(addr, mux)
		fatalIf(err, "serving metrics on %s", addr)
	}()
	fmt.Fprintf(os.Stderr, "metrics on http://%s/metrics\n", addr)
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	// Print final resolved config.
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	pool := pktbuf.NewPool()
	ifaceE, err := nic.MakeInterface(conf.Egress.Interface, conf.Egress.NIC, pool, nil)
	fatalIf(err, "egress iface")
	defer ifaceE.Close()
	ifaceI, err := nic.MakeInterface(conf.Ingress.Interface, conf.Ingress.NIC, pool, nil)
	fatalIf(err, "ingress iface")
	defer ifaceI.Close()
	ifaceE.Connect(ifaceI)

	if conf.Metrics != "" {
		serveMetrics(conf.Metrics, ifaceE, ifaceI)
	}

	srcs := map[string]ifacestat.Source{
		conf.Egress.Interface:  ifaceE,
		conf.Ingress.Interface: ifaceI,
	}
	statsBefore := ifacestat.Snapshot(srcs)

	var stats Stats
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxPkts, lastTxBytes uint64
		var lastRxPkts, lastRxBytes uint64
		lastTime := time.Now()

		for range t.C {
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
	}()

	runReceiver(ifaceI, &stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ifaceE.Run(gctx) })
	g.Go(func() error { return ifaceI.Run(gctx) })

	err = runSender(gctx, ifaceE, conf, ifaceI.MAC(), &stats)
	fatalIf(err, "sending")

	{
		// Wait for all packets to arrive at RX.
		deadline := time.Now().Add(time.Second)
		for stats.RxPackets.Load()+ifaceE.WireDrops() < stats.TxPackets.Load() &&
			time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "running interfaces")
	}

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
	p.Printf(" TX Retries:        %d\n", stats.TxRetries.Load())
	p.Printf(" RX csum verified:  %d\n", stats.RxCsumOK.Load())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)

	fmt.Fprintf(os.Stderr, "\nINTERFACE COUNTERS:\n")
	err = ifacestat.Print(os.Stderr, ifacestat.Snapshot(srcs).Since(statsBefore), map[string]string{
		conf.Egress.Interface:  "egress",
		conf.Ingress.Interface: "ingress",
	})
	fatalIf(err, "printing interface stats diff")
	fmt.Fprintln(os.Stderr)
}
