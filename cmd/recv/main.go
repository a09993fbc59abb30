package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/vmxnet3-go/nic"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/ratelimit"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
)

func main() {
	fQueues := flag.Int("q", 4, "RX queues")
	fFlows := flag.Int("f", 64, "Distinct UDP flows to generate")
	fPktSize := flag.Uint("l", 1024, "Packet size")
	fRate := flag.Uint64("r", 100_000, "Generated PPS (0 = unlimited)")
	fDuration := flag.Duration("t", 0, "Stop after this long (0 = until interrupted)")
	fMTU := flag.Int("mtu", 1500, "Interface MTU")
	fIntr := flag.Bool("intr", false, "Use interrupts instead of pollers")
	fVerbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *fVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var conf nic.Config
	conf.Driver.TxQueues, conf.Driver.RxQueues = 1, *fQueues
	conf.Driver.MTU = *fMTU
	conf.Interrupts = *fIntr
	iface, err := nic.MakeInterface("vmx0", conf, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing interface: %v\n", err)
		os.Exit(1)
	}
	defer iface.Close()

	_, nrx := iface.Device().NumQueues()
	fmt.Fprintf(os.Stderr,
		"vmxnet3 RX: iface=vmx0 queues=%d mtu=%d intr=%s flows=%d\n",
		nrx, iface.Device().MTU(), iface.Device().InterruptType(), *fFlows,
	)

	var totalPackets atomic.Uint64
	var totalBytes atomic.Uint64
	perQueue := make([]atomic.Uint64, nrx)

	iface.SetHandler(func(p *pktbuf.Packet) {
		totalPackets.Add(1)
		totalBytes.Add(uint64(p.Len()))
		if p.Queue < len(perQueue) {
			perQueue[p.Queue].Add(1)
		}
		p.Free()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *fDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *fDuration)
		defer cancel()
	}

	frames := make([][]byte, max(*fFlows, 1))
	payload := make([]byte, max(int(*fPktSize)-14-20-8, 4))
	for i := range frames {
		frames[i], err = emu.BuildFrame(emu.FrameSpec{
			Src:     net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
			Dst:     iface.MAC(),
			SrcIP:   net.IPv4(10, 0, 1, byte(1+i%250)),
			DstIP:   net.IPv4(10, 0, 2, 1),
			SrcPort: uint16(10000 + i),
			DstPort: 9000,
			Payload: payload,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "building frame: %v\n", err)
			os.Exit(1)
		}
	}

	var refused atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return iface.Run(ctx) })
	g.Go(func() error {
		limiter := ratelimit.New(*fRate)
		hw := iface.Hardware()
		for i := 0; ctx.Err() == nil; i++ {
			if err := limiter.Wait(ctx, 1); err != nil {
				return err
			}
			if err := hw.Receive(frames[i%len(frames)]); err != nil {
				// The rings are full until the pollers catch up.
				refused.Add(1)
			}
		}
		return ctx.Err()
	})

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)

	lastTime := time.Now()

LOOP:
	for {
		select {
		case <-ctx.Done():
			break LOOP
		case <-ticker.C:
		}
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		pkts := totalPackets.Load()
		bytes := totalBytes.Load()

		curPkts := pkts - lastPackets
		curBytes := bytes - lastBytes

		pps := float64(curPkts) / elapsed
		mbps := float64(curBytes*8) / elapsed / 1e6

		if pps > maxPPS {
			maxPPS = pps
		}
		if mbps > maxMbps {
			maxMbps = mbps
		}

		fmt.Printf(
			"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s | refused=%d\n",
			pkts,
			pps,
			mbps,
			maxPPS,
			maxMbps,
			refused.Load(),
		)

		lastPackets = pkts
		lastBytes = bytes
		lastTime = now
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(os.Stderr, "running: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\nper queue:\n")
	for i := range perQueue {
		fmt.Fprintf(os.Stderr, "  rxq%-3d %d\n", i, perQueue[i].Load())
	}
}
