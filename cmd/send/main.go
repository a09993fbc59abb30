package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/romshark/vmxnet3-go/nic"
	"github.com/romshark/vmxnet3-go/pktbuf"
	"github.com/romshark/vmxnet3-go/ratelimit"
	"github.com/romshark/vmxnet3-go/vmxnet3"
	"github.com/romshark/vmxnet3-go/vmxnet3/emu"
)

func must(err error) {
	if err != nil {
		logrus.WithError(err).Fatal("send")
	}
}

// sink counts what the emulated device puts on the wire.
type sink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *sink) Transmit(_ int, frame []byte) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(frame)))
}

func main() {
	fDestMACStr := flag.String("d", "02:00:00:00:00:02", "Destination MAC")
	fSrcIPStr := flag.String("s", "10.0.1.1", "Source IP")
	fDestIPStr := flag.String("D", "10.0.2.1", "Destination IP")
	fPort := flag.Int("p", 9000, "Destination port")
	fCount := flag.Uint64("n", 1_000_000, "Packets to send")
	fPktSize := flag.Uint("l", 1360, "Packet size")
	fQueues := flag.Int("q", 1, "TX queues")
	fRate := flag.Uint64("r", 0, "Rate limit in PPS (0 = unlimited)")
	fOffload := flag.Bool("o", false, "Offload UDP checksums to the device")
	fIntr := flag.Bool("intr", false, "Use interrupts instead of pollers")
	fVerbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *fVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	dstMAC, err := net.ParseMAC(*fDestMACStr)
	must(err)
	srcIP := net.ParseIP(*fSrcIPStr)
	dstIP := net.ParseIP(*fDestIPStr)
	if srcIP == nil || dstIP == nil {
		must(errors.New("invalid source or destination IP"))
	}

	var conf nic.Config
	conf.Driver.TxQueues, conf.Driver.RxQueues = *fQueues, 1
	conf.Interrupts = *fIntr
	iface, err := nic.MakeInterface("vmx0", conf, nil, nil)
	must(err)
	defer iface.Close()

	var wire sink
	iface.Hardware().SetBackend(&wire)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- iface.Run(ctx) }()

	ntx, _ := iface.Device().NumQueues()
	fmt.Fprintf(os.Stderr,
		"vmxnet3 TX:\niface=vmx0 queues=%d dst_mac=%s src_ip=%s dst_ip=%s dst_port=%d count=%d offload=%t\n",
		ntx, dstMAC, srcIP, dstIP, *fPort, *fCount, *fOffload,
	)

	const (
		srcPort   = 12345
		batchSize = 128
	)
	var (
		seq     uint32
		sent    uint64
		retries uint64
	)
	payload := make([]byte, max(int(*fPktSize)-14-20-8, 4))
	limiter := ratelimit.New(*fRate)
	pool := iface.Pool()
	dev := iface.Device()
	srcMAC := iface.MAC()

	start := time.Now()

	for sent < *fCount {
		n := min(uint64(batchSize), *fCount-sent)
		limiter.ThrottleN(n)

		for range n {
			payload[0], payload[1], payload[2], payload[3] =
				byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
			frame, err := emu.BuildFrame(emu.FrameSpec{
				Src: srcMAC, Dst: dstMAC,
				SrcIP: srcIP, DstIP: dstIP,
				SrcPort: srcPort, DstPort: uint16(*fPort),
				Payload: payload,
			})
			must(err)
			var csum pktbuf.Csum
			var csumData uint16
			if *fOffload {
				csum, csumData, err = emu.SeedChecksum(frame)
				must(err)
			}

			pkt, err := pool.FromBytes(frame, 0)
			must(err)
			pkt.Csum, pkt.CsumData = csum, csumData

			for {
				err := dev.Transmit(pkt)
				if err == nil {
					break
				}
				if !errors.Is(err, vmxnet3.ErrQueueFull) {
					must(err)
				}
				// Wait for completions to make room.
				retries++
				time.Sleep(vmxnet3.DefaultPollInterval)
			}
			seq++
			sent++
		}
	}

	// Drain: wait until everything accepted has been put on the wire.
	for deadline := time.Now().Add(5 * time.Second); wire.packets.Load() < sent; {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	elapsed := time.Since(start)
	cancel()
	<-done

	sentWire := wire.packets.Load()
	pps := float64(sentWire) / elapsed.Seconds()
	s := iface.Stats()
	t := s.Totals()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s on-wire=%s bytes=%s retries=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(sentWire)),
		humanize.Bytes(wire.bytes.Load()),
		humanize.Comma(int64(retries)),
		elapsed,
		humanize.Comma(int64(pps)),
	)
	fmt.Fprintf(os.Stderr, "driver: reclaimed=%s bytes=%s\n",
		humanize.Comma(int64(t.OutPackets)), humanize.Bytes(t.OutBytes))
}
