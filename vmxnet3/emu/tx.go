package emu

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"github.com/romshark/vmxnet3-go/dma"
	"github.com/romshark/vmxnet3-go/vmxnet3/hw"
)

type txFrame struct {
	queue int
	data  []byte
}

func forward(b Backend, frames []txFrame) {
	if b == nil {
		return
	}
	for _, f := range frames {
		b.Transmit(f.queue, f.data)
	}
}

// ProcessTx services transmit queue q as if its doorbell had rung and
// returns the number of frames sent.
func (d *Device) ProcessTx(q int) int {
	d.lock.Lock()
	var frames []txFrame
	if d.enabled && q < len(d.txq) {
		frames = d.processTxLocked(q, nil)
	}
	b := d.backend
	d.lock.Unlock()
	forward(b, frames)
	return len(frames)
}

// processTxLocked consumes every complete chain the driver has handed
// over on queue qi and writes one completion per chain.
func (d *Device) processTxLocked(qi int, frames []txFrame) []txFrame {
	q := d.txq[qi]
	if q.stopped {
		return frames
	}
	start := len(frames)
	for {
		p := q.next
		if q.descs[p.idx].Gen() != p.gen {
			break
		}
		first := q.descs[p.idx].Load()

		var frame []byte
		eop, complete := 0, false
		for range len(q.descs) {
			desc := &q.descs[p.idx]
			if desc.Gen() != p.gen {
				break
			}
			f := desc.Load()
			b, err := d.mem.Translate(dma.Addr(f.Addr), int(f.Len))
			if err != nil {
				d.failTxLocked(qi, 1, err)
				return frames
			}
			frame = append(frame, b...)
			eop = p.idx
			p.advance()
			if f.EOP {
				complete = true
				break
			}
		}
		if !complete {
			break
		}
		q.next = p

		if first.OffloadMode == hw.OffloadCsum {
			if err := offloadCsum(frame, int(first.HLen), int(first.OffloadPos)); err != nil {
				d.failTxLocked(qi, 2, err)
				return frames
			}
		}
		if first.VTagMode {
			frame = insertVLAN(frame, first.VTag)
		}

		q.comp[q.cpos.idx].Store(hw.TxCompletion{
			EOPIdx: uint32(eop),
			Type:   hw.CompTypeTx,
			Gen:    q.cpos.gen,
		})
		q.cpos.advance()
		countTx(&q.stats, frame)
		frames = append(frames, txFrame{queue: qi, data: frame})
	}
	if len(frames) > start {
		d.raise(int(q.shared.IntrIdx))
	}
	return frames
}

// offloadCsum completes a checksum the stack seeded with the pseudo
// header sum: the sum over frame[hlen:] is stored at pos.
func offloadCsum(frame []byte, hlen, pos int) error {
	if hlen >= len(frame) || pos < hlen || pos+2 > len(frame) {
		return fmt.Errorf("checksum offload hlen %d pos %d in %d byte frame", hlen, pos, len(frame))
	}
	sum := ^checksum.Checksum(frame[hlen:], 0)
	if sum == 0 {
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(frame[pos:], sum)
	return nil
}

func insertVLAN(frame []byte, tag uint16) []byte {
	if len(frame) < 12 {
		return frame
	}
	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:12]...)
	out = binary.BigEndian.AppendUint16(out, 0x8100)
	out = binary.BigEndian.AppendUint16(out, tag)
	return append(out, frame[12:]...)
}

func countTx(s *hw.UPT1TxStats, frame []byte) {
	n := uint64(len(frame))
	switch {
	case isBroadcast(frame):
		s.BcastPackets++
		s.BcastBytes += n
	case len(frame) > 0 && frame[0]&0x01 != 0:
		s.McastPackets++
		s.McastBytes += n
	default:
		s.UcastPackets++
		s.UcastBytes += n
	}
}

func (d *Device) failTxLocked(qi int, code uint32, err error) {
	q := d.txq[qi]
	q.stopped, q.errCode = true, code
	q.stats.Errors++
	d.log.WithError(err).WithField("txq", qi).Warn("tx queue stopped")
	d.raiseEventLocked(hw.EventTxQueueError)
}
