package nic

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/vmxnet3-go/pktbuf"
)

// Packet is a received frame handed to a processor callback.
type Packet struct {
	*pktbuf.Packet
	// Ingress is the name of the receiving interface.
	Ingress string
}

// RunProcessor services all interfaces and calls fn for every packet
// any of them receives. fn may modify the packet in place.
// If fn returns forwardToIface > -1 the packet is transmitted on the
// interface with that index, otherwise it is dropped. Interface index
// refers to Interface.Info, not the position in interfaces.
// RunProcessor returns context.Canceled once ctx is canceled, or the
// first error fn returns.
func RunProcessor(
	ctx context.Context,
	interfaces []*Interface,
	fn func(*Packet) (forwardToIface int, err error),
) error {
	if len(interfaces) == 0 {
		return nil
	}

	byIndex := make(map[int]*Interface, len(interfaces))
	for _, ifc := range interfaces {
		byIndex[ifc.index] = ifc
	}

	g, ctx := errgroup.WithContext(ctx)
	errCh := make(chan error, 1)

	for _, ifc := range interfaces {
		ifc.SetHandler(func(pkt *pktbuf.Packet) {
			fwd, err := fn(&Packet{Packet: pkt, Ingress: ifc.name})
			if err != nil {
				pkt.Free()
				select {
				case errCh <- err:
				default:
				}
				return
			}
			tgt := byIndex[fwd]
			if fwd < 0 || tgt == nil {
				pkt.Free()
				return
			}
			if err := tgt.dev.Transmit(pkt); err != nil {
				pkt.Free()
				tgt.fwdDrops.Add(1)
			}
		})
		g.Go(func() error { return ifc.Run(ctx) })
	}
	defer func() {
		for _, ifc := range interfaces {
			ifc.SetHandler(nil)
		}
	}()

	g.Go(func() error {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return g.Wait()
}
