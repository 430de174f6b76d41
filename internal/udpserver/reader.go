package udpserver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loranet/semtech-udp-bridge/internal/tracing"
)

// reader exclusively owns the receive half of the socket and drives ingress
// routing and the acknowledgement obligation.
type reader struct {
	conn   *net.UDPConn
	bus    *EventBus
	writer *writer
}

// run reads datagrams until the socket errors (typically because Close
// closed it). Close cancels ctx before closing the socket, so callers
// distinguish a requested shutdown from a genuine read error by checking
// ctx.Err() first, the same pattern used elsewhere for closed-socket reads.
func (r *reader) run(ctx context.Context) error {
	buf := make([]byte, 65507) // max UDP datagram size
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return errors.Wrap(err, "udpserver: read from udp error")
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if err := r.handle(ctx, NewEndpoint(addr), data); err != nil {
			return err
		}
	}
}

func (r *reader) handle(ctx context.Context, addr Endpoint, data []byte) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "udpserver.handle")
	defer span.Finish()

	pkt, err := Parse(data)
	if err != nil {
		udpParseErrorCounter()
		log.WithError(err).WithField("addr", addr).Debug("udpserver: could not parse udp frame")
		r.bus.Publish(UnableToParseUdpFrameEvent{Data: data})
		return nil
	}

	udpReadCounter(pkt.Identifier().String())

	if _, ok := pkt.(Down); ok {
		// A gateway must never send Down frames; treat it as a fatal
		// protocol violation. Runtime reports the returned error to
		// subscribers as a FatalErrorEvent.
		return errors.Errorf("udpserver: protocol violation: received %s frame from gateway %s", pkt.Identifier(), addr)
	}

	carrier, _ := tracing.InjectSpanContextIntoBinaryCarrier(tracing.Tracer, span)

	switch p := pkt.(type) {
	case *PullDataPacket:
		// (a) establish/refresh the routing entry...
		if err := r.writer.client(ctx, p.GatewayMAC, addr); err != nil {
			return err
		}
		// ...(b) before the ack is enqueued, so the writer's lookup for the
		// ack always sees the fresh route.
		if err := r.writer.packetByMac(ctx, p.IntoAck(), p.GatewayMAC); err != nil {
			return err
		}
		// (c) emit the uplink last.
		r.bus.Publish(PacketEvent{Packet: p, Carrier: carrier})

	case *PushDataPacket:
		// PushAck is addressed by socket endpoint: a PushData may be the
		// very first frame from this gateway, before any PullData has
		// established a MAC->endpoint binding.
		if err := r.writer.packetBySocket(ctx, p.IntoAck(), addr); err != nil {
			return err
		}
		r.bus.Publish(PacketEvent{Packet: p, Carrier: carrier})

	case *TxAckPacket:
		r.bus.Publish(PacketEvent{Packet: p, Carrier: carrier})

	default:
		return errors.Errorf("udpserver: unhandled up-packet type %T", pkt)
	}

	return nil
}
