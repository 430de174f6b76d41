package udpserver

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
)

// writerRequest is the internal message union the writer goroutine
// consumes. It is never exposed outside this package: the reader and
// DownlinkGateway enqueue through writer's methods.
type writerRequest interface {
	isWriterRequest()
}

type reqPacketByMac struct {
	pkt Down
	mac MacAddress
}

type reqPacketBySocket struct {
	pkt  Down
	addr Endpoint
}

type reqClient struct {
	mac  MacAddress
	addr Endpoint
	done chan struct{}
}

func (reqPacketByMac) isWriterRequest()    {}
func (reqPacketBySocket) isWriterRequest() {}
func (reqClient) isWriterRequest()         {}

// writer is the sole owner of the send half of the socket and the
// MAC->Endpoint routing table. No locking is required: only the run
// goroutine ever touches table.
type writer struct {
	conn  *net.UDPConn
	bus   *EventBus
	queue chan writerRequest
	table map[MacAddress]Endpoint
}

func newWriter(conn *net.UDPConn, bus *EventBus, queueSize int) *writer {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &writer{
		conn:  conn,
		bus:   bus,
		queue: make(chan writerRequest, queueSize),
		table: make(map[MacAddress]Endpoint),
	}
}

// packetByMac looks up mac in the routing table when processed; see
// handlePacketByMac for the NACK-on-miss behavior.
func (w *writer) packetByMac(ctx context.Context, pkt Down, mac MacAddress) error {
	return w.enqueue(ctx, reqPacketByMac{pkt: pkt, mac: mac})
}

// packetBySocket sends unconditionally to addr; used for acks whose target
// endpoint is already known (e.g. a PushAck, which may precede any
// PullData from that gateway).
func (w *writer) packetBySocket(ctx context.Context, pkt Down, addr Endpoint) error {
	return w.enqueue(ctx, reqPacketBySocket{pkt: pkt, addr: addr})
}

// client records (or refreshes) a gateway's routing entry and waits for the
// writer to have applied it (and published any NewClient/UpdateClient event)
// before returning, so a caller that publishes its own event immediately
// afterwards is guaranteed to observe the routing event first.
func (w *writer) client(ctx context.Context, mac MacAddress, addr Endpoint) error {
	done := make(chan struct{})
	if err := w.enqueue(ctx, reqClient{mac: mac, addr: addr, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) enqueue(ctx context.Context, req writerRequest) error {
	select {
	case w.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the writer's main loop: dequeue, act, repeat. It returns once ctx
// is cancelled, after draining whatever is already sitting in the queue.
func (w *writer) run(ctx context.Context) {
	buf := make([]byte, 65507)
	for {
		select {
		case req := <-w.queue:
			w.handle(buf, req)
		case <-ctx.Done():
			w.drain(buf)
			return
		}
	}
}

func (w *writer) drain(buf []byte) {
	for {
		select {
		case req := <-w.queue:
			w.handle(buf, req)
		default:
			return
		}
	}
}

func (w *writer) handle(buf []byte, req writerRequest) {
	switch m := req.(type) {
	case reqPacketByMac:
		w.handlePacketByMac(buf, m)
	case reqPacketBySocket:
		w.send(buf, m.pkt, m.addr)
	case reqClient:
		w.handleClient(m)
	}
}

func (w *writer) handlePacketByMac(buf []byte, m reqPacketByMac) {
	addr, ok := w.table[m.mac]
	if ok {
		w.send(buf, m.pkt, addr)
		return
	}

	// Routing miss: silent for acks, a synthesized NACK for PullResp so
	// DownlinkGateway.Send always terminates instead of waiting forever for
	// a TxAck that will never arrive.
	pullResp, ok := m.pkt.(*PullRespPacket)
	if !ok {
		log.WithFields(log.Fields{
			"mac":  m.mac,
			"type": m.pkt.Identifier(),
		}).Debug("udpserver: dropping packet for gateway with no known route")
		return
	}

	udpDowlinkDropCounter(m.mac.String())
	w.bus.Publish(PacketEvent{Packet: pullResp.IntoNack(m.mac)})
}

func (w *writer) handleClient(m reqClient) {
	existing, ok := w.table[m.mac]
	switch {
	case !ok:
		w.table[m.mac] = m.addr
		log.WithFields(log.Fields{"mac": m.mac, "addr": m.addr}).Info("udpserver: new gateway client")
		w.bus.Publish(NewClientEvent{Mac: m.mac, Addr: m.addr})
	case !existing.Equal(m.addr):
		w.table[m.mac] = m.addr
		log.WithFields(log.Fields{"mac": m.mac, "addr": m.addr, "previous_addr": existing}).Info("udpserver: gateway client address changed")
		w.bus.Publish(UpdateClientEvent{Mac: m.mac, Addr: m.addr})
	default:
		// idempotent refresh from the same endpoint: no event to publish.
	}

	if m.done != nil {
		close(m.done)
	}
}

func (w *writer) send(buf []byte, pkt Down, addr Endpoint) {
	n, err := pkt.Serialize(buf)
	if err != nil {
		log.WithError(err).WithField("type", pkt.Identifier()).Error("udpserver: serialize outgoing packet error")
		return
	}

	udpWriteCounter(pkt.Identifier().String())
	if _, err := w.conn.WriteToUDP(buf[:n], addr.UDPAddr()); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"addr": addr,
			"type": pkt.Identifier(),
		}).Error("udpserver: write to udp error")
	}
}
