package udpserver

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config tunes the writer and EventBus queue capacities. The zero value is
// valid and uses the recommended defaults (100 each).
type Config struct {
	// WriterQueueSize bounds the writer's inbound request queue.
	WriterQueueSize int
	// EventBusBufferSize bounds each subscriber's buffer.
	EventBusBufferSize int
}

// Runtime is the embedding application's handle on a bound Semtech UDP
// socket: it owns the reader and writer goroutines and the EventBus, and exposes
// New/Recv/Send/Split/Close.
type Runtime struct {
	conn     *net.UDPConn
	bus      *EventBus
	writer   *writer
	downlink *DownlinkGateway

	defaultSub *Subscription

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New binds bindAddr and starts the reader and writer goroutines. It
// returns a wrapped error if the address cannot be resolved or bound.
func New(bindAddr string, conf Config) (*Runtime, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "udpserver: resolve udp address error")
	}

	log.WithField("addr", addr).Info("udpserver: starting gateway udp listener")
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "udpserver: listen udp error")
	}

	bus := NewEventBus(conf.EventBusBufferSize)
	w := newWriter(conn, bus, conf.WriterQueueSize)
	r := &reader{conn: conn, bus: bus, writer: w}

	ctx, cancel := context.WithCancel(context.Background())

	rt := &Runtime{
		conn:       conn,
		bus:        bus,
		writer:     w,
		downlink:   newDownlinkGateway(w, bus),
		defaultSub: bus.Subscribe(),
		cancel:     cancel,
	}

	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		w.run(ctx)
	}()
	go func() {
		defer rt.wg.Done()
		if err := r.run(ctx); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("udpserver: reader stopped")
				bus.Publish(FatalErrorEvent{Err: err})
			}
		}
	}()

	return rt, nil
}

// Bus returns the runtime's EventBus, for embeddings (such as
// internal/httpapi) that need an independent Subscribe per external
// observer rather than a single Split/Recv consumer.
func (rt *Runtime) Bus() *EventBus {
	return rt.bus
}

// LocalAddr returns the bound socket's address, useful when bindAddr used an
// ephemeral port (":0").
func (rt *Runtime) LocalAddr() net.Addr {
	return rt.conn.LocalAddr()
}

// Recv receives the next event for the runtime's default subscription. Use
// Split if independent event consumption and downlink submission are
// needed from different goroutines without sharing this handle.
func (rt *Runtime) Recv(ctx context.Context) (Event, error) {
	return rt.defaultSub.Recv(ctx)
}

// Send schedules a downlink and awaits its TxAck.
func (rt *Runtime) Send(ctx context.Context, txpk TxPk, mac MacAddress) error {
	return rt.downlink.Send(ctx, txpk, mac)
}

// EventSource is the read-only half returned by Split.
type EventSource struct {
	sub *Subscription
}

// Recv receives the next event on this independent subscription.
func (s *EventSource) Recv(ctx context.Context) (Event, error) {
	return s.sub.Recv(ctx)
}

// Close releases the subscription.
func (s *EventSource) Close() {
	s.sub.Close()
}

// DownlinkSender is the write-only half returned by Split.
type DownlinkSender struct {
	gw *DownlinkGateway
}

// Send schedules a downlink and awaits its TxAck.
func (d *DownlinkSender) Send(ctx context.Context, txpk TxPk, mac MacAddress) error {
	return d.gw.Send(ctx, txpk, mac)
}

// Split detaches an independent event source and downlink sender from the
// runtime, for embeddings that want to run ingestion and downlink
// submission on different goroutines.
func (rt *Runtime) Split() (*EventSource, *DownlinkSender) {
	return &EventSource{sub: rt.bus.Subscribe()}, &DownlinkSender{gw: rt.downlink}
}

// Close stops the reader and writer goroutines, closes the socket and
// shuts down the EventBus so every subscriber observes end-of-stream
// (ErrEventBusClosed). Safe to call more than once.
func (rt *Runtime) Close() error {
	var closeErr error
	rt.closeOnce.Do(func() {
		rt.cancel()
		closeErr = errors.Wrap(rt.conn.Close(), "udpserver: close udp socket error")
		rt.wg.Wait()
		rt.bus.Shutdown()
	})
	return closeErr
}
