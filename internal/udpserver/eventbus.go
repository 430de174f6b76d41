package udpserver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Event is the sum type broadcast by the EventBus.
type Event interface {
	isEvent()
}

// PacketEvent reports an Up packet received from a gateway, or a TxAck
// synthesized by the writer on a routing miss.
type PacketEvent struct {
	Packet Up
	// Carrier optionally propagates an opentracing span context across the
	// EventBus so a consumer can continue the trace started in the reader.
	// Purely additive: nil unless tracing is enabled.
	Carrier []byte
}

// NewClientEvent fires the first time a MAC is seen.
type NewClientEvent struct {
	Mac  MacAddress
	Addr Endpoint
}

// UpdateClientEvent fires when a known MAC is seen at a new endpoint.
type UpdateClientEvent struct {
	Mac  MacAddress
	Addr Endpoint
}

// UnableToParseUdpFrameEvent reports a datagram the codec could not parse.
type UnableToParseUdpFrameEvent struct {
	Data []byte
}

// LaggedEvent tells a subscriber it missed N events because it fell behind
// its buffer capacity.
type LaggedEvent struct {
	N uint64
}

// FatalErrorEvent reports that the reader goroutine hit an unrecoverable
// socket error, or that a gateway broke the protocol by sending a
// Down-variant frame. It is the embedding's chance to observe the runtime's
// death through Recv instead of a panic. Write errors in the writer
// goroutine are logged and do not produce this event.
type FatalErrorEvent struct {
	Err error
}

func (PacketEvent) isEvent()               {}
func (NewClientEvent) isEvent()            {}
func (UpdateClientEvent) isEvent()         {}
func (UnableToParseUdpFrameEvent) isEvent() {}
func (LaggedEvent) isEvent()               {}
func (FatalErrorEvent) isEvent()           {}

// ErrEventBusClosed is returned by Recv once the bus has been shut down and
// the subscriber has drained its buffer.
var ErrEventBusClosed = errors.New("udpserver: event bus closed")

type subscriber struct {
	ch      chan Event
	dropped uint64 // atomic
}

// EventBus is a non-blocking fan-out broadcast of Events to zero or more
// subscribers. A publish never blocks: a subscriber that cannot keep up has
// its oldest pending slot skipped and is told how many events it lost via a
// LaggedEvent, a bounded per-subscriber queue with a drop-oldest-and-signal
// policy rather than either blocking the publisher or growing unbounded.
type EventBus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	bufLen int
}

// NewEventBus creates a bus whose subscribers each get a channel of the
// given capacity. bufLen <= 0 falls back to a default of 100.
func NewEventBus(bufLen int) *EventBus {
	if bufLen <= 0 {
		bufLen = 100
	}
	return &EventBus{
		subs:   make(map[*subscriber]struct{}),
		bufLen: bufLen,
	}
}

// Subscription is a single consumer's view of the EventBus.
type Subscription struct {
	bus *EventBus
	sub *subscriber
}

// Subscribe registers a new subscriber. The caller must call Close when
// done to free the subscription.
func (b *EventBus) Subscribe() *Subscription {
	s := &subscriber{ch: make(chan Event, b.bufLen)}

	b.mu.Lock()
	if b.closed {
		close(s.ch)
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	return &Subscription{bus: b, sub: s}
}

// Publish broadcasts an event to every current subscriber. It never blocks
// the caller: subscribers whose buffer is full simply lag.
func (b *EventBus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	// Snapshot under the lock so a concurrent Subscribe/Close never races
	// with the send loop below.
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
			continue
		default:
		}
		// Buffer full: drop the oldest pending event to make room.
		select {
		case <-s.ch:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
		select {
		case s.ch <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Shutdown closes every subscriber's channel, delivering end-of-stream.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = make(map[*subscriber]struct{})
}

// Recv waits for the next event. If the subscriber lagged since its last
// Recv, the first call afterwards returns a LaggedEvent instead of
// consuming a real event, and the lag counter resets.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	if n := atomic.SwapUint64(&s.sub.dropped, 0); n > 0 {
		eventBusLaggedCounter()
		return LaggedEvent{N: n}, nil
	}

	select {
	case e, ok := <-s.sub.ch:
		if !ok {
			return nil, ErrEventBusClosed
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.sub]; ok {
		delete(s.bus.subs, s.sub)
	}
}
