package udpserver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loranet/semtech-udp-bridge/internal/tracing"
)

// TxAckError reports that a gateway answered a downlink with a non-success
// txpk_ack error code, including the synthesized "gateway unknown" NACK the
// writer raises on a routing miss.
type TxAckError struct {
	Code string
}

func (e *TxAckError) Error() string {
	return fmt.Sprintf("udpserver: downlink failed: %s", e.Code)
}

// tokenAllocator draws random tokens while avoiding collisions among a
// single gateway's currently outstanding downlinks, redrawing whenever the
// draw lands on a token that gateway already has in flight.
type tokenAllocator struct {
	mu          sync.Mutex
	outstanding map[MacAddress]map[Token]struct{}
}

func newTokenAllocator() *tokenAllocator {
	return &tokenAllocator{outstanding: make(map[MacAddress]map[Token]struct{})}
}

func (a *tokenAllocator) acquire(mac MacAddress) Token {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.outstanding[mac]
	if set == nil {
		set = make(map[Token]struct{})
		a.outstanding[mac] = set
	}
	for {
		t := Token(rand.Intn(1 << 16))
		if _, used := set[t]; !used {
			set[t] = struct{}{}
			return t
		}
	}
}

func (a *tokenAllocator) release(mac MacAddress, t Token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.outstanding[mac]
	if !ok {
		return
	}
	delete(set, t)
	if len(set) == 0 {
		delete(a.outstanding, mac)
	}
}

// DownlinkGateway is the embedding application's request/response channel
// for downlinks. Every Send owns an independent EventBus subscription, so
// concurrent sends correlate by token without sharing mutable state beyond
// the bus, the writer queue and the token allocator.
type DownlinkGateway struct {
	writer *writer
	bus    *EventBus
	tokens *tokenAllocator
}

func newDownlinkGateway(w *writer, bus *EventBus) *DownlinkGateway {
	return &DownlinkGateway{writer: w, bus: bus, tokens: newTokenAllocator()}
}

// Send schedules txpk for transmission by the gateway identified by mac and
// blocks until the matching TxAck is observed, the routing table proves the
// gateway unknown, or ctx is done. A cancelled ctx abandons the token: any
// later TxAck for it is simply dropped as an unmatched event.
func (g *DownlinkGateway) Send(ctx context.Context, txpk TxPk, mac MacAddress) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "udpserver.DownlinkGateway.Send")
	defer span.Finish()

	// Subscribe before enqueueing so no TxAck arriving immediately after
	// the PullResp is sent can be missed.
	sub := g.bus.Subscribe()
	defer sub.Close()

	token := g.tokens.acquire(mac)
	defer g.tokens.release(mac, token)

	pkt := &PullRespPacket{RandomToken: token, Payload: PullRespPayload{TxPk: txpk}}
	if err := g.writer.packetByMac(ctx, pkt, mac); err != nil {
		downlinkResultCounter("enqueue_error")
		return errors.Wrap(err, "udpserver: enqueue downlink error")
	}

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			downlinkResultCounter("cancelled")
			return err
		}

		packetEvent, ok := ev.(PacketEvent)
		if !ok {
			continue
		}

		ack, ok := packetEvent.Packet.(*TxAckPacket)
		if !ok || ack.RandomToken != token || ack.GatewayMAC != mac {
			continue
		}

		if code := ack.ErrorCode(); code != "" {
			downlinkResultCounter("error")
			log.WithFields(log.Fields{"mac": mac, "token": token, "error": code}).Debug("udpserver: downlink failed")
			return &TxAckError{Code: code}
		}

		downlinkResultCounter("ok")
		return nil
	}
}
