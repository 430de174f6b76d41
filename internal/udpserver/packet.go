// Package udpserver implements the Semtech UDP packet-forwarder protocol:
// framing, gateway routing and the downlink/ack correlation that sits on top
// of a UDP socket.
package udpserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// MacAddress is the 8-byte gateway identifier carried in every framed
// packet. It reuses lorawan's EUI64 since both are plain 8-byte arrays with
// the same text encoding (colon-less hex).
type MacAddress = lorawan.EUI64

// Token is the 16-bit correlation value the server draws for every
// PullResp and the gateway echoes back in the matching TxAck.
type Token uint16

// NewToken draws a random token. Uniqueness is only required among a
// gateway's outstanding downlinks; a uniform draw is sufficient in practice
// (see DownlinkGateway for the collision-avoidance wrapper).
func NewToken() Token {
	return Token(rand.Intn(1 << 16))
}

// Endpoint is the network address of a gateway. It is kept as its own type
// (rather than a bare *net.UDPAddr) so that equality is well-defined even
// across addresses read from independent ReadFromUDP calls.
type Endpoint struct {
	addr *net.UDPAddr
}

// NewEndpoint wraps a UDP address.
func NewEndpoint(addr *net.UDPAddr) Endpoint {
	return Endpoint{addr: addr}
}

// UDPAddr returns the underlying address, for use with net.UDPConn.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return e.addr
}

// Equal reports whether two endpoints name the same IP and port.
func (e Endpoint) Equal(other Endpoint) bool {
	if e.addr == nil || other.addr == nil {
		return e.addr == other.addr
	}
	return e.addr.IP.Equal(other.addr.IP) && e.addr.Port == other.addr.Port && e.addr.Zone == other.addr.Zone
}

func (e Endpoint) String() string {
	if e.addr == nil {
		return "<nil>"
	}
	return e.addr.String()
}

// MarshalJSON renders the endpoint as its string form, for the debug
// websocket endpoint and structured logging.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// Identifier is the protocol's frame-type byte.
type Identifier byte

// Frame identifiers, per the Semtech packet-forwarder protocol.
const (
	IdentifierPushData Identifier = 0
	IdentifierPushAck  Identifier = 1
	IdentifierPullData Identifier = 2
	IdentifierPullAck  Identifier = 3
	IdentifierPullResp Identifier = 4
	IdentifierTxAck    Identifier = 5
)

func (i Identifier) String() string {
	switch i {
	case IdentifierPushData:
		return "PushData"
	case IdentifierPushAck:
		return "PushAck"
	case IdentifierPullData:
		return "PullData"
	case IdentifierPullAck:
		return "PullAck"
	case IdentifierPullResp:
		return "PullResp"
	case IdentifierTxAck:
		return "TxAck"
	default:
		return fmt.Sprintf("Identifier(%d)", byte(i))
	}
}

// ProtocolVersion is the only protocol version this codec speaks.
const ProtocolVersion byte = 2

// frameHeaderLen is the fixed version+token+identifier prefix every frame
// carries.
const frameHeaderLen = 4

// Packet is the tagged union of every frame this protocol defines. Up
// packets originate at the gateway; Down packets originate at the server.
// The interface is intentionally narrow: callers type-switch on the
// concrete *XxxPacket types.
type Packet interface {
	Identifier() Identifier
	// Serialize writes the packet's wire encoding into buf, returning the
	// number of bytes written. It returns an error (never panics) if buf is
	// too small or the embedded JSON payload cannot be encoded.
	Serialize(buf []byte) (int, error)
}

// Up is implemented only by packets a gateway may legally send.
type Up interface {
	Packet
	isUp()
}

// Down is implemented only by packets the server may legally send.
type Down interface {
	Packet
	isDown()
}

// PushDataPacket is an Up frame carrying uplink radio frames and/or gateway
// status.
type PushDataPacket struct {
	RandomToken Token
	GatewayMAC  MacAddress
	Payload     PushDataPayload
}

func (p *PushDataPacket) Identifier() Identifier { return IdentifierPushData }
func (*PushDataPacket) isUp()                    {}

// IntoAck builds the PushAck that acknowledges this PushData.
func (p *PushDataPacket) IntoAck() *PushAckPacket {
	return &PushAckPacket{RandomToken: p.RandomToken}
}

func (p *PushDataPacket) Serialize(buf []byte) (int, error) {
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, errors.Wrap(err, "marshal PushData payload error")
	}
	n := frameHeaderLen + 8 + len(body)
	if len(buf) < n {
		return 0, errBufferTooSmall
	}
	writeHeader(buf, p.RandomToken, IdentifierPushData)
	copy(buf[4:12], p.GatewayMAC[:])
	copy(buf[12:], body)
	return n, nil
}

// PushAckPacket is a Down frame acknowledging a PushData.
type PushAckPacket struct {
	RandomToken Token
}

func (p *PushAckPacket) Identifier() Identifier { return IdentifierPushAck }
func (*PushAckPacket) isDown()                  {}

func (p *PushAckPacket) Serialize(buf []byte) (int, error) {
	if len(buf) < frameHeaderLen {
		return 0, errBufferTooSmall
	}
	writeHeader(buf, p.RandomToken, IdentifierPushAck)
	return frameHeaderLen, nil
}

// PullDataPacket is an Up frame by which a gateway polls for downlinks and
// establishes its routing entry.
type PullDataPacket struct {
	RandomToken Token
	GatewayMAC  MacAddress
}

func (p *PullDataPacket) Identifier() Identifier { return IdentifierPullData }
func (*PullDataPacket) isUp()                    {}

// IntoAck builds the PullAck that acknowledges this PullData.
func (p *PullDataPacket) IntoAck() *PullAckPacket {
	return &PullAckPacket{RandomToken: p.RandomToken}
}

func (p *PullDataPacket) Serialize(buf []byte) (int, error) {
	n := frameHeaderLen + 8
	if len(buf) < n {
		return 0, errBufferTooSmall
	}
	writeHeader(buf, p.RandomToken, IdentifierPullData)
	copy(buf[4:12], p.GatewayMAC[:])
	return n, nil
}

// PullAckPacket is a Down frame acknowledging a PullData.
type PullAckPacket struct {
	RandomToken Token
}

func (p *PullAckPacket) Identifier() Identifier { return IdentifierPullAck }
func (*PullAckPacket) isDown()                  {}

func (p *PullAckPacket) Serialize(buf []byte) (int, error) {
	if len(buf) < frameHeaderLen {
		return 0, errBufferTooSmall
	}
	writeHeader(buf, p.RandomToken, IdentifierPullAck)
	return frameHeaderLen, nil
}

// PullRespPacket is a Down frame carrying a scheduled downlink transmission.
type PullRespPacket struct {
	RandomToken Token
	Payload     PullRespPayload
}

func (p *PullRespPacket) Identifier() Identifier { return IdentifierPullResp }
func (*PullRespPacket) isDown()                  {}

// IntoNack synthesizes the TxAck a DownlinkGateway observes when the target
// MAC has no known route.
func (p *PullRespPacket) IntoNack(mac MacAddress) *TxAckPacket {
	return &TxAckPacket{
		RandomToken: p.RandomToken,
		GatewayMAC:  mac,
		Payload:     &TxAckPayload{TXPKACK: TxPkAck{Error: ErrGatewayUnknown}},
	}
}

func (p *PullRespPacket) Serialize(buf []byte) (int, error) {
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, errors.Wrap(err, "marshal PullResp payload error")
	}
	n := frameHeaderLen + len(body)
	if len(buf) < n {
		return 0, errBufferTooSmall
	}
	writeHeader(buf, p.RandomToken, IdentifierPullResp)
	copy(buf[4:], body)
	return n, nil
}

// TxAckPacket is an Up frame reporting the outcome of a PullResp
// transmission.
type TxAckPacket struct {
	RandomToken Token
	GatewayMAC  MacAddress
	// Payload is nil for packet-forwarder implementations that omit the
	// body entirely on success.
	Payload *TxAckPayload
}

func (p *TxAckPacket) Identifier() Identifier { return IdentifierTxAck }
func (*TxAckPacket) isUp()                    {}

// ErrorCode returns the txpk_ack error string, or "" if the transmission
// succeeded (absent payload, absent error field, or the "NONE" sentinel all
// mean success).
func (p *TxAckPacket) ErrorCode() string {
	if p.Payload == nil {
		return ""
	}
	if p.Payload.TXPKACK.Error == "NONE" {
		return ""
	}
	return p.Payload.TXPKACK.Error
}

func (p *TxAckPacket) Serialize(buf []byte) (int, error) {
	var body []byte
	if p.Payload != nil {
		var err error
		body, err = json.Marshal(p.Payload)
		if err != nil {
			return 0, errors.Wrap(err, "marshal TxAck payload error")
		}
	}
	n := frameHeaderLen + 8 + len(body)
	if len(buf) < n {
		return 0, errBufferTooSmall
	}
	writeHeader(buf, p.RandomToken, IdentifierTxAck)
	copy(buf[4:12], p.GatewayMAC[:])
	copy(buf[12:], body)
	return n, nil
}

func writeHeader(buf []byte, token Token, id Identifier) {
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[1:3], uint16(token))
	buf[3] = byte(id)
}

// ErrGatewayUnknown is the error code a synthesized NACK carries when a
// PullResp targets a MAC with no known route.
const ErrGatewayUnknown = "SendFailed: gateway unknown"

var (
	errBufferTooSmall   = errors.New("udpserver: output buffer too small")
	errFrameTooShort    = errors.New("udpserver: frame shorter than header")
	errUnknownIdentifier = errors.New("udpserver: unknown frame identifier")
	errWrongVersion     = errors.New("udpserver: unsupported protocol version")
)

// Parse decodes a raw datagram into a Packet. It is a pure function: no I/O,
// no shared state, safe to call from any goroutine.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < frameHeaderLen {
		return nil, errFrameTooShort
	}
	if buf[0] != ProtocolVersion {
		return nil, errWrongVersion
	}
	token := Token(binary.BigEndian.Uint16(buf[1:3]))
	id := Identifier(buf[3])

	switch id {
	case IdentifierPushData:
		if len(buf) < frameHeaderLen+8 {
			return nil, errFrameTooShort
		}
		p := &PushDataPacket{RandomToken: token}
		copy(p.GatewayMAC[:], buf[4:12])
		if len(buf) > 12 {
			if err := json.Unmarshal(buf[12:], &p.Payload); err != nil {
				return nil, errors.Wrap(err, "unmarshal PushData payload error")
			}
		}
		return p, nil

	case IdentifierPushAck:
		return &PushAckPacket{RandomToken: token}, nil

	case IdentifierPullData:
		if len(buf) < frameHeaderLen+8 {
			return nil, errFrameTooShort
		}
		p := &PullDataPacket{RandomToken: token}
		copy(p.GatewayMAC[:], buf[4:12])
		return p, nil

	case IdentifierPullAck:
		return &PullAckPacket{RandomToken: token}, nil

	case IdentifierPullResp:
		p := &PullRespPacket{RandomToken: token}
		if len(buf) > frameHeaderLen {
			if err := json.Unmarshal(buf[frameHeaderLen:], &p.Payload); err != nil {
				return nil, errors.Wrap(err, "unmarshal PullResp payload error")
			}
		}
		return p, nil

	case IdentifierTxAck:
		if len(buf) < frameHeaderLen+8 {
			return nil, errFrameTooShort
		}
		p := &TxAckPacket{RandomToken: token}
		copy(p.GatewayMAC[:], buf[4:12])
		if len(buf) > 12 {
			var payload TxAckPayload
			if err := json.Unmarshal(buf[12:], &payload); err != nil {
				return nil, errors.Wrap(err, "unmarshal TxAck payload error")
			}
			p.Payload = &payload
		}
		return p, nil

	default:
		return nil, errors.Wrapf(errUnknownIdentifier, "identifier byte %d", byte(id))
	}
}
