package udpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePullDataRoundTrip(t *testing.T) {
	recv := []byte{
		0x02, 0x9F, 0x92, 0x02, 0xAA, 0x55, 0x5A, 0x01, 0x02, 0x03, 0x04, 0x05,
	}

	pkt, err := Parse(recv)
	require.NoError(t, err)

	p, ok := pkt.(*PullDataPacket)
	require.True(t, ok, "expected *PullDataPacket, got %T", pkt)
	assert.Equal(t, Token(0x9F92), p.RandomToken)
	assert.Equal(t, MacAddress{0xAA, 0x55, 0x5A, 0x01, 0x02, 0x03, 0x04, 0x05}, p.GatewayMAC)

	buf := make([]byte, 512)
	n, err := p.Serialize(buf)
	require.NoError(t, err)
	assert.Equal(t, len(recv), n)
	assert.Equal(t, recv, buf[:n])
}

func TestParsePushDataRxPkRoundTrip(t *testing.T) {
	recv := []byte{
		0x2, 0x5E, 0x52, 0x0, 0xAA, 0x55, 0x5A, 0x0, 0x0, 0x0, 0x0, 0x0, 0x7B, 0x22, 0x72, 0x78,
		0x70, 0x6B, 0x22, 0x3A, 0x5B, 0x7B, 0x22, 0x74, 0x6D, 0x73, 0x74, 0x22, 0x3A, 0x31, 0x34,
		0x37, 0x32, 0x32, 0x34, 0x32, 0x32, 0x35, 0x32, 0x2C, 0x22, 0x63, 0x68, 0x61, 0x6E, 0x22,
		0x3A, 0x38, 0x2C, 0x22, 0x72, 0x66, 0x63, 0x68, 0x22, 0x3A, 0x30, 0x2C, 0x22, 0x66, 0x72,
		0x65, 0x71, 0x22, 0x3A, 0x39, 0x31, 0x32, 0x2E, 0x36, 0x30, 0x30, 0x30, 0x30, 0x30, 0x2C,
		0x22, 0x73, 0x74, 0x61, 0x74, 0x22, 0x3A, 0x31, 0x2C, 0x22, 0x6D, 0x6F, 0x64, 0x75, 0x22,
		0x3A, 0x22, 0x4C, 0x4F, 0x52, 0x41, 0x22, 0x2C, 0x22, 0x64, 0x61, 0x74, 0x72, 0x22, 0x3A,
		0x22, 0x53, 0x46, 0x38, 0x42, 0x57, 0x35, 0x30, 0x30, 0x22, 0x2C, 0x22, 0x63, 0x6F, 0x64,
		0x72, 0x22, 0x3A, 0x22, 0x34, 0x2F, 0x35, 0x22, 0x2C, 0x22, 0x6C, 0x73, 0x6E, 0x72, 0x22,
		0x3A, 0x31, 0x30, 0x2E, 0x38, 0x2C, 0x22, 0x72, 0x73, 0x73, 0x69, 0x22, 0x3A, 0x2D, 0x35,
		0x38, 0x2C, 0x22, 0x73, 0x69, 0x7A, 0x65, 0x22, 0x3A, 0x32, 0x33, 0x2C, 0x22, 0x64, 0x61,
		0x74, 0x61, 0x22, 0x3A, 0x22, 0x41, 0x4C, 0x51, 0x41, 0x41, 0x41, 0x41, 0x42, 0x41, 0x41,
		0x41, 0x41, 0x53, 0x47, 0x56, 0x73, 0x61, 0x58, 0x56, 0x74, 0x49, 0x43, 0x41, 0x30, 0x4C,
		0x44, 0x59, 0x43, 0x4E, 0x72, 0x41, 0x3D, 0x22, 0x7D, 0x5D, 0x7D,
	}

	pkt, err := Parse(recv)
	require.NoError(t, err)

	p, ok := pkt.(*PushDataPacket)
	require.True(t, ok, "expected *PushDataPacket, got %T", pkt)
	require.Len(t, p.Payload.RxPk, 1)
	assert.Equal(t, uint32(1472242252), p.Payload.RxPk[0].Tmst)
	assert.Equal(t, "LORA", p.Payload.RxPk[0].Modu)

	buf := make([]byte, 512)
	n, err := p.Serialize(buf)
	require.NoError(t, err)

	_, err = Parse(buf[:n])
	require.NoError(t, err)
}

func TestParsePushDataRxPkJVer2RoundTrip(t *testing.T) {
	recv := []byte{
		2, 120, 20, 0, 114, 118, 255, 0, 68, 1, 0, 16, 123, 34, 114, 120, 112, 107, 34, 58, 91,
		123, 34, 97, 101, 115, 107, 34, 58, 48, 44, 34, 98, 114, 100, 34, 58, 48, 44, 34, 99, 111,
		100, 114, 34, 58, 34, 52, 47, 53, 34, 44, 34, 100, 97, 116, 97, 34, 58, 34, 81, 65, 65, 65,
		65, 69, 103, 65, 69, 116, 99, 68, 118, 75, 55, 110, 100, 109, 66, 70, 66, 103, 61, 61, 34,
		44, 34, 100, 97, 116, 114, 34, 58, 34, 83, 70, 49, 48, 66, 87, 49, 50, 53, 34, 44, 34, 102,
		114, 101, 113, 34, 58, 57, 48, 51, 46, 57, 44, 34, 106, 118, 101, 114, 34, 58, 50, 44, 34,
		109, 111, 100, 117, 34, 58, 34, 76, 79, 82, 65, 34, 44, 34, 114, 115, 105, 103, 34, 58, 91,
		123, 34, 97, 110, 116, 34, 58, 48, 44, 34, 99, 104, 97, 110, 34, 58, 48, 44, 34, 108, 115,
		110, 114, 34, 58, 49, 48, 46, 48, 44, 34, 114, 115, 115, 105, 99, 34, 58, 45, 52, 54, 125,
		93, 44, 34, 115, 105, 122, 101, 34, 58, 49, 54, 44, 34, 115, 116, 97, 116, 34, 58, 49, 44,
		34, 116, 105, 109, 101, 34, 58, 34, 50, 48, 50, 48, 45, 49, 48, 45, 50, 57, 84, 49, 53, 58,
		53, 55, 58, 52, 48, 46, 49, 55, 48, 51, 48, 49, 90, 34, 44, 34, 116, 109, 115, 116, 34, 58,
		51, 49, 51, 57, 57, 56, 56, 55, 54, 125, 93, 125,
	}

	pkt, err := Parse(recv)
	require.NoError(t, err)

	p, ok := pkt.(*PushDataPacket)
	require.True(t, ok)
	require.Len(t, p.Payload.RxPk, 1)
	require.NotNil(t, p.Payload.RxPk[0].JVer)
	assert.Equal(t, 2, *p.Payload.RxPk[0].JVer)
	require.Len(t, p.Payload.RxPk[0].RSig, 1)
	assert.Equal(t, -46, p.Payload.RxPk[0].RSig[0].RSSIC)

	buf := make([]byte, 512)
	n, err := p.Serialize(buf)
	require.NoError(t, err)

	_, err = Parse(buf[:n])
	require.NoError(t, err)
}

func TestParsePushDataStatDoubleRoundTrip(t *testing.T) {
	recv := []byte{
		0x2, 0x86, 0xBE, 0x0, 0xAA, 0x55, 0x5A, 0x0, 0x0, 0x0, 0x0, 0x0, 0x7B, 0x22, 0x73, 0x74,
		0x61, 0x74, 0x22, 0x3A, 0x7B, 0x22, 0x74, 0x69, 0x6D, 0x65, 0x22, 0x3A, 0x22, 0x32, 0x30,
		0x32, 0x30, 0x2D, 0x30, 0x33, 0x2D, 0x30, 0x34, 0x20, 0x30, 0x37, 0x3A, 0x30, 0x31, 0x3A,
		0x30, 0x32, 0x20, 0x47, 0x4D, 0x54, 0x22, 0x2C, 0x22, 0x72, 0x78, 0x6E, 0x62, 0x22, 0x3A,
		0x33, 0x2C, 0x22, 0x72, 0x78, 0x6F, 0x6B, 0x22, 0x3A, 0x33, 0x2C, 0x22, 0x72, 0x78, 0x66,
		0x77, 0x22, 0x3A, 0x33, 0x2C, 0x22, 0x61, 0x63, 0x6B, 0x72, 0x22, 0x3A, 0x30, 0x2E, 0x30,
		0x2C, 0x22, 0x64, 0x77, 0x6E, 0x62, 0x22, 0x3A, 0x30, 0x2C, 0x22, 0x74, 0x78, 0x6E, 0x62,
		0x22, 0x3A, 0x30, 0x7D, 0x7D,
	}

	pkt, err := Parse(recv)
	require.NoError(t, err)

	p, ok := pkt.(*PushDataPacket)
	require.True(t, ok)
	require.NotNil(t, p.Payload.Stat)

	bufFirst := make([]byte, 512)
	nFirst, err := p.Serialize(bufFirst)
	require.NoError(t, err)

	again, err := Parse(bufFirst[:nFirst])
	require.NoError(t, err)
	p2, ok := again.(*PushDataPacket)
	require.True(t, ok)
	require.NotNil(t, p2.Payload.Stat)
	assert.Equal(t, p.Payload.Stat.Time, p2.Payload.Stat.Time)

	bufSecond := make([]byte, 512)
	_, err = p2.Serialize(bufSecond)
	require.NoError(t, err)
}

func TestParseUnknownIdentifier(t *testing.T) {
	_, err := Parse([]byte{ProtocolVersion, 0, 0, 0xFF})
	assert.Error(t, err)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse([]byte{ProtocolVersion, 0, 0})
	assert.Error(t, err)
}

func TestParseWrongVersion(t *testing.T) {
	_, err := Parse([]byte{9, 0, 0, byte(IdentifierPullAck)})
	assert.Error(t, err)
}

func TestTxAckIdentifiesSuccess(t *testing.T) {
	ack := &TxAckPacket{RandomToken: 1, GatewayMAC: MacAddress{1, 2, 3, 4, 5, 6, 7, 8}}
	assert.Equal(t, "", ack.ErrorCode())

	ack.Payload = &TxAckPayload{TXPKACK: TxPkAck{Error: "NONE"}}
	assert.Equal(t, "", ack.ErrorCode())

	ack.Payload = &TxAckPayload{TXPKACK: TxPkAck{Error: "TOO_LATE"}}
	assert.Equal(t, "TOO_LATE", ack.ErrorCode())
}

func TestPullRespIntoNack(t *testing.T) {
	mac := MacAddress{1, 2, 3, 4, 5, 6, 7, 8}
	resp := &PullRespPacket{RandomToken: 42}
	nack := resp.IntoNack(mac)

	assert.Equal(t, Token(42), nack.RandomToken)
	assert.Equal(t, mac, nack.GatewayMAC)
	assert.Equal(t, ErrGatewayUnknown, nack.ErrorCode())
}
