package udpserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a second UDP socket standing in for a physical gateway: it
// can send raw frames to the runtime under test and read back whatever the
// runtime's writer sends in response.
type fakeGateway struct {
	t    *testing.T
	conn *net.UDPConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return &fakeGateway{t: t, conn: conn}
}

func (g *fakeGateway) close() {
	g.conn.Close()
}

func (g *fakeGateway) send(to net.Addr, pkt Packet) {
	buf := make([]byte, 2048)
	n, err := pkt.Serialize(buf)
	require.NoError(g.t, err)
	_, err = g.conn.WriteTo(buf[:n], to)
	require.NoError(g.t, err)
}

func (g *fakeGateway) recv(timeout time.Duration) Packet {
	require.NoError(g.t, g.conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 2048)
	n, _, err := g.conn.ReadFromUDP(buf)
	require.NoError(g.t, err)
	pkt, err := Parse(buf[:n])
	require.NoError(g.t, err)
	return pkt
}

func newTestRuntime(t *testing.T) *Runtime {
	rt, err := New("127.0.0.1:0", Config{})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func recvEvent(t *testing.T, rt *Runtime, timeout time.Duration) Event {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ev, err := rt.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestRuntimePullDataEstablishesRouteAndAcks(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 1, 2, 3, 4, 5}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})

	// Ordering guarantee: the NewClient event precedes the echoed uplink
	// PacketEvent.
	first := recvEvent(t, rt, time.Second)
	newClient, ok := first.(NewClientEvent)
	require.True(t, ok, "expected NewClientEvent, got %T", first)
	assert.Equal(t, mac, newClient.Mac)

	second := recvEvent(t, rt, time.Second)
	pe, ok := second.(PacketEvent)
	require.True(t, ok, "expected PacketEvent, got %T", second)
	_, ok = pe.Packet.(*PullDataPacket)
	assert.True(t, ok, "expected *PullDataPacket in event, got %T", pe.Packet)

	ack := gw.recv(time.Second)
	_, ok = ack.(*PullAckPacket)
	assert.True(t, ok, "expected *PullAckPacket, got %T", ack)
}

func TestRuntimeRepeatedPullDataFromSameEndpointIsSilent(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 1, 2, 3, 4, 6}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	_ = recvEvent(t, rt, time.Second) // NewClientEvent
	_ = recvEvent(t, rt, time.Second) // PacketEvent
	_ = gw.recv(time.Second)          // PullAck

	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	ev := recvEvent(t, rt, time.Second)
	pe, ok := ev.(PacketEvent)
	require.True(t, ok, "expected a bare PacketEvent with no routing event first, got %T", ev)
	_, ok = pe.Packet.(*PullDataPacket)
	assert.True(t, ok)
	_ = gw.recv(time.Second) // PullAck
}

func TestRuntimePullDataFromNewEndpointUpdatesClient(t *testing.T) {
	rt := newTestRuntime(t)
	gw1 := newFakeGateway(t)
	defer gw1.close()
	gw2 := newFakeGateway(t)
	defer gw2.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 1, 2, 3, 4, 7}

	gw1.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	_ = recvEvent(t, rt, time.Second) // NewClientEvent
	_ = recvEvent(t, rt, time.Second) // PacketEvent
	_ = gw1.recv(time.Second)

	gw2.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	ev := recvEvent(t, rt, time.Second)
	upd, ok := ev.(UpdateClientEvent)
	require.True(t, ok, "expected UpdateClientEvent, got %T", ev)
	assert.Equal(t, mac, upd.Mac)

	_ = recvEvent(t, rt, time.Second) // PacketEvent
	_ = gw2.recv(time.Second)

	// Downlinks must now reach gw2, not gw1.
	go func() { _ = rt.Send(context.Background(), TxPk{Tmst: Immediate()}, mac) }()
	pkt := gw2.recv(time.Second)
	resp, ok := pkt.(*PullRespPacket)
	require.True(t, ok, "expected *PullRespPacket on gw2, got %T", pkt)
	gw2.send(rt.LocalAddr(), &TxAckPacket{RandomToken: resp.RandomToken, GatewayMAC: mac})
}

func TestRuntimePushDataIsAcked(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 1, 2, 3, 4, 8}
	gw.send(rt.LocalAddr(), &PushDataPacket{
		RandomToken: NewToken(),
		GatewayMAC:  mac,
		Payload:     PushDataPayload{Stat: &Stat{Time: "2020-01-01 00:00:00 GMT"}},
	})

	ev := recvEvent(t, rt, time.Second)
	pe, ok := ev.(PacketEvent)
	require.True(t, ok, "expected PacketEvent, got %T", ev)
	_, ok = pe.Packet.(*PushDataPacket)
	assert.True(t, ok)

	ack := gw.recv(time.Second)
	_, ok = ack.(*PushAckPacket)
	assert.True(t, ok, "expected *PushAckPacket, got %T", ack)
}

func TestRuntimeDownlinkSuccess(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 2, 2, 3, 4, 9}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	_ = recvEvent(t, rt, time.Second)
	_ = recvEvent(t, rt, time.Second)
	_ = gw.recv(time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Send(context.Background(), TxPk{Tmst: At(42)}, mac)
	}()

	pkt := gw.recv(time.Second)
	resp, ok := pkt.(*PullRespPacket)
	require.True(t, ok, "expected *PullRespPacket, got %T", pkt)
	assert.Equal(t, uint32(42), resp.Payload.TxPk.Tmst.Value())

	gw.send(rt.LocalAddr(), &TxAckPacket{RandomToken: resp.RandomToken, GatewayMAC: mac})

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return in time")
	}
}

func TestRuntimeDownlinkErrorAck(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 3, 2, 3, 4, 9}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	_ = recvEvent(t, rt, time.Second)
	_ = recvEvent(t, rt, time.Second)
	_ = gw.recv(time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Send(context.Background(), TxPk{Tmst: Immediate()}, mac)
	}()

	pkt := gw.recv(time.Second)
	resp := pkt.(*PullRespPacket)
	gw.send(rt.LocalAddr(), &TxAckPacket{
		RandomToken: resp.RandomToken,
		GatewayMAC:  mac,
		Payload:     &TxAckPayload{TXPKACK: TxPkAck{Error: "TOO_LATE"}},
	})

	select {
	case err := <-errCh:
		require.Error(t, err)
		ackErr, ok := err.(*TxAckError)
		require.True(t, ok, "expected *TxAckError, got %T", err)
		assert.Equal(t, "TOO_LATE", ackErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return in time")
	}
}

func TestRuntimeDownlinkUnknownGatewaySynthesizesNack(t *testing.T) {
	rt := newTestRuntime(t)

	mac := MacAddress{0xFF, 0x55, 0x5A, 3, 2, 3, 4, 9}
	err := rt.Send(context.Background(), TxPk{Tmst: Immediate()}, mac)
	require.Error(t, err)
	ackErr, ok := err.(*TxAckError)
	require.True(t, ok, "expected *TxAckError, got %T", err)
	assert.Equal(t, ErrGatewayUnknown, ackErr.Code)
}

func TestRuntimeConcurrentDownlinksUseDistinctTokens(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 4, 2, 3, 4, 9}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	_ = recvEvent(t, rt, time.Second)
	_ = recvEvent(t, rt, time.Second)
	_ = gw.recv(time.Second)

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(tmst uint32) {
			errCh <- rt.Send(context.Background(), TxPk{Tmst: At(tmst)}, mac)
		}(uint32(i))
	}

	seen := make(map[Token]bool)
	for i := 0; i < n; i++ {
		pkt := gw.recv(time.Second)
		resp, ok := pkt.(*PullRespPacket)
		require.True(t, ok, "expected *PullRespPacket, got %T", pkt)
		assert.False(t, seen[resp.RandomToken], "token %v reused among concurrent downlinks", resp.RandomToken)
		seen[resp.RandomToken] = true
		gw.send(rt.LocalAddr(), &TxAckPacket{RandomToken: resp.RandomToken, GatewayMAC: mac})
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Send did not return in time")
		}
	}
}

func TestRuntimeDownlinkCancellationReturnsPromptlyAndLeavesNoLeak(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 5, 2, 3, 4, 9}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})
	_ = recvEvent(t, rt, time.Second)
	_ = recvEvent(t, rt, time.Second)
	_ = gw.recv(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Send(ctx, TxPk{Tmst: Immediate()}, mac)
	}()

	// Let the PullResp actually get sent before cancelling, then drain it so
	// the fake gateway's socket doesn't block the writer.
	_ = gw.recv(time.Second)
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}

	// The runtime must still be usable for a fresh, independent downlink.
	errCh2 := make(chan error, 1)
	go func() {
		errCh2 <- rt.Send(context.Background(), TxPk{Tmst: Immediate()}, mac)
	}()
	pkt := gw.recv(time.Second)
	resp := pkt.(*PullRespPacket)
	gw.send(rt.LocalAddr(), &TxAckPacket{RandomToken: resp.RandomToken, GatewayMAC: mac})

	select {
	case err := <-errCh2:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second Send did not return in time")
	}
}

func TestRuntimeSplitIndependentSubscription(t *testing.T) {
	rt := newTestRuntime(t)
	gw := newFakeGateway(t)
	defer gw.close()

	source, sender := rt.Split()
	defer source.Close()

	mac := MacAddress{0xAA, 0x55, 0x5A, 6, 2, 3, 4, 9}
	gw.send(rt.LocalAddr(), &PullDataPacket{RandomToken: NewToken(), GatewayMAC: mac})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := source.Recv(ctx)
	require.NoError(t, err)
	_, ok := ev.(NewClientEvent)
	assert.True(t, ok, "expected NewClientEvent on split source, got %T", ev)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = source.Recv(ctx2) // PacketEvent
	require.NoError(t, err)
	_ = gw.recv(time.Second) // PullAck

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(context.Background(), TxPk{Tmst: Immediate()}, mac) }()
	pkt := gw.recv(time.Second)
	resp := pkt.(*PullRespPacket)
	gw.send(rt.LocalAddr(), &TxAckPacket{RandomToken: resp.RandomToken, GatewayMAC: mac})

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender.Send did not return in time")
	}
}

func TestRuntimeCloseUnblocksRecv(t *testing.T) {
	rt, err := New("127.0.0.1:0", Config{})
	require.NoError(t, err)

	require.NoError(t, rt.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = rt.Recv(ctx)
	assert.Equal(t, ErrEventBusClosed, err)
}
