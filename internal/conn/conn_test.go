package conn

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/protohackers/speed-server/internal/region"
	"github.com/protohackers/speed-server/internal/wire"
)

// fakeRegion is a minimal double for the Region interface: it records the
// observations it receives and hands out a fixed ticket channel per
// dispatcher registration.
type fakeRegion struct {
	observed []observedCall
	tickets  chan region.Ticket
}

type observedCall struct {
	camera region.Camera
	plate  string
	ts     region.Timestamp
}

func newFakeRegion() *fakeRegion {
	return &fakeRegion{tickets: make(chan region.Ticket, 4)}
}

func (f *fakeRegion) RecordPlate(camera region.Camera, plate string, ts region.Timestamp) {
	f.observed = append(f.observed, observedCall{camera, plate, ts})
}

func (f *fakeRegion) RegisterDispatcher(region.Dispatcher) <-chan region.Ticket {
	return f.tickets
}

// The codec only encodes server-originated messages (§4.1 asymmetry is
// intentional, see wire.Encode's doc comment), so these tests build
// client-originated frames by hand, the same way internal/wire's own
// decode tests supply raw byte literals instead of round-tripping through
// Encode.

func frameIAmCamera(road, mile, limit uint16) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagIAmCamera))
	_ = binary.Write(&buf, binary.BigEndian, road)
	_ = binary.Write(&buf, binary.BigEndian, mile)
	_ = binary.Write(&buf, binary.BigEndian, limit)
	return buf.Bytes()
}

func frameIAmDispatcher(roads []uint16) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagIAmDispatcher))
	buf.WriteByte(byte(len(roads)))
	for _, r := range roads {
		_ = binary.Write(&buf, binary.BigEndian, r)
	}
	return buf.Bytes()
}

func framePlate(plate string, ts uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagPlate))
	buf.WriteByte(byte(len(plate)))
	buf.WriteString(plate)
	_ = binary.Write(&buf, binary.BigEndian, ts)
	return buf.Bytes()
}

func frameWantHeartbeat(deciseconds uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagWantHeartbeat))
	_ = binary.Write(&buf, binary.BigEndian, deciseconds)
	return buf.Bytes()
}

func dial(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	return c1, c2
}

// TestConn_CameraRoleRoutesPlateToRegion covers §4.2's Unidentified ->
// Camera transition and Plate routing.
func TestConn_CameraRoleRoutesPlateToRegion(t *testing.T) {
	client, srv := dial(t)
	rg := newFakeRegion()
	c := New(1, srv, rg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	go func() {
		_, _ = client.Write(frameIAmCamera(123, 8, 60))
		_, _ = client.Write(framePlate("UN1X", 0))
	}()

	require.Eventually(t, func() bool { return len(rg.observed) == 1 }, time.Second, 5*time.Millisecond)
	got := rg.observed[0]
	require.Equal(t, region.Camera{Road: 123, Mile: 8, Limit: 60}, got.camera)
	require.Equal(t, "UN1X", got.plate)
	require.Equal(t, region.Timestamp(0), got.ts)

	_ = client.Close()
	<-done
}

// TestConn_DuplicateWantHeartbeatIsProtocolError covers §4.2's "already
// beating" rule and scenario 5 of §8.
func TestConn_DuplicateWantHeartbeatIsProtocolError(t *testing.T) {
	client, srv := dial(t)
	rg := newFakeRegion()
	c := New(2, srv, rg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	go func() {
		_, _ = client.Write(frameWantHeartbeat(5))
		_, _ = client.Write(frameWantHeartbeat(5))
	}()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := wire.Decode(wire.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, wire.TagError, msg.Tag)
	require.Equal(t, "already beating", msg.ErrorMsg)

	<-done
}

// TestConn_DispatcherReceivesTicket covers the outbound half of §4.2: a
// Ticket handed to the connection by the Region is encoded onto the wire.
func TestConn_DispatcherReceivesTicket(t *testing.T) {
	client, srv := dial(t)
	rg := newFakeRegion()
	c := New(3, srv, rg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	go func() { _, _ = client.Write(frameIAmDispatcher([]uint16{123})) }()
	// Buffered: safe to enqueue before the connection's pump goroutine has
	// picked up the registered ticket channel, since it only starts reading
	// from it after receiving it over dispatcherCh.
	rg.tickets <- region.Ticket{Plate: "UN1X", Road: 123, Mile1: 8, Timestamp1: 0, Mile2: 9, Timestamp2: 45, Speed: 8000}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := wire.Decode(wire.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, wire.TagTicket, msg.Tag)
	require.Equal(t, "UN1X", msg.Ticket.Plate)
	require.EqualValues(t, 8000, msg.Ticket.Speed)

	_ = client.Close()
	<-done
}

// TestConn_EmptyRoadsDispatcherNeverClosed covers scenario 6 of §8: a
// dispatcher with no roads still lives until the client disconnects.
func TestConn_EmptyRoadsDispatcherNeverClosed(t *testing.T) {
	client, srv := dial(t)
	rg := newFakeRegion()
	c := New(4, srv, rg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	go func() {
		_, _ = client.Write(frameIAmDispatcher(nil))
		_, _ = client.Write(frameWantHeartbeat(1))
	}()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.Decode(wire.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, wire.TagHeartbeat, msg.Tag)

	_ = client.Close()
	<-done
}

// TestConn_InvalidMessageInUnidentifiedClosesWithError covers §4.2's
// default transition: any message other than IAmCamera/IAmDispatcher/
// WantHeartbeat in Unidentified is a protocol error.
func TestConn_InvalidMessageInUnidentifiedClosesWithError(t *testing.T) {
	client, srv := dial(t)
	rg := newFakeRegion()
	c := New(5, srv, rg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	go func() { _, _ = client.Write(framePlate("X", 0)) }()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := wire.Decode(wire.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, wire.TagError, msg.Tag)
	require.Equal(t, "invalid message", msg.ErrorMsg)

	<-done
}

// TestConn_UnknownTagIsProtocolError covers §4.1's "any unknown tag byte
// is a protocol error" and §7's "serialize an Error frame ... then close
// the stream" — a raw unrecognized tag byte must not just close silently,
// in any role, per scenario 5 of §8's close semantics.
func TestConn_UnknownTagIsProtocolError(t *testing.T) {
	client, srv := dial(t)
	rg := newFakeRegion()
	c := New(6, srv, rg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	go func() { _, _ = client.Write([]byte{0x99}) }()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := wire.Decode(wire.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, wire.TagError, msg.Tag)
	require.NotEmpty(t, msg.ErrorMsg)

	<-done
}
