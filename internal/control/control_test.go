package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpeer/voxpeer/internal/domain"
	"github.com/voxpeer/voxpeer/internal/protocol"
	"github.com/voxpeer/voxpeer/internal/transport"
)

// connectedPair builds two loopback transports with reciprocated paths.
func connectedPair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	ctx := context.Background()
	bind := func() *net.UDPConn {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		return conn
	}
	connA, connB := bind(), bind()

	opts := transport.WithPunchIntervals(20*time.Millisecond, 50*time.Millisecond)
	trA := transport.New(ctx, connA, opts)
	trB := transport.New(ctx, connB, opts)
	t.Cleanup(trA.Close)
	t.Cleanup(trB.Close)

	connected, cancel := trB.PeerConnected()
	defer cancel()
	trA.AddPeer("bob", domain.EndpointFromUDPAddr(connB.LocalAddr().(*net.UDPAddr)))
	trB.AddPeer("alice", domain.EndpointFromUDPAddr(connA.LocalAddr().(*net.UDPAddr)))
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("transports never connected")
	}
	return trA, trB
}

func TestMuteRoundTrip(t *testing.T) {
	trA, trB := connectedPair(t)
	ctx := context.Background()

	chA := NewChannel(ctx, trA)
	chB := NewChannel(ctx, trB)

	events, cancel := chB.MuteChanged()
	defer cancel()

	chA.SendMute(false) // muted
	select {
	case ev := <-events:
		assert.Equal(t, "alice", ev.Peer)
		assert.True(t, ev.Muted)
	case <-time.After(2 * time.Second):
		t.Fatal("mute event never arrived")
	}

	chA.SendMute(true) // unmuted
	select {
	case ev := <-events:
		assert.Equal(t, "alice", ev.Peer)
		assert.False(t, ev.Muted)
	case <-time.After(2 * time.Second):
		t.Fatal("unmute event never arrived")
	}
}

func TestHangupRoundTrip(t *testing.T) {
	trA, trB := connectedPair(t)
	ctx := context.Background()

	chA := NewChannel(ctx, trA)
	chB := NewChannel(ctx, trB)

	hangups, cancel := chB.HangupRequested()
	defer cancel()

	chA.SendHangup()
	select {
	case ev := <-hangups:
		assert.Equal(t, "alice", ev.Peer)
	case <-time.After(2 * time.Second):
		t.Fatal("hangup event never arrived")
	}
}

func TestMalformedControlIgnored(t *testing.T) {
	trA, trB := connectedPair(t)
	ctx := context.Background()

	chB := NewChannel(ctx, trB)
	mutes, cancelMutes := chB.MuteChanged()
	defer cancelMutes()
	hangups, cancelHangups := chB.HangupRequested()
	defer cancelHangups()

	// Truncated mute payload and an unknown code; neither may surface.
	require.NoError(t, trA.SendTo(protocol.ClassControl, []byte{0x01}, "bob"))
	require.NoError(t, trA.SendTo(protocol.ClassControl, []byte{0xEE, 0x01}, "bob"))

	select {
	case ev := <-mutes:
		t.Fatalf("unexpected mute event %+v", ev)
	case ev := <-hangups:
		t.Fatalf("unexpected hangup event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
