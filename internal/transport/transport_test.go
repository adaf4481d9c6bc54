package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpeer/voxpeer/internal/domain"
	"github.com/voxpeer/voxpeer/internal/protocol"
)

func loopbackSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func endpointOf(conn *net.UDPConn) domain.Endpoint {
	return domain.EndpointFromUDPAddr(conn.LocalAddr().(*net.UDPAddr))
}

// newPair builds two transports on loopback, each with the other
// registered as a peer, and waits until both paths reciprocate.
func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	ctx := context.Background()
	connA := loopbackSocket(t)
	connB := loopbackSocket(t)

	opts := WithPunchIntervals(20*time.Millisecond, 50*time.Millisecond)
	trA := New(ctx, connA, opts)
	trB := New(ctx, connB, opts)
	t.Cleanup(trA.Close)
	t.Cleanup(trB.Close)

	connectedA, cancelA := trA.PeerConnected()
	defer cancelA()
	connectedB, cancelB := trB.PeerConnected()
	defer cancelB()

	trA.AddPeer("bob", endpointOf(connB))
	trB.AddPeer("alice", endpointOf(connA))

	waitPeer := func(ch <-chan string, want string) {
		select {
		case id := <-ch:
			require.Equal(t, want, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("peer %s never connected", want)
		}
	}
	waitPeer(connectedA, "bob")
	waitPeer(connectedB, "alice")
	return trA, trB
}

func TestHolePunchConnects(t *testing.T) {
	trA, trB := newPair(t)
	assert.True(t, trA.IsConnected("bob"))
	assert.True(t, trB.IsConnected("alice"))
	assert.Equal(t, 1, trA.Stats().ConnectedPeers)
}

func TestPeerConnectedFiresOnce(t *testing.T) {
	trA, _ := newPair(t)

	connected, cancel := trA.PeerConnected()
	defer cancel()

	// Re-adding with the same endpoint is a no-op; the connected state and
	// the loop survive, so no second event may fire.
	ep, ok := trA.PeerEndpoint("bob")
	require.True(t, ok)
	trA.AddPeer("bob", ep)

	select {
	case id := <-connected:
		t.Fatalf("unexpected second connected event for %s", id)
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, trA.IsConnected("bob"))
}

func TestAudioAndControlDispatch(t *testing.T) {
	trA, trB := newPair(t)

	audio, cancelAudio := trB.Audio()
	defer cancelAudio()
	ctl, cancelCtl := trB.Control()
	defer cancelCtl()

	require.NoError(t, trA.SendTo(protocol.ClassAudio, []byte{0xAA, 0xBB}, "bob"))
	select {
	case pkt := <-audio:
		assert.Equal(t, "alice", pkt.Peer)
		assert.Equal(t, []byte{0xAA, 0xBB}, pkt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("audio packet never arrived")
	}

	trA.Broadcast(protocol.ClassControl, []byte{0x01, 0x00})
	select {
	case pkt := <-ctl:
		assert.Equal(t, "alice", pkt.Peer)
		assert.Equal(t, []byte{0x01, 0x00}, pkt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("control packet never arrived")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	conn := loopbackSocket(t)
	tr := New(context.Background(), conn)
	defer tr.Close()

	err := tr.SendTo(protocol.ClassAudio, []byte{1}, "nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestUnmappedSenderDropped(t *testing.T) {
	conn := loopbackSocket(t)
	tr := New(context.Background(), conn)
	defer tr.Close()

	audio, cancel := tr.Audio()
	defer cancel()

	stranger := loopbackSocket(t)
	defer stranger.Close()
	_, err := stranger.WriteToUDP([]byte{byte(protocol.ClassAudio), 0x01}, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case pkt := <-audio:
		t.Fatalf("packet from unmapped sender dispatched: %+v", pkt)
	case <-time.After(300 * time.Millisecond):
	}
	assert.GreaterOrEqual(t, tr.Stats().RxDropped, uint64(1))
}

func TestPortRebindFallback(t *testing.T) {
	ctx := context.Background()
	conn := loopbackSocket(t)
	tr := New(ctx, conn, WithPunchIntervals(time.Hour, time.Hour))
	defer tr.Close()

	// The peer was announced on one port but shows up from another, as a
	// symmetric NAT rebind would look.
	announced := domain.Endpoint{IP: net.IPv4(127, 0, 0, 1).To4(), Port: 1}
	tr.AddPeer("bob", announced)

	audio, cancel := tr.Audio()
	defer cancel()

	rebound := loopbackSocket(t)
	defer rebound.Close()
	_, err := rebound.WriteToUDP([]byte{byte(protocol.ClassAudio), 0x7F}, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case pkt := <-audio:
		assert.Equal(t, "bob", pkt.Peer)
	case <-time.After(2 * time.Second):
		t.Fatal("rebound packet never attributed")
	}

	ep, ok := tr.PeerEndpoint("bob")
	require.True(t, ok)
	assert.Equal(t, endpointOf(rebound).String(), ep.String())
}

func TestRemovePeer(t *testing.T) {
	trA, trB := newPair(t)

	trB.RemovePeer("alice")
	assert.False(t, trB.IsConnected("alice"))
	_, ok := trB.PeerEndpoint("alice")
	assert.False(t, ok)

	audio, cancel := trB.Audio()
	defer cancel()
	require.NoError(t, trA.SendTo(protocol.ClassAudio, []byte{1}, "bob"))
	select {
	case pkt := <-audio:
		t.Fatalf("packet from removed peer dispatched: %+v", pkt)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := loopbackSocket(t)
	tr := New(context.Background(), conn)
	tr.AddPeer("bob", domain.Endpoint{IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9})

	audio, cancel := tr.Audio()
	defer cancel()

	tr.Close()
	tr.Close()

	select {
	case _, open := <-audio:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("audio stream not closed after transport close")
	}
}
