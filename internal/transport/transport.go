// Package transport owns the session's single UDP socket and multiplexes
// hole-punch probes, audio frames and control messages over it by class
// byte. It learns which remote endpoint belongs to which peer and keeps a
// hole-punch keep-alive loop per peer until the path is reciprocated.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/domain"
	"github.com/voxpeer/voxpeer/internal/events"
	"github.com/voxpeer/voxpeer/internal/protocol"
)

var ErrUnknownPeer = errors.New("unknown peer")

const (
	DefaultPunchInterval = 100 * time.Millisecond
	DefaultPunchBackoff  = 500 * time.Millisecond

	maxDatagram = 65535
)

// Packet is one demultiplexed audio or control payload attributed to a
// registered peer.
type Packet struct {
	Peer    string
	Payload []byte
}

// Stats is a point-in-time snapshot of the socket counters.
type Stats struct {
	RxPackets      uint64 `json:"rx_packets"`
	RxDropped      uint64 `json:"rx_dropped"`
	TxPackets      uint64 `json:"tx_packets"`
	TxErrors       uint64 `json:"tx_errors"`
	ConnectedPeers int    `json:"connected_peers"`
}

type peerState struct {
	endpoint  domain.Endpoint
	connected atomic.Bool
	cancel    context.CancelFunc
}

// Transport demultiplexes one UDP socket. The receive loop is the only
// goroutine that rewrites an already-learned endpoint mapping; peer
// registration and removal go through the shared lock.
type Transport struct {
	conn   *net.UDPConn
	ctx    context.Context
	cancel context.CancelFunc

	punchInterval time.Duration
	punchBackoff  time.Duration

	mu         sync.RWMutex
	peers      map[string]*peerState
	byEndpoint map[string]string

	peerConnected *events.Broadcaster[string]
	audio         *events.Broadcaster[Packet]
	control       *events.Broadcaster[Packet]

	rxPackets atomic.Uint64
	rxDropped atomic.Uint64
	txPackets atomic.Uint64
	txErrors  atomic.Uint64

	closeOnce sync.Once
}

type Option func(*Transport)

func WithPunchIntervals(interval, backoff time.Duration) Option {
	return func(t *Transport) {
		if interval > 0 {
			t.punchInterval = interval
		}
		if backoff > 0 {
			t.punchBackoff = backoff
		}
	}
}

// New wraps an already-bound socket. The transport owns the socket from
// here on and closes it on Close. ctx is the session lifetime; every
// internal loop is chained from it.
func New(ctx context.Context, conn *net.UDPConn, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		punchInterval: DefaultPunchInterval,
		punchBackoff:  DefaultPunchBackoff,
		peers:         make(map[string]*peerState),
		byEndpoint:    make(map[string]string),
		peerConnected: events.NewBroadcaster[string](),
		audio:         events.NewBroadcaster[Packet](),
		control:       events.NewBroadcaster[Packet](),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.receiveLoop()
	return t
}

func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// PeerConnected fires once per peer, on the first reciprocated probe.
func (t *Transport) PeerConnected() (<-chan string, func()) { return t.peerConnected.Subscribe() }

// Audio delivers audio-class payloads attributed to a peer id.
func (t *Transport) Audio() (<-chan Packet, func()) { return t.audio.Subscribe() }

// Control delivers control-class payloads attributed to a peer id.
func (t *Transport) Control() (<-chan Packet, func()) { return t.control.Subscribe() }

// AddPeer registers the id↔endpoint mapping in both directions and starts
// the hole-punch loop for that peer. Re-adding an existing peer rewires
// its endpoint and restarts the loop if the peer was not yet connected.
func (t *Transport) AddPeer(id string, ep domain.Endpoint) {
	if ep.IsZero() {
		log.Warn().Str("module", "transport").Str("peer", id).Msg("refusing to add peer without endpoint")
		return
	}
	t.mu.Lock()
	if prev, ok := t.peers[id]; ok {
		if prev.endpoint.String() == ep.String() {
			// Same mapping; keep the existing loop and connected state.
			t.mu.Unlock()
			return
		}
		prev.cancel()
		delete(t.byEndpoint, prev.endpoint.String())
	}
	ctx, cancel := context.WithCancel(t.ctx)
	ps := &peerState{endpoint: ep, cancel: cancel}
	t.peers[id] = ps
	t.byEndpoint[ep.String()] = id
	t.mu.Unlock()

	log.Info().Str("module", "transport").Str("peer", id).Str("endpoint", ep.String()).Msg("peer added, punching")
	go t.punchLoop(ctx, id, ps)
}

// RemovePeer cancels the peer's loop and unmaps it.
func (t *Transport) RemovePeer(id string) {
	t.mu.Lock()
	ps, ok := t.peers[id]
	if ok {
		ps.cancel()
		delete(t.byEndpoint, ps.endpoint.String())
		delete(t.peers, id)
	}
	t.mu.Unlock()
	if ok {
		log.Info().Str("module", "transport").Str("peer", id).Msg("peer removed")
	}
}

// PeerEndpoint returns the current endpoint mapping for a peer.
func (t *Transport) PeerEndpoint(id string) (domain.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps, ok := t.peers[id]
	if !ok {
		return domain.Endpoint{}, false
	}
	return ps.endpoint, true
}

// IsConnected reports whether the peer's path has been reciprocated.
func (t *Transport) IsConnected(id string) bool {
	t.mu.RLock()
	ps, ok := t.peers[id]
	t.mu.RUnlock()
	return ok && ps.connected.Load()
}

// SendTo frames the payload with the class byte and sends it to one peer.
func (t *Transport) SendTo(class protocol.Class, payload []byte, id string) error {
	t.mu.RLock()
	ps, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return t.write(class, payload, ps.endpoint)
}

// Broadcast sends the payload to every registered peer. Used for control
// messages affecting the whole session and for outgoing audio frames.
// Per-peer send failures are logged, not propagated.
func (t *Transport) Broadcast(class protocol.Class, payload []byte) {
	t.mu.RLock()
	targets := make(map[string]domain.Endpoint, len(t.peers))
	for id, ps := range t.peers {
		targets[id] = ps.endpoint
	}
	t.mu.RUnlock()
	for id, ep := range targets {
		if err := t.write(class, payload, ep); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("peer", id).Str("class", class.String()).Msg("broadcast send failed")
		}
	}
}

func (t *Transport) write(class protocol.Class, payload []byte, ep domain.Endpoint) error {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(class)
	copy(frame[1:], payload)
	if _, err := t.conn.WriteToUDP(frame, ep.UDPAddr()); err != nil {
		t.txErrors.Add(1)
		return fmt.Errorf("send %s to %s: %w", class, ep, err)
	}
	t.txPackets.Add(1)
	return nil
}

// punchLoop sends PING probes until the peer's path is reciprocated or the
// loop is cancelled. Send errors back the loop off instead of killing it.
func (t *Transport) punchLoop(ctx context.Context, id string, ps *peerState) {
	interval := t.punchInterval
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ps.connected.Load() {
			return
		}
		t.mu.RLock()
		ep := ps.endpoint
		t.mu.RUnlock()
		if err := t.write(protocol.ClassHolePunch, protocol.ProbePing, ep); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("peer", id).Msg("punch send failed, backing off")
			timer.Reset(t.punchBackoff)
			continue
		}
		timer.Reset(interval)
	}
}

// receiveLoop reads datagrams, strips the class byte and dispatches by
// learned sender endpoint. It is the only goroutine that rewrites an
// existing mapping after a port rebind.
func (t *Transport) receiveLoop() {
	defer func() {
		t.peerConnected.Close()
		t.audio.Close()
		t.control.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Error().Err(err).Str("module", "transport").Msg("receive loop read error")
			return
		}
		if n < 1 {
			continue
		}
		t.rxPackets.Add(1)

		class := protocol.Class(buf[0])
		payload := buf[1:n]
		sender := domain.EndpointFromUDPAddr(from)

		id, ok := t.resolvePeer(sender)
		if !ok {
			t.rxDropped.Add(1)
			log.Debug().Str("module", "transport").Str("from", sender.String()).Str("class", class.String()).Msg("dropping packet from unmapped sender")
			continue
		}

		switch class {
		case protocol.ClassHolePunch:
			t.handleProbe(id, payload, sender)
		case protocol.ClassAudio:
			t.audio.Publish(Packet{Peer: id, Payload: append([]byte(nil), payload...)})
		case protocol.ClassControl:
			t.control.Publish(Packet{Peer: id, Payload: append([]byte(nil), payload...)})
		default:
			t.rxDropped.Add(1)
			log.Debug().Str("module", "transport").Uint8("class", byte(class)).Msg("dropping packet with unknown class")
		}
	}
}

// resolvePeer maps a sender endpoint to a peer id: exact match first, then
// an address-only match that tolerates port rebinding behind symmetric
// NATs. On an address-only hit the mapping is rewritten to the new port.
func (t *Transport) resolvePeer(sender domain.Endpoint) (string, bool) {
	t.mu.RLock()
	id, ok := t.byEndpoint[sender.String()]
	t.mu.RUnlock()
	if ok {
		return id, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byEndpoint[sender.String()]; ok {
		return id, true
	}
	for pid, ps := range t.peers {
		if ps.endpoint.SameAddress(sender) {
			delete(t.byEndpoint, ps.endpoint.String())
			ps.endpoint = sender
			t.byEndpoint[sender.String()] = pid
			log.Info().Str("module", "transport").Str("peer", pid).Str("endpoint", sender.String()).Msg("peer rebound to new port")
			return pid, true
		}
	}
	return "", false
}

// handleProbe marks the peer connected (idempotent, fires PeerConnected
// once) and answers any PING with a PONG so the remote side converges too.
func (t *Transport) handleProbe(id string, payload []byte, sender domain.Endpoint) {
	t.mu.RLock()
	ps, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	if ps.connected.CompareAndSwap(false, true) {
		log.Info().Str("module", "transport").Str("peer", id).Str("endpoint", sender.String()).Msg("peer connected")
		t.peerConnected.Publish(id)
	}
	if bytes.Equal(payload, protocol.ProbePing) {
		if err := t.write(protocol.ClassHolePunch, protocol.ProbePong, sender); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("peer", id).Msg("pong send failed")
		}
	}
}

func (t *Transport) Stats() Stats {
	t.mu.RLock()
	connected := 0
	for _, ps := range t.peers {
		if ps.connected.Load() {
			connected++
		}
	}
	t.mu.RUnlock()
	return Stats{
		RxPackets:      t.rxPackets.Load(),
		RxDropped:      t.rxDropped.Load(),
		TxPackets:      t.txPackets.Load(),
		TxErrors:       t.txErrors.Load(),
		ConnectedPeers: connected,
	}
}

// Close cancels every peer loop and closes the socket. Safe to call more
// than once; teardown steps are independently guarded.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		for id, ps := range t.peers {
			ps.cancel()
			delete(t.peers, id)
		}
		t.byEndpoint = make(map[string]string)
		t.mu.Unlock()
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn().Err(err).Str("module", "transport").Msg("socket close")
		}
	})
}
