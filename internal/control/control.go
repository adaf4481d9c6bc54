// Package control is the thin codec over the transport's Control class:
// one ControlCode byte followed by a variable payload.
package control

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/events"
	"github.com/voxpeer/voxpeer/internal/protocol"
	"github.com/voxpeer/voxpeer/internal/transport"
)

// MuteChanged reports a remote peer flipping its microphone.
type MuteChanged struct {
	Peer  string
	Muted bool
}

// HangupRequested reports a remote peer ending the call.
type HangupRequested struct {
	Peer string
}

// Channel decodes inbound control payloads into peer-keyed events and
// encodes outbound mute/hangup signals.
type Channel struct {
	tr *transport.Transport

	muteChanged *events.Broadcaster[MuteChanged]
	hangup      *events.Broadcaster[HangupRequested]
}

func NewChannel(ctx context.Context, tr *transport.Transport) *Channel {
	c := &Channel{
		tr:          tr,
		muteChanged: events.NewBroadcaster[MuteChanged](),
		hangup:      events.NewBroadcaster[HangupRequested](),
	}
	go c.readLoop(ctx)
	return c
}

func (c *Channel) MuteChanged() (<-chan MuteChanged, func())       { return c.muteChanged.Subscribe() }
func (c *Channel) HangupRequested() (<-chan HangupRequested, func()) { return c.hangup.Subscribe() }

// SendMute broadcasts the local mute state to every peer. Wire form:
// [0x01][1=unmuted|0=muted].
func (c *Channel) SendMute(unmuted bool) {
	b := byte(0)
	if unmuted {
		b = 1
	}
	c.tr.Broadcast(protocol.ClassControl, []byte{byte(protocol.ControlMuteState), b})
}

// SendHangup broadcasts the hangup notice. Best effort: the session is
// going away either way.
func (c *Channel) SendHangup() {
	c.tr.Broadcast(protocol.ClassControl, []byte{byte(protocol.ControlHangup)})
}

func (c *Channel) readLoop(ctx context.Context) {
	packets, cancel := c.tr.Control()
	defer cancel()
	defer c.muteChanged.Close()
	defer c.hangup.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			c.dispatch(pkt)
		}
	}
}

func (c *Channel) dispatch(pkt transport.Packet) {
	if len(pkt.Payload) == 0 {
		log.Debug().Str("module", "control").Str("peer", pkt.Peer).Msg("dropping empty control payload")
		return
	}
	switch protocol.ControlCode(pkt.Payload[0]) {
	case protocol.ControlHangup:
		log.Info().Str("module", "control").Str("peer", pkt.Peer).Msg("remote hangup requested")
		c.hangup.Publish(HangupRequested{Peer: pkt.Peer})
	case protocol.ControlMuteState:
		if len(pkt.Payload) < 2 {
			log.Debug().Str("module", "control").Str("peer", pkt.Peer).Msg("dropping truncated mute payload")
			return
		}
		muted := pkt.Payload[1] == 0
		log.Info().Str("module", "control").Str("peer", pkt.Peer).Bool("muted", muted).Msg("remote mute changed")
		c.muteChanged.Publish(MuteChanged{Peer: pkt.Peer, Muted: muted})
	default:
		log.Debug().Str("module", "control").Str("peer", pkt.Peer).Uint8("code", pkt.Payload[0]).Msg("dropping unknown control code")
	}
}
