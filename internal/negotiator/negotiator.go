// Package negotiator drives a call session from idle to connected to
// closed: it resolves the public endpoint, talks to the relay over the
// signaling channel and orchestrates the transport, control channel and
// audio pipeline. This package plus its events is the entire contract the
// presentation layer may use.
package negotiator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/audio"
	"github.com/voxpeer/voxpeer/internal/control"
	"github.com/voxpeer/voxpeer/internal/discovery"
	"github.com/voxpeer/voxpeer/internal/domain"
	"github.com/voxpeer/voxpeer/internal/events"
	"github.com/voxpeer/voxpeer/internal/protocol"
	"github.com/voxpeer/voxpeer/internal/signalclient"
	"github.com/voxpeer/voxpeer/internal/transport"
)

// StateChange is published on every session transition.
type StateChange struct {
	State domain.CallState
}

// PeerConnected is published when a peer's hole punch reciprocates.
type PeerConnected struct {
	Peer string
}

// RemoteMuteChanged mirrors a peer's microphone state.
type RemoteMuteChanged struct {
	Peer  string
	Muted bool
}

// CallEnded is published exactly once per session, on any teardown path.
type CallEnded struct {
	Reason string
}

// Config are the per-negotiator knobs. Zero values fall back to defaults.
type Config struct {
	SignalURL string
	Resolver  *discovery.Resolver
	LocalPort uint16

	PunchInterval time.Duration
	PunchBackoff  time.Duration
	// PunchFailAfter transitions the session to Failed when no peer path
	// reciprocates in time. Zero leaves the timeout to the caller.
	PunchFailAfter time.Duration

	Codec       audio.Codec
	Denoiser    audio.Denoiser
	SinkFactory audio.SinkFactory

	LevelGain      float64
	SilenceTimeout time.Duration
}

// call bundles everything owned by one live session.
type call struct {
	sess    *domain.CallSession
	sc      *signalclient.Client
	tr      *transport.Transport
	ctrl    *control.Channel
	engine  *audio.Engine
	capture *audio.Capture

	ctx    context.Context
	cancel context.CancelFunc

	teardownOnce sync.Once
}

// Negotiator owns at most one active call. All session access goes
// through its lock; the event loop is the only long-lived mutator.
type Negotiator struct {
	cfg     Config
	baseCtx context.Context

	mu     sync.Mutex
	active *call

	stateChanged *events.Broadcaster[StateChange]
	connected    *events.Broadcaster[PeerConnected]
	callEnded    *events.Broadcaster[CallEnded]
	remoteMute   *events.Broadcaster[RemoteMuteChanged]
}

func New(ctx context.Context, cfg Config) *Negotiator {
	if cfg.Codec == nil {
		cfg.Codec = audio.G722Codec{}
	}
	if cfg.Denoiser == nil {
		cfg.Denoiser = audio.Passthrough{Samples: cfg.Codec.FrameSamples()}
	}
	return &Negotiator{
		cfg:          cfg,
		baseCtx:      ctx,
		stateChanged: events.NewBroadcaster[StateChange](),
		connected:    events.NewBroadcaster[PeerConnected](),
		callEnded:    events.NewBroadcaster[CallEnded](),
		remoteMute:   events.NewBroadcaster[RemoteMuteChanged](),
	}
}

func (n *Negotiator) SessionStateChanged() (<-chan StateChange, func())      { return n.stateChanged.Subscribe() }
func (n *Negotiator) Connected() (<-chan PeerConnected, func())              { return n.connected.Subscribe() }
func (n *Negotiator) CallEnded() (<-chan CallEnded, func())                  { return n.callEnded.Subscribe() }
func (n *Negotiator) RemoteMuteChanged() (<-chan RemoteMuteChanged, func()) { return n.remoteMute.Subscribe() }

// Current returns the active session, if any.
func (n *Negotiator) Current() (*domain.CallSession, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return nil, false
	}
	return n.active.sess, true
}

// CreateSession opens a new room on the relay. On discovery failure the
// negotiator stays idle and returns ok=false; the caller may retry.
func (n *Negotiator) CreateSession(ctx context.Context) (*domain.CallSession, bool) {
	return n.start(ctx, func(c *call) error {
		return c.sc.Send(protocol.CreateSession{IpEndPoint: c.sess.PublicEndpoint.String()})
	})
}

// ConnectToSession joins an existing room by its 6-character code.
func (n *Negotiator) ConnectToSession(ctx context.Context, code string) (*domain.CallSession, bool) {
	return n.start(ctx, func(c *call) error {
		return c.sc.Send(protocol.ConnectToSession{Code: code, IpEndPoint: c.sess.PublicEndpoint.String()})
	})
}

func (n *Negotiator) start(ctx context.Context, announce func(*call) error) (*domain.CallSession, bool) {
	n.mu.Lock()
	if n.active != nil {
		n.mu.Unlock()
		log.Warn().Str("module", "negotiator").Msg("session already active")
		return nil, false
	}
	n.mu.Unlock()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(n.cfg.LocalPort)})
	if err != nil {
		log.Error().Err(err).Str("module", "negotiator").Msg("bind call socket")
		return nil, false
	}
	local := conn.LocalAddr().(*net.UDPAddr)

	// Discovery runs on the session socket before the transport claims its
	// receive loop; a failure leaves us idle with nothing to tear down but
	// the socket itself.
	public, ok := n.cfg.Resolver.PublicEndpoint(ctx, conn)
	if !ok {
		_ = conn.Close()
		return nil, false
	}

	sess := domain.NewCallSession(uint16(local.Port))
	sess.SetLocal(public, lanEndpoint(local))

	sc, err := signalclient.Dial(ctx, n.cfg.SignalURL)
	if err != nil {
		log.Error().Err(err).Str("module", "negotiator").Msg("dial signaling")
		_ = conn.Close()
		return nil, false
	}

	callCtx, cancel := context.WithCancel(n.baseCtx)
	tr := transport.New(callCtx, conn, transport.WithPunchIntervals(n.cfg.PunchInterval, n.cfg.PunchBackoff))
	engine := audio.NewEngine(callCtx, n.cfg.Codec,
		audio.WithLevelGain(n.cfg.LevelGain),
		audio.WithSilenceTimeout(n.cfg.SilenceTimeout),
		audio.WithSinkFactory(n.cfg.SinkFactory),
	)
	c := &call{
		sess:    sess,
		sc:      sc,
		tr:      tr,
		ctrl:    control.NewChannel(callCtx, tr),
		engine:  engine,
		capture: audio.NewCapture(n.cfg.Codec, n.cfg.Denoiser, tr),
		ctx:     callCtx,
		cancel:  cancel,
	}

	n.mu.Lock()
	n.active = c
	n.mu.Unlock()

	go engine.Pump(callCtx, tr)
	go n.eventLoop(c)

	if err := announce(c); err != nil {
		log.Error().Err(err).Str("module", "negotiator").Msg("announce session")
		n.teardown(c, false, "signaling send failed")
		return nil, false
	}
	log.Info().Str("module", "negotiator").Str("public", public.String()).Uint16("port", sess.LocalUDPPort).Msg("session started")
	return sess, true
}

// Hangup ends the active call. notifyPeer suppresses the outgoing hangup
// notices when the teardown was remote-initiated.
func (n *Negotiator) Hangup(notifyPeer bool) {
	n.mu.Lock()
	c := n.active
	n.mu.Unlock()
	if c == nil {
		return
	}
	n.teardown(c, notifyPeer, "local hangup")
}

// SetMicrophoneStatus flips local capture and announces the new state to
// every peer over the control channel.
func (n *Negotiator) SetMicrophoneStatus(on bool) {
	n.mu.Lock()
	c := n.active
	n.mu.Unlock()
	if c == nil {
		return
	}
	c.capture.SetEnabled(on)
	c.ctrl.SendMute(on)
}

// Capture exposes the active call's microphone pipeline for the external
// audio callback to feed. ok=false outside a call.
func (n *Negotiator) Capture() (*audio.Capture, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return nil, false
	}
	return n.active.capture, true
}

// AudioLevels returns each peer's rolling level, zeroed after 500 ms of
// silence.
func (n *Negotiator) AudioLevels() map[string]float64 {
	n.mu.Lock()
	c := n.active
	n.mu.Unlock()
	if c == nil {
		return map[string]float64{}
	}
	return c.engine.Levels()
}

// eventLoop serializes all session mutation: signaling pushes, transport
// connectivity and control-channel events.
func (n *Negotiator) eventLoop(c *call) {
	peerConnected, cancelPeer := c.tr.PeerConnected()
	defer cancelPeer()
	muteChanged, cancelMute := c.ctrl.MuteChanged()
	defer cancelMute()
	hangupReq, cancelHangup := c.ctrl.HangupRequested()
	defer cancelHangup()

	var punchFail <-chan time.Time
	var punchTimer *time.Timer
	defer func() {
		if punchTimer != nil {
			punchTimer.Stop()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case msg, ok := <-c.sc.Messages():
			if !ok {
				n.teardown(c, false, "signaling connection lost")
				return
			}
			if done := n.handleSignal(c, msg); done {
				return
			}
			// Arm the punch-failure policy once punching begins.
			if n.cfg.PunchFailAfter > 0 && punchTimer == nil && n.sessionState(c) == domain.StateHolePunching {
				punchTimer = time.NewTimer(n.cfg.PunchFailAfter)
				punchFail = punchTimer.C
			}

		case id, ok := <-peerConnected:
			if !ok {
				return
			}
			n.handlePeerConnected(c, id)

		case m, ok := <-muteChanged:
			if !ok {
				return
			}
			n.handleRemoteMute(c, m)

		case <-hangupReq:
			n.teardown(c, false, "remote hangup")
			return

		case <-punchFail:
			if n.sessionState(c) == domain.StateHolePunching {
				log.Warn().Str("module", "negotiator").Dur("after", n.cfg.PunchFailAfter).Msg("hole punch never reciprocated")
				n.transition(c, domain.StateFailed)
				n.teardown(c, true, "hole punch failed")
				return
			}
		}
	}
}

// handleSignal applies one relay push. Returns true when the loop must
// stop because the session is gone.
func (n *Negotiator) handleSignal(c *call, msg any) bool {
	switch m := msg.(type) {
	case protocol.SessionCreated:
		n.mu.Lock()
		c.sess.Code = m.Value
		c.sess.SelfID = m.SelfInterlocutorId
		n.mu.Unlock()
		n.transition(c, domain.StateWaiting)
		log.Info().Str("module", "negotiator").Str("code", m.Value).Str("self", m.SelfInterlocutorId).Msg("session created")

	case protocol.ErrorConnectToSession:
		log.Warn().Str("module", "negotiator").Str("reason", m.Value).Msg("connect rejected")
		n.transition(c, domain.StateFailed)
		n.teardown(c, false, "connect rejected: "+m.Value)
		return true

	case protocol.HolePunching:
		n.addPeer(c, m.InterlocutorId, m.IpEndPoint)

	case protocol.InterlocutorJoined:
		n.addPeer(c, m.Id, m.IpEndPoint)

	case protocol.InterlocutorLeft:
		n.removePeer(c, m.InterlocutorId)

	case protocol.SuccessConnectedSession, protocol.HangupSession:
		// Peer-originated notices the relay does not forward; nothing to do.

	default:
		log.Warn().Str("module", "negotiator").Msgf("dropping unexpected signal %T", msg)
	}
	return false
}

// addPeer adds or rewires an interlocutor and registers it with the
// transport, which starts that peer's punch loop.
func (n *Negotiator) addPeer(c *call, id, endpoint string) {
	if id == "" {
		log.Warn().Str("module", "negotiator").Msg("dropping peer push without id")
		return
	}
	ep, err := domain.ParseEndpoint(endpoint)
	if err != nil {
		log.Warn().Err(err).Str("module", "negotiator").Str("peer", id).Msg("dropping peer push with bad endpoint")
		return
	}
	n.mu.Lock()
	c.sess.AddInterlocutor(id, ep)
	stateNow := c.sess.State()
	n.mu.Unlock()

	c.tr.AddPeer(id, ep)
	if stateNow == domain.StateWaiting || stateNow == domain.StateIdle {
		n.transition(c, domain.StateHolePunching)
	}
	log.Info().Str("module", "negotiator").Str("peer", id).Str("endpoint", ep.String()).Msg("punching peer")
}

func (n *Negotiator) removePeer(c *call, id string) {
	c.tr.RemovePeer(id)
	c.engine.RemoveChannel(id)
	n.mu.Lock()
	removed := c.sess.RemoveInterlocutor(id)
	left := len(c.sess.Interlocutors())
	n.mu.Unlock()
	if !removed {
		return
	}
	log.Info().Str("module", "negotiator").Str("peer", id).Int("remaining", left).Msg("interlocutor left")
	if left == 0 {
		n.transition(c, domain.StateWaiting)
	}
}

// handlePeerConnected reacts to the first reciprocated probe of a peer:
// per-peer state flips to connected, the session connects on its first
// peer, and the relay is told the session succeeded.
func (n *Negotiator) handlePeerConnected(c *call, id string) {
	n.mu.Lock()
	it, ok := c.sess.Interlocutor(id)
	if ok {
		it.State = domain.StateConnected
	}
	already := c.sess.State() == domain.StateConnected
	n.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "negotiator").Str("peer", id).Msg("connected event for unknown interlocutor")
		return
	}

	n.connected.Publish(PeerConnected{Peer: id})
	if !already {
		n.transition(c, domain.StateConnected)
		if err := c.sc.Send(protocol.SuccessConnectedSession{}); err != nil {
			log.Warn().Err(err).Str("module", "negotiator").Msg("send connected notice")
		}
	}
	log.Info().Str("module", "negotiator").Str("peer", id).Msg("peer connected")
}

func (n *Negotiator) handleRemoteMute(c *call, m control.MuteChanged) {
	n.mu.Lock()
	if it, ok := c.sess.Interlocutor(m.Peer); ok {
		it.Muted = m.Muted
	}
	n.mu.Unlock()
	n.remoteMute.Publish(RemoteMuteChanged{Peer: m.Peer, Muted: m.Muted})
}

func (n *Negotiator) sessionState(c *call) domain.CallState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return c.sess.State()
}

func (n *Negotiator) transition(c *call, next domain.CallState) {
	n.mu.Lock()
	changed := c.sess.TransitionTo(next)
	n.mu.Unlock()
	if changed {
		log.Info().Str("module", "negotiator").Str("state", next.String()).Msg("session state")
		n.stateChanged.Publish(StateChange{State: next})
	}
}

// teardown releases everything the call owns. Every step is independently
// guarded: a failure in one never blocks the rest.
func (n *Negotiator) teardown(c *call, notifyPeer bool, reason string) {
	c.teardownOnce.Do(func() {
		log.Info().Str("module", "negotiator").Bool("notify_peer", notifyPeer).Str("reason", reason).Msg("tearing down session")
		n.transition(c, domain.StateClosed)

		if notifyPeer {
			if err := c.sc.Send(protocol.HangupSession{}); err != nil {
				log.Warn().Err(err).Str("module", "negotiator").Msg("send hangup notice")
			}
			c.ctrl.SendHangup()
		}

		c.cancel()
		c.tr.Close()
		c.engine.Close()
		c.sc.Close()

		n.mu.Lock()
		if n.active == c {
			n.active = nil
		}
		n.mu.Unlock()

		n.callEnded.Publish(CallEnded{Reason: reason})
	})
}

// lanEndpoint picks a non-loopback IPv4 interface address for the LAN
// side of the session, falling back to the bound address.
func lanEndpoint(local *net.UDPAddr) domain.Endpoint {
	port := uint16(local.Port)
	if ip := local.IP.To4(); ip != nil && !ip.IsUnspecified() {
		return domain.Endpoint{IP: ip, Port: port}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return domain.Endpoint{IP: net.IPv4(127, 0, 0, 1).To4(), Port: port}
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return domain.Endpoint{IP: ip, Port: port}
	}
	return domain.Endpoint{IP: net.IPv4(127, 0, 0, 1).To4(), Port: port}
}
