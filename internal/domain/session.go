// Package domain contains the call-session entities and their state machine.
// No transport or lifecycle logic here.
package domain

// CallState is the session-level and per-interlocutor state.
type CallState int

const (
	StateIdle CallState = iota
	StateWaiting
	StateHolePunching
	StateConnected
	StateFailed
	StateClosed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateHolePunching:
		return "hole_punching"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible. Failed is
// recoverable only by creating a new session, Closed never.
func (s CallState) Terminal() bool { return s == StateClosed }

// Interlocutor is one remote peer of a call. The id is the peer's
// connection identifier, stable for the room lifetime.
type Interlocutor struct {
	ID             string
	RemoteEndpoint Endpoint
	State          CallState
	Muted          bool
}

// CallSession is owned exclusively by the negotiator and mutated only
// through the methods below.
type CallSession struct {
	LocalUDPPort   uint16
	PublicEndpoint Endpoint
	LanEndpoint    Endpoint
	Code           string
	SelfID         string

	state         CallState
	interlocutors []*Interlocutor
}

func NewCallSession(localPort uint16) *CallSession {
	return &CallSession{LocalUDPPort: localPort, state: StateIdle}
}

func (s *CallSession) State() CallState { return s.state }

// TransitionTo moves the session to next. Transitions out of a terminal
// state are ignored.
func (s *CallSession) TransitionTo(next CallState) bool {
	if s.state.Terminal() {
		return false
	}
	s.state = next
	return true
}

// SetLocal records the discovered public endpoint and the LAN endpoint the
// socket is actually bound to.
func (s *CallSession) SetLocal(public, lan Endpoint) {
	s.PublicEndpoint = public
	s.LanEndpoint = lan
}

// AddInterlocutor appends or rewires the peer with the given id. Order of
// first appearance is preserved.
func (s *CallSession) AddInterlocutor(id string, ep Endpoint) *Interlocutor {
	for _, it := range s.interlocutors {
		if it.ID == id {
			it.RemoteEndpoint = ep
			it.State = StateHolePunching
			return it
		}
	}
	it := &Interlocutor{ID: id, RemoteEndpoint: ep, State: StateHolePunching}
	s.interlocutors = append(s.interlocutors, it)
	return it
}

func (s *CallSession) RemoveInterlocutor(id string) bool {
	for i, it := range s.interlocutors {
		if it.ID == id {
			s.interlocutors = append(s.interlocutors[:i], s.interlocutors[i+1:]...)
			return true
		}
	}
	return false
}

func (s *CallSession) Interlocutor(id string) (*Interlocutor, bool) {
	for _, it := range s.interlocutors {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

// Interlocutors returns the peers in order of first appearance.
func (s *CallSession) Interlocutors() []*Interlocutor {
	out := make([]*Interlocutor, len(s.interlocutors))
	copy(out, s.interlocutors)
	return out
}
