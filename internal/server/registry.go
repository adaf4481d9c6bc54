// Package server is the signaling relay: the room registry brokering
// session codes between peers, the websocket controller and the UDP
// address-echo listener.
package server

import (
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/domain"
	"github.com/voxpeer/voxpeer/internal/protocol"
)

// RoomState tracks whether a room is still waiting for its second
// connection.
type RoomState int

const (
	RoomWaiting RoomState = iota
	RoomRunning
)

func (s RoomState) String() string {
	if s == RoomRunning {
		return "running"
	}
	return "waiting"
}

const (
	codeLength = 6
	// No 0/O or 1/I: codes get read out loud over whatever channel the
	// callers already share.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Sender is the push side of one signaling connection. The websocket
// controller implements it; tests substitute a capture fake.
type Sender interface {
	TrySend(data []byte) error
}

// Connection is one signaling client currently known to the registry.
type Connection struct {
	ID       string
	Endpoint domain.Endpoint
	sender   Sender
}

func NewConnection(id string, sender Sender) *Connection {
	return &Connection{ID: id, sender: sender}
}

// Room groups the connections sharing one session code.
type Room struct {
	Code    string
	Creator string
	state   RoomState
	conns   map[string]*Connection
}

func (r *Room) State() RoomState { return r.state }
func (r *Room) Count() int       { return len(r.conns) }

// recomputeState enforces Running iff ≥2 connections, Waiting iff 1.
func (r *Room) recomputeState() {
	if len(r.conns) >= 2 {
		r.state = RoomRunning
	} else {
		r.state = RoomWaiting
	}
}

// Registry owns every live room. Codes are collision-checked against live
// rooms only; a destroyed room's code is immediately reusable.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string]string // connection id -> room code
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
	}
}

// CreateSession opens a room for the connection, reusing an existing
// Waiting room this connection created earlier, and replies with the code.
func (r *Registry) CreateSession(conn *Connection, endpoint string) {
	ep, err := domain.ParseEndpoint(endpoint)
	if err == nil {
		conn.Endpoint = ep
	}

	r.mu.Lock()
	var room *Room
	if code, ok := r.byConn[conn.ID]; ok {
		if existing, ok := r.rooms[code]; ok && existing.Creator == conn.ID && existing.state == RoomWaiting {
			room = existing
		}
	}
	if room == nil {
		room = &Room{
			Code:    r.freshCodeLocked(),
			Creator: conn.ID,
			state:   RoomWaiting,
			conns:   map[string]*Connection{conn.ID: conn},
		}
		r.rooms[room.Code] = room
		r.byConn[conn.ID] = room.Code
	}
	code := room.Code
	r.mu.Unlock()

	log.Info().Str("module", "server.registry").Str("code", code).Str("conn", conn.ID).Msg("session created")
	r.push(conn, protocol.SessionCreated{Value: code, SelfInterlocutorId: conn.ID})
}

// ConnectToSession joins the connection into the room with the given code
// and performs the full-mesh endpoint exchange: every existing member
// learns the joiner and the joiner learns every existing member, each pair
// receiving both the roster notice and the hole-punch trigger.
func (r *Registry) ConnectToSession(conn *Connection, code, endpoint string) {
	ep, err := domain.ParseEndpoint(endpoint)
	if code == "" || err != nil {
		r.push(conn, protocol.ErrorConnectToSession{Value: "Invalid parameters"})
		return
	}
	conn.Endpoint = ep

	r.mu.Lock()
	room, ok := r.rooms[code]
	if !ok || len(room.conns) == 0 {
		r.mu.Unlock()
		r.push(conn, protocol.ErrorConnectToSession{Value: "Session not found"})
		return
	}
	existing := make([]*Connection, 0, len(room.conns))
	for _, member := range room.conns {
		if member.ID != conn.ID {
			existing = append(existing, member)
		}
	}
	room.conns[conn.ID] = conn
	r.byConn[conn.ID] = code
	room.recomputeState()
	state := room.state
	r.mu.Unlock()

	log.Info().Str("module", "server.registry").Str("code", code).Str("conn", conn.ID).Str("state", state.String()).Msg("interlocutor joined")

	for _, member := range existing {
		r.push(member, protocol.InterlocutorJoined{Id: conn.ID, IpEndPoint: conn.Endpoint.String()})
		r.push(member, protocol.HolePunching{InterlocutorId: conn.ID, IpEndPoint: conn.Endpoint.String()})
		r.push(conn, protocol.InterlocutorJoined{Id: member.ID, IpEndPoint: member.Endpoint.String()})
		r.push(conn, protocol.HolePunching{InterlocutorId: member.ID, IpEndPoint: member.Endpoint.String()})
	}
}

// Leave removes the connection from its room, notifies the remaining
// members and destroys the room once empty. Used for both HangupSession
// and websocket disconnects.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	code, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	room, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(room.conns, connID)
	var remaining []*Connection
	if len(room.conns) == 0 {
		delete(r.rooms, code)
	} else {
		room.recomputeState()
		remaining = make([]*Connection, 0, len(room.conns))
		for _, member := range room.conns {
			remaining = append(remaining, member)
		}
	}
	state := room.state
	r.mu.Unlock()

	log.Info().Str("module", "server.registry").Str("code", code).Str("conn", connID).Int("remaining", len(remaining)).Str("state", state.String()).Msg("interlocutor left")
	for _, member := range remaining {
		r.push(member, protocol.InterlocutorLeft{InterlocutorId: connID})
	}
}

// Room returns a live room by code.
func (r *Registry) Room(code string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[code]
	return room, ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RegistryStats is the read-only view served by the stats endpoint.
type RegistryStats struct {
	Rooms []RoomStats `json:"rooms"`
}

type RoomStats struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	Connections int    `json:"connections"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := RegistryStats{Rooms: make([]RoomStats, 0, len(r.rooms))}
	for _, room := range r.rooms {
		stats.Rooms = append(stats.Rooms, RoomStats{
			Code:        room.Code,
			State:       room.state.String(),
			Connections: len(room.conns),
		})
	}
	return stats
}

func (r *Registry) freshCodeLocked() string {
	for {
		buf := make([]byte, codeLength)
		for i := range buf {
			buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
		}
		code := string(buf)
		if _, taken := r.rooms[code]; !taken {
			return code
		}
	}
}

// push encodes and best-effort sends one message to one connection.
// Delivery failure is the connection's problem, never the room's.
func (r *Registry) push(conn *Connection, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "server.registry").Msg("encode push")
		return
	}
	if err := conn.sender.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "server.registry").Str("conn", conn.ID).Msg("push dropped")
	}
}
