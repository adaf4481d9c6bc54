// Package protocol defines the signaling message catalogue and the UDP
// wire constants shared by the peer engine and the relay server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer JSON frame of every signaling message:
// {"Type": <message name>, "Message": <json>}.
type Envelope struct {
	Type    string          `json:"Type"`
	Message json.RawMessage `json:"Message"`
}

const (
	TypeCreateSession           = "CreateSession"
	TypeConnectToSession        = "ConnectToSession"
	TypeSessionCreated          = "SessionCreated"
	TypeErrorConnectToSession   = "ErrorConnectToSession"
	TypeHolePunching            = "HolePunching"
	TypeInterlocutorJoined      = "InterlocutorJoined"
	TypeInterlocutorLeft        = "InterlocutorLeft"
	TypeSuccessConnectedSession = "SuccessConnectedSession"
	TypeHangupSession           = "HangupSession"
)

// IpEndPoint fields always carry the literal "ip:port" form, IPv4 only.

type CreateSession struct {
	Value      string `json:"Value"`
	IpEndPoint string `json:"IpEndPoint"`
}

type ConnectToSession struct {
	Code       string `json:"Code"`
	Value      string `json:"Value"`
	IpEndPoint string `json:"IpEndPoint"`
}

type SessionCreated struct {
	Value              string `json:"Value"` // room code
	SelfInterlocutorId string `json:"SelfInterlocutorId"`
}

type ErrorConnectToSession struct {
	Value string `json:"Value"`
}

type HolePunching struct {
	Value          string `json:"Value"`
	IpEndPoint     string `json:"IpEndPoint"`
	InterlocutorId string `json:"InterlocutorId"`
}

type InterlocutorJoined struct {
	Id         string `json:"Id"`
	Value      string `json:"Value"`
	IpEndPoint string `json:"IpEndPoint"`
}

type InterlocutorLeft struct {
	InterlocutorId string `json:"InterlocutorId"`
	Value          string `json:"Value"`
}

type SuccessConnectedSession struct{}

type HangupSession struct{}

// TypeOf returns the wire name for a catalogue message.
func TypeOf(msg any) (string, bool) {
	switch msg.(type) {
	case CreateSession, *CreateSession:
		return TypeCreateSession, true
	case ConnectToSession, *ConnectToSession:
		return TypeConnectToSession, true
	case SessionCreated, *SessionCreated:
		return TypeSessionCreated, true
	case ErrorConnectToSession, *ErrorConnectToSession:
		return TypeErrorConnectToSession, true
	case HolePunching, *HolePunching:
		return TypeHolePunching, true
	case InterlocutorJoined, *InterlocutorJoined:
		return TypeInterlocutorJoined, true
	case InterlocutorLeft, *InterlocutorLeft:
		return TypeInterlocutorLeft, true
	case SuccessConnectedSession, *SuccessConnectedSession:
		return TypeSuccessConnectedSession, true
	case HangupSession, *HangupSession:
		return TypeHangupSession, true
	default:
		return "", false
	}
}

// Encode wraps a catalogue message in its envelope.
func Encode(msg any) ([]byte, error) {
	name, ok := TypeOf(msg)
	if !ok {
		return nil, fmt.Errorf("not a catalogue message: %T", msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return json.Marshal(Envelope{Type: name, Message: body})
}

// Decode parses an envelope and returns the typed message. Unknown types
// and unparseable bodies are errors; callers log and drop.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("bad envelope: %w", err)
	}
	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeCreateSession:
		msg, err = decodeBody[CreateSession](env.Message)
	case TypeConnectToSession:
		msg, err = decodeBody[ConnectToSession](env.Message)
	case TypeSessionCreated:
		msg, err = decodeBody[SessionCreated](env.Message)
	case TypeErrorConnectToSession:
		msg, err = decodeBody[ErrorConnectToSession](env.Message)
	case TypeHolePunching:
		msg, err = decodeBody[HolePunching](env.Message)
	case TypeInterlocutorJoined:
		msg, err = decodeBody[InterlocutorJoined](env.Message)
	case TypeInterlocutorLeft:
		msg, err = decodeBody[InterlocutorLeft](env.Message)
	case TypeSuccessConnectedSession:
		msg, err = decodeBody[SuccessConnectedSession](env.Message)
	case TypeHangupSession:
		msg, err = decodeBody[HangupSession](env.Message)
	default:
		return nil, fmt.Errorf("unknown signal type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("bad %s body: %w", env.Type, err)
	}
	return msg, nil
}

func decodeBody[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
