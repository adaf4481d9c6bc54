package protocol

// UDP wire frame: byte 0 is the traffic class, the rest is the payload.
type Class byte

const (
	ClassHolePunch Class = 0
	ClassAudio     Class = 1
	ClassControl   Class = 2
)

func (c Class) String() string {
	switch c {
	case ClassHolePunch:
		return "hole_punch"
	case ClassAudio:
		return "audio"
	case ClassControl:
		return "control"
	default:
		return "unknown"
	}
}

// Hole-punch payloads are the ASCII literals below.
var (
	ProbePing = []byte("PING")
	ProbePong = []byte("PONG")
)

// ControlCode tags a control payload: byte 0 is the code, byte 1 (MuteState
// only) is 1 for unmuted / 0 for muted.
type ControlCode byte

const (
	ControlHangup    ControlCode = 0x00
	ControlMuteState ControlCode = 0x01
)
