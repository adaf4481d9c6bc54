package server

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/stun"
)

// Echo is the relay's UDP address-echo listener: the server-assisted
// discovery strategy. Any datagram is answered with the sender's publicly
// visible "ip:port"; a well-formed STUN binding request gets a proper
// binding success response instead, so either client strategy works
// against the same port.
type Echo struct {
	conn *net.UDPConn
}

func NewEcho(port int) (*Echo, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	return &Echo{conn: conn}, nil
}

func (e *Echo) LocalAddr() *net.UDPAddr { return e.conn.LocalAddr().(*net.UDPAddr) }

// Serve answers datagrams until ctx is cancelled.
func (e *Echo) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = e.conn.Close()
	}()

	log.Info().Str("module", "server.echo").Str("addr", e.LocalAddr().String()).Msg("address echo listening")
	buf := make([]byte, 1500)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("module", "server.echo").Msg("echo read error")
			continue
		}

		var reply []byte
		if id, ok := stun.ParseBindingRequest(buf[:n]); ok {
			reply, err = stun.EncodeBindingSuccess(id, from)
			if err != nil {
				log.Warn().Err(err).Str("module", "server.echo").Str("from", from.String()).Msg("cannot encode binding response")
				continue
			}
		} else {
			reply = []byte(from.String())
		}
		if _, err := e.conn.WriteToUDP(reply, from); err != nil {
			log.Warn().Err(err).Str("module", "server.echo").Str("from", from.String()).Msg("echo write error")
		}
	}
}
