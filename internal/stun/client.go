package stun

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Client performs a single binding round-trip over a caller-supplied
// socket. The socket is the session's multiplexed UDP conn; the client
// never closes it.
type Client struct {
	Server  *net.UDPAddr
	Timeout time.Duration
}

const DefaultTimeout = 5 * time.Second

// Discover sends a binding request and waits for a valid response. The
// read loop skips datagrams from other senders (the socket is shared) and
// stops on ctx cancellation or timeout.
func (c *Client) Discover(ctx context.Context, conn *net.UDPConn) (*net.UDPAddr, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(BindingRequest(id), c.Server); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("binding request timed out after %v", timeout)
			}
			return nil, fmt.Errorf("read binding response: %w", err)
		}
		if !from.IP.Equal(c.Server.IP) || from.Port != c.Server.Port {
			log.Debug().Str("module", "stun").Str("from", from.String()).Msg("skipping datagram from non-server sender")
			continue
		}
		addr, err := ParseBindingResponse(buf[:n], id)
		if err != nil {
			return nil, err
		}
		return addr, nil
	}
}
