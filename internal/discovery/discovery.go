// Package discovery resolves this host's publicly visible UDP endpoint,
// either via classic STUN or via the relay's address-echo listener.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/domain"
	"github.com/voxpeer/voxpeer/internal/stun"
)

type Strategy string

const (
	StrategySTUN Strategy = "stun"
	StrategyEcho Strategy = "echo"
)

type Resolver struct {
	Strategy Strategy
	// Server is the STUN host for StrategySTUN, the relay's echo listener
	// for StrategyEcho.
	Server  string
	Timeout time.Duration
}

// PublicEndpoint resolves the public endpoint as seen through the given
// socket. Failure of any kind (timeout, malformed packet, transaction
// mismatch, cancellation) returns ok=false; the caller stays idle and may
// retry.
func (r *Resolver) PublicEndpoint(ctx context.Context, conn *net.UDPConn) (domain.Endpoint, bool) {
	server, err := net.ResolveUDPAddr("udp4", r.Server)
	if err != nil {
		log.Error().Err(err).Str("module", "discovery").Str("server", r.Server).Msg("resolve discovery server")
		return domain.Endpoint{}, false
	}

	var addr *net.UDPAddr
	switch r.Strategy {
	case StrategyEcho:
		addr, err = r.echo(ctx, conn, server)
	default:
		client := &stun.Client{Server: server, Timeout: r.Timeout}
		addr, err = client.Discover(ctx, conn)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "discovery").Str("strategy", string(r.Strategy)).Msg("discovery failed")
		return domain.Endpoint{}, false
	}

	ep := domain.EndpointFromUDPAddr(addr)
	if ep.IsZero() {
		log.Warn().Str("module", "discovery").Str("addr", addr.String()).Msg("discovered endpoint is not IPv4")
		return domain.Endpoint{}, false
	}
	log.Info().Str("module", "discovery").Str("endpoint", ep.String()).Msg("public endpoint resolved")
	return ep, true
}

// echo sends one datagram to the relay's echo listener; the reply body is
// the literal "ip:port" the relay saw as the sender.
func (r *Resolver) echo(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = stun.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if _, err := conn.WriteToUDP([]byte("ping"), server); err != nil {
		return nil, fmt.Errorf("send echo ping: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("echo reply timed out after %v", timeout)
			}
			return nil, fmt.Errorf("read echo reply: %w", err)
		}
		if !from.IP.Equal(server.IP) || from.Port != server.Port {
			continue
		}
		ep, err := domain.ParseEndpoint(string(buf[:n]))
		if err != nil {
			return nil, fmt.Errorf("malformed echo reply: %w", err)
		}
		return ep.UDPAddr(), nil
	}
}
