package domain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrEmptyEndpoint   = errors.New("empty endpoint")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Endpoint is an IPv4 "ip:port" pair in the literal form the signaling
// protocol exchanges. The zero value means "unknown".
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// ParseEndpoint parses the literal "ip:port" form. Only IPv4 is accepted.
func ParseEndpoint(s string) (Endpoint, error) {
	if strings.TrimSpace(s) == "" {
		return Endpoint{}, ErrEmptyEndpoint
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return Endpoint{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidEndpoint, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, s)
	}
	return Endpoint{IP: ip.To4(), Port: uint16(port)}, nil
}

// EndpointFromUDPAddr converts a resolved UDP address. Returns the zero
// Endpoint for nil or non-IPv4 addresses.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	ip := addr.IP.To4()
	if ip == nil {
		return Endpoint{}
	}
	return Endpoint{IP: ip, Port: uint16(addr.Port)}
}

func (e Endpoint) IsZero() bool { return e.IP == nil }

func (e Endpoint) String() string {
	if e.IsZero() {
		return ""
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	if e.IsZero() {
		return nil
	}
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// SameAddress reports whether both endpoints share an IP regardless of port.
// Used to tolerate port rebinding behind symmetric NATs.
func (e Endpoint) SameAddress(other Endpoint) bool {
	return e.IP != nil && other.IP != nil && e.IP.Equal(other.IP)
}
