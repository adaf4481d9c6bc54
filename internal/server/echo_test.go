package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpeer/voxpeer/internal/stun"
)

func startEcho(t *testing.T) *net.UDPAddr {
	t.Helper()
	echo, err := NewEcho(0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go echo.Serve(ctx)
	// The listener binds the wildcard address; reach it over loopback.
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: echo.LocalAddr().Port}
}

func echoClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestEchoRepliesWithSenderAddress(t *testing.T) {
	server := startEcho(t)
	conn := echoClient(t)

	_, err := conn.WriteToUDP([]byte("ping"), server)
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).String(), string(buf[:n]))
}

func TestEchoAnswersSTUNBindingRequests(t *testing.T) {
	server := startEcho(t)
	conn := echoClient(t)

	id, err := stun.NewTransactionID()
	require.NoError(t, err)
	_, err = conn.WriteToUDP(stun.BindingRequest(id), server)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	addr, err := stun.ParseBindingResponse(buf[:n], id)
	require.NoError(t, err)
	local := conn.LocalAddr().(*net.UDPAddr)
	assert.True(t, addr.IP.Equal(local.IP))
	assert.Equal(t, local.Port, addr.Port)
}

func TestEchoStopsOnCancel(t *testing.T) {
	echo, err := NewEcho(0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		echo.Serve(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("echo listener did not stop on cancel")
	}
}
