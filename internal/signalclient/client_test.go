package signalclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpeer/voxpeer/internal/config"
	"github.com/voxpeer/voxpeer/internal/protocol"
	"github.com/voxpeer/voxpeer/internal/server"
)

func startSignalServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ctl := server.NewController(server.NewRegistry())
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	srv := httptest.NewServer(server.SetupRouter(ctx, cfg, ctl))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func TestDialSendReceive(t *testing.T) {
	url := startSignalServer(t)

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(protocol.CreateSession{IpEndPoint: "10.0.0.1:5000"}))

	select {
	case msg := <-c.Messages():
		created, ok := msg.(protocol.SessionCreated)
		require.True(t, ok, "expected SessionCreated, got %T", msg)
		assert.Len(t, created.Value, 6)
		assert.NotEmpty(t, created.SelfInterlocutorId)
	case <-time.After(5 * time.Second):
		t.Fatal("no response from relay")
	}
}

func TestSendRejectsNonCatalogueMessage(t *testing.T) {
	url := startSignalServer(t)
	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.Send(struct{ X int }{1}))
}

func TestCloseEndsClient(t *testing.T) {
	url := startSignalServer(t)
	c, err := Dial(context.Background(), url)
	require.NoError(t, err)

	c.Close()
	c.Close() // idempotent

	assert.ErrorIs(t, c.Send(protocol.HangupSession{}), ErrClosed)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("done channel never closed")
	}
	select {
	case _, open := <-c.Messages():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("messages channel never closed")
	}
}

func TestServerSideCloseSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ctl := server.NewController(server.NewRegistry())
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	srv := httptest.NewServer(server.SetupRouter(ctx, cfg, ctl))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	cancel()
	srv.CloseClientConnections()
	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client never noticed the dropped connection")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/api/ws/signal")
	assert.Error(t, err)
}
