package audio

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpeer/voxpeer/internal/transport"
)

type stubSource struct {
	ch chan transport.Packet
}

func (s stubSource) Audio() (<-chan transport.Packet, func()) { return s.ch, func() {} }

type countingSink struct {
	mu     sync.Mutex
	played int
	closed bool
}

func (s *countingSink) Play([]int16) {
	s.mu.Lock()
	s.played++
	s.mu.Unlock()
}

func (s *countingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *countingSink) snapshot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played, s.closed
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineCreatesChannelPerPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := make(map[string]*countingSink)
	var mu sync.Mutex
	e := NewEngine(ctx, testCodec(),
		WithLevelGain(1),
		WithSinkFactory(func(peer string, rate int) (PlaybackSink, error) {
			assert.Equal(t, 8000, rate)
			s := &countingSink{}
			mu.Lock()
			sinks[peer] = s
			mu.Unlock()
			return s, nil
		}),
	)
	defer e.Close()

	src := stubSource{ch: make(chan transport.Packet, 16)}
	go e.Pump(ctx, src)

	frame := encodeFrame(constantFrame(math.MaxInt16, 160))
	src.ch <- transport.Packet{Peer: "p1", Payload: frame}
	src.ch <- transport.Packet{Peer: "p2", Payload: frame}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sinks) == 2
	}, "sinks never created")

	eventually(t, func() bool {
		levels := e.Levels()
		return levels["p1"] > 0.9 && levels["p2"] > 0.9
	}, "levels never reported")

	// The mixer drains the queued frames into each peer's sink.
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		p1, _ := sinks["p1"].snapshot()
		p2, _ := sinks["p2"].snapshot()
		return p1 >= 1 && p2 >= 1
	}, "sinks never played")

	assert.Len(t, e.Stats(), 2)
}

func TestEngineRemoveChannelClosesSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &countingSink{}
	e := NewEngine(ctx, testCodec(), WithSinkFactory(func(string, int) (PlaybackSink, error) {
		return sink, nil
	}))
	defer e.Close()

	src := stubSource{ch: make(chan transport.Packet, 4)}
	go e.Pump(ctx, src)
	src.ch <- transport.Packet{Peer: "p1", Payload: encodeFrame(constantFrame(1, 160))}

	eventually(t, func() bool { return len(e.Levels()) == 1 }, "channel never created")

	e.RemoveChannel("p1")
	eventually(t, func() bool {
		_, closed := sink.snapshot()
		return closed
	}, "sink never closed")
	assert.Empty(t, e.Levels())

	// Removing twice is harmless.
	e.RemoveChannel("p1")
}

func TestEnginePlaybackDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &countingSink{}
	e := NewEngine(ctx, testCodec(),
		WithLevelGain(1),
		WithSinkFactory(func(string, int) (PlaybackSink, error) { return sink, nil }),
	)
	defer e.Close()
	e.SetPlaybackEnabled(false)

	src := stubSource{ch: make(chan transport.Packet, 4)}
	go e.Pump(ctx, src)
	src.ch <- transport.Packet{Peer: "p1", Payload: encodeFrame(constantFrame(math.MaxInt16, 160))}

	// Levels keep flowing while nothing reaches the sink.
	eventually(t, func() bool { return e.Levels()["p1"] > 0.9 }, "level never reported")
	time.Sleep(100 * time.Millisecond)
	played, _ := sink.snapshot()
	assert.Zero(t, played)
}

func TestEngineCloseClosesSinks(t *testing.T) {
	ctx := context.Background()

	sink := &countingSink{}
	e := NewEngine(ctx, testCodec(), WithSinkFactory(func(string, int) (PlaybackSink, error) {
		return sink, nil
	}))

	src := stubSource{ch: make(chan transport.Packet, 4)}
	pumpCtx, pumpCancel := context.WithCancel(ctx)
	defer pumpCancel()
	go e.Pump(pumpCtx, src)
	src.ch <- transport.Packet{Peer: "p1", Payload: encodeFrame(constantFrame(1, 160))}

	eventually(t, func() bool { return len(e.Levels()) == 1 }, "channel never created")

	e.Close()
	e.Close()
	eventually(t, func() bool {
		_, closed := sink.snapshot()
		return closed
	}, "sink never closed on engine close")
}

func TestEngineSinkFactoryFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := NewEngine(ctx, testCodec(), WithSinkFactory(func(string, int) (PlaybackSink, error) {
		return nil, assert.AnError
	}))
	defer e.Close()

	_, err := e.channelFor("p1")
	require.Error(t, err)
	assert.Empty(t, e.Levels())
}
