package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/transport"
)

var ErrEngineNotReady = errors.New("audio engine not ready")

// PlaybackSink is one peer's playback device object. Sinks are created and
// driven only on the mixer worker; the device layer behind them is
// external to this engine.
type PlaybackSink interface {
	Play(pcm []int16)
	Close()
}

// SinkFactory builds the dedicated sink for a newly heard peer. Invoked on
// the mixer worker only.
type SinkFactory func(peer string, sampleRate int) (PlaybackSink, error)

// DiscardSink drops playback audio. Default when no device layer is wired
// (headless peers, tests).
type DiscardSink struct{}

func (DiscardSink) Play([]int16) {}
func (DiscardSink) Close()       {}

const (
	defaultLevelGain      = 4.0
	defaultSilenceTimeout = 500 * time.Millisecond
	defaultReadyTimeout   = 3 * time.Second
)

// Engine owns the audio channel table and the single mixer worker that
// serializes every audio-object creation and playback call. Channels are
// created lazily, on the first received audio packet of an unseen peer,
// and only after the worker has signalled readiness.
type Engine struct {
	codec Codec
	sinks SinkFactory

	levelGain      float64
	silenceTimeout time.Duration
	readyTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	work   chan func()
	ready  chan struct{}

	mu       sync.RWMutex
	channels map[string]*Channel

	playback atomic.Bool

	closeOnce sync.Once
}

type EngineOption func(*Engine)

func WithLevelGain(gain float64) EngineOption {
	return func(e *Engine) {
		if gain > 0 {
			e.levelGain = gain
		}
	}
}

func WithSilenceTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.silenceTimeout = d
		}
	}
}

func WithReadyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.readyTimeout = d
		}
	}
}

func WithSinkFactory(f SinkFactory) EngineOption {
	return func(e *Engine) { e.sinks = f }
}

// NewEngine starts the mixer worker. The worker initializes the device
// engine once, asynchronously, then signals readiness; channel creation
// blocks on that signal with a bounded timeout.
func NewEngine(ctx context.Context, codec Codec, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		codec:          codec,
		sinks:          func(string, int) (PlaybackSink, error) { return DiscardSink{}, nil },
		levelGain:      defaultLevelGain,
		silenceTimeout: defaultSilenceTimeout,
		readyTimeout:   defaultReadyTimeout,
		ctx:            ctx,
		cancel:         cancel,
		work:           make(chan func(), 64),
		ready:          make(chan struct{}),
		channels:       make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.playback.Store(true)
	go e.mixerLoop()
	return e
}

// mixerLoop is the only goroutine allowed to touch sinks. It signals
// readiness once up, then alternates between queued work and draining one
// frame per channel at the codec's frame cadence.
func (e *Engine) mixerLoop() {
	frame := time.Duration(e.codec.FrameSamples()) * time.Second / time.Duration(e.codec.SampleRate())
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	close(e.ready)
	log.Info().Str("module", "audio").Dur("frame", frame).Msg("mixer worker ready")

	for {
		select {
		case <-e.ctx.Done():
			// Drain queued work so pending sink closes still run here.
			for {
				select {
				case fn := <-e.work:
					fn()
					continue
				default:
				}
				break
			}
			e.mu.Lock()
			for peer, ch := range e.channels {
				ch.sink.Close()
				delete(e.channels, peer)
			}
			e.mu.Unlock()
			return
		case fn := <-e.work:
			fn()
		case <-ticker.C:
			e.mu.RLock()
			channels := make([]*Channel, 0, len(e.channels))
			for _, ch := range e.channels {
				channels = append(channels, ch)
			}
			e.mu.RUnlock()
			for _, ch := range channels {
				if pcm, ok := ch.nextFrame(); ok {
					ch.sink.Play(pcm)
				}
			}
		}
	}
}

// Source is the inbound half of the transport the engine needs: the
// demultiplexed audio packet stream.
type Source interface {
	Audio() (<-chan transport.Packet, func())
}

// Pump consumes the transport's audio stream until ctx or the stream ends.
// Runs on its own goroutine; packets of one peer stay in arrival order.
func (e *Engine) Pump(ctx context.Context, tr Source) {
	packets, cancel := tr.Audio()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			ch, err := e.channelFor(pkt.Peer)
			if err != nil {
				log.Warn().Err(err).Str("module", "audio").Str("peer", pkt.Peer).Msg("no channel for audio packet")
				continue
			}
			ch.ingest(pkt.Payload, e.playback.Load())
		}
	}
}

// channelFor is the atomic get-or-create on the channel table. Creation is
// queued onto the mixer worker; at most one channel ever exists per peer.
func (e *Engine) channelFor(peer string) (*Channel, error) {
	e.mu.RLock()
	ch := e.channels[peer]
	e.mu.RUnlock()
	if ch != nil {
		return ch, nil
	}

	select {
	case <-e.ready:
	case <-time.After(e.readyTimeout):
		return nil, fmt.Errorf("%w after %v", ErrEngineNotReady, e.readyTimeout)
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}

	type result struct {
		ch  *Channel
		err error
	}
	res := make(chan result, 1)
	task := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if existing := e.channels[peer]; existing != nil {
			res <- result{ch: existing}
			return
		}
		sink, err := e.sinks(peer, e.codec.SampleRate())
		if err != nil {
			res <- result{err: fmt.Errorf("create sink for %s: %w", peer, err)}
			return
		}
		ch := newChannel(peer, e.codec.NewDecoder(), sink, e.levelGain)
		e.channels[peer] = ch
		log.Info().Str("module", "audio").Str("peer", peer).Msg("audio channel created")
		res <- result{ch: ch}
	}
	select {
	case e.work <- task:
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}
	select {
	case r := <-res:
		return r.ch, r.err
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}
}

// RemoveChannel disposes the peer's decoder, queue and sink. The sink is
// closed on the mixer worker.
func (e *Engine) RemoveChannel(peer string) {
	e.mu.Lock()
	ch, ok := e.channels[peer]
	delete(e.channels, peer)
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case e.work <- func() { ch.sink.Close() }:
	case <-e.ctx.Done():
		ch.sink.Close()
	}
	log.Info().Str("module", "audio").Str("peer", peer).Msg("audio channel removed")
}

// SetPlaybackEnabled globally gates appending received audio to playback
// queues. Levels keep updating either way.
func (e *Engine) SetPlaybackEnabled(enabled bool) { e.playback.Store(enabled) }

// Levels returns each live channel's rolling level, zeroed after the
// silence window without packets.
func (e *Engine) Levels() map[string]float64 {
	now := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.channels))
	for peer, ch := range e.channels {
		out[peer] = ch.levelAt(now, e.silenceTimeout)
	}
	return out
}

// Stats snapshots every channel's counters.
func (e *Engine) Stats() []ChannelStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ChannelStats, 0, len(e.channels))
	for _, ch := range e.channels {
		out = append(out, ch.stats())
	}
	return out
}

// Close tears the worker down and disposes every channel.
func (e *Engine) Close() {
	e.closeOnce.Do(e.cancel)
}
