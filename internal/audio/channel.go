package audio

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// playbackQueueFrames bounds the per-channel playback buffer; at 20 ms
// frames this absorbs roughly five seconds of jitter before dropping.
const playbackQueueFrames = 256

// Channel is the receive pipeline of one interlocutor: decoder instance,
// playback queue feeding that peer's sink, rolling audio level and packet
// counters. The queue is single-producer (engine pump, arrival order) /
// single-consumer (mixer worker).
type Channel struct {
	peer string
	dec  Decoder
	sink PlaybackSink

	queue chan []int16

	levelBits     atomic.Uint64 // float64 bits
	lastAudioUnix atomic.Int64  // UnixNano of the last decoded packet
	packets       atomic.Uint64
	decodeErrors  atomic.Uint64
	droppedFrames atomic.Uint64

	levelGain float64
}

func newChannel(peer string, dec Decoder, sink PlaybackSink, levelGain float64) *Channel {
	return &Channel{
		peer:      peer,
		dec:       dec,
		sink:      sink,
		queue:     make(chan []int16, playbackQueueFrames),
		levelGain: levelGain,
	}
}

// ingest decodes one received frame, updates the rolling level and the
// last-received stamp, and appends the PCM to the playback queue unless
// playback is globally disabled. Undecodable frames are counted and
// skipped; the stream never blocks on loss.
func (c *Channel) ingest(payload []byte, playback bool) {
	pcm := c.dec.Decode(payload)
	if len(pcm) == 0 {
		c.decodeErrors.Add(1)
		log.Debug().Str("module", "audio").Str("peer", c.peer).Msg("skipping undecodable frame")
		return
	}
	c.packets.Add(1)
	c.lastAudioUnix.Store(time.Now().UnixNano())
	c.levelBits.Store(math.Float64bits(levelOf(pcm, c.levelGain)))

	if !playback {
		return
	}
	select {
	case c.queue <- pcm:
	default:
		// Queue full: drop the oldest frame so playback stays near real time.
		select {
		case <-c.queue:
			c.droppedFrames.Add(1)
		default:
		}
		select {
		case c.queue <- pcm:
		default:
			c.droppedFrames.Add(1)
		}
	}
}

// nextFrame pops one queued PCM frame for the mixer worker.
func (c *Channel) nextFrame() ([]int16, bool) {
	select {
	case pcm := <-c.queue:
		return pcm, true
	default:
		return nil, false
	}
}

// levelAt returns the rolling level, zeroed if no packet arrived within
// the silence window.
func (c *Channel) levelAt(now time.Time, silence time.Duration) float64 {
	last := c.lastAudioUnix.Load()
	if last == 0 || now.Sub(time.Unix(0, last)) >= silence {
		return 0
	}
	return math.Float64frombits(c.levelBits.Load())
}

// ChannelStats is a read-only counters snapshot for one peer's channel.
type ChannelStats struct {
	Peer          string `json:"peer"`
	Packets       uint64 `json:"packets"`
	DecodeErrors  uint64 `json:"decode_errors"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

func (c *Channel) stats() ChannelStats {
	return ChannelStats{
		Peer:          c.peer,
		Packets:       c.packets.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		DroppedFrames: c.droppedFrames.Load(),
	}
}

// levelOf computes clamp(rms*gain, 0, 1) over one PCM frame.
func levelOf(pcm []int16, gain float64) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	level := rms * gain
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
