package audio

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/protocol"
)

// FrameSender is the outbound half of the transport the capture pipeline
// needs: one encoded frame broadcast to every peer.
type FrameSender interface {
	Broadcast(class protocol.Class, payload []byte)
}

// Capture is the single-microphone send pipeline. The external audio
// engine invokes OnSamples from its own callback thread; samples are
// sanitized, denoised in the denoiser's fixed frame size, accumulated into
// encoder-frame chunks, encoded and broadcast as one audio packet per
// frame.
type Capture struct {
	enc      Encoder
	denoiser Denoiser
	tr       FrameSender

	frameSamples int
	enabled      atomic.Bool
	denoise      atomic.Bool

	mu       sync.Mutex
	rawBuf   []int16 // sanitized samples awaiting a full denoiser frame
	frameBuf []int16 // denoised samples awaiting a full encoder frame

	sentPackets atomic.Uint64
}

func NewCapture(codec Codec, denoiser Denoiser, tr FrameSender) *Capture {
	c := &Capture{
		enc:          codec.NewEncoder(),
		denoiser:     denoiser,
		tr:           tr,
		frameSamples: codec.FrameSamples(),
	}
	c.enabled.Store(true)
	c.denoise.Store(true)
	return c
}

// SetEnabled flips the capture flag. Pending frame buffers are flushed on
// every toggle so stale audio cannot leak out after an unmute.
func (c *Capture) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	c.mu.Lock()
	c.rawBuf = c.rawBuf[:0]
	c.frameBuf = c.frameBuf[:0]
	c.mu.Unlock()
	log.Info().Str("module", "audio").Bool("capture", enabled).Msg("capture toggled")
}

func (c *Capture) Enabled() bool { return c.enabled.Load() }

// SetDenoise toggles the denoiser stage.
func (c *Capture) SetDenoise(enabled bool) { c.denoise.Store(enabled) }

func (c *Capture) SentPackets() uint64 { return c.sentPackets.Load() }

// OnSamples is the external audio-callback entry point. Raw float samples
// are NaN-sanitized and clamped to [-1, 1] before any further processing.
func (c *Capture) OnSamples(samples []float32) {
	if !c.enabled.Load() || len(samples) == 0 {
		return
	}
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		pcm[i] = int16(f * math.MaxInt16)
	}
	c.ingestPCM(pcm)
}

// OnPCM accepts already-integer samples from engines that deliver int16.
func (c *Capture) OnPCM(pcm []int16) {
	if !c.enabled.Load() || len(pcm) == 0 {
		return
	}
	c.ingestPCM(pcm)
}

func (c *Capture) ingestPCM(pcm []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rawBuf = append(c.rawBuf, pcm...)

	dn := c.denoiser.FrameSamples()
	for len(c.rawBuf) >= dn {
		frame := c.rawBuf[:dn]
		if c.denoise.Load() {
			c.denoiser.Denoise(frame)
		}
		c.frameBuf = append(c.frameBuf, frame...)
		c.rawBuf = c.rawBuf[dn:]
	}

	for len(c.frameBuf) >= c.frameSamples {
		chunk := make([]int16, c.frameSamples)
		copy(chunk, c.frameBuf[:c.frameSamples])
		c.frameBuf = c.frameBuf[c.frameSamples:]

		// A toggle may have raced the encode; re-check before sending.
		if !c.enabled.Load() {
			c.rawBuf = c.rawBuf[:0]
			c.frameBuf = c.frameBuf[:0]
			return
		}
		encoded := c.enc.Encode(chunk)
		if len(encoded) == 0 {
			log.Debug().Str("module", "audio").Msg("encoder produced empty frame, skipping")
			continue
		}
		c.tr.Broadcast(protocol.ClassAudio, encoded)
		c.sentPackets.Add(1)
	}
}
