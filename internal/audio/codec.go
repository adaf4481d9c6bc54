// Package audio implements the per-peer decode/playback pipeline and the
// single-microphone capture pipeline that bridge the transport to the
// external audio device and codec libraries.
package audio

import (
	g722 "github.com/gotranspile/g722"
)

// Encoder turns one PCM frame into one codec frame. One encoded frame is
// exactly one audio packet on the wire.
type Encoder interface {
	Encode(pcm []int16) []byte
}

// Decoder turns one codec frame back into PCM. A short or empty result
// means the frame was undecodable and is skipped; the decoder must not
// block on loss.
type Decoder interface {
	Decode(data []byte) []int16
}

// Codec builds per-stream encoder/decoder instances and fixes the frame
// geometry shared by capture and playback.
type Codec interface {
	NewEncoder() Encoder
	NewDecoder() Decoder
	SampleRate() int
	FrameSamples() int
}

// Denoiser processes capture audio in fixed-size frames, in place. The
// real noise-suppression library is external; Passthrough is the default.
type Denoiser interface {
	FrameSamples() int
	Denoise(frame []int16)
}

// G722Codec is the default wire codec: 16 kHz wideband at 64 kbit/s,
// 20 ms frames (320 samples in, 320 bytes out).
type G722Codec struct{}

const (
	g722SampleRate   = 16000
	g722FrameSamples = 320
)

func (G722Codec) SampleRate() int   { return g722SampleRate }
func (G722Codec) FrameSamples() int { return g722FrameSamples }

func (G722Codec) NewEncoder() Encoder {
	return &g722Encoder{enc: g722.NewEncoder(g722.Rate64000, 0)}
}

func (G722Codec) NewDecoder() Decoder {
	return &g722Decoder{dec: g722.NewDecoder(g722.Rate64000, 0)}
}

type g722Encoder struct {
	enc *g722.Encoder
}

func (e *g722Encoder) Encode(pcm []int16) []byte {
	if len(pcm) == 0 {
		return nil
	}
	buf := make([]byte, len(pcm))
	n := e.enc.Encode(buf, pcm)
	if n <= 0 {
		return nil
	}
	return buf[:n]
}

type g722Decoder struct {
	dec     *g722.Decoder
	scratch []int16
}

func (d *g722Decoder) Decode(data []byte) []int16 {
	if len(data) == 0 {
		return nil
	}
	if len(d.scratch) < g722FrameSamples {
		d.scratch = make([]int16, g722FrameSamples)
	}
	n := d.dec.Decode(d.scratch[:g722FrameSamples], data)
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	copy(out, d.scratch[:n])
	return out
}

// PCMCodec is a passthrough codec used by tests: the encoded frame is the
// little-endian byte view of the PCM samples.
type PCMCodec struct {
	Rate    int
	Samples int
}

func (c PCMCodec) SampleRate() int {
	if c.Rate == 0 {
		return 8000
	}
	return c.Rate
}

func (c PCMCodec) FrameSamples() int {
	if c.Samples == 0 {
		return 160
	}
	return c.Samples
}

func (c PCMCodec) NewEncoder() Encoder { return pcmCoder{} }
func (c PCMCodec) NewDecoder() Decoder { return pcmCoder{} }

type pcmCoder struct{}

func (pcmCoder) Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func (pcmCoder) Decode(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}

// Passthrough is the no-op denoiser.
type Passthrough struct {
	Samples int
}

func (p Passthrough) FrameSamples() int {
	if p.Samples == 0 {
		return 160
	}
	return p.Samples
}

func (Passthrough) Denoise([]int16) {}
