package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec() Codec { return PCMCodec{Rate: 8000, Samples: 160} }

func encodeFrame(samples []int16) []byte {
	return pcmCoder{}.Encode(samples)
}

func constantFrame(value int16, n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, 0.0, levelOf(nil, 1))
	assert.Equal(t, 0.0, levelOf(constantFrame(0, 160), 4))

	// Full-scale square wave has rms 1; level clamps to 1 regardless of gain.
	assert.Equal(t, 1.0, levelOf(constantFrame(math.MaxInt16, 160), 1))
	assert.Equal(t, 1.0, levelOf(constantFrame(math.MaxInt16, 160), 4))

	// Half-scale with unit gain lands near 0.5.
	assert.InDelta(t, 0.5, levelOf(constantFrame(math.MaxInt16/2, 160), 1), 0.01)
}

func TestChannelIngestUpdatesLevel(t *testing.T) {
	ch := newChannel("p1", testCodec().NewDecoder(), DiscardSink{}, 1)

	ch.ingest(encodeFrame(constantFrame(math.MaxInt16, 160)), true)
	now := time.Now()
	assert.InDelta(t, 1.0, ch.levelAt(now, 500*time.Millisecond), 0.01)
	assert.Equal(t, uint64(1), ch.stats().Packets)
}

func TestChannelLevelSilenceDecay(t *testing.T) {
	ch := newChannel("p1", testCodec().NewDecoder(), DiscardSink{}, 1)
	silence := 500 * time.Millisecond

	ch.ingest(encodeFrame(constantFrame(math.MaxInt16, 160)), true)
	now := time.Now()

	assert.Greater(t, ch.levelAt(now, silence), 0.0)
	assert.Equal(t, 0.0, ch.levelAt(now.Add(600*time.Millisecond), silence))

	// A fresh packet recovers the level.
	ch.ingest(encodeFrame(constantFrame(math.MaxInt16, 160)), true)
	assert.Greater(t, ch.levelAt(time.Now(), silence), 0.0)
}

func TestChannelLevelZeroBeforeFirstPacket(t *testing.T) {
	ch := newChannel("p1", testCodec().NewDecoder(), DiscardSink{}, 1)
	assert.Equal(t, 0.0, ch.levelAt(time.Now(), 500*time.Millisecond))
}

func TestChannelQueueDropsOldestWhenFull(t *testing.T) {
	ch := newChannel("p1", testCodec().NewDecoder(), DiscardSink{}, 1)

	for i := 0; i < playbackQueueFrames+10; i++ {
		ch.ingest(encodeFrame(constantFrame(int16(i), 160)), true)
	}

	assert.Equal(t, uint64(10), ch.stats().DroppedFrames)
	assert.Len(t, ch.queue, playbackQueueFrames)

	// The head of the queue is no longer the first ingested frame.
	pcm, ok := ch.nextFrame()
	require.True(t, ok)
	assert.Equal(t, int16(10), pcm[0])
}

func TestChannelSkipsUndecodableFrames(t *testing.T) {
	ch := newChannel("p1", testCodec().NewDecoder(), DiscardSink{}, 1)

	ch.ingest(nil, true)
	ch.ingest([]byte{0x01}, true)

	st := ch.stats()
	assert.Equal(t, uint64(0), st.Packets)
	assert.Equal(t, uint64(2), st.DecodeErrors)
	_, ok := ch.nextFrame()
	assert.False(t, ok)
}

func TestChannelPlaybackDisabledSkipsQueue(t *testing.T) {
	ch := newChannel("p1", testCodec().NewDecoder(), DiscardSink{}, 1)

	ch.ingest(encodeFrame(constantFrame(1000, 160)), false)

	// Level still updates, the queue stays empty.
	assert.Greater(t, ch.levelAt(time.Now(), 500*time.Millisecond), 0.0)
	_, ok := ch.nextFrame()
	assert.False(t, ok)
}
