package vad

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sip4k/sipbot/pkg/g711"
)

const frameSamples = 160

func pcmFrame(sample func(i int) int16) []byte {
	pcm := make([]byte, 2*frameSamples)
	for i := 0; i < frameSamples; i++ {
		binary.BigEndian.PutUint16(pcm[2*i:], uint16(sample(i)))
	}
	return g711.CompressFrame(pcm, true)
}

func TestSilenceBecomesQuiet(t *testing.T) {
	a := NewAnalyzer()
	frame := pcmFrame(func(int) int16 { return 0 })

	quiet := false
	n := 0
	for ; n < 500 && !quiet; n++ {
		quiet = a.IsQuiet(frame)
	}
	require.True(t, quiet, "silence never classified quiet")
	require.True(t, a.Last())
	// about 1.5s of audio before the average settles over the threshold
	require.Greater(t, n, 50)
	require.Greater(t, a.Average(), DefaultThreshold)

	a.Reset()
	require.Zero(t, a.Average())
	require.False(t, a.IsQuiet(frame))
}

func TestFullScaleSquareWaveNeverQuiet(t *testing.T) {
	a := NewAnalyzer()
	// 1 kHz full scale square wave
	frame := pcmFrame(func(i int) int16 {
		if i%8 < 4 {
			return math.MaxInt16
		}
		return math.MinInt16
	})
	for n := 0; n < 1000; n++ {
		require.False(t, a.IsQuiet(frame), "frame %d classified quiet, avg %f", n, a.Average())
	}
}

func TestZeroWordsIgnored(t *testing.T) {
	a := NewAnalyzer()
	require.False(t, a.IsQuiet(make([]byte, 4000)))
	require.Zero(t, a.Average())
	require.False(t, a.IsQuiet([]byte{0xff}))
}

func TestCustomTuning(t *testing.T) {
	a := NewAnalyzerWith(10, 0.5)
	require.True(t, a.IsQuiet([]byte{0xd5, 0xd5}))

	d := NewAnalyzerWith(-1, 0)
	require.Equal(t, DefaultThreshold, d.threshold)
	require.Equal(t, DefaultDecay, d.decay)
}

func TestPhraseDetector(t *testing.T) {
	window := FrameDuration(frameSamples)
	require.Equal(t, 20*time.Millisecond, window)

	p := NewPhraseDetector(0)
	require.Equal(t, DefaultPhraseDelay, p.delay)

	for i := 0; i < 100; i++ {
		require.False(t, p.Observe(true, window), "window %d", i)
	}
	require.True(t, p.Observe(true, window))
	for i := 0; i < 50; i++ {
		require.False(t, p.Observe(true, window))
	}

	require.False(t, p.Observe(false, window))
	for i := 0; i < 100; i++ {
		require.False(t, p.Observe(true, window))
	}
	require.True(t, p.Observe(true, window))

	p.Reset()
	require.True(t, p.Observe(true, 3*time.Second))
}

func TestPhraseInterruptedBySpeech(t *testing.T) {
	p := NewPhraseDetector(100 * time.Millisecond)
	w := 20 * time.Millisecond
	for i := 0; i < 20; i++ {
		// four quiet windows then speech never reaches the delay
		require.False(t, p.Observe(i%5 != 4, w))
	}
}
