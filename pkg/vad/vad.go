package vad

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const (
	DefaultThreshold   = 20800.0
	DefaultDecay       = 0.9995
	DefaultPhraseDelay = 2000 * time.Millisecond
)

// Analyzer is a running log-energy estimator over G.711 payloads. Every
// 16-bit word (big-endian, unsigned) moves the average by
//
//	avg = (avg + ln(x)) * decay
//
// with ln(0) taken as 0. A segment is quiet once avg exceeds the threshold.
// Companded silence (0xd5 in A-law) sits above the threshold, loud audio
// with negative peaks sits below it.
type Analyzer struct {
	mu        sync.Mutex
	threshold float64
	decay     float64
	avg       float64
	last      bool
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		threshold: DefaultThreshold,
		decay:     DefaultDecay,
	}
}

// NewAnalyzerWith builds an analyzer with explicit tuning. Non-positive
// values fall back to the defaults.
func NewAnalyzerWith(threshold, decay float64) *Analyzer {
	a := NewAnalyzer()
	if threshold > 0 {
		a.threshold = threshold
	}
	if decay > 0 {
		a.decay = decay
	}
	return a
}

// IsQuiet feeds frame into the average and reports whether it crossed the
// threshold at any sample. A trailing odd byte is ignored.
func (a *Analyzer) IsQuiet(frame []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	quiet := false
	for i := 0; i+1 < len(frame); i += 2 {
		x := float64(binary.BigEndian.Uint16(frame[i:]))
		if x != 0 {
			x = math.Log(x)
		}
		a.avg = (a.avg + x) * a.decay
		if a.avg > a.threshold {
			quiet = true
		}
	}
	a.last = quiet
	return quiet
}

// Reset restarts the average, typically when the bot starts a new utterance.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.avg = 0
	a.last = false
	a.mu.Unlock()
}

// Average is the current running value.
func (a *Analyzer) Average() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avg
}

// Last is the classification of the most recent frame.
func (a *Analyzer) Last() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// PhraseDetector turns per-window quiet flags into end-of-phrase events.
// Consecutive quiet windows accumulate; once the total exceeds the delay an
// end of phrase is reported, once. Any non-quiet window clears the total
// and re-arms the detector.
type PhraseDetector struct {
	mu       sync.Mutex
	delay    time.Duration
	quiet    time.Duration
	reported bool
}

func NewPhraseDetector(delay time.Duration) *PhraseDetector {
	if delay <= 0 {
		delay = DefaultPhraseDelay
	}
	return &PhraseDetector{delay: delay}
}

// Observe records one window of length d and reports whether the phrase
// ended with it.
func (p *PhraseDetector) Observe(quiet bool, d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !quiet {
		p.quiet = 0
		p.reported = false
		return false
	}
	p.quiet += d
	if p.reported || p.quiet <= p.delay {
		return false
	}
	p.reported = true
	return true
}

func (p *PhraseDetector) Reset() {
	p.mu.Lock()
	p.quiet = 0
	p.reported = false
	p.mu.Unlock()
}

// FrameDuration is the play time of n companded bytes at 8 kHz.
func FrameDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / 8000
}
