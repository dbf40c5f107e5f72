// Package capture turns raw microphone samples into paced, rate-matched
// PCM16 frames ready for network transport. It performs no I/O: callers
// push float32 sample chunks and forward the frames it emits.
package capture

import (
	"time"
)

const (
	// DefaultTargetRate is the sample rate the upstream speech service expects.
	DefaultTargetRate = 24000

	defaultMinBuffer   = 100 * time.Millisecond
	defaultMinInterval = 150 * time.Millisecond

	// Large buffers are sampled at a stride when estimating loudness; the
	// estimate feeds a UI meter, not anything that needs precision.
	levelSampleBudget = 1000
)

// Frame is one emitted chunk of capture audio.
type Frame struct {
	// PCM holds signed 16-bit samples at SampleRate.
	PCM []int16
	// SampleRate is always the configured target rate.
	SampleRate int
	// Level is the mean absolute amplitude of the source samples, in [0, 1].
	Level float64
	// Seq increases by one per emitted frame within a pipeline.
	Seq int64
	// CapturedAt is the local emission time, used only for local sequencing.
	CapturedAt time.Time
}

// Duration reports the playback duration of the frame.
func (f *Frame) Duration() time.Duration {
	if f == nil || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// Config controls pacing and rate conversion.
type Config struct {
	// NativeRate is the rate of the incoming float samples.
	NativeRate int
	// TargetRate is the output rate. Defaults to DefaultTargetRate.
	TargetRate int
	// MinBuffer is the minimum accumulated audio before a frame may be
	// emitted. Defaults to 100ms.
	MinBuffer time.Duration
	// MinInterval is the minimum wall-clock gap between emissions.
	// Defaults to 150ms. Both conditions must hold before a frame is
	// emitted, which keeps frames near the 100-200ms sweet spot.
	MinInterval time.Duration
}

// Pipeline accumulates sample chunks and emits frames. It is not safe for
// concurrent use; it is designed to live on a single audio thread and
// communicate with the rest of the system by passing the frames it returns.
type Pipeline struct {
	cfg      Config
	now      func() time.Time
	chunks   [][]float32
	total    int
	lastEmit time.Time
	seq      int64
}

// New creates a pipeline. A nil clock uses time.Now.
func New(cfg Config, clock func() time.Time) *Pipeline {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultTargetRate
	}
	if cfg.NativeRate <= 0 {
		cfg.NativeRate = cfg.TargetRate
	}
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = defaultMinBuffer
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{cfg: cfg, now: clock, lastEmit: clock()}
}

// Push adds a chunk of samples and returns a frame when one is due, or nil.
// Empty chunks are accepted and ignored.
func (p *Pipeline) Push(samples []float32) *Frame {
	if len(samples) > 0 {
		chunk := make([]float32, len(samples))
		copy(chunk, samples)
		p.chunks = append(p.chunks, chunk)
		p.total += len(chunk)
	}
	if p.total == 0 {
		return nil
	}

	buffered := time.Duration(p.total) * time.Second / time.Duration(p.cfg.NativeRate)
	if buffered < p.cfg.MinBuffer {
		return nil
	}
	if p.now().Sub(p.lastEmit) < p.cfg.MinInterval {
		return nil
	}
	return p.emit()
}

// Flush emits whatever is buffered as a final frame, bypassing pacing so no
// trailing speech is lost. When nothing is buffered it returns (nil, true):
// an explicit empty signal the caller can surface, never an error.
func (p *Pipeline) Flush() (frame *Frame, empty bool) {
	if p.total == 0 {
		return nil, true
	}
	return p.emit(), false
}

func (p *Pipeline) emit() *Frame {
	combined := make([]float32, 0, p.total)
	for _, chunk := range p.chunks {
		combined = append(combined, chunk...)
	}
	p.chunks = p.chunks[:0]
	p.total = 0

	level := meanAbs(combined)
	pcm := floatToPCM16(combined)
	if p.cfg.NativeRate != p.cfg.TargetRate {
		pcm = resampleLinear(pcm, p.cfg.NativeRate, p.cfg.TargetRate)
	}

	now := p.now()
	p.lastEmit = now
	p.seq++
	return &Frame{
		PCM:        pcm,
		SampleRate: p.cfg.TargetRate,
		Level:      level,
		Seq:        p.seq,
		CapturedAt: now,
	}
}

func meanAbs(samples []float32) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	step := n / levelSampleBudget
	if step < 1 {
		step = 1
	}
	var sum float64
	var count int
	for i := 0; i < n; i += step {
		v := float64(samples[i])
		if v < 0 {
			v = -v
		}
		sum += v
		count++
	}
	return sum / float64(count)
}

// floatToPCM16 clips to [-1, 1] and scales into the signed 16-bit range.
// Negative samples scale by 32768 and non-negative by 32767; the asymmetry
// matches the int16 range and must be preserved for amplitude fidelity.
func floatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// resampleLinear converts between sample rates by blending the two input
// samples neighboring each fractional output position. Equal rates are the
// identity; empty input yields empty output.
func resampleLinear(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate {
		return in
	}
	if len(in) == 0 || inRate <= 0 || outRate <= 0 {
		return []int16{}
	}

	ratio := float64(inRate) / float64(outRate)
	outLen := int(float64(len(in)) / ratio)
	if outLen == 0 {
		return []int16{}
	}
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		lo := int(pos)
		hi := lo + 1
		if hi >= len(in) {
			hi = len(in) - 1
		}
		if lo == hi {
			out[i] = in[lo]
			continue
		}
		frac := pos - float64(lo)
		blended := float64(in[lo]) + (float64(in[hi])-float64(in[lo]))*frac
		out[i] = int16(roundHalfAway(blended))
	}
	return out
}

func roundHalfAway(v float64) float64 {
	if v < 0 {
		return float64(int64(v - 0.5))
	}
	return float64(int64(v + 0.5))
}

// PCMToBytes serializes samples as 16-bit little-endian, the wire format of
// the audio-append message.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
