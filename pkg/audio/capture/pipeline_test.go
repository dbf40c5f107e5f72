package capture

import (
	"math"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPipeline(nativeRate int) (*Pipeline, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	p := New(Config{NativeRate: nativeRate, TargetRate: 24000}, clock.now)
	return p, clock
}

func constantChunk(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestResampleIdentityAtTargetRate(t *testing.T) {
	in := []int16{1, -2, 3, -4, 5}
	out := resampleLinear(in, 24000, 24000)
	if len(out) != len(in) {
		t.Fatalf("len=%d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d]=%d, want %d", i, out[i], in[i])
		}
	}
}

func TestResampleConstantInputStaysConstant(t *testing.T) {
	for _, n := range []int{1, 7, 480, 4800} {
		in := make([]int16, n)
		for i := range in {
			in[i] = 1234
		}
		out := resampleLinear(in, 48000, 24000)
		for i, v := range out {
			if v != 1234 {
				t.Fatalf("n=%d out[%d]=%d, want 1234", n, i, v)
			}
		}
	}
}

func TestResampleHalvesSampleCount(t *testing.T) {
	in := make([]int16, 4800)
	out := resampleLinear(in, 48000, 24000)
	if len(out) != 2400 {
		t.Fatalf("len=%d, want 2400", len(out))
	}
}

func TestResampleEmptyInput(t *testing.T) {
	out := resampleLinear(nil, 48000, 24000)
	if len(out) != 0 {
		t.Fatalf("len=%d, want 0", len(out))
	}
}

func TestFlushEmptyBufferEmitsEmptySignal(t *testing.T) {
	p, _ := newTestPipeline(48000)
	frame, empty := p.Flush()
	if frame != nil {
		t.Fatalf("frame=%v, want nil", frame)
	}
	if !empty {
		t.Fatalf("empty=false, want true")
	}
	// A second flush is still the empty signal, never a panic or error.
	frame, empty = p.Flush()
	if frame != nil || !empty {
		t.Fatalf("second flush frame=%v empty=%v", frame, empty)
	}
}

func TestFlushEmitsFinalFrameUnderMinimumDuration(t *testing.T) {
	p, _ := newTestPipeline(24000)
	if got := p.Push(constantChunk(240, 0.5)); got != nil {
		t.Fatalf("expected no frame for 10ms of audio, got %v", got)
	}
	frame, empty := p.Flush()
	if empty {
		t.Fatalf("empty=true, want final frame")
	}
	if len(frame.PCM) != 240 {
		t.Fatalf("len=%d, want 240", len(frame.PCM))
	}
}

func TestPushPacingRequiresBothBufferAndInterval(t *testing.T) {
	p, clock := newTestPipeline(24000)

	// 120ms buffered but only 50ms elapsed: no emission.
	clock.advance(50 * time.Millisecond)
	if frame := p.Push(constantChunk(2880, 0.1)); frame != nil {
		t.Fatalf("emitted before min interval elapsed")
	}

	// Interval satisfied on a later push: emission happens.
	clock.advance(150 * time.Millisecond)
	frame := p.Push(nil)
	if frame == nil {
		t.Fatalf("expected a frame once both thresholds passed")
	}
	if frame.Seq != 1 {
		t.Fatalf("seq=%d, want 1", frame.Seq)
	}
	if frame.SampleRate != 24000 {
		t.Fatalf("rate=%d, want 24000", frame.SampleRate)
	}

	// Buffer was cleared.
	if got, empty := p.Flush(); got != nil || !empty {
		t.Fatalf("buffer not cleared after emission: frame=%v empty=%v", got, empty)
	}
}

func TestPushResamples48kTo24k(t *testing.T) {
	p, clock := newTestPipeline(48000)
	clock.advance(200 * time.Millisecond)
	frame := p.Push(constantChunk(4800, 0.25))
	if frame == nil {
		t.Fatalf("expected frame for 100ms of 48k audio")
	}
	if len(frame.PCM) != 2400 {
		t.Fatalf("len=%d, want 2400", len(frame.PCM))
	}
}

func TestFrameLevelIsMeanAbsolute(t *testing.T) {
	p, clock := newTestPipeline(24000)
	clock.advance(time.Second)
	frame := p.Push(constantChunk(2400, -0.5))
	if frame == nil {
		t.Fatalf("expected frame")
	}
	if math.Abs(frame.Level-0.5) > 1e-6 {
		t.Fatalf("level=%f, want 0.5", frame.Level)
	}
}

func TestFloatToPCM16ScalingAsymmetry(t *testing.T) {
	out := floatToPCM16([]float32{-1, 1, 0, 2, -2})
	want := []int16{-32768, 32767, 0, 32767, -32768}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d]=%d, want %d", i, out[i], want[i])
		}
	}
}

func TestPCMToBytesLittleEndian(t *testing.T) {
	got := PCMToBytes([]int16{0x0102, -2})
	want := []byte{0x02, 0x01, 0xfe, 0xff}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestMeanAbsStrideMatchesFullScanForConstant(t *testing.T) {
	// The stride is a performance shortcut, not a precision tradeoff the
	// tests should depend on; a constant buffer makes both paths agree.
	big := constantChunk(50000, 0.3)
	if got := meanAbs(big); math.Abs(got-0.3) > 1e-6 {
		t.Fatalf("meanAbs=%f, want 0.3", got)
	}
}
