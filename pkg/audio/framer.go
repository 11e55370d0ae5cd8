package audio

import (
	"math"
	"time"
)

// Quantize converts a float sample in [-1, 1] to a signed 16-bit sample.
// Negative values scale by 32768 and non-negative values by 32767, so both
// ends of the range map exactly onto the int16 limits. Out-of-range input is
// clamped and NaN maps to 0.
func Quantize(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s <= -1:
		return math.MinInt16
	case s >= 1:
		return math.MaxInt16
	case s < 0:
		return int16(math.Round(float64(s) * 32768))
	default:
		return int16(math.Round(float64(s) * 32767))
	}
}

// Framer turns a stream of float sample blocks of arbitrary length into
// fixed-size [AudioFrame] values. Samples that do not fill a whole frame are
// carried over to the next [Framer.Push] call.
//
// A Framer is not safe for concurrent use; the capture pump owns it.
type Framer struct {
	size  int
	rate  int
	carry []int16
	seq   uint64
	total int64 // samples emitted in complete frames
}

// NewFramer returns a Framer emitting frames of size samples at rate Hz.
// Non-positive arguments select [FrameSamples] and [SampleRate].
func NewFramer(size, rate int) *Framer {
	if size <= 0 {
		size = FrameSamples
	}
	if rate <= 0 {
		rate = SampleRate
	}
	return &Framer{
		size:  size,
		rate:  rate,
		carry: make([]int16, 0, size),
	}
}

// Push quantizes block, appends it to the carry buffer and returns every
// complete frame now available, in capture order. It never returns a partial
// frame.
func (f *Framer) Push(block []float32) []AudioFrame {
	if len(block) == 0 {
		return nil
	}
	for _, s := range block {
		f.carry = append(f.carry, Quantize(s))
	}

	n := len(f.carry) / f.size
	if n == 0 {
		return nil
	}

	frames := make([]AudioFrame, 0, n)
	for i := range n {
		samples := make([]int16, f.size)
		copy(samples, f.carry[i*f.size:(i+1)*f.size])
		frames = append(frames, AudioFrame{
			Samples:    samples,
			Seq:        f.seq,
			SampleRate: f.rate,
			Timestamp:  time.Duration(f.total) * time.Second / time.Duration(f.rate),
		})
		f.seq++
		f.total += int64(f.size)
	}

	rest := copy(f.carry, f.carry[n*f.size:])
	f.carry = f.carry[:rest]
	return frames
}

// Remainder returns a copy of the samples still waiting for a full frame.
func (f *Framer) Remainder() []int16 {
	out := make([]int16, len(f.carry))
	copy(out, f.carry)
	return out
}

// Frames reports how many frames have been emitted since the last reset.
func (f *Framer) Frames() uint64 { return f.seq }

// Reset discards the carry buffer and restarts sequence numbering.
func (f *Framer) Reset() {
	f.carry = f.carry[:0]
	f.seq = 0
	f.total = 0
}
