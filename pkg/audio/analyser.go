package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// DefaultFFTSize is the analysis window used for the capture visualizer.
const DefaultFFTSize = 256

const (
	analyserMinDB     = -100.0
	analyserMaxDB     = -30.0
	analyserSmoothing = 0.8
)

// Analyser is a passive tap on the capture stream that keeps the most recent
// FFT window of samples and reports a smoothed magnitude spectrum scaled to
// [0, 1] on a decibel axis. It never modifies or delays the audio it observes.
//
// All methods are safe for concurrent use: the capture pump writes while the
// visualizer reads.
type Analyser struct {
	size int
	fft  *fourier.FFT

	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64
	closed   bool
}

// NewAnalyser creates an analyser over the last size samples. size should be
// a power of two; non-positive values select [DefaultFFTSize].
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	return &Analyser{
		size:     size,
		fft:      fourier.NewFFT(size),
		ring:     make([]float64, size),
		smoothed: make([]float64, size/2),
	}
}

// Size returns the FFT window length.
func (a *Analyser) Size() int { return a.size }

// Write records block into the analysis window. Writes after [Analyser.Close]
// are ignored.
func (a *Analyser) Write(block []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, s := range block {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// Spectrum returns size/2 frequency bins with values in [0, 1]. Successive
// calls are smoothed over time the way a browser analyser node smooths them.
func (a *Analyser) Spectrum() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := make([]float64, a.size)
	for i := range seq {
		seq[i] = a.ring[(a.pos+i)%a.size]
	}
	window.Blackman(seq)
	coeffs := a.fft.Coefficients(nil, seq)

	out := make([]float64, a.size/2)
	for k := range out {
		mag := cmplx.Abs(coeffs[k]) / float64(a.size)
		a.smoothed[k] = analyserSmoothing*a.smoothed[k] + (1-analyserSmoothing)*mag
		out[k] = scaleDB(a.smoothed[k])
	}
	return out
}

// Bars folds the current spectrum into n bars by averaging adjacent bins.
func (a *Analyser) Bars(n int) []float64 {
	spectrum := a.Spectrum()
	if n <= 0 || n > len(spectrum) {
		n = len(spectrum)
	}
	bars := make([]float64, n)
	per := len(spectrum) / n
	for i := range bars {
		var sum float64
		for _, v := range spectrum[i*per : (i+1)*per] {
			sum += v
		}
		bars[i] = sum / float64(per)
	}
	return bars
}

// Close detaches the analyser from the stream and clears its state.
func (a *Analyser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	clear(a.ring)
	clear(a.smoothed)
}

// scaleDB maps a linear magnitude onto [0, 1] between the analyser's
// minimum and maximum decibel levels.
func scaleDB(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - analyserMinDB) / (analyserMaxDB - analyserMinDB)
	return math.Max(0, math.Min(1, v))
}
