// Package capture owns the microphone while the user is talking. It pumps
// device blocks through the framer into a [FrameSink], keeps the quantized
// samples of the current utterance, and feeds a best-effort spectrum
// visualizer.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// Defaults for the visualization loop.
const (
	DefaultBars            = 24
	DefaultRefreshInterval = 33 * time.Millisecond
)

// FrameSink receives frames in capture order. SendFrame must not block; it
// reports whether the frame was accepted. [transport.Stream] implements it.
type FrameSink interface {
	SendFrame(f audio.AudioFrame) bool
}

// FrameSinkFunc adapts a function to [FrameSink].
type FrameSinkFunc func(audio.AudioFrame) bool

// SendFrame implements [FrameSink].
func (fn FrameSinkFunc) SendFrame(f audio.AudioFrame) bool { return fn(f) }

// Discard is a [FrameSink] that accepts and drops every frame. Request mode
// uses it: the utterance is submitted as a whole after [Pipeline.Stop].
var Discard FrameSink = FrameSinkFunc(func(audio.AudioFrame) bool { return true })

// Visualizer renders level bars while capture runs.
type Visualizer interface {
	// RenderBars draws one refresh worth of bars, each in [0, 1].
	RenderBars(bars []float64)

	// Clear removes the bars when the visualization loop halts.
	Clear()
}

// Utterance is the finalized audio of one capture session.
type Utterance struct {
	// Samples are the quantized 16 kHz mono samples, including the partial
	// frame left in the framer at stop.
	Samples []int16

	// Frames is the number of complete frames produced.
	Frames uint64
}

// Empty reports whether no audio was captured.
func (u Utterance) Empty() bool { return len(u.Samples) == 0 }

// Duration returns the length of the captured audio.
func (u Utterance) Duration() time.Duration {
	return time.Duration(len(u.Samples)) * time.Second / audio.SampleRate
}

// WAV encodes the utterance as a mono 16-bit PCM WAV blob.
func (u Utterance) WAV() ([]byte, error) {
	return audio.EncodeWAV(u.Samples, audio.Format{SampleRate: audio.SampleRate, Channels: 1})
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithVisualizer enables the spectrum visualization.
func WithVisualizer(v Visualizer) Option {
	return func(p *Pipeline) { p.vis = v }
}

// WithBars sets the number of bars handed to the visualizer.
func WithBars(n int) Option {
	return func(p *Pipeline) { p.bars = n }
}

// WithRefreshInterval sets the visualizer redraw period.
func WithRefreshInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.refresh = d }
}

// WithFFTSize sets the analysis window length.
func WithFFTSize(n int) Option {
	return func(p *Pipeline) { p.fftSize = n }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the capture side of a conversation. It holds at most one
// microphone handle at a time. All methods are safe for concurrent use.
type Pipeline struct {
	mic     audio.Microphone
	vis     Visualizer
	bars    int
	refresh time.Duration
	fftSize int
	metrics *observe.Metrics

	mu  sync.Mutex
	run *run
}

// run holds the resources of one Start..Stop span.
type run struct {
	stream   audio.CaptureStream
	analyser *audio.Analyser
	framer   *audio.Framer
	sink     FrameSink
	started  time.Time

	// stopping stops frame delivery while the pump drains the stream.
	stopping atomic.Bool

	// samples is written by the pump only; read after pumpDone closes.
	samples  []int16
	pumpDone chan struct{}

	visCancel context.CancelFunc
	visDone   chan struct{}
}

// New creates a pipeline capturing from mic.
func New(mic audio.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:     mic,
		bars:    DefaultBars,
		refresh: DefaultRefreshInterval,
		fftSize: audio.DefaultFFTSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Running reports whether the microphone is currently held.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// Start opens the microphone and begins delivering frames to sink. Calling
// Start while already running is a no-op and returns nil.
//
// When the microphone cannot be opened the error is returned (wrapping
// [audio.ErrPermissionDenied] when access was refused) and nothing stays
// acquired.
func (p *Pipeline) Start(ctx context.Context, sink FrameSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run != nil {
		slog.Debug("capture: already running")
		return nil
	}
	if sink == nil {
		sink = Discard
	}

	stream, err := p.mic.Open(ctx, audio.Format{SampleRate: audio.SampleRate, Channels: 1})
	if err != nil {
		return fmt.Errorf("capture: open microphone: %w", err)
	}

	r := &run{
		stream:   stream,
		framer:   audio.NewFramer(audio.FrameSamples, audio.SampleRate),
		sink:     sink,
		started:  time.Now(),
		pumpDone: make(chan struct{}),
	}
	if p.vis != nil {
		r.analyser = audio.NewAnalyser(p.fftSize)
		visCtx, cancel := context.WithCancel(context.Background())
		r.visCancel = cancel
		r.visDone = make(chan struct{})
		go p.visualize(visCtx, r)
	}
	go p.pump(r)

	p.run = r
	p.metrics.ActiveCapture.Add(ctx, 1)
	slog.Info("capture: started")
	return nil
}

// Stop releases the microphone and returns the captured utterance. It halts
// the visualization loop first, then detaches the analysis tap, then closes
// the device, and finally drains the pump and finalizes the audio.
//
// Stop on an idle pipeline returns an empty utterance and no error.
func (p *Pipeline) Stop() (Utterance, error) {
	p.mu.Lock()
	r := p.run
	p.run = nil
	p.mu.Unlock()
	if r == nil {
		return Utterance{}, nil
	}

	r.stopping.Store(true)

	if r.visCancel != nil {
		r.visCancel()
		<-r.visDone
	}
	if r.analyser != nil {
		r.analyser.Close()
	}
	closeErr := r.stream.Close()
	<-r.pumpDone

	u := Utterance{
		Samples: append(r.samples, r.framer.Remainder()...),
		Frames:  r.framer.Frames(),
	}
	p.metrics.ActiveCapture.Add(context.Background(), -1)
	slog.Info("capture: stopped",
		"frames", u.Frames,
		"duration", u.Duration(),
		"held", time.Since(r.started).Round(time.Millisecond),
	)
	if closeErr != nil {
		return u, fmt.Errorf("capture: close microphone: %w", closeErr)
	}
	return u, nil
}

// pump moves device blocks through the analyser and framer until the stream
// closes. Frames produced after Stop began are kept in the utterance but not
// delivered.
func (p *Pipeline) pump(r *run) {
	defer close(r.pumpDone)
	for block := range r.stream.Blocks() {
		if r.analyser != nil {
			r.analyser.Write(block)
		}
		for _, f := range r.framer.Push(block) {
			r.samples = append(r.samples, f.Samples...)
			if r.stopping.Load() {
				continue
			}
			r.sink.SendFrame(f)
		}
	}
}

// visualize redraws the bars once per refresh tick. A failing visualizer
// ends this loop only; capture is unaffected.
func (p *Pipeline) visualize(ctx context.Context, r *run) {
	defer close(r.visDone)
	defer p.safely("clear", p.vis.Clear)

	t := time.NewTicker(p.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			bars := r.analyser.Bars(p.bars)
			if !p.safely("render", func() { p.vis.RenderBars(bars) }) {
				return
			}
		}
	}
}

// safely runs fn and reports whether it returned without panicking.
func (p *Pipeline) safely(op string, fn func()) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			slog.Warn("capture: visualizer failed, disabling visualization", "op", op, "panic", v)
			ok = false
		}
	}()
	fn()
	return true
}
