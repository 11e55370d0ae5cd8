// Package local provides [audio.Microphone] and [audio.Sink] implementations
// backed by the host's sound hardware.
//
// Capture uses miniaudio through gen2brain/malgo; playback uses ebitengine/oto.
// Both libraries need cgo or platform audio libraries at runtime, which is why
// they are isolated here and replaced by audio/mock in tests.
package local

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

const (
	defaultPeriodMs    = 20
	defaultBlockBuffer = 64
)

// MicrophoneOption configures a [Microphone].
type MicrophoneOption func(*Microphone)

// WithPeriod sets the device callback period in milliseconds.
func WithPeriod(ms int) MicrophoneOption {
	return func(m *Microphone) {
		if ms > 0 {
			m.periodMs = ms
		}
	}
}

// WithBlockBuffer sets how many captured blocks may queue before the capture
// callback starts dropping them.
func WithBlockBuffer(n int) MicrophoneOption {
	return func(m *Microphone) {
		if n > 0 {
			m.blockBuffer = n
		}
	}
}

// Microphone opens the default capture device.
type Microphone struct {
	periodMs    int
	blockBuffer int
}

// NewMicrophone creates a Microphone. No device is touched until
// [Microphone.Open].
func NewMicrophone(opts ...MicrophoneOption) *Microphone {
	m := &Microphone{
		periodMs:    defaultPeriodMs,
		blockBuffer: defaultBlockBuffer,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. It initialises a private miniaudio
// context and a mono float32 capture device at f.SampleRate; miniaudio
// resamples from the hardware rate.
func (m *Microphone) Open(ctx context.Context, f audio.Format) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", classify(err))
	}

	s := &captureStream{
		mctx:   mctx,
		blocks: make(chan []float32, m.blockBuffer),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(m.periodMs)

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		s.releaseContext()
		return nil, fmt.Errorf("local: init capture device: %w", classify(err))
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.releaseContext()
		return nil, fmt.Errorf("local: start capture device: %w", classify(err))
	}

	slog.Debug("microphone opened", "format", f.String(), "period_ms", m.periodMs)
	return s, nil
}

// captureStream is one open capture device.
type captureStream struct {
	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	mu      sync.Mutex
	closed  bool
	blocks  chan []float32
	dropped atomic.Int64
}

// Blocks implements [audio.CaptureStream].
func (s *captureStream) Blocks() <-chan []float32 { return s.blocks }

// Close implements [audio.CaptureStream]. The device is stopped before the
// block channel is closed so the callback never sends on a closed channel.
func (s *captureStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.dev != nil {
		if stopErr := s.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("local: stop capture device: %w", stopErr)
		}
		s.dev.Uninit()
	}
	s.releaseContext()

	s.mu.Lock()
	close(s.blocks)
	s.mu.Unlock()

	if n := s.dropped.Load(); n > 0 {
		slog.Warn("microphone dropped capture blocks", "blocks", n)
	}
	return err
}

// onData runs on the miniaudio thread. It must not block.
func (s *captureStream) onData(_, in []byte, frames uint32) {
	block := make([]float32, frames)
	for i := range block {
		if (i+1)*4 > len(in) {
			block = block[:i]
			break
		}
		block[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.blocks <- block:
	default:
		s.dropped.Add(1)
	}
}

func (s *captureStream) releaseContext() {
	if s.mctx == nil {
		return
	}
	_ = s.mctx.Uninit()
	s.mctx.Free()
	s.mctx = nil
}

// classify maps backend errors onto the audio package sentinels. miniaudio
// reports refused access as a generic result string, so the message is the
// only signal available.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no backend"), strings.Contains(msg, "device not"), strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	default:
		return err
	}
}
