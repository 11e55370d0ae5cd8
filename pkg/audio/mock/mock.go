// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.CaptureStream], [audio.Sink] and [codec.Decoder] interfaces for unit
// tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test sets to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	stream, _ := mic.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	mic.Last().Emit(make([]float32, 800))
//
//	sink := &mock.Sink{}
//	_ = sink.Play(ctx, pcm)
//	sink.PlayCount() // 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Sink          = (*Sink)(nil)
	_ codec.Decoder       = (*Decoder)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil. No stream is created.
	OpenError error

	// BlockBuffer is the buffer size of streams created by Open. Default 64.
	BlockBuffer int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Formats records the format argument of each Open call.
	Formats []audio.Format

	// Streams holds every stream returned by Open, in order.
	Streams []*CaptureStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	m.Formats = append(m.Formats, f)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	n := m.BlockBuffer
	if n <= 0 {
		n = 64
	}
	s := &CaptureStream{blocks: make(chan []float32, n)}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// Opens returns the number of Open calls.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Feed it
// with [CaptureStream.Emit].
type CaptureStream struct {
	mu     sync.Mutex
	blocks chan []float32
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Blocks implements [audio.CaptureStream].
func (s *CaptureStream) Blocks() <-chan []float32 { return s.blocks }

// Emit delivers block to the reader. It reports false if the stream is
// closed. Emit blocks while the buffer is full.
func (s *CaptureStream) Emit(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.blocks <- block
	return true
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
//
// When Gate is non-nil, every Play call blocks until a value is received from
// Gate or ctx is cancelled, which lets tests hold a fragment "on air".
type Sink struct {
	mu sync.Mutex

	// FormatResult is returned by Format. Defaults to 16000 Hz mono.
	FormatResult audio.Format

	// PlayError is returned by Play after the buffer is recorded.
	PlayError error

	// Gate, when non-nil, holds each Play call until it receives a value.
	Gate chan struct{}

	// Started, when non-nil, receives every buffer as Play begins. Sends
	// are non-blocking.
	Started chan []byte

	// Played records every buffer passed to Play, including cancelled ones.
	Played [][]byte

	// CallCountCancelled counts Play calls that ended through ctx.
	CallCountCancelled int

	active int
	// MaxActive records the highest number of concurrent Play calls seen.
	MaxActive int
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Format{SampleRate: audio.SampleRate, Channels: 1}
	}
	return s.FormatResult
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Played = append(s.Played, cp)
	s.active++
	if s.active > s.MaxActive {
		s.MaxActive = s.active
	}
	gate, started := s.Gate, s.Started
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- cp:
		default:
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			s.mu.Lock()
			s.CallCountCancelled++
			s.mu.Unlock()
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PlayError
}

// PlayCount returns the number of Play calls.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// Cancelled returns the number of Play calls ended by ctx cancellation.
func (s *Sink) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountCancelled
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock implementation of [codec.Decoder]. Without DecodeFunc it
// returns the input bytes unchanged as 16000 Hz mono PCM, which makes the
// played buffers easy to match against enqueued fragments.
type Decoder struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// DecodeError, when non-nil, is returned by every Decode call.
	DecodeError error

	// DecodeFunc overrides the default behaviour when set.
	DecodeFunc func(data []byte) (codec.PCM, error)

	// Inputs records every Decode argument.
	Inputs [][]byte
}

// Name implements [codec.Decoder].
func (d *Decoder) Name() string {
	if d.NameValue == "" {
		return "mock"
	}
	return d.NameValue
}

// Decode implements [codec.Decoder].
func (d *Decoder) Decode(data []byte) (codec.PCM, error) {
	d.mu.Lock()
	d.Inputs = append(d.Inputs, data)
	fn, err := d.DecodeFunc, d.DecodeError
	d.mu.Unlock()

	if fn != nil {
		return fn(data)
	}
	if err != nil {
		return codec.PCM{}, err
	}
	return codec.PCM{
		Data:   data,
		Format: audio.Format{SampleRate: audio.SampleRate, Channels: 1},
	}, nil
}

// Calls returns the number of Decode calls.
func (d *Decoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Inputs)
}
