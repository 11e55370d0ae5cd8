// Package playback plays reply audio fragments one at a time, in the order
// they were enqueued.
//
// Each fragment is decoded on its own. Undersized fragments are discarded
// without decoding, a decoder failure falls back to the next decoder for that
// fragment only, and a fragment no decoder accepts is skipped. A run of
// consecutive skips is bounded: once it reaches the configured budget the
// rest of the queue is discarded as a corrupt stream.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
)

// Errors reported on [Skipped] events.
var (
	// ErrMalformedFragment marks a fragment below the minimum viable size.
	ErrMalformedFragment = errors.New("playback: malformed fragment")

	// ErrDecode marks a fragment that no decoder accepted.
	ErrDecode = errors.New("playback: decode failed")

	// ErrFetch marks a fragment whose audio reference could not be fetched.
	ErrFetch = errors.New("playback: fetch failed")
)

const (
	DefaultMinFragmentBytes    = 100
	DefaultSkipDelay           = 50 * time.Millisecond
	DefaultMaxConsecutiveSkips = 8
)

// Fragment is one independently decodable unit of reply audio.
type Fragment struct {
	// Data is the encoded audio. When empty, URL is fetched instead.
	Data []byte

	// URL references the audio when it is not carried inline.
	URL string

	// Turn is the conversational turn the fragment answers.
	Turn uint64

	// Fallback marks the local "connection trouble" clip.
	Fallback bool

	// Seq is assigned by [Queue.Enqueue] and increases with every call.
	Seq uint64
}

// Size returns the length of the inline data.
func (f Fragment) Size() int { return len(f.Data) }

// EventKind classifies queue events.
type EventKind int

const (
	// Started: the fragment's audio began playing.
	Started EventKind = iota
	// Ended: the fragment finished playing. Err is set if the sink failed.
	Ended
	// Skipped: the fragment was discarded; Err says why.
	Skipped
	// Idle: the queue ran dry after processing at least one fragment.
	Idle
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Skipped:
		return "skipped"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Event reports progress of the queue.
type Event struct {
	Kind     EventKind
	Fragment Fragment
	Err      error

	// Gen is the queue generation the event belongs to; see [Queue.Reset].
	Gen uint64
}

// Fetcher downloads audio references. [transport.Client] implements it.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Option configures a [Queue].
type Option func(*Queue)

// WithMinFragmentBytes sets the size below which fragments are malformed.
func WithMinFragmentBytes(n int) Option {
	return func(q *Queue) { q.minBytes = n }
}

// WithSkipDelay sets the pause before advancing past a skipped fragment.
func WithSkipDelay(d time.Duration) Option {
	return func(q *Queue) { q.skipDelay = d }
}

// WithMaxConsecutiveSkips sets how many fragments in a row may be skipped
// before the remaining queue is discarded. Zero disables the budget.
func WithMaxConsecutiveSkips(n int) Option {
	return func(q *Queue) { q.maxSkips = n }
}

// WithDecoders sets the decoder chain, tried in order for every fragment.
func WithDecoders(d ...codec.Decoder) Option {
	return func(q *Queue) { q.decoders = d }
}

// WithFetcher enables fragments that carry a URL instead of data.
func WithFetcher(f Fetcher) Option {
	return func(q *Queue) { q.fetcher = f }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is an ordered, at-most-one-active-item playback queue writing to an
// exclusively owned [audio.Sink].
//
// Events are delivered sequentially to the callback given to [New]. The
// callback must not block and must not call back into the queue.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	sink     audio.Sink
	conv     *audio.FormatConverter
	decoders []codec.Decoder
	fetcher  Fetcher
	onEvent  func(Event)
	metrics  *observe.Metrics

	mu        sync.Mutex
	pending   []Fragment
	seq       uint64
	gen       uint64
	active    bool
	cancel    context.CancelFunc
	minBytes  int
	skipDelay time.Duration
	maxSkips  int
	closed    bool

	// emitMu serialises event delivery with Reset, so no event of an older
	// generation is delivered once Reset has returned.
	emitMu sync.Mutex

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue playing into sink and starts its dispatch goroutine.
// Call [Queue.Close] to stop it.
func New(sink audio.Sink, onEvent func(Event), opts ...Option) *Queue {
	q := &Queue{
		sink:      sink,
		conv:      &audio.FormatConverter{Target: sink.Format()},
		decoders:  codec.Default(),
		onEvent:   onEvent,
		minBytes:  DefaultMinFragmentBytes,
		skipDelay: DefaultSkipDelay,
		maxSkips:  DefaultMaxConsecutiveSkips,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.onEvent == nil {
		q.onEvent = func(Event) {}
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Enqueue appends f and returns its sequence number. Playback starts at once
// when nothing is playing. Enqueue on a closed queue returns 0.
func (q *Queue) Enqueue(f Fragment) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.seq++
	f.Seq = q.seq
	q.pending = append(q.pending, f)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return f.Seq
}

// Reset discards pending fragments and halts the playing one immediately,
// even mid-fetch or mid-decode. It returns the new generation; no event of an
// earlier generation is delivered after Reset returns.
func (q *Queue) Reset() uint64 {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	q.pending = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	return q.gen
}

// Len returns the number of pending fragments, excluding the playing one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a fragment is being processed or is pending.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active || len(q.pending) > 0
}

// SetSkipPolicy updates the skip policy; it applies from the next fragment.
func (q *Queue) SetSkipPolicy(minBytes int, delay time.Duration, maxSkips int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.minBytes, q.skipDelay, q.maxSkips = minBytes, delay, maxSkips
}

// Close stops playback and the dispatch goroutine. It is idempotent.
func (q *Queue) Close() error {
	q.emitMu.Lock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.emitMu.Unlock()
		return nil
	}
	q.closed = true
	q.gen++
	q.pending = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
	q.emitMu.Unlock()

	close(q.done)
	q.wg.Wait()
	return nil
}

// item is a dequeued fragment with its generation and cancellation.
type item struct {
	frag Fragment
	gen  uint64
	ctx  context.Context
}

func (q *Queue) dispatch() {
	defer q.wg.Done()

	skipTimer := time.NewTimer(0)
	if !skipTimer.Stop() {
		<-skipTimer.C
	}
	defer skipTimer.Stop()

	var (
		skips     int
		processed bool
		lastGen   uint64
	)
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			it, ok := q.dequeue()
			if !ok {
				break
			}
			if it.gen != lastGen {
				skips = 0
				lastGen = it.gen
			}
			processed = true

			err := q.play(it)
			q.release(it)

			switch {
			case err == nil:
				skips = 0
			case it.ctx.Err() != nil:
				// Reset or Close; the fragment is gone without events.
			default:
				skips++
				q.skip(it, err)
				_, delay, budget := q.policy()
				if budget > 0 && skips >= budget {
					q.discardPending(it.gen, skips)
					skips = 0
					continue
				}
				if delay > 0 {
					skipTimer.Reset(delay)
					select {
					case <-q.done:
						return
					case <-skipTimer.C:
					}
				}
			}
		}

		if processed {
			q.emitIdle(lastGen)
			processed = false
		}
	}
}

// dequeue pops the head fragment and marks it active.
func (q *Queue) dequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return item{}, false
	}
	f := q.pending[0]
	q.pending[0] = Fragment{}
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.active = true
	q.cancel = cancel
	return item{frag: f, gen: q.gen, ctx: ctx}, true
}

func (q *Queue) release(it item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = false
	if q.cancel != nil && q.gen == it.gen {
		q.cancel()
		q.cancel = nil
	}
}

func (q *Queue) policy() (int, time.Duration, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.minBytes, q.skipDelay, q.maxSkips
}

// play fetches, validates, decodes and plays one fragment. A nil return
// means the fragment reached the sink.
func (q *Queue) play(it item) error {
	f := it.frag
	data := f.Data
	if len(data) == 0 && f.URL != "" {
		if q.fetcher == nil {
			return fmt.Errorf("%w: %s: no fetcher configured", ErrFetch, f.URL)
		}
		b, err := q.fetcher.Fetch(it.ctx, f.URL)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrFetch, f.URL, err)
		}
		data = b
	}

	minBytes, _, _ := q.policy()
	if len(data) < minBytes {
		return fmt.Errorf("%w: %d bytes is below the %d byte minimum", ErrMalformedFragment, len(data), minBytes)
	}

	pcm, err := q.decode(it.ctx, data)
	if err != nil {
		return err
	}
	out := q.conv.Convert(pcm.Data, pcm.Format)
	if len(out) == 0 {
		return fmt.Errorf("%w: no playable samples after conversion", ErrDecode)
	}
	if err := it.ctx.Err(); err != nil {
		return err
	}

	q.emit(it.gen, Event{Kind: Started, Fragment: f})
	err = q.sink.Play(it.ctx, out)
	if it.ctx.Err() != nil {
		return it.ctx.Err()
	}
	q.metrics.FragmentsPlayed.Add(context.Background(), 1)
	if err != nil {
		slog.Warn("playback: sink failed", "seq", f.Seq, "turn", f.Turn, "err", err)
	}
	q.emit(it.gen, Event{Kind: Ended, Fragment: f, Err: err})
	return nil
}

// decode tries every decoder in order and returns the first success.
func (q *Queue) decode(ctx context.Context, data []byte) (codec.PCM, error) {
	var errs []error
	for i, d := range q.decoders {
		if ctx.Err() != nil {
			return codec.PCM{}, ctx.Err()
		}
		pcm, err := d.Decode(data)
		if err == nil {
			if i > 0 {
				slog.Debug("playback: decoded with fallback decoder",
					"decoder", d.Name(), "container", codec.Sniff(data))
				q.metrics.RecordDecoderFallback(ctx, d.Name())
			}
			return pcm, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}
	if len(errs) == 0 {
		return codec.PCM{}, fmt.Errorf("%w: no decoders configured", ErrDecode)
	}
	return codec.PCM{}, fmt.Errorf("%w: %w", ErrDecode, errors.Join(errs...))
}

func (q *Queue) skip(it item, err error) {
	reason := "decode"
	switch {
	case errors.Is(err, ErrMalformedFragment):
		reason = "undersized"
	case errors.Is(err, ErrFetch):
		reason = "fetch"
	}
	q.metrics.RecordSkip(context.Background(), reason)
	slog.Warn("playback: skipping fragment",
		"seq", it.frag.Seq, "turn", it.frag.Turn, "bytes", len(it.frag.Data), "reason", reason, "err", err)
	q.emit(it.gen, Event{Kind: Skipped, Fragment: it.frag, Err: err})
}

// discardPending drops the rest of the queue after too many skips in a row.
func (q *Queue) discardPending(gen uint64, skips int) {
	q.mu.Lock()
	var dropped int
	if q.gen == gen {
		dropped = len(q.pending)
		q.pending = nil
	}
	q.mu.Unlock()

	for range dropped {
		q.metrics.RecordSkip(context.Background(), "budget")
	}
	slog.Warn("playback: too many consecutive skips, discarding queue",
		"consecutive_skips", skips, "discarded", dropped)
}

// emit delivers ev unless a Reset has moved past gen.
func (q *Queue) emit(gen uint64, ev Event) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	stale := q.gen != gen
	q.mu.Unlock()
	if stale {
		return
	}
	ev.Gen = gen
	q.onEvent(ev)
}

// emitIdle raises Idle only when nothing is pending or playing in gen.
func (q *Queue) emitIdle(gen uint64) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	idle := q.gen == gen && !q.active && len(q.pending) == 0
	q.mu.Unlock()
	if !idle {
		return
	}
	q.onEvent(Event{Kind: Idle, Gen: gen})
}
