package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/audio"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultOutboundBuffer = 64

	// maxMessageBytes bounds one inbound message. A base64 audio_chunk of a
	// few seconds of compressed speech fits comfortably.
	maxMessageBytes = 8 << 20
)

// HandleState is the lifecycle of the stream's connection handle.
type HandleState int32

const (
	// Unallocated: no connection has been opened yet.
	Unallocated HandleState = iota
	// Open: the connection is established and frames are accepted.
	Open
	// Closed: the connection ended; the next Acquire dials again.
	Closed
)

func (s HandleState) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) StreamOption {
	return func(s *Stream) { s.header = h.Clone() }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithOutboundBuffer sets how many frames may wait for the writer before
// new frames are dropped.
func WithOutboundBuffer(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithEndOfUtterance sets a text message sent by [Stream.EndUtterance].
func WithEndOfUtterance(msg string) StreamOption {
	return func(s *Stream) { s.eou = []byte(msg) }
}

// WithStreamMetrics overrides [observe.DefaultMetrics].
func WithStreamMetrics(m *observe.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// Stream is the streaming transport. It owns at most one websocket at a
// time; the connection outlives individual listening periods and is only
// replaced after it closes.
//
// Inbound messages are delivered in arrival order to the onMessage callback,
// called from the reader goroutine. Both callbacks must not block.
type Stream struct {
	url         string
	header      http.Header
	dialTimeout time.Duration
	buffer      int
	eou         []byte
	onMessage   func(Message)
	onError     func(error)
	metrics     *observe.Metrics

	dialMu sync.Mutex

	mu      sync.Mutex
	state   HandleState
	link    *link
	lastErr error

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// link is one websocket connection and its two pumps.
type link struct {
	conn   *websocket.Conn
	out    chan outbound
	ctx    context.Context
	cancel context.CancelFunc

	// closing is set by Stream.Close; ended once session_end arrives. Either
	// turns a subsequent read error into a quiet shutdown.
	closing atomic.Bool
	ended   atomic.Bool

	failOnce sync.Once
	wg       sync.WaitGroup
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// NewStream creates a stream to url. No connection is made until
// [Stream.Acquire].
func NewStream(url string, onMessage func(Message), onError func(error), opts ...StreamOption) *Stream {
	s := &Stream{
		url:         url,
		dialTimeout: defaultDialTimeout,
		buffer:      defaultOutboundBuffer,
		onMessage:   onMessage,
		onError:     onError,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.onMessage == nil {
		s.onMessage = func(Message) {}
	}
	if s.onError == nil {
		s.onError = func(error) {}
	}
	return s
}

// State returns the handle state.
func (s *Stream) State() HandleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that closed the last connection, or nil when the
// current connection is healthy or none was ever opened.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Sent returns the number of frames accepted for sending.
func (s *Stream) Sent() uint64 { return s.sent.Load() }

// Dropped returns the number of frames rejected by [Stream.SendFrame].
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Acquire makes sure a connection is open. An open connection is reused; a
// new one is dialed only when the handle is Unallocated or Closed.
func (s *Stream) Acquire(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	if s.State() == Open {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, _, err := websocket.Dial(dctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	cancel()
	if err != nil {
		s.metrics.RecordTransportError(ctx, "dial")
		err = fmt.Errorf("%w: dial %s: %w", ErrTransport, s.url, err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	conn.SetReadLimit(maxMessageBytes)

	lctx, lcancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		out:    make(chan outbound, s.buffer),
		ctx:    lctx,
		cancel: lcancel,
	}

	s.mu.Lock()
	s.link = l
	s.state = Open
	s.lastErr = nil
	s.mu.Unlock()

	l.wg.Add(2)
	go s.writeLoop(l)
	go s.readLoop(l)

	slog.Info("transport: stream connected", "url", s.url)
	return nil
}

// current returns the open link, or nil.
func (s *Stream) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open || s.link == nil || s.link.ctx.Err() != nil {
		return nil
	}
	return s.link
}

// SendFrame queues one PCM frame without blocking. It reports false, and
// counts the frame as dropped, when the handle is not open or the outbound
// buffer is full.
func (s *Stream) SendFrame(f audio.AudioFrame) bool {
	l := s.current()
	if l == nil {
		s.drop("not_ready")
		return false
	}
	select {
	case l.out <- outbound{typ: websocket.MessageBinary, data: f.Bytes()}:
		s.sent.Add(1)
		s.metrics.FramesSent.Add(context.Background(), 1)
		return true
	default:
		s.drop("backpressure")
		return false
	}
}

func (s *Stream) drop(reason string) {
	if s.dropped.Add(1)%50 == 1 {
		slog.Debug("transport: dropping frames", "reason", reason, "dropped_total", s.dropped.Load())
	}
	s.metrics.RecordFrameDropped(context.Background(), reason)
}

// EndUtterance queues the configured end-of-utterance message behind any
// frames already accepted. Without one configured it does nothing: the end
// of the frame flow is the signal.
func (s *Stream) EndUtterance(ctx context.Context) error {
	if len(s.eou) == 0 {
		return nil
	}
	l := s.current()
	if l == nil {
		return fmt.Errorf("%w: end of utterance: stream not open", ErrTransport)
	}
	select {
	case l.out <- outbound{typ: websocket.MessageText, data: s.eou}:
		return nil
	case <-l.ctx.Done():
		return fmt.Errorf("%w: end of utterance: stream closed", ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection with a normal closure and waits for both pumps
// to exit. The handle becomes Closed; a later Acquire dials again.
func (s *Stream) Close() error {
	s.mu.Lock()
	l := s.link
	if l != nil {
		l.closing.Store(true)
	}
	s.link = nil
	s.state = Closed
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	if err := l.conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
		slog.Debug("transport: close handshake", "err", err)
	}
	l.cancel()
	l.wg.Wait()
	return nil
}

func (s *Stream) writeLoop(l *link) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case m := <-l.out:
			if err := l.conn.Write(l.ctx, m.typ, m.data); err != nil {
				s.fail(l, "write", err)
				return
			}
		}
	}
}

func (s *Stream) readLoop(l *link) {
	defer l.wg.Done()
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			s.fail(l, "read", err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("transport: ignoring binary message", "bytes", len(data))
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			slog.Warn("transport: dropping undecodable message", "err", err)
			continue
		}
		if !msg.Type.Known() {
			slog.Debug("transport: ignoring unknown message", "type", msg.Type)
			continue
		}
		if msg.Type == TypeSessionEnd {
			l.ended.Store(true)
		}
		s.onMessage(msg)
	}
}

// fail tears the link down after a pump error. Failures caused by Close, by
// a normal closure, or after session_end are not reported.
func (s *Stream) fail(l *link, op string, err error) {
	l.failOnce.Do(func() {
		l.cancel()
		_ = l.conn.CloseNow()

		quiet := l.closing.Load() || l.ended.Load() ||
			websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
			websocket.CloseStatus(err) == websocket.StatusGoingAway

		var reported error
		if !quiet {
			reported = fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
		}

		s.mu.Lock()
		if s.link == l {
			s.link = nil
			s.state = Closed
			s.lastErr = reported
		}
		s.mu.Unlock()

		if quiet {
			slog.Info("transport: stream closed", "op", op, "status", websocket.CloseStatus(err))
			return
		}
		s.metrics.RecordTransportError(context.Background(), op)
		slog.Warn("transport: stream failed", "op", op, "err", err)
		s.onError(reported)
	})
}
