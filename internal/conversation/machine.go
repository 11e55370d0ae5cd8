// Package conversation drives a voice conversation: it owns the state
// machine that starts and stops capture, routes replies into the playback
// queue and decides when listening resumes on its own.
//
// Every input (user commands, inbound messages, transport failures, reply
// results and playback events) is translated into an [Event] and appended to
// a single queue. [Machine.Run] applies them one at a time in arrival order,
// so transitions never interleave.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// Capture is the microphone side. [capture.Pipeline] implements it.
type Capture interface {
	Start(ctx context.Context, sink capture.FrameSink) error
	Stop() (capture.Utterance, error)
	Running() bool
}

// Player is the reply audio side. [playback.Queue] implements it.
type Player interface {
	Enqueue(f playback.Fragment) uint64
	Reset() uint64
	Busy() bool
}

// Streamer is the streaming transport. [transport.Stream] implements it.
type Streamer interface {
	capture.FrameSink
	Acquire(ctx context.Context) error
	EndUtterance(ctx context.Context) error
	Close() error
}

// Requester is the request/response transport. [transport.Client]
// implements it.
type Requester interface {
	SubmitUtterance(ctx context.Context, sessionID, persona string, wav []byte) (transport.Reply, error)
	SubmitText(ctx context.Context, sessionID, text string) (transport.Reply, error)
}

// Compile-time interface assertions.
var (
	_ Capture   = (*capture.Pipeline)(nil)
	_ Player    = (*playback.Queue)(nil)
	_ Streamer  = (*transport.Stream)(nil)
	_ Requester = (*transport.Client)(nil)
)

// Option configures a [Machine].
type Option func(*Machine)

// WithStreamer selects streaming mode: frames go to s while listening and
// replies arrive as inbound messages.
func WithStreamer(s Streamer) Option {
	return func(m *Machine) { m.stream = s }
}

// WithRequester enables request/response submissions. Without a streamer,
// utterances are submitted through r as WAV uploads; typed text always is.
func WithRequester(r Requester) Option {
	return func(m *Machine) { m.requester = r }
}

// WithDisplay sets the user-facing display.
func WithDisplay(d Display) Option {
	return func(m *Machine) { m.display = d }
}

// WithFallback sets the clip played when the agent cannot be reached.
func WithFallback(clip []byte) Option {
	return func(m *Machine) { m.fallback = clip }
}

// WithRetryHook registers fn to run when the user retries after an error,
// before listening starts. The app resets the circuit breaker here.
func WithRetryHook(fn func()) Option {
	return func(m *Machine) { m.onRetry = fn }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Machine is the conversation state machine.
type Machine struct {
	session   *Session
	capture   Capture
	player    Player
	stream    Streamer
	requester Requester
	display   Display
	fallback  []byte
	onRetry   func()
	metrics   *observe.Metrics

	// Event queue. Post never blocks.
	qmu     sync.Mutex
	queue   []Event
	wake    chan struct{}
	stopped bool

	// Loop-owned state; touched only by Run.
	ctx        context.Context
	state      State
	status     string
	canRetry   bool
	voiceTurn  bool      // the reply in flight answers a spoken utterance
	fallbackOn bool      // the audio in the queue is the fallback clip
	heardReply bool      // first reply audio of the turn already started
	skipErr    error     // last reason a reply fragment of this generation was skipped
	gen        uint64    // playback generation; events of other generations are stale
	replyStart time.Time // when Processing began, for reply latency
	wg         sync.WaitGroup

	snap atomic.Pointer[Snapshot]
}

// New creates a machine in the Idle state.
func New(session *Session, c Capture, player Player, opts ...Option) *Machine {
	m := &Machine{
		session: session,
		capture: c,
		player:  player,
		wake:    make(chan struct{}, 1),
		state:   Idle,
		status:  StatusReady,
	}
	for _, o := range opts {
		o(m)
	}
	if m.display == nil {
		m.display = NopDisplay{}
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.publish()
	return m
}

// ── Inputs ────────────────────────────────────────────────────────────────────

// Post appends ev to the event queue. It never blocks and is safe to call
// from any goroutine, including transport and playback callbacks.
func (m *Machine) Post(ev Event) {
	m.qmu.Lock()
	if m.stopped {
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start asks the machine to begin listening.
func (m *Machine) Start() { m.Post(Event{Kind: EvStart}) }

// Stop asks the machine to stop listening and submit the utterance.
func (m *Machine) Stop() { m.Post(Event{Kind: EvStop}) }

// Toggle starts listening when not listening and stops otherwise.
func (m *Machine) Toggle() {
	if m.Snapshot().State == Listening.String() {
		m.Stop()
		return
	}
	m.Start()
}

// SubmitText asks the machine to send typed text.
func (m *Machine) SubmitText(text string) { m.Post(Event{Kind: EvText, Text: text}) }

// End ends the session.
func (m *Machine) End() { m.Post(Event{Kind: EvEnd}) }

// Retry starts listening again after an error.
func (m *Machine) Retry() { m.Post(Event{Kind: EvRetry}) }

// HandleMessage posts an inbound streaming message. It matches the callback
// signature of [transport.NewStream].
func (m *Machine) HandleMessage(msg transport.Message) {
	m.Post(Event{Kind: EvMessage, Message: msg})
}

// HandleTransportError posts a streaming transport failure.
func (m *Machine) HandleTransportError(err error) {
	m.Post(Event{Kind: EvTransportFailed, Err: err})
}

// HandlePlayback posts a playback queue event. It matches the callback
// signature of [playback.New].
func (m *Machine) HandlePlayback(ev playback.Event) {
	m.Post(Event{Kind: EvPlayback, Playback: ev})
}

// Snapshot returns the latest published view of the machine.
func (m *Machine) Snapshot() Snapshot { return *m.snap.Load() }

// Status returns the snapshot as an any, for the debug /status endpoint.
func (m *Machine) Status() any { return m.Snapshot() }

// ── Loop ──────────────────────────────────────────────────────────────────────

// Run applies events until ctx is cancelled, then releases the microphone,
// silences playback and waits for in-flight submissions to return.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	slog.Info("conversation: session started", "session_id", m.session.ID())

	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		}
		for {
			ev, ok := m.next()
			if !ok {
				break
			}
			m.handle(ev)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (m *Machine) next() (Event, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return Event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = Event{}
	m.queue = m.queue[1:]
	return ev, true
}

func (m *Machine) shutdown() {
	m.qmu.Lock()
	m.stopped = true
	m.queue = nil
	m.qmu.Unlock()

	m.stopCapture()
	m.resetPlayer()
	m.wg.Wait()
	slog.Info("conversation: session closed", "session_id", m.session.ID(), "turns", m.session.Turn())
}

func (m *Machine) handle(ev Event) {
	slog.Debug("conversation: event", "event", ev.Kind.String(), "state", m.state.String(), "turn", m.session.Turn())
	switch ev.Kind {
	case EvStart:
		m.onStart(false)
	case EvRetry:
		m.onStart(true)
	case EvStop:
		m.onStop()
	case EvText:
		m.onText(ev.Text)
	case EvEnd:
		m.onEnd()
	case EvMessage:
		m.onMessage(ev.Message)
	case EvTransportFailed:
		m.fail(ev.Err)
	case EvReply:
		m.onReply(ev)
	case EvReplyFailed:
		if !m.current(ev.Turn) {
			slog.Debug("conversation: dropping stale failure", "turn", ev.Turn, "err", ev.Err)
			return
		}
		m.fail(ev.Err)
	case EvPlayback:
		m.onPlayback(ev.Playback)
	}
	m.publish()
}

// ── Transitions ───────────────────────────────────────────────────────────────

func (m *Machine) onStart(retry bool) {
	switch m.state {
	case Ended:
		m.setStatus(StatusSessionEnded)
		return
	case Listening:
		// Already capturing; refresh the UI only.
		m.display.SetState(m.state)
		m.setStatus(StatusListening)
		return
	}
	if retry && m.canRetry && m.onRetry != nil {
		m.onRetry()
	}
	m.listen(false)
}

// listen opens the microphone and enters Listening. Playback is reset first
// so no audio of an earlier turn bleeds into the new one. A failed automatic
// resume falls back to Idle; a failed user start leaves the state as it was.
func (m *Machine) listen(auto bool) {
	var sink capture.FrameSink = capture.Discard
	if m.stream != nil {
		if err := m.stream.Acquire(m.ctx); err != nil {
			m.fail(err)
			return
		}
		sink = m.stream
	}

	if err := m.capture.Start(m.ctx, sink); err != nil {
		slog.Warn("conversation: microphone unavailable", "err", err)
		if errors.Is(err, audio.ErrPermissionDenied) {
			m.setStatus(StatusPermission)
		} else {
			m.setStatus(StatusMicUnavailable)
		}
		if auto {
			m.transition(Idle)
		}
		return
	}

	m.resetPlayer()
	turn := m.session.NextTurn()
	m.fallbackOn = false
	m.heardReply = false
	m.voiceTurn = true
	m.setRetry(false)
	m.transition(Listening)
	m.setStatus(StatusListening)
	slog.Debug("conversation: listening", "turn", turn)
}

func (m *Machine) onStop() {
	if m.state != Listening {
		return
	}
	m.finishUtterance(true)
}

// finishUtterance stops capture and hands the utterance to the transport.
// signal is false when the server itself ended the turn.
func (m *Machine) finishUtterance(signal bool) {
	utt := m.stopCapture()
	turn := m.session.Turn()
	m.transition(Processing)
	m.setStatus(StatusProcessing)
	m.replyStart = time.Now()

	if m.stream != nil {
		if !signal {
			return
		}
		if err := m.stream.EndUtterance(m.ctx); err != nil {
			m.fail(err)
		}
		return
	}

	if m.requester == nil {
		slog.Error("conversation: no transport configured for utterances")
		m.transition(Idle)
		return
	}
	if utt.Empty() {
		m.setStatus(StatusNoAudio)
		m.transition(Idle)
		return
	}
	wav, err := utt.WAV()
	if err != nil {
		slog.Error("conversation: encode utterance", "err", err)
		m.setStatus(StatusNoAudio)
		m.transition(Idle)
		return
	}
	m.submit(turn, true, func(ctx context.Context) (transport.Reply, error) {
		return m.requester.SubmitUtterance(ctx, m.session.ID(), m.session.Persona(), wav)
	})
}

func (m *Machine) onText(text string) {
	text = strings.TrimSpace(text)
	switch {
	case m.state == Ended:
		m.setStatus(StatusSessionEnded)
		return
	case text == "":
		m.setStatus(StatusEmptyText)
		return
	case m.requester == nil:
		m.setStatus(StatusTextDisabled)
		return
	}

	m.stopCapture()
	m.resetPlayer()
	turn := m.session.NextTurn()
	m.fallbackOn = false
	m.heardReply = false
	m.voiceTurn = false
	m.setRetry(false)
	m.display.ShowTranscript(User, text)
	m.transition(Processing)
	m.setStatus(StatusProcessing)
	m.replyStart = time.Now()

	m.submit(turn, false, func(ctx context.Context) (transport.Reply, error) {
		return m.requester.SubmitText(ctx, m.session.ID(), text)
	})
}

// submit runs one round trip off the loop and posts its outcome tagged with
// turn.
func (m *Machine) submit(turn uint64, voice bool, call func(context.Context) (transport.Reply, error)) {
	ctx, span := observe.StartSpan(m.ctx, "conversation.submit", observe.TurnAttributes(m.session.ID(), turn))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer span.End()
		reply, err := call(ctx)
		if err != nil {
			m.Post(Event{Kind: EvReplyFailed, Turn: turn, Voice: voice, Err: err})
			return
		}
		m.Post(Event{Kind: EvReply, Turn: turn, Voice: voice, Reply: reply})
	}()
}

func (m *Machine) onReply(ev Event) {
	if !m.current(ev.Turn) || m.state != Processing {
		slog.Debug("conversation: dropping stale reply", "turn", ev.Turn, "current", m.session.Turn(), "state", m.state.String())
		return
	}
	r := ev.Reply
	if r.Transcription != "" && ev.Voice {
		m.display.ShowTranscript(User, r.Transcription)
	}
	if r.Response != "" {
		m.display.ShowTranscript(Agent, r.Response)
	}
	if r.AudioURL == "" {
		slog.Warn("conversation: reply without audio", "turn", ev.Turn)
		m.setStatus(StatusNoReplyAudio)
		m.speakFallback(Speaking)
		return
	}
	m.player.Enqueue(playback.Fragment{URL: r.AudioURL, Turn: ev.Turn})
	m.transition(Speaking)
	m.setStatus(StatusSpeaking)
}

func (m *Machine) onMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeSessionStart:
		slog.Info("conversation: server session started", "session_id", m.session.ID())

	case transport.TypeTurnUpdate:
		if m.state == Listening {
			m.display.ShowPartial(msg.Text)
		}

	case transport.TypeTurnEnd:
		if msg.Text != "" {
			m.display.ShowTranscript(User, msg.Text)
		}
		if m.state == Listening {
			m.finishUtterance(false)
		}

	case transport.TypeAIText:
		if msg.Text != "" {
			m.display.ShowTranscript(Agent, msg.Text)
		}

	case transport.TypeAudioStart:
		if m.state == Processing {
			m.transition(Speaking)
			m.setStatus(StatusSpeaking)
		}

	case transport.TypeAudioChunk:
		if m.state != Processing && m.state != Speaking {
			slog.Debug("conversation: dropping audio outside a reply", "state", m.state.String())
			return
		}
		data, err := msg.Audio()
		if err != nil {
			slog.Warn("conversation: malformed audio chunk", "turn", m.session.Turn(), "err", err)
			m.metrics.RecordSkip(m.ctx, "malformed")
			return
		}
		m.player.Enqueue(playback.Fragment{Data: data, Turn: m.session.Turn()})
		if m.state == Processing {
			m.transition(Speaking)
			m.setStatus(StatusSpeaking)
		}

	case transport.TypeSessionEnd:
		m.session.End()
		m.setStatus(StatusSessionEnded)
		slog.Info("conversation: server ended the session", "session_id", m.session.ID())
		switch m.state {
		case Listening:
			m.stopCapture()
			m.transition(Idle)
		case Processing:
			m.transition(Idle)
		case Speaking:
			if !m.player.Busy() {
				m.transition(Idle)
			}
		}
	}
}

func (m *Machine) onPlayback(ev playback.Event) {
	if ev.Gen != m.gen {
		slog.Debug("conversation: dropping stale playback event", "event", ev.Kind.String(), "gen", ev.Gen, "current", m.gen)
		return
	}
	switch ev.Kind {
	case playback.Started:
		if ev.Fragment.Fallback || m.heardReply || m.state != Speaking {
			return
		}
		m.heardReply = true
		if !m.replyStart.IsZero() {
			m.metrics.ReplyLatency.Record(m.ctx, time.Since(m.replyStart).Seconds())
		}
	case playback.Skipped:
		slog.Debug("conversation: fragment skipped", "seq", ev.Fragment.Seq, "err", ev.Err)
		if !ev.Fragment.Fallback {
			m.skipErr = ev.Err
		}
	case playback.Idle:
		m.onPlaybackIdle()
	}
}

// onPlaybackIdle decides what follows a finished reply. Listening resumes
// on its own only after a genuine spoken-turn reply was actually heard in a
// session that has not ended.
func (m *Machine) onPlaybackIdle() {
	switch m.state {
	case Error:
		m.transition(Idle)
	case Speaking:
		switch {
		case m.fallbackOn:
			m.transition(Idle)
		case !m.heardReply:
			m.replyUnplayable()
		case m.session.Ended():
			m.transition(Idle)
		case !m.voiceTurn:
			m.transition(Idle)
			m.setStatus(StatusReady)
		default:
			m.listen(true)
		}
	}
}

// replyUnplayable handles a reply whose audio was skipped entirely. A fetch
// or server failure is a transport failure; anything else ends the turn with
// a status line.
func (m *Machine) replyUnplayable() {
	err := m.skipErr
	var se *transport.ServerError
	if errors.Is(err, playback.ErrFetch) || errors.As(err, &se) {
		m.fail(err)
		return
	}
	slog.Warn("conversation: reply audio could not be played", "turn", m.session.Turn(), "err", err)
	m.transition(Idle)
	m.setStatus(StatusUnplayable)
}

func (m *Machine) onEnd() {
	if m.state == Ended {
		return
	}
	m.session.End()
	m.stopCapture()
	m.resetPlayer()
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			slog.Debug("conversation: close stream", "err", err)
		}
	}
	m.setRetry(false)
	m.transition(Ended)
	m.setStatus(StatusSessionEnded)
}

// fail handles a transport or server failure: the turn is aborted, the
// fallback clip plays and the retry affordance is shown. Nothing restarts on
// its own.
func (m *Machine) fail(err error) {
	if m.state == Ended {
		slog.Debug("conversation: ignoring failure after end", "err", err)
		return
	}
	slog.Error("conversation: turn failed", "turn", m.session.Turn(), "state", m.state.String(), "err", err)
	m.stopCapture()
	m.setStatus(failureStatus(err))
	m.setRetry(true)
	m.speakFallback(Error)
}

// speakFallback replaces the queue with the fallback clip and enters to.
// Without a clip the machine goes straight to Idle.
func (m *Machine) speakFallback(to State) {
	m.resetPlayer()
	m.fallbackOn = true
	if len(m.fallback) == 0 {
		m.transition(to)
		m.transition(Idle)
		return
	}
	m.player.Enqueue(playback.FallbackFragment(m.fallback, m.session.Turn()))
	m.transition(to)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (m *Machine) current(turn uint64) bool { return m.session.IsCurrent(turn) }

// resetPlayer silences playback and starts a new playback generation.
func (m *Machine) resetPlayer() {
	m.gen = m.player.Reset()
	m.skipErr = nil
}

func (m *Machine) stopCapture() capture.Utterance {
	if !m.capture.Running() {
		return capture.Utterance{}
	}
	u, err := m.capture.Stop()
	if err != nil {
		slog.Warn("conversation: stop capture", "err", err)
	}
	return u
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Info("conversation: state changed", "from", from.String(), "to", to.String(), "turn", m.session.Turn())
	m.display.SetState(to)
}

func (m *Machine) setStatus(msg string) {
	m.status = msg
	m.display.SetStatus(msg)
}

func (m *Machine) setRetry(v bool) {
	if m.canRetry == v {
		return
	}
	m.canRetry = v
	m.display.SetRetry(v)
}

func (m *Machine) publish() {
	m.snap.Store(&Snapshot{
		SessionID: m.session.ID(),
		State:     m.state.String(),
		Status:    m.status,
		Turn:      m.session.Turn(),
		Ended:     m.session.Ended(),
		CanRetry:  m.canRetry,
	})
}

// failureStatus renders err as a status line.
func failureStatus(err error) string {
	var se *transport.ServerError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("The agent returned an error (%d). Press retry to try again.", se.StatusCode)
	case errors.Is(err, transport.ErrTransport):
		return "Connection to the agent failed. Press retry to try again."
	default:
		return "Something went wrong. Press retry to try again."
	}
}
