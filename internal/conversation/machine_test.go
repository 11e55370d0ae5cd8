package conversation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/internal/conversation"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/mock"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeStream struct {
	mu         sync.Mutex
	acquireErr error
	acquires   int
	frames     int
	ends       int
	closes     int
}

func (s *fakeStream) Acquire(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires++
	return s.acquireErr
}

func (s *fakeStream) SendFrame(audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return true
}

func (s *fakeStream) EndUtterance(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// gatedRequester blocks each call until release receives a reply.
type gatedRequester struct {
	release chan transport.Reply
	calls   atomic.Int32
}

func (r *gatedRequester) SubmitUtterance(ctx context.Context, _, _ string, _ []byte) (transport.Reply, error) {
	r.calls.Add(1)
	select {
	case reply := <-r.release:
		return reply, nil
	case <-ctx.Done():
		return transport.Reply{}, ctx.Err()
	}
}

func (r *gatedRequester) SubmitText(ctx context.Context, sessionID, _ string) (transport.Reply, error) {
	return r.SubmitUtterance(ctx, sessionID, "", nil)
}

type line struct {
	who  conversation.Speaker
	text string
}

type displayRecorder struct {
	mu       sync.Mutex
	states   []conversation.State
	statuses []string
	retry    bool
	partial  string
	lines    []line
}

func (d *displayRecorder) SetState(s conversation.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = append(d.states, s)
}

func (d *displayRecorder) SetStatus(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, msg)
}

func (d *displayRecorder) SetRetry(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retry = v
}

func (d *displayRecorder) ShowPartial(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.partial = text
}

func (d *displayRecorder) ShowTranscript(who conversation.Speaker, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, line{who, text})
}

func (d *displayRecorder) sawState(s conversation.State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, got := range d.states {
		if got == s {
			return true
		}
	}
	return false
}

func (d *displayRecorder) said(who conversation.Speaker, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		if l.who == who && l.text == text {
			return true
		}
	}
	return false
}

// ── Harness ───────────────────────────────────────────────────────────────────

const waitTimeout = 3 * time.Second

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type harness struct {
	m       *conversation.Machine
	session *conversation.Session
	mic     *mock.Microphone
	sink    *mock.Sink
	dec     *mock.Decoder
	queue   *playback.Queue
	disp    *displayRecorder
}

type harnessConfig struct {
	gate      bool
	skipDelay time.Duration
	fetcher   playback.Fetcher
	fallback  []byte
	decodeErr error
	opts      []conversation.Option
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	metrics := testMetrics(t)
	h := &harness{
		session: conversation.NewSession("sess-test", "Tutor"),
		mic:     &mock.Microphone{},
		sink:    &mock.Sink{},
		dec:     &mock.Decoder{DecodeError: cfg.decodeErr},
		disp:    &displayRecorder{},
	}
	if cfg.gate {
		h.sink.Gate = make(chan struct{})
	}

	if cfg.skipDelay == 0 {
		cfg.skipDelay = time.Millisecond
	}

	var m *conversation.Machine
	qopts := []playback.Option{
		playback.WithDecoders(h.dec),
		playback.WithSkipDelay(cfg.skipDelay),
		playback.WithMetrics(metrics),
	}
	if cfg.fetcher != nil {
		qopts = append(qopts, playback.WithFetcher(cfg.fetcher))
	}
	h.queue = playback.New(h.sink, func(ev playback.Event) { m.HandlePlayback(ev) }, qopts...)

	opts := append([]conversation.Option{
		conversation.WithDisplay(h.disp),
		conversation.WithFallback(cfg.fallback),
		conversation.WithMetrics(metrics),
	}, cfg.opts...)
	pipe := capture.New(h.mic, capture.WithMetrics(metrics))
	m = conversation.New(h.session, pipe, h.queue, opts...)
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = h.queue.Close()
	})
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, s conversation.State) {
	t.Helper()
	eventually(t, "state "+s.String(), func() bool { return h.m.Snapshot().State == s.String() })
}

func (h *harness) release(t *testing.T) {
	t.Helper()
	select {
	case h.sink.Gate <- struct{}{}:
	case <-time.After(waitTimeout):
		t.Fatal("timed out releasing the sink")
	}
}

// agentServer serves the request/response endpoints. chat handles
// /agent/chat/; audio is served from /audio/reply.mp3.
func agentServer(t *testing.T, chat http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/agent/chat/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		chat(w, r)
	})
	mux.HandleFunc("/tts/generate", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(transport.Reply{AudioURL: "/audio/reply.mp3"})
	})
	mux.HandleFunc("/audio/reply.mp3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0x11}, 600))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newClient(t *testing.T, srv *httptest.Server) *transport.Client {
	t.Helper()
	c, err := transport.NewClient(srv.URL,
		transport.WithHTTPClient(srv.Client()),
		transport.WithClientMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func chunk(n int) transport.Message {
	return transport.Message{Type: transport.TypeAudioChunk, Data: strings.Repeat("A", n)}
}

func speak(t *testing.T, h *harness) {
	t.Helper()
	h.m.Start()
	h.waitState(t, conversation.Listening)
	h.mic.Last().Emit(make([]float32, 2*audio.FrameSamples))
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestScenarioA_StreamedReplyThenSessionEnd(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{}
	h := newHarness(t, harnessConfig{gate: true, opts: []conversation.Option{conversation.WithStreamer(stream)}})

	speak(t, h)
	h.m.HandleMessage(transport.Message{Type: transport.TypeTurnEnd, Text: "hello"})
	h.m.HandleMessage(chunk(5000))
	h.m.HandleMessage(transport.Message{Type: transport.TypeSessionEnd})

	eventually(t, "session end", func() bool { return h.m.Snapshot().Ended })
	h.release(t)
	h.waitState(t, conversation.Idle)

	if !h.disp.said(conversation.User, "hello") {
		t.Error(`chat log does not show "hello"`)
	}
	if n := h.sink.PlayCount(); n != 1 {
		t.Errorf("PlayCount = %d, want 1", n)
	}
	if got := h.m.Snapshot().Status; got != conversation.StatusSessionEnded {
		t.Errorf("status = %q, want %q", got, conversation.StatusSessionEnded)
	}
	if n := h.mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1 (no auto-resume after session end)", n)
	}
	if !h.mic.Last().Closed() {
		t.Error("microphone still held after turn_end")
	}
}

func TestScenarioB_EmptyTextMakesNoRequest(t *testing.T) {
	t.Parallel()

	srv, hits := agentServer(t, func(w http.ResponseWriter, r *http.Request) {})
	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithRequester(newClient(t, srv))}})

	h.m.SubmitText("   \t ")
	eventually(t, "validation message", func() bool {
		return h.m.Snapshot().Status == conversation.StatusEmptyText
	})
	if n := hits.Load(); n != 0 {
		t.Errorf("server hit %d times, want 0", n)
	}
	if s := h.m.Snapshot().State; s != conversation.Idle.String() {
		t.Errorf("state = %s, want idle", s)
	}
}

func TestScenarioC_ServerErrorPlaysFallbackThenIdle(t *testing.T) {
	t.Parallel()

	srv, hits := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	clip := bytes.Repeat([]byte{0x7F}, 400)
	h := newHarness(t, harnessConfig{
		fallback: clip,
		opts:     []conversation.Option{conversation.WithRequester(newClient(t, srv))},
	})

	speak(t, h)
	h.m.Stop()
	eventually(t, "fallback played then idle", func() bool {
		return h.sink.PlayCount() == 1 && h.m.Snapshot().State == conversation.Idle.String()
	})

	if !h.disp.sawState(conversation.Error) {
		t.Error("machine never entered Error")
	}
	snap := h.m.Snapshot()
	if !strings.Contains(snap.Status, "500") {
		t.Errorf("status = %q, want a failure message naming the status code", snap.Status)
	}
	if !snap.CanRetry {
		t.Error("retry affordance not offered")
	}
	if !bytes.Equal(h.sink.Played[0], clip) {
		t.Error("played audio is not the fallback clip")
	}
	time.Sleep(20 * time.Millisecond)
	if n := h.mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1 (no auto-retry)", n)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func TestScenarioD_UndersizedChunkSkippedNextPlays(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		skipDelay: 20 * time.Millisecond,
		opts:      []conversation.Option{conversation.WithStreamer(&fakeStream{})},
	})

	speak(t, h)
	h.m.HandleMessage(transport.Message{Type: transport.TypeTurnEnd, Text: "hi"})
	h.m.HandleMessage(chunk(50))
	h.m.HandleMessage(chunk(5000))

	eventually(t, "second fragment played", func() bool { return h.sink.PlayCount() == 1 })
	if n := h.dec.Calls(); n != 1 {
		t.Errorf("decoder calls = %d, want 1 (undersized fragment never decoded)", n)
	}
	if len(h.dec.Inputs[0]) != 3750 {
		t.Errorf("decoder saw %d bytes, want 3750", len(h.dec.Inputs[0]))
	}

	// A genuine reply with the session still open resumes listening.
	eventually(t, "auto-resume", func() bool { return h.mic.Opens() == 2 })
	h.waitState(t, conversation.Listening)
	if turn := h.m.Snapshot().Turn; turn != 2 {
		t.Errorf("turn = %d, want 2", turn)
	}
}

// ── Transitions ───────────────────────────────────────────────────────────────

func TestRequestMode_GenuineReplyAutoResumes(t *testing.T) {
	t.Parallel()

	srv, _ := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"transcription":"how are you","response":"fine","audioUrl":"/audio/reply.mp3"}`)
	})
	client := newClient(t, srv)
	h := newHarness(t, harnessConfig{
		fetcher: client,
		opts:    []conversation.Option{conversation.WithRequester(client)},
	})

	speak(t, h)
	h.m.Stop()
	eventually(t, "auto-resume", func() bool { return h.mic.Opens() == 2 })
	h.waitState(t, conversation.Listening)

	if !h.disp.sawState(conversation.Speaking) {
		t.Error("machine never entered Speaking")
	}
	if !h.disp.said(conversation.User, "how are you") || !h.disp.said(conversation.Agent, "fine") {
		t.Errorf("chat log = %+v", h.disp.lines)
	}
	if n := h.sink.PlayCount(); n != 1 || len(h.sink.Played[0]) != 600 {
		t.Errorf("played %d buffers, want the fetched reply", n)
	}
}

func TestReplyWithoutAudio_FallbackLeadsToIdle(t *testing.T) {
	t.Parallel()

	srv, _ := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"transcription":"hm","response":"..."}`)
	})
	h := newHarness(t, harnessConfig{
		fallback: bytes.Repeat([]byte{1}, 200),
		opts:     []conversation.Option{conversation.WithRequester(newClient(t, srv))},
	})

	speak(t, h)
	h.m.Stop()
	eventually(t, "fallback played", func() bool { return h.sink.PlayCount() == 1 })
	h.waitState(t, conversation.Idle)

	if !h.disp.sawState(conversation.Speaking) {
		t.Error("machine never entered Speaking")
	}
	time.Sleep(20 * time.Millisecond)
	if s := h.m.Snapshot().State; s != conversation.Idle.String() {
		t.Errorf("state = %s, want idle after fallback", s)
	}
	if n := h.mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1", n)
	}
}

func TestReplyAudioFetchFails_EntersError(t *testing.T) {
	t.Parallel()

	srv, _ := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"transcription":"hi","response":"hello","audioUrl":"/audio/missing.mp3"}`)
	})
	client := newClient(t, srv)
	clip := bytes.Repeat([]byte{0x7F}, 400)
	h := newHarness(t, harnessConfig{
		fetcher:  client,
		fallback: clip,
		opts:     []conversation.Option{conversation.WithRequester(client)},
	})

	speak(t, h)
	h.m.Stop()
	eventually(t, "fallback played then idle", func() bool {
		return h.sink.PlayCount() == 1 && h.m.Snapshot().State == conversation.Idle.String()
	})

	if !h.disp.sawState(conversation.Error) {
		t.Error("machine never entered Error")
	}
	snap := h.m.Snapshot()
	if !strings.Contains(snap.Status, "404") {
		t.Errorf("status = %q, want a failure message naming 404", snap.Status)
	}
	if !snap.CanRetry {
		t.Error("retry affordance not offered")
	}
	if !bytes.Equal(h.sink.Played[0], clip) {
		t.Error("played audio is not the fallback clip")
	}
	time.Sleep(20 * time.Millisecond)
	if n := h.mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1 (no auto-resume)", n)
	}
}

func TestReplyAudioUndecodable_IdleWithoutResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		decodeErr: errors.New("garbage"),
		opts:      []conversation.Option{conversation.WithStreamer(&fakeStream{})},
	})

	speak(t, h)
	h.m.HandleMessage(transport.Message{Type: transport.TypeTurnEnd, Text: "hi"})
	h.m.HandleMessage(chunk(5000))
	h.m.HandleMessage(chunk(5000))

	eventually(t, "unplayable status", func() bool {
		s := h.m.Snapshot()
		return s.State == conversation.Idle.String() && s.Status == conversation.StatusUnplayable
	})
	time.Sleep(20 * time.Millisecond)
	if n := h.mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1 (no auto-resume)", n)
	}
	if n := h.sink.PlayCount(); n != 0 {
		t.Errorf("PlayCount = %d, want 0", n)
	}
	if h.disp.sawState(conversation.Error) {
		t.Error("undecodable audio is not a transport failure")
	}
}

func TestStalePlaybackEventIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gate:     true,
		fallback: bytes.Repeat([]byte{2}, 200),
		opts:     []conversation.Option{conversation.WithStreamer(&fakeStream{})},
	})

	speak(t, h)
	h.m.HandleTransportError(fmt.Errorf("%w: read: connection reset", transport.ErrTransport))
	eventually(t, "fallback on air", func() bool { return h.sink.PlayCount() == 1 })
	h.waitState(t, conversation.Error)

	// An Idle from before the fallback was queued must not end the Error state.
	h.m.HandlePlayback(playback.Event{Kind: playback.Idle, Gen: 0})
	time.Sleep(30 * time.Millisecond)
	if s := h.m.Snapshot().State; s != conversation.Error.String() {
		t.Fatalf("state = %s while the fallback is still playing, want error", s)
	}

	h.release(t)
	h.waitState(t, conversation.Idle)
}

func TestTextReply_DoesNotAutoResume(t *testing.T) {
	t.Parallel()

	srv, hits := agentServer(t, func(w http.ResponseWriter, r *http.Request) {})
	client := newClient(t, srv)
	h := newHarness(t, harnessConfig{
		fetcher: client,
		opts:    []conversation.Option{conversation.WithRequester(client)},
	})

	h.m.SubmitText("  good morning ")
	eventually(t, "reply played", func() bool { return h.sink.PlayCount() == 1 })
	h.waitState(t, conversation.Idle)

	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
	if !h.disp.said(conversation.User, "good morning") {
		t.Error("typed text not shown in chat log")
	}
	if h.mic.Opens() != 0 {
		t.Errorf("microphone opened %d times, want 0", h.mic.Opens())
	}
	if got := h.m.Snapshot().Status; got != conversation.StatusReady {
		t.Errorf("status = %q, want %q", got, conversation.StatusReady)
	}
}

func TestStaleReplyIsDropped(t *testing.T) {
	t.Parallel()

	req := &gatedRequester{release: make(chan transport.Reply)}
	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithRequester(req)}})

	speak(t, h)
	h.m.Stop()
	h.waitState(t, conversation.Processing)
	eventually(t, "request issued", func() bool { return req.calls.Load() == 1 })

	// The user starts over before the first reply arrives.
	h.m.Start()
	eventually(t, "second turn", func() bool { return h.m.Snapshot().Turn == 2 })
	h.waitState(t, conversation.Listening)

	req.release <- transport.Reply{AudioURL: "/late.mp3"}
	time.Sleep(30 * time.Millisecond)

	if s := h.m.Snapshot().State; s != conversation.Listening.String() {
		t.Errorf("state = %s, want listening (stale reply ignored)", s)
	}
	if h.queue.Busy() || h.sink.PlayCount() != 0 {
		t.Error("stale reply reached the playback queue")
	}
}

func TestUserEnd_IsMonotone(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{}
	h := newHarness(t, harnessConfig{gate: true, opts: []conversation.Option{conversation.WithStreamer(stream)}})

	speak(t, h)
	h.m.HandleMessage(transport.Message{Type: transport.TypeTurnEnd, Text: "bye"})
	h.m.HandleMessage(chunk(400))
	eventually(t, "reply playing", func() bool { return h.sink.PlayCount() == 1 })

	h.m.End()
	h.waitState(t, conversation.Ended)
	eventually(t, "playback halted", func() bool { return h.sink.Cancelled() == 1 })
	if stream.closed() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.closed())
	}

	// Late audio and restarts are ignored once ended.
	h.m.HandleMessage(chunk(400))
	h.m.Start()
	h.m.SubmitText("still there?")
	time.Sleep(30 * time.Millisecond)

	snap := h.m.Snapshot()
	if snap.State != conversation.Ended.String() || !snap.Ended {
		t.Errorf("snapshot = %+v, want ended", snap)
	}
	if h.mic.Opens() != 1 {
		t.Errorf("microphone opened %d times, want 1", h.mic.Opens())
	}
	if h.sink.PlayCount() != 1 {
		t.Errorf("PlayCount = %d, want 1", h.sink.PlayCount())
	}
}

func TestPermissionDenied_StateUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithStreamer(&fakeStream{})}})
	h.mic.OpenError = fmt.Errorf("local: %w", audio.ErrPermissionDenied)

	h.m.Start()
	eventually(t, "permission status", func() bool {
		return h.m.Snapshot().Status == conversation.StatusPermission
	})
	snap := h.m.Snapshot()
	if snap.State != conversation.Idle.String() || snap.Turn != 0 {
		t.Errorf("snapshot = %+v, want idle at turn 0", snap)
	}
}

func TestTransportFailure_ErrorThenIdleThenRetry(t *testing.T) {
	t.Parallel()

	var retries atomic.Int32
	h := newHarness(t, harnessConfig{
		fallback: bytes.Repeat([]byte{2}, 200),
		opts: []conversation.Option{
			conversation.WithStreamer(&fakeStream{}),
			conversation.WithRetryHook(func() { retries.Add(1) }),
		},
	})

	speak(t, h)
	h.m.HandleTransportError(fmt.Errorf("%w: read: connection reset", transport.ErrTransport))

	eventually(t, "fallback then idle", func() bool {
		return h.sink.PlayCount() == 1 && h.m.Snapshot().State == conversation.Idle.String()
	})
	if !h.disp.sawState(conversation.Error) {
		t.Error("machine never entered Error")
	}
	if !h.mic.Last().Closed() {
		t.Error("microphone still held after failure")
	}
	if !h.m.Snapshot().CanRetry {
		t.Error("retry affordance not offered")
	}

	h.m.Retry()
	h.waitState(t, conversation.Listening)
	if retries.Load() != 1 {
		t.Errorf("retry hook ran %d times, want 1", retries.Load())
	}
	if h.m.Snapshot().CanRetry {
		t.Error("retry affordance still shown while listening")
	}
}

func TestAcquireFailure_EntersError(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{acquireErr: fmt.Errorf("%w: dial: refused", transport.ErrTransport)}
	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithStreamer(stream)}})

	h.m.Start()
	h.waitState(t, conversation.Idle)
	eventually(t, "error observed", func() bool { return h.disp.sawState(conversation.Error) })
	if h.mic.Opens() != 0 {
		t.Errorf("microphone opened %d times, want 0", h.mic.Opens())
	}
}

func TestStart_IsIdempotentWhileListening(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{}
	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithStreamer(stream)}})

	h.m.Start()
	h.m.Start()
	h.m.Start()
	h.waitState(t, conversation.Listening)
	time.Sleep(20 * time.Millisecond)

	if h.mic.Opens() != 1 {
		t.Errorf("microphone opened %d times, want 1", h.mic.Opens())
	}
	if h.m.Snapshot().Turn != 1 {
		t.Errorf("turn = %d, want 1", h.m.Snapshot().Turn)
	}
}

func TestStreaming_FramesReachStreamAndStopSignalsEnd(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{}
	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithStreamer(stream)}})

	speak(t, h)
	h.m.HandleMessage(transport.Message{Type: transport.TypeTurnUpdate, Text: "hel"})
	eventually(t, "frames sent", func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.frames == 2
	})
	h.m.Toggle()
	h.waitState(t, conversation.Processing)

	stream.mu.Lock()
	ends := stream.ends
	stream.mu.Unlock()
	if ends != 1 {
		t.Errorf("EndUtterance called %d times, want 1", ends)
	}
	h.disp.mu.Lock()
	partial := h.disp.partial
	h.disp.mu.Unlock()
	if partial != "hel" {
		t.Errorf("partial transcript = %q, want %q", partial, "hel")
	}
}

func TestAudioOutsideReplyIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{opts: []conversation.Option{conversation.WithStreamer(&fakeStream{})}})
	h.m.HandleMessage(chunk(5000))
	speak(t, h)
	h.m.HandleMessage(chunk(5000))
	time.Sleep(30 * time.Millisecond)

	if h.queue.Busy() || h.sink.PlayCount() != 0 {
		t.Error("audio outside Processing/Speaking reached playback")
	}
}

func TestFailureStatusMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server", &transport.ServerError{Endpoint: "chat", StatusCode: 503}, "503"},
		{"transport", fmt.Errorf("%w: dial", transport.ErrTransport), "Connection"},
		{"other", errors.New("odd"), "went wrong"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, harnessConfig{})
			h.m.HandleTransportError(tc.err)
			eventually(t, "failure status", func() bool {
				return strings.Contains(h.m.Snapshot().Status, tc.want)
			})
		})
	}
}
