// Package app wires the voxloop subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the conversation until the context is cancelled
// or the user quits, and Shutdown tears everything down in order.
//
// For testing, inject audio devices and a display via functional options
// (WithDevices, WithDisplay). When an option is not provided, New opens the
// local microphone and speaker and renders to stdout.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/conversation"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/internal/ui"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/local"
)

// Devices holds the audio endpoints. Nil fields are opened locally.
type Devices struct {
	Microphone audio.Microphone
	Speaker    audio.Sink
}

// Display is what the conversation renders to: status, transcripts and the
// capture level bars. [ui.Terminal] implements it.
type Display interface {
	conversation.Display
	capture.Visualizer
}

var _ Display = (*ui.Terminal)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	devices    Devices
	display    Display
	input      io.Reader
	metrics    *observe.Metrics
	level      *slog.LevelVar

	// Subsystems; initialised in New, torn down in Shutdown.
	session  *conversation.Session
	client   *transport.Client
	stream   *transport.Stream
	queue    *playback.Queue
	pipeline *capture.Pipeline
	machine  *conversation.Machine
	watcher  *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects audio devices instead of opening local ones.
func WithDevices(d Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithDisplay injects the display instead of a stdout terminal.
func WithDisplay(d Display) Option {
	return func(a *App) { a.display = d }
}

// WithInput sets the command source read by Run. Defaults to stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.input = r }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads adjust the log level of the handler
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Devices that were
// not injected are opened here, so New fails when no speaker is available.
// Microphone access is only requested when listening starts.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.input == nil {
		a.input = os.Stdin
	}
	if a.display == nil {
		a.display = ui.New(os.Stdout, cfg.Client.UI)
	}

	a.session = conversation.NewSession(cfg.Session.ID, cfg.Session.Persona)

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 3. Playback ──────────────────────────────────────────────────────
	fallback, err := playback.LoadFallback(cfg.Playback.FallbackAudio)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	qopts := []playback.Option{
		playback.WithMinFragmentBytes(cfg.Playback.MinFragmentBytes),
		playback.WithSkipDelay(cfg.Playback.SkipDelay),
		playback.WithMaxConsecutiveSkips(cfg.Playback.MaxConsecutiveSkips),
		playback.WithMetrics(a.metrics),
	}
	if a.client != nil {
		qopts = append(qopts, playback.WithFetcher(a.client))
	}
	a.queue = playback.New(a.devices.Speaker, a.onPlayback, qopts...)
	a.closers = append(a.closers, a.queue.Close)

	// ── 4. Capture ───────────────────────────────────────────────────────
	copts := []capture.Option{
		capture.WithBars(cfg.Capture.Bars),
		capture.WithRefreshInterval(cfg.Capture.RefreshInterval),
		capture.WithFFTSize(cfg.Capture.FFTSize),
		capture.WithMetrics(a.metrics),
	}
	if !cfg.Capture.DisableVisualizer {
		copts = append(copts, capture.WithVisualizer(a.display))
	}
	a.pipeline = capture.New(a.devices.Microphone, copts...)

	// ── 5. Conversation ──────────────────────────────────────────────────
	mopts := []conversation.Option{
		conversation.WithDisplay(a.display),
		conversation.WithFallback(fallback),
		conversation.WithMetrics(a.metrics),
		conversation.WithRetryHook(a.onRetry),
	}
	if a.stream != nil {
		mopts = append(mopts, conversation.WithStreamer(a.stream))
	}
	if a.client != nil {
		mopts = append(mopts, conversation.WithRequester(a.client))
	}
	a.machine = conversation.New(a.session, a.pipeline, a.queue, mopts...)

	slog.Info("app initialised",
		"session_id", a.session.ID(),
		"mode", cfg.Transport.Mode,
		"stream_url", cfg.Transport.StreamURL,
		"base_url", cfg.Transport.BaseURL,
	)
	return a, nil
}

func (a *App) initDevices() error {
	if a.devices.Microphone == nil {
		a.devices.Microphone = local.NewMicrophone()
	}
	if a.devices.Speaker == nil {
		spk, err := local.NewSpeaker(audio.Format{
			SampleRate: a.cfg.Playback.SampleRate,
			Channels:   a.cfg.Playback.Channels,
		})
		if err != nil {
			return err
		}
		a.devices.Speaker = spk
	}
	return nil
}

func (a *App) initTransport() error {
	t := a.cfg.Transport
	if t.BaseURL != "" {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "agent",
			MaxFailures:  t.Breaker.MaxFailures,
			ResetTimeout: t.Breaker.ResetTimeout,
			IsFailure:    transport.IsBreakerFailure,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		})
		client, err := transport.NewClient(t.BaseURL,
			transport.WithHeaders(t.Headers),
			transport.WithTimeout(t.RequestTimeout),
			transport.WithBreaker(breaker),
			transport.WithClientMetrics(a.metrics),
		)
		if err != nil {
			return err
		}
		a.client = client
	}

	if t.Mode == config.ModeStreaming {
		header := http.Header{}
		for k, v := range t.Headers {
			header.Set(k, v)
		}
		a.stream = transport.NewStream(t.StreamURL, a.onMessage, a.onTransportError,
			transport.WithHeader(header),
			transport.WithDialTimeout(t.DialTimeout),
			transport.WithOutboundBuffer(t.OutboundBuffer),
			transport.WithEndOfUtterance(t.EndOfUtterance),
			transport.WithStreamMetrics(a.metrics),
		)
		a.closers = append(a.closers, a.stream.Close)
	}
	return nil
}

// Callbacks from the transport and playback queue. They never fire during
// New: nothing is dialled or enqueued until Run.
func (a *App) onMessage(msg transport.Message) { a.machine.HandleMessage(msg) }

func (a *App) onTransportError(err error) { a.machine.HandleTransportError(err) }

func (a *App) onPlayback(ev playback.Event) { a.machine.HandlePlayback(ev) }

func (a *App) onRetry() {
	if a.client != nil {
		a.client.Breaker().Reset()
	}
}

// Machine returns the conversation state machine.
func (a *App) Machine() *conversation.Machine { return a.machine }

// Session returns the conversation session.
func (a *App) Session() *conversation.Session { return a.session }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the conversation and blocks until ctx is cancelled or the user
// quits. It serves the debug endpoints when configured and watches the config
// file for changes.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.machine.Run(gctx)
	})

	if addr := a.cfg.Client.DebugAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.debugHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("debug server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			a.watcher = w
			a.closers = append(a.closers, func() error { w.Stop(); return nil })
		}
	}

	// Reading stdin cannot be interrupted, so the command loop runs outside
	// the group and only ever cancels it.
	go func() {
		a.readCommands(a.input)
		cancel()
	}()

	a.display.SetStatus(conversation.StatusReady)
	slog.Info("app running", "session_id", a.session.ID())
	err := g.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// applyConfig applies the live-reloadable parts of a changed config.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IsZero() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PlaybackChanged {
		p := new.Playback
		a.queue.SetSkipPolicy(p.MinFragmentBytes, p.SkipDelay, p.MaxConsecutiveSkips)
		slog.Info("playback skip policy changed",
			"min_fragment_bytes", p.MinFragmentBytes,
			"skip_delay", p.SkipDelay,
			"max_consecutive_skips", p.MaxConsecutiveSkips,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Release the microphone first.
		if _, err := a.pipeline.Stop(); err != nil {
			slog.Warn("capture stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
