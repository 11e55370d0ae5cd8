// Package config provides the configuration schema and loader for the
// voxloop voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how utterances reach the remote agent.
type Mode string

const (
	// ModeStreaming sends 50 ms PCM frames over a websocket while the user
	// speaks and receives control messages and audio fragments back.
	ModeStreaming Mode = "streaming"

	// ModeRequest records the whole utterance and submits it as one WAV blob
	// over HTTP; the reply carries a URL to the synthesized answer.
	ModeRequest Mode = "request"
)

// IsValid reports whether m is a recognised transport mode.
func (m Mode) IsValid() bool {
	return m == ModeStreaming || m == ModeRequest
}

// UIMode selects the terminal renderer.
type UIMode string

const (
	UIAuto  UIMode = "auto"
	UIANSI  UIMode = "ansi"
	UIPlain UIMode = "plain"
)

// IsValid reports whether u is a recognised UI mode.
func (u UIMode) IsValid() bool {
	switch u {
	case UIAuto, UIANSI, UIPlain:
		return true
	}
	return false
}

// Config is the root configuration structure for voxloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// ClientConfig holds process-wide settings.
type ClientConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DebugAddr is the listen address of the local debug server exposing
	// /healthz, /readyz, /metrics and /status. Empty disables it.
	DebugAddr string `yaml:"debug_addr"`

	// UI selects the terminal renderer. "auto" uses ANSI output when stdout
	// is a terminal.
	UI UIMode `yaml:"ui"`
}

// SessionConfig scopes the conversation.
type SessionConfig struct {
	// ID is the session token sent with every request. When empty a fresh
	// token is generated at startup and kept for the life of the process.
	ID string `yaml:"id"`

	// Persona is passed to the agent on utterance submissions.
	Persona string `yaml:"persona"`

	// StateFile, when set and ID is empty, keeps the generated session
	// token across restarts: it is read on startup and written the first
	// time a token is generated.
	StateFile string `yaml:"state_file"`
}

// TransportConfig configures both transport variants.
type TransportConfig struct {
	// Mode selects streaming or request/response utterance delivery.
	Mode Mode `yaml:"mode"`

	// StreamURL is the websocket endpoint used in streaming mode
	// (e.g. "ws://localhost:8000/ws/transcribe").
	StreamURL string `yaml:"stream_url"`

	// BaseURL is the HTTP origin of the agent service. Required in request
	// mode; in streaming mode it enables typed text submissions and relative
	// audio URLs.
	BaseURL string `yaml:"base_url"`

	// Headers are added to the websocket handshake and every HTTP request.
	Headers map[string]string `yaml:"headers"`

	// RequestTimeout bounds one HTTP round trip. Zero means no timeout;
	// stale replies are dropped by turn correlation either way.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// OutboundBuffer is the number of frames that may queue for the
	// websocket writer before new frames are dropped.
	OutboundBuffer int `yaml:"outbound_buffer"`

	// EndOfUtterance is an optional text message sent over the websocket
	// when the user stops talking. Empty means stopping the frame flow is
	// the only signal.
	EndOfUtterance string `yaml:"end_of_utterance"`

	// Breaker tunes the circuit breaker guarding HTTP calls.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes [resilience.CircuitBreaker].
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CaptureConfig configures microphone capture.
type CaptureConfig struct {
	// DisableVisualizer turns off the live level bars.
	DisableVisualizer bool `yaml:"disable_visualizer"`

	// Bars is the number of level bars rendered.
	Bars int `yaml:"bars"`

	// RefreshInterval is the visualizer redraw period.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// FFTSize is the analysis window length; must be a power of two.
	FFTSize int `yaml:"fft_size"`
}

// PlaybackConfig configures the playback queue and output device.
type PlaybackConfig struct {
	// MinFragmentBytes is the size below which a decoded fragment is treated
	// as truncated and skipped without decoding.
	MinFragmentBytes int `yaml:"min_fragment_bytes"`

	// SkipDelay is the pause before advancing past a skipped fragment.
	SkipDelay time.Duration `yaml:"skip_delay"`

	// MaxConsecutiveSkips bounds how many fragments in a row may be skipped
	// before the remaining queue is discarded as a corrupt stream.
	MaxConsecutiveSkips int `yaml:"max_consecutive_skips"`

	// FallbackAudio is a path to the "connection trouble" clip. When empty a
	// short built-in tone is used.
	FallbackAudio string `yaml:"fallback_audio"`

	// SampleRate and Channels select the output device format.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}
