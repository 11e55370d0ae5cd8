package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultStreamURL           = "ws://localhost:8000/ws/transcribe"
	DefaultPersona             = "Tutor"
	DefaultDialTimeout         = 10 * time.Second
	DefaultOutboundBuffer      = 64
	DefaultBars                = 24
	DefaultRefreshInterval     = 33 * time.Millisecond
	DefaultFFTSize             = 256
	DefaultMinFragmentBytes    = 100
	DefaultSkipDelay           = 50 * time.Millisecond
	DefaultMaxConsecutiveSkips = 8
	DefaultOutputSampleRate    = 44100
	DefaultOutputChannels      = 2
)

// EnvPrefix prefixes every environment override read by [ApplyEnv].
const EnvPrefix = "VOXLOOP_"

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// skips the file and configures from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if cfg, err = decode(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Environment overrides are not applied, which keeps
// tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// are named) into the process environment. Missing files are ignored and
// variables already set are never overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("loaded environment file", "path", f)
	}
	return nil
}

// ApplyEnv overrides cfg from VOXLOOP_* variables found via lookup. Unset
// variables leave the file value in place.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("SESSION_ID", &cfg.Session.ID)
	str("PERSONA", &cfg.Session.Persona)
	str("STATE_FILE", &cfg.Session.StateFile)
	str("STREAM_URL", &cfg.Transport.StreamURL)
	str("BASE_URL", &cfg.Transport.BaseURL)
	str("DEBUG_ADDR", &cfg.Client.DebugAddr)
	str("FALLBACK_AUDIO", &cfg.Playback.FallbackAudio)

	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		cfg.Client.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvPrefix + "MODE"); ok && v != "" {
		cfg.Transport.Mode = Mode(strings.ToLower(v))
	}
	if v, ok := lookup(EnvPrefix + "UI"); ok && v != "" {
		cfg.Client.UI = UIMode(strings.ToLower(v))
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Client.LogLevel == "" {
		cfg.Client.LogLevel = LogInfo
	}
	if cfg.Client.UI == "" {
		cfg.Client.UI = UIAuto
	}
	if cfg.Session.Persona == "" {
		cfg.Session.Persona = DefaultPersona
	}

	t := &cfg.Transport
	if t.Mode == "" {
		t.Mode = ModeStreaming
	}
	if t.Mode == ModeStreaming && t.StreamURL == "" {
		t.StreamURL = DefaultStreamURL
	}
	if t.DialTimeout == 0 {
		t.DialTimeout = DefaultDialTimeout
	}
	if t.OutboundBuffer == 0 {
		t.OutboundBuffer = DefaultOutboundBuffer
	}

	c := &cfg.Capture
	if c.Bars == 0 {
		c.Bars = DefaultBars
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.FFTSize == 0 {
		c.FFTSize = DefaultFFTSize
	}

	p := &cfg.Playback
	if p.MinFragmentBytes == 0 {
		p.MinFragmentBytes = DefaultMinFragmentBytes
	}
	if p.SkipDelay == 0 {
		p.SkipDelay = DefaultSkipDelay
	}
	if p.MaxConsecutiveSkips == 0 {
		p.MaxConsecutiveSkips = DefaultMaxConsecutiveSkips
	}
	if p.SampleRate == 0 {
		p.SampleRate = DefaultOutputSampleRate
	}
	if p.Channels == 0 {
		p.Channels = DefaultOutputChannels
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Client
	if cfg.Client.LogLevel != "" && !cfg.Client.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Client.LogLevel))
	}
	if cfg.Client.UI != "" && !cfg.Client.UI.IsValid() {
		errs = append(errs, fmt.Errorf("client.ui %q is invalid; valid values: auto, ansi, plain", cfg.Client.UI))
	}

	// Transport
	t := cfg.Transport
	if t.Mode != "" && !t.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transport.mode %q is invalid; valid values: streaming, request", t.Mode))
	}
	if t.Mode == ModeStreaming {
		if err := checkURL(t.StreamURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("transport.stream_url: %w", err))
		}
	}
	if t.Mode == ModeRequest && t.BaseURL == "" {
		errs = append(errs, errors.New("transport.base_url is required when transport.mode is request"))
	}
	if t.BaseURL != "" {
		if err := checkURL(t.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("transport.base_url: %w", err))
		}
	}
	if t.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.request_timeout %v must not be negative", t.RequestTimeout))
	}
	if t.OutboundBuffer < 0 {
		errs = append(errs, fmt.Errorf("transport.outbound_buffer %d must not be negative", t.OutboundBuffer))
	}
	if t.Mode == ModeStreaming && t.BaseURL == "" {
		slog.Warn("transport.base_url is empty; typed text submissions will be unavailable")
	}

	// Capture
	if n := cfg.Capture.FFTSize; n != 0 && (n < 32 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("capture.fft_size %d must be a power of two >= 32", n))
	}
	if cfg.Capture.Bars < 0 || (cfg.Capture.FFTSize > 0 && cfg.Capture.Bars > cfg.Capture.FFTSize/2) {
		errs = append(errs, fmt.Errorf("capture.bars %d is out of range [1, fft_size/2]", cfg.Capture.Bars))
	}

	// Playback
	p := cfg.Playback
	if p.MinFragmentBytes < 0 {
		errs = append(errs, fmt.Errorf("playback.min_fragment_bytes %d must not be negative", p.MinFragmentBytes))
	}
	if p.MaxConsecutiveSkips < 0 {
		errs = append(errs, fmt.Errorf("playback.max_consecutive_skips %d must not be negative", p.MaxConsecutiveSkips))
	}
	if p.Channels < 0 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is out of range [1, 2]", p.Channels))
	}
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must not be negative", p.SampleRate))
	}

	return errors.Join(errs...)
}

// checkURL reports whether raw is an absolute URL with one of the schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}
