package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/resilience"
)

const (
	// maxReplyBytes bounds JSON reply bodies.
	maxReplyBytes = 1 << 20

	// maxAudioBytes bounds a fetched reply clip.
	maxAudioBytes = 32 << 20

	// errorBodyBytes is how much of a failed response is kept for the error.
	errorBodyBytes = 512
)

// Reply is the agent's answer to a submission.
type Reply struct {
	// Transcription is what the agent heard; empty for text submissions.
	Transcription string `json:"transcription,omitempty"`

	// Response is the agent's reply text.
	Response string `json:"response,omitempty"`

	// AudioURL references the synthesized reply, absolute or relative to
	// the base URL. Empty when synthesis failed.
	AudioURL string `json:"audioUrl"`
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range h {
			c.header.Set(k, v)
		}
	}
}

// WithTimeout bounds each round trip. Zero means none.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithClientMetrics overrides [observe.DefaultMetrics].
func WithClientMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client is the request/response transport. All calls go through one
// circuit breaker; client errors (4xx) do not trip it.
type Client struct {
	base    *url.URL
	http    *http.Client
	header  http.Header
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// NewClient creates a client for the agent at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url %q must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		header: make(http.Header),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: observe.Transport(nil)}
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "agent",
			IsFailure: IsBreakerFailure,
		})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// IsBreakerFailure is the failure classifier for the client's circuit
// breaker: permanent server errors and cancellation prove nothing about the
// agent's health.
func IsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// SubmitUtterance uploads a recorded utterance as a WAV file. The reply
// carries the transcription, the reply text and the reply audio URL.
func (c *Client) SubmitUtterance(ctx context.Context, sessionID, persona string, wav []byte) (Reply, error) {
	if len(wav) == 0 {
		return Reply{}, errors.New("transport: empty utterance")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="recording.wav"`)
	h.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(h)
	if err != nil {
		return Reply{}, fmt.Errorf("transport: build upload: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return Reply{}, fmt.Errorf("transport: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Reply{}, fmt.Errorf("transport: build upload: %w", err)
	}

	u := c.base.JoinPath("agent", "chat", sessionID)
	if persona != "" {
		u.RawQuery = url.Values{"persona": {persona}}.Encode()
	}

	var reply Reply
	err = c.do(ctx, "chat", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&reply)
	})
	return reply, err
}

// SubmitText asks the agent to synthesize text. Only AudioURL is set on the
// reply. Callers validate text; an empty string is still rejected here
// without a network call.
func (c *Client) SubmitText(ctx context.Context, sessionID, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, errors.New("transport: empty text")
	}
	payload, err := json.Marshal(struct {
		Text      string `json:"text"`
		SessionID string `json:"session_id"`
	}{text, sessionID})
	if err != nil {
		return Reply{}, fmt.Errorf("transport: encode text: %w", err)
	}

	u := c.base.JoinPath("tts", "generate")
	var reply Reply
	err = c.do(ctx, "tts", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&reply)
	})
	return reply, err
}

// Fetch downloads an audio reference. Relative references resolve against
// the base URL.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = c.do(ctx, "audio", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		data = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Resolve turns ref into an absolute URL.
func (c *Client) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("transport: empty audio reference")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("transport: parse audio reference: %w", err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	base := *c.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(r).String(), nil
}

// Ping checks that the agent answers HTTP at all. Any response, including
// an error status, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping: %w", ErrTransport, err)
	}
	resp.Body.Close()
	return nil
}

// do runs one guarded round trip. build creates the request for the
// (possibly timeout-bound) context; decode consumes a 2xx body.
func (c *Client) do(ctx context.Context, endpoint string, build func(context.Context) (*http.Request, error), decode func(io.Reader) error) error {
	ctx, span := observe.StartSpan(ctx, "transport."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("voxloop.endpoint", endpoint)),
	)
	defer span.End()

	start := time.Now()
	status := "error"

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("transport: %s: build request: %w", endpoint, err)
		}
		for k, vs := range c.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s: %w", ErrTransport, endpoint, err)
		}
		defer resp.Body.Close()
		status = strconv.Itoa(resp.StatusCode)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
			return &ServerError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		if err := decode(io.LimitReader(resp.Body, maxBodyFor(endpoint))); err != nil {
			return fmt.Errorf("%w: %s: read reply: %w", ErrTransport, endpoint, err)
		}
		return nil
	})

	kind := ""
	var se *ServerError
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		err = fmt.Errorf("%w: %s: %w", ErrTransport, endpoint, err)
		kind = "breaker"
	case errors.As(err, &se):
		kind = "server"
	case errors.Is(err, context.Canceled):
	default:
		kind = "http"
	}

	c.metrics.RecordRequest(ctx, endpoint, status, time.Since(start))
	if kind != "" {
		c.metrics.RecordTransportError(ctx, kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		observe.Logger(ctx).Warn("transport: request failed", "endpoint", endpoint, "kind", kind, "err", err)
	} else if err == nil {
		slog.Debug("transport: request completed", "endpoint", endpoint, "status", status, "duration", time.Since(start))
	}
	return err
}

func maxBodyFor(endpoint string) int64 {
	if endpoint == "audio" {
		return maxAudioBytes
	}
	return maxReplyBytes
}
