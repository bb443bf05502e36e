package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/seralin/chorus"
)

// Defaults for the streaming watchdogs and the staged connect schedule.
const (
	defaultIdleTimeout = 150 * time.Second
	defaultHardStop    = 300 * time.Second
	preflightTimeout   = 3 * time.Second

	warmingReply = "The model endpoint is warming up or unavailable. I'll try again on my next turn."
)

var defaultConnectStages = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// errFirstChunk marks a connect attempt that produced no stream data within
// its stage window.
var errFirstChunk = errors.New("openaicompat: no first chunk within stage window")

// Transport implements chorus.Transport over an OpenAI-compatible API.
//
// Endpoint selection: /v1/chat/completions is preferred. For local bases a
// one-time preflight GET /api/version detects a provider-native runtime;
// when the v1 endpoint stalls before its first chunk on the first attempt,
// the transport switches to the native /api/chat line protocol (and back).
// Hosted (https) bases and forced-v1 configurations never preflight.
type Transport struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger

	forceV1       bool
	connectStages []time.Duration
	idleTimeout   time.Duration
	hardStop      time.Duration

	mu            sync.Mutex
	cancel        context.CancelCauseFunc
	useNative     bool
	nativeOK      bool
	preflightDone bool
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) TransportOption {
	return func(t *Transport) { t.apiKey = key }
}

// WithHTTPClient replaces the HTTP client (tests use httptest clients).
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = l }
}

// WithForceV1 pins the transport to the v1 endpoint, skipping preflight and
// native fallback.
func WithForceV1() TransportOption {
	return func(t *Transport) { t.forceV1 = true }
}

// WithIdleTimeout sets the no-data watchdog (default 150s).
func WithIdleTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.idleTimeout = d
		}
	}
}

// WithHardStop sets the whole-stream ceiling (default 300s).
func WithHardStop(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.hardStop = d
		}
	}
}

// WithConnectStages overrides the staged connect timeouts.
func WithConnectStages(stages ...time.Duration) TransportOption {
	return func(t *Transport) {
		if len(stages) > 0 {
			t.connectStages = stages
		}
	}
}

// NewTransport creates a transport for the given API base URL (without the
// /v1 suffix). CHORUS_FORCE_V1=1 in the environment pins the v1 endpoint.
func NewTransport(baseURL string, opts ...TransportOption) *Transport {
	t := &Transport{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{},
		logger:        slog.New(slog.DiscardHandler),
		connectStages: defaultConnectStages,
		idleTimeout:   defaultIdleTimeout,
		hardStop:      defaultHardStop,
	}
	if os.Getenv("CHORUS_FORCE_V1") == "1" {
		t.forceV1 = true
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ChatOnce streams one completion, running the sanitizer and abort
// detectors over the accumulating content. Connect failures walk the stage
// schedule; exhaustion degrades to a warming reply instead of an error so
// the room keeps turning.
func (t *Transport) ChatOnce(ctx context.Context, model string, messages []chorus.ChatMessage, opts chorus.ChatOptions) (chorus.AssistantReply, error) {
	t.preflight(ctx)

	body := BuildBody(messages, opts.Tools, model)
	body.Stream = true
	if opts.Temperature != nil {
		body.Temperature = opts.Temperature
	}
	if opts.ToolChoice != "" && len(opts.Tools) > 0 {
		body.ToolChoice = opts.ToolChoice
	}

	var lastErr error
	for attempt, stage := range t.connectStages {
		reply, err := t.streamAttempt(ctx, body, opts, stage)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, chorus.ErrInterrupted) || errors.Is(err, chorus.ErrHardStop) ||
			errors.Is(err, chorus.ErrStreamIdle) || ctx.Err() != nil {
			return reply, err
		}
		lastErr = err
		if errors.Is(err, errFirstChunk) && attempt == 0 {
			t.switchEndpoint()
		}
		t.logger.Warn("chat attempt failed", "attempt", attempt+1, "stage", stage, "error", err)
	}

	t.logger.Warn("all chat attempts exhausted", "error", lastErr)
	return chorus.AssistantReply{Content: warmingReply}, nil
}

// SummarizeOnce performs a non-streaming completion on the v1 endpoint.
func (t *Transport) SummarizeOnce(ctx context.Context, model string, messages []chorus.ChatMessage, opts chorus.SummarizeOptions) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body := BuildBody(messages, nil, model)
	body.Stream = false
	resp, err := t.post(ctx, t.baseURL+"/v1/chat/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpErr(resp)
	}

	var parsed ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &chorus.ErrLLM{Provider: "openaicompat", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return "", &chorus.ErrLLM{Provider: "openaicompat", Message: "empty completion"}
	}
	return parsed.Choices[0].Message.Content, nil
}

// Interrupt aborts the in-flight stream, if any. Safe to call at any time
// from any goroutine.
func (t *Transport) Interrupt() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel(chorus.ErrInterrupted)
	}
}

// streamAttempt runs one connect + stream cycle against the current
// endpoint. stage bounds the time to the first chunk.
func (t *Transport) streamAttempt(ctx context.Context, body ChatRequest, opts chorus.ChatOptions, stage time.Duration) (chorus.AssistantReply, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
	}()

	endpoint, native := t.endpoint()

	// First-chunk watchdog: the stage window covers the connect and the time
	// to the first stream data. A stall aborts this attempt (and, on attempt
	// one, flips the endpoint).
	firstChunk := time.AfterFunc(stage, func() { cancel(errFirstChunk) })
	defer firstChunk.Stop()

	resp, err := t.post(sctx, endpoint, body)
	if err != nil {
		if cause := context.Cause(sctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return chorus.AssistantReply{}, cause
		}
		return chorus.AssistantReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return chorus.AssistantReply{}, httpErr(resp)
	}

	reply, err := consumeStream(sctx, cancel, resp, opts, native, t.idleTimeout, t.hardStop, func() {
		firstChunk.Stop()
	})
	if err != nil {
		if cause := context.Cause(sctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return reply, cause
		}
		return reply, err
	}
	return reply, nil
}

// preflight probes GET /api/version once to detect a provider-native local
// runtime. Hosted bases and forced-v1 skip it.
func (t *Transport) preflight(ctx context.Context) {
	t.mu.Lock()
	done := t.preflightDone
	t.preflightDone = true
	t.mu.Unlock()
	if done || t.forceV1 || isHosted(t.baseURL) {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, t.baseURL+"/api/version", nil)
	if err != nil {
		return
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusOK {
		t.mu.Lock()
		t.nativeOK = true
		t.mu.Unlock()
		t.logger.Info("native endpoint available", "base", t.baseURL)
	}
}

// endpoint returns the current URL and whether it speaks the native line
// protocol.
func (t *Transport) endpoint() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.useNative && t.nativeOK {
		return t.baseURL + "/api/chat", true
	}
	return t.baseURL + "/v1/chat/completions", false
}

// switchEndpoint flips between v1 and native after a first-chunk stall.
// Without a native runtime there is nothing to switch to.
func (t *Transport) switchEndpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.nativeOK {
		return
	}
	t.useNative = !t.useNative
	t.logger.Info("switched chat endpoint", "native", t.useNative)
}

func (t *Transport) post(ctx context.Context, url string, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &chorus.ErrLLM{Provider: "openaicompat", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &chorus.ErrLLM{Provider: "openaicompat", Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	return t.client.Do(req)
}

// httpErr reads the response body into an ErrHTTP.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return &chorus.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

// isHosted reports whether the base URL points at a hosted (TLS) API.
func isHosted(baseURL string) bool {
	return strings.HasPrefix(baseURL, "https://")
}

// Compile-time interface check.
var _ chorus.Transport = (*Transport)(nil)
