// ABOUTME: Streaming completion client for OpenAI-compatible model providers
// ABOUTME: Converts provider SSE framing into a uniform chunk/terminal event sequence

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrEndpointOutOfRange indicates a request referenced a provider endpoint
// index that is not configured.
var ErrEndpointOutOfRange = errors.New("provider endpoint index out of range")

// Endpoint identifies one upstream OpenAI-compatible API.
type Endpoint struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Message is a single turn sent to the completion API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model describes one model offered by an endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// EventKind indicates the type of a stream event.
type EventKind int

const (
	// EventChunk carries an incremental piece of assistant text.
	EventChunk EventKind = iota
	// EventDone ends a stream that completed naturally.
	EventDone
	// EventStopped ends a stream that was cancelled via context.
	EventStopped
	// EventError ends a stream that failed fatally.
	EventError
)

// Event is one element of the uniform stream the client emits: zero or more
// chunks followed by exactly one terminal (Done, Stopped or Error).
type Event struct {
	Kind EventKind
	Text string // chunk payload
	Err  string // human-readable message for EventError
}

// RetryConfig tunes the backoff applied to retriable connection faults.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryConfig mirrors the backoff envelope used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxElapsed:      15 * time.Second,
	}
}

// Client talks to one or more OpenAI-compatible endpoints. It retries
// retriable transport faults (network errors, 5xx, 429) internally with
// exponential backoff and surfaces fatal faults (other 4xx, malformed
// payloads) immediately.
type Client struct {
	endpoints []Endpoint
	http      *http.Client
	retry     RetryConfig
	logger    *slog.Logger
}

// New creates a client over the given endpoints. Pass nil logger for default.
func New(endpoints []Endpoint, retry RetryConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if retry.MaxElapsed <= 0 {
		retry.MaxElapsed = DefaultRetryConfig().MaxElapsed
	}
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{},
		retry:     retry,
		logger:    logger.With("component", "provider"),
	}
}

// Endpoints returns the configured endpoints.
func (c *Client) Endpoints() []Endpoint {
	return c.endpoints
}

func (c *Client) endpoint(index int) (Endpoint, error) {
	if index < 0 || index >= len(c.endpoints) {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrEndpointOutOfRange, index)
	}
	return c.endpoints[index], nil
}

// modelsResponse is the provider's GET /models body.
type modelsResponse struct {
	Data []Model `json:"data"`
}

// ListModels fetches the model list from the endpoint at the given index.
func (c *Client) ListModels(ctx context.Context, index int) ([]Model, error) {
	ep, err := c.endpoint(index)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parsing models response: %w", err)
	}

	return parsed.Data, nil
}

// completionRequest is the POST /chat/completions body.
type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// streamPayload is one decoded SSE data frame from the completion stream.
type streamPayload struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamCompletion starts a streaming completion and returns a channel of
// events: zero or more chunks, then exactly one terminal event, after which
// the channel is closed. Cancelling ctx yields an EventStopped terminal.
// Connection-phase retriable faults are retried with backoff and are invisible
// to the caller; once the first chunk has been delivered, any fault is fatal.
func (c *Client) StreamCompletion(ctx context.Context, index int, model string, messages []Message) (<-chan *Event, error) {
	ep, err := c.endpoint(index)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 1,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling completion request: %w", err)
	}

	out := make(chan *Event, 16)
	go c.run(ctx, ep, body, out)
	return out, nil
}

// run connects (with retry), consumes the stream and guarantees a single
// terminal event before closing out.
func (c *Client) run(ctx context.Context, ep Endpoint, body []byte, out chan<- *Event) {
	defer close(out)

	resp, err := c.connect(ctx, ep, body)
	if err != nil {
		out <- c.terminalFor(ctx, err)
		return
	}
	defer resp.Body.Close()

	c.consume(ctx, resp.Body, out)
}

// fatalStatusError marks an HTTP status that must not be retried.
type fatalStatusError struct {
	status  int
	message string
}

func (e *fatalStatusError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("provider returned status %d", e.status)
}

// connect performs the POST with exponential backoff on retriable faults.
func (c *Client) connect(ctx context.Context, ep Endpoint, body []byte) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxElapsedTime = c.retry.MaxElapsed

	attempt := 0
	return backoff.RetryWithData(func() (*http.Response, error) {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("transport fault, will retry", "endpoint", ep.Name, "attempt", attempt, "error", err)
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		msg := readErrorMessage(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("retriable provider status", "endpoint", ep.Name, "status", resp.StatusCode, "attempt", attempt)
			return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
		}

		return nil, backoff.Permanent(&fatalStatusError{status: resp.StatusCode, message: msg})
	}, backoff.WithContext(bo, ctx))
}

// consume reads SSE frames from the response body and emits events. It always
// emits exactly one terminal event.
func (c *Client) consume(ctx context.Context, body io.Reader, out chan<- *Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			out <- &Event{Kind: EventDone}
			return
		}

		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			out <- &Event{Kind: EventError, Err: "malformed stream payload: " + err.Error()}
			return
		}

		// An in-stream error object ends the completion immediately
		if payload.Error != nil {
			out <- &Event{Kind: EventError, Err: payload.Error.Message}
			return
		}

		for _, choice := range payload.Choices {
			if choice.Delta.Content != "" {
				out <- &Event{Kind: EventChunk, Text: choice.Delta.Content}
			}
			if choice.FinishReason != nil {
				out <- &Event{Kind: EventDone}
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- c.terminalFor(ctx, err)
		return
	}

	// Stream ended without a finish_reason or [DONE]; treat as natural success
	out <- &Event{Kind: EventDone}
}

// terminalFor maps a connection or read error to its terminal event, folding
// context cancellation into the user-stopped variant.
func (c *Client) terminalFor(ctx context.Context, err error) *Event {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Event{Kind: EventStopped}
	}
	return &Event{Kind: EventError, Err: err.Error()}
}

// readErrorMessage extracts the provider error message from a non-200 body,
// falling back to the raw body text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
