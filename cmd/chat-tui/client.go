// ABOUTME: HTTP and SSE client for talking to a running chat-gateway
// ABOUTME: Implements the conversation.Sender interface and the event subscription loop

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayhq/chat-gateway/internal/conversation"
	"github.com/relayhq/chat-gateway/internal/relay"
)

const reconnectDelay = 2 * time.Second

type apiClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, readError(resp.Body, resp.StatusCode))
	}
	return nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, readError(resp.Body, resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readError extracts the {"error": ...} body, falling back to the status code.
func readError(r io.Reader, status int) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("status %d", status)
}

// SendMessage implements conversation.Sender.
func (c *apiClient) SendMessage(ctx context.Context, conversationID, model string, messages []conversation.Message) error {
	return c.postJSON(ctx, "/message", map[string]any{
		"conversationId": conversationID,
		"model":          model,
		"messages":       messages,
	})
}

// StopMessage implements conversation.Sender.
func (c *apiClient) StopMessage(ctx context.Context, conversationID string) error {
	return c.postJSON(ctx, "/stop", map[string]string{
		"conversationId": conversationID,
	})
}

type modelInfo struct {
	ID string `json:"id"`
}

func (c *apiClient) ListModels(ctx context.Context) ([]modelInfo, error) {
	var body struct {
		Data []modelInfo `json:"data"`
	}
	if err := c.getJSON(ctx, "/models", &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

type promptInfo struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

func (c *apiClient) ListPrompts(ctx context.Context) ([]promptInfo, error) {
	var body struct {
		Prompts []promptInfo `json:"prompts"`
	}
	if err := c.getJSON(ctx, "/prompts", &body); err != nil {
		return nil, err
	}
	return body.Prompts, nil
}

type sseChunkPayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type sseTerminalPayload struct {
	ConversationID string `json:"conversationId"`
	Success        string `json:"success"`
	Error          string `json:"error"`
}

// subscribe opens the SSE stream and invokes apply for each envelope until
// the connection drops or ctx is cancelled.
func (c *apiClient) subscribe(ctx context.Context, apply func(*relay.Envelope)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/sse", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/sse: %s", readError(resp.Body, resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")

		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if env := parseEnvelope(event, data); env != nil {
				apply(env)
			}

		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}

func parseEnvelope(event, data string) *relay.Envelope {
	switch event {
	case "message":
		var p sseChunkPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil
		}
		return relay.Chunk(p.ConversationID, p.Message)

	case "message-end":
		var p sseTerminalPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil
		}
		if p.Error != "" {
			return relay.TerminalError(p.ConversationID, p.Error)
		}
		return relay.TerminalSuccess(p.ConversationID, p.Success)
	}
	return nil
}

// runSubscriber keeps the SSE subscription alive, reconnecting after drops.
// The local log is authoritative; a reconnect simply resumes new envelopes.
func (c *apiClient) runSubscriber(ctx context.Context, apply func(*relay.Envelope), onError func(error)) {
	for {
		err := c.subscribe(ctx, apply)
		if ctx.Err() != nil {
			return
		}
		if err != nil && onError != nil {
			onError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
