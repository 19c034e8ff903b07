// ABOUTME: HTTP API surface of the gateway: REST endpoints plus the SSE event stream
// ABOUTME: Bridges client requests into the session registry and relay hub

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relayhq/chat-gateway/internal/auth"
	"github.com/relayhq/chat-gateway/internal/prompts"
	"github.com/relayhq/chat-gateway/internal/provider"
	"github.com/relayhq/chat-gateway/internal/relay"
)

const ssePingInterval = 15 * time.Second

// ModelLister lists models from a configured upstream endpoint.
type ModelLister interface {
	ListModels(ctx context.Context, endpoint int) ([]provider.Model, error)
}

// SessionController is the session registry surface the API drives.
type SessionController interface {
	Start(ctx context.Context, conversationID string, endpoint int, model string, messages []provider.Message) error
	Stop(conversationID string)
}

// Options configures the gateway server.
type Options struct {
	Addr      string
	Provider  ModelLister
	Endpoints int // number of configured upstream endpoints
	Sessions  SessionController
	Hub       *relay.Hub
	Catalog   *prompts.Catalog
	Verifier  auth.Verifier // nil runs the API unauthenticated
	Logger    *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server

	// sessionCtx outlives individual requests: a completion keeps streaming
	// after the initiating POST returns.
	sessionCtx    context.Context
	cancelSession context.CancelFunc
}

// NewServer creates the gateway server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:          opts,
		logger:        logger.With("component", "gateway"),
		sessionCtx:    ctx,
		cancelSession: cancel,
	}

	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("GET /prompts", s.handlePrompts)

	var api http.Handler = mux
	if s.opts.Verifier != nil {
		api = auth.Middleware(s.opts.Verifier, s.logger, mux)
	}

	// Health stays outside auth so probes work without a token.
	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/", api)
	return root
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.cancelSession()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	endpoint := 0
	if raw := r.URL.Query().Get("provider"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid provider index")
			return
		}
		endpoint = parsed
	}

	models, err := s.opts.Provider.ListModels(r.Context(), endpoint)
	if err != nil {
		if errors.Is(err, provider.ErrEndpointOutOfRange) {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to list models", "endpoint", endpoint, "error", err)
		sendJSONError(w, http.StatusBadGateway, "failed to list models")
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{"data": models})
}

type messageRequest struct {
	ConversationID string             `json:"conversationId"`
	Model          string             `json:"model"`
	Messages       []provider.Message `json:"messages"`
	Provider       int                `json:"provider"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" {
		sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	if req.Model == "" {
		sendJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		sendJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if req.Provider < 0 || req.Provider >= s.opts.Endpoints {
		sendJSONError(w, http.StatusBadRequest, "provider index out of range")
		return
	}

	// Content arrives asynchronously over /sse; the POST only initiates.
	// Start may block on cancel-then-restart, so it runs detached from the
	// request lifetime.
	go func() {
		err := s.opts.Sessions.Start(s.sessionCtx, req.ConversationID, req.Provider, req.Model, req.Messages)
		if err != nil {
			s.logger.Error("failed to start session",
				"conversation_id", req.ConversationID,
				"error", err)
			s.opts.Hub.Publish(relay.TerminalError(req.ConversationID, "failed to start completion"))
		}
	}()

	sendJSON(w, http.StatusOK, map[string]string{"message": "Completion initiated"})
}

type stopRequest struct {
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" {
		sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	s.opts.Sessions.Stop(req.ConversationID)
	sendJSON(w, http.StatusOK, map[string]string{"message": "Completion stopped"})
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"prompts": s.opts.Catalog.Presets()})
}

// sseChunk is the wire form of a "message" event.
type sseChunk struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// sseTerminal is the wire form of a "message-end" event. At most one of
// Success or Error is present.
type sseTerminal struct {
	ConversationID string `json:"conversationId"`
	Success        string `json:"success,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, subID := s.opts.Hub.Subscribe(r.Context())
	s.logger.Info("sse subscriber connected", "subscriber_id", subID)
	defer s.logger.Info("sse subscriber disconnected", "subscriber_id", subID)

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case env, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, env); err != nil {
				s.logger.Debug("sse write failed", "subscriber_id", subID, "error", err)
				return
			}

		case <-ping.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent encodes one envelope as an SSE frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, env *relay.Envelope) error {
	var name string
	var payload any

	switch env.Kind {
	case relay.KindChunk:
		name = "message"
		payload = sseChunk{ConversationID: env.ConversationID, Message: env.Message}
	case relay.KindTerminal:
		name = "message-end"
		payload = sseTerminal{ConversationID: env.ConversationID, Success: env.Success, Error: env.Error}
	default:
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	flusher.Flush()
	return nil
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
