// ABOUTME: OpenAI-compatible fake upstream for exercising the gateway locally
// ABOUTME: Streams canned completion chunks and can inject failures on demand

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

type fakeProvider struct {
	delay     time.Duration
	failCode  int
	failFirst int64
	requests  atomic.Int64
	logger    *slog.Logger
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	delay := flag.Duration("delay", 150*time.Millisecond, "delay between streamed chunks")
	failCode := flag.Int("fail-code", http.StatusInternalServerError, "status code for injected failures")
	failFirst := flag.Int64("fail-first", 0, "fail this many completion requests before succeeding")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	p := &fakeProvider{
		delay:     *delay,
		failCode:  *failCode,
		failFirst: *failFirst,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", p.handleModels)
	mux.HandleFunc("POST /chat/completions", p.handleCompletions)

	server := &http.Server{Addr: *addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("fake provider listening", "addr", *addr, "fail_first", *failFirst)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (p *fakeProvider) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]string{
			{"id": "fake-small", "object": "model"},
			{"id": "fake-large", "object": "model"},
		},
	})
}

type completionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (p *fakeProvider) handleCompletions(w http.ResponseWriter, r *http.Request) {
	n := p.requests.Add(1)
	if n <= p.failFirst {
		p.logger.Info("injecting failure", "request", n, "code", p.failCode)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.failCode)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "injected upstream failure"},
		})
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}

	p.logger.Info("streaming completion", "model", req.Model, "messages", len(req.Messages))

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	reply := fmt.Sprintf("You said %q. This is a canned reply from the fake provider, streamed word by word.", last)
	for _, word := range strings.Fields(reply) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(p.delay):
		}

		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]string{"content": word + " "}},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	final, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{}, "finish_reason": "stop"},
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", final)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
