// ABOUTME: Terminal chat client for chat-gateway with multiple conversations
// ABOUTME: Streams assistant replies live and persists state to a local SQLite file

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/relayhq/chat-gateway/internal/conversation"
	"github.com/relayhq/chat-gateway/internal/prompts"
	"github.com/relayhq/chat-gateway/internal/relay"
	"github.com/relayhq/chat-gateway/internal/store"
)

// getDataPath returns the default database location.
// Priority: XDG_DATA_HOME/chat-gateway > ~/.local/share/chat-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.db" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "chat-gateway", "chat.db")
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "gateway base URL")
	dbPath := flag.String("db", getDataPath(), "path to the local state database")
	token := flag.String("token", os.Getenv("CHAT_GATEWAY_TOKEN"), "bearer token for an authenticated gateway")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *serverURL, *dbPath, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type tui struct {
	client  *apiClient
	manager *conversation.Manager

	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
	gray   *color.Color
}

func run(ctx context.Context, serverURL, dbPath, token string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()

	client := newAPIClient(serverURL, token)
	manager := conversation.NewManager(client, st, nil)

	t := &tui{
		client:  client,
		manager: manager,
		cyan:    color.New(color.FgCyan),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		gray:    color.New(color.FgHiBlack),
	}

	if manager.ActiveModel() == "" {
		if err := t.pickDefaultModel(ctx); err != nil {
			t.yellow.Printf("no model selected: %v (use /models and /model)\n", err)
		}
	}

	go client.runSubscriber(ctx, t.applyEnvelope, func(err error) {
		t.gray.Printf("\n[event stream: %v, reconnecting]\n", err)
	})

	t.cyan.Println("chat-gateway tui — /help for commands")
	t.printStatus()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		active := t.manager.ActiveConversation()
		t.green.Printf("%s> ", active.Name)

		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := t.command(ctx, line); quit {
				return nil
			}
			continue
		}

		if err := t.manager.Send(ctx, active.ID, line); err != nil {
			t.red.Printf("send failed: %v\n", err)
		}
	}
}

// pickDefaultModel selects the first model the gateway offers.
func (t *tui) pickDefaultModel(ctx context.Context) error {
	models, err := t.client.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("gateway returned no models")
	}
	t.manager.SetModel(models[0].ID)
	return nil
}

// applyEnvelope reduces an envelope and echoes live output for the
// conversation currently in view.
func (t *tui) applyEnvelope(env *relay.Envelope) {
	activeID := t.manager.ActiveConversation().ID
	t.manager.Apply(env)

	if env.ConversationID != activeID {
		return
	}

	switch env.Kind {
	case relay.KindChunk:
		fmt.Print(env.Message)

	case relay.KindTerminal:
		if env.Error != "" {
			t.red.Printf("\n[%s]\n", env.Error)
		} else if env.Success != "" {
			t.gray.Printf("\n[%s]\n", env.Success)
		} else {
			fmt.Println()
		}
	}
}

// command dispatches one slash command. Returns true to quit.
func (t *tui) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, cmd))
	active := t.manager.ActiveConversation()

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		t.printHelp()

	case "/new":
		conv := t.manager.NewConversation()
		t.gray.Printf("created %s\n", conv.ID)

	case "/list":
		for i, c := range t.manager.Conversations() {
			marker := "  "
			if c.ID == active.ID {
				marker = "* "
			}
			status := t.manager.ConversationStatus(c.ID)
			fmt.Printf("%s%d. %s", marker, i+1, c.Name)
			if status != conversation.StatusIdle {
				t.yellow.Printf(" [%s]", status)
			}
			fmt.Println()
		}

	case "/switch":
		conv, ok := t.conversationArg(args)
		if !ok {
			return false
		}
		if err := t.manager.SwitchConversation(conv.ID); err != nil {
			t.red.Printf("switch failed: %v\n", err)
			return false
		}
		t.printLog(conv.ID)

	case "/rename":
		if rest == "" {
			t.red.Println("usage: /rename NAME")
			return false
		}
		if err := t.manager.RenameConversation(active.ID, rest); err != nil {
			t.red.Printf("rename failed: %v\n", err)
		}

	case "/delete":
		target := active
		if len(args) > 0 {
			conv, ok := t.conversationArg(args)
			if !ok {
				return false
			}
			target = conv
		}
		if err := t.manager.DeleteConversation(ctx, target.ID); err != nil {
			t.red.Printf("delete failed: %v\n", err)
		}

	case "/stop":
		if err := t.manager.Stop(ctx, active.ID); err != nil {
			t.red.Printf("stop failed: %v\n", err)
		}

	case "/regen":
		if err := t.manager.Regenerate(ctx, active.ID); err != nil {
			t.red.Printf("regenerate failed: %v\n", err)
		}

	case "/edit":
		if len(args) < 2 {
			t.red.Println("usage: /edit INDEX TEXT")
			return false
		}
		index, err := strconv.Atoi(args[0])
		if err != nil {
			t.red.Println("usage: /edit INDEX TEXT")
			return false
		}
		content := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		if err := t.manager.EditMessage(active.ID, index, content); err != nil {
			t.red.Printf("edit failed: %v\n", err)
		}

	case "/delmsg":
		if len(args) != 1 {
			t.red.Println("usage: /delmsg INDEX")
			return false
		}
		index, err := strconv.Atoi(args[0])
		if err != nil {
			t.red.Println("usage: /delmsg INDEX")
			return false
		}
		if err := t.manager.DeleteFrom(active.ID, index); err != nil {
			t.red.Printf("delete failed: %v\n", err)
		}

	case "/clear":
		if err := t.manager.Clear(active.ID); err != nil {
			t.red.Printf("clear failed: %v\n", err)
		}

	case "/log":
		t.printLog(active.ID)

	case "/models":
		models, err := t.client.ListModels(ctx)
		if err != nil {
			t.red.Printf("listing models failed: %v\n", err)
			return false
		}
		for _, m := range models {
			marker := "  "
			if m.ID == t.manager.ActiveModel() {
				marker = "* "
			}
			fmt.Printf("%s%s\n", marker, m.ID)
		}

	case "/model":
		if len(args) != 1 {
			t.red.Println("usage: /model ID")
			return false
		}
		t.manager.SetModel(args[0])

	case "/prompts":
		presets, err := t.client.ListPrompts(ctx)
		if err != nil {
			t.red.Printf("listing prompts failed: %v\n", err)
			return false
		}
		for _, p := range presets {
			fmt.Printf("  %s: ", p.Name)
			t.gray.Println(truncate(p.Prompt, 60))
		}

	case "/prompt":
		if rest == "" {
			t.red.Println("usage: /prompt NAME-or-TEXT")
			return false
		}
		prompt := rest
		if presets, err := t.client.ListPrompts(ctx); err == nil {
			for _, p := range presets {
				if p.Name == rest {
					prompt = p.Prompt
					break
				}
			}
		}
		if err := t.manager.SetSystemPrompt(active.ID, prompt); err != nil {
			t.red.Printf("setting prompt failed: %v\n", err)
		}

	default:
		t.red.Printf("unknown command %s\n", cmd)
	}
	return false
}

// conversationArg resolves a 1-based conversation number argument.
func (t *tui) conversationArg(args []string) (conversation.Conversation, bool) {
	if len(args) != 1 {
		t.red.Println("expected a conversation number (see /list)")
		return conversation.Conversation{}, false
	}
	n, err := strconv.Atoi(args[0])
	convs := t.manager.Conversations()
	if err != nil || n < 1 || n > len(convs) {
		t.red.Println("expected a conversation number (see /list)")
		return conversation.Conversation{}, false
	}
	return convs[n-1], true
}

func (t *tui) printLog(id string) {
	catalog := prompts.NewCatalog()
	for i, msg := range t.manager.Messages(id) {
		switch msg.Role {
		case conversation.RoleSystem:
			if p, ok := catalog.Match(msg.Content); ok {
				t.gray.Printf("%d [system] (%s preset)\n", i, p.Name)
			} else {
				t.gray.Printf("%d [system] %s\n", i, truncate(msg.Content, 80))
			}
		case conversation.RoleUser:
			t.green.Printf("%d [user] ", i)
			fmt.Println(msg.Content)
		case conversation.RoleAssistant:
			t.cyan.Printf("%d [assistant] ", i)
			fmt.Println(msg.Content)
		case conversation.RoleError:
			t.red.Printf("%d [error] %s\n", i, msg.Content)
		}
	}
}

func (t *tui) printStatus() {
	t.gray.Printf("model: %s, conversations: %d\n",
		t.manager.ActiveModel(), len(t.manager.Conversations()))
}

func (t *tui) printHelp() {
	fmt.Print(`  /new              start a new conversation
  /list             list conversations
  /switch N         switch to conversation N
  /rename NAME      rename the current conversation
  /delete [N]       delete a conversation (stops its stream first)
  /log              print the current conversation
  /stop             stop the in-flight completion
  /regen            regenerate the last assistant reply
  /edit I TEXT      replace the content of message I
  /delmsg I         delete message I and everything after it
  /clear            keep only the system message
  /prompt NAME|TEXT set the system prompt (preset name or free text)
  /prompts          list prompt presets
  /models           list available models
  /model ID         select a model
  /quit             exit
`)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
