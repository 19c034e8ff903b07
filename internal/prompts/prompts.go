// ABOUTME: System-prompt preset catalog with built-in defaults and TOML file loading
// ABOUTME: Presets are served over the API and selectable per conversation

package prompts

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrNotFound is returned when a named preset does not exist in the catalog.
var ErrNotFound = errors.New("prompt preset not found")

// DefaultSystemPrompt is used for new conversations until the user picks
// another preset or writes their own.
const DefaultSystemPrompt = "You are ChatGPT, a large language model trained by OpenAI. Follow the user's instructions carefully. Respond using markdown."

// Preset is a named system prompt.
type Preset struct {
	Name   string `toml:"name" json:"name"`
	Prompt string `toml:"prompt" json:"prompt"`
}

// Catalog holds the ordered set of available presets.
type Catalog struct {
	presets []Preset
}

// builtins returns the presets that ship with the gateway.
func builtins() []Preset {
	return []Preset{
		{Name: "default", Prompt: DefaultSystemPrompt},
		{
			Name:   "concise",
			Prompt: "You are a helpful assistant. Keep answers short and direct. Skip preamble and caveats unless they change the answer.",
		},
		{
			Name:   "code-reviewer",
			Prompt: "You are an experienced software engineer reviewing code. Point out bugs, unclear naming, and missing error handling. Suggest concrete fixes.",
		},
	}
}

// NewCatalog returns a catalog containing only the built-in presets.
func NewCatalog() *Catalog {
	return &Catalog{presets: builtins()}
}

// promptsFile mirrors the TOML file layout: repeated [[prompt]] tables.
type promptsFile struct {
	Prompts []Preset `toml:"prompt"`
}

// LoadCatalog reads presets from a TOML file and appends them after the
// built-ins. A file preset with the same name as a built-in replaces it.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}

	var file promptsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing prompts file: %w", err)
	}

	c := NewCatalog()
	for _, p := range file.Prompts {
		if p.Name == "" {
			return nil, fmt.Errorf("prompts file %s: preset with empty name", path)
		}
		c.upsert(p)
	}
	return c, nil
}

func (c *Catalog) upsert(p Preset) {
	for i, existing := range c.presets {
		if existing.Name == p.Name {
			c.presets[i] = p
			return
		}
	}
	c.presets = append(c.presets, p)
}

// Presets returns all presets in catalog order.
func (c *Catalog) Presets() []Preset {
	out := make([]Preset, len(c.presets))
	copy(out, c.presets)
	return out
}

// Find returns the preset with the given name.
func (c *Catalog) Find(name string) (Preset, error) {
	for _, p := range c.presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Match reports which preset a system-prompt text corresponds to, if any.
// A hand-edited prompt matches nothing.
func (c *Catalog) Match(content string) (Preset, bool) {
	for _, p := range c.presets {
		if p.Prompt == content {
			return p, true
		}
	}
	return Preset{}, false
}
