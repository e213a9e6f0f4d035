// Package voices is the catalog of synthesis voices a device may select.
// Each voice names the upstream provider that serves it.
package voices

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/liuscraft/orion-gateway/internal/tts"
	"gopkg.in/yaml.v3"
)

//go:embed voices.yaml
var builtin []byte

var ErrUnknownVoice = errors.New("unknown voice")

type Voice struct {
	ID        string       `yaml:"id" json:"voice_id"`
	Name      string       `yaml:"name" json:"name"`
	Source    tts.Provider `yaml:"source" json:"voice_source"`
	Languages []string     `yaml:"languages,omitempty" json:"languages,omitempty"`
	Demo      string       `yaml:"demo,omitempty" json:"voice_demo,omitempty"`
}

type file struct {
	Voices []Voice `yaml:"voices"`
}

// Catalog is immutable once built and safe for concurrent use.
type Catalog struct {
	voices    []Voice
	byID      map[string]Voice
	defaultID string
}

// Builtin returns the catalog shipped with the gateway.
func Builtin() (*Catalog, error) {
	return Parse(builtin)
}

// Load reads a catalog file; an empty path yields the builtin catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse builds a catalog from YAML. The first voice is the default.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse voice catalog: %w", err)
	}
	if len(f.Voices) == 0 {
		return nil, errors.New("voice catalog is empty")
	}
	c := &Catalog{byID: make(map[string]Voice, len(f.Voices))}
	for i, v := range f.Voices {
		if v.ID == "" {
			return nil, fmt.Errorf("voice #%d has no id", i+1)
		}
		if _, err := tts.ParseProvider(string(v.Source)); err != nil {
			return nil, fmt.Errorf("voice %s: %w", v.ID, err)
		}
		if _, dup := c.byID[v.ID]; dup {
			return nil, fmt.Errorf("voice %s listed twice", v.ID)
		}
		c.byID[v.ID] = v
		c.voices = append(c.voices, v)
	}
	c.defaultID = f.Voices[0].ID
	return c, nil
}

func (c *Catalog) Lookup(id string) (Voice, error) {
	v, ok := c.byID[id]
	if !ok {
		return Voice{}, fmt.Errorf("%w: %q", ErrUnknownVoice, id)
	}
	return v, nil
}

// Resolve looks up id, falling back to the default voice when id is empty.
func (c *Catalog) Resolve(id string) (Voice, error) {
	if id == "" {
		return c.Default(), nil
	}
	return c.Lookup(id)
}

func (c *Catalog) Default() Voice {
	return c.byID[c.defaultID]
}

// WithDefault returns a copy whose default voice is id.
func (c *Catalog) WithDefault(id string) (*Catalog, error) {
	if _, err := c.Lookup(id); err != nil {
		return nil, err
	}
	cp := *c
	cp.defaultID = id
	return &cp, nil
}

// All returns the voices in catalog order.
func (c *Catalog) All() []Voice {
	out := make([]Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// Providers reports which upstream providers the catalog needs.
func (c *Catalog) Providers() map[tts.Provider]bool {
	out := make(map[tts.Provider]bool)
	for _, v := range c.voices {
		out[v.Source] = true
	}
	return out
}
