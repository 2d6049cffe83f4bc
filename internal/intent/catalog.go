// Package intent maps free text to catalog intents: exact normalized match,
// word-overlap heuristics with fuzzy re-ranking and, optionally, embedding
// similarity.
package intent

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Example is one canonical phrase of an intent.
type Example struct {
	IntentID   string
	Text       string
	Normalized string
}

// Catalog is the read-only set of intents the matcher works against.
type Catalog struct {
	intents  []models.Intent
	byID     map[string]int
	examples []Example
	exact    map[string]Example
}

type catalogFile struct {
	Intents []models.Intent `yaml:"intents"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse intent catalog: %w", err)
	}
	return NewCatalog(f.Intents)
}

// LoadCatalog reads a YAML catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates intents and indexes their examples. When two examples
// normalize to the same text, the first one wins exact matches.
func NewCatalog(intents []models.Intent) (*Catalog, error) {
	c := &Catalog{
		intents: make([]models.Intent, 0, len(intents)),
		byID:    make(map[string]int, len(intents)),
		exact:   make(map[string]Example),
	}
	for _, in := range intents {
		if in.ID == "" {
			return nil, fmt.Errorf("intent without id")
		}
		if _, dup := c.byID[in.ID]; dup {
			return nil, fmt.Errorf("duplicate intent id %q", in.ID)
		}
		if len(in.Examples) == 0 {
			return nil, fmt.Errorf("intent %q has no examples", in.ID)
		}
		if in.Name == "" {
			in.Name = in.ID
		}
		c.byID[in.ID] = len(c.intents)
		c.intents = append(c.intents, in)
		for _, text := range in.Examples {
			n := Normalize(text)
			if n == "" {
				continue
			}
			ex := Example{IntentID: in.ID, Text: text, Normalized: n}
			c.examples = append(c.examples, ex)
			if _, seen := c.exact[n]; !seen {
				c.exact[n] = ex
			}
		}
	}
	return c, nil
}

func (c *Catalog) Intent(id string) (models.Intent, bool) {
	i, ok := c.byID[id]
	if !ok {
		return models.Intent{}, false
	}
	return c.intents[i], true
}

func (c *Catalog) Intents() []models.Intent {
	out := make([]models.Intent, len(c.intents))
	copy(out, c.intents)
	return out
}

func (c *Catalog) Examples() []Example {
	return c.examples
}

func (c *Catalog) exactMatch(normalized string) (Example, bool) {
	ex, ok := c.exact[normalized]
	return ex, ok
}
