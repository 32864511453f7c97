package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/leaderpass/conductor/internal/wire"
)

// Catalog holds the loaded recipes. Reload swaps the whole set atomically,
// so readers always see a complete, validated catalog.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	recipes map[string]*Recipe
	order   []string
}

// LoadCatalog reads a catalog document (JSON or YAML array of recipes) and
// validates every recipe. Duplicate recipe ids are rejected.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	recipes, err := ParseCatalog(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	c := &Catalog{path: path}
	if err := c.replace(recipes); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes an array of recipes from JSON or YAML. Unknown fields
// are rejected in either form.
func ParseCatalog(b []byte, ext string) ([]Recipe, error) {
	var recipes []Recipe
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&recipes); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&recipes); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("catalog is empty")
			}
			return nil, err
		}
	}
	if len(recipes) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one recipe")
	}
	return recipes, nil
}

// Builtin returns the catalog of canonical recipes shipped with the
// orchestrator, used when no catalog file is configured.
func Builtin() *Catalog {
	c := &Catalog{}
	if err := c.replace(builtinRecipes()); err != nil {
		// The builtin catalog is static; failing to validate it is a
		// programming error.
		panic(fmt.Sprintf("builtin catalog invalid: %v", err))
	}
	return c
}

// Reload re-reads the catalog file and swaps the recipe set on success. On
// any load or validation failure the previous catalog stays in place and the
// error is returned for logging.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	recipes, err := ParseCatalog(b, filepath.Ext(c.path))
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}
	return c.replace(recipes)
}

func (c *Catalog) replace(recipes []Recipe) error {
	byID := make(map[string]*Recipe, len(recipes))
	order := make([]string, 0, len(recipes))
	for i := range recipes {
		r := recipes[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := byID[r.ID]; dup {
			return fmt.Errorf("duplicate recipe id %q", r.ID)
		}
		byID[r.ID] = &r
		order = append(order, r.ID)
	}
	c.mu.Lock()
	c.recipes = byID
	c.order = order
	c.mu.Unlock()
	return nil
}

// Path returns the backing catalog file, empty for the builtin catalog.
func (c *Catalog) Path() string { return c.path }

// Get returns the recipe with the given id.
func (c *Catalog) Get(id string) (*Recipe, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recipes[id]
	return r, ok
}

// List returns the recipes in declaration order.
func (c *Catalog) List() []*Recipe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Recipe, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.recipes[id])
	}
	return out
}

// BuildPlan compiles the named recipe against user input.
func (c *Catalog) BuildPlan(recipeID string, userInput map[string]any, opts BuildOptions) (*Plan, error) {
	r, ok := c.Get(recipeID)
	if !ok {
		return nil, wire.UserErrorf("unknown recipe %q", recipeID)
	}
	return buildPlan(r, userInput, opts)
}
