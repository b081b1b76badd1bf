// Package register maps crashing component names to the product each one
// reports against. Mappings arrive over the control API and persist to a JSON
// file so they survive restarts.
package register

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/vsrinivas/crashd/internal/domain"
)

// ErrUnknownComponent is returned by Get for components never registered.
var ErrUnknownComponent = errors.New("component not registered")

// Product identifies what a component's crash reports are filed under on the
// remote collector.
type Product struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Annotations returns the product identity as report annotations.
func (p Product) Annotations() *domain.Annotations {
	ann := domain.NewAnnotations()
	ann.Set("product.name", p.Name)
	if p.Version != "" {
		ann.Set("product.version", p.Version)
	}
	if p.Channel != "" {
		ann.Set("product.channel", p.Channel)
	}
	return ann
}

// Register holds the component-to-product mapping. Safe for concurrent use.
type Register struct {
	log      *slog.Logger
	validate *validator.Validate
	path     string

	mu       sync.RWMutex
	products map[string]Product
}

// New loads the register from path, creating an empty one if the file does
// not exist.
func New(path string, logger *slog.Logger) (*Register, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Register{
		log:      logger.With("domain", "register"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		path:     path,
		products: make(map[string]Product),
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run
	case err != nil:
		return nil, fmt.Errorf("reading product register: %w", err)
	default:
		if err := json.Unmarshal(data, &r.products); err != nil {
			return nil, fmt.Errorf("parsing product register: %w", err)
		}
		r.log.Info("product register loaded", "components", len(r.products))
	}
	return r, nil
}

// Upsert registers or replaces the product for component and persists the
// change.
func (r *Register) Upsert(component string, p Product) error {
	if component == "" {
		return errors.New("component name required")
	}
	if err := r.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid product: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.products[component]
	r.products[component] = p
	if err := r.saveLocked(); err != nil {
		// Roll back so memory keeps matching the file on disk.
		if existed {
			r.products[component] = prev
		} else {
			delete(r.products, component)
		}
		return err
	}
	r.log.Info("product registered", "component", component, "product", p.Name)
	return nil
}

// Get returns the product registered for component.
func (r *Register) Get(component string) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[component]
	if !ok {
		return Product{}, ErrUnknownComponent
	}
	return p, nil
}

// Components lists registered component names, sorted.
func (r *Register) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.products))
	for c := range r.products {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// saveLocked writes the register atomically: a temp file in the same
// directory, fsynced, then renamed over the target.
func (r *Register) saveLocked() error {
	data, err := json.MarshalIndent(r.products, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding product register: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".register-*")
	if err != nil {
		return fmt.Errorf("creating register temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing product register: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing product register: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing product register: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replacing product register: %w", err)
	}
	return nil
}
