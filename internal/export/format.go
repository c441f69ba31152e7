// Package export renders recordings as source text for other tools.
// Each target (json, playwright, puppeteer, cypress) is a Format registered
// by id.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// Format renders a recording in one target syntax.
type Format interface {
	// ID is the name used on the wire, e.g. "playwright".
	ID() string

	// Extension is the conventional file suffix, including the dot.
	Extension() string

	// Render produces the full source text.
	Render(rec *domain.Recording) (string, error)
}

// Registry holds the available export formats.
type Registry struct {
	formats map[string]Format
}

// NewRegistry creates a registry with all built-in formats.
func NewRegistry() *Registry {
	r := NewRegistryWithFormats()
	r.Register(JSONFormat{})
	r.Register(newPlaywright())
	r.Register(newPuppeteer())
	r.Register(newCypress())
	return r
}

// NewRegistryWithFormats creates a registry with custom formats (for testing).
func NewRegistryWithFormats(formats ...Format) *Registry {
	r := &Registry{formats: make(map[string]Format)}
	for _, f := range formats {
		r.Register(f)
	}
	return r
}

// Register adds a format, replacing any with the same id.
func (r *Registry) Register(f Format) {
	r.formats[f.ID()] = f
}

// Get returns a format by id.
func (r *Registry) Get(id string) (Format, bool) {
	f, ok := r.formats[strings.ToLower(id)]
	return f, ok
}

// List returns all format ids, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.formats))
	for id := range r.formats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Export renders rec in the named format.
func (r *Registry) Export(rec *domain.Recording, format string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("export: nil recording")
	}
	f, ok := r.Get(format)
	if !ok {
		return "", fmt.Errorf("unknown export format %q (available: %s)", format, strings.Join(r.List(), ", "))
	}
	out, err := f.Render(rec)
	if err != nil {
		return "", fmt.Errorf("export %s as %s: %w", rec.ID, f.ID(), err)
	}
	return out, nil
}
