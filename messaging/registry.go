package messaging

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrModelExists  = errors.New("model already registered")
	ErrInvalidModel = errors.New("invalid model definition")
)

// ModelDefinition is everything the dispatcher knows about a model
type ModelDefinition struct {
	Name string
	// Store resolves instances; required for instance methods
	Store Store
	// Observable, when set, is watched by the change notifier
	Observable      Observable
	StaticMethods   map[string]Method
	InstanceMethods map[string]Method
}

// Method looks a method up in the static or instance table
func (d ModelDefinition) Method(name string, static bool) (Method, bool) {
	table := d.InstanceMethods
	if static {
		table = d.StaticMethods
	}
	m, ok := table[name]
	return m, ok && m != nil
}

// Registry maps model names to definitions
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelDefinition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]ModelDefinition),
	}
}

// Register adds a model. Names must be usable as a topic segment.
func (r *Registry) Register(def ModelDefinition) error {
	if def.Name == "" || strings.ContainsAny(def.Name, ".*#") {
		return fmt.Errorf("%w: bad model name %q", ErrInvalidModel, def.Name)
	}
	if len(def.InstanceMethods) > 0 && def.Store == nil {
		return fmt.Errorf("%w: model %s has instance methods but no store", ErrInvalidModel, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrModelExists, def.Name)
	}
	r.models[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name
func (r *Registry) Lookup(name string) (ModelDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.models[name]
	return def, ok
}

// Models returns the registered model names, sorted
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all definitions ordered by name
func (r *Registry) Definitions() []ModelDefinition {
	names := r.Models()

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ModelDefinition, 0, len(names))
	for _, name := range names {
		if def, ok := r.models[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}
