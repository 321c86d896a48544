package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a strategy instance with its merged parameters and the
// engine's toolkit.
type Constructor func(tk Toolkit) (Strategy, error)

// Registry maps strategy names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a named constructor. Duplicate names are an error: a bot's
// strategy reference must be unambiguous.
func (r *Registry) Register(name string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.constructors[name] = ctor
	return nil
}

// Build instantiates the named strategy.
func (r *Registry) Build(name string, tk Toolkit) (Strategy, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return ctor(tk)
}

// Names returns registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins installs the strategies shipped with the core.
func RegisterBuiltins(r *Registry) {
	// Errors ignored: built-in names are unique by construction.
	_ = r.Register("ma_cross", NewMACross)
	_ = r.Register("rsi", NewRSI)
	_ = r.Register("scalping", NewScalping)
	_ = r.Register("subprocess", NewSubprocess)
}
