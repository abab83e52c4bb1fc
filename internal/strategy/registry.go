package strategy

import (
	"fmt"
	"sort"
)

// Factory builds a strategy from bound parameters.
type Factory func(p Params) (Strategy, error)

type entry struct {
	schema  Schema
	factory Factory
}

// Registry maps strategy names to their schema and factory. Build one at
// startup and pass it to whatever needs to construct strategies.
type Registry struct {
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// NewDefaultRegistry returns a registry holding the built-in strategies.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(FixedBuyName, FixedBuySchema, NewFixedBuy)
	r.MustRegister(SMACrossName, SMACrossSchema, NewSMACross)
	r.MustRegister(BreakoutName, BreakoutSchema, NewBreakout)
	r.MustRegister(EqualWeightName, EqualWeightSchema, NewEqualWeight)
	return r
}

// Register adds a strategy. Names are unique.
func (r *Registry) Register(name string, schema Schema, factory Factory) error {
	if name == "" {
		return fmt.Errorf("register strategy: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register strategy %s: nil factory", name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("register strategy %s: already registered", name)
	}
	r.entries[name] = entry{schema: schema, factory: factory}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, schema Schema, factory Factory) {
	if err := r.Register(name, schema, factory); err != nil {
		panic(err)
	}
}

// Schema returns the parameter schema of a registered strategy.
func (r *Registry) Schema(name string) (Schema, bool) {
	e, ok := r.entries[name]
	return e.schema, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New binds raw parameters and constructs the named strategy.
func (r *Registry) New(name string, raw map[string]any) (Strategy, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	params, err := e.schema.Bind(raw)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return e.factory(params)
}
