// Package payload defines the pluggable apply contract for session sources.
//
// A session edits one opaque payload. The payload kind supplies a Strategy:
// a pure, deterministic apply function plus an explicit encode/decode pair
// for the durable baseline snapshot. Apply never mutates its input; it
// returns a new value, so a failed apply leaves the session's in-memory
// payload untouched.
package payload

import "github.com/s2quake/tabledeck/internal/session/action"

// Strategy applies payload actions to an opaque value and codes it to bytes.
//
// Apply must be deterministic given identical inputs: replaying the same
// action sequence against the same decoded baseline must yield the same
// encoded bytes.
type Strategy interface {
	// Kind is the source-type tag written into the journal header.
	Kind() string
	// Apply returns the payload after the action, or an error leaving the
	// current payload valid and unchanged.
	Apply(current any, act action.Action) (any, error)
	// Encode serializes the payload for the baseline snapshot.
	Encode(current any) ([]byte, error)
	// Decode reverses Encode.
	Decode(data []byte) (any, error)
}

// Registry resolves strategies by their source-type tag.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates a Registry from the provided strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Kind()] = s
	}
	return r
}

// Get returns the strategy for the source-type tag, or nil.
func (r *Registry) Get(kind string) Strategy {
	if r == nil {
		return nil
	}
	return r.strategies[kind]
}
