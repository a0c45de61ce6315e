// Package rulecontext decides whether a named rule context applies on a
// given date. Predicates are pluggable: new kinds register by id without
// the policy evaluator changing.
package rulecontext

import (
	"fmt"
	"time"
)

// Predicate answers "is this context active on this date" for one
// context kind. Validate rejects malformed detail strings at config load
// time; IsActive must never fail the evaluation, it degrades instead.
type Predicate interface {
	// ID is the context id rule sets refer to.
	ID() string

	// Validate checks the detail string. Errors are fatal configuration
	// errors.
	Validate(detail string) error

	// IsActive reports whether the context applies on the reference date.
	IsActive(ref time.Time, detail string) bool
}

// Registry resolves context ids to predicates. One predicate is flagged
// as the default for rule sets without a context id.
type Registry struct {
	predicates map[string]Predicate
	defaultID  string
}

// NewRegistry creates a registry holding the given predicates; the first
// one is the default.
func NewRegistry(predicates ...Predicate) *Registry {
	r := &Registry{predicates: make(map[string]Predicate)}
	for i, p := range predicates {
		r.predicates[p.ID()] = p
		if i == 0 {
			r.defaultID = p.ID()
		}
	}
	return r
}

// Register adds a predicate kind.
func (r *Registry) Register(p Predicate) {
	r.predicates[p.ID()] = p
}

// Lookup resolves a context id; the empty id resolves to the default
// predicate. An unregistered id is a configuration error.
func (r *Registry) Lookup(id string) (Predicate, error) {
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.predicates[id]
	if !ok {
		return nil, fmt.Errorf("unknown rule context %q", id)
	}
	return p, nil
}
