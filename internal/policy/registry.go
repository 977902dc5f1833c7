package policy

import (
	"fmt"
	"sort"
)

// Registry holds all protected utility policies.
// Lookups follow registration order so the same utility always wins.
type Registry struct {
	policies map[string]UtilityPolicy
	order    []string
}

// NewRegistry creates a registry with all default policies.
func NewRegistry() *Registry {
	return NewRegistryWithPolicies(
		NewTaskManagerPolicy(),
		NewManagementConsolePolicy(),
		NewControlPanelPolicy(),
	)
}

// NewRegistryWithPolicies creates a registry with custom policies (for testing).
func NewRegistryWithPolicies(policies ...UtilityPolicy) *Registry {
	r := &Registry{
		policies: make(map[string]UtilityPolicy),
	}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// Register adds a policy to the registry, replacing one with the same ID.
func (r *Registry) Register(p UtilityPolicy) {
	if _, exists := r.policies[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.policies[p.ID()] = p
}

// Get returns a policy by ID.
func (r *Registry) Get(id string) (UtilityPolicy, error) {
	p, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return p, nil
}

// GetAll returns all registered policies in registration order.
func (r *Registry) GetAll() []UtilityPolicy {
	result := make([]UtilityPolicy, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.policies[id])
	}
	return result
}

// List returns all policy IDs, sorted.
func (r *Registry) List() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// Match returns the first protected utility among running processes.
func (r *Registry) Match(running []string) (Match, bool) {
	for _, id := range r.order {
		p := r.policies[id]
		for _, name := range running {
			if Matches(p, name) {
				return Match{Policy: p, ProcessName: name}, true
			}
		}
	}
	return Match{}, false
}
