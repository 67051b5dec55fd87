package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProfileNotFound is returned when a registry lookup misses.
var ErrProfileNotFound = errors.New("profile not found")

// AgentProfile describes a worker capability: which provider and model to
// run, the system prompt, and the default tool set.
type AgentProfile struct {
	// Name is the registry key referenced by TaskConfig.Profile and
	// OrchestratorConfig.Candidates.
	Name string `json:"name" yaml:"name"`

	// Provider is the backing LLM provider identifier (e.g. "openai").
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `json:"model" yaml:"model"`

	// Prompt is the system prompt establishing the profile's capability.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// Tools is the default tool allowlist. A task may narrow it further.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// ProfileRegistry resolves profile names to AgentProfiles.
type ProfileRegistry interface {
	// Get returns the profile registered under name.
	Get(name string) (AgentProfile, error)

	// List returns all registered profile names in registration order.
	List() []string
}

// InMemoryProfileRegistry is a simple map-backed ProfileRegistry.
// Safe for concurrent use.
type InMemoryProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]AgentProfile
	order    []string
}

// NewInMemoryProfileRegistry creates an empty registry.
func NewInMemoryProfileRegistry() *InMemoryProfileRegistry {
	return &InMemoryProfileRegistry{
		profiles: make(map[string]AgentProfile),
	}
}

// Register adds or replaces a profile. Registering an empty name is an error.
func (r *InMemoryProfileRegistry) Register(p AgentProfile) error {
	if p.Name == "" {
		return errors.New("profile name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.Name]; !exists {
		r.order = append(r.order, p.Name)
	}
	r.profiles[p.Name] = p
	return nil
}

// Get implements ProfileRegistry.
func (r *InMemoryProfileRegistry) Get(name string) (AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return AgentProfile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, nil
}

// List implements ProfileRegistry.
func (r *InMemoryProfileRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Ensure interface compliance at compile time.
var _ ProfileRegistry = (*InMemoryProfileRegistry)(nil)
