package agent

import (
	"sort"
	"sync"

	"github.com/threadline/threadline/errors"
)

// Registry holds the agent catalog. Registration happens at startup;
// lookups run concurrently from request handlers and processor ticks.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Agent
	availability map[string]AvailabilityFunc
}

// NewRegistry creates an empty agent registry
func NewRegistry() *Registry {
	return &Registry{
		agents:       make(map[string]Agent),
		availability: make(map[string]AvailabilityFunc),
	}
}

// Register adds an agent available to all tenants. Re-registering a
// name replaces the previous agent.
func (r *Registry) Register(a Agent) {
	r.RegisterWithAvailability(a, nil)
}

// RegisterWithAvailability adds an agent with a tenant availability
// predicate. A nil predicate means available to everyone.
func (r *Registry) RegisterWithAvailability(a Agent, available AvailabilityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
	r.availability[a.Name()] = available
}

// Get returns a named agent if it exists and is available to the tenant.
func (r *Registry) Get(name, tenantID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, errors.NewAgentNotFoundError("unknown agent: %s", name)
	}
	if available := r.availability[name]; available != nil && !available(tenantID) {
		return nil, errors.NewAgentNotFoundError("agent %s not available for tenant", name)
	}
	return a, nil
}

// ListAvailable returns catalog entries for every agent the tenant can
// use, sorted by name for deterministic selection prompts.
func (r *Registry) ListAvailable(tenantID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.agents))
	for name, a := range r.agents {
		if available := r.availability[name]; available != nil && !available(tenantID) {
			continue
		}
		infos = append(infos, Info{
			Name:         a.Name(),
			Description:  a.Description(),
			Capabilities: a.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
