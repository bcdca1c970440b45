package runner

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// AgentDefinition is a named agent configuration that workflow steps
// reference by ID. The provider field selects which registered Runner
// executes the agent.
type AgentDefinition struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int64    `json:"maxTokens,omitempty"`
}

// Roster is the thread-safe registry of agent definitions and provider
// runners. Steps resolve agents through it at execution time.
type Roster struct {
	mu      sync.RWMutex
	agents  map[string]AgentDefinition
	runners map[string]Runner
}

// NewRoster creates an empty Roster.
func NewRoster() *Roster {
	return &Roster{
		agents:  make(map[string]AgentDefinition),
		runners: make(map[string]Runner),
	}
}

// RegisterAgent adds an agent definition. Returns error on duplicate ID.
func (r *Roster) RegisterAgent(def AgentDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is empty")
	}
	if def.Provider == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q has no provider", def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", def.ID)
	}
	r.agents[def.ID] = def
	return nil
}

// RegisterRunner adds a provider runner keyed by its Name.
func (r *Roster) RegisterRunner(rn Runner) error {
	if rn == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner is nil")
	}
	name := rn.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "runner name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner %q already registered", name)
	}
	r.runners[name] = rn
	return nil
}

// Resolve returns the agent definition and the runner for its provider.
func (r *Roster) Resolve(agentID string) (AgentDefinition, Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.agents[agentID]
	if !ok {
		return AgentDefinition{}, nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", agentID)
	}
	rn, ok := r.runners[def.Provider]
	if !ok {
		return AgentDefinition{}, nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no runner for provider %q (agent %q)", def.Provider, agentID)
	}
	return def, rn, nil
}

// HasAgent checks if an agent ID is registered.
func (r *Roster) HasAgent(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Agents returns all registered definitions, sorted by ID.
func (r *Roster) Agents() []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]AgentDefinition, 0, len(r.agents))
	for _, d := range r.agents {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// LoadAgentsFile reads a JSON array of agent definitions and registers each.
func (r *Roster) LoadAgentsFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "read agents file %q: %s", path, err.Error()).
			WithCause(err)
	}

	var defs []AgentDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "parse agents file %q: %s", path, err.Error()).
			WithCause(err)
	}

	registered := 0
	for _, def := range defs {
		if err := r.RegisterAgent(def); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}
