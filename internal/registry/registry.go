// Package registry resolves phase and chain names against the parsed configuration.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

var (
	ErrPhaseNotFound   = errors.New("phase not found")
	ErrChainNotFound   = errors.New("chain not found")
	ErrNoChainForEvent = errors.New("no chain configured for event")
	ErrEmptyChain      = errors.New("chain has no phases")
)

// Registry is a read-only view over configured phases and chains
type Registry struct {
	phases     map[string]domain.PhaseDefinition
	chains     map[string]domain.ChainDefinition
	chainOrder []string
}

// New builds a registry from the configuration's phase_config and phase_chains
func New(cfg *config.Config) *Registry {
	r := &Registry{
		phases: make(map[string]domain.PhaseDefinition, len(cfg.PhaseConfig)),
		chains: make(map[string]domain.ChainDefinition, len(cfg.PhaseChains)),
	}
	for name, pc := range cfg.PhaseConfig {
		r.phases[name] = domain.PhaseDefinition{
			Name:             name,
			Command:          pc.Command,
			RequiresRunID:    pc.TakesRunID(),
			CompletionMarker: pc.CompletionMarker,
		}
	}
	for name, cc := range cfg.PhaseChains {
		r.chains[name] = domain.ChainDefinition{
			Name:          name,
			Phases:        append([]string(nil), cc.Phases...),
			TriggerEvents: append([]string(nil), cc.TriggerEvents...),
			NextChain:     cc.NextChain,
		}
		r.chainOrder = append(r.chainOrder, name)
	}
	sort.Strings(r.chainOrder)
	return r
}

// Phase resolves a phase definition by name
func (r *Registry) Phase(name string) (domain.PhaseDefinition, error) {
	p, ok := r.phases[name]
	if !ok {
		return domain.PhaseDefinition{}, fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	return p, nil
}

// Chain resolves a chain definition by name
func (r *Registry) Chain(name string) (domain.ChainDefinition, error) {
	c, ok := r.chains[name]
	if !ok {
		return domain.ChainDefinition{}, fmt.Errorf("%w: %s", ErrChainNotFound, name)
	}
	return c, nil
}

// ChainForEvent returns the first chain, in name order, bound to event
func (r *Registry) ChainForEvent(event string) (string, error) {
	for _, name := range r.chainOrder {
		if r.chains[name].HandlesEvent(event) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoChainForEvent, event)
}

// ChainNames returns all chain names in sorted order
func (r *Registry) ChainNames() []string {
	return append([]string(nil), r.chainOrder...)
}

// ResolveChain resolves a chain and every phase it names
func (r *Registry) ResolveChain(name string) (domain.ChainDefinition, []domain.PhaseDefinition, error) {
	chain, err := r.Chain(name)
	if err != nil {
		return domain.ChainDefinition{}, nil, err
	}
	if len(chain.Phases) == 0 {
		return domain.ChainDefinition{}, nil, fmt.Errorf("%w: %s", ErrEmptyChain, name)
	}
	defs := make([]domain.PhaseDefinition, 0, len(chain.Phases))
	for _, phase := range chain.Phases {
		def, err := r.Phase(phase)
		if err != nil {
			return domain.ChainDefinition{}, nil, fmt.Errorf("chain %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return chain, defs, nil
}

// Validate reports every configuration problem found in the chains
func (r *Registry) Validate() error {
	var problems []string
	claimed := make(map[string]string)
	for _, name := range r.chainOrder {
		chain := r.chains[name]
		if len(chain.Phases) == 0 {
			problems = append(problems, fmt.Sprintf("chain %s has no phases", name))
		}
		for _, phase := range chain.Phases {
			if _, ok := r.phases[phase]; !ok {
				problems = append(problems, fmt.Sprintf("chain %s references unknown phase %s", name, phase))
			}
		}
		if chain.NextChain != "" {
			if _, ok := r.chains[chain.NextChain]; !ok {
				problems = append(problems, fmt.Sprintf("chain %s has unknown next_chain %s", name, chain.NextChain))
			}
		}
		for _, event := range chain.TriggerEvents {
			if other, ok := claimed[event]; ok {
				problems = append(problems, fmt.Sprintf("event %s is bound to both %s and %s", event, other, name))
				continue
			}
			claimed[event] = name
		}
	}
	for name, p := range r.phases {
		if strings.TrimSpace(p.Command) == "" {
			problems = append(problems, fmt.Sprintf("phase %s has no command", name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid phase configuration: %s", strings.Join(problems, "; "))
}

// Holder holds the current registry and allows it to be swapped on reload
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder creates a holder seeded with r
func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

// Get returns the current registry
func (h *Holder) Get() *Registry {
	return h.current.Load()
}

// Swap installs a new registry
func (h *Holder) Swap(r *Registry) {
	h.current.Store(r)
}
