package keywarden

import "fmt"

// Router resolves a capability and attempt number to a concrete model.
// Chains are static configuration, read-only at runtime; the router keeps no
// state between logical requests, so every request starts at attempt 0.
type Router struct {
	chains map[Capability][]string
}

// NewRouter builds a router from the configured chains.
func NewRouter(chains []ChainConfig) (*Router, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("keywarden: at least one capability chain is required")
	}
	m := make(map[Capability][]string, len(chains))
	for _, ch := range chains {
		if len(ch.Models) == 0 {
			return nil, fmt.Errorf("keywarden: empty chain for capability %q", ch.Capability)
		}
		models := make([]string, len(ch.Models))
		copy(models, ch.Models)
		m[ch.Capability] = models
	}
	return &Router{chains: m}, nil
}

// Resolve returns the model at position attempt in the capability's fallback
// chain (0 = primary). Returns ErrChainExhausted once attempt runs past the
// end of the chain, and ErrUnknownCapability for a capability with no chain.
func (r *Router) Resolve(capability Capability, attempt int) (string, error) {
	chain, ok := r.chains[capability]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	if attempt < 0 || attempt >= len(chain) {
		return "", ErrChainExhausted
	}
	return chain[attempt], nil
}

// ChainLen returns the length of a capability's chain, 0 if unknown.
func (r *Router) ChainLen(capability Capability) int {
	return len(r.chains[capability])
}
