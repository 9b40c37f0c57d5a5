package keywarden

import (
	"fmt"
	"sync"
)

// Credential is an API key with its provider-imposed caps. Immutable after
// construction except for the enabled flag, which lives in the pool.
type Credential struct {
	ID           string
	Secret       string // never logged; meter events carry the ID only
	DailyCap     int64
	PerMinuteCap int64
	Prepaid      bool
}

// CredentialPool holds the configured credentials in creation order. The set
// itself is read-only after startup; only the enabled flag is mutable, used
// to exclude a credential the provider rejected without deleting its history.
type CredentialPool struct {
	mu       sync.RWMutex
	creds    []Credential
	byID     map[string]Credential
	disabled map[string]bool
}

// NewCredentialPool builds a pool from credentials in creation order.
func NewCredentialPool(creds []Credential) (*CredentialPool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("keywarden: at least one credential is required")
	}
	byID := make(map[string]Credential, len(creds))
	for _, c := range creds {
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("keywarden: duplicate credential id %q", c.ID)
		}
		byID[c.ID] = c
	}
	return &CredentialPool{
		creds:    creds,
		byID:     byID,
		disabled: make(map[string]bool),
	}, nil
}

// ListEnabled returns the enabled credentials in creation order.
func (p *CredentialPool) ListEnabled() []Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if !p.disabled[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the credential with the given id, enabled or not.
func (p *CredentialPool) Get(id string) (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.byID[id]
	return c, ok
}

// Disable excludes a credential from future selection.
func (p *CredentialPool) Disable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; ok {
		p.disabled[id] = true
	}
}

// Enable restores a previously disabled credential.
func (p *CredentialPool) Enable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.disabled, id)
}

// Enabled reports whether a credential is currently enabled.
func (p *CredentialPool) Enabled(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.byID[id]
	return ok && !p.disabled[id]
}
