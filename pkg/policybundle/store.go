package policybundle

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// Store holds the immutable active bundle pointer plus rollout state and
// serves the Apply API (§4.1). Readers take an atomic snapshot; the writer
// installs a new verified bundle by a single pointer store — no in-place
// mutation of the active bundle (§9).
type Store struct {
	mu        sync.RWMutex
	versions  map[string]*Compiled
	rollout   Rollout
	publicKey ed25519.PublicKey
	requireSig bool
}

// Rollout is the mutable single-row pointer state (§3).
type Rollout struct {
	ActiveVersion string
	CanaryVersion string
	CanaryPercent int
	Seed          int64
	Pins          map[string]string
}

func NewStore(publicKey ed25519.PublicKey, requireSignature bool) *Store {
	return &Store{
		versions:   map[string]*Compiled{},
		rollout:    Rollout{Seed: 1, Pins: map[string]string{}},
		publicKey:  publicKey,
		requireSig: requireSignature,
	}
}

// Bootstrap installs the first bundle as both the stored version and the
// active pointer, used at process start for POLICY_FILE.
func (s *Store) Bootstrap(c *Compiled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[c.Bundle.Version] = c
	s.rollout.ActiveVersion = c.Bundle.Version
}

// ApplyStrategy selects how a newly applied version takes effect.
type ApplyStrategy struct {
	Kind          string // "active" | "canary_percent" | "explicit"
	CanaryPercent int
	ExplicitTenants []string
}

// Apply installs an already-verified, compiled bundle per strategy. The
// caller (admin handler or CLI) is responsible for calling FromBytes first
// so SignatureInvalid/Malformed are reported before Apply is ever called.
func (s *Store) Apply(strategy ApplyStrategy, compiled *Compiled) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[compiled.Bundle.Version]; exists {
		return fmt.Errorf("%w: version %s already applied", ErrVersionConflict, compiled.Bundle.Version)
	}
	s.versions[compiled.Bundle.Version] = compiled
	switch strategy.Kind {
	case "active":
		s.rollout.ActiveVersion = compiled.Bundle.Version
		s.rollout.CanaryVersion = ""
		s.rollout.CanaryPercent = 0
	case "canary_percent":
		s.rollout.CanaryVersion = compiled.Bundle.Version
		s.rollout.CanaryPercent = strategy.CanaryPercent
	case "explicit":
		if s.rollout.Pins == nil {
			s.rollout.Pins = map[string]string{}
		}
		for _, t := range strategy.ExplicitTenants {
			s.rollout.Pins[t] = compiled.Bundle.Version
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrMalformed, strategy.Kind)
	}
	return nil
}

// Resolver returns a snapshot resolver usable for the duration of one
// request (§5: readers hold a snapshot).
func (s *Store) Resolver() Resolver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pins := make(map[string]string, len(s.rollout.Pins))
	for k, v := range s.rollout.Pins {
		pins[k] = v
	}
	return Resolver{
		ActiveVersion: s.rollout.ActiveVersion,
		CanaryVersion: s.rollout.CanaryVersion,
		CanaryPercent: s.rollout.CanaryPercent,
		Seed:          s.rollout.Seed,
		Pins:          pins,
	}
}

// BundleFor resolves and returns the compiled bundle for a tenant.
func (s *Store) BundleFor(tenant string) (*Compiled, error) {
	version := s.Resolver().Resolve(tenant)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.versions[version]
	if !ok {
		return nil, fmt.Errorf("policybundle: no bundle installed for version %q", version)
	}
	return c, nil
}

func (s *Store) Get(version string) (*Compiled, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.versions[version]
	return c, ok
}

func (s *Store) SetTenantPin(tenant, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[version]; !ok {
		return fmt.Errorf("policybundle: pin to unknown version %q", version)
	}
	if s.rollout.Pins == nil {
		s.rollout.Pins = map[string]string{}
	}
	s.rollout.Pins[tenant] = version
	return nil
}

func (s *Store) RolloutSnapshot() Rollout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollout
}
