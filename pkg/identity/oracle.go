// Package identity consumes the external identity registry. The core
// never implements identity; it only asks whether an account exists and
// whether a signing key is currently authorized for it.
package identity

import (
	"context"
	"sync"

	"socialmesh/pkg/config"
	"socialmesh/pkg/logger"
)

// Oracle answers account and signing-key questions. Implementations must
// be safe for concurrent use.
type Oracle interface {
	// ResolveAccount reports whether accountID is registered and active.
	ResolveAccount(ctx context.Context, accountID string) (bool, error)
	// IsAuthorizedSigner reports whether signingKey may currently sign
	// on behalf of accountID.
	IsAuthorizedSigner(ctx context.Context, accountID, signingKey string) (bool, error)
}

// FromConfig selects the oracle implementation: an HTTP registry client
// when a registry URL is configured, a static in-memory registry when
// accounts are listed, and permissive mode otherwise.
func FromConfig(cfg config.IdentityConfig) Oracle {
	if cfg.RegistryURL != "" {
		return NewHTTPOracle(cfg.RegistryURL)
	}
	if len(cfg.Accounts) > 0 {
		st := NewStatic()
		for _, a := range cfg.Accounts {
			st.Register(a.AccountID, a.Keys...)
		}
		return st
	}
	logger.Warn("identity_registry_not_configured", "mode", "permissive")
	return Permissive{}
}

// Permissive accepts every account and key. It mirrors a deployment
// without a registry; signature bytes are still verified upstream.
type Permissive struct{}

func (Permissive) ResolveAccount(context.Context, string) (bool, error) { return true, nil }
func (Permissive) IsAuthorizedSigner(context.Context, string, string) (bool, error) {
	return true, nil
}

// Static is an in-memory registry for development and tests.
type Static struct {
	mu   sync.RWMutex
	keys map[string]map[string]struct{}
}

func NewStatic() *Static {
	return &Static{keys: make(map[string]map[string]struct{})}
}

// Register adds an account with its authorized signing keys.
func (s *Static) Register(accountID string, signingKeys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[accountID]
	if !ok {
		ks = make(map[string]struct{})
		s.keys[accountID] = ks
	}
	for _, k := range signingKeys {
		ks[k] = struct{}{}
	}
}

// Revoke removes a signing key from an account.
func (s *Static) Revoke(accountID, signingKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.keys[accountID]; ok {
		delete(ks, signingKey)
	}
}

func (s *Static) ResolveAccount(_ context.Context, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[accountID]
	return ok, nil
}

func (s *Static) IsAuthorizedSigner(_ context.Context, accountID, signingKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ks, ok := s.keys[accountID]
	if !ok {
		return false, nil
	}
	_, ok = ks[signingKey]
	return ok, nil
}
