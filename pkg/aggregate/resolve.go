package aggregate

import (
	"context"
	"sync"
	"time"

	"socialmesh/pkg/logger"
	"socialmesh/pkg/metrics"
	"socialmesh/pkg/models"
	"socialmesh/pkg/protocol"
)

// Resolver maps an account to the personal data server that currently
// owns it. Ownership is discovered by probing the configured servers
// and follows one migration pointer hop; results are cached with a TTL
// so a migrated account is re-resolved within a few minutes.
type Resolver struct {
	endpoints []string
	pds       *PDSClient
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]resolved
}

type resolved struct {
	endpoint string
	expires  time.Time
}

func NewResolver(endpoints []string, client *PDSClient, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{endpoints: endpoints, pds: client, ttl: ttl, cache: make(map[string]resolved)}
}

// Owner returns the endpoint of the server owning account, probing the
// configured list and chasing a migration pointer when present.
func (r *Resolver) Owner(ctx context.Context, account string) (string, error) {
	r.mu.Lock()
	if hit, ok := r.cache[account]; ok && time.Now().Before(hit.expires) {
		r.mu.Unlock()
		return hit.endpoint, nil
	}
	r.mu.Unlock()

	var lastErr error
	for _, endpoint := range r.endpoints {
		prof, err := r.pds.GetProfile(ctx, endpoint, account)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			metrics.FanoutFailures.WithLabelValues("pds").Inc()
			lastErr = err
			continue
		}
		owner := endpoint
		if prof.MigratedTo != "" {
			// One hop only; a second pointer means a migration race and
			// the stale read is acceptable until the cache expires.
			owner = prof.MigratedTo
			logger.Info("account_resolved_via_migration", "account", account, "owner", owner)
		}
		r.mu.Lock()
		r.cache[account] = resolved{endpoint: owner, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return owner, nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", protocol.Errf(protocol.CodeUnknownAccount, "no configured server owns %s", account)
}

// Profile fetches account's profile from its owning server.
func (r *Resolver) Profile(ctx context.Context, account string) (*models.Profile, error) {
	owner, err := r.Owner(ctx, account)
	if err != nil {
		return nil, err
	}
	resp, err := r.pds.GetProfile(ctx, owner, account)
	if err != nil {
		return nil, err
	}
	return &resp.Profile, nil
}

// Invalidate drops a cached mapping, used after a write that changes
// ownership.
func (r *Resolver) Invalidate(account string) {
	r.mu.Lock()
	delete(r.cache, account)
	r.mu.Unlock()
}
