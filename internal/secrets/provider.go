// Package secrets implements the bounded, TTL-cached secret lookup abstraction
// every component uses instead of reading environment variables directly.
package secrets

import (
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
)

// Backend fetches a named secret from the underlying store (vault, file,
// k8s secret, etc). A Backend returning an error with KindNotFound signals a
// genuine miss; any other error is treated as a transport failure.
type Backend interface {
	Fetch(env, name string) (string, error)
}

// EnvFallbackBackend is a Backend that treats "fetching" a secret as looking
// up the named environment variable directly. It is the default backend when
// no external secret store is configured — the same posture the rest of the
// pack takes for single-node deployments.
type EnvFallbackBackend struct{}

func (EnvFallbackBackend) Fetch(_ string, name string) (string, error) {
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	return "", errs.New(errs.KindNotFound, fmt.Sprintf("secret %q not set", name))
}

type cacheKey struct {
	env  string
	name string
}

// Provider resolves named secrets through a Backend, with a bounded
// in-memory cache keyed by (env, name) that expires entries after a
// configurable TTL. Call Invalidate after a known rotation to bypass the
// cache immediately.
type Provider struct {
	backend Backend
	clock   platform.Clock
	cache   *lru.LRU[cacheKey, cacheEntry]
}

type cacheEntry struct {
	value string
}

// NewProvider creates a Provider backed by backend, caching up to capacity
// entries for ttl. capacity<=0 defaults to 512.
func NewProvider(backend Backend, ttl time.Duration, capacity int) *Provider {
	if capacity <= 0 {
		capacity = 512
	}
	return &Provider{
		backend: backend,
		clock:   platform.SystemClock{},
		cache:   lru.NewLRU[cacheKey, cacheEntry](capacity, nil, ttl),
	}
}

// Get resolves name within env, using the cache when possible. fallbackEnvVar,
// when non-empty, is consulted if the backend reports a miss — this lets
// callers declare a well-known environment variable as a last resort, per the
// component contract (SecretProvider.get falls back to a named env var).
func (p *Provider) Get(env, name, fallbackEnvVar string) (string, error) {
	key := cacheKey{env: env, name: name}
	if entry, ok := p.cache.Get(key); ok {
		return entry.value, nil
	}

	value, err := p.backend.Fetch(env, name)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) && fallbackEnvVar != "" {
			if v, ok := os.LookupEnv(fallbackEnvVar); ok {
				p.cache.Add(key, cacheEntry{value: v})
				return v, nil
			}
		}
		return "", err
	}

	p.cache.Add(key, cacheEntry{value: value})
	return value, nil
}

// Invalidate drops a cached entry, forcing the next Get to hit the backend.
func (p *Provider) Invalidate(env, name string) {
	p.cache.Remove(cacheKey{env: env, name: name})
}
