package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tangled.org/arabica.social/modgate/internal/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// SettingsOptions configures the rollout settings provider.
type SettingsOptions struct {
	// Timeout bounds each fetch from the settings store.
	Timeout time.Duration
	// CacheTTL is how long a loaded snapshot is reused. Zero disables caching.
	CacheTTL time.Duration
	// CacheSize is the number of deployments kept.
	CacheSize int
}

// DefaultSettingsOptions returns the production settings.
func DefaultSettingsOptions() SettingsOptions {
	return SettingsOptions{
		Timeout:   250 * time.Millisecond,
		CacheTTL:  5 * time.Second,
		CacheSize: 64,
	}
}

// AuthorityRecord is the reserved override record that holds the primary
// system shared by every deployment and replica.
const AuthorityRecord = "_authority"

// ReservedDeployment reports whether name cannot be used as a deployment.
func ReservedDeployment(name string) bool {
	return strings.HasPrefix(name, "_")
}

// SettingsProvider produces rollout snapshots. It never fails: if the store
// is slow or unreachable it returns DefaultConfig with Fallback set.
type SettingsProvider struct {
	store   SettingsStore
	timeout time.Duration
	cache   *expirable.LRU[string, RolloutConfig]
	group   singleflight.Group
	now     func() time.Time

	// primary is used until an operator stores one in AuthorityRecord.
	primary System

	mu          sync.Mutex
	generations map[string]uint64
}

// NewSettingsProvider creates a provider reading from store.
func NewSettingsProvider(store SettingsStore, opts SettingsOptions) *SettingsProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSettingsOptions().Timeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultSettingsOptions().CacheSize
	}
	p := &SettingsProvider{
		store:       store,
		timeout:     opts.Timeout,
		now:         time.Now,
		primary:     SystemCurrent,
		generations: make(map[string]uint64),
	}
	if opts.CacheTTL > 0 {
		p.cache = expirable.NewLRU[string, RolloutConfig](opts.CacheSize, nil, opts.CacheTTL)
	}
	return p
}

// Config returns the rollout snapshot for deployment. Concurrent callers for
// the same deployment share one store round-trip, which runs detached from
// any single caller's cancellation but still under the provider timeout.
func (p *SettingsProvider) Config(ctx context.Context, deployment string) RolloutConfig {
	if p.cache != nil {
		if cfg, ok := p.cache.Get(deployment); ok {
			return cfg.clone()
		}
	}

	gen := p.generation(deployment)
	v, _, _ := p.group.Do(deployment, func() (any, error) {
		o, err := p.load(context.WithoutCancel(ctx), deployment)
		if err != nil {
			log.Warn().
				Err(err).
				Str("deployment", deployment).
				Str("code", string(CodeConfigUnavailable)).
				Msg("rollout: settings unavailable, using safe defaults")
			metrics.ConfigFallbacksTotal.Inc()
			return p.fallback(), nil
		}
		cfg := GetConfig(o, p.now())
		// A save that landed while this load was in flight wins.
		if p.cache != nil && p.generation(deployment) == gen {
			p.cache.Add(deployment, cfg)
		}
		return cfg, nil
	})
	return v.(RolloutConfig).clone()
}

// fallback returns the safe snapshot used when the store cannot be read.
func (p *SettingsProvider) fallback() RolloutConfig {
	cfg := DefaultConfig()
	cfg.TakenAt = p.now()
	cfg.Fallback = true
	return cfg
}

// Authority reads the primary system from AuthorityRecord. It is never
// cached, so a switch is seen by every replica on its next read. When the
// store cannot be read it returns ErrConfigUnavailable and an authority
// under which the legacy generation is passive.
func (p *SettingsProvider) Authority(ctx context.Context) (Authority, error) {
	v, err, _ := p.group.Do(AuthorityRecord, func() (any, error) {
		o, err := p.load(context.WithoutCancel(ctx), AuthorityRecord)
		if err != nil {
			return nil, err
		}
		return authorityFrom(o, p.primary), nil
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("code", string(CodeConfigUnavailable)).
			Msg("rollout: authority unavailable, nobody enforces")
		metrics.ConfigFallbacksTotal.Inc()
		return NewAuthority(SystemCurrent), fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}
	return v.(Authority), nil
}

func authorityFrom(o *RolloutOverrides, primary System) Authority {
	if o != nil && o.Primary != nil {
		return NewAuthority(*o.Primary)
	}
	return NewAuthority(primary)
}

// Overrides reads the raw override record, bypassing the cache. Admin
// writes start from it. It returns ErrConfigUnavailable when the store
// cannot be read.
func (p *SettingsProvider) Overrides(ctx context.Context, deployment string) (*RolloutOverrides, error) {
	o, err := p.load(ctx, deployment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}
	return o, nil
}

// Save persists o and drops the cached snapshot.
func (p *SettingsProvider) Save(ctx context.Context, deployment string, o RolloutOverrides) error {
	if err := p.store.SaveRolloutOverrides(ctx, deployment, o); err != nil {
		return fmt.Errorf("failed to save rollout overrides: %w", err)
	}
	p.Invalidate(deployment)
	return nil
}

// Invalidate drops the cached snapshot for deployment and detaches any load
// already in flight, so it can neither be joined nor cached.
func (p *SettingsProvider) Invalidate(deployment string) {
	p.mu.Lock()
	p.generations[deployment]++
	p.mu.Unlock()

	p.group.Forget(deployment)
	if p.cache != nil {
		p.cache.Remove(deployment)
	}
}

func (p *SettingsProvider) generation(deployment string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations[deployment]
}

type loadResult struct {
	overrides *RolloutOverrides
	err       error
}

// load runs the store read under the provider timeout. The read runs in its
// own goroutine so a store that ignores ctx still cannot hold the caller.
func (p *SettingsProvider) load(ctx context.Context, deployment string) (*RolloutOverrides, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ch := make(chan loadResult, 1)
	go func() {
		o, err := p.store.LoadRolloutOverrides(ctx, deployment)
		ch <- loadResult{overrides: o, err: err}
	}()

	select {
	case r := <-ch:
		return r.overrides, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("settings fetch exceeded %s: %w", p.timeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
