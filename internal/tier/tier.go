// Package tier implements the three storage levels the cache orchestrates
// (spec §4.1-§4.4): an in-memory map, an on-disk sharded store, and an
// adapter over a remote CAS backend, plus the registry that orders and
// health-checks them.
package tier

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/observability"
)

// Kind is the storage class of a Tier (spec §3).
type Kind string

const (
	KindMemory  Kind = "memory"
	KindDisk    Kind = "disk"
	KindBackend Kind = "backend"
)

// Meta is the subset of CacheEntry metadata a tier needs at write time.
type Meta struct {
	AddedAt      int64
	LastAccessAt int64
	AccessCount  int64
	Pinned       bool
}

// Stats is per-tier bookkeeping surfaced to MetricsCollector (spec §4.10)
// and to the original_source-derived per-tier hit/miss counters.
type Stats struct {
	Hits      int64
	Misses    int64
	UsedBytes int64
	ItemCount int64
}

// Tier is the storage interface every tier implements. Durability,
// capacity, and eviction policy differ per kind; the shape does not.
type Tier interface {
	Name() string
	Kind() Kind
	Priority() int
	MaxItemSize() int64 // 0 means "ask CapacityBytes"; negative means unlimited
	CapacityBytes() int64
	UsedBytes() int64
	Healthy() bool

	Has(ctx context.Context, id cid.CID) (bool, error)
	Get(ctx context.Context, id cid.CID) ([]byte, bool, error)
	Put(ctx context.Context, id cid.CID, data []byte, meta Meta) error
	Evict(ctx context.Context, id cid.CID) (bool, error)
	IterCIDs(ctx context.Context) ([]cid.CID, error)

	Stats() Stats
	// Probe re-checks health and returns the freshly observed value.
	Probe(ctx context.Context) bool
}

// Registry holds the ordered tier list (spec §4.4). Tiers are ordered
// strictly by priority; ties are broken by name for determinism.
type Registry struct {
	mu     sync.RWMutex
	tiers  map[string]Tier
	order  []string
	log    observability.Logger
	cancel context.CancelFunc
}

// NewRegistry creates an empty TierRegistry.
func NewRegistry(log observability.Logger) *Registry {
	if log == nil {
		log = observability.NewNoopLogger()
	}
	return &Registry{tiers: make(map[string]Tier), log: log}
}

// Add registers a tier and re-sorts the priority order.
func (r *Registry) Add(t Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[t.Name()] = t
	r.resort()
}

func (r *Registry) resort() {
	order := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		order = append(order, name)
	}
	sort.Slice(order, func(i, j int) bool {
		ti, tj := r.tiers[order[i]], r.tiers[order[j]]
		if ti.Priority() != tj.Priority() {
			return ti.Priority() < tj.Priority()
		}
		return order[i] < order[j]
	})
	r.order = order
}

// Get returns a tier by name.
func (r *Registry) Get(name string) (Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[name]
	return t, ok
}

// TiersByPriority returns tiers fastest (lowest priority number) first.
func (r *Registry) TiersByPriority() []Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tier, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tiers[name])
	}
	return out
}

// HealthStatus returns the last-probed healthy flag for every tier.
func (r *Registry) HealthStatus() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[string]bool, len(r.tiers))
	for name, t := range r.tiers {
		status[name] = t.Healthy()
	}
	return status
}

// Stats returns per-tier Stats snapshots.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.tiers))
	for name, t := range r.tiers {
		out[name] = t.Stats()
	}
	return out
}

// StartHealthChecks re-probes every tier on healthInterval until ctx is
// canceled or Stop is called.
func (r *Registry) StartHealthChecks(ctx context.Context, healthInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	ticker := time.NewTicker(healthInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

// Stop halts the background health-check loop, if running.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, t := range r.TiersByPriority() {
		healthy := t.Probe(ctx)
		if !healthy {
			r.log.Warn("tier health probe failed", map[string]interface{}{"tier": t.Name()})
		}
	}
}
