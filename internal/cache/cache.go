// Package cache implements TieredCache, the orchestrator that owns the
// metadata index and routes get/put/invalidate across the tier registry
// (spec §4.6).
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/clock"
	"github.com/caskit/gateway/internal/entry"
	"github.com/caskit/gateway/internal/gateway"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/metrics"
	"github.com/caskit/gateway/internal/observability"
	"github.com/caskit/gateway/internal/replication"
	"github.com/caskit/gateway/internal/tier"
)

// PromotionRequest is queued, not performed inline, so a hot read never
// pays for a cross-tier copy on its own critical path (spec §4.6:
// "Promotion is marked, not synchronously performed").
type PromotionRequest struct {
	CID  cid.CID
	From string
	To   string
}

// Config tunes the orchestrator (spec §6.2 subset TieredCache owns).
type Config struct {
	// PromotionThreshold is the access_count a non-primary-tier hit must
	// reach before it is marked for promotion (spec §4.6: "access_count
	// >= promotion_threshold (default 3)").
	PromotionThreshold  int
	PromotionQueueSize  int
}

// TieredCache is the single entry point callers use: it never talks to a
// tier.Tier directly except through the registry, and it is the only
// component allowed to mutate CacheEntry metadata.
type TieredCache struct {
	registry *tier.Registry
	heat     *heat.Model
	clock    clock.Clock
	log      observability.Logger
	cfg      Config

	mu    sync.RWMutex
	index map[cid.CID]*entry.CacheEntry

	promotions chan PromotionRequest
	metrics    *metrics.Collector
	fetcher    *gateway.Fetcher
	repl       *replication.Manager

	useGatewayFallback bool
}

// SetMetrics attaches a Collector the cache reports get/put outcomes to.
// Optional: a TieredCache with no Collector still works, it just reports
// nothing.
func (c *TieredCache) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// SetFetcher attaches the GatewayFetcher GetContent falls back to on a
// full local miss, and whether that fallback is enabled (spec §6.2's
// use_gateway_fallback). Optional: without a fetcher, GetContent behaves
// exactly like Get.
func (c *TieredCache) SetFetcher(f *gateway.Fetcher, useGatewayFallback bool) {
	c.fetcher = f
	c.useGatewayFallback = useGatewayFallback
}

// SetReplication attaches the ReplicationManager AddContent enforces
// quorum through. Optional: without one, AddContent never replicates.
func (c *TieredCache) SetReplication(r *replication.Manager) {
	c.repl = r
}

// New creates a TieredCache. Callers should range over
// DrainPromotions from a maintenance loop; the queue here only buffers.
func New(registry *tier.Registry, heatModel *heat.Model, c clock.Clock, log observability.Logger, cfg Config) *TieredCache {
	if log == nil {
		log = observability.NewNoopLogger()
	}
	if cfg.PromotionQueueSize <= 0 {
		cfg.PromotionQueueSize = 1000
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 3
	}
	return &TieredCache{
		registry:   registry,
		heat:       heatModel,
		clock:      c,
		log:        log,
		cfg:        cfg,
		index:      make(map[cid.CID]*entry.CacheEntry),
		promotions: make(chan PromotionRequest, cfg.PromotionQueueSize),
	}
}

// Get walks tiers in priority order, skipping unhealthy ones, and returns
// on the first hit. A hit in a tier below the fastest one marks a
// promotion candidate rather than copying synchronously.
func (c *TieredCache) Get(ctx context.Context, id cid.CID) ([]byte, bool, error) {
	start := time.Now()
	tiers := c.registry.TiersByPriority()
	if len(tiers) == 0 {
		return nil, false, nil
	}
	for i, t := range tiers {
		if !t.Healthy() {
			continue
		}
		data, ok, err := t.Get(ctx, id)
		if err != nil {
			c.log.Warn("tier get failed, trying next tier", map[string]interface{}{"tier": t.Name(), "cid": id.String(), "error": err.Error()})
			continue
		}
		if !ok {
			if c.metrics != nil {
				c.metrics.RecordTierMiss(t.Name())
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordTierHit(t.Name())
			c.metrics.RecordGet(t.Name(), "hit", time.Since(start), int64(len(data)))
		}
		c.heat.RecordAccess(id, t.Name())
		c.touchEntry(id, t.Name())
		if i > 0 {
			c.maybeQueuePromotion(id, t.Name(), tiers[0].Name())
		}
		return data, true, nil
	}
	if c.metrics != nil {
		c.metrics.RecordGet("", "miss", time.Since(start), 0)
	}
	return nil, false, nil
}

func (c *TieredCache) touchEntry(id cid.CID, tierName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[id]
	if !ok {
		e = &entry.CacheEntry{CID: id, AddedAt: c.clock.NowSeconds(), CurrentTier: tierName}
		c.index[id] = e
	}
	e.LastAccessAt = c.clock.NowSeconds()
	e.AccessCount++
}

func (c *TieredCache) maybeQueuePromotion(id cid.CID, from, to string) {
	if from == to {
		return
	}
	rec, ok := c.heat.Get(id)
	if !ok || rec.Count < int64(c.cfg.PromotionThreshold) {
		return
	}
	select {
	case c.promotions <- PromotionRequest{CID: id, From: from, To: to}:
	default:
		c.log.Warn("promotion queue full, dropping candidate", map[string]interface{}{"cid": id.String()})
	}
}

// Put writes data to the fastest tier and records metadata. The CID is the
// caller's responsibility to have derived via cid.New; Put never computes
// content hashes itself (assigning a CID is AddContent's job).
//
// If the default (fastest) tier rejects the item as too large, Put tries
// each slower tier in turn rather than failing outright (spec §9: "default
// tier unless item too large, then next-accepting tier"). Unhealthy tiers
// are skipped; if every tier is unhealthy, Put reports WriteFailed (spec
// §8: "All tiers unhealthy: ... put returns WriteFailed").
//
// A CID already tracked in the index is a no-op: content is addressed by
// its hash, so a re-put never carries different bytes for the same CID,
// and the write is skipped. Access stats still advance, the same as a
// read would (spec §8: "put(cid, X) when the CID is already present is a
// no-op that still updates access stats").
func (c *TieredCache) Put(ctx context.Context, id cid.CID, data []byte, pinned bool) error {
	start := time.Now()

	c.mu.Lock()
	if e, ok := c.index[id]; ok {
		e.LastAccessAt = c.clock.NowSeconds()
		e.AccessCount++
		if pinned {
			e.Pinned = true
		}
		c.mu.Unlock()
		c.heat.RecordAccess(id, "")
		if c.metrics != nil {
			c.metrics.RecordPut("noop", time.Since(start))
		}
		return nil
	}
	c.mu.Unlock()

	tiers := c.registry.TiersByPriority()
	if len(tiers) == 0 {
		return caserr.New(caserr.KindWriteFailed, "cache.put", id.String(), nil)
	}
	now := c.clock.NowSeconds()
	meta := tier.Meta{AddedAt: now, LastAccessAt: now, AccessCount: 1, Pinned: pinned}

	var target tier.Tier
	var err error
	anyHealthy := false
	for _, t := range tiers {
		if !t.Healthy() {
			continue
		}
		anyHealthy = true
		err = t.Put(ctx, id, data, meta)
		if err == nil {
			target = t
			break
		}
		if caserr.KindOf(err) != caserr.KindTooLarge {
			break
		}
	}
	if target == nil {
		if !anyHealthy {
			err = caserr.New(caserr.KindWriteFailed, "cache.put", id.String(), nil)
		}
		if c.metrics != nil {
			c.metrics.RecordPut("error", time.Since(start))
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordPut("success", time.Since(start))
	}
	c.heat.RecordAccess(id, "")

	c.mu.Lock()
	c.index[id] = &entry.CacheEntry{
		CID:          id,
		Size:         int64(len(data)),
		AddedAt:      now,
		LastAccessAt: now,
		AccessCount:  1,
		CurrentTier:  target.Name(),
		Pinned:       pinned,
	}
	c.mu.Unlock()
	return nil
}

// Invalidate removes a CID from every tier and drops its metadata, but
// leaves the AccessRecord in the heat model alone; a re-add should not
// forget the CID ran hot before.
func (c *TieredCache) Invalidate(ctx context.Context, id cid.CID) error {
	var lastErr error
	for _, t := range c.registry.TiersByPriority() {
		if _, err := t.Evict(ctx, id); err != nil {
			lastErr = err
			c.log.Warn("invalidate failed on tier", map[string]interface{}{"tier": t.Name(), "cid": id.String(), "error": err.Error()})
		}
	}
	c.mu.Lock()
	delete(c.index, id)
	c.mu.Unlock()
	return lastErr
}

// Entry returns a copy of the CacheEntry metadata for id, if known.
func (c *TieredCache) Entry(id cid.CID) (entry.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index[id]
	if !ok {
		return entry.CacheEntry{}, false
	}
	cp := *e
	cp.MigrationHistory = append([]entry.Migration(nil), e.MigrationHistory...)
	return cp, true
}

// AllEntries returns a snapshot of every tracked CacheEntry, used by
// MaintenanceLoop's demotion and replication-topup passes.
func (c *TieredCache) AllEntries() []entry.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]entry.CacheEntry, 0, len(c.index))
	for _, e := range c.index {
		out = append(out, *e)
	}
	return out
}

// DrainPromotions pulls every currently queued promotion request without
// blocking; MaintenanceLoop calls this once per tick and performs the
// actual cross-tier copy.
func (c *TieredCache) DrainPromotions() []PromotionRequest {
	var out []PromotionRequest
	for {
		select {
		case req := <-c.promotions:
			out = append(out, req)
		default:
			return out
		}
	}
}

// ApplyMigration performs the actual cross-tier copy for a drained
// promotion request and records it on the entry's MigrationHistory.
func (c *TieredCache) ApplyMigration(ctx context.Context, req PromotionRequest) error {
	from, ok := c.registry.Get(req.From)
	if !ok {
		return nil
	}
	to, ok := c.registry.Get(req.To)
	if !ok {
		return nil
	}
	data, ok, err := from.Get(ctx, req.CID)
	if err != nil || !ok {
		return err
	}
	now := c.clock.NowSeconds()
	rec, _ := c.heat.Get(req.CID)
	meta := tier.Meta{AddedAt: now, LastAccessAt: rec.LastAccess, AccessCount: rec.Count}
	if err := to.Put(ctx, req.CID, data, meta); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[req.CID]; ok {
		e.CurrentTier = req.To
		e.MigrationHistory = append(e.MigrationHistory, entry.Migration{From: req.From, To: req.To, At: now})
	}
	return nil
}

// GetContent is the transport-neutral get_content operation (spec §6.2):
// Get against the local tiers, falling back to the GatewayFetcher when
// every tier misses and a fallback fetcher is configured. A successful
// fallback fetch is written back into the cache via Put before being
// returned; a failed write-back is logged and the fetched bytes are still
// returned.
func (c *TieredCache) GetContent(ctx context.Context, id cid.CID) ([]byte, error) {
	data, ok, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return data, nil
	}
	if c.fetcher == nil || !c.useGatewayFallback {
		return nil, caserr.New(caserr.KindNotFound, "cache.getcontent", id.String(), nil)
	}
	result, err := c.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if putErr := c.Put(ctx, id, result.Data, false); putErr != nil {
		c.log.Warn("failed to warm cache after gateway fetch", map[string]interface{}{"cid": id.String(), "error": putErr.Error()})
	}
	return result.Data, nil
}

// AddContentOptions is the opts argument to AddContent (spec §6.2).
type AddContentOptions struct {
	Pin              bool
	ReplicationLevel int
}

// AddContentResult is add_content's {cid, size, replicas} response shape.
type AddContentResult struct {
	CID      cid.CID
	Size     int64
	Replicas int
}

// AddContent is the transport-neutral add_content operation (spec §6.2):
// writes data under its content hash and, when a ReplicationManager is
// attached, enforces quorum for it. An UnderReplicated result is returned
// alongside a non-nil error so the caller can decide whether that is
// fatal (spec §4.8: "it is the caller's choice").
func (c *TieredCache) AddContent(ctx context.Context, data []byte, opts AddContentOptions) (AddContentResult, error) {
	id := cid.New(data)
	if err := c.Put(ctx, id, data, opts.Pin); err != nil {
		return AddContentResult{}, err
	}
	result := AddContentResult{CID: id, Size: int64(len(data))}
	if c.repl == nil {
		return result, nil
	}
	e, _ := c.Entry(id)
	plan, err := c.repl.Enforce(ctx, e, data, c.clock.NowSeconds())
	result.Replicas = plan.SuccessfulReplicas
	return result, err
}

// Pin marks id as explicitly durable (spec §3: "pinned: whether the user
// has explicitly requested durability"); ReplicationManager's high_value
// mode replicates pinned entries regardless of heat. Idempotent and
// NotFound if the CID isn't tracked (spec §6.2: "pin(cid) ... NotFound").
func (c *TieredCache) Pin(id cid.CID) error {
	return c.setPinned(id, true)
}

// Unpin is the inverse of Pin; also idempotent and NotFound for an
// untracked CID.
func (c *TieredCache) Unpin(id cid.CID) error {
	return c.setPinned(id, false)
}

func (c *TieredCache) setPinned(id cid.CID, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[id]
	if !ok {
		return caserr.New(caserr.KindNotFound, "cache.setpinned", id.String(), nil)
	}
	e.Pinned = pinned
	return nil
}

// PinEntry is one row of ListPins' {cid, type} response shape.
type PinEntry struct {
	CID  cid.CID
	Type string
}

// ListPins returns every currently pinned CID (spec §6.2: list_pins()).
// Type is always "explicit" today; the field exists so a future implicit
// pin (e.g. "pinned because quorum-replicated") has somewhere to go
// without changing the shape.
func (c *TieredCache) ListPins() []PinEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []PinEntry
	for id, e := range c.index {
		if e.Pinned {
			out = append(out, PinEntry{CID: id, Type: "explicit"})
		}
	}
	return out
}

// Snapshot is the stats() metrics snapshot (spec §6.2): per-tier hit/miss
// counters plus the size of the tracked index.
type Snapshot struct {
	Tiers       map[string]tier.Stats
	TrackedCIDs int
}

// Stats returns a Snapshot of current tier and index state.
func (c *TieredCache) Stats() Snapshot {
	c.mu.RLock()
	tracked := len(c.index)
	c.mu.RUnlock()
	return Snapshot{Tiers: c.registry.Stats(), TrackedCIDs: tracked}
}
