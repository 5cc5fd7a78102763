// Package maintenance implements MaintenanceLoop (spec §4.9): the
// ticker-driven background worker that drains promotions, demotes cold
// entries, tops up under-replicated CIDs, and samples integrity checks.
package maintenance

import (
	"context"
	"time"

	"github.com/caskit/gateway/internal/cache"
	"github.com/caskit/gateway/internal/clock"
	"github.com/caskit/gateway/internal/entry"
	"github.com/caskit/gateway/internal/events"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/observability"
	"github.com/caskit/gateway/internal/replication"
	"github.com/caskit/gateway/internal/tier"
)

// Config tunes the loop's cadence and thresholds (spec §6.2).
type Config struct {
	Interval              time.Duration
	DemotionThresholdDays int
	IntegritySampleSize   int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.DemotionThresholdDays <= 0 {
		c.DemotionThresholdDays = 30
	}
	if c.IntegritySampleSize <= 0 {
		c.IntegritySampleSize = 50
	}
}

// Loop runs the five-step maintenance pass on an interval until stopped.
type Loop struct {
	cache    *cache.TieredCache
	registry *tier.Registry
	heat     *heat.Model
	repl     *replication.Manager
	pub      *events.Publisher
	clock    clock.Clock
	log      observability.Logger
	cfg      Config

	cancel context.CancelFunc

	// scanCursor walks AllEntries round-robin across ticks for the
	// incremental integrity sample rather than re-scanning everything.
	scanCursor int
}

// New builds a Loop. pub may be nil (events become a no-op then, per
// events.Publisher's nil-safety).
func New(c *cache.TieredCache, registry *tier.Registry, heatModel *heat.Model, repl *replication.Manager, pub *events.Publisher, clk clock.Clock, log observability.Logger, cfg Config) *Loop {
	cfg.applyDefaults()
	if log == nil {
		log = observability.NewNoopLogger()
	}
	return &Loop{cache: c, registry: registry, heat: heatModel, repl: repl, pub: pub, clock: clk, log: log, cfg: cfg}
}

// Start runs the loop in a goroutine until ctx is canceled or Stop is
// called. Safe to call once; calling again replaces the cancel func.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	ticker := time.NewTicker(l.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background loop.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// tick runs one full maintenance pass in the fixed order spec §4.9
// requires: health probe, promotion drain, demotion, replication top-up,
// integrity sample.
func (l *Loop) tick(ctx context.Context) {
	l.probeHealth(ctx)
	l.drainPromotions(ctx)
	l.demoteCold(ctx)
	l.topUpReplication(ctx)
	l.sampleIntegrity(ctx)
}

func (l *Loop) probeHealth(ctx context.Context) {
	for _, t := range l.registry.TiersByPriority() {
		t.Probe(ctx)
	}
}

func (l *Loop) drainPromotions(ctx context.Context) {
	for _, req := range l.cache.DrainPromotions() {
		if err := l.cache.ApplyMigration(ctx, req); err != nil {
			l.log.Warn("promotion migration failed", map[string]interface{}{
				"cid": req.CID.String(), "from": req.From, "to": req.To, "error": err.Error(),
			})
			continue
		}
		l.publish(ctx, events.Event{
			Kind: events.KindPromotion, CID: req.CID.String(), FromTier: req.From, ToTier: req.To,
			At: l.clock.NowSeconds(),
		})
	}
}

// demoteCold migrates entries whose last_access_at is older than the
// demotion threshold out of their current tier into the next-slower one,
// unless they are already in the slowest tier (spec §4.9).
func (l *Loop) demoteCold(ctx context.Context) {
	tiers := l.registry.TiersByPriority()
	if len(tiers) < 2 {
		return
	}
	slowest := tiers[len(tiers)-1].Name()
	thresholdSeconds := int64(l.cfg.DemotionThresholdDays) * 86400
	now := l.clock.NowSeconds()

	priorityIndex := make(map[string]int, len(tiers))
	for i, t := range tiers {
		priorityIndex[t.Name()] = i
	}

	for _, e := range l.cache.AllEntries() {
		if e.CurrentTier == slowest {
			continue
		}
		if now-e.LastAccessAt < thresholdSeconds {
			continue
		}
		idx, ok := priorityIndex[e.CurrentTier]
		if !ok || idx+1 >= len(tiers) {
			continue
		}
		to := tiers[idx+1].Name()
		req := cache.PromotionRequest{CID: e.CID, From: e.CurrentTier, To: to}
		if err := l.cache.ApplyMigration(ctx, req); err != nil {
			l.log.Warn("demotion migration failed", map[string]interface{}{
				"cid": e.CID.String(), "from": e.CurrentTier, "to": to, "error": err.Error(),
			})
			continue
		}
		l.publish(ctx, events.Event{Kind: events.KindDemotion, CID: e.CID.String(), FromTier: e.CurrentTier, ToTier: to, At: now})
	}
}

func (l *Loop) topUpReplication(ctx context.Context) {
	if l.repl == nil {
		return
	}
	now := l.clock.NowSeconds()
	for _, e := range l.cache.AllEntries() {
		data, ok, err := l.readFromAnyTier(ctx, e)
		if err != nil || !ok {
			continue
		}
		plan, err := l.repl.Enforce(ctx, e, data, now)
		if err != nil && plan.SuccessfulReplicas == 0 {
			continue
		}
		if plan.SuccessfulReplicas > 0 {
			l.publish(ctx, events.Event{
				Kind: events.KindReplicationTopup, CID: e.CID.String(), At: now,
				Detail: map[string]interface{}{"required": plan.RequiredReplicas, "successful": plan.SuccessfulReplicas, "under_replicated": plan.UnderReplicated},
			})
		}
	}
}

func (l *Loop) readFromAnyTier(ctx context.Context, e entry.CacheEntry) ([]byte, bool, error) {
	for _, t := range l.registry.TiersByPriority() {
		data, ok, err := t.Get(ctx, e.CID)
		if err == nil && ok {
			return data, true, nil
		}
	}
	return nil, false, nil
}

// sampleIntegrity checks a bounded slice of entries per tick, advancing a
// cursor so a full sweep eventually covers the whole index without ever
// doing it all in one tick.
func (l *Loop) sampleIntegrity(ctx context.Context) {
	if l.repl == nil {
		return
	}
	entries := l.cache.AllEntries()
	if len(entries) == 0 {
		return
	}
	n := l.cfg.IntegritySampleSize
	if n > len(entries) {
		n = len(entries)
	}
	for i := 0; i < n; i++ {
		idx := (l.scanCursor + i) % len(entries)
		e := entries[idx]
		result, err := l.repl.Verify(ctx, e.CID)
		if err != nil {
			l.log.Error("integrity verification failed", map[string]interface{}{
				"cid": e.CID.String(), "corrupted_tiers": result.CorruptedTiers, "error": err.Error(),
			})
		}
	}
	l.scanCursor = (l.scanCursor + n) % len(entries)
}

func (l *Loop) publish(ctx context.Context, ev events.Event) {
	if l.pub == nil {
		return
	}
	if err := l.pub.Publish(ctx, ev); err != nil {
		l.log.Warn("event publish failed", map[string]interface{}{"kind": string(ev.Kind), "error": err.Error()})
	}
}
