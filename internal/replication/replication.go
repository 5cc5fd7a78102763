// Package replication implements ReplicationManager (spec §4.8): a
// stateless policy evaluator deciding how many durable copies a CID
// should have, plus the cross-tier integrity verification pass.
package replication

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"go.uber.org/multierr"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/entry"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/metrics"
	"github.com/caskit/gateway/internal/tier"
)

// Plan is the outcome of evaluating a CacheEntry against a
// ReplicationPolicy: how many durable copies it should have and where.
type Plan struct {
	CID                cid.CID
	RequiredReplicas    int
	SuccessfulReplicas  int
	TargetTiers         []string
	UnderReplicated     bool
}

// Manager evaluates and enforces replication policy across durable tiers
// (tier.KindDisk and tier.KindBackend; memory is never a replication
// target, it is the fast path the policy doesn't govern).
type Manager struct {
	registry *tier.Registry
	heat     *heat.Model
	policy   entry.ReplicationPolicy
	metrics  *metrics.Collector
}

// New creates a Manager bound to a tier registry and heat model.
func New(registry *tier.Registry, heatModel *heat.Model, policy entry.ReplicationPolicy) *Manager {
	return &Manager{registry: registry, heat: heatModel, policy: policy}
}

// SetMetrics attaches a Collector Enforce/Verify report outcomes to. Optional.
func (m *Manager) SetMetrics(mc *metrics.Collector) {
	m.metrics = mc
}

// SetPolicy replaces the active ReplicationPolicy. The policy itself is
// process-wide state (spec §3); Manager is otherwise stateless.
func (m *Manager) SetPolicy(p entry.ReplicationPolicy) {
	m.policy = p
}

// durableTiers returns every non-memory tier (disk and backend), ordered
// slowest/most-durable first: spec §4.8 "attempts writes to enough
// healthy tiers ... slowest/most-durable first", so the fastest durable
// tier (disk) is held back as a last resort rather than consumed first.
func (m *Manager) durableTiers() []tier.Tier {
	all := m.registry.TiersByPriority()
	var out []tier.Tier
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Kind() == tier.KindDisk || all[i].Kind() == tier.KindBackend {
			out = append(out, all[i])
		}
	}
	return out
}

// Evaluate computes how many replicas e should have under the active
// policy. ReplicationModeNone always wants zero; ReplicationModeAll always
// wants TargetFactor; ReplicationModeHighValue wants TargetFactor only for
// entries that are pinned or whose heat score clears HeatThreshold, and
// zero otherwise (spec §4.8: "replicate only when heat ≥ heat_threshold or
// pinned == true").
func (m *Manager) Evaluate(now int64, e entry.CacheEntry) int {
	switch m.policy.Mode {
	case entry.ReplicationModeNone:
		return 0
	case entry.ReplicationModeAll:
		return m.policy.TargetFactor
	case entry.ReplicationModeHighValue:
		if e.Pinned || m.heat.Score(e.CID, now) >= m.policy.HeatThreshold {
			return m.policy.TargetFactor
		}
		return 0
	default:
		return m.policy.MinFactor
	}
}

// Enforce writes data to durable (disk and backend) tiers until required
// replicas are met (or every healthy durable tier has been tried),
// returning a Plan describing the
// outcome. Per-tier write failures are aggregated via multierr; if the
// result is under-replicated, the returned error is a *caserr.Error with
// KindUnderReplicated carrying the aggregated per-tier errors as its
// Cause, so caserr.KindOf(err) reports the headline outcome.
func (m *Manager) Enforce(ctx context.Context, e entry.CacheEntry, data []byte, now int64) (Plan, error) {
	required := m.Evaluate(now, e)
	plan := Plan{CID: e.CID, RequiredReplicas: required}
	if required == 0 {
		return plan, nil
	}

	var errs error
	meta := tier.Meta{AddedAt: e.AddedAt, LastAccessAt: e.LastAccessAt, AccessCount: e.AccessCount, Pinned: e.Pinned}
	for _, t := range m.durableTiers() {
		if plan.SuccessfulReplicas >= required {
			break
		}
		if !t.Healthy() {
			continue
		}
		has, err := t.Has(ctx, e.CID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !has {
			if err := t.Put(ctx, e.CID, data, meta); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
		}
		plan.TargetTiers = append(plan.TargetTiers, t.Name())
		plan.SuccessfulReplicas++
	}

	if plan.SuccessfulReplicas < required {
		plan.UnderReplicated = true
		// Returned as the headline error (not re-aggregated via multierr)
		// so callers using caserr.KindOf see KindUnderReplicated even when
		// per-tier write failures also occurred; those are preserved as
		// Cause rather than as multierr siblings.
		errs = caserr.New(caserr.KindUnderReplicated, "replication.enforce", e.CID.String(), errs)
		if m.metrics != nil {
			m.metrics.RecordUnderReplicated()
		}
	}
	return plan, errs
}

// VerifyResult is the outcome of a cross-tier integrity check.
type VerifyResult struct {
	CID            cid.CID
	CorruptedTiers []string
	CheckedTiers   []string
}

// Verify reads id from every tier that has it and compares SHA-256
// digests against the first tier's copy. Mismatches are reported, never
// auto-healed (spec §4.8: "never auto-healed").
func (m *Manager) Verify(ctx context.Context, id cid.CID) (VerifyResult, error) {
	result := VerifyResult{CID: id}
	var reference []byte
	var errs error

	for _, t := range m.registry.TiersByPriority() {
		data, ok, err := t.Get(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		result.CheckedTiers = append(result.CheckedTiers, t.Name())
		sum := sha256.Sum256(data)
		if reference == nil {
			reference = sum[:]
			continue
		}
		if !bytes.Equal(sum[:], reference) {
			result.CorruptedTiers = append(result.CorruptedTiers, t.Name())
		}
	}

	if len(result.CorruptedTiers) > 0 {
		errs = caserr.New(caserr.KindIntegrityMismatch, "replication.verify", id.String(),
			fmt.Errorf("tiers disagree: %v, other errors: %w", result.CorruptedTiers, errs))
		if m.metrics != nil {
			m.metrics.RecordIntegrityMismatch()
		}
	}
	return result, errs
}
