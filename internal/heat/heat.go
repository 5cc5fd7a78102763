// Package heat implements the per-CID access bookkeeping and the heat
// score formula from spec §4.5. AccessRecords outlive the bytes they
// describe: a CID fully evicted from every tier keeps its record until
// the record itself ages out of the bounded AccessRecord population.
package heat

import (
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/clock"
)

// shardCount matches the "sharded lock keyed by CID hash" discipline
// spec §5 calls for on the AccessRecord map.
const shardCount = 32

// AccessRecord is one per CID ever seen (spec §4.5).
type AccessRecord struct {
	FirstAccess    int64
	LastAccess     int64
	Count          int64
	PerTierHits    map[string]int64
}

func (r *AccessRecord) snapshot() AccessRecord {
	cp := *r
	cp.PerTierHits = make(map[string]int64, len(r.PerTierHits))
	for k, v := range r.PerTierHits {
		cp.PerTierHits[k] = v
	}
	return cp
}

// Model is the HeatModel component. Records are bounded by an LRU
// population ceiling (spec §4.5: "eligible for bounded eviction by LRU on
// last_access once their count exceeds a configured ceiling"), backed by
// hashicorp/golang-lru/v2 the same way the teacher's multi-level cache
// bounds its L1 population.
type Model struct {
	clock   clock.Clock
	records *lru.Cache[cid.CID, *AccessRecord]
	shards  [shardCount]sync.Mutex
}

// NewModel creates a HeatModel bounding the AccessRecord population at
// maxRecords (the "configured ceiling"). maxRecords <= 0 means
// effectively unbounded (a very large ceiling).
func NewModel(c clock.Clock, maxRecords int) *Model {
	if maxRecords <= 0 {
		maxRecords = 10_000_000
	}
	cache, _ := lru.New[cid.CID, *AccessRecord](maxRecords)
	return &Model{clock: c, records: cache}
}

func (m *Model) shard(id cid.CID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}

// RecordAccess records an access attempt and, when tierHit is non-empty,
// a hit against that tier (spec §4.6: "record tier.name + _hit").
func (m *Model) RecordAccess(id cid.CID, tierHit string) {
	lock := m.shard(id)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.NowSeconds()
	rec, ok := m.records.Get(id)
	if !ok {
		rec = &AccessRecord{FirstAccess: now, PerTierHits: make(map[string]int64)}
		m.records.Add(id, rec)
	}
	rec.LastAccess = now
	rec.Count++
	if tierHit != "" {
		rec.PerTierHits[tierHit]++
	}
}

// Touch ensures a record exists without incrementing the access count;
// used when a tier resident is discovered with no prior record (e.g.
// after a process restart) so eviction has a baseline to score.
func (m *Model) Touch(id cid.CID) {
	lock := m.shard(id)
	lock.Lock()
	defer lock.Unlock()

	if m.records.Contains(id) {
		return
	}
	now := m.clock.NowSeconds()
	m.records.Add(id, &AccessRecord{FirstAccess: now, LastAccess: now, PerTierHits: make(map[string]int64)})
}

// Get returns a defensive copy of the AccessRecord for id, if any.
func (m *Model) Get(id cid.CID) (AccessRecord, bool) {
	lock := m.shard(id)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.records.Peek(id)
	if !ok {
		return AccessRecord{}, false
	}
	return rec.snapshot(), true
}

// Now returns the model's clock reading, so collaborators that only hold
// a Model reference (e.g. tiers choosing an eviction victim) can score
// against the current time without taking their own Clock dependency.
func (m *Model) Now() int64 {
	return m.clock.NowSeconds()
}

// AccessCount returns the number of recorded accesses for id, or 0 if
// there is no record.
func (m *Model) AccessCount(id cid.CID) int64 {
	rec, ok := m.Get(id)
	if !ok {
		return 0
	}
	return rec.Count
}

// LastAccessAt returns the last-access timestamp for id, or 0 if there is
// no record.
func (m *Model) LastAccessAt(id cid.CID) int64 {
	rec, ok := m.Get(id)
	if !ok {
		return 0
	}
	return rec.LastAccess
}

// Score computes the heat score from spec §4.5:
//
//	recency   = 1 / (1 + (now - last_access)/3600)
//	age_boost = 1 + min(10, age / 86400)
//	heat      = frequency * recency * age_boost
//
// A CID with no AccessRecord (e.g. just restored from disk after a
// restart, never touched) scores 0, per spec §4.1.
func (m *Model) Score(id cid.CID, now int64) float64 {
	rec, ok := m.Get(id)
	if !ok {
		return 0
	}
	return score(rec, now)
}

func score(rec AccessRecord, now int64) float64 {
	if rec.Count == 0 {
		return 0
	}
	age := float64(rec.LastAccess - rec.FirstAccess)
	recency := 1.0 / (1.0 + float64(now-rec.LastAccess)/3600.0)
	ageBoost := 1.0 + min(10.0, age/86400.0)
	return float64(rec.Count) * recency * ageBoost
}
