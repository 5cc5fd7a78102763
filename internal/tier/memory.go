package tier

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/heat"
)

// Memory is the hottest, smallest, least durable tier (spec §4.1): a plain
// in-process map bounded by total bytes, evicting on min heat score with
// ties broken by oldest last_access_at.
type Memory struct {
	name     string
	priority int
	capacity int64
	heat     *heat.Model

	mu        sync.RWMutex
	items     map[cid.CID][]byte
	usedBytes int64

	hits, misses int64
}

// NewMemory creates a Memory tier with the given byte capacity.
func NewMemory(name string, priority int, capacityBytes int64, heatModel *heat.Model) *Memory {
	return &Memory{
		name:     name,
		priority: priority,
		capacity: capacityBytes,
		heat:     heatModel,
		items:    make(map[cid.CID][]byte),
	}
}

func (t *Memory) Name() string          { return t.name }
func (t *Memory) Kind() Kind            { return KindMemory }
func (t *Memory) Priority() int         { return t.priority }
func (t *Memory) MaxItemSize() int64    { return t.capacity }
func (t *Memory) CapacityBytes() int64  { return t.capacity }
func (t *Memory) Healthy() bool         { return true }

func (t *Memory) UsedBytes() int64 {
	return atomic.LoadInt64(&t.usedBytes)
}

func (t *Memory) Has(_ context.Context, id cid.CID) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.items[id]
	return ok, nil
}

func (t *Memory) Get(_ context.Context, id cid.CID) ([]byte, bool, error) {
	t.mu.RLock()
	data, ok := t.items[id]
	t.mu.RUnlock()
	if !ok {
		atomic.AddInt64(&t.misses, 1)
		return nil, false, nil
	}
	atomic.AddInt64(&t.hits, 1)
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Put inserts data, evicting cold entries under the write lock until there is
// room. A single item larger than the whole capacity is rejected as
// TooLarge (spec §4.1, §7) rather than wedging every other resident out.
func (t *Memory) Put(ctx context.Context, id cid.CID, data []byte, _ Meta) error {
	size := int64(len(data))
	if t.capacity >= 0 && size > t.capacity {
		return caserr.New(caserr.KindTooLarge, "tier.memory.put", id.String(), nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.items[id]; ok {
		t.usedBytes -= int64(len(existing))
	}
	if t.capacity >= 0 {
		for t.usedBytes+size > t.capacity && len(t.items) > 0 {
			victim, ok := t.coldestLocked(id)
			if !ok {
				break
			}
			t.usedBytes -= int64(len(t.items[victim]))
			delete(t.items, victim)
		}
		if t.usedBytes+size > t.capacity {
			return caserr.New(caserr.KindCapacityExhausted, "tier.memory.put", id.String(), nil)
		}
	}
	t.items[id] = append([]byte(nil), data...)
	t.usedBytes += size
	return nil
}

// coldestLocked picks the eviction victim: minimum heat score, ties broken
// by oldest last_access_at, further ties broken lexicographically by CID
// for a deterministic result regardless of map iteration order (spec
// §4.6 "Ordering and tie-breaks"). Must be called with t.mu held.
func (t *Memory) coldestLocked(exclude cid.CID) (cid.CID, bool) {
	var (
		best      cid.CID
		bestScore float64
		bestLast  int64
		found     bool
	)
	for id := range t.items {
		if id == exclude {
			continue
		}
		var score float64
		var last int64
		if t.heat != nil {
			score = t.heat.Score(id, t.heat.Now())
			last = t.heat.LastAccessAt(id)
		}
		switch {
		case !found:
			best, bestScore, bestLast, found = id, score, last, true
		case score < bestScore:
			best, bestScore, bestLast = id, score, last
		case score == bestScore && last < bestLast:
			best, bestScore, bestLast = id, score, last
		case score == bestScore && last == bestLast && id < best:
			best, bestScore, bestLast = id, score, last
		}
	}
	return best, found
}

func (t *Memory) Evict(_ context.Context, id cid.CID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.items[id]
	if !ok {
		return false, nil
	}
	t.usedBytes -= int64(len(data))
	delete(t.items, id)
	return true, nil
}

func (t *Memory) IterCIDs(_ context.Context) ([]cid.CID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]cid.CID, 0, len(t.items))
	for id := range t.items {
		out = append(out, id)
	}
	return out, nil
}

func (t *Memory) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Hits:      atomic.LoadInt64(&t.hits),
		Misses:    atomic.LoadInt64(&t.misses),
		UsedBytes: t.usedBytes,
		ItemCount: int64(len(t.items)),
	}
}

func (t *Memory) Probe(_ context.Context) bool { return true }
