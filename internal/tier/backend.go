package tier

import (
	"context"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/observability"
)

// CASBackend is the remote content-addressed store collaborator contract
// from spec §6.1: has/get/put/pin/unpin plus a cheap identity probe.
type CASBackend interface {
	Has(ctx context.Context, id cid.CID) (bool, error)
	Get(ctx context.Context, id cid.CID) ([]byte, error)
	// Put stores content and returns the CID the backend computed for it.
	Put(ctx context.Context, data []byte) (cid.CID, error)
	Pin(ctx context.Context, id cid.CID) error
	Unpin(ctx context.Context, id cid.CID) error
	// Id is the cheap reachability probe used for health checks.
	Id(ctx context.Context) (string, error)
}

// Backend adapts a CASBackend into the Tier interface (spec §4.3). It is
// the slowest, most durable tier and the only one a Tier consumer expects
// to ever be unreachable; a sony/gobreaker circuit wraps every call so a
// wedged remote doesn't stall every get().
type Backend struct {
	name     string
	priority int
	backend  CASBackend
	breaker  *gobreaker.CircuitBreaker
	log      observability.Logger

	hits, misses int64
	healthy      int32
}

// NewBackend wraps backend as a Tier named name at the given priority. The
// circuit breaker trips after consecutiveFailures failures in a row and
// stays open for the teacher's usual half-open probe interval.
func NewBackend(name string, priority int, backend CASBackend, consecutiveFailures uint32, log observability.Logger) *Backend {
	if log == nil {
		log = observability.NewNoopLogger()
	}
	settings := gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	}
	return &Backend{
		name:     name,
		priority: priority,
		backend:  backend,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      log,
		healthy:  1,
	}
}

func (t *Backend) Name() string         { return t.name }
func (t *Backend) Kind() Kind           { return KindBackend }
func (t *Backend) Priority() int        { return t.priority }
func (t *Backend) MaxItemSize() int64   { return -1 }
func (t *Backend) CapacityBytes() int64 { return -1 }
func (t *Backend) UsedBytes() int64     { return -1 }
func (t *Backend) Healthy() bool        { return atomic.LoadInt32(&t.healthy) == 1 }

func (t *Backend) Has(ctx context.Context, id cid.CID) (bool, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		return t.backend.Has(ctx, id)
	})
	if err != nil {
		return false, t.classify("tier.backend.has", id, err)
	}
	return res.(bool), nil
}

func (t *Backend) Get(ctx context.Context, id cid.CID) ([]byte, bool, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		return t.backend.Get(ctx, id)
	})
	if err != nil {
		if caserr.KindOf(err) == caserr.KindNotFound {
			atomic.AddInt64(&t.misses, 1)
			return nil, false, nil
		}
		return nil, false, t.classify("tier.backend.get", id, err)
	}
	atomic.AddInt64(&t.hits, 1)
	return res.([]byte), true, nil
}

// Put stores data under id by delegating to the backend's own Put (which
// assigns its own CID, mirroring real add-then-verify CAS semantics) and
// failing loudly if the backend's hash disagrees with ours, then pins the
// result for durability.
func (t *Backend) Put(ctx context.Context, id cid.CID, data []byte, _ Meta) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		got, err := t.backend.Put(ctx, data)
		if err != nil {
			return nil, err
		}
		if got != id {
			return nil, caserr.New(caserr.KindIntegrityMismatch, "tier.backend.put", id.String(), nil)
		}
		return nil, t.backend.Pin(ctx, id)
	})
	if err != nil {
		return t.classify("tier.backend.put", id, err)
	}
	return nil
}

func (t *Backend) Evict(ctx context.Context, id cid.CID) (bool, error) {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.backend.Unpin(ctx, id)
	})
	if err != nil {
		return false, t.classify("tier.backend.evict", id, err)
	}
	return true, nil
}

// IterCIDs is unsupported: remote backends are not expected to enumerate
// their full content set for a local maintenance scan.
func (t *Backend) IterCIDs(_ context.Context) ([]cid.CID, error) {
	return nil, nil
}

func (t *Backend) Stats() Stats {
	return Stats{Hits: atomic.LoadInt64(&t.hits), Misses: atomic.LoadInt64(&t.misses), UsedBytes: -1}
}

func (t *Backend) Probe(ctx context.Context) bool {
	_, err := t.backend.Id(ctx)
	ok := err == nil
	if ok {
		atomic.StoreInt32(&t.healthy, 1)
	} else {
		atomic.StoreInt32(&t.healthy, 0)
		t.log.Warn("backend tier probe failed", map[string]interface{}{"tier": t.name, "error": err.Error()})
	}
	return ok
}

func (t *Backend) classify(op string, id cid.CID, err error) error {
	if _, ok := err.(*caserr.Error); ok {
		return err
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return caserr.New(caserr.KindConnectionError, op, id.String(), err)
	}
	return caserr.New(caserr.KindBackendError, op, id.String(), err)
}
