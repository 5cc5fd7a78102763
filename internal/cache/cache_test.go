package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/clock"
	"github.com/caskit/gateway/internal/entry"
	"github.com/caskit/gateway/internal/gateway"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/observability"
	"github.com/caskit/gateway/internal/replication"
	"github.com/caskit/gateway/internal/tier"
)

func newTestCache(t *testing.T) (*TieredCache, *clock.Fake, *tier.Registry) {
	t.Helper()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(tier.NewMemory("memory", 0, 1<<20, heatModel))
	registry.Add(tier.NewMemory("warm", 1, 1<<20, heatModel))

	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{PromotionThreshold: 1})
	return c, fake, registry
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	id := cid.CID("bfoo")

	require.NoError(t, c.Put(ctx, id, []byte("payload"), false))

	data, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	_, ok, err := c.Get(ctx, cid.CID("bmissing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOnAlreadyPresentCIDIsNoOpButUpdatesAccessStats(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newTestCache(t)
	id := cid.CID("bfoo")

	require.NoError(t, c.Put(ctx, id, []byte("payload"), false))
	first, ok := c.Entry(id)
	require.True(t, ok)
	assert.Equal(t, int64(1), first.AccessCount)

	fake.Advance(10)
	require.NoError(t, c.Put(ctx, id, []byte("payload"), true))

	second, ok := c.Entry(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), second.AccessCount, "re-put should still advance access stats")
	assert.Greater(t, second.LastAccessAt, first.LastAccessAt)
	assert.True(t, second.Pinned, "re-put with pin=true should pin an existing entry")
	assert.Equal(t, first.CurrentTier, second.CurrentTier, "re-put is a no-op on storage, tier assignment unchanged")

	data, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
}

func TestGetFromSlowerTierQueuesPromotion(t *testing.T) {
	ctx := context.Background()
	c, _, registry := newTestCache(t)
	id := cid.CID("bwarm")

	warm, _ := registry.Get("warm")
	require.NoError(t, warm.Put(ctx, id, []byte("payload"), tier.Meta{}))

	_, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	reqs := c.DrainPromotions()
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].CID)
	assert.Equal(t, "warm", reqs[0].From)
	assert.Equal(t, "memory", reqs[0].To)
}

// TestPromotionWaitsForAccessCountThreshold grounds spec.md's "cold get,
// promote on re-read" scenario: with the default threshold (3), a
// non-primary-tier hit is only marked for promotion once access_count for
// that CID reaches 3, not on the first or second read.
func TestPromotionWaitsForAccessCountThreshold(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(tier.NewMemory("memory", 0, 1<<20, heatModel))
	registry.Add(tier.NewMemory("disk", 1, 1<<20, heatModel))
	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{})

	id := cid.CID("bslow")
	disk, _ := registry.Get("disk")
	require.NoError(t, disk.Put(ctx, id, []byte("hello"), tier.Meta{}))

	for i := 0; i < 2; i++ {
		_, ok, err := c.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, c.DrainPromotions(), "should not promote before access_count reaches the threshold")
	}

	_, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	reqs := c.DrainPromotions()
	require.Len(t, reqs, 1)
	assert.Equal(t, "disk", reqs[0].From)
	assert.Equal(t, "memory", reqs[0].To)
}

func TestApplyMigrationMovesDataAndRecordsHistory(t *testing.T) {
	ctx := context.Background()
	c, _, registry := newTestCache(t)
	id := cid.CID("bmigrate")

	warm, _ := registry.Get("warm")
	require.NoError(t, warm.Put(ctx, id, []byte("payload"), tier.Meta{}))
	require.NoError(t, c.Put(ctx, id, []byte("payload"), false))

	req := PromotionRequest{CID: id, From: "warm", To: "memory"}
	require.NoError(t, c.ApplyMigration(ctx, req))

	e, ok := c.Entry(id)
	require.True(t, ok)
	assert.Equal(t, "memory", e.CurrentTier)
	require.Len(t, e.MigrationHistory, 1)
	assert.Equal(t, "warm", e.MigrationHistory[0].From)
}

func TestInvalidateRemovesFromAllTiers(t *testing.T) {
	ctx := context.Background()
	c, _, registry := newTestCache(t)
	id := cid.CID("bgone")
	require.NoError(t, c.Put(ctx, id, []byte("payload"), false))

	require.NoError(t, c.Invalidate(ctx, id))

	_, ok, _ := c.Get(ctx, id)
	assert.False(t, ok)
	_, ok = c.Entry(id)
	assert.False(t, ok)

	memory, _ := registry.Get("memory")
	has, _ := memory.Has(ctx, id)
	assert.False(t, has)
}

func TestPutFallsThroughToNextTierWhenTooLarge(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(tier.NewMemory("memory", 0, 4, heatModel)) // too small for the payload below
	registry.Add(tier.NewMemory("warm", 1, 1<<20, heatModel))
	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{PromotionThreshold: 1})

	id := cid.CID("bbig")
	require.NoError(t, c.Put(ctx, id, []byte("this payload is too big for memory"), false))

	e, ok := c.Entry(id)
	require.True(t, ok)
	assert.Equal(t, "warm", e.CurrentTier)
}

func TestAllEntriesSnapshotsIndex(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	require.NoError(t, c.Put(ctx, cid.CID("ba"), []byte("a"), false))
	require.NoError(t, c.Put(ctx, cid.CID("bb"), []byte("b"), false))

	entries := c.AllEntries()
	assert.Len(t, entries, 2)
}

func TestAddContentAssignsCIDAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	result, err := c.AddContent(ctx, []byte("payload"), AddContentOptions{})
	require.NoError(t, err)
	assert.Equal(t, cid.New([]byte("payload")), result.CID)
	assert.Equal(t, int64(len("payload")), result.Size)

	data, err := c.GetContent(ctx, result.CID)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestGetContentFallsBackToFetcherAndWarmsCache(t *testing.T) {
	ctx := context.Background()
	c, _, registry := newTestCache(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from the network"))
	}))
	defer srv.Close()

	f := gateway.New([]gateway.Source{
		{Kind: gateway.SourceLocalHTTP, Name: "net", URLTemplate: srv.URL + "/ipfs/%s"},
	}, gateway.Config{}, observability.NewNoopLogger())
	c.SetFetcher(f, true)

	id := cid.CID("bnetwork")
	data, err := c.GetContent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("from the network"), data)

	memory, _ := registry.Get("memory")
	has, _ := memory.Has(ctx, id)
	assert.True(t, has, "a successful fallback fetch should warm the fastest tier")
}

func TestGetContentWithoutFallbackReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	_, err := c.GetContent(ctx, cid.CID("bmissing"))
	require.Error(t, err)
	assert.Equal(t, caserr.KindNotFound, caserr.KindOf(err))
}

func TestPinThenUnpinRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	id := cid.CID("bpin")
	require.NoError(t, c.Put(ctx, id, []byte("payload"), false))

	require.NoError(t, c.Pin(id))
	e, ok := c.Entry(id)
	require.True(t, ok)
	assert.True(t, e.Pinned)
	assert.Len(t, c.ListPins(), 1)

	require.NoError(t, c.Unpin(id))
	e, ok = c.Entry(id)
	require.True(t, ok)
	assert.False(t, e.Pinned)
	assert.Empty(t, c.ListPins())
}

func TestPinUnknownCIDReturnsNotFound(t *testing.T) {
	c, _, _ := newTestCache(t)
	err := c.Pin(cid.CID("bunknown"))
	require.Error(t, err)
	assert.Equal(t, caserr.KindNotFound, caserr.KindOf(err))
}

func TestStatsReportsTrackedCIDs(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	require.NoError(t, c.Put(ctx, cid.CID("ba"), []byte("a"), false))

	snap := c.Stats()
	assert.Equal(t, 1, snap.TrackedCIDs)
	assert.Contains(t, snap.Tiers, "memory")
}

// unhealthyMemory wraps a real Memory tier but always reports unhealthy,
// letting tests exercise TieredCache's "skip unhealthy tiers" gating
// without needing a live probe failure.
type unhealthyMemory struct {
	*tier.Memory
}

func (u *unhealthyMemory) Healthy() bool { return false }

func TestGetSkipsUnhealthyTier(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(&unhealthyMemory{Memory: tier.NewMemory("memory", 0, 1<<20, heatModel)})
	registry.Add(tier.NewMemory("warm", 1, 1<<20, heatModel))
	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{})

	id := cid.CID("bwarm")
	warm, _ := registry.Get("warm")
	require.NoError(t, warm.Put(ctx, id, []byte("payload"), tier.Meta{}))

	memory, _ := registry.Get("memory")
	require.NoError(t, memory.Put(ctx, id, []byte("stale, should not be read"), tier.Meta{}))

	data, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data, "the unhealthy memory tier must be skipped even though it has a hit")
}

func TestGetAllTiersUnhealthyReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(&unhealthyMemory{Memory: tier.NewMemory("memory", 0, 1<<20, heatModel)})
	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{})

	memory, _ := registry.Get("memory")
	require.NoError(t, memory.Put(ctx, cid.CID("bfoo"), []byte("payload"), tier.Meta{}))

	_, ok, err := c.Get(ctx, cid.CID("bfoo"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutSkipsUnhealthyTier(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(&unhealthyMemory{Memory: tier.NewMemory("memory", 0, 1<<20, heatModel)})
	registry.Add(tier.NewMemory("warm", 1, 1<<20, heatModel))
	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{})

	id := cid.CID("bfoo")
	require.NoError(t, c.Put(ctx, id, []byte("payload"), false))

	e, ok := c.Entry(id)
	require.True(t, ok)
	assert.Equal(t, "warm", e.CurrentTier)
}

func TestPutAllTiersUnhealthyReturnsWriteFailed(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(1000)
	heatModel := heat.NewModel(fake, 0)
	registry := tier.NewRegistry(observability.NewNoopLogger())
	registry.Add(&unhealthyMemory{Memory: tier.NewMemory("memory", 0, 1<<20, heatModel)})
	c := New(registry, heatModel, fake, observability.NewNoopLogger(), Config{})

	err := c.Put(ctx, cid.CID("bfoo"), []byte("payload"), false)
	require.Error(t, err)
	assert.Equal(t, caserr.KindWriteFailed, caserr.KindOf(err))
}

type fakeCASBackend struct {
	items      map[cid.CID][]byte
	failAlways bool
}

func (f *fakeCASBackend) Has(_ context.Context, id cid.CID) (bool, error) {
	_, ok := f.items[id]
	return ok, nil
}
func (f *fakeCASBackend) Get(_ context.Context, id cid.CID) ([]byte, error) {
	d, ok := f.items[id]
	if !ok {
		return nil, caserr.ErrNotFound
	}
	return d, nil
}
func (f *fakeCASBackend) Put(_ context.Context, data []byte) (cid.CID, error) {
	if f.failAlways {
		return "", errors.New("backend unreachable")
	}
	id := cid.New(data)
	f.items[id] = data
	return id, nil
}
func (f *fakeCASBackend) Pin(_ context.Context, _ cid.CID) error   { return nil }
func (f *fakeCASBackend) Unpin(_ context.Context, _ cid.CID) error { return nil }
func (f *fakeCASBackend) Id(_ context.Context) (string, error)     { return "fake-run-id", nil }

// TestAddContentPinnedUnderReplicatedStaysRetrievable mirrors spec.md's
// quorum-under-replication scenario: min_factor=3, only two of three
// durable tiers accept the write (durable-c's backend fails every put),
// add_content(pin=true) reports UnderReplicated but the CID is still
// retrievable.
func TestAddContentPinnedUnderReplicatedStaysRetrievable(t *testing.T) {
	ctx := context.Background()
	c, _, registry := newTestCache(t)
	registry.Add(tier.NewBackend("durable-a", 2, &fakeCASBackend{items: map[cid.CID][]byte{}}, 1, observability.NewNoopLogger()))
	registry.Add(tier.NewBackend("durable-b", 3, &fakeCASBackend{items: map[cid.CID][]byte{}}, 1, observability.NewNoopLogger()))
	registry.Add(tier.NewBackend("durable-c", 4, &fakeCASBackend{items: map[cid.CID][]byte{}, failAlways: true}, 1, observability.NewNoopLogger()))

	heatModel := heat.NewModel(clock.NewFake(1000), 0)
	repl := replication.New(registry, heatModel, entry.ReplicationPolicy{
		Mode: entry.ReplicationModeHighValue, MinFactor: 3, TargetFactor: 3, MaxFactor: 5, HeatThreshold: 5.0,
	})
	c.SetReplication(repl)

	result, err := c.AddContent(ctx, []byte("payload"), AddContentOptions{Pin: true})
	require.Error(t, err)
	assert.Equal(t, caserr.KindUnderReplicated, caserr.KindOf(err))
	assert.Equal(t, 2, result.Replicas)

	data, getErr := c.GetContent(ctx, result.CID)
	require.NoError(t, getErr)
	assert.Equal(t, []byte("payload"), data)
}

func TestAddContentEnforcesReplicationWhenManagerAttached(t *testing.T) {
	ctx := context.Background()
	c, _, registry := newTestCache(t)
	registry.Add(tier.NewBackend("durable", 2, &fakeCASBackend{items: map[cid.CID][]byte{}}, 3, observability.NewNoopLogger()))

	heatModel := heat.NewModel(clock.NewFake(1000), 0)
	repl := replication.New(registry, heatModel, entry.ReplicationPolicy{
		Mode: entry.ReplicationModeAll, MinFactor: 1, TargetFactor: 1, MaxFactor: 1,
	})
	c.SetReplication(repl)

	result, err := c.AddContent(ctx, []byte("payload"), AddContentOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replicas)
}
