package tier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/clock"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/observability"
)

func newTestDisk(t *testing.T, capacity int64) *Disk {
	t.Helper()
	dir, err := os.MkdirTemp("", "disktier-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	d, err := NewDisk("disk", 1, capacity, dir, heat.NewModel(clock.NewFake(0), 0), observability.NewNoopLogger())
	require.NoError(t, err)
	return d
}

func TestDiskPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 1<<20)
	id := cid.CID("bdiskitem")

	require.NoError(t, d.Put(ctx, id, []byte("payload"), Meta{AccessCount: 1}))

	data, ok, err := d.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
}

func TestDiskPutTooLargeRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 4)
	err := d.Put(ctx, cid.CID("bbig"), []byte("way too big for this tier"), Meta{})
	require.Error(t, err)
}

func TestDiskEvictionOrdersByAccessCountThenLastAccess(t *testing.T) {
	ctx := context.Background()
	d := newTestDisk(t, 20)

	low := cid.CID("blow")
	high := cid.CID("bhigh")

	require.NoError(t, d.Put(ctx, low, []byte("0123456789"), Meta{AccessCount: 1, LastAccessAt: 100}))
	require.NoError(t, d.Put(ctx, high, []byte("0123456789"), Meta{AccessCount: 50, LastAccessAt: 200}))

	// Adding a third item forces eviction; "low" has fewer accesses (and an
	// older last_access_at as well), so it goes first.
	require.NoError(t, d.Put(ctx, cid.CID("bnew"), []byte("0123456789"), Meta{AccessCount: 5, LastAccessAt: 300}))

	_, ok, _ := d.Get(ctx, low)
	assert.False(t, ok)
	_, ok, _ = d.Get(ctx, high)
	assert.True(t, ok)
}

func TestDiskIndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "disktier-reopen-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	heatModel := heat.NewModel(clock.NewFake(0), 0)
	d1, err := NewDisk("disk", 1, 1<<20, dir, heatModel, observability.NewNoopLogger())
	require.NoError(t, err)
	id := cid.CID("bpersist")
	require.NoError(t, d1.Put(ctx, id, []byte("durable"), Meta{}))

	d2, err := NewDisk("disk", 1, 1<<20, dir, heatModel, observability.NewNoopLogger())
	require.NoError(t, err)
	data, ok, err := d2.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("durable"), data)
}

func TestDiskRebuildsFromCorruptIndex(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "disktier-corrupt-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	heatModel := heat.NewModel(clock.NewFake(0), 0)
	d1, err := NewDisk("disk", 1, 1<<20, dir, heatModel, observability.NewNoopLogger())
	require.NoError(t, err)
	id := cid.CID("bsurvivor")
	require.NoError(t, d1.Put(ctx, id, []byte("still here"), Meta{}))

	require.NoError(t, os.WriteFile(d1.indexPath(), []byte("{not valid json"), 0o644))

	d2, err := NewDisk("disk", 1, 1<<20, dir, heatModel, observability.NewNoopLogger())
	require.NoError(t, err)
	data, ok, err := d2.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("still here"), data)
}

// TestDiskCleansUpStaleTempFilesOnRestart grounds spec.md's restart-recovery
// scenario: a process killed between tempfile creation and the atomic
// rename leaves a "*.tmp" file behind (both at the tier root, where the
// index tempfile lives, and inside a shard directory, where content
// tempfiles live); reopening the tier must remove both and must not
// expose the orphaned content as a readable CID.
func TestDiskCleansUpStaleTempFilesOnRestart(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "disktier-crash-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	heatModel := heat.NewModel(clock.NewFake(0), 0)
	d1, err := NewDisk("disk", 1, 1<<20, dir, heatModel, observability.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, d1.Put(ctx, cid.CID("bdone"), []byte("completed write"), Meta{}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index-stray.tmp"), []byte("{"), 0o644))
	shard := filepath.Join(dir, "bcra")
	require.NoError(t, os.MkdirAll(shard, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shard, "content-stray.tmp"), []byte("half-written"), 0o644))

	d2, err := NewDisk("disk", 1, 1<<20, dir, heatModel, observability.NewNoopLogger())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "index-stray.tmp"))
	assert.True(t, os.IsNotExist(err), "stray index tempfile should be removed on reopen")
	_, err = os.Stat(filepath.Join(shard, "content-stray.tmp"))
	assert.True(t, os.IsNotExist(err), "stray content tempfile should be removed on reopen")

	data, ok, err := d2.Get(ctx, cid.CID("bdone"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("completed write"), data)

	_, ok, err = d2.Get(ctx, cid.CID("bcrashed"))
	require.NoError(t, err)
	assert.False(t, ok, "an in-flight write that never completed its rename must not be exposed")
}
