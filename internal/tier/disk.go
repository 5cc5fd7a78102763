package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/observability"
)

const diskIndexSchemaVersion = 1

type diskIndexEntry struct {
	Size         int64 `json:"size"`
	AccessCount  int64 `json:"access_count"`
	LastAccessAt int64 `json:"last_access_at"`
}

type diskIndex struct {
	SchemaVersion int                        `json:"schema_version"`
	UsedBytes     int64                      `json:"used_bytes"`
	Entries       map[string]diskIndexEntry  `json:"entries"`
}

// Disk is the warm, larger, still-not-fully-durable tier (spec §4.2):
// content sharded into subdirectories by CID prefix, with a single JSON
// index mirroring per-entry bookkeeping so the tier can answer Has/Stats
// without touching the filesystem on every call.
type Disk struct {
	name     string
	priority int
	capacity int64
	root     string
	heat     *heat.Model
	log      observability.Logger

	mu    sync.RWMutex
	index diskIndex

	hits, misses int64
	healthy      int32
}

// NewDisk opens (or initializes) a Disk tier rooted at root. A missing or
// corrupt index is rebuilt from a scan of the content shards rather than
// treated as fatal.
func NewDisk(name string, priority int, capacityBytes int64, root string, heatModel *heat.Model, log observability.Logger) (*Disk, error) {
	if log == nil {
		log = observability.NewNoopLogger()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, caserr.New(caserr.KindBackendError, "tier.disk.new", "", err)
	}
	d := &Disk{
		name:     name,
		priority: priority,
		capacity: capacityBytes,
		root:     root,
		heat:     heatModel,
		log:      log,
		healthy:  1,
	}
	if err := d.loadIndex(); err != nil {
		log.Warn("disk tier index unreadable, rebuilding from shard scan", map[string]interface{}{"tier": name, "error": err.Error()})
		if err := d.rebuildIndex(); err != nil {
			return nil, err
		}
	}
	if err := d.cleanupStaleTempFiles(); err != nil {
		log.Warn("failed to clean up stale tempfiles", map[string]interface{}{"tier": name, "error": err.Error()})
	}
	return d, nil
}

// cleanupStaleTempFiles removes any "*.tmp" left behind by a process
// killed between tempfile creation and the atomic rename that publishes
// it (spec §4.2 "Partial files are detected on startup and cleaned up",
// scenario 6 "tempfile cleaned up; index consistent"). These never made
// it into the index, so no index bytes-accounting correction is needed.
func (t *Disk) cleanupStaleTempFiles() error {
	shards, err := os.ReadDir(t.root)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		path := filepath.Join(t.root, shard.Name())
		if !shard.IsDir() {
			if strings.HasSuffix(shard.Name(), ".tmp") {
				os.Remove(path)
			}
			continue
		}
		files, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".tmp") {
				os.Remove(filepath.Join(path, f.Name()))
			}
		}
	}
	return nil
}

func (t *Disk) Name() string         { return t.name }
func (t *Disk) Kind() Kind           { return KindDisk }
func (t *Disk) Priority() int        { return t.priority }
func (t *Disk) MaxItemSize() int64   { return t.capacity }
func (t *Disk) CapacityBytes() int64 { return t.capacity }
func (t *Disk) Healthy() bool        { return atomic.LoadInt32(&t.healthy) == 1 }

func (t *Disk) UsedBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.UsedBytes
}

func (t *Disk) indexPath() string { return filepath.Join(t.root, "index.json") }

func (t *Disk) shardDir(id cid.CID) string {
	s := id.String()
	prefix := s
	if len(s) > 4 {
		prefix = s[:4]
	}
	return filepath.Join(t.root, prefix)
}

func (t *Disk) contentPath(id cid.CID) string {
	return filepath.Join(t.shardDir(id), id.String())
}

func (t *Disk) loadIndex() error {
	raw, err := os.ReadFile(t.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return t.rebuildIndex()
		}
		return err
	}
	var idx diskIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]diskIndexEntry)
	}
	t.mu.Lock()
	t.index = idx
	t.mu.Unlock()
	return nil
}

// rebuildIndex reconstructs the index by walking shard directories, using
// each content file's size; access bookkeeping for recovered entries starts
// at zero until the heat model re-learns it.
func (t *Disk) rebuildIndex() error {
	entries := make(map[string]diskIndexEntry)
	var used int64
	shards, err := os.ReadDir(t.root)
	if err != nil {
		return caserr.New(caserr.KindCorruptIndex, "tier.disk.rebuild", "", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(t.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), ".tmp") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries[f.Name()] = diskIndexEntry{Size: info.Size()}
			used += info.Size()
		}
	}
	t.mu.Lock()
	t.index = diskIndex{SchemaVersion: diskIndexSchemaVersion, UsedBytes: used, Entries: entries}
	err = t.saveIndexLocked()
	t.mu.Unlock()
	return err
}

// saveIndexLocked writes the index via tempfile-then-rename so a crash
// mid-write never leaves a half-written index behind. Caller holds t.mu.
func (t *Disk) saveIndexLocked() error {
	raw, err := json.Marshal(t.index)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(t.root, "index-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, t.indexPath())
}

func (t *Disk) Has(_ context.Context, id cid.CID) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index.Entries[id.String()]
	return ok, nil
}

func (t *Disk) Get(_ context.Context, id cid.CID) ([]byte, bool, error) {
	t.mu.RLock()
	_, ok := t.index.Entries[id.String()]
	t.mu.RUnlock()
	if !ok {
		atomic.AddInt64(&t.misses, 1)
		return nil, false, nil
	}
	data, err := os.ReadFile(t.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			atomic.AddInt64(&t.misses, 1)
			return nil, false, nil
		}
		return nil, false, caserr.New(caserr.KindBackendError, "tier.disk.get", id.String(), err)
	}
	atomic.AddInt64(&t.hits, 1)
	return data, true, nil
}

func (t *Disk) Put(_ context.Context, id cid.CID, data []byte, meta Meta) error {
	size := int64(len(data))
	if t.capacity >= 0 && size > t.capacity {
		return caserr.New(caserr.KindTooLarge, "tier.disk.put", id.String(), nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.index.Entries[id.String()]; ok {
		t.index.UsedBytes -= existing.Size
	}
	if t.capacity >= 0 {
		for t.index.UsedBytes+size > t.capacity && len(t.index.Entries) > 0 {
			victim, ok := t.evictionVictimLocked(id.String())
			if !ok {
				break
			}
			if err := t.removeLocked(cid.CID(victim)); err != nil {
				return err
			}
		}
		if t.index.UsedBytes+size > t.capacity {
			return caserr.New(caserr.KindCapacityExhausted, "tier.disk.put", id.String(), nil)
		}
	}

	dir := t.shardDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return caserr.New(caserr.KindWriteFailed, "tier.disk.put", id.String(), err)
	}
	tmp, err := os.CreateTemp(dir, "content-*.tmp")
	if err != nil {
		return caserr.New(caserr.KindWriteFailed, "tier.disk.put", id.String(), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return caserr.New(caserr.KindWriteFailed, "tier.disk.put", id.String(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return caserr.New(caserr.KindWriteFailed, "tier.disk.put", id.String(), err)
	}
	if err := os.Rename(tmpName, t.contentPath(id)); err != nil {
		os.Remove(tmpName)
		return caserr.New(caserr.KindWriteFailed, "tier.disk.put", id.String(), err)
	}

	t.index.Entries[id.String()] = diskIndexEntry{
		Size:         size,
		AccessCount:  meta.AccessCount,
		LastAccessAt: meta.LastAccessAt,
	}
	t.index.UsedBytes += size
	return t.saveIndexLocked()
}

// evictionVictimLocked implements the §4.2 policy: ascending
// (access_count, last_access_at), frozen at call time rather than the live
// heat formula the memory tier uses. Caller holds t.mu.
func (t *Disk) evictionVictimLocked(exclude string) (string, bool) {
	type cand struct {
		id   string
		cnt  int64
		last int64
	}
	cands := make([]cand, 0, len(t.index.Entries))
	for id, e := range t.index.Entries {
		if id == exclude {
			continue
		}
		cands = append(cands, cand{id, e.AccessCount, e.LastAccessAt})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].cnt != cands[j].cnt {
			return cands[i].cnt < cands[j].cnt
		}
		return cands[i].last < cands[j].last
	})
	return cands[0].id, true
}

func (t *Disk) removeLocked(id cid.CID) error {
	e, ok := t.index.Entries[id.String()]
	if !ok {
		return nil
	}
	if err := os.Remove(t.contentPath(id)); err != nil && !os.IsNotExist(err) {
		return caserr.New(caserr.KindBackendError, "tier.disk.evict", id.String(), err)
	}
	delete(t.index.Entries, id.String())
	t.index.UsedBytes -= e.Size
	return nil
}

func (t *Disk) Evict(_ context.Context, id cid.CID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index.Entries[id.String()]; !ok {
		return false, nil
	}
	if err := t.removeLocked(id); err != nil {
		return false, err
	}
	return true, t.saveIndexLocked()
}

func (t *Disk) IterCIDs(_ context.Context) ([]cid.CID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]cid.CID, 0, len(t.index.Entries))
	for id := range t.index.Entries {
		out = append(out, cid.CID(id))
	}
	return out, nil
}

func (t *Disk) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Hits:      atomic.LoadInt64(&t.hits),
		Misses:    atomic.LoadInt64(&t.misses),
		UsedBytes: t.index.UsedBytes,
		ItemCount: int64(len(t.index.Entries)),
	}
}

// Probe verifies the root directory is still reachable and writable.
func (t *Disk) Probe(_ context.Context) bool {
	_, err := os.Stat(t.root)
	if err == nil {
		var f *os.File
		f, err = os.CreateTemp(t.root, "probe-*.tmp")
		if err == nil {
			name := f.Name()
			f.Close()
			os.Remove(name)
		}
	}
	ok := err == nil
	if ok {
		atomic.StoreInt32(&t.healthy, 1)
	} else {
		atomic.StoreInt32(&t.healthy, 0)
		t.log.Error("disk tier probe failed", map[string]interface{}{"tier": t.name, "root": t.root, "error": fmt.Sprint(err)})
	}
	return ok
}
