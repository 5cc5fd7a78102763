// Package entry holds the value types the cache manages: the metadata
// kept per CID and the process-wide replication policy. Spec §3.
package entry

import "github.com/caskit/gateway/internal/cid"

// Migration records one cross-tier copy, kept in order on the entry.
type Migration struct {
	From string
	To   string
	At   int64
}

// CacheEntry is the value stored under a CID. Bytes are immutable once
// written; only CurrentTier and bookkeeping fields change over the
// entry's lifetime (spec §3 Lifecycle).
type CacheEntry struct {
	CID              cid.CID
	Size             int64
	AddedAt          int64
	LastAccessAt     int64
	AccessCount      int64
	CurrentTier      string
	Pinned           bool
	MigrationHistory []Migration
}

// ReplicationMode selects how ReplicationManager places copies.
type ReplicationMode string

const (
	ReplicationModeAll       ReplicationMode = "all"
	ReplicationModeHighValue ReplicationMode = "high_value"
	ReplicationModeNone      ReplicationMode = "none"
)

// ReplicationPolicy is process-wide configuration, mutated only via a
// top-level reload (spec §3).
type ReplicationPolicy struct {
	MinFactor     int
	TargetFactor  int
	MaxFactor     int
	Mode          ReplicationMode
	HeatThreshold float64
}

// DefaultReplicationPolicy matches the defaults in spec §3/§6.2.
func DefaultReplicationPolicy() ReplicationPolicy {
	return ReplicationPolicy{
		MinFactor:     3,
		TargetFactor:  3,
		MaxFactor:     5,
		Mode:          ReplicationModeHighValue,
		HeatThreshold: 5.0,
	}
}
