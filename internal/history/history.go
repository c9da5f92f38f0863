// Package history keeps the per-target probe record ring.
//
// # Design
//
// One Ring per target, owned by that target's runner. Writes are serialized
// by the ring's mutex; reads return copies so HTTP handlers and the
// snapshot writer never share backing arrays with the writer.
//
// Records are stored oldest-first internally so appends are O(1) amortized;
// an eviction shifts the surviving records to the front of the slice. All
// reads return newest-first slices, which is the wire order for the API and
// the snapshot file.
package history

import (
	"sync"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// MaxRecords is the absolute per-target cap, applied on top of the
// retention window to bound memory for short intervals and long retention.
const MaxRecords = 25000

// Ring is a bounded record store for one target.
type Ring struct {
	mu       sync.Mutex
	records  []types.ProbeRecord // oldest first
	maxAge   time.Duration
	maxCount int
}

// New creates a ring keeping records no older than maxAge and no more than
// maxCount entries. maxCount is clamped to MaxRecords; zero or negative
// means the absolute cap alone applies.
func New(maxAge time.Duration, maxCount int) *Ring {
	if maxCount <= 0 || maxCount > MaxRecords {
		maxCount = MaxRecords
	}
	return &Ring{
		maxAge:   maxAge,
		maxCount: maxCount,
	}
}

// Capacity returns the record count limit for maxAge retention at the given
// probe interval.
func Capacity(retentionDays, intervalSeconds int) int {
	if intervalSeconds <= 0 {
		return MaxRecords
	}
	n := retentionDays * 86400 / intervalSeconds
	if n > MaxRecords {
		return MaxRecords
	}
	if n < 1 {
		return 1
	}
	return n
}

// Append adds a record and evicts everything outside the retention window.
func (r *Ring) Append(rec types.ProbeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	r.evict(time.Now())
}

// evict drops records older than maxAge and trims to maxCount.
// Caller holds r.mu.
func (r *Ring) evict(now time.Time) {
	cutoff := now.Add(-r.maxAge)
	firstLive := 0
	for firstLive < len(r.records) && r.records[firstLive].Timestamp.Before(cutoff) {
		firstLive++
	}
	if over := len(r.records) - firstLive - r.maxCount; over > 0 {
		firstLive += over
	}
	if firstLive > 0 {
		r.records = append(r.records[:0], r.records[firstLive:]...)
	}
}

// All returns a newest-first copy of every retained record.
func (r *Ring) All() []types.ProbeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyNewestFirst(len(r.records))
}

// Recent returns a newest-first copy of at most n records.
func (r *Ring) Recent(n int) []types.ProbeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.records) {
		n = len(r.records)
	}
	return r.copyNewestFirst(n)
}

// copyNewestFirst copies the n newest records in newest-first order.
// Caller holds r.mu.
func (r *Ring) copyNewestFirst(n int) []types.ProbeRecord {
	out := make([]types.ProbeRecord, n)
	for i := 0; i < n; i++ {
		out[i] = r.records[len(r.records)-1-i]
	}
	return out
}

// Len returns the retained record count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Latest returns the newest record, if any.
func (r *Ring) Latest() (types.ProbeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return types.ProbeRecord{}, false
	}
	return r.records[len(r.records)-1], true
}

// Replace loads records from a newest-first slice, as stored in snapshots
// and carried across hot-reloads. Out-of-window records are evicted.
func (r *Ring) Replace(newestFirst []types.ProbeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make([]types.ProbeRecord, len(newestFirst))
	for i, rec := range newestFirst {
		r.records[len(newestFirst)-1-i] = rec
	}
	r.evict(time.Now())
}
