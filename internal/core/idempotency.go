package core

import (
	"container/list"
	"context"
	"time"

	"BatchLedger/internal/observability"
)

// DedupChecker implements two-tier command deduplication: an in-memory LRU
// in front of the persisted command log.
type DedupChecker struct {
	// Tier 1: in-memory LRU
	lru *DedupLRU

	// Tier 2: Postgres (injected via interface)
	store DedupStore

	metrics     *observability.Metrics
	tier2Errors int64
}

// DedupStore looks a dedup key up in the persisted command log.
type DedupStore interface {
	IsDuplicate(ctx context.Context, kind string, key string) (bool, error)
}

func NewDedupChecker(capacity int, store DedupStore, metrics *observability.Metrics) *DedupChecker {
	return &DedupChecker{
		lru:     NewDedupLRU(capacity),
		store:   store,
		metrics: metrics,
	}
}

func compositeKey(kind CommandKind, key string) string {
	return string(kind) + ":" + key
}

// IsDuplicate reports whether a command with the same dedup key was already
// applied. Commands without a key are never duplicates.
func (d *DedupChecker) IsDuplicate(ctx context.Context, cmd Command) bool {
	key := cmd.DedupKey()
	if key == "" {
		return false
	}
	ck := compositeKey(cmd.Kind, key)

	if d.lru.Contains(ck) {
		d.recordDuplicate(cmd.Kind, "lru")
		return true
	}

	if d.store == nil {
		return false
	}
	start := time.Now()
	dup, err := d.store.IsDuplicate(ctx, string(cmd.Kind), key)
	if d.metrics != nil {
		d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A store outage must not block deposits; custody references are
		// also unique in the command log, which rejects the replayed row.
		d.tier2Errors++
		return false
	}
	if dup {
		d.recordDuplicate(cmd.Kind, "postgres")
		d.lru.Add(ck)
		return true
	}
	return false
}

// MarkProcessed adds a committed command's key to the LRU.
func (d *DedupChecker) MarkProcessed(cmd Command) {
	key := cmd.DedupKey()
	if key == "" {
		return
	}
	d.lru.Add(compositeKey(cmd.Kind, key))
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	}
}

// Warm loads recently applied keys, already in "kind:key" form.
func (d *DedupChecker) Warm(keys []string) {
	d.lru.WarmFromKeys(keys)
}

func (d *DedupChecker) Tier2Errors() int64 {
	return d.tier2Errors
}

func (d *DedupChecker) recordDuplicate(kind CommandKind, tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(string(kind), tier).Inc()
	}
}

// --- LRU Implementation ---

// DedupLRU is an LRU set of dedup keys.
// Not thread-safe: only accessed from the runner goroutine.
type DedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewDedupLRU(capacity int) *DedupLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &DedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *DedupLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (lru *DedupLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *DedupLRU) evictOldest() {
	elem := lru.order.Back()
	if elem == nil {
		return
	}
	lru.order.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads keys oldest first, so the newest end up most recent.
func (lru *DedupLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *DedupLRU) Size() int {
	return lru.order.Len()
}

func (lru *DedupLRU) Evictions() int64 {
	return lru.evictions
}
