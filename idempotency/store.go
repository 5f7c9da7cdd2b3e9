// Package idempotency provides the sharded, TTL-expiring cache that turns
// at-least-once delivery into at-most-once execution.
//
// A key moves through InFlight to Completed or Failed. While a key is in
// flight, duplicate callers are told to wait; once terminal, duplicates get
// the cached outcome until the record expires. Eviction is the only way a
// key's history is forgotten.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"
)

// Store is a sharded map from dedup key to execution outcome.
type Store struct {
	shards []*shard
	cfg    config
}

type expiryEntry struct {
	at  time.Time
	key string
}

func expiryLess(a, b expiryEntry) bool {
	if a.at.Equal(b.at) {
		return a.key < b.key
	}
	return a.at.Before(b.at)
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
	// expiry orders terminal records by expiration so sweeps stop at the
	// first live entry.
	expiry *btree.BTreeG[expiryEntry]
}

func newShard() *shard {
	return &shard{
		records: make(map[string]*record),
		expiry:  btree.NewBTreeGOptions(expiryLess, btree.Options{NoLocks: true}),
	}
}

// New creates a Store.
func New(opts ...Option) (*Store, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.shards == 0 {
		cfg.shards = DefaultShards
	}
	if cfg.shards < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidShards, cfg.shards)
	}
	cfg = cfg.withDefaults()

	s := &Store{
		shards: make([]*shard, cfg.shards),
		cfg:    cfg,
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Shards returns the number of shards.
func (s *Store) Shards() int {
	return len(s.shards)
}

// DefaultTTL returns the TTL used when Complete is given a zero ttl.
func (s *Store) DefaultTTL() time.Duration {
	return s.cfg.defaultTTL
}

// TryBegin atomically claims key if no live record exists. An in-flight
// record yields AlreadyInFlight; a live terminal record yields
// AlreadyCompleted with its cached outcome. Expired records are treated as
// absent even before the sweep removes them.
func (s *Store) TryBegin(key string) Claim {
	sh := s.shardFor(key)
	now := s.cfg.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok {
		if rec.status == StatusInFlight {
			return Claim{State: AlreadyInFlight, rec: rec}
		}
		if now.Before(rec.expiresAt) {
			return Claim{State: AlreadyCompleted, Outcome: rec.outcome, rec: rec}
		}
		sh.evict(rec)
	}

	rec := &record{
		key:    key,
		status: StatusInFlight,
		done:   make(chan struct{}),
	}
	sh.records[key] = rec
	return Claim{State: Claimed, rec: rec}
}

// Complete resolves an in-flight key. A nil outcome error marks it
// Completed, otherwise Failed. ttl == 0 applies the default TTL; ttl < 0
// releases the key immediately after waking waiters, so the next TryBegin
// starts fresh.
func (s *Store) Complete(key string, out Outcome, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.cfg.defaultTTL
	}
	sh := s.shardFor(key)
	now := s.cfg.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok || rec.status != StatusInFlight {
		return fmt.Errorf("%w: %q", ErrNotInFlight, key)
	}

	rec.outcome = out
	rec.status = StatusCompleted
	if out.Failed() {
		rec.status = StatusFailed
	}

	if ttl < 0 {
		delete(sh.records, key)
	} else {
		rec.expiresAt = now.Add(ttl)
		sh.expiry.Set(expiryEntry{at: rec.expiresAt, key: key})
	}
	close(rec.done)
	return nil
}

// Lookup returns the live record for key, if any.
func (s *Store) Lookup(key string) (Record, bool) {
	sh := s.shardFor(key)
	now := s.cfg.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return Record{}, false
	}
	if rec.status != StatusInFlight && !now.Before(rec.expiresAt) {
		return Record{}, false
	}
	return rec.view(), true
}

// Len returns the number of records held, including expired ones not yet
// swept.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes every expired terminal record and returns how many were
// removed. Shards are swept one at a time.
func (s *Store) Sweep() int {
	now := s.cfg.clock.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed += sh.sweep(now)
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps on every tick of the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()

	s.cfg.log.Debug("idempotency sweep started", "interval", s.cfg.sweepInterval, "shards", len(s.shards))
	for {
		select {
		case <-ctx.Done():
			s.cfg.log.Debug("idempotency sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.cfg.log.Debug("idempotency records evicted", "count", n)
			}
		}
	}
}

// sweep must be called with sh.mu held.
func (sh *shard) sweep(now time.Time) int {
	removed := 0
	for {
		e, ok := sh.expiry.Min()
		if !ok || e.at.After(now) {
			return removed
		}
		sh.expiry.Delete(e)

		rec, ok := sh.records[e.key]
		if !ok || rec.status == StatusInFlight || !rec.expiresAt.Equal(e.at) {
			continue
		}
		delete(sh.records, e.key)
		removed++
	}
}

// evict must be called with sh.mu held.
func (sh *shard) evict(rec *record) {
	delete(sh.records, rec.key)
	sh.expiry.Delete(expiryEntry{at: rec.expiresAt, key: rec.key})
}
