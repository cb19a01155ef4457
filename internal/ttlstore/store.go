// Copyright (C) 2025-2026 The Birding Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package ttlstore provides a key/value store whose entries expire after a
// per-entry time-to-live.
//
// Expiry is judged against the store's own clock. Reading an expired entry
// evicts it, and a background sweep evicts expired entries that nobody
// reads. Producers that compute a value outside the store's lock can take a
// Token first and store with SetIfCurrent, which refuses the write when the
// key was invalidated in between.
package ttlstore

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pedroscharrff/birding-sub001/internal/periodic"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// EvictionReason says why an entry left the store.
type EvictionReason int

const (
	EvictionExpired EvictionReason = iota + 1
	EvictionInvalidated
	EvictionCapacity
)

func (r EvictionReason) String() string {
	switch r {
	case EvictionExpired:
		return "expired"
	case EvictionInvalidated:
		return "invalidated"
	case EvictionCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// entry is what the underlying cache holds. The underlying cache never
// expires anything on its own; storedAt and ttl are authoritative.
type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// Token captures the invalidation sequence at a point in time. A token is
// stale once its key, or the whole store, has been invalidated after it. A
// sweep that forgets old invalidations also makes tokens predating them
// stale, for every key.
type Token struct {
	seq uint64
}

func (t Token) String() string {
	return strconv.FormatUint(t.seq, 10)
}

// EntryStats describes one live entry.
type EntryStats[K comparable] struct {
	Key      K             `json:"key"`
	StoredAt time.Time     `json:"storedAt"`
	Age      time.Duration `json:"age"`
	TTL      time.Duration `json:"ttl"`
}

// Stats is a point-in-time view of the store.
type Stats[K comparable] struct {
	Size      int             `json:"size"`
	Stale     int             `json:"stale"`
	Entries   []EntryStats[K] `json:"entries"`
	Hits      int64           `json:"hits"`
	Misses    int64           `json:"misses"`
	Evictions int64           `json:"evictions"`
}

// Store is safe for concurrent use.
type Store[K comparable, V any] struct {
	name          string
	now           func() time.Time
	defaultTTL    time.Duration
	sweepInterval time.Duration
	onEvict       func(K, V, EvictionReason)
	attrs         metric.MeasurementOption

	mu    sync.Mutex
	items *ttlcache.Cache[K, entry[V]]
	// seq advances on every invalidation. gens holds the seq of the last
	// invalidation per key; tokens older than floor are stale for every key.
	seq   uint64
	floor uint64
	gens  map[K]uint64

	sweeper *periodic.Runner

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Store.
type Option[K comparable, V any] func(*Store[K, V])

// WithClock replaces time.Now.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *Store[K, V]) { s.now = now }
}

// WithDefaultTTL sets the TTL used when Set is given a non-positive TTL.
func WithDefaultTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(s *Store[K, V]) { s.defaultTTL = ttl }
}

// WithSweepInterval sets how often StartSweeper scans for expired entries.
func WithSweepInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(s *Store[K, V]) { s.sweepInterval = d }
}

// WithCapacity bounds the number of entries; the least recently used entry
// is dropped when the bound is exceeded. Zero means unbounded.
func WithCapacity[K comparable, V any](n uint64) Option[K, V] {
	return func(s *Store[K, V]) {
		if n > 0 {
			s.items = ttlcache.New(
				ttlcache.WithTTL[K, entry[V]](ttlcache.NoTTL),
				ttlcache.WithDisableTouchOnHit[K, entry[V]](),
				ttlcache.WithCapacity[K, entry[V]](n),
			)
			// ttlcache runs eviction handlers on their own goroutine, so
			// only register one when capacity evictions can happen.
			s.items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[K, entry[V]]) {
				if reason == ttlcache.EvictionReasonCapacityReached {
					s.countEviction(EvictionCapacity)
				}
			})
		}
	}
}

// WithEvictionHook is called, outside the store's lock, for every expiry and
// invalidation. Capacity evictions are counted but not reported to the hook.
func WithEvictionHook[K comparable, V any](fn func(K, V, EvictionReason)) Option[K, V] {
	return func(s *Store[K, V]) { s.onEvict = fn }
}

// WithName labels log lines and metrics.
func WithName[K comparable, V any](name string) Option[K, V] {
	return func(s *Store[K, V]) { s.name = name }
}

// New creates an empty store. The sweeper is not started.
func New[K comparable, V any](opts ...Option[K, V]) *Store[K, V] {
	s := &Store[K, V]{
		name:          "ttlstore",
		now:           time.Now,
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		gens:          make(map[K]uint64),
	}
	s.items = ttlcache.New(
		ttlcache.WithTTL[K, entry[V]](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[K, entry[V]](),
	)
	for _, opt := range opts {
		opt(s)
	}
	s.attrs = metric.WithAttributeSet(attribute.NewSet(attribute.String("cache", s.name)))

	s.sweeper = periodic.New(s.name+"-sweeper", func(context.Context) {
		if n := s.Sweep(); n > 0 {
			slog.Debug("Swept expired cache entries", slog.String("cache", s.name), slog.Int("count", n))
		}
	}, nil)
	return s
}

func (s *Store[K, V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// Get returns the value for key if present and unexpired. An expired entry
// is evicted and reported as absent.
func (s *Store[K, V]) Get(key K) (V, bool) {
	var zero V

	s.mu.Lock()
	item := s.items.Get(key)
	if item == nil {
		s.mu.Unlock()
		s.misses.Add(1)
		cacheMisses.Add(context.Background(), 1, s.attrs)
		return zero, false
	}
	e := item.Value()
	if s.expired(e, s.now()) {
		s.items.Delete(key)
		s.mu.Unlock()
		s.misses.Add(1)
		cacheMisses.Add(context.Background(), 1, s.attrs)
		s.recordEviction(key, e.value, EvictionExpired)
		return zero, false
	}
	s.mu.Unlock()

	s.hits.Add(1)
	cacheHits.Add(context.Background(), 1, s.attrs)
	return e.value, true
}

// Set unconditionally stores value under key, replacing any existing entry
// and restarting its clock. A non-positive ttl selects the default TTL.
func (s *Store[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
}

// Token returns the current invalidation state for key.
func (s *Store[K, V]) Token(key K) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Token{seq: s.seq}
}

// SetIfCurrent stores value only if key has not been invalidated since tok
// was taken. It reports whether the value was stored.
func (s *Store[K, V]) SetIfCurrent(key K, tok Token, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.seq < s.floor || tok.seq < s.gens[key] {
		return false
	}
	s.setLocked(key, value, ttl)
	return true
}

func (s *Store[K, V]) setLocked(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.items.Set(key, entry[V]{value: value, storedAt: s.now(), ttl: ttl}, ttlcache.NoTTL)
}

// Invalidate removes key. It is a no-op when key is absent, but still
// records the invalidation so in-flight producers cannot store.
func (s *Store[K, V]) Invalidate(key K) {
	s.mu.Lock()
	s.seq++
	s.gens[key] = s.seq
	item := s.items.Get(key)
	if item != nil {
		s.items.Delete(key)
	}
	s.mu.Unlock()

	if item != nil {
		s.recordEviction(key, item.Value().value, EvictionInvalidated)
	}
}

// InvalidateAll removes every entry.
func (s *Store[K, V]) InvalidateAll() {
	s.mu.Lock()
	s.resetLocked()
	removed := s.items.Items()
	s.items.DeleteAll()
	s.mu.Unlock()

	for k, item := range removed {
		s.recordEviction(k, item.Value().value, EvictionInvalidated)
	}
}

// Sweep evicts every expired entry and returns how many were removed.
func (s *Store[K, V]) Sweep() int {
	type victim struct {
		key   K
		value V
	}
	var victims []victim

	s.mu.Lock()
	now := s.now()
	s.items.Range(func(item *ttlcache.Item[K, entry[V]]) bool {
		if e := item.Value(); s.expired(e, now) {
			victims = append(victims, victim{key: item.Key(), value: e.value})
		}
		return true
	})
	for _, v := range victims {
		s.items.Delete(v.key)
	}
	s.pruneGensLocked()
	s.mu.Unlock()

	for _, v := range victims {
		s.recordEviction(v.key, v.value, EvictionExpired)
	}
	return len(victims)
}

// Len returns the number of stored entries, including expired entries that
// have not been evicted yet.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Stats lists live entries with their age and TTL. It never evicts.
func (s *Store[K, V]) Stats() Stats[K] {
	s.mu.Lock()
	now := s.now()
	st := Stats[K]{Entries: []EntryStats[K]{}}
	s.items.Range(func(item *ttlcache.Item[K, entry[V]]) bool {
		e := item.Value()
		if s.expired(e, now) {
			st.Stale++
			return true
		}
		st.Entries = append(st.Entries, EntryStats[K]{
			Key:      item.Key(),
			StoredAt: e.storedAt,
			Age:      now.Sub(e.storedAt),
			TTL:      e.ttl,
		})
		return true
	})
	s.mu.Unlock()

	st.Size = len(st.Entries)
	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	st.Evictions = s.evictions.Load()
	return st
}

// StartSweeper runs Sweep now and then every sweep interval.
func (s *Store[K, V]) StartSweeper() {
	s.sweeper.Start(s.sweepInterval)
}

// StopSweeper stops the background sweep.
func (s *Store[K, V]) StopSweeper() {
	s.sweeper.Stop()
}

// Close stops the sweeper and drops all entries without invoking hooks.
func (s *Store[K, V]) Close() {
	s.sweeper.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.items.DeleteAll()
}

func (s *Store[K, V]) resetLocked() {
	s.seq++
	s.floor = s.seq
	clear(s.gens)
}

// pruneGensLocked forgets invalidations of keys that hold no entry. The
// floor is raised past them so tokens taken before a forgotten
// invalidation stay stale.
func (s *Store[K, V]) pruneGensLocked() {
	for key, seq := range s.gens {
		if s.items.Has(key) {
			continue
		}
		if seq > s.floor {
			s.floor = seq
		}
		delete(s.gens, key)
	}
}

func (s *Store[K, V]) countEviction(reason EvictionReason) {
	s.evictions.Add(1)
	cacheEvictions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("cache", s.name),
		attribute.String("reason", reason.String()),
	))
}

func (s *Store[K, V]) recordEviction(key K, value V, reason EvictionReason) {
	s.countEviction(reason)
	if s.onEvict != nil {
		s.onEvict(key, value, reason)
	}
}
