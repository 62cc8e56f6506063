// Package cache implements the bounded order cache used by proxy nodes.
//
// Entries are evicted strictly in insertion order (FIFO). Each entry carries
// a sequence number that is assigned on insertion and never reused, so the
// oldest entry is well defined even when wall-clock timestamps tie. Usage
// counters are tracked per entry but do not influence eviction; they are
// exported through the Prometheus collector instead.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/trellis/internal/cluster"
)

// DefaultCapacity is the number of orders a proxy caches unless configured.
const DefaultCapacity = 30

// Entry is one cached order with its bookkeeping.
type Entry struct {
	Order    cluster.Order
	Seq      uint64
	Uses     int
	FirstUse time.Time
	LastUse  time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// FillFunc loads an order that is not cached. It returns cluster.ErrNotFound
// when the order does not exist anywhere.
type FillFunc func(ctx context.Context, code int64) (cluster.Order, error)

// Cache is a FIFO-evicting map from order code to Entry.
// Thread-safe: all methods may be called concurrently.
type Cache struct {
	mu       sync.Mutex
	entries  map[int64]*Entry
	capacity int
	nextSeq  uint64
	logger   *zap.Logger
	now      func() time.Time

	// fills tracks codes with a fill in flight.
	fills map[int64]*pendingFill

	hits      uint64
	misses    uint64
	evictions uint64
}

type pendingFill struct {
	waiters    int
	superseded bool // a Put or Delete for the code landed during the fill
}

// New creates a cache holding at most capacity orders. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:  make(map[int64]*Entry, capacity),
		capacity: capacity,
		nextSeq:  1,
		fills:    make(map[int64]*pendingFill),
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the cached order for code and registers a use.
func (c *Cache) Get(code int64) (cluster.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok {
		c.misses++
		return cluster.Order{}, false
	}
	c.hits++
	c.touch(e)
	return e.Order, true
}

// Peek returns the cached order for code without registering a use. Sibling
// proxies filling their own caches read through Peek so remote fills do not
// count as local traffic.
func (c *Cache) Peek(code int64) (cluster.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok {
		return cluster.Order{}, false
	}
	return e.Order, true
}

// GetOrFill returns the cached order for code, or calls fill on a miss and
// caches the result. fill runs without the cache lock held. When a Put or
// Delete for code lands while fill runs, the filled order is still returned
// but not cached, so a fill that read the old state cannot resurrect a
// deleted order or overwrite a newer one.
func (c *Cache) GetOrFill(ctx context.Context, code int64, fill FillFunc) (cluster.Order, error) {
	if o, ok := c.Get(code); ok {
		c.logStatus()
		return o, nil
	}

	c.mu.Lock()
	f := c.fills[code]
	if f == nil {
		f = &pendingFill{}
		c.fills[code] = f
	}
	f.waiters++
	c.mu.Unlock()

	o, err := fill(ctx, code)
	if err == nil && o.Code == nil {
		o = o.WithCode(code)
	}

	c.mu.Lock()
	f.waiters--
	if f.waiters == 0 {
		delete(c.fills, code)
	}
	if err == nil && !f.superseded {
		c.touch(c.insertLocked(o))
	}
	superseded := f.superseded
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return cluster.Order{}, err
		}
		return cluster.Order{}, fmt.Errorf("fill %d: %w", code, err)
	}
	if superseded {
		c.logger.Debug("fill superseded", zap.Int64("code", code))
	} else {
		c.logStatus()
	}
	return o, nil
}

// Put stores order. A cached order is replaced in place and keeps its
// sequence number; an uncached order is inserted as the newest entry,
// evicting the oldest when the cache is full.
func (c *Cache) Put(order cluster.Order) {
	if order.Code == nil {
		return
	}
	c.mu.Lock()
	c.supersedeLocked(*order.Code)
	if e, ok := c.entries[*order.Code]; ok {
		e.Order = order
	} else {
		c.insertLocked(order)
	}
	c.mu.Unlock()
	c.logStatus()
}

// Delete removes code from the cache. It reports whether it was present.
func (c *Cache) Delete(code int64) bool {
	c.mu.Lock()
	c.supersedeLocked(code)
	_, ok := c.entries[code]
	delete(c.entries, code)
	c.mu.Unlock()
	if ok {
		c.logStatus()
	}
	return ok
}

// Keys returns the cached codes from oldest to newest.
func (c *Cache) Keys() []int64 {
	entries := c.Entries()
	keys := make([]int64, len(entries))
	for i, e := range entries {
		keys[i] = e.Order.CodeValue()
	}
	return keys
}

// Entries returns copies of all entries ordered by sequence number.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Entry returns a copy of the entry for code.
func (c *Cache) Entry(code int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of cached orders.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) supersedeLocked(code int64) {
	if f, ok := c.fills[code]; ok {
		f.superseded = true
	}
}

func (c *Cache) touch(e *Entry) {
	e.Uses++
	e.LastUse = c.now()
}

// insertLocked adds or replaces order; c.mu must be held.
func (c *Cache) insertLocked(order cluster.Order) *Entry {
	code := *order.Code
	if e, ok := c.entries[code]; ok {
		e.Order = order
		return e
	}
	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	now := c.now()
	e := &Entry{Order: order, Seq: c.nextSeq, FirstUse: now, LastUse: now}
	c.nextSeq++
	c.entries[code] = e
	return e
}

func (c *Cache) evictOldestLocked() {
	var victim *Entry
	for _, e := range c.entries {
		if victim == nil || e.Seq < victim.Seq {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	delete(c.entries, victim.Order.CodeValue())
	c.evictions++
	c.logger.Debug("evicted",
		zap.Int64("code", victim.Order.CodeValue()),
		zap.Uint64("seq", victim.Seq),
		zap.Int("uses", victim.Uses))
}

// logStatus writes the cache layout at debug level, e.g.
// "[1 #4 2x] [2 #9 0x] [] []".
func (c *Cache) logStatus() {
	if ce := c.logger.Check(zap.DebugLevel, "cache status"); ce != nil {
		entries := c.Entries()
		st := c.Stats()
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "[%d #%d %dx] ", e.Seq, e.Order.CodeValue(), e.Uses)
		}
		for i := len(entries); i < st.Capacity; i++ {
			b.WriteString("[]")
		}
		ce.Write(
			zap.Uint64("hits", st.Hits),
			zap.Uint64("misses", st.Misses),
			zap.String("layout", strings.TrimSpace(b.String())))
	}
}
