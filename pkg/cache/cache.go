// Package cache is the byte-bounded LRU+TTL string cache used for AI
// responses, with optional tab-separated disk persistence.
package cache

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultCapacityBytes bounds total entry size.
const DefaultCapacityBytes = 100 << 20

// DefaultTTL applies when Set is called without an explicit TTL. Zero means
// the entry never expires.
const DefaultTTL = 3600 * time.Second

type node struct {
	key   string
	value string

	createdAt    time.Time
	expiresAt    time.Time // zero time = never
	lastAccessed time.Time
	accessCount  int64
	bytes        int

	prev, next *node
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	TotalBytes  int64
	EntryCount  int
}

// HitRate returns hits / (hits + misses), 0 when idle.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the LRU. The list head is MRU, tail is LRU; the map gives O(1)
// promotion.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	ttl      time.Duration

	entries map[string]*node
	head    *node
	tail    *node
	bytes   int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity overrides the default 100 MiB byte capacity.
func WithCapacity(bytes int64) Option {
	return func(c *Cache) { c.capacity = bytes }
}

// WithDefaultTTL overrides the default entry TTL; 0 disables expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New builds an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		capacity: DefaultCapacityBytes,
		ttl:      DefaultTTL,
		entries:  map[string]*node{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value and promotes the entry to MRU. An expired entry is
// removed and counted as a miss.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.expiredLocked(n) {
		c.removeLocked(n)
		c.expirations++
		c.misses++
		return "", false
	}
	n.lastAccessed = c.now()
	n.accessCount++
	c.promoteLocked(n)
	c.hits++
	return n.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key, value string) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores value with an explicit TTL (0 = never expires), evicting
// LRU entries until the new entry fits.
func (c *Cache) SetTTL(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, c.now())
}

func (c *Cache) setLocked(key, value string, ttl time.Duration, createdAt time.Time) {
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	size := len(key) + len(value)
	if int64(size) > c.capacity {
		return
	}
	for c.bytes+int64(size) > c.capacity && c.tail != nil {
		c.evictions++
		c.removeLocked(c.tail)
	}

	n := &node{
		key:          key,
		value:        value,
		createdAt:    createdAt,
		lastAccessed: createdAt,
		bytes:        size,
	}
	if ttl > 0 {
		n.expiresAt = createdAt.Add(ttl)
	}
	c.entries[key] = n
	c.bytes += int64(size)
	c.pushFrontLocked(n)
}

// Remove deletes the entry, reporting whether it existed.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[key]
	if ok {
		c.removeLocked(n)
	}
	return ok
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*node{}
	c.head, c.tail = nil, nil
	c.bytes = 0
}

// ClearExpired removes every expired entry and returns the count.
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, n := range c.entries {
		if c.expiredLocked(n) {
			c.removeLocked(n)
			c.expirations++
			removed++
		}
	}
	return removed
}

// GetOrCompute returns the cached value or computes and stores one. The miss
// path is not serialized per key: concurrent computations may race and the
// last write wins.
func (c *Cache) GetOrCompute(key string, fn func() (string, error)) (string, error) {
	return c.GetOrComputeTTL(key, fn, c.ttl)
}

// GetOrComputeTTL is GetOrCompute with an explicit TTL.
func (c *Cache) GetOrComputeTTL(key string, fn func() (string, error), ttl time.Duration) (string, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return "", err
	}
	c.SetTTL(key, v, ttl)
	return v, nil
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		TotalBytes:  c.bytes,
		EntryCount:  len(c.entries),
	}
}

func (c *Cache) expiredLocked(n *node) bool {
	return !n.expiresAt.IsZero() && c.now().After(n.expiresAt)
}

func (c *Cache) promoteLocked(n *node) {
	if c.head == n {
		return
	}
	c.unlinkLocked(n)
	c.pushFrontLocked(n)
}

func (c *Cache) pushFrontLocked(n *node) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache) unlinkLocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *Cache) removeLocked(n *node) {
	c.unlinkLocked(n)
	delete(c.entries, n.key)
	c.bytes -= int64(n.bytes)
}

// --- persistence ---

func encodeField(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

func decodeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte(s[i+1])
			}
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SaveFile writes non-expired entries as tab-separated lines:
// key, created_at, expires_at, access_count, encoded value.
func (c *Cache) SaveFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "cache: create dir")
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return errors.Wrap(err, "cache: create temp")
	}
	w := bufio.NewWriter(tmp)

	for n := c.head; n != nil; n = n.next {
		if c.expiredLocked(n) {
			continue
		}
		expires := int64(0)
		if !n.expiresAt.IsZero() {
			expires = n.expiresAt.Unix()
		}
		line := encodeField(n.key) + "\t" +
			strconv.FormatInt(n.createdAt.Unix(), 10) + "\t" +
			strconv.FormatInt(expires, 10) + "\t" +
			strconv.FormatInt(n.accessCount, 10) + "\t" +
			encodeField(n.value) + "\n"
		if _, err := w.WriteString(line); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return errors.Wrap(err, "cache: write")
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "cache: flush")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "cache: close temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "cache: rename")
	}
	return nil
}

// LoadFile restores entries whose expiry is still in the future. Missing
// files are fine.
func (c *Cache) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "cache: open")
	}
	defer func() { _ = f.Close() }()

	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 5)
		if len(parts) != 5 {
			continue
		}
		key := decodeField(parts[0])
		created, _ := strconv.ParseInt(parts[1], 10, 64)
		expires, _ := strconv.ParseInt(parts[2], 10, 64)
		accesses, _ := strconv.ParseInt(parts[3], 10, 64)
		value := decodeField(parts[4])

		now := c.now()
		if expires != 0 && time.Unix(expires, 0).Before(now) {
			continue
		}
		createdAt := time.Unix(created, 0)
		ttl := time.Duration(0)
		if expires != 0 {
			ttl = time.Unix(expires, 0).Sub(createdAt)
		}
		c.setLocked(key, value, ttl, createdAt)
		if n, ok := c.entries[key]; ok {
			n.accessCount = accesses
		}
		loaded++
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "cache: scan")
	}
	log.Info().Int("entries", loaded).Str("file", path).Msg("cache: loaded persisted entries")
	return nil
}
