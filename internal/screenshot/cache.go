// Package screenshot holds captured screenshots in a bounded, compressed,
// recency-ordered cache. Consumers keep only the opaque id and ask for the
// encoded payload when they build LLM content.
package screenshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/semaphore"

	"github.com/flitsinc/nogicos/internal/idgen"
	"github.com/flitsinc/nogicos/internal/metrics"
	"github.com/flitsinc/nogicos/internal/schema"
)

var (
	ErrTooLarge = errors.New("screenshot larger than the cache memory limit")
	ErrEmpty    = errors.New("screenshot payload is empty")
	ErrClosed   = errors.New("screenshot cache closed")
)

// Eviction reasons passed to Config.OnEvict.
const (
	ReasonCount   = "max_entries"
	ReasonMemory  = "max_memory"
	ReasonDeleted = "deleted"
	ReasonOwner   = "owner_purged"
	ReasonPurge   = "purge"
)

type Config struct {
	MaxEntries     int
	MaxMemoryBytes int64
	// MaxDimension bounds the long edge of stored images in pixels.
	MaxDimension int
	JPEGQuality  int
	// EncodeConcurrency bounds how many Store calls decode and re-encode
	// at the same time.
	EncodeConcurrency int

	// OnEvict is called, outside the cache lock, once per removed entry.
	OnEvict func(entry Entry, reason string)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:        50,
		MaxMemoryBytes:    100 << 20,
		MaxDimension:      1568,
		JPEGQuality:       75,
		EncodeConcurrency: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = d.MaxDimension
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.EncodeConcurrency <= 0 {
		c.EncodeConcurrency = d.EncodeConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Metrics = metrics.OrDiscard(c.Metrics)
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Entry describes one cached screenshot. Size is the in-memory (compressed)
// size; OriginalSize is what the capturer handed in.
type Entry struct {
	ID           string    `json:"id"`
	Owner        int       `json:"owner_window_handle"`
	Format       Format    `json:"format"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Size         int64     `json:"size_bytes"`
	OriginalSize int64     `json:"original_size_bytes"`
	CapturedAt   time.Time `json:"captured_at"`
}

// MediaType is the MIME type GetEncoded's payload decodes to.
func (e Entry) MediaType() string {
	if e.Format == FormatJPEG {
		return "image/jpeg"
	}
	return "application/octet-stream"
}

type item struct {
	entry Entry
	data  []byte
}

type eviction struct {
	entry  Entry
	reason string
}

type Cache struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *item]
	bytes   int64
	reason  string
	evicted []eviction
	closed  bool

	stored    atomic.Uint64
	rejected  atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "screenshot"),
		sem:    semaphore.NewWeighted(int64(cfg.EncodeConcurrency)),
		reason: ReasonCount,
	}
	lru, err := simplelru.NewLRU[string, *item](cfg.MaxEntries, c.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("screenshot lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvicted runs under c.mu from inside the LRU. It only does accounting;
// notification happens after the lock is released.
func (c *Cache) onEvicted(_ string, it *item) {
	c.bytes -= it.entry.Size
	c.evicted = append(c.evicted, eviction{entry: it.entry, reason: c.reason})
}

// Store compresses data and inserts it as the most recently used entry,
// evicting from the least recently used end until both the entry count and
// the byte total are within bounds. It returns the new entry's id.
func (c *Cache) Store(ctx context.Context, data []byte, owner int) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	enc, err := encode(data, c.cfg.MaxDimension, c.cfg.JPEGQuality)
	c.sem.Release(1)
	if err != nil {
		return "", fmt.Errorf("store screenshot: %w", err)
	}

	size := int64(len(enc.data))
	if size > c.cfg.MaxMemoryBytes {
		c.rejected.Add(1)
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, c.cfg.MaxMemoryBytes)
	}
	entry := Entry{
		ID:           idgen.NewULID(),
		Owner:        owner,
		Format:       enc.format,
		Width:        enc.width,
		Height:       enc.height,
		Size:         size,
		OriginalSize: int64(len(data)),
		CapturedAt:   c.cfg.Clock().UTC(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.reason = ReasonCount
	c.lru.Add(entry.ID, &item{entry: entry, data: enc.data})
	c.bytes += size
	c.reason = ReasonMemory
	for c.bytes > c.cfg.MaxMemoryBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	evicted := c.takeEvictedLocked()
	c.mu.Unlock()

	c.stored.Add(1)
	if entry.Format == FormatRaw {
		c.logger.Debug("screenshot not decodable, kept compressed", "id", entry.ID, "owner", owner, "size", size)
	}
	c.notify(evicted)
	return entry.ID, nil
}

func (c *Cache) takeEvictedLocked() []eviction {
	c.cfg.Metrics.ScreenshotBytes.Set(float64(c.bytes))
	out := c.evicted
	c.evicted = nil
	return out
}

func (c *Cache) notify(evicted []eviction) {
	for _, ev := range evicted {
		c.evictions.Add(1)
		c.cfg.Metrics.ScreenshotEvictions.WithLabelValues(ev.reason).Inc()
		c.logger.Debug("screenshot evicted", "id", ev.entry.ID, "owner", ev.entry.Owner, "reason", ev.reason)
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(ev.entry, ev.reason)
		}
	}
}

// Get returns the entry metadata and marks it most recently used.
func (c *Cache) Get(id string) (Entry, bool) {
	it, ok := c.touch(id)
	if !ok {
		return Entry{}, false
	}
	return it.entry, true
}

func (c *Cache) touch(id string) (*item, bool) {
	c.mu.Lock()
	it, ok := c.lru.Get(id)
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return it, true
}

// GetEncoded returns the base64 payload for id, materialized on demand.
func (c *Cache) GetEncoded(id string) ([]byte, bool) {
	it, ok := c.touch(id)
	if !ok {
		return nil, false
	}
	payload := it.data
	if it.entry.Format == FormatRaw {
		raw, err := decodeRaw(it.data)
		if err != nil {
			c.logger.Warn("stored screenshot unreadable", "id", id, "error", err)
			return nil, false
		}
		payload = raw
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(out, payload)
	return out, true
}

// Image returns an image block payload for id, ready to embed in a message.
func (c *Cache) Image(id string) (schema.Image, bool) {
	data, ok := c.GetEncoded(id)
	if !ok {
		return schema.Image{}, false
	}
	entry, ok := c.Peek(id)
	if !ok {
		return schema.Image{}, false
	}
	return schema.Image{
		MediaType:    entry.MediaType(),
		Data:         string(data),
		Width:        entry.Width,
		Height:       entry.Height,
		ScreenshotID: id,
	}, true
}

// Peek returns entry metadata without touching recency.
func (c *Cache) Peek(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.lru.Peek(id)
	if !ok {
		return Entry{}, false
	}
	return it.entry, true
}

// Delete removes id and reports whether it was present.
func (c *Cache) Delete(id string) bool {
	c.mu.Lock()
	c.reason = ReasonDeleted
	ok := c.lru.Remove(id)
	evicted := c.takeEvictedLocked()
	c.mu.Unlock()
	c.notify(evicted)
	return ok
}

// DeleteByOwner removes every screenshot captured from window handle owner
// and returns how many were removed.
func (c *Cache) DeleteByOwner(owner int) int {
	c.mu.Lock()
	c.reason = ReasonOwner
	removed := 0
	for _, id := range c.lru.Keys() {
		it, ok := c.lru.Peek(id)
		if ok && it.entry.Owner == owner {
			c.lru.Remove(id)
			removed++
		}
	}
	evicted := c.takeEvictedLocked()
	c.mu.Unlock()
	c.notify(evicted)
	return removed
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.reason = ReasonPurge
	c.lru.Purge()
	evicted := c.takeEvictedLocked()
	c.mu.Unlock()
	c.notify(evicted)
}

// Close purges the cache and rejects later stores.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Purge()
}

// IDs lists cached ids from least to most recently used.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

type Stats struct {
	Entries        int     `json:"entries"`
	Bytes          int64   `json:"bytes"`
	MaxEntries     int     `json:"max_entries"`
	MaxMemoryBytes int64   `json:"max_memory_bytes"`
	Stored         uint64  `json:"stored"`
	Rejected       uint64  `json:"rejected"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	HitRate        float64 `json:"hit_rate"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Entries:        c.lru.Len(),
		Bytes:          c.bytes,
		MaxEntries:     c.cfg.MaxEntries,
		MaxMemoryBytes: c.cfg.MaxMemoryBytes,
	}
	c.mu.Unlock()
	s.Stored = c.stored.Load()
	s.Rejected = c.rejected.Load()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
