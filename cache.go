package volumekit

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheTTL is the metadata cache lifetime used for cloud volumes.
const DefaultCacheTTL = 300 * time.Second

// ============================================================================
// Key-Value Store Interface
// ============================================================================

// KeyValueStore is the storage used by CachingBackend. It may live outside
// the process and is shared by concurrent requests, so implementations must
// be safe for concurrent use. A TTL of 0 means no expiration.
type KeyValueStore interface {
	// Get returns the value and true if the key exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// StoreStats provides statistics about store usage.
// Implementations may optionally support this interface.
type StoreStats interface {
	Stats() StoreStatistics
}

// StoreStatistics contains store performance metrics.
type StoreStatistics struct {
	Hits    int64
	Misses  int64
	Size    int64
	HitRate float64
}

// ============================================================================
// In-Memory Store Implementation
// ============================================================================

type memoryEntry struct {
	value      []byte
	expiration time.Time
	hasExpiry  bool
}

// MemoryStore is an in-process KeyValueStore with TTL-based expiration.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Get retrieves a value from the store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		s.misses++
		return nil, false, nil
	}

	if entry.hasExpiry && !s.now().Before(entry.expiration) {
		delete(s.entries, key)
		s.misses++
		return nil, false, nil
	}

	s.hits++
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set stores a value in the store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiration = s.now().Add(ttl)
		entry.hasExpiry = true
	}
	s.entries[key] = entry
	return nil
}

// Delete removes a value from the store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() StoreStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.hits + s.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}

	return StoreStatistics{
		Hits:    s.hits,
		Misses:  s.misses,
		Size:    int64(len(s.entries)),
		HitRate: hitRate,
	}
}

// Cleanup removes expired entries from the store.
// Call this periodically to prevent memory leaks from expired entries.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.entries {
		if entry.hasExpiry && !now.Before(entry.expiration) {
			delete(s.entries, key)
		}
	}
}

var (
	_ KeyValueStore = (*MemoryStore)(nil)
	_ StoreStats    = (*MemoryStore)(nil)
)

// ============================================================================
// CachingBackend Decorator
// ============================================================================

// CacheEntry is the envelope CachingBackend writes to the store. The entry
// carries its own expiry so a store that does not enforce TTLs still never
// serves stale metadata.
type CacheEntry struct {
	Value     json.RawMessage `json:"v"`
	ExpiresAt time.Time       `json:"exp"`
}

// Expired reports whether the entry must be treated as a miss at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cached metadata operations.
const (
	opExists  = "exists"
	opIsDir   = "isdir"
	opSize    = "size"
	opModTime = "mtime"
	opList    = "list"
)

var cachedOps = []string{opExists, opIsDir, opSize, opModTime, opList}

// CachingBackend wraps a Backend to cache metadata reads (Exists, IsDir,
// Size, ModTime, List) in a KeyValueStore. File content is never cached.
//
// Every write invalidates the affected paths and their ancestors before it
// is delegated and again once it completes. Delete and Rename also move the
// cache to a new generation so entries below a removed or renamed directory
// are dropped. A fetch that overlaps a write is not stored.
//
// Example:
//
//	drive, _ := gdrive.New(ctx, gdrive.Config{Credentials: creds})
//	cached := volumekit.WrapCached(drive, volumekit.DefaultCacheTTL, volumekit.NewMemoryStore())
//
//	// First call hits the backend
//	ok, _ := cached.Exists(ctx, "/report.pdf")
//
//	// Second call is served from the store
//	ok, _ = cached.Exists(ctx, "/report.pdf")
type CachingBackend struct {
	backend Backend
	store   KeyValueStore
	opts    CacheOptions
}

// CacheOptions configures the CachingBackend behavior.
type CacheOptions struct {
	// TTL is the lifetime of a cache entry.
	// Default: 300 seconds
	TTL time.Duration

	// KeyPrefix is prepended to all store keys.
	// Useful when sharing a store between several backends.
	// Default: "volumekit:"
	KeyPrefix string

	// OnCacheHit is called when a cache hit occurs.
	OnCacheHit func(op, path string)

	// OnCacheMiss is called when a cache miss occurs.
	OnCacheMiss func(op, path string)

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// Logger receives store failures, which never fail a read.
	Logger *zap.Logger
}

// CacheOption is a functional option for configuring CachingBackend.
type CacheOption func(*CacheOptions)

// WithCacheTTL sets the lifetime of cache entries.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *CacheOptions) {
		o.TTL = ttl
	}
}

// WithCacheKeyPrefix sets the prefix for store keys.
func WithCacheKeyPrefix(prefix string) CacheOption {
	return func(o *CacheOptions) {
		o.KeyPrefix = prefix
	}
}

// WithCacheHitCallback sets the callback for cache hits.
func WithCacheHitCallback(callback func(op, path string)) CacheOption {
	return func(o *CacheOptions) {
		o.OnCacheHit = callback
	}
}

// WithCacheMissCallback sets the callback for cache misses.
func WithCacheMissCallback(callback func(op, path string)) CacheOption {
	return func(o *CacheOptions) {
		o.OnCacheMiss = callback
	}
}

// WithCacheClock replaces the clock used to stamp and check expiry.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(o *CacheOptions) {
		o.Now = now
	}
}

// WithCacheLogger sets the logger for store failures.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(o *CacheOptions) {
		o.Logger = logger
	}
}

// WrapCached returns backend decorated with a metadata cache of the given
// TTL. With ttl <= 0 or a nil store it returns backend itself, so callers
// observe no difference other than latency.
func WrapCached(backend Backend, ttl time.Duration, store KeyValueStore, opts ...CacheOption) Backend {
	if backend == nil || store == nil || ttl <= 0 {
		return backend
	}
	opts = append([]CacheOption{WithCacheTTL(ttl)}, opts...)
	return NewCachingBackend(backend, store, opts...)
}

// NewCachingBackend creates a caching wrapper around a Backend.
func NewCachingBackend(backend Backend, store KeyValueStore, opts ...CacheOption) *CachingBackend {
	options := CacheOptions{
		TTL:       DefaultCacheTTL,
		KeyPrefix: "volumekit:",
		Now:       time.Now,
		Logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &CachingBackend{
		backend: backend,
		store:   store,
		opts:    options,
	}
}

// Unwrap returns the underlying Backend.
func (c *CachingBackend) Unwrap() Backend {
	return c.backend
}

// Store returns the underlying KeyValueStore.
func (c *CachingBackend) Store() KeyValueStore {
	return c.store
}

// TTL returns the configured entry lifetime.
func (c *CachingBackend) TTL() time.Duration {
	return c.opts.TTL
}

func (c *CachingBackend) generationKey() string {
	return c.opts.KeyPrefix + "gen"
}

// generation returns the current cache generation. A store error is
// returned so the caller can bypass the cache.
func (c *CachingBackend) generation(ctx context.Context) (string, error) {
	gen, ok, err := c.store.Get(ctx, c.generationKey())
	if err != nil {
		return "", err
	}
	if !ok {
		return "0", nil
	}
	return string(gen), nil
}

// tokenSeq is process-wide so decorators sharing a store never repeat a
// token.
var tokenSeq atomic.Uint64

// token returns a value no earlier call returned.
func (c *CachingBackend) token() []byte {
	return []byte(strconv.FormatInt(c.opts.Now().UnixNano(), 36) + "." + strconv.FormatUint(tokenSeq.Add(1), 36))
}

// bumpGeneration moves the cache to a fresh generation. Old entries become
// unreachable and age out through their TTL.
func (c *CachingBackend) bumpGeneration(ctx context.Context) error {
	return c.store.Set(ctx, c.generationKey(), c.token(), 0)
}

// cacheKey generates a store key for the given generation, operation and path.
func (c *CachingBackend) cacheKey(gen, op, path string) string {
	return c.opts.KeyPrefix + gen + ":" + op + ":" + path
}

// versionKey holds the stamp of the last write touching path. Readers
// compare it around a fetch to detect a concurrent write.
func (c *CachingBackend) versionKey(path string) string {
	return c.opts.KeyPrefix + "ver:" + path
}

// stamp identifies the cache state of path: generation plus write version.
func (c *CachingBackend) stamp(ctx context.Context, gen, path string) (string, error) {
	ver, _, err := c.store.Get(ctx, c.versionKey(path))
	if err != nil {
		return "", err
	}
	return gen + "/" + string(ver), nil
}

// unchanged reports whether no write touched path since stamp was taken.
func (c *CachingBackend) unchanged(ctx context.Context, path, stamp string) bool {
	gen, err := c.generation(ctx)
	if err != nil {
		return false
	}
	now, err := c.stamp(ctx, gen, path)
	return err == nil && now == stamp
}

// lineage returns p followed by each of its ancestors up to the root.
func lineage(p string) []string {
	paths := []string{p}
	for p != "/" {
		p = ParentPath(p)
		paths = append(paths, p)
	}
	return paths
}

// ancestorOps are the entries a write below a directory can change.
var ancestorOps = []string{opExists, opIsDir, opList}

// invalidate stamps p and its ancestors with a new version, then removes
// every entry of p and the exists, isdir and list entries of each ancestor,
// which backends create on demand.
func (c *CachingBackend) invalidate(ctx context.Context, p string) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	paths := lineage(p)
	ver := c.token()
	for _, q := range paths {
		if err := c.store.Set(ctx, c.versionKey(q), ver, c.opts.TTL); err != nil {
			return err
		}
	}
	for i, q := range paths {
		ops := cachedOps
		if i > 0 {
			ops = ancestorOps
		}
		for _, op := range ops {
			if err := c.store.Delete(ctx, c.cacheKey(gen, op, q)); err != nil {
				return err
			}
		}
	}
	return nil
}

// settle repeats invalidation after a write completed so that a reader who
// refetched while the write was in flight does not leave a stale entry.
func (c *CachingBackend) settle(ctx context.Context, bump bool, paths ...string) {
	for _, p := range paths {
		if err := c.invalidate(ctx, p); err != nil {
			c.opts.Logger.Warn("cache invalidation after write failed",
				zap.String("path", p), zap.Error(err))
		}
	}
	if bump {
		if err := c.bumpGeneration(ctx); err != nil {
			c.opts.Logger.Warn("cache generation bump failed", zap.Error(err))
		}
	}
}

// cachedRead serves op for path from the store or fetches and stores it.
func cachedRead[T any](ctx context.Context, c *CachingBackend, op, path string, fetch func() (T, error)) (T, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.opts.Logger.Warn("cache unavailable, reading through",
			zap.String("op", op), zap.String("path", path), zap.Error(err))
		return fetch()
	}
	key := c.cacheKey(gen, op, path)

	if raw, ok, err := c.store.Get(ctx, key); err != nil {
		c.opts.Logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var entry CacheEntry
		var value T
		if json.Unmarshal(raw, &entry) == nil && !entry.Expired(c.opts.Now()) &&
			json.Unmarshal(entry.Value, &value) == nil {
			if c.opts.OnCacheHit != nil {
				c.opts.OnCacheHit(op, path)
			}
			return value, nil
		}
	}

	if c.opts.OnCacheMiss != nil {
		c.opts.OnCacheMiss(op, path)
	}

	stamp, err := c.stamp(ctx, gen, path)
	if err != nil {
		c.opts.Logger.Warn("cache version read failed", zap.String("path", path), zap.Error(err))
		return fetch()
	}

	// Cache miss, call underlying backend
	value, err := fetch()
	if err != nil {
		return value, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	envelope, err := json.Marshal(CacheEntry{Value: raw, ExpiresAt: c.opts.Now().Add(c.opts.TTL)})
	if err != nil {
		return value, nil
	}

	// A write that started after the stamp may have changed the value.
	if !c.unchanged(ctx, path, stamp) {
		return value, nil
	}
	if err := c.store.Set(ctx, key, envelope, c.opts.TTL); err != nil {
		c.opts.Logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	// A write may have finished between the check and the set; its final
	// invalidation then ran before our entry landed.
	if !c.unchanged(ctx, path, stamp) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.opts.Logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

// ============================================================================
// Backend Interface - Cached Operations
// ============================================================================

// Exists reports whether path exists, using cache when available.
func (c *CachingBackend) Exists(ctx context.Context, path string) (bool, error) {
	path = CleanPath(path)
	return cachedRead(ctx, c, opExists, path, func() (bool, error) {
		return c.backend.Exists(ctx, path)
	})
}

// IsDir reports whether path is a directory, using cache when available.
func (c *CachingBackend) IsDir(ctx context.Context, path string) (bool, error) {
	path = CleanPath(path)
	return cachedRead(ctx, c, opIsDir, path, func() (bool, error) {
		return c.backend.IsDir(ctx, path)
	})
}

// Size returns the file size, using cache when available.
func (c *CachingBackend) Size(ctx context.Context, path string) (int64, error) {
	path = CleanPath(path)
	return cachedRead(ctx, c, opSize, path, func() (int64, error) {
		return c.backend.Size(ctx, path)
	})
}

// ModTime returns the modification time, using cache when available.
func (c *CachingBackend) ModTime(ctx context.Context, path string) (time.Time, error) {
	path = CleanPath(path)
	return cachedRead(ctx, c, opModTime, path, func() (time.Time, error) {
		return c.backend.ModTime(ctx, path)
	})
}

// List returns directory contents, using cache when available.
func (c *CachingBackend) List(ctx context.Context, path string) ([]FileInfo, error) {
	path = CleanPath(path)
	return cachedRead(ctx, c, opList, path, func() ([]FileInfo, error) {
		return c.backend.List(ctx, path)
	})
}

// ============================================================================
// Backend Interface - Pass-through Operations
// ============================================================================

// Read delegates to the underlying backend (content is not cached).
func (c *CachingBackend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	return c.backend.Read(ctx, path)
}

// Write invalidates path, then delegates to the underlying backend.
func (c *CachingBackend) Write(ctx context.Context, path string, r io.Reader) error {
	path = CleanPath(path)
	if err := c.invalidate(ctx, path); err != nil {
		return NewPathError("write", path, err)
	}
	err := c.backend.Write(ctx, path, r)
	c.settle(ctx, false, path)
	return err
}

// Delete invalidates path, then delegates to the underlying backend.
func (c *CachingBackend) Delete(ctx context.Context, path string) error {
	path = CleanPath(path)
	if err := c.invalidate(ctx, path); err != nil {
		return NewPathError("delete", path, err)
	}
	if err := c.bumpGeneration(ctx); err != nil {
		return NewPathError("delete", path, err)
	}
	err := c.backend.Delete(ctx, path)
	c.settle(ctx, true, path)
	return err
}

// Rename invalidates both paths, then delegates to the underlying backend.
func (c *CachingBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = CleanPath(oldPath), CleanPath(newPath)
	for _, p := range []string{oldPath, newPath} {
		if err := c.invalidate(ctx, p); err != nil {
			return NewPathError("rename", p, err)
		}
	}
	if err := c.bumpGeneration(ctx); err != nil {
		return NewPathError("rename", oldPath, err)
	}
	err := c.backend.Rename(ctx, oldPath, newPath)
	c.settle(ctx, true, oldPath, newPath)
	return err
}

// CreateDir invalidates path, then delegates to the underlying backend.
func (c *CachingBackend) CreateDir(ctx context.Context, path string) error {
	path = CleanPath(path)
	if err := c.invalidate(ctx, path); err != nil {
		return NewPathError("createdir", path, err)
	}
	err := c.backend.CreateDir(ctx, path)
	c.settle(ctx, false, path)
	return err
}

// Close closes the underlying backend if it holds resources.
func (c *CachingBackend) Close() error {
	if closer, ok := c.backend.(Closer); ok {
		return closer.Close()
	}
	return nil
}

// ============================================================================
// Interface Assertions
// ============================================================================

var (
	_ Backend    = (*CachingBackend)(nil)
	_ FileReader = (*CachingBackend)(nil)
	_ FileWriter = (*CachingBackend)(nil)
	_ Closer     = (*CachingBackend)(nil)
)

// ============================================================================
// Cache Utilities
// ============================================================================

// WarmCache pre-populates the metadata of the direct children of dir.
// This is useful before the engine renders a large folder.
func WarmCache(ctx context.Context, c *CachingBackend, dir string) error {
	dir = CleanPath(dir)
	files, err := c.List(ctx, dir)
	if err != nil {
		return err
	}

	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}

	expires := c.opts.Now().Add(c.opts.TTL)
	for i := range files {
		p := CleanPath(files[i].Path)
		values := map[string]any{
			opExists:  true,
			opIsDir:   files[i].IsDir,
			opModTime: files[i].ModTime,
		}
		if !files[i].IsDir {
			values[opSize] = files[i].Size
		}
		for op, v := range values {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			envelope, err := json.Marshal(CacheEntry{Value: raw, ExpiresAt: expires})
			if err != nil {
				return err
			}
			if err := c.store.Set(ctx, c.cacheKey(gen, op, p), envelope, c.opts.TTL); err != nil {
				return err
			}
		}
	}

	return nil
}
