package volumekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// testClock is a settable time source shared by store and cache.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// faultyStore wraps a store and fails selected operations.
type faultyStore struct {
	KeyValueStore
	getErr    error
	setErr    error
	deleteErr error
}

func (s *faultyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.KeyValueStore.Get(ctx, key)
}

func (s *faultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.KeyValueStore.Set(ctx, key, value, ttl)
}

func (s *faultyStore) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.KeyValueStore.Delete(ctx, key)
}

// mapStore never expires anything on its own.
type mapStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (s *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *mapStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func newCachedMock(t *testing.T, opts ...CacheOption) (*CachingBackend, *mockBackend, *MemoryStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	store.now = clock.Now
	backend := newMockBackend()
	opts = append([]CacheOption{WithCacheTTL(time.Minute), WithCacheClock(clock.Now)}, opts...)
	return NewCachingBackend(backend, store, opts...), backend, store, clock
}

func TestWrapCached(t *testing.T) {
	backend := newMockBackend()

	t.Run("zero ttl is pass-through", func(t *testing.T) {
		if got := WrapCached(backend, 0, NewMemoryStore()); got != Backend(backend) {
			t.Errorf("WrapCached(ttl=0) = %T, want the backend itself", got)
		}
	})

	t.Run("nil store is pass-through", func(t *testing.T) {
		if got := WrapCached(backend, time.Minute, nil); got != Backend(backend) {
			t.Errorf("WrapCached(store=nil) = %T, want the backend itself", got)
		}
	})

	t.Run("wraps with ttl", func(t *testing.T) {
		got := WrapCached(backend, 42*time.Second, NewMemoryStore())
		cached, ok := got.(*CachingBackend)
		if !ok {
			t.Fatalf("WrapCached() = %T, want *CachingBackend", got)
		}
		if cached.TTL() != 42*time.Second {
			t.Errorf("TTL() = %v, want 42s", cached.TTL())
		}
		if cached.Unwrap() != Backend(backend) {
			t.Error("Unwrap() should return the wrapped backend")
		}
	})
}

func TestCachingBackend_HitMiss(t *testing.T) {
	ctx := context.Background()
	var hits, misses []string
	c, backend, _, _ := newCachedMock(t,
		WithCacheHitCallback(func(op, path string) { hits = append(hits, op+" "+path) }),
		WithCacheMissCallback(func(op, path string) { misses = append(misses, op+" "+path) }),
	)
	backend.put("/docs/a.txt", "hello")

	for i := 0; i < 3; i++ {
		ok, err := c.Exists(ctx, "/docs/a.txt")
		if err != nil || !ok {
			t.Fatalf("Exists() = %v, %v", ok, err)
		}
	}
	if n := backend.count("exists"); n != 1 {
		t.Errorf("backend Exists called %d times, want 1", n)
	}
	if len(misses) != 1 || misses[0] != "exists /docs/a.txt" {
		t.Errorf("misses = %v", misses)
	}
	if len(hits) != 2 {
		t.Errorf("hits = %v, want 2", hits)
	}

	size, err := c.Size(ctx, "docs/a.txt")
	if err != nil || size != 5 {
		t.Fatalf("Size() = %d, %v", size, err)
	}
	if _, err := c.Size(ctx, "/docs/a.txt"); err != nil {
		t.Fatal(err)
	}
	if n := backend.count("size"); n != 1 {
		t.Errorf("backend Size called %d times, want 1 for equivalent paths", n)
	}

	mt, err := c.ModTime(ctx, "/docs/a.txt")
	if err != nil || !mt.Equal(mockModTime) {
		t.Errorf("ModTime() = %v, %v", mt, err)
	}
	files, err := c.List(ctx, "/docs")
	if err != nil || len(files) != 1 || files[0].Name != "a.txt" {
		t.Errorf("List() = %+v, %v", files, err)
	}
	if _, err := c.List(ctx, "/docs"); err != nil {
		t.Fatal(err)
	}
	if n := backend.count("list"); n != 1 {
		t.Errorf("backend List called %d times, want 1", n)
	}
}

func TestCachingBackend_ErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	c, backend, _, _ := newCachedMock(t)

	for i := 0; i < 2; i++ {
		if _, err := c.Size(ctx, "/missing"); !IsNotExist(err) {
			t.Fatalf("Size() error = %v, want not exist", err)
		}
	}
	if n := backend.count("size"); n != 2 {
		t.Errorf("backend Size called %d times, want 2", n)
	}
}

func TestCachingBackend_TTL(t *testing.T) {
	ctx := context.Background()
	c, backend, _, clock := newCachedMock(t)
	backend.put("/a.txt", "1")

	_, _ = c.IsDir(ctx, "/a.txt")
	clock.Advance(59 * time.Second)
	_, _ = c.IsDir(ctx, "/a.txt")
	if n := backend.count("isdir"); n != 1 {
		t.Fatalf("backend IsDir called %d times before expiry, want 1", n)
	}

	clock.Advance(time.Second)
	_, _ = c.IsDir(ctx, "/a.txt")
	if n := backend.count("isdir"); n != 2 {
		t.Errorf("backend IsDir called %d times after expiry, want 2", n)
	}
}

func TestCachingBackend_EnvelopeExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newMockBackend()
	backend.put("/a.txt", "1")
	c := NewCachingBackend(backend, &mapStore{m: map[string][]byte{}},
		WithCacheTTL(time.Minute), WithCacheClock(clock.Now))

	_, _ = c.Exists(ctx, "/a.txt")
	clock.Advance(2 * time.Minute)
	_, _ = c.Exists(ctx, "/a.txt")

	if n := backend.count("exists"); n != 2 {
		t.Errorf("backend Exists called %d times, want 2 once the envelope expired", n)
	}
}

func TestCachingBackend_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	backend := newMockBackend()
	c := NewCachingBackend(backend, store, WithCacheKeyPrefix("gdcache:"))

	_, _ = c.Exists(ctx, "/")
	if _, ok, _ := store.Get(ctx, "gdcache:0:exists:/"); !ok {
		t.Error("entry should be stored under the configured prefix")
	}
}

func TestCachingBackend_WriteInvalidates(t *testing.T) {
	ctx := context.Background()
	c, backend, _, _ := newCachedMock(t)
	backend.put("/docs/a.txt", "hello")

	if size, _ := c.Size(ctx, "/docs/a.txt"); size != 5 {
		t.Fatalf("Size() = %d, want 5", size)
	}
	files, _ := c.List(ctx, "/docs")
	if len(files) != 1 {
		t.Fatalf("List() = %+v", files)
	}

	if err := c.Write(ctx, "/docs/a.txt", strings.NewReader("hello world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if size, _ := c.Size(ctx, "/docs/a.txt"); size != 11 {
		t.Errorf("Size() after write = %d, want 11", size)
	}

	if err := c.Write(ctx, "/docs/b.txt", strings.NewReader("b")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	files, _ = c.List(ctx, "/docs")
	if len(files) != 2 {
		t.Errorf("List() after write = %+v, want 2 entries", files)
	}
}

func TestCachingBackend_CreateDirInvalidates(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newCachedMock(t)

	if ok, _ := c.IsDir(ctx, "/new"); ok {
		t.Fatal("IsDir() = true before CreateDir")
	}
	if err := c.CreateDir(ctx, "/new"); err != nil {
		t.Fatalf("CreateDir() error = %v", err)
	}
	if ok, _ := c.IsDir(ctx, "/new"); !ok {
		t.Error("IsDir() should see the new directory")
	}
}

func TestCachingBackend_DeleteDropsNestedEntries(t *testing.T) {
	ctx := context.Background()
	c, backend, _, _ := newCachedMock(t)
	backend.put("/docs/sub/a.txt", "1")

	if ok, _ := c.Exists(ctx, "/docs/sub/a.txt"); !ok {
		t.Fatal("Exists() = false before delete")
	}
	if err := c.Delete(ctx, "/docs"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := c.Exists(ctx, "/docs/sub/a.txt"); ok {
		t.Error("entry below a deleted directory should not be served")
	}
	if ok, _ := c.Exists(ctx, "/docs"); ok {
		t.Error("deleted directory should not be served")
	}
}

func TestCachingBackend_Rename(t *testing.T) {
	ctx := context.Background()
	c, backend, _, _ := newCachedMock(t)
	backend.put("/old/a.txt", "1")

	_, _ = c.Exists(ctx, "/old/a.txt")
	_, _ = c.Exists(ctx, "/new/a.txt")

	if err := c.Rename(ctx, "/old", "/new"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if ok, _ := c.Exists(ctx, "/old/a.txt"); ok {
		t.Error("old path should be gone")
	}
	if ok, _ := c.Exists(ctx, "/new/a.txt"); !ok {
		t.Error("new path should exist")
	}
}

func TestCachingBackend_StoreFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("reads go through when the store fails", func(t *testing.T) {
		backend := newMockBackend()
		backend.put("/a.txt", "abc")
		boom := errors.New("store down")
		c := NewCachingBackend(backend, &faultyStore{KeyValueStore: NewMemoryStore(), getErr: boom, setErr: boom})

		for i := 0; i < 2; i++ {
			size, err := c.Size(ctx, "/a.txt")
			if err != nil || size != 3 {
				t.Fatalf("Size() = %d, %v", size, err)
			}
		}
		if n := backend.count("size"); n != 2 {
			t.Errorf("backend Size called %d times, want 2", n)
		}
	})

	t.Run("failed invalidation blocks the write", func(t *testing.T) {
		backend := newMockBackend()
		c := NewCachingBackend(backend, &faultyStore{KeyValueStore: NewMemoryStore(), deleteErr: errors.New("store down")})

		err := c.Write(ctx, "/a.txt", strings.NewReader("x"))
		var pathErr *PathError
		if !errors.As(err, &pathErr) || pathErr.Op != "write" {
			t.Fatalf("Write() error = %v, want *PathError for write", err)
		}
		if n := backend.count("write"); n != 0 {
			t.Errorf("backend Write called %d times, want 0", n)
		}
		if err := c.Delete(ctx, "/a.txt"); err == nil {
			t.Error("Delete() should fail when invalidation fails")
		}
		if n := backend.count("delete"); n != 0 {
			t.Errorf("backend Delete called %d times, want 0", n)
		}
	})
}

func TestCachingBackend_ReadNotCached(t *testing.T) {
	c, backend, _, _ := newCachedMock(t)
	backend.put("/a.txt", "abc")

	for i := 0; i < 2; i++ {
		if got := readString(t, c, "/a.txt"); got != "abc" {
			t.Fatalf("Read() = %q", got)
		}
	}
	if n := backend.count("read"); n != 2 {
		t.Errorf("backend Read called %d times, want 2", n)
	}
}

func TestCachingBackend_Close(t *testing.T) {
	c, backend, _, _ := newCachedMock(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !backend.closed {
		t.Error("Close() should close the wrapped backend")
	}
}

func TestWarmCache(t *testing.T) {
	ctx := context.Background()
	c, backend, _, _ := newCachedMock(t)
	backend.put("/docs/a.txt", "hello")
	backend.put("/docs/sub/b.txt", "b")

	if err := WarmCache(ctx, c, "/docs"); err != nil {
		t.Fatalf("WarmCache() error = %v", err)
	}

	if size, err := c.Size(ctx, "/docs/a.txt"); err != nil || size != 5 {
		t.Errorf("Size() = %d, %v", size, err)
	}
	if ok, _ := c.IsDir(ctx, "/docs/sub"); !ok {
		t.Error("IsDir(/docs/sub) = false")
	}
	if ok, _ := c.Exists(ctx, "/docs/a.txt"); !ok {
		t.Error("Exists(/docs/a.txt) = false")
	}
	for _, op := range []string{"size", "isdir", "exists"} {
		if n := backend.count(op); n != 0 {
			t.Errorf("backend %s called %d times after warm-up, want 0", op, n)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryStore()
	s.now = clock.Now

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("empty store should miss")
	}

	value := []byte("v1")
	_ = s.Set(ctx, "k", value, time.Second)
	value[0] = 'x'
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get() = %q, %v, %v; want copy of v1", got, ok, err)
	}
	got[0] = 'y'
	if again, _, _ := s.Get(ctx, "k"); string(again) != "v1" {
		t.Error("Get() should return a copy")
	}

	_ = s.Set(ctx, "forever", []byte("1"), 0)
	clock.Advance(time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("entry should expire at its ttl")
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Error("entry without ttl should not expire")
	}

	_ = s.Delete(ctx, "forever")
	if _, ok, _ := s.Get(ctx, "forever"); ok {
		t.Error("deleted entry should miss")
	}

	stats := s.Stats()
	if stats.Hits != 3 || stats.Misses != 3 {
		t.Errorf("Stats() = %+v, want 3 hits and 3 misses", stats)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryStore()
	s.now = clock.Now

	_ = s.Set(ctx, "short", []byte("1"), time.Second)
	_ = s.Set(ctx, "long", []byte("2"), time.Hour)
	clock.Advance(time.Minute)
	s.Cleanup()

	if size := s.Stats().Size; size != 1 {
		t.Errorf("Size after Cleanup = %d, want 1", size)
	}
}

func TestCachingBackend_WriteInvalidatesAncestors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		write func(c *CachingBackend) error
		dirs  []string
	}{
		{
			name:  "write creates parents",
			write: func(c *CachingBackend) error { return c.Write(ctx, "/a/b/c.txt", strings.NewReader("c")) },
			dirs:  []string{"/a", "/a/b"},
		},
		{
			name:  "createdir creates parents",
			write: func(c *CachingBackend) error { return c.CreateDir(ctx, "/a/b/c") },
			dirs:  []string{"/a", "/a/b", "/a/b/c"},
		},
		{
			name:  "rename creates destination parents",
			write: func(c *CachingBackend) error { return c.Rename(ctx, "/old.txt", "/a/b/new.txt") },
			dirs:  []string{"/a", "/a/b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, backend, _, _ := newCachedMock(t)
			backend.put("/old.txt", "x")

			for _, d := range tt.dirs {
				if ok, _ := c.Exists(ctx, d); ok {
					t.Fatalf("Exists(%s) = true before the write", d)
				}
				if ok, _ := c.IsDir(ctx, d); ok {
					t.Fatalf("IsDir(%s) = true before the write", d)
				}
			}
			if hasEntry(t, c, "/", "a") {
				t.Fatal("List(/) has a before the write")
			}

			if err := tt.write(c); err != nil {
				t.Fatalf("write error = %v", err)
			}

			for _, d := range tt.dirs {
				if ok, _ := c.Exists(ctx, d); !ok {
					t.Errorf("Exists(%s) served a stale entry", d)
				}
				if ok, _ := c.IsDir(ctx, d); !ok {
					t.Errorf("IsDir(%s) served a stale entry", d)
				}
			}
			if !hasEntry(t, c, "/", "a") {
				t.Error("List(/) served a stale listing without a")
			}
		})
	}
}

func hasEntry(t *testing.T, b Backend, dir, name string) bool {
	t.Helper()
	files, err := b.List(context.Background(), dir)
	if err != nil {
		t.Fatalf("List(%s) error = %v", dir, err)
	}
	for _, f := range files {
		if f.Name == name {
			return true
		}
	}
	return false
}

// gatedBackend pauses the first Exists call after the backend answered,
// so a write can run while the fetched value is in flight.
type gatedBackend struct {
	*mockBackend
	once    sync.Once
	fetched chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Exists(ctx context.Context, p string) (bool, error) {
	ok, err := g.mockBackend.Exists(ctx, p)
	g.once.Do(func() {
		close(g.fetched)
		<-g.release
	})
	return ok, err
}

func TestCachingBackend_FetchOverlappingWriteNotStored(t *testing.T) {
	ctx := context.Background()
	backend := &gatedBackend{
		mockBackend: newMockBackend(),
		fetched:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := NewCachingBackend(backend, NewMemoryStore(), WithCacheTTL(time.Minute))

	result := make(chan bool)
	go func() {
		ok, _ := c.Exists(ctx, "/a.txt")
		result <- ok
	}()

	<-backend.fetched
	if err := c.Write(ctx, "/a.txt", strings.NewReader("new")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	close(backend.release)

	if <-result {
		t.Fatal("in-flight Exists should report the value read before the write")
	}
	if ok, _ := c.Exists(ctx, "/a.txt"); !ok {
		t.Error("Exists() served the value fetched before the write")
	}
	if n := backend.count("exists"); n != 2 {
		t.Errorf("backend Exists called %d times, want 2", n)
	}
}

func TestCachingBackend_Concurrency(t *testing.T) {
	ctx := context.Background()
	backend := newMockBackend()
	backend.mkdirs("/dir")
	c := NewCachingBackend(backend, NewMemoryStore(), WithCacheTTL(time.Minute))

	const writers, readers, files = 4, 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < files; i++ {
				p := fmt.Sprintf("/dir/w%d/f%d.txt", w, i)
				if err := c.Write(ctx, p, strings.NewReader(p)); err != nil {
					t.Errorf("Write(%s) error = %v", p, err)
				}
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < files; i++ {
				p := fmt.Sprintf("/dir/w%d/f%d.txt", r%writers, i)
				_, _ = c.Exists(ctx, p)
				_, _ = c.IsDir(ctx, ParentPath(p))
				_, _ = c.List(ctx, "/dir")
				_, _ = c.Size(ctx, p)
			}
		}(r)
	}
	wg.Wait()

	dirs, err := c.List(ctx, "/dir")
	if err != nil || len(dirs) != writers {
		t.Fatalf("List(/dir) = %d entries, %v; want %d", len(dirs), err, writers)
	}
	for w := 0; w < writers; w++ {
		entries, err := c.List(ctx, fmt.Sprintf("/dir/w%d", w))
		if err != nil || len(entries) != files {
			t.Errorf("List(/dir/w%d) = %d entries, %v; want %d", w, len(entries), err, files)
		}
		for i := 0; i < files; i++ {
			p := fmt.Sprintf("/dir/w%d/f%d.txt", w, i)
			if ok, _ := c.Exists(ctx, p); !ok {
				t.Errorf("Exists(%s) = false after all writes", p)
			}
		}
	}
}
