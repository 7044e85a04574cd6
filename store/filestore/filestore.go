// Package filestore provides a volumekit.KeyValueStore kept in a directory,
// so cached metadata survives across requests and processes.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobeaver/volumekit"
)

// record is the on-disk form of one entry. A zero ExpiresAt never expires.
type record struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Value     []byte    `json:"value"`
}

// Store keeps one file per key, named by the key's hash.
type Store struct {
	dir string
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store in dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: cache directory not set", volumekit.ErrConfiguration)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the entries.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) file(key string) string {
	return filepath.Join(s.dir, strconv.FormatUint(xxhash.Sum64String(key), 16)+".json")
}

// Get implements volumekit.KeyValueStore. Expired entries are removed and
// reported as misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	name := s.file(key)
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn or foreign file is dropped like an expired one.
		_ = os.Remove(name)
		return nil, false, nil
	}
	if rec.Key != key {
		// Hash collision
		return nil, false, nil
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		_ = os.Remove(name)
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Set implements volumekit.KeyValueStore. The entry is written to a
// temporary file and renamed into place.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := record{Key: key, Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.file(key))
}

// Delete implements volumekit.KeyValueStore. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.file(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Cleanup removes expired entries and returns how many were removed.
func (s *Store) Cleanup() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		var rec record
		if json.Unmarshal(data, &rec) != nil || (!rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)) {
			if os.Remove(name) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

var _ volumekit.KeyValueStore = (*Store)(nil)
