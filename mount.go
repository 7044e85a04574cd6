package volumekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMountNotFound is returned when no mount point matches the path
	ErrMountNotFound = errors.New("no mount point found for path")
	// ErrMountExists is returned when trying to mount at an existing path
	ErrMountExists = errors.New("mount point already exists")
	// ErrEmptyMountPath is returned when the mount path is empty or the root
	ErrEmptyMountPath = errors.New("mount path cannot be empty")
	// ErrNilBackend is returned when trying to mount a nil backend
	ErrNilBackend = errors.New("backend cannot be nil")
	// ErrCrossMount is returned when an operation cannot cross mount boundaries
	ErrCrossMount = errors.New("operation cannot cross mount boundaries")
)

// MountTable exposes several backends under one virtual namespace, each
// below its own top-level or nested mount path. It implements Backend, so
// the whole table can be browsed like a single volume.
type MountTable struct {
	mu     sync.RWMutex
	mounts map[string]Backend
	// sorted mount paths for longest-prefix matching
	sortedPaths []string
}

// NewMountTable creates an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{
		mounts: make(map[string]Backend),
	}
}

// MountName returns the top-level directory a volume is mounted under.
func MountName(v Volume) string {
	if alias := v.Info().Alias; alias != "" {
		return alias
	}
	switch v.Kind() {
	case KindLocal:
		return "Local"
	case KindFTP:
		return "FTP"
	default:
		return string(v.Kind())
	}
}

// MountVolumes mounts every volume that carries a backend under
// "/<MountName>". Volumes without a backend are skipped.
func MountVolumes(volumes []Volume) (*MountTable, error) {
	m := NewMountTable()
	for _, v := range volumes {
		b := v.Backend()
		if b == nil {
			continue
		}
		if err := m.Mount("/"+MountName(v), b); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Mount attaches a backend at the specified virtual path.
// Nested mounts are supported; "/" itself cannot be mounted.
func (m *MountTable) Mount(mountPath string, b Backend) error {
	if b == nil {
		return ErrNilBackend
	}

	mountPath = normalizeMountPath(mountPath)
	if mountPath == "" || mountPath == "/" {
		return ErrEmptyMountPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mounts[mountPath]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, mountPath)
	}

	m.mounts[mountPath] = b
	m.updateSortedPaths()

	return nil
}

// Unmount removes the backend at the specified path.
func (m *MountTable) Unmount(mountPath string) error {
	mountPath = normalizeMountPath(mountPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mounts[mountPath]; !exists {
		return fmt.Errorf("%w: %s", ErrMountNotFound, mountPath)
	}

	delete(m.mounts, mountPath)
	m.updateSortedPaths()

	return nil
}

// MountPaths returns all mount paths in sorted order (longest first).
func (m *MountTable) MountPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.sortedPaths))
	copy(result, m.sortedPaths)
	return result
}

// Resolve finds the backend and backend-relative path for an absolute path.
// Uses longest-prefix matching to support nested mounts.
func (m *MountTable) Resolve(absPath string) (Backend, string, error) {
	absPath = normalizeMountPath(absPath)
	if absPath == "" {
		return nil, "", ErrEmptyMountPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mountPath := range m.sortedPaths {
		if absPath == mountPath || strings.HasPrefix(absPath, mountPath+"/") {
			rel := strings.TrimPrefix(absPath, mountPath)
			return m.mounts[mountPath], CleanPath(rel), nil
		}
	}

	return nil, "", fmt.Errorf("%w: %s", ErrMountNotFound, absPath)
}

// updateSortedPaths updates the sorted paths slice for longest-prefix matching.
// Must be called with lock held.
func (m *MountTable) updateSortedPaths() {
	paths := make([]string, 0, len(m.mounts))
	for p := range m.mounts {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return paths[i] < paths[j]
	})
	m.sortedPaths = paths
}

// normalizeMountPath ensures the path starts with "/" and has no trailing slash.
func normalizeMountPath(p string) string {
	if p == "" {
		return ""
	}
	return CleanPath(p)
}

// virtualChildren returns the mount points directly below dir that are not
// themselves inside a mount, e.g. "/" lists "/Local" and "/GoogleDrive".
func (m *MountTable) virtualChildren(dir string) []FileInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := make(map[string]bool)
	var out []FileInfo
	for _, mountPath := range m.sortedPaths {
		if !strings.HasPrefix(mountPath, prefix) {
			continue
		}
		name := strings.SplitN(strings.TrimPrefix(mountPath, prefix), "/", 2)[0]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, FileInfo{Name: name, Path: prefix + name, IsDir: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// isVirtualDir reports whether p is an ancestor of a mount point.
func (m *MountTable) isVirtualDir(p string) bool {
	return p == "/" || len(m.virtualChildren(p)) > 0
}

// ============================================================================
// Backend Interface Implementation
// ============================================================================

// Exists reports whether path exists, routing to the appropriate mount.
func (m *MountTable) Exists(ctx context.Context, path string) (bool, error) {
	b, rel, err := m.Resolve(path)
	if err != nil {
		if errors.Is(err, ErrMountNotFound) {
			return m.isVirtualDir(CleanPath(path)), nil
		}
		return false, err
	}
	return b.Exists(ctx, rel)
}

// IsDir reports whether path is a directory, routing to the appropriate mount.
func (m *MountTable) IsDir(ctx context.Context, path string) (bool, error) {
	b, rel, err := m.Resolve(path)
	if err != nil {
		if errors.Is(err, ErrMountNotFound) {
			return m.isVirtualDir(CleanPath(path)), nil
		}
		return false, err
	}
	return b.IsDir(ctx, rel)
}

// Size returns the file size, routing to the appropriate mount.
func (m *MountTable) Size(ctx context.Context, path string) (int64, error) {
	b, rel, err := m.Resolve(path)
	if err != nil {
		return 0, err
	}
	return b.Size(ctx, rel)
}

// ModTime returns the modification time, routing to the appropriate mount.
func (m *MountTable) ModTime(ctx context.Context, path string) (time.Time, error) {
	b, rel, err := m.Resolve(path)
	if err != nil {
		return time.Time{}, err
	}
	return b.ModTime(ctx, rel)
}

// List lists a directory. Paths above the mounts list the mount points;
// paths inside a mount carry absolute virtual paths.
func (m *MountTable) List(ctx context.Context, path string) ([]FileInfo, error) {
	b, rel, err := m.Resolve(path)
	if err != nil {
		if errors.Is(err, ErrMountNotFound) {
			if children := m.virtualChildren(CleanPath(path)); len(children) > 0 || CleanPath(path) == "/" {
				return children, nil
			}
		}
		return nil, err
	}

	files, err := b.List(ctx, rel)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(CleanPath(path), rel)
	for i := range files {
		files[i].Path = CleanPath(base + "/" + CleanPath(files[i].Path))
	}
	return files, nil
}

// Read reads content from the path, routing to the appropriate mount.
func (m *MountTable) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	b, rel, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	return b.Read(ctx, rel)
}

// Write writes content to the path, routing to the appropriate mount.
func (m *MountTable) Write(ctx context.Context, path string, r io.Reader) error {
	b, rel, err := m.Resolve(path)
	if err != nil {
		return err
	}
	return b.Write(ctx, rel, r)
}

// Delete removes the path, routing to the appropriate mount.
func (m *MountTable) Delete(ctx context.Context, path string) error {
	b, rel, err := m.Resolve(path)
	if err != nil {
		return err
	}
	if rel == "/" {
		return NewPathError("delete", path, ErrNotAllowed)
	}
	return b.Delete(ctx, rel)
}

// Rename moves a path within one mount. Moving across mounts fails with
// ErrCrossMount.
func (m *MountTable) Rename(ctx context.Context, oldPath, newPath string) error {
	src, srcRel, err := m.Resolve(oldPath)
	if err != nil {
		return err
	}
	dst, dstRel, err := m.Resolve(newPath)
	if err != nil {
		return err
	}
	if src != dst {
		return NewPathError("rename", oldPath, ErrCrossMount)
	}
	return src.Rename(ctx, srcRel, dstRel)
}

// CreateDir creates a directory, routing to the appropriate mount.
func (m *MountTable) CreateDir(ctx context.Context, path string) error {
	b, rel, err := m.Resolve(path)
	if err != nil {
		return err
	}
	return b.CreateDir(ctx, rel)
}

// Close closes every mounted backend that holds resources.
func (m *MountTable) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, b := range m.mounts {
		if closer, ok := b.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var (
	_ Backend = (*MountTable)(nil)
	_ Closer  = (*MountTable)(nil)
)
