package volumekit

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// FileInfo represents file/directory metadata
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

// ============================================================================
// Core Interfaces (Interface Segregation)
// ============================================================================

// FileReader provides read-only access to a storage backend.
type FileReader interface {
	// Exists reports whether a file or directory exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// IsDir reports whether path is an existing directory.
	IsDir(ctx context.Context, path string) (bool, error)

	// Size returns the size of the file at path in bytes.
	Size(ctx context.Context, path string) (int64, error)

	// ModTime returns the last modification time of path.
	ModTime(ctx context.Context, path string) (time.Time, error)

	// List returns the direct children of the directory at path.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// Read returns a stream for reading file content.
	Read(ctx context.Context, path string) (io.ReadCloser, error)
}

// FileWriter provides write access to a storage backend.
type FileWriter interface {
	// Write stores the content of r at path, replacing any existing file.
	Write(ctx context.Context, path string, r io.Reader) error

	// Delete removes the file or directory at path.
	Delete(ctx context.Context, path string) error

	// Rename moves oldPath to newPath.
	Rename(ctx context.Context, oldPath, newPath string) error

	// CreateDir creates a directory (and parents if needed).
	CreateDir(ctx context.Context, path string) error
}

// Backend is the capability set every storage backend (local disk, FTP,
// cloud drive) provides. All errors are wrapped in *PathError and match one
// of ErrNotExist, ErrPermission, ErrTimeout or ErrUnavailable when the cause
// is known.
type Backend interface {
	FileReader
	FileWriter
}

// Closer is implemented by backends holding network connections.
type Closer interface {
	Close() error
}

// CleanPath normalizes a backend-relative path: forward slashes, a leading
// "/", no trailing slash and no "." or ".." elements.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// ParentPath returns the directory containing p.
func ParentPath(p string) string {
	return path.Dir(CleanPath(p))
}
