package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobeaver/volumekit"
)

// Adapter provides a local filesystem implementation of volumekit.Backend
type Adapter struct {
	root string
}

// New creates a new local filesystem adapter rooted at root.
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, err
	}

	return &Adapter{
		root: absRoot,
	}, nil
}

// Root returns the absolute directory served by the adapter.
func (a *Adapter) Root() string {
	return a.root
}

// resolve maps a volume path onto the host filesystem, refusing paths that
// escape the root.
func (a *Adapter) resolve(ctx context.Context, op, path string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	fullPath := filepath.Join(a.root, filepath.FromSlash(volumekit.CleanPath(path)))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", volumekit.NewPathError(op, path, volumekit.ErrNotAllowed)
	}
	return fullPath, nil
}

func (a *Adapter) stat(ctx context.Context, op, path string) (os.FileInfo, error) {
	fullPath, err := a.resolve(ctx, op, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, mapOSError(op, path, err)
	}
	return info, nil
}

// Exists implements volumekit.FileReader
func (a *Adapter) Exists(ctx context.Context, path string) (bool, error) {
	_, err := a.stat(ctx, "exists", path)
	if volumekit.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// IsDir implements volumekit.FileReader
func (a *Adapter) IsDir(ctx context.Context, path string) (bool, error) {
	info, err := a.stat(ctx, "isdir", path)
	if volumekit.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Size implements volumekit.FileReader
func (a *Adapter) Size(ctx context.Context, path string) (int64, error) {
	info, err := a.stat(ctx, "size", path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, volumekit.NewPathError("size", path, volumekit.ErrIsDir)
	}
	return info.Size(), nil
}

// ModTime implements volumekit.FileReader
func (a *Adapter) ModTime(ctx context.Context, path string) (time.Time, error) {
	info, err := a.stat(ctx, "mtime", path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// List implements volumekit.FileReader
func (a *Adapter) List(ctx context.Context, path string) ([]volumekit.FileInfo, error) {
	info, err := a.stat(ctx, "list", path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, volumekit.NewPathError("list", path, volumekit.ErrNotDir)
	}

	fullPath, _ := a.resolve(ctx, "list", path)
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, mapOSError("list", path, err)
	}

	dir := volumekit.CleanPath(path)
	files := make([]volumekit.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info
			continue
		}
		files = append(files, volumekit.FileInfo{
			Name:    entry.Name(),
			Path:    volumekit.CleanPath(dir + "/" + entry.Name()),
			Size:    sizeOf(info),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Read implements volumekit.FileReader
func (a *Adapter) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := a.resolve(ctx, "read", path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, mapOSError("read", path, err)
	}
	return f, nil
}

// Write implements volumekit.FileWriter. Content is written to a temporary
// file and renamed into place so readers never see a partial file.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader) error {
	fullPath, err := a.resolve(ctx, "write", path)
	if err != nil {
		return err
	}

	// Ensure the directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return mapOSError("write", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".volumekit-*")
	if err != nil {
		return mapOSError("write", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return volumekit.NewPathError("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		return volumekit.NewPathError("write", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return mapOSError("write", path, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		return mapOSError("write", path, err)
	}
	return nil
}

// Delete implements volumekit.FileWriter. Directories are removed with
// their contents.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	fullPath, err := a.resolve(ctx, "delete", path)
	if err != nil {
		return err
	}
	if fullPath == a.root {
		return volumekit.NewPathError("delete", path, volumekit.ErrNotAllowed)
	}

	if _, err := os.Lstat(fullPath); err != nil {
		return mapOSError("delete", path, err)
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return mapOSError("delete", path, err)
	}
	return nil
}

// Rename implements volumekit.FileWriter
func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	srcPath, err := a.resolve(ctx, "rename", oldPath)
	if err != nil {
		return err
	}
	dstPath, err := a.resolve(ctx, "rename", newPath)
	if err != nil {
		return err
	}

	// Check source exists
	if _, err := os.Stat(srcPath); err != nil {
		return mapOSError("rename", oldPath, err)
	}

	// Create destination directory if needed
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return mapOSError("rename", newPath, err)
	}

	if err := os.Rename(srcPath, dstPath); err != nil {
		return mapOSError("rename", oldPath, err)
	}
	return nil
}

// CreateDir implements volumekit.FileWriter
func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	fullPath, err := a.resolve(ctx, "createdir", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return mapOSError("createdir", path, err)
	}
	return nil
}

func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sizeOf(info os.FileInfo) int64 {
	if info.IsDir() {
		return 0
	}
	return info.Size()
}

func mapOSError(op, path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return volumekit.NewPathError(op, path, volumekit.ErrNotExist)
	case errors.Is(err, os.ErrPermission):
		return volumekit.NewPathError(op, path, volumekit.ErrPermission)
	case errors.Is(err, os.ErrExist):
		return volumekit.NewPathError(op, path, volumekit.ErrExist)
	default:
		return volumekit.NewPathError(op, path, err)
	}
}

var _ volumekit.Backend = (*Adapter)(nil)
