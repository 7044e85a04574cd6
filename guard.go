package volumekit

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrLocked is returned when a write targets a path the access policy
// locks or marks unwritable.
var ErrLocked = errors.New("path is locked")

// ============================================================================
// GuardedBackend Decorator
// ============================================================================

// GuardedBackend wraps a Backend so that writes respect an AccessPolicy.
// Reads pass through; a write is refused when the policy denies AttrWrite
// or allows AttrLocked on the target.
//
// Example:
//
//	guarded := volumekit.NewGuardedBackend(local, volumekit.DotfilePolicy)
//
//	// Regular files can be written
//	err := guarded.Write(ctx, "/notes.txt", r)
//
//	// Dotfiles are locked
//	err = guarded.Write(ctx, "/.htaccess", r)
//	// errors.Is(err, volumekit.ErrLocked) == true
type GuardedBackend struct {
	backend Backend
	policy  AccessPolicy
	opts    GuardOptions
}

// GuardOptions configures the GuardedBackend behavior.
type GuardOptions struct {
	// OnRefused is called for every write the policy refuses.
	OnRefused func(op, path string)
}

// GuardOption is a functional option for configuring GuardedBackend.
type GuardOption func(*GuardOptions)

// WithRefusedHandler sets a callback for refused writes.
func WithRefusedHandler(handler func(op, path string)) GuardOption {
	return func(o *GuardOptions) {
		o.OnRefused = handler
	}
}

// NewGuardedBackend wraps backend with policy. A nil policy guards nothing.
func NewGuardedBackend(backend Backend, policy AccessPolicy, opts ...GuardOption) *GuardedBackend {
	options := GuardOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &GuardedBackend{
		backend: backend,
		policy:  policy,
		opts:    options,
	}
}

// Unwrap returns the underlying Backend.
func (g *GuardedBackend) Unwrap() Backend {
	return g.backend
}

// Writable reports whether the policy lets path be modified.
func (g *GuardedBackend) Writable(path string) bool {
	if g.policy == nil {
		return true
	}
	if locked, ok := g.policy.Evaluate(AttrLocked, path).Bool(); ok && locked {
		return false
	}
	if write, ok := g.policy.Evaluate(AttrWrite, path).Bool(); ok && !write {
		return false
	}
	return true
}

func (g *GuardedBackend) check(op string, paths ...string) error {
	for _, p := range paths {
		if g.Writable(p) {
			continue
		}
		if g.opts.OnRefused != nil {
			g.opts.OnRefused(op, p)
		}
		return &PathError{Op: op, Path: p, Err: ErrLocked}
	}
	return nil
}

// ============================================================================
// Backend Interface - Read Operations (Delegated)
// ============================================================================

// Exists delegates to the underlying backend.
func (g *GuardedBackend) Exists(ctx context.Context, path string) (bool, error) {
	return g.backend.Exists(ctx, path)
}

// IsDir delegates to the underlying backend.
func (g *GuardedBackend) IsDir(ctx context.Context, path string) (bool, error) {
	return g.backend.IsDir(ctx, path)
}

// Size delegates to the underlying backend.
func (g *GuardedBackend) Size(ctx context.Context, path string) (int64, error) {
	return g.backend.Size(ctx, path)
}

// ModTime delegates to the underlying backend.
func (g *GuardedBackend) ModTime(ctx context.Context, path string) (time.Time, error) {
	return g.backend.ModTime(ctx, path)
}

// List delegates to the underlying backend.
func (g *GuardedBackend) List(ctx context.Context, path string) ([]FileInfo, error) {
	return g.backend.List(ctx, path)
}

// Read delegates to the underlying backend.
func (g *GuardedBackend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	return g.backend.Read(ctx, path)
}

// ============================================================================
// Backend Interface - Write Operations (Guarded)
// ============================================================================

// Write refuses locked paths.
func (g *GuardedBackend) Write(ctx context.Context, path string, r io.Reader) error {
	if err := g.check("write", path); err != nil {
		return err
	}
	return g.backend.Write(ctx, path, r)
}

// Delete refuses locked paths.
func (g *GuardedBackend) Delete(ctx context.Context, path string) error {
	if err := g.check("delete", path); err != nil {
		return err
	}
	return g.backend.Delete(ctx, path)
}

// Rename refuses when either end is locked.
func (g *GuardedBackend) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := g.check("rename", oldPath, newPath); err != nil {
		return err
	}
	return g.backend.Rename(ctx, oldPath, newPath)
}

// CreateDir refuses locked paths.
func (g *GuardedBackend) CreateDir(ctx context.Context, path string) error {
	if err := g.check("createdir", path); err != nil {
		return err
	}
	return g.backend.CreateDir(ctx, path)
}

// Close delegates to the underlying backend if it holds resources.
func (g *GuardedBackend) Close() error {
	if closer, ok := g.backend.(Closer); ok {
		return closer.Close()
	}
	return nil
}

var (
	_ Backend = (*GuardedBackend)(nil)
	_ Closer  = (*GuardedBackend)(nil)
)

// IsLocked checks if an error is due to the access policy.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}
