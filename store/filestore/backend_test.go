package filestore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/gobeaver/volumekit"
)

// countingBackend serves a fixed file and counts metadata calls.
type countingBackend struct {
	sizeCalls int
}

func (b *countingBackend) Exists(context.Context, string) (bool, error) { return true, nil }
func (b *countingBackend) IsDir(context.Context, string) (bool, error)  { return false, nil }
func (b *countingBackend) Size(context.Context, string) (int64, error) {
	b.sizeCalls++
	return 42, nil
}
func (b *countingBackend) ModTime(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}
func (b *countingBackend) List(context.Context, string) ([]volumekit.FileInfo, error) {
	return nil, nil
}
func (b *countingBackend) Read(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (b *countingBackend) Write(context.Context, string, io.Reader) error { return nil }
func (b *countingBackend) Delete(context.Context, string) error           { return nil }
func (b *countingBackend) Rename(context.Context, string, string) error   { return nil }
func (b *countingBackend) CreateDir(context.Context, string) error        { return nil }
