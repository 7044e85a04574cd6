package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gobeaver/volumekit"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// FolderMimeType marks a drive file as a folder.
const FolderMimeType = "application/vnd.google-apps.folder"

const fileFields = "id,name,mimeType,size,modifiedTime,parents"

// Config holds Google Drive configuration
type Config struct {
	Credentials volumekit.Credentials
	// RootFolderID is the folder served as the volume root.
	RootFolderID string
	// Timeout bounds each call to the Drive API.
	Timeout time.Duration
	// Broker supplies access tokens. Default: DefaultBroker()
	Broker *Broker

	// HTTPClient replaces the authenticated client, mainly for tests.
	HTTPClient *http.Client
	// Endpoint overrides the Drive API base URL.
	Endpoint string
}

// Adapter provides a Google Drive implementation of volumekit.Backend.
// Paths are resolved name by name below the root folder.
type Adapter struct {
	srv     *drive.Service
	root    string
	timeout time.Duration
}

// New creates a drive backend. An access token is fetched up front so bad
// credentials or an unreachable token endpoint fail here.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.RootFolderID == "" {
		cfg.RootFolderID = volumekit.DefaultCloudRoot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = volumekit.DefaultCloudTimeout
	}
	if cfg.Broker == nil {
		cfg.Broker = DefaultBroker()
	}

	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	} else {
		if err := cfg.Credentials.Validate(); err != nil {
			return nil, err
		}
		tctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if _, err := cfg.Broker.Token(tctx, cfg.Credentials); err != nil {
			return nil, fmt.Errorf("fetch drive token: %w", err)
		}
		opts = append(opts, option.WithTokenSource(cfg.Broker.TokenSource(cfg.Credentials, cfg.Timeout)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Adapter{
		srv:     srv,
		root:    cfg.RootFolderID,
		timeout: cfg.Timeout,
	}, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func isFolder(f *drive.File) bool {
	return f.MimeType == FolderMimeType
}

func segments(p string) []string {
	clean := strings.Trim(volumekit.CleanPath(p), "/")
	if clean == "" {
		return nil
	}
	return strings.Split(clean, "/")
}

// child finds the entry called name in folder parentID.
func (a *Adapter) child(ctx context.Context, parentID, name string) (*drive.File, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", escapeQuery(parentID), escapeQuery(name))
	list, err := a.srv.Files.List().
		Q(q).
		Fields("files(" + fileFields + ")").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, volumekit.ErrNotExist
	}
	return list.Files[0], nil
}

// resolve walks p from the root folder.
func (a *Adapter) resolve(ctx context.Context, p string) (*drive.File, error) {
	current := &drive.File{Id: a.root, Name: "/", MimeType: FolderMimeType}
	for _, name := range segments(p) {
		if !isFolder(current) {
			return nil, volumekit.ErrNotDir
		}
		next, err := a.child(ctx, current.Id, name)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// mkdirAll resolves p, creating missing folders on the way.
func (a *Adapter) mkdirAll(ctx context.Context, p string) (*drive.File, error) {
	current := &drive.File{Id: a.root, Name: "/", MimeType: FolderMimeType}
	for _, name := range segments(p) {
		next, err := a.child(ctx, current.Id, name)
		if errors.Is(err, volumekit.ErrNotExist) {
			next, err = a.srv.Files.Create(&drive.File{
				Name:     name,
				MimeType: FolderMimeType,
				Parents:  []string{current.Id},
			}).Fields(fileFields).Context(ctx).Do()
		}
		if err != nil {
			return nil, err
		}
		if !isFolder(next) {
			return nil, volumekit.ErrNotDir
		}
		current = next
	}
	return current, nil
}

// Exists implements volumekit.FileReader
func (a *Adapter) Exists(ctx context.Context, p string) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	_, err := a.resolve(ctx, p)
	if errors.Is(err, volumekit.ErrNotExist) || errors.Is(err, volumekit.ErrNotDir) {
		return false, nil
	}
	if err != nil {
		return false, mapError("exists", p, err)
	}
	return true, nil
}

// IsDir implements volumekit.FileReader
func (a *Adapter) IsDir(ctx context.Context, p string) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	f, err := a.resolve(ctx, p)
	if errors.Is(err, volumekit.ErrNotExist) || errors.Is(err, volumekit.ErrNotDir) {
		return false, nil
	}
	if err != nil {
		return false, mapError("isdir", p, err)
	}
	return isFolder(f), nil
}

// Size implements volumekit.FileReader
func (a *Adapter) Size(ctx context.Context, p string) (int64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	f, err := a.resolve(ctx, p)
	if err != nil {
		return 0, mapError("size", p, err)
	}
	if isFolder(f) {
		return 0, volumekit.NewPathError("size", p, volumekit.ErrIsDir)
	}
	return f.Size, nil
}

// ModTime implements volumekit.FileReader
func (a *Adapter) ModTime(ctx context.Context, p string) (time.Time, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	f, err := a.resolve(ctx, p)
	if err != nil {
		return time.Time{}, mapError("mtime", p, err)
	}
	return parseTime(f.ModifiedTime), nil
}

// List implements volumekit.FileReader
func (a *Adapter) List(ctx context.Context, p string) ([]volumekit.FileInfo, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	dir, err := a.resolve(ctx, p)
	if err != nil {
		return nil, mapError("list", p, err)
	}
	if !isFolder(dir) {
		return nil, volumekit.NewPathError("list", p, volumekit.ErrNotDir)
	}

	base := volumekit.CleanPath(p)
	var files []volumekit.FileInfo
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(dir.Id))
	err = a.srv.Files.List().
		Q(q).
		Fields("nextPageToken, files("+fileFields+")").
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				files = append(files, toFileInfo(base, f))
			}
			return nil
		})
	if err != nil {
		return nil, mapError("list", p, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Read implements volumekit.FileReader. The call timeout covers the whole
// download and ends when the stream is closed.
func (a *Adapter) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	ctx, cancel := a.withTimeout(ctx)

	f, err := a.resolve(ctx, p)
	if err != nil {
		cancel()
		return nil, mapError("read", p, err)
	}
	if isFolder(f) {
		cancel()
		return nil, volumekit.NewPathError("read", p, volumekit.ErrIsDir)
	}

	resp, err := a.srv.Files.Get(f.Id).Context(ctx).Download()
	if err != nil {
		cancel()
		return nil, mapError("read", p, err)
	}
	return &download{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Write implements volumekit.FileWriter. An existing file is replaced in
// place; missing parent folders are created.
func (a *Adapter) Write(ctx context.Context, p string, r io.Reader) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	name := path.Base(volumekit.CleanPath(p))
	if name == "/" {
		return volumekit.NewPathError("write", p, volumekit.ErrIsDir)
	}

	parent, err := a.mkdirAll(ctx, volumekit.ParentPath(p))
	if err != nil {
		return mapError("write", p, err)
	}

	existing, err := a.child(ctx, parent.Id, name)
	switch {
	case err == nil && isFolder(existing):
		return volumekit.NewPathError("write", p, volumekit.ErrIsDir)
	case err == nil:
		_, err = a.srv.Files.Update(existing.Id, &drive.File{}).Media(r).Context(ctx).Do()
	case errors.Is(err, volumekit.ErrNotExist):
		_, err = a.srv.Files.Create(&drive.File{
			Name:    name,
			Parents: []string{parent.Id},
		}).Media(r).Context(ctx).Do()
	}
	if err != nil {
		return mapError("write", p, err)
	}
	return nil
}

// Delete implements volumekit.FileWriter
func (a *Adapter) Delete(ctx context.Context, p string) error {
	if volumekit.CleanPath(p) == "/" {
		return volumekit.NewPathError("delete", p, volumekit.ErrNotAllowed)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	f, err := a.resolve(ctx, p)
	if err != nil {
		return mapError("delete", p, err)
	}
	if err := a.srv.Files.Delete(f.Id).Context(ctx).Do(); err != nil {
		return mapError("delete", p, err)
	}
	return nil
}

// Rename implements volumekit.FileWriter. Moving between folders swaps the
// file's parents.
func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	if volumekit.CleanPath(oldPath) == "/" {
		return volumekit.NewPathError("rename", oldPath, volumekit.ErrNotAllowed)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	src, err := a.resolve(ctx, oldPath)
	if err != nil {
		return mapError("rename", oldPath, err)
	}

	dst, err := a.mkdirAll(ctx, volumekit.ParentPath(newPath))
	if err != nil {
		return mapError("rename", newPath, err)
	}

	call := a.srv.Files.Update(src.Id, &drive.File{Name: path.Base(volumekit.CleanPath(newPath))})
	if !contains(src.Parents, dst.Id) {
		call = call.AddParents(dst.Id).RemoveParents(strings.Join(src.Parents, ","))
	}
	if _, err := call.Context(ctx).Do(); err != nil {
		return mapError("rename", oldPath, err)
	}
	return nil
}

// CreateDir implements volumekit.FileWriter
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if _, err := a.mkdirAll(ctx, p); err != nil {
		return mapError("createdir", p, err)
	}
	return nil
}

type download struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (d *download) Close() error {
	err := d.ReadCloser.Close()
	d.cancel()
	return err
}

func toFileInfo(dir string, f *drive.File) volumekit.FileInfo {
	info := volumekit.FileInfo{
		Name:    f.Name,
		Path:    volumekit.CleanPath(dir + "/" + f.Name),
		ModTime: parseTime(f.ModifiedTime),
		IsDir:   isFolder(f),
	}
	if !info.IsDir {
		info.Size = f.Size
	}
	return info
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mapError maps Drive API errors onto volumekit errors.
func mapError(op, p string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			err = volumekit.ErrNotExist
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			err = fmt.Errorf("%w: %s", volumekit.ErrPermission, apiErr.Message)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			err = fmt.Errorf("%w: %s", volumekit.ErrUnavailable, apiErr.Message)
		}
		return volumekit.NewPathError(op, p, err)
	}
	return volumekit.NewPathError(op, p, volumekit.ClassifyNetError(err))
}

var _ volumekit.Backend = (*Adapter)(nil)
