package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/volumekit"
	"github.com/jlaffaye/ftp"
)

// Config holds FTP connection configuration
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	BasePath string
	// Timeout bounds dialing and every idle period on a connection.
	Timeout time.Duration
}

// Adapter provides an FTP implementation of volumekit.Backend. The control
// connection is dialed on first use and shared under a mutex. Each Read uses
// a dedicated connection so the stream can outlive other calls.
type Adapter struct {
	mu     sync.Mutex
	conn   *ftp.ServerConn
	config Config
	dial   func(ctx context.Context) (*ftp.ServerConn, error)
}

// New creates a new FTP backend. No connection is made until the first call.
func New(cfg Config) *Adapter {
	if cfg.Port == 0 {
		cfg.Port = volumekit.DefaultFTPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = volumekit.DefaultFTPTimeout
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}
	a := &Adapter{config: cfg}
	a.dial = a.connect
	return a
}

// Addr returns the host:port the adapter connects to.
func (a *Adapter) Addr() string {
	return net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
}

// connect dials and logs in. Only the control dial follows ctx; data
// connections are opened later under other calls, so they are bounded by
// the dial timeout alone. Every socket gets an idle deadline of the
// configured timeout.
func (a *Adapter) connect(ctx context.Context) (*ftp.ServerConn, error) {
	timeout := a.config.Timeout
	dialer := &net.Dialer{Timeout: timeout}
	control := true

	conn, err := ftp.Dial(a.Addr(),
		ftp.DialWithTimeout(timeout),
		ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
			var (
				c   net.Conn
				err error
			)
			if control {
				control = false
				c, err = dialer.DialContext(ctx, network, address)
			} else {
				c, err = dialer.Dial(network, address)
			}
			if err != nil {
				return nil, err
			}
			return &idleConn{Conn: c, timeout: timeout}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.Addr(), classify(err))
	}

	user, pass := a.config.Username, a.config.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("login %s: %w", a.Addr(), classify(err))
	}
	return conn, nil
}

// do runs fn on the shared control connection, dialing it if needed.
// A transport failure drops the connection so the next call redials.
func (a *Adapter) do(ctx context.Context, op, p string, fn func(c *ftp.ServerConn) error) error {
	select {
	case <-ctx.Done():
		return volumekit.NewPathError(op, p, volumekit.ClassifyNetError(ctx.Err()))
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		conn, err := a.dial(ctx)
		if err != nil {
			return volumekit.NewPathError(op, p, err)
		}
		a.conn = conn
	}

	err := fn(a.conn)
	if err == nil {
		return nil
	}
	if isTransportError(err) {
		_ = a.conn.Quit()
		a.conn = nil
	}
	return volumekit.NewPathError(op, p, classify(err))
}

// Close closes the control connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	err := a.conn.Quit()
	a.conn = nil
	return err
}

// fullPath returns the server path for a volume path.
func (a *Adapter) fullPath(p string) string {
	return path.Join(a.config.BasePath, volumekit.CleanPath(p))
}

// entry finds p in its parent listing. The base path itself is reported as
// a directory.
func (a *Adapter) entry(ctx context.Context, op, p string) (*ftp.Entry, error) {
	full := a.fullPath(p)
	if volumekit.CleanPath(p) == "/" {
		return &ftp.Entry{Name: "/", Type: ftp.EntryTypeFolder}, nil
	}

	var found *ftp.Entry
	err := a.do(ctx, op, p, func(c *ftp.ServerConn) error {
		entries, err := c.List(path.Dir(full))
		if err != nil {
			return err
		}
		name := path.Base(full)
		for _, e := range entries {
			if e.Name == name {
				found = e
				return nil
			}
		}
		return volumekit.ErrNotExist
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Exists implements volumekit.FileReader
func (a *Adapter) Exists(ctx context.Context, p string) (bool, error) {
	_, err := a.entry(ctx, "exists", p)
	if volumekit.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// IsDir implements volumekit.FileReader
func (a *Adapter) IsDir(ctx context.Context, p string) (bool, error) {
	e, err := a.entry(ctx, "isdir", p)
	if volumekit.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Type == ftp.EntryTypeFolder, nil
}

// Size implements volumekit.FileReader
func (a *Adapter) Size(ctx context.Context, p string) (int64, error) {
	e, err := a.entry(ctx, "size", p)
	if err != nil {
		return 0, err
	}
	if e.Type == ftp.EntryTypeFolder {
		return 0, volumekit.NewPathError("size", p, volumekit.ErrIsDir)
	}
	return int64(e.Size), nil
}

// ModTime implements volumekit.FileReader
func (a *Adapter) ModTime(ctx context.Context, p string) (time.Time, error) {
	e, err := a.entry(ctx, "mtime", p)
	if err != nil {
		return time.Time{}, err
	}
	return e.Time, nil
}

// List implements volumekit.FileReader
func (a *Adapter) List(ctx context.Context, p string) ([]volumekit.FileInfo, error) {
	dir := volumekit.CleanPath(p)
	var files []volumekit.FileInfo
	err := a.do(ctx, "list", p, func(c *ftp.ServerConn) error {
		entries, err := c.List(a.fullPath(dir))
		if err != nil {
			return err
		}
		files = entriesToInfo(dir, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Read implements volumekit.FileReader. The returned stream owns its own
// connection, which is closed with it.
func (a *Adapter) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, volumekit.NewPathError("read", p, err)
	}
	resp, err := conn.Retr(a.fullPath(p))
	if err != nil {
		_ = conn.Quit()
		return nil, volumekit.NewPathError("read", p, classify(err))
	}
	return &stream{resp: resp, conn: conn}, nil
}

// Write implements volumekit.FileWriter. Missing parent directories are
// created.
func (a *Adapter) Write(ctx context.Context, p string, r io.Reader) error {
	full := a.fullPath(p)
	return a.do(ctx, "write", p, func(c *ftp.ServerConn) error {
		if err := makeDirs(c, path.Dir(full)); err != nil {
			return err
		}
		return c.Stor(full, r)
	})
}

// Delete implements volumekit.FileWriter. Directories are removed with
// their contents.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	if volumekit.CleanPath(p) == "/" {
		return volumekit.NewPathError("delete", p, volumekit.ErrNotAllowed)
	}
	e, err := a.entry(ctx, "delete", p)
	if err != nil {
		return err
	}
	full := a.fullPath(p)
	return a.do(ctx, "delete", p, func(c *ftp.ServerConn) error {
		if e.Type == ftp.EntryTypeFolder {
			return c.RemoveDirRecur(full)
		}
		return c.Delete(full)
	})
}

// Rename implements volumekit.FileWriter
func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	from, to := a.fullPath(oldPath), a.fullPath(newPath)
	return a.do(ctx, "rename", oldPath, func(c *ftp.ServerConn) error {
		if err := makeDirs(c, path.Dir(to)); err != nil {
			return err
		}
		return c.Rename(from, to)
	})
}

// CreateDir implements volumekit.FileWriter
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	full := a.fullPath(p)
	return a.do(ctx, "createdir", p, func(c *ftp.ServerConn) error {
		return makeDirs(c, full)
	})
}

// makeDirs creates dir and its parents, tolerating ones that exist.
func makeDirs(c *ftp.ServerConn, dir string) error {
	if dir == "/" || dir == "." || dir == "" {
		return nil
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current += "/" + part
		if err := c.MakeDir(current); err != nil && !isFileUnavailable(err) {
			return err
		}
	}
	return nil
}

func entriesToInfo(dir string, entries []*ftp.Entry) []volumekit.FileInfo {
	files := make([]volumekit.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		info := volumekit.FileInfo{
			Name:    e.Name,
			Path:    volumekit.CleanPath(dir + "/" + e.Name),
			ModTime: e.Time,
			IsDir:   e.Type == ftp.EntryTypeFolder,
		}
		if !info.IsDir {
			info.Size = int64(e.Size)
		}
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// stream closes the transfer response, then the connection behind it.
type stream struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.resp.Read(p)
	if err != nil && err != io.EOF {
		err = classify(err)
	}
	return n, err
}

func (s *stream) Close() error {
	err := s.resp.Close()
	if qerr := s.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}

// idleConn extends its deadline on every read and write, turning a stalled
// server into a timeout error instead of a hang.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// FTP reply codes mapped onto backend errors
const (
	statusNotAvailable     = 421
	statusNotLoggedIn      = 530
	statusFileUnavailable  = 550
	statusFileNameNotValid = 553
)

func isFileUnavailable(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == statusFileUnavailable
}

func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == statusNotAvailable
}

// classify maps FTP and transport errors onto volumekit errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, volumekit.ErrNotExist) {
		return err
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case statusFileUnavailable:
			return fmt.Errorf("%w: %s", volumekit.ErrNotExist, tpErr.Msg)
		case statusNotLoggedIn, statusFileNameNotValid:
			return fmt.Errorf("%w: %s", volumekit.ErrPermission, tpErr.Msg)
		case statusNotAvailable:
			return fmt.Errorf("%w: %s", volumekit.ErrUnavailable, tpErr.Msg)
		}
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", volumekit.ErrUnavailable, err)
	}
	return volumekit.ClassifyNetError(err)
}

var (
	_ volumekit.Backend = (*Adapter)(nil)
	_ volumekit.Closer  = (*Adapter)(nil)
)
