package volumekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by Build for unset configuration.
const (
	DefaultWebRoot      = "web"
	DefaultFTPHost      = "localhost"
	DefaultFTPPort      = 21
	DefaultFTPDir       = "/"
	DefaultFTPTimeout   = 10 * time.Second
	DefaultCloudTimeout = 30 * time.Second
	DefaultCloudRoot    = "root"
	DefaultCacheKey     = "gdcache:"

	ftpDirMode  = 0o755
	ftpFileMode = 0o644

	cloudAlias    = "GoogleDrive"
	cloudCSSClass = "elfinder-navbar-root-googledrive"
)

// BuilderConfig is the explicit input of Build. Zero fields take the
// documented defaults.
type BuilderConfig struct {
	// WebRoot and BaseURL derive the upload path and URL when those are unset.
	WebRoot string
	BaseURL string

	// UploadPath is the local directory served as the home volume.
	// Default: <WebRoot>/uploads/
	UploadPath string
	// UploadURL is the public URL of UploadPath.
	// Default: <BaseURL>/uploads/
	UploadURL string

	// HiddenPatterns are extra glob patterns hidden like dotfiles.
	HiddenPatterns []string

	FTP   FTPConfig
	Cloud CloudConfig
}

// FTPConfig configures the FTP volume.
type FTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

// CloudConfig configures the optional cloud drive volume.
type CloudConfig struct {
	Credentials Credentials

	// RootFolderID is the drive folder used as volume root. Default: "root"
	RootFolderID string

	// Timeout bounds each call to the drive. Default: 30 seconds
	Timeout time.Duration

	// UseCache enables the metadata cache. nil means enabled.
	UseCache *bool

	// CacheTTL is the metadata cache lifetime. Default: 300 seconds
	CacheTTL time.Duration

	// CacheStore holds cache entries across requests. When nil the volume
	// is served without a cache.
	CacheStore KeyValueStore

	// CacheKeyPrefix separates this volume's entries in a shared store.
	// Default: "gdcache:"
	CacheKeyPrefix string

	// CacheOptions are passed to the caching decorator.
	CacheOptions []CacheOption
}

// CacheEnabled reports the effective caching flag.
func (c CloudConfig) CacheEnabled() bool {
	return c.UseCache == nil || *c.UseCache
}

// Bool returns a pointer to v, for optional flags.
func Bool(v bool) *bool {
	return &v
}

// WithDefaults returns a copy of cfg with every unset field defaulted.
func (cfg BuilderConfig) WithDefaults() BuilderConfig {
	if cfg.WebRoot == "" {
		cfg.WebRoot = DefaultWebRoot
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = strings.TrimRight(cfg.WebRoot, "/") + "/uploads/"
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = strings.TrimRight(cfg.BaseURL, "/") + "/uploads/"
	}
	if cfg.FTP.Host == "" {
		cfg.FTP.Host = DefaultFTPHost
	}
	if cfg.FTP.Port == 0 {
		cfg.FTP.Port = DefaultFTPPort
	}
	if cfg.FTP.Dir == "" {
		cfg.FTP.Dir = DefaultFTPDir
	}
	if cfg.FTP.Timeout <= 0 {
		cfg.FTP.Timeout = DefaultFTPTimeout
	}
	if cfg.Cloud.RootFolderID == "" {
		cfg.Cloud.RootFolderID = DefaultCloudRoot
	}
	if cfg.Cloud.Timeout <= 0 {
		cfg.Cloud.Timeout = DefaultCloudTimeout
	}
	if cfg.Cloud.CacheTTL <= 0 {
		cfg.Cloud.CacheTTL = DefaultCacheTTL
	}
	if cfg.Cloud.CacheKeyPrefix == "" {
		cfg.Cloud.CacheKeyPrefix = DefaultCacheKey
	}
	return cfg
}

// AccessPolicy returns the policy attached to the local volume: the
// dotfile rule followed by HiddenPatterns.
func (cfg BuilderConfig) AccessPolicy() (AccessPolicy, error) {
	if len(cfg.HiddenPatterns) == 0 {
		return DotfilePolicy, nil
	}
	patterns, err := NewPatternPolicy(cfg.HiddenPatterns...)
	if err != nil {
		return nil, err
	}
	return ChainPolicy{DotfilePolicy, patterns}, nil
}

// VolumeError reports a volume that was left out of the roots or kept with
// reduced function.
type VolumeError struct {
	Kind Kind
	Err  error
}

func (e *VolumeError) Error() string {
	return fmt.Sprintf("%s volume: %v", e.Kind, e.Err)
}

func (e *VolumeError) Unwrap() error {
	return e.Err
}

// Roots is the result of Build.
type Roots struct {
	// Volumes in display order; the first is the home root.
	Volumes []Volume
	// Warnings lists volumes omitted because their backend failed.
	Warnings []*VolumeError
	// Notices lists volumes kept with reduced function, such as a cloud
	// volume whose cache has no store.
	Notices []*VolumeError
}

// Home returns the home volume.
func (r *Roots) Home() *LocalVolume {
	for _, v := range r.Volumes {
		if local, ok := v.(*LocalVolume); ok && local.Home {
			return local
		}
	}
	return nil
}

// Degraded reports whether any volume was omitted.
func (r *Roots) Degraded() bool {
	return len(r.Warnings) > 0
}

func (r *Roots) warn(kind Kind, err error) {
	r.Warnings = append(r.Warnings, &VolumeError{Kind: kind, Err: err})
}

func (r *Roots) notice(kind Kind, err error) {
	r.Notices = append(r.Notices, &VolumeError{Kind: kind, Err: err})
}

// Build assembles the volume roots in order: the local home volume, the
// FTP volume and, when credentials are configured, the cloud volume.
//
// Partial credentials fail the whole build with a *MissingFieldError.
// A failing FTP or cloud backend is omitted and reported in
// Roots.Warnings. Only a failing local backend is fatal. A cloud volume
// with caching enabled but no CacheStore is kept uncached and reported in
// Roots.Notices.
func Build(ctx context.Context, cfg BuilderConfig) (*Roots, error) {
	cfg = cfg.WithDefaults()

	useCloud := !cfg.Cloud.Credentials.IsZero()
	if useCloud {
		if err := cfg.Cloud.Credentials.Validate(); err != nil {
			return nil, err
		}
	}

	policy, err := cfg.AccessPolicy()
	if err != nil {
		return nil, err
	}

	roots := &Roots{}

	local, err := buildLocal(ctx, &cfg, policy)
	if err != nil {
		return nil, fmt.Errorf("local volume: %w", err)
	}
	roots.Volumes = append(roots.Volumes, local)

	if ftp, err := buildFTP(ctx, &cfg); err != nil {
		roots.warn(KindFTP, err)
	} else {
		roots.Volumes = append(roots.Volumes, ftp)
	}

	if useCloud {
		if cloud, err := buildCloud(ctx, &cfg); err != nil {
			roots.warn(KindCloud, err)
		} else {
			if cfg.Cloud.CacheEnabled() && cloud.Cache == nil {
				roots.notice(KindCloud, ErrNoCacheStore)
			}
			roots.Volumes = append(roots.Volumes, cloud)
		}
	}

	return roots, nil
}

// attachable creates the driver for kind. A kind without a registered
// driver yields a nil backend; the engine then drives the volume from its
// descriptor alone.
func attachable(ctx context.Context, kind Kind, cfg *BuilderConfig) (Backend, error) {
	backend, err := CreateDriver(ctx, kind, cfg)
	if errors.Is(err, ErrDriverNotRegistered) {
		return nil, nil
	}
	return backend, err
}

func buildLocal(ctx context.Context, cfg *BuilderConfig, policy AccessPolicy) (*LocalVolume, error) {
	backend, err := attachable(ctx, KindLocal, cfg)
	if err != nil {
		return nil, err
	}
	if backend != nil {
		backend = NewGuardedBackend(backend, policy)
	}
	return &LocalVolume{
		VolumeInfo: VolumeInfo{backend: backend},
		Home:       true,
		Path:       cfg.UploadPath,
		URL:        cfg.UploadURL,
		Access:     policy,
	}, nil
}

func buildFTP(ctx context.Context, cfg *BuilderConfig) (*FTPVolume, error) {
	backend, err := attachable(ctx, KindFTP, cfg)
	if err != nil {
		return nil, err
	}
	return &FTPVolume{
		VolumeInfo: VolumeInfo{backend: backend},
		Host:       cfg.FTP.Host,
		Port:       cfg.FTP.Port,
		User:       cfg.FTP.User,
		Password:   cfg.FTP.Password,
		Path:       cfg.FTP.Dir,
		Timeout:    cfg.FTP.Timeout,
		Passive:    true,
		Owner:      true,
		DirMode:    ftpDirMode,
		FileMode:   ftpFileMode,
	}, nil
}

func buildCloud(ctx context.Context, cfg *BuilderConfig) (*CloudVolume, error) {
	backend, err := CreateDriver(ctx, KindCloud, cfg)
	if err != nil {
		return nil, err
	}

	var store KeyValueStore
	if cfg.Cloud.CacheEnabled() && cfg.Cloud.CacheStore != nil {
		store = cfg.Cloud.CacheStore
		opts := append([]CacheOption{WithCacheKeyPrefix(cfg.Cloud.CacheKeyPrefix)}, cfg.Cloud.CacheOptions...)
		backend = WrapCached(backend, cfg.Cloud.CacheTTL, store, opts...)
	}

	return &CloudVolume{
		VolumeInfo: VolumeInfo{
			Alias:    cloudAlias,
			CSSClass: cloudCSSClass,
			backend:  backend,
		},
		Cache:     store,
		Separator: "/",
	}, nil
}
