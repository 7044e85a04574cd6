package volumekit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"
)

// Config holds the environment configuration of a connector.
type Config struct {
	// Engine options
	Debug bool `env:"VOLUMEKIT_DEBUG,default:false"`

	// Local volume configuration
	WebRoot        string `env:"VOLUMEKIT_WEB_ROOT,default:web"`
	BaseURL        string `env:"VOLUMEKIT_BASE_URL"`
	UploadPath     string `env:"VOLUMEKIT_UPLOAD_PATH"`
	UploadURL      string `env:"VOLUMEKIT_UPLOAD_URL"`
	HiddenPatterns string `env:"VOLUMEKIT_HIDDEN_PATTERNS"` // comma-separated globs

	// FTP volume configuration
	FTPHost     string `env:"VOLUMEKIT_FTP_HOST,default:localhost"`
	FTPPort     int    `env:"VOLUMEKIT_FTP_PORT,default:21"`
	FTPUser     string `env:"VOLUMEKIT_FTP_USER"`
	FTPPassword string `env:"VOLUMEKIT_FTP_PASSWORD"`
	FTPDir      string `env:"VOLUMEKIT_FTP_DIR,default:/"`
	FTPTimeout  int    `env:"VOLUMEKIT_FTP_TIMEOUT,default:10"` // seconds

	// Google Drive volume configuration
	GoogleClientID     string `env:"VOLUMEKIT_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"VOLUMEKIT_GOOGLE_CLIENT_SECRET"`
	GoogleRefreshToken string `env:"VOLUMEKIT_GOOGLE_REFRESH_TOKEN"`
	GoogleRootFolder   string `env:"VOLUMEKIT_GOOGLE_ROOT_FOLDER,default:root"`
	GoogleTimeout      int    `env:"VOLUMEKIT_GOOGLE_TIMEOUT,default:30"` // seconds

	// Metadata cache of the Google Drive volume. UseCache is kept as text
	// so that anything but a boolean is rejected instead of coerced.
	GoogleUseCache string `env:"VOLUMEKIT_GOOGLE_USE_CACHE"`
	CacheTTL       int    `env:"VOLUMEKIT_CACHE_TTL,default:300"` // seconds
	CacheDir       string `env:"VOLUMEKIT_CACHE_DIR,default:flycache"`
	CacheKeyPrefix string `env:"VOLUMEKIT_CACHE_KEY_PREFIX,default:gdcache"`

	// Server
	ListenAddr string `env:"VOLUMEKIT_LISTEN_ADDR"` // default :8080

	// Logging
	LogLevel  string `env:"VOLUMEKIT_LOG_LEVEL,default:info"`
	LogFormat string `env:"VOLUMEKIT_LOG_FORMAT,default:json"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Loader loads Config with a custom environment prefix.
type Loader struct {
	prefix string
}

// WithPrefix creates a new Loader with the specified prefix
func WithPrefix(prefix string) *Loader {
	return &Loader{prefix: prefix}
}

// Load reads the configuration using the loader's prefix.
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: l.prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseCacheFlag parses the cache switch. An empty value means "use the
// default"; any value strconv.ParseBool does not accept is a configuration
// error.
func ParseCacheFlag(v string) (*bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: useCache must be a boolean, got %q", ErrConfiguration, v)
	}
	return &b, nil
}

// BuilderConfig converts the environment configuration into the explicit
// Build input. The cache store is left for the caller to attach.
func (c *Config) BuilderConfig() (BuilderConfig, error) {
	useCache, err := ParseCacheFlag(c.GoogleUseCache)
	if err != nil {
		return BuilderConfig{}, err
	}
	if c.FTPTimeout < 0 || c.GoogleTimeout < 0 || c.CacheTTL < 0 {
		return BuilderConfig{}, fmt.Errorf("%w: timeouts and TTL must not be negative", ErrConfiguration)
	}

	prefix := c.CacheKeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return BuilderConfig{
		WebRoot:        c.WebRoot,
		BaseURL:        c.BaseURL,
		UploadPath:     c.UploadPath,
		UploadURL:      c.UploadURL,
		HiddenPatterns: splitList(c.HiddenPatterns),
		FTP: FTPConfig{
			Host:     c.FTPHost,
			Port:     c.FTPPort,
			User:     c.FTPUser,
			Password: c.FTPPassword,
			Dir:      c.FTPDir,
			Timeout:  time.Duration(c.FTPTimeout) * time.Second,
		},
		Cloud: CloudConfig{
			Credentials: Credentials{
				ClientID:     c.GoogleClientID,
				ClientSecret: c.GoogleClientSecret,
				RefreshToken: c.GoogleRefreshToken,
			},
			RootFolderID:   c.GoogleRootFolder,
			Timeout:        time.Duration(c.GoogleTimeout) * time.Second,
			UseCache:       useCache,
			CacheTTL:       time.Duration(c.CacheTTL) * time.Second,
			CacheKeyPrefix: prefix,
		},
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
