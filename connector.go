package volumekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Engine is the external file-manager engine. Its request protocol and the
// shape of its response belong to the engine; the connector only forwards.
type Engine interface {
	Run(ctx context.Context, r *http.Request) (any, error)
}

// EngineOptions is what the connector hands to an engine.
type EngineOptions struct {
	Debug bool
	// Volumes in display order; the first is the home root.
	Volumes []Volume
	// Access is the policy the engine consults per path.
	Access AccessPolicy
	// NetDrivers maps protocol names users may mount at runtime to the
	// engine driver serving them.
	NetDrivers map[string]string
}

// EngineFactory constructs an engine for one request.
type EngineFactory func(opts EngineOptions) (Engine, error)

// Connector composes Build and an engine for each request. It owns the
// cache store shared by all requests.
type Connector struct {
	newEngine  EngineFactory
	store      KeyValueStore
	logger     *zap.Logger
	debug      bool
	cacheOpts  []CacheOption
	onDegraded func(kind Kind, err error)
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithLogger sets the logger used for degraded volumes.
func WithLogger(logger *zap.Logger) ConnectorOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithCacheStore sets the store used by cloud volumes whose configuration
// does not carry one.
func WithCacheStore(store KeyValueStore) ConnectorOption {
	return func(c *Connector) {
		c.store = store
	}
}

// WithDebug toggles the engine's debug output.
func WithDebug(debug bool) ConnectorOption {
	return func(c *Connector) {
		c.debug = debug
	}
}

// WithConnectorCacheOptions adds caching options applied to every cloud
// volume, e.g. hit and miss callbacks feeding metrics.
func WithConnectorCacheOptions(opts ...CacheOption) ConnectorOption {
	return func(c *Connector) {
		c.cacheOpts = append(c.cacheOpts, opts...)
	}
}

// WithDegradedCallback is called for every volume left out of the roots.
func WithDegradedCallback(fn func(kind Kind, err error)) ConnectorOption {
	return func(c *Connector) {
		c.onDegraded = fn
	}
}

// NewConnector creates a connector building engines with newEngine.
func NewConnector(newEngine EngineFactory, opts ...ConnectorOption) (*Connector, error) {
	if newEngine == nil {
		return nil, errors.New("engine factory cannot be nil")
	}
	c := &Connector{
		newEngine: newEngine,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Roots builds the volume roots for cfg, attaching the connector's cache
// store and reporting omitted volumes as warnings.
func (c *Connector) Roots(ctx context.Context, cfg BuilderConfig) (*Roots, error) {
	if cfg.Cloud.CacheStore == nil {
		cfg.Cloud.CacheStore = c.store
	}
	opts := make([]CacheOption, 0, len(c.cacheOpts)+len(cfg.Cloud.CacheOptions)+1)
	opts = append(opts, WithCacheLogger(c.logger))
	opts = append(opts, c.cacheOpts...)
	cfg.Cloud.CacheOptions = append(opts, cfg.Cloud.CacheOptions...)

	roots, err := Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	for _, w := range roots.Warnings {
		c.logger.Warn("volume disabled",
			zap.String("kind", string(w.Kind)),
			zap.Error(w.Err),
		)
		if c.onDegraded != nil {
			c.onDegraded(w.Kind, w.Err)
		}
	}
	for _, n := range roots.Notices {
		c.logger.Warn("volume degraded",
			zap.String("kind", string(n.Kind)),
			zap.Error(n.Err),
		)
	}
	return roots, nil
}

// Handle builds the roots, runs the engine on r and returns its response
// unchanged. Backends opened for the request are closed before returning.
func (c *Connector) Handle(ctx context.Context, cfg BuilderConfig, r *http.Request) (any, error) {
	roots, err := c.Roots(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer c.release(roots)

	var access AccessPolicy = DotfilePolicy
	if home := roots.Home(); home != nil && home.Access != nil {
		access = home.Access
	}

	engine, err := c.newEngine(EngineOptions{
		Debug:      c.debug,
		Volumes:    roots.Volumes,
		Access:     access,
		NetDrivers: map[string]string{"ftp": KindFTP.EngineDriver()},
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	return engine.Run(ctx, r)
}

func (c *Connector) release(roots *Roots) {
	for _, v := range roots.Volumes {
		closer, ok := v.Backend().(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			c.logger.Debug("closing backend failed",
				zap.String("kind", string(v.Kind())),
				zap.Error(err),
			)
		}
	}
}
