// Command volumekit-server serves the volume roots configured through
// VOLUMEKIT_* environment variables.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobeaver/volumekit"
	_ "github.com/gobeaver/volumekit/driver/ftp"
	_ "github.com/gobeaver/volumekit/driver/gdrive"
	_ "github.com/gobeaver/volumekit/driver/local"
	"github.com/gobeaver/volumekit/internal/inspect"
	"github.com/gobeaver/volumekit/internal/logging"
	"github.com/gobeaver/volumekit/internal/server"
	"github.com/gobeaver/volumekit/metrics"
	"github.com/gobeaver/volumekit/store/filestore"
	"go.uber.org/zap"
)

const (
	defaultListenAddr = ":8080"
	cleanupInterval   = 10 * time.Minute
)

func main() {
	cfg, err := volumekit.GetConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	builderCfg, err := cfg.BuilderConfig()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	store, err := filestore.New(cfg.CacheDir)
	if err != nil {
		logger.Fatal("cache store init failed", zap.Error(err))
	}

	connector, err := volumekit.NewConnector(inspect.New,
		volumekit.WithLogger(logger),
		volumekit.WithDebug(cfg.Debug),
		volumekit.WithCacheStore(store),
		volumekit.WithConnectorCacheOptions(metrics.CacheOptions()...),
		volumekit.WithDegradedCallback(metrics.RecordDegraded),
	)
	if err != nil {
		logger.Fatal("connector init failed", zap.Error(err))
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(connector, builderCfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Expired cache entries are otherwise only dropped when read again.
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.Cleanup(); err != nil {
					logger.Warn("cache cleanup failed", zap.Error(err))
				} else if n > 0 {
					logger.Debug("cache cleanup", zap.Int("removed", n))
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening",
		zap.String("addr", addr),
		zap.String("upload_path", builderCfg.UploadPath),
		zap.String("cache_dir", store.Dir()),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
