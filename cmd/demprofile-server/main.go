package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/twpayne/go-demprofile"
	"github.com/twpayne/go-demprofile/gdalraster"
	"github.com/twpayne/go-demprofile/internal/config"
	"github.com/twpayne/go-demprofile/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEMPROFILE_CONFIG"), "path to YAML config file")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(*configPath, bootstrapLogger)
	if err != nil {
		bootstrapLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)
	logger.Info("config",
		"port", cfg.Port,
		"dem_path", cfg.DEMPath,
		"backend", cfg.Backend,
		"workers", cfg.Workers,
		"cache_size", cfg.CacheSize,
		"block_cache_size", cfg.BlockCacheSize,
		"max_samples", cfg.MaxSamples,
		"request_timeout_seconds", cfg.RequestTimeout.Seconds(),
		"nodata_as_nan", cfg.NoDataAsNaN,
		"env", cfg.Env,
	)

	profileService, err := newProfileService(cfg, logger)
	if err != nil {
		logger.Error("cannot create profile service", "error", err)
		os.Exit(1)
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	srv := server.NewServer(addr, logger, profileService, cfg.RequestTimeout)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// newProfileService wires the DEM storage, raster backend, sampler, and
// profile cache described by cfg.
func newProfileService(cfg config.Config, logger *slog.Logger) (*demprofile.ProfileService, error) {
	var fsys fs.FS
	if cfg.Remote() {
		afsFS, err := demprofile.NewAFSFS(cfg.DEMPath, demprofile.WithAFSTimeout(cfg.RequestTimeout))
		if err != nil {
			return nil, err
		}
		fsys = afsFS
	} else {
		fsys = os.DirFS(cfg.DEMPath)
	}

	var opener demprofile.RasterOpener
	switch cfg.Backend {
	case config.BackendGDAL:
		if cfg.Remote() {
			return nil, errors.New("gdal backend requires a local dem_path")
		}
		opener = &gdalraster.Opener{Dir: cfg.DEMPath}
	default:
		opener = demprofile.NewGeoTIFFOpener(fsys, demprofile.WithBlockCacheSize(cfg.BlockCacheSize))
	}
	catalog := demprofile.NewCatalog(fsys, demprofile.WithRasterOpener(opener))

	sampler := demprofile.NewSampler(
		demprofile.WithWorkers(cfg.Workers),
		demprofile.WithNoDataAsNaN(cfg.NoDataAsNaN),
		demprofile.WithMaxSamples(cfg.MaxSamples),
		demprofile.WithLogger(logger),
	)

	return demprofile.NewProfileService(catalog, sampler,
		demprofile.WithProfileCacheSize(cfg.CacheSize),
		demprofile.WithServiceLogger(logger),
	)
}
