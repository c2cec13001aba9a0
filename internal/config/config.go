// Package config loads the profile server's configuration from defaults, an
// optional YAML file, and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendGeoTIFF = "geotiff"
	BackendGDAL    = "gdal"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Port           int           `yaml:"port"`
	DEMPath        string        `yaml:"dem_path"`
	Backend        string        `yaml:"backend"`
	Workers        int           `yaml:"workers"`
	CacheSize      int           `yaml:"cache_size"`
	BlockCacheSize int           `yaml:"block_cache_size"`
	MaxSamples     int           `yaml:"max_samples"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	NoDataAsNaN    bool          `yaml:"nodata_as_nan"`
	Env            string        `yaml:"env"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Port:           3000,
		DEMPath:        ".",
		Backend:        BackendGeoTIFF,
		Workers:        1,
		CacheSize:      256,
		BlockCacheSize: 64 << 20,
		MaxSamples:     100000,
		RequestTimeout: 30 * time.Second,
		Env:            EnvProduction,
	}
}

// Load returns the configuration. If path is not empty then the YAML file at
// path overrides the defaults. Environment variables override both. Invalid
// environment variables are logged and ignored.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			logger.Warn("invalid PORT value, using default", "value", v, "default", cfg.Port)
		} else {
			cfg.Port = n
		}
	}

	if v := os.Getenv("DEMPROFILE_DEM_PATH"); v != "" {
		cfg.DEMPath = v
	}

	if v := os.Getenv("DEMPROFILE_BACKEND"); v != "" {
		switch v = strings.ToLower(v); v {
		case BackendGeoTIFF, BackendGDAL:
			cfg.Backend = v
		default:
			logger.Warn("invalid DEMPROFILE_BACKEND value, using default", "value", v, "default", cfg.Backend)
		}
	}

	envInt(logger, "DEMPROFILE_WORKERS", &cfg.Workers, 1)
	envInt(logger, "DEMPROFILE_CACHE_SIZE", &cfg.CacheSize, 0)
	envInt(logger, "DEMPROFILE_BLOCK_CACHE_SIZE", &cfg.BlockCacheSize, 1)
	envInt(logger, "DEMPROFILE_MAX_SAMPLES", &cfg.MaxSamples, 0)

	if v := os.Getenv("DEMPROFILE_REQUEST_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid DEMPROFILE_REQUEST_TIMEOUT value, using default", "value", v, "default", cfg.RequestTimeout.Seconds())
		} else {
			cfg.RequestTimeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("DEMPROFILE_NODATA_AS_NAN"); v != "" {
		noDataAsNaN, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid DEMPROFILE_NODATA_AS_NAN value, using default", "value", v, "default", cfg.NoDataAsNaN)
		} else {
			cfg.NoDataAsNaN = noDataAsNaN
		}
	}

	if v := os.Getenv("DEMPROFILE_ENV"); v != "" {
		cfg.Env = strings.ToLower(v)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate returns an error if c is not usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DEMPath == "" {
		errs = append(errs, errors.New("dem_path is required"))
	}
	if c.Backend != BackendGeoTIFF && c.Backend != BackendGDAL {
		errs = append(errs, fmt.Errorf("%q: unknown backend", c.Backend))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers %d must be positive", c.Workers))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("%q: unknown env", c.Env))
	}
	return errors.Join(errs...)
}

// Remote returns whether c's DEM path is a URL rather than a local directory.
func (c Config) Remote() bool {
	return strings.Contains(c.DEMPath, "://")
}

// NewLogger returns a logger writing to w: text at debug level in
// development, JSON at info level in production.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if c.Env == EnvDevelopment {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func envInt(logger *slog.Logger, name string, value *int, minValue int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < minValue {
		logger.Warn("invalid "+name+" value, using default", "value", v, "default", *value)
		return
	}
	*value = n
}
