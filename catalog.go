package demprofile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	missingDEMCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_missing_dem_cache_hits_total",
		Help: "The total number of hits on the missing DEM cache",
	})
	missingDEMCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_missing_dem_cache_misses_total",
		Help: "The total number of misses on the missing DEM cache",
	})
)

// A DEMFilenameFunc returns the filename of a DEM.
type DEMFilenameFunc func(demName string) string

// A Catalog resolves DEM names to rasters in a filesystem.
type Catalog struct {
	fsys            fs.FS
	opener          RasterOpener
	demFilenameFunc DEMFilenameFunc
	missingDEMTTL   time.Duration
	missingDEMs     sync.Map
	now             func() time.Time
}

// A CatalogOption sets an option on a Catalog.
type CatalogOption func(*Catalog)

// NewCatalog returns a new Catalog of the DEMs in fsys. By default, the DEM
// called name is the GeoTIFF name + ".tif".
func NewCatalog(fsys fs.FS, options ...CatalogOption) *Catalog {
	c := &Catalog{
		fsys:            fsys,
		demFilenameFunc: DefaultDEMFilename,
		missingDEMTTL:   time.Minute,
		now:             time.Now,
	}
	for _, option := range options {
		option(c)
	}
	if c.opener == nil {
		c.opener = NewGeoTIFFOpener(fsys)
	}
	return c
}

// DefaultDEMFilename returns demName + ".tif".
func DefaultDEMFilename(demName string) string {
	return demName + ".tif"
}

// WithRasterOpener sets the RasterOpener used to open DEMs. The opener is
// passed the DEM's filename.
func WithRasterOpener(opener RasterOpener) CatalogOption {
	return func(c *Catalog) {
		c.opener = opener
	}
}

func WithDEMFilenameFunc(demFilenameFunc DEMFilenameFunc) CatalogOption {
	return func(c *Catalog) {
		c.demFilenameFunc = demFilenameFunc
	}
}

// WithMissingDEMTTL sets how long a DEM that was not found is remembered as
// missing. Zero disables the missing DEM cache.
func WithMissingDEMTTL(missingDEMTTL time.Duration) CatalogOption {
	return func(c *Catalog) {
		c.missingDEMTTL = missingDEMTTL
	}
}

// Filename returns the filename of the DEM called demName.
func (c *Catalog) Filename(demName string) (string, error) {
	if demName == "" || strings.ContainsRune(demName, '\\') {
		return "", fmt.Errorf("%w: %q: invalid name", ErrRasterNotFound, demName)
	}
	filename := c.demFilenameFunc(demName)
	if !fs.ValidPath(filename) {
		return "", fmt.Errorf("%w: %q: invalid name", ErrRasterNotFound, demName)
	}
	return filename, nil
}

// Stat returns the fs.FileInfo of the DEM called demName.
func (c *Catalog) Stat(demName string) (fs.FileInfo, error) {
	_, fileInfo, err := c.stat(demName)
	return fileInfo, err
}

// Open opens the DEM called demName. The caller owns the returned Raster.
func (c *Catalog) Open(ctx context.Context, demName string) (Raster, error) {
	filename, err := c.filename(demName)
	if err != nil {
		return nil, err
	}
	return c.openFilename(ctx, demName, filename)
}

// stat looks up demName and returns its filename and fs.FileInfo.
func (c *Catalog) stat(demName string) (string, fs.FileInfo, error) {
	filename, err := c.filename(demName)
	if err != nil {
		return "", nil, err
	}
	switch fileInfo, err := fs.Stat(c.fsys, filename); {
	case errors.Is(err, fs.ErrNotExist):
		c.storeMissing(demName)
		return "", nil, fmt.Errorf("%w: %s", ErrRasterNotFound, demName)
	case err != nil:
		return "", nil, fmt.Errorf("%w: %s: %w", ErrRasterOpen, demName, err)
	default:
		return filename, fileInfo, nil
	}
}

// openFilename opens filename, which was previously looked up for demName,
// without consulting the missing DEM cache.
func (c *Catalog) openFilename(ctx context.Context, demName, filename string) (Raster, error) {
	raster, err := c.opener.OpenRaster(ctx, filename)
	if errors.Is(err, ErrRasterNotFound) {
		c.storeMissing(demName)
	}
	return raster, err
}

// filename returns the filename of demName, or an error if demName is invalid
// or known to be missing.
func (c *Catalog) filename(demName string) (string, error) {
	if c.isMissing(demName) {
		missingDEMCacheHits.Inc()
		return "", fmt.Errorf("%w: %s", ErrRasterNotFound, demName)
	}
	missingDEMCacheMisses.Inc()
	return c.Filename(demName)
}

func (c *Catalog) isMissing(demName string) bool {
	value, ok := c.missingDEMs.Load(demName)
	if !ok {
		return false
	}
	if c.now().Before(value.(time.Time)) {
		return true
	}
	c.missingDEMs.CompareAndDelete(demName, value)
	return false
}

func (c *Catalog) storeMissing(demName string) {
	if c.missingDEMTTL <= 0 {
		return
	}
	c.missingDEMs.Store(demName, c.now().Add(c.missingDEMTTL))
}
