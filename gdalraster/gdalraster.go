// Package gdalraster opens DEMs with GDAL.
package gdalraster

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/twpayne/go-demprofile"
)

var registerOnce sync.Once

// A Raster is a GDAL dataset. Reads are serialized because GDAL datasets are
// not safe for concurrent use.
type Raster struct {
	mutex            sync.Mutex
	dataset          *godal.Dataset
	width            int
	height           int
	bandCount        int
	geoTransform     demprofile.GeoTransform
	spatialReference string
	noData           float64
	hasNoData        bool
	buffer           []float64
}

// Open opens the dataset called name, which may be anything GDAL can open,
// including /vsi paths.
func Open(name string) (*Raster, error) {
	registerOnce.Do(godal.RegisterAll)

	dataset, err := godal.Open(name)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = dataset.Close()
		}
	}()

	structure := dataset.Structure()
	if structure.NBands < 1 {
		return nil, fmt.Errorf("%s: no bands", name)
	}
	r := &Raster{
		dataset:          dataset,
		width:            structure.SizeX,
		height:           structure.SizeY,
		bandCount:        structure.NBands,
		spatialReference: dataset.Projection(),
		buffer:           make([]float64, 1),
	}
	// Datasets without a geotransform are reported with the zero
	// geotransform, which is invalid.
	if geoTransform, err := dataset.GeoTransform(); err == nil {
		r.geoTransform = geoTransform
	}
	r.noData, r.hasNoData = dataset.Bands()[0].NoData()

	ok = true
	return r, nil
}

func (r *Raster) Size() (int, int) {
	return r.width, r.height
}

func (r *Raster) BandCount() int {
	return r.bandCount
}

func (r *Raster) GeoTransform() demprofile.GeoTransform {
	return r.geoTransform
}

// SpatialReference returns r's CRS as WKT.
func (r *Raster) SpatialReference() string {
	return r.spatialReference
}

func (r *Raster) NoData() (float64, bool) {
	return r.noData, r.hasNoData
}

// ReadPixel returns the value of the pixel at (x, y) in band.
func (r *Raster) ReadPixel(ctx context.Context, band, x, y int) (float64, error) {
	if band < 1 || r.bandCount < band {
		return 0, fmt.Errorf("band %d: no such band", band)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.dataset.Bands()[band-1].Read(x, y, r.buffer, 1, 1); err != nil {
		return 0, err
	}
	return r.buffer[0], nil
}

func (r *Raster) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.dataset.Close()
}

// An Opener opens rasters relative to Dir with GDAL.
type Opener struct {
	Dir string
}

// OpenRaster implements demprofile.RasterOpener.
func (o *Opener) OpenRaster(ctx context.Context, name string) (demprofile.Raster, error) {
	path := filepath.Join(o.Dir, filepath.FromSlash(name))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", demprofile.ErrRasterNotFound, name)
	}
	raster, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", demprofile.ErrRasterOpen, name, err)
	}
	return raster, nil
}
