// Package demprofile computes elevation profiles from digital elevation models.
package demprofile

import (
	"context"
	"math"
)

// DefaultCRS is the CRS used for input points when none is given.
const DefaultCRS = "EPSG:4326"

// A Point is a coordinate in some CRS. X is easting or longitude, Y is
// northing or latitude.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// A TileCoord is a tile coordinate.
type TileCoord struct {
	C int // Column.
	R int // Row.
}

// A GeoTransform maps pixel coordinates to world coordinates using GDAL's
// coefficient order: origin x, pixel width, row rotation, origin y, column
// rotation, pixel height.
type GeoTransform [6]float64

// Valid returns whether gt's pixel width and height are non-zero.
func (gt GeoTransform) Valid() bool {
	return gt[1] != 0 && gt[5] != 0
}

// Apply returns the world coordinate of the pixel coordinate (x, y).
func (gt GeoTransform) Apply(x, y float64) Point {
	return Point{
		X: gt[0] + x*gt[1] + y*gt[2],
		Y: gt[3] + x*gt[4] + y*gt[5],
	}
}

// PixelCoord returns the index of the pixel nearest to p. Rotation terms are
// ignored. Ties round away from zero. Coordinates that are not finite or do
// not fit in an int32 are returned as -1, which is outside every raster.
func (gt GeoTransform) PixelCoord(p Point) (int, int) {
	return pixelIndex((p.X - gt[0]) / gt[1]), pixelIndex((p.Y - gt[3]) / gt[5])
}

func pixelIndex(value float64) int {
	value = math.Round(value)
	if math.IsNaN(value) || value < math.MinInt32 || value > math.MaxInt32 {
		return -1
	}
	return int(value)
}

// A Raster is an open raster dataset. A Raster is owned by a single caller,
// which must Close it when done.
type Raster interface {
	// Size returns the width and height in pixels.
	Size() (int, int)
	BandCount() int
	GeoTransform() GeoTransform
	// SpatialReference returns a CRS definition (an authority code or WKT), or
	// the empty string if the raster has no CRS.
	SpatialReference() string
	// NoData returns band 1's no data value, if any.
	NoData() (float64, bool)
	// ReadPixel returns the value of the pixel at (x, y) in band, which is
	// 1-based.
	ReadPixel(ctx context.Context, band, x, y int) (float64, error)
	Close() error
}

// A RasterOpener opens rasters by name.
type RasterOpener interface {
	OpenRaster(ctx context.Context, name string) (Raster, error)
}

// A CRS is a resolved coordinate reference system.
type CRS interface {
	Definition() string
	Equal(other CRS) bool
	Close()
}

// A Transform transforms points between two CRSs.
type Transform interface {
	Forward(p Point) (Point, error)
	Close()
}

// A Geodesy resolves CRSs and builds transforms between them.
type Geodesy interface {
	ResolveCRS(definition string) (CRS, error)
	NewTransform(source, target CRS) (Transform, error)
}
