package demprofile

import "errors"

var (
	ErrRasterNotFound      = errors.New("raster not found")
	ErrRasterOpen          = errors.New("cannot open raster")
	ErrUndefinedRasterCRS  = errors.New("raster does not have a defined coordinate reference system")
	ErrUnresolvableCRS     = errors.New("unresolvable coordinate reference system")
	ErrInvalidSampleCount  = errors.New("invalid sample count")
	ErrInvalidGeoTransform = errors.New("invalid geotransform")
	ErrNoBands             = errors.New("raster has no bands")
	ErrTransform           = errors.New("cannot transform coordinates")
	ErrPixelRead           = errors.New("cannot read pixel")
)
