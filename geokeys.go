package demprofile

import (
	"errors"
	"strconv"
	"strings"
)

var errParse = errors.New("parse error")

type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS            GeoKey = 2048
	GeoKeyGeogCitation           GeoKey = 2049
	GeoKeyGeodeticDatum          GeoKey = 2050
	GeoKeyPrimeMeridian          GeoKey = 2051
	GeoKeyAngularUnits           GeoKey = 2054
	GeoKeyGeogAngularUnitSize    GeoKey = 2055
	GeoKeyEllipsoid              GeoKey = 2056
	GeoKeyEllipsoidSemiMajorAxis GeoKey = 2057
	GeoKeyEllipsoidInvFlattening GeoKey = 2059
	GeoKeyPrimeMeridianLongitude GeoKey = 2061

	GeoKeyProjectedCRS                         GeoKey = 3072
	GeoKeyPCSCitation                          GeoKey = 3073
	GeoKeyProjection                           GeoKey = 3074
	GeoKeyProjMethod                           GeoKey = 3075
	GeoKeyLinearUnits2                         GeoKey = 3076
	GeoKeyFalseEastingProjLinearParameters     GeoKey = 3082
	GeoKeyFalseNorthingProjLinearParameters    GeoKey = 3083
	GeoKeyCenterLongitudeProjAngularParameters GeoKey = 3088
	GeoKeyCenterLatitudeProjAngularParameters  GeoKey = 3089

	GeoKeyVertical GeoKey = 4096
)

// Values of GeoKeyGTModelType and GeoKeyGTRasterType.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
	ModelTypeGeocentric = 3

	RasterTypePixelIsArea  = 1
	RasterTypePixelIsPoint = 2
)

const (
	userDefinedGeoKey = 32767
	esriPEStringLabel = "ESRI PE String = "
)

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKeyDirectoryTag and the values it references in
// the GeoDoubleParamsTag and GeoASCIIParamsTag.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	switch keyDirectoryVersion, keyRevision, minorRevision := directory[0], directory[1], directory[2]; {
	case keyDirectoryVersion != 1:
		return nil, errParse
	case keyRevision != 1:
		return nil, errParse
	case minorRevision != 0 && minorRevision != 1:
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		entry := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(entry[0])
		numberOfValues := int(entry[2])
		valueOrIndex := int(entry[3])
		switch tiffTagLocation := entry[1]; tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = valueOrIndex
		case 34736: // GeoDoubleParamsTag
			if numberOfValues != 1 {
				return nil, errors.ErrUnsupported
			}
			if valueOrIndex >= len(doubleParams) {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[valueOrIndex]
		case 34737: // GeoASCIIParamsTag
			if valueOrIndex+numberOfValues > len(asciiParams) {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[valueOrIndex : valueOrIndex+numberOfValues])
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// RasterType returns k's raster type, defaulting to PixelIsArea.
func (k *ParsedGeoKeys) RasterType() int {
	if rasterType, ok := k.Params[GeoKeyGTRasterType]; ok {
		return rasterType
	}
	return RasterTypePixelIsArea
}

// SpatialReference returns a CRS definition for k, or the empty string if k
// does not define one. EPSG codes are preferred. User-defined projected CRSs
// fall back to the WKT in an ESRI PE String citation, if present.
func (k *ParsedGeoKeys) SpatialReference() string {
	modelType := k.Params[GeoKeyGTModelType]
	if code, ok := k.Params[GeoKeyProjectedCRS]; ok && isEPSGCode(code) {
		return "EPSG:" + strconv.Itoa(code)
	}
	if modelType != ModelTypeProjected {
		if code, ok := k.Params[GeoKeyGeodeticCRS]; ok && isEPSGCode(code) {
			return "EPSG:" + strconv.Itoa(code)
		}
	}
	for _, geoKey := range []GeoKey{GeoKeyPCSCitation, GeoKeyGTCitation, GeoKeyGeogCitation} {
		if wkt, ok := esriPEString(k.ASCIIParams[geoKey]); ok {
			return wkt
		}
	}
	return ""
}

func isEPSGCode(code int) bool {
	return 0 < code && code < userDefinedGeoKey
}

// esriPEString extracts the WKT from an ESRI PE String citation. GeoTIFF
// writers terminate ASCII params with a pipe.
func esriPEString(citation string) (string, bool) {
	_, wkt, ok := strings.Cut(citation, esriPEStringLabel)
	if !ok {
		return "", false
	}
	wkt = strings.TrimSpace(strings.TrimRight(wkt, "|\x00"))
	return wkt, wkt != ""
}
