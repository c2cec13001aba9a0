package demprofile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"os"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
	"golang.org/x/sync/errgroup"
)

// TIFF field types.
const (
	tiffTypeASCII  = 2
	tiffTypeShort  = 3
	tiffTypeLong   = 4
	tiffTypeDouble = 12
	tiffTypeLong8  = 16
)

var (
	epsg3035GeoKeys = []uint16{1, 1, 0, 2, 1024, 0, 1, ModelTypeProjected, 3072, 0, 1, 3035}
	epsg4326GeoKeys = []uint16{1, 1, 0, 2, 1024, 0, 1, ModelTypeGeographic, 2048, 0, 1, 4326}
)

// A testGeoTIFF describes a single-band little endian TIFF to be written by
// encode. It is a BigTIFF unless classic is set. Dimensions are SHORTs unless
// longDimensions is set, as GDAL writes them.
type testGeoTIFF struct {
	classic        bool
	longDimensions bool
	width          int
	height         int
	tileWidth      int // Zero for strips.
	tileLength     int
	rowsPerStrip   int
	bitsPerSample  int
	sampleFormat   int
	compression    int
	predictor      int
	samples        []float64
	sparseBlocks   map[int]bool
	pixelScale     []float64
	tiepoint       []float64
	transformation []float64
	geoKeys        []uint16
	noData         string
}

type testTIFFEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

func shortEntry(tag uint16, values ...uint16) testTIFFEntry {
	data := make([]byte, 2*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint16(data[2*i:], value)
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeShort, count: uint64(len(values)), data: data}
}

func long8Entry(tag uint16, values ...uint64) testTIFFEntry {
	data := make([]byte, 8*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint64(data[8*i:], value)
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeLong8, count: uint64(len(values)), data: data}
}

func longEntry(tag uint16, values ...uint32) testTIFFEntry {
	data := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(data[4*i:], value)
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeLong, count: uint64(len(values)), data: data}
}

func doubleEntry(tag uint16, values ...float64) testTIFFEntry {
	data := make([]byte, 8*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(value))
	}
	return testTIFFEntry{tag: tag, typ: tiffTypeDouble, count: uint64(len(values)), data: data}
}

func asciiEntry(tag uint16, value string) testTIFFEntry {
	data := append([]byte(value), 0)
	return testTIFFEntry{tag: tag, typ: tiffTypeASCII, count: uint64(len(data)), data: data}
}

// dimensionEntry returns an entry for the image or block dimension value.
func (g *testGeoTIFF) dimensionEntry(tag uint16, value int) testTIFFEntry {
	if g.longDimensions {
		return longEntry(tag, uint32(value))
	}
	return shortEntry(tag, uint16(value))
}

// offsetsEntry returns an entry for block offsets or byte counts, which are
// LONGs in classic TIFFs and LONG8s in BigTIFFs.
func (g *testGeoTIFF) offsetsEntry(tag uint16, values []uint64) testTIFFEntry {
	if !g.classic {
		return long8Entry(tag, values...)
	}
	longs := make([]uint32, len(values))
	for i, value := range values {
		longs[i] = uint32(value)
	}
	return longEntry(tag, longs...)
}

// encode returns the TIFF encoding of g. Blocks are written directly after the
// header, followed by the IFD and then any out-of-line field values.
func (g *testGeoTIFF) encode(t *testing.T) []byte {
	t.Helper()

	headerSize, entrySize, inlineSize, countSize := 16, 20, 8, 8
	if g.classic {
		headerSize, entrySize, inlineSize, countSize = 8, 12, 4, 2
	}

	bitsPerSample := intOrDefault(g.bitsPerSample, 16)
	sampleFormat := intOrDefault(g.sampleFormat, sampleFormatUint)
	compression := intOrDefault(g.compression, compressionNone)
	predictor := intOrDefault(g.predictor, predictorNone)
	bytesPerSample := bitsPerSample / 8

	blockWidth, blockLength := g.tileWidth, g.tileLength
	if g.tileWidth == 0 {
		blockWidth, blockLength = g.width, intOrDefault(g.rowsPerStrip, g.height)
	}
	blocksAcross := (g.width + blockWidth - 1) / blockWidth
	blocksDown := (g.height + blockLength - 1) / blockLength

	buffer := &bytes.Buffer{}
	buffer.Write(make([]byte, headerSize))
	var blockOffsets, blockByteCounts []uint64
	for r := range blocksDown {
		for c := range blocksAcross {
			if g.sparseBlocks[len(blockOffsets)] {
				blockOffsets = append(blockOffsets, 0)
				blockByteCounts = append(blockByteCounts, 0)
				continue
			}
			rows := blockLength
			if g.tileWidth == 0 {
				rows = min(blockLength, g.height-r*blockLength)
			}
			blockData := make([]byte, 0, blockWidth*rows*bytesPerSample)
			for y := r * blockLength; y < r*blockLength+rows; y++ {
				for x := c * blockWidth; x < (c+1)*blockWidth; x++ {
					value := 0.0
					if x < g.width && y < g.height {
						value = g.samples[y*g.width+x]
					}
					blockData = appendTestSample(blockData, sampleFormat, bitsPerSample, value)
				}
			}
			switch predictor {
			case predictorHorizontal:
				applyHorizontalPredictor(blockData, bytesPerSample, blockWidth, rows)
			case predictorFloatingPoint:
				applyFloatingPointPredictor(blockData, bytesPerSample, blockWidth, rows)
			}
			if compression == compressionDeflate || compression == compressionAdobeDeflate {
				compressed := &bytes.Buffer{}
				w := zlib.NewWriter(compressed)
				_, err := w.Write(blockData)
				assert.NoError(t, err)
				assert.NoError(t, w.Close())
				blockData = compressed.Bytes()
			}
			blockOffsets = append(blockOffsets, uint64(buffer.Len()))
			blockByteCounts = append(blockByteCounts, uint64(len(blockData)))
			buffer.Write(blockData)
		}
	}
	if buffer.Len()%2 != 0 {
		buffer.WriteByte(0)
	}

	entries := []testTIFFEntry{
		g.dimensionEntry(256, g.width),
		g.dimensionEntry(257, g.height),
		shortEntry(258, uint16(bitsPerSample)),
		shortEntry(259, uint16(compression)),
	}
	if g.tileWidth == 0 {
		entries = append(entries,
			g.offsetsEntry(273, blockOffsets),
			shortEntry(277, 1),
			g.dimensionEntry(278, blockLength),
			g.offsetsEntry(279, blockByteCounts),
			shortEntry(317, uint16(predictor)),
		)
	} else {
		entries = append(entries,
			shortEntry(277, 1),
			shortEntry(317, uint16(predictor)),
			g.dimensionEntry(322, g.tileWidth),
			g.dimensionEntry(323, g.tileLength),
			g.offsetsEntry(324, blockOffsets),
			g.offsetsEntry(325, blockByteCounts),
		)
	}
	entries = append(entries, shortEntry(339, uint16(sampleFormat)))
	if g.pixelScale != nil {
		entries = append(entries, doubleEntry(33550, g.pixelScale...))
	}
	if g.tiepoint != nil {
		entries = append(entries, doubleEntry(33922, g.tiepoint...))
	}
	if g.transformation != nil {
		entries = append(entries, doubleEntry(34264, g.transformation...))
	}
	if g.geoKeys != nil {
		entries = append(entries, shortEntry(34735, g.geoKeys...))
	}
	if g.noData != "" {
		entries = append(entries, asciiEntry(42113, g.noData))
	}

	// appendUint appends value as a count or offset of the file's width.
	appendUint := func(b []byte, size int, value uint64) []byte {
		switch size {
		case 2:
			return binary.LittleEndian.AppendUint16(b, uint16(value))
		case 4:
			return binary.LittleEndian.AppendUint32(b, uint32(value))
		default:
			return binary.LittleEndian.AppendUint64(b, value)
		}
	}

	ifdOffset := uint64(buffer.Len())
	externalOffset := ifdOffset + uint64(countSize+entrySize*len(entries)+inlineSize)
	var external []byte
	ifd := appendUint(nil, countSize, uint64(len(entries)))
	for _, entry := range entries {
		ifd = binary.LittleEndian.AppendUint16(ifd, entry.tag)
		ifd = binary.LittleEndian.AppendUint16(ifd, entry.typ)
		ifd = appendUint(ifd, inlineSize, entry.count)
		if len(entry.data) <= inlineSize {
			value := make([]byte, inlineSize)
			copy(value, entry.data)
			ifd = append(ifd, value...)
		} else {
			ifd = appendUint(ifd, inlineSize, externalOffset+uint64(len(external)))
			external = append(external, entry.data...)
			if len(external)%2 != 0 {
				external = append(external, 0)
			}
		}
	}
	ifd = appendUint(ifd, inlineSize, 0)
	buffer.Write(ifd)
	buffer.Write(external)

	data := buffer.Bytes()
	copy(data, "II")
	if g.classic {
		binary.LittleEndian.PutUint16(data[2:], 42)
		binary.LittleEndian.PutUint32(data[4:], uint32(ifdOffset))
	} else {
		binary.LittleEndian.PutUint16(data[2:], 43)
		binary.LittleEndian.PutUint16(data[4:], 8)
		binary.LittleEndian.PutUint64(data[8:], ifdOffset)
	}
	return data
}

func (g *testGeoTIFF) fs(t *testing.T, name string) fstest.MapFS {
	t.Helper()
	return fstest.MapFS{
		name: &fstest.MapFile{Data: g.encode(t)},
	}
}

func appendTestSample(data []byte, sampleFormat, bitsPerSample int, value float64) []byte {
	switch sampleFormat<<8 | bitsPerSample {
	case sampleFormatUint<<8 | 8:
		return append(data, uint8(value))
	case sampleFormatInt<<8 | 8:
		return append(data, byte(int8(value)))
	case sampleFormatUint<<8 | 16:
		return binary.LittleEndian.AppendUint16(data, uint16(value))
	case sampleFormatInt<<8 | 16:
		return binary.LittleEndian.AppendUint16(data, uint16(int16(value)))
	case sampleFormatUint<<8 | 32:
		return binary.LittleEndian.AppendUint32(data, uint32(value))
	case sampleFormatInt<<8 | 32:
		return binary.LittleEndian.AppendUint32(data, uint32(int32(value)))
	case sampleFormatFloat<<8 | 32:
		return binary.LittleEndian.AppendUint32(data, math.Float32bits(float32(value)))
	case sampleFormatFloat<<8 | 64:
		return binary.LittleEndian.AppendUint64(data, math.Float64bits(value))
	default:
		panic("unsupported sample format")
	}
}

func applyHorizontalPredictor(data []byte, bytesPerSample, width, rows int) {
	rowSize := width * bytesPerSample
	for r := range rows {
		row := data[r*rowSize : (r+1)*rowSize]
		for i := width - 1; i > 0; i-- {
			prev := row[(i-1)*bytesPerSample : i*bytesPerSample]
			cur := row[i*bytesPerSample : (i+1)*bytesPerSample]
			switch bytesPerSample {
			case 1:
				cur[0] -= prev[0]
			case 2:
				binary.LittleEndian.PutUint16(cur, binary.LittleEndian.Uint16(cur)-binary.LittleEndian.Uint16(prev))
			case 4:
				binary.LittleEndian.PutUint32(cur, binary.LittleEndian.Uint32(cur)-binary.LittleEndian.Uint32(prev))
			}
		}
	}
}

func applyFloatingPointPredictor(data []byte, bytesPerSample, width, rows int) {
	rowSize := width * bytesPerSample
	bigEndian := make([]byte, bytesPerSample)
	for r := range rows {
		row := data[r*rowSize : (r+1)*rowSize]
		tmp := make([]byte, rowSize)
		for i := range width {
			for b := range bytesPerSample {
				bigEndian[b] = row[i*bytesPerSample+bytesPerSample-1-b]
			}
			for b := range bytesPerSample {
				tmp[b*width+i] = bigEndian[b]
			}
		}
		for i := rowSize - 1; i > 0; i-- {
			tmp[i] -= tmp[i-1]
		}
		copy(row, tmp)
	}
}

func intOrDefault(value, defaultValue int) int {
	if value == 0 {
		return defaultValue
	}
	return value
}

func readAllPixels(t *testing.T, g *GeoTIFF) []float64 {
	t.Helper()
	width, height := g.Size()
	values := make([]float64, 0, width*height)
	for y := range height {
		for x := range width {
			value, err := g.ReadPixel(t.Context(), 1, x, y)
			assert.NoError(t, err)
			values = append(values, value)
		}
	}
	return values
}

func TestNewGeoTIFF(t *testing.T) {
	tg := &testGeoTIFF{
		width:        4,
		height:       3,
		rowsPerStrip: 2,
		samples: []float64{
			1, 2, 3, 4,
			5, 6, 7, 8,
			9, 10, 11, 65535,
		},
		pixelScale: []float64{25, 25, 0},
		tiepoint:   []float64{0, 0, 0, 4000000, 3000000, 0},
		geoKeys:    epsg3035GeoKeys,
		noData:     "65535",
	}
	g, err := NewGeoTIFF(tg.fs(t, "dem.tif"), "dem.tif")
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, g.Close())
	}()

	width, height := g.Size()
	assert.Equal(t, 4, width)
	assert.Equal(t, 3, height)
	assert.Equal(t, 1, g.BandCount())
	assert.Equal(t, GeoTransform{4000000, 25, 0, 3000000, 0, -25}, g.GeoTransform())
	assert.Equal(t, "EPSG:3035", g.SpatialReference())
	noData, hasNoData := g.NoData()
	assert.True(t, hasNoData)
	assert.Equal(t, 65535.0, noData)
	assert.Equal(t, tg.samples, readAllPixels(t, g))

	for _, tc := range []struct {
		name        string
		band        int
		x, y        int
		expectedErr error
	}{
		{name: "left", band: 1, x: -1, y: 0, expectedErr: errOutOfBounds},
		{name: "right", band: 1, x: 4, y: 0, expectedErr: errOutOfBounds},
		{name: "top", band: 1, x: 0, y: -1, expectedErr: errOutOfBounds},
		{name: "bottom", band: 1, x: 0, y: 3, expectedErr: errOutOfBounds},
		{name: "band_2", band: 2, x: 0, y: 0, expectedErr: errNoSuchBand},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.ReadPixel(t.Context(), tc.band, tc.x, tc.y)
			assert.IsError(t, err, tc.expectedErr)
		})
	}
}

func TestGeoTIFFEncodings(t *testing.T) {
	for _, tc := range []struct {
		name string
		tg   testGeoTIFF
	}{
		{
			name: "uint8_strips_horizontal_predictor",
			tg: testGeoTIFF{
				bitsPerSample: 8,
				predictor:     predictorHorizontal,
				rowsPerStrip:  1,
				samples:       []float64{0, 255, 1, 254, 3, 100, 100, 7, 0},
			},
		},
		{
			name: "int8_tiles",
			tg: testGeoTIFF{
				tileWidth:     2,
				tileLength:    2,
				bitsPerSample: 8,
				sampleFormat:  sampleFormatInt,
				samples:       []float64{-128, 127, 0, -1, 1, -2, 2, -3, 3},
			},
		},
		{
			name: "int16_tiles_deflate_horizontal_predictor",
			tg: testGeoTIFF{
				tileWidth:     2,
				tileLength:    2,
				sampleFormat:  sampleFormatInt,
				compression:   compressionDeflate,
				predictor:     predictorHorizontal,
				samples:       []float64{-32768, 32767, 0, 1000, -1000, 12, 4808, -10, 0},
			},
		},
		{
			name: "uint16_adobe_deflate",
			tg: testGeoTIFF{
				compression:  compressionAdobeDeflate,
				rowsPerStrip: 2,
				samples:      []float64{0, 1, 2, 3, 4, 5, 6, 7, 65535},
			},
		},
		{
			name: "uint32_horizontal_predictor",
			tg: testGeoTIFF{
				bitsPerSample: 32,
				predictor:     predictorHorizontal,
				samples:       []float64{4294967295, 0, 1, 2, 4000000000, 3, 4, 5, 6},
			},
		},
		{
			name: "int32_tiles",
			tg: testGeoTIFF{
				tileWidth:     2,
				tileLength:    2,
				bitsPerSample: 32,
				sampleFormat:  sampleFormatInt,
				samples:       []float64{-2147483648, 2147483647, 0, -1, 1, 2, 3, 4, 5},
			},
		},
		{
			name: "float32_tiles_deflate_floating_point_predictor",
			tg: testGeoTIFF{
				tileWidth:     2,
				tileLength:    2,
				bitsPerSample: 32,
				sampleFormat:  sampleFormatFloat,
				compression:   compressionDeflate,
				predictor:     predictorFloatingPoint,
				samples:       []float64{123.5, -7.25, 0, 4808.75, -0.5, 1e-3, 1e6, 2.5, 3},
			},
		},
		{
			name: "float64_strips_floating_point_predictor",
			tg: testGeoTIFF{
				bitsPerSample: 64,
				sampleFormat:  sampleFormatFloat,
				predictor:     predictorFloatingPoint,
				rowsPerStrip:  2,
				samples:       []float64{0.1, 0.2, 0.3, -1e300, 1e-300, math.Pi, math.E, 8848.86, -430.5},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.tg.width = 3
			tc.tg.height = 3
			tc.tg.pixelScale = []float64{1, 1, 0}
			tc.tg.tiepoint = []float64{0, 0, 0, 0, 3, 0}
			tc.tg.geoKeys = epsg4326GeoKeys
			g, err := NewGeoTIFF(tc.tg.fs(t, "dem.tif"), "dem.tif")
			assert.NoError(t, err)
			defer func() {
				assert.NoError(t, g.Close())
			}()
			expected := make([]float64, len(tc.tg.samples))
			for i, sample := range tc.tg.samples {
				if tc.tg.sampleFormat == sampleFormatFloat && tc.tg.bitsPerSample == 32 {
					sample = float64(float32(sample))
				}
				expected[i] = sample
			}
			assert.Equal(t, expected, readAllPixels(t, g))
		})
	}
}

func TestGeoTIFFLongDimensions(t *testing.T) {
	for _, tc := range []struct {
		name string
		tg   testGeoTIFF
	}{
		{
			name: "classic_strips",
			tg: testGeoTIFF{
				classic:        true,
				longDimensions: true,
				rowsPerStrip:   2,
			},
		},
		{
			name: "classic_tiles",
			tg: testGeoTIFF{
				classic:        true,
				longDimensions: true,
				tileWidth:      16,
				tileLength:     16,
				compression:    compressionDeflate,
				predictor:      predictorHorizontal,
			},
		},
		{
			name: "classic_short_dimensions",
			tg: testGeoTIFF{
				classic: true,
			},
		},
		{
			name: "bigtiff_strips",
			tg: testGeoTIFF{
				longDimensions: true,
				rowsPerStrip:   1,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.tg.width = 3
			tc.tg.height = 3
			tc.tg.samples = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
			tc.tg.pixelScale = []float64{1, 1, 0}
			tc.tg.tiepoint = []float64{0, 0, 0, 0, 3, 0}
			tc.tg.geoKeys = epsg4326GeoKeys
			g, err := NewGeoTIFF(tc.tg.fs(t, "dem.tif"), "dem.tif")
			assert.NoError(t, err)
			defer func() {
				assert.NoError(t, g.Close())
			}()
			assert.Equal(t, GeoTransform{0, 1, 0, 3, 0, -1}, g.GeoTransform())
			assert.Equal(t, "EPSG:4326", g.SpatialReference())
			assert.Equal(t, tc.tg.samples, readAllPixels(t, g))
		})
	}
}

func TestGeoTIFFWiderThanShort(t *testing.T) {
	const width, height = 70000, 2
	samples := make([]float64, width*height)
	for i := range samples {
		samples[i] = float64(i % 251)
	}
	tg := &testGeoTIFF{
		classic:        true,
		longDimensions: true,
		width:          width,
		height:         height,
		rowsPerStrip:   1,
		bitsPerSample:  8,
		samples:        samples,
	}
	g, err := NewGeoTIFF(tg.fs(t, "dem.tif"), "dem.tif")
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, g.Close())
	}()

	actualWidth, actualHeight := g.Size()
	assert.Equal(t, width, actualWidth)
	assert.Equal(t, height, actualHeight)
	for _, xy := range [][2]int{{0, 0}, {65535, 0}, {65536, 0}, {width - 1, 0}, {0, 1}, {width - 1, 1}} {
		value, err := g.ReadPixel(t.Context(), 1, xy[0], xy[1])
		assert.NoError(t, err)
		assert.Equal(t, samples[xy[1]*width+xy[0]], value)
	}
}

func TestGeoTIFFGeoreferencing(t *testing.T) {
	for _, tc := range []struct {
		name                     string
		tg                       testGeoTIFF
		expectedGeoTransform     GeoTransform
		expectedSpatialReference string
	}{
		{
			name: "pixel_is_area",
			tg: testGeoTIFF{
				pixelScale: []float64{10, 20, 0},
				tiepoint:   []float64{1, 2, 0, 1000, 2000, 0},
				geoKeys:    epsg3035GeoKeys,
			},
			expectedGeoTransform:     GeoTransform{990, 10, 0, 2040, 0, -20},
			expectedSpatialReference: "EPSG:3035",
		},
		{
			name: "pixel_is_point",
			tg: testGeoTIFF{
				pixelScale: []float64{10, 10, 0},
				tiepoint:   []float64{0, 0, 0, 1000, 2000, 0},
				geoKeys:    []uint16{1, 1, 0, 3, 1024, 0, 1, ModelTypeProjected, 1025, 0, 1, RasterTypePixelIsPoint, 3072, 0, 1, 3035},
			},
			expectedGeoTransform:     GeoTransform{995, 10, 0, 2005, 0, -10},
			expectedSpatialReference: "EPSG:3035",
		},
		{
			name: "model_transformation",
			tg: testGeoTIFF{
				transformation: []float64{
					2, 0, 0, 500,
					0, -2, 0, 600,
					0, 0, 0, 0,
					0, 0, 0, 1,
				},
				geoKeys: epsg4326GeoKeys,
			},
			expectedGeoTransform:     GeoTransform{500, 2, 0, 600, 0, -2},
			expectedSpatialReference: "EPSG:4326",
		},
		{
			name:                 "not_georeferenced",
			expectedGeoTransform: GeoTransform{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.tg.width = 2
			tc.tg.height = 2
			tc.tg.samples = []float64{1, 2, 3, 4}
			g, err := NewGeoTIFF(tc.tg.fs(t, "dem.tif"), "dem.tif")
			assert.NoError(t, err)
			defer func() {
				assert.NoError(t, g.Close())
			}()
			assert.Equal(t, tc.expectedGeoTransform, g.GeoTransform())
			assert.Equal(t, tc.expectedSpatialReference, g.SpatialReference())
			if gt := g.GeoTransform(); gt.Valid() {
				// Points a quarter pixel from each pixel's origin map back to it.
				for _, xy := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
					x, y := gt.PixelCoord(gt.Apply(float64(xy[0])+0.25, float64(xy[1])+0.25))
					assert.Equal(t, xy, [2]int{x, y})
				}
			}
		})
	}
}

func TestGeoTIFFSparseBlocks(t *testing.T) {
	for _, tc := range []struct {
		name     string
		noData   string
		expected []float64
	}{
		{
			name:     "no_data",
			noData:   "-9999",
			expected: []float64{1, 2, -9999, -9999},
		},
		{
			name:     "zero",
			expected: []float64{1, 2, 0, 0},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tg := &testGeoTIFF{
				width:        2,
				height:       2,
				rowsPerStrip: 1,
				sampleFormat: sampleFormatInt,
				samples:      []float64{1, 2, 3, 4},
				sparseBlocks: map[int]bool{1: true},
				noData:       tc.noData,
			}
			g, err := NewGeoTIFF(tg.fs(t, "dem.tif"), "dem.tif")
			assert.NoError(t, err)
			defer func() {
				assert.NoError(t, g.Close())
			}()
			assert.Equal(t, tc.expected, readAllPixels(t, g))
		})
	}
}

func TestGeoTIFFFloat32NoData(t *testing.T) {
	tg := &testGeoTIFF{
		width:         2,
		height:        1,
		bitsPerSample: 32,
		sampleFormat:  sampleFormatFloat,
		samples:       []float64{-math.MaxFloat32, 1.5},
		noData:        "-3.4028234663852886e+38",
	}
	g, err := NewGeoTIFF(tg.fs(t, "dem.tif"), "dem.tif")
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, g.Close())
	}()
	noData, hasNoData := g.NoData()
	assert.True(t, hasNoData)
	value, err := g.ReadPixel(t.Context(), 1, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, noData, value)
}

func TestGeoTIFFConcurrentReads(t *testing.T) {
	const width, height = 64, 64
	samples := make([]float64, width*height)
	for i := range samples {
		samples[i] = float64(i)
	}
	tg := &testGeoTIFF{
		width:       width,
		height:      height,
		tileWidth:   16,
		tileLength:  16,
		compression: compressionDeflate,
		predictor:   predictorHorizontal,
		samples:     samples,
	}
	g, err := NewGeoTIFF(tg.fs(t, "dem.tif"), "dem.tif", WithBlockCacheSize(1))
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, g.Close())
	}()

	actual := make([]float64, width*height)
	var eg errgroup.Group
	eg.SetLimit(8)
	for i := range actual {
		eg.Go(func() error {
			var err error
			actual[i], err = g.ReadPixel(t.Context(), 1, i%width, i/width)
			return err
		})
	}
	assert.NoError(t, eg.Wait())
	assert.Equal(t, samples, actual)
}

func TestNewGeoTIFFErrors(t *testing.T) {
	valid := (&testGeoTIFF{width: 1, height: 1, samples: []float64{1}}).encode(t)
	unsupportedCompression := (&testGeoTIFF{width: 1, height: 1, samples: []float64{1}, compression: 7}).encode(t)
	fsys := fstest.MapFS{
		"garbage.tif":   &fstest.MapFile{Data: []byte("not a tiff file")},
		"jpeg.tif":      &fstest.MapFile{Data: unsupportedCompression},
		"truncated.tif": &fstest.MapFile{Data: valid[:12]},
		"empty.tif":     &fstest.MapFile{},
	}

	_, err := NewGeoTIFF(fsys, "missing.tif")
	assert.IsError(t, err, fs.ErrNotExist)

	_, err = NewGeoTIFF(fsys, "jpeg.tif")
	assert.IsError(t, err, errors.ErrUnsupported)

	for _, name := range []string{"garbage.tif", "truncated.tif", "empty.tif"} {
		t.Run(name, func(t *testing.T) {
			_, err := NewGeoTIFF(fsys, name)
			assert.Error(t, err)
		})
	}
}

func TestGeoTIFFOpener(t *testing.T) {
	tg := &testGeoTIFF{width: 1, height: 1, samples: []float64{42}}
	fsys := fstest.MapFS{
		"dem.tif":     &fstest.MapFile{Data: tg.encode(t)},
		"garbage.tif": &fstest.MapFile{Data: []byte("garbage")},
	}
	opener := NewGeoTIFFOpener(fsys, WithBlockCacheSize(1<<10))

	raster, err := opener.OpenRaster(t.Context(), "dem.tif")
	assert.NoError(t, err)
	value, err := raster.ReadPixel(t.Context(), 1, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 42.0, value)
	assert.NoError(t, raster.Close())

	raster, err = opener.OpenRaster(t.Context(), "missing.tif")
	assert.IsError(t, err, ErrRasterNotFound)
	assert.Zero(t, raster)

	raster, err = opener.OpenRaster(t.Context(), "garbage.tif")
	assert.IsError(t, err, ErrRasterOpen)
	assert.Zero(t, raster)
}

func TestGeoTIFFEUDEM(t *testing.T) {
	g, err := NewGeoTIFF(os.DirFS("testdata/eu_dem"), "eu_dem_v11_E00N20.TIF")
	if errors.Is(err, fs.ErrNotExist) {
		t.Skip(err)
	}
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, g.Close())
	}()

	assert.NotEqual(t, "", g.SpatialReference())
	for r := range g.blocksDown {
		for c := range g.blocksAcross {
			_, err := g.getBlockSamplesCached(t.Context(), TileCoord{C: c, R: r})
			assert.NoError(t, err)
		}
	}
}
