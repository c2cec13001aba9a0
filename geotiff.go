package demprofile

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionAdobeDeflate = 8
	compressionDeflate      = 32946

	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

var (
	errShortRead   = errors.New("short read")
	errOutOfBounds = errors.New("pixel out of bounds")
	errNoSuchBand  = errors.New("no such band")
)

// A geoTIFFFile is the subset of fs.File functionality needed to read a
// GeoTIFF.
type geoTIFFFile interface {
	io.ReadSeeker
	io.ReaderAt
	io.Closer
}

// A GeoTIFF is an open single-band GeoTIFF file. Its methods are safe for
// concurrent use.
type GeoTIFF struct {
	file                geoTIFFFile
	byteOrder           binary.ByteOrder
	imageWidth          int
	imageLength         int
	bitsPerSample       int
	bytesPerSample      int
	sampleFormat        int
	compression         int
	predictor           int
	tiled               bool
	blockWidth          int
	blockLength         int
	blocksAcross        int
	blocksDown          int
	blockOffsets        []uint64
	blockByteCounts     []uint64
	blockCacheSizeBytes int
	blockCache          *otter.Cache[TileCoord, []float64]
	geoTransform        GeoTransform
	spatialReference    string
	noData              float64
	hasNoData           bool
}

// A GeoTIFFOption sets an option on a GeoTIFF.
type GeoTIFFOption func(*GeoTIFF)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth             uint64    `tiff:"field,tag=256"`
	ImageLength            uint64    `tiff:"field,tag=257"`
	BitsPerSample          uint16    `tiff:"field,tag=258"`
	Compression            uint16    `tiff:"field,tag=259"`
	StripOffsets           []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel        uint16    `tiff:"field,tag=277"`
	RowsPerStrip           uint64    `tiff:"field,tag=278"`
	StripByteCounts        []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration    uint16    `tiff:"field,tag=284"`
	Predictor              uint16    `tiff:"field,tag=317"`
	TileWidth              uint64    `tiff:"field,tag=322"`
	TileLength             uint64    `tiff:"field,tag=323"`
	TileOffsets            []uint64  `tiff:"field,tag=324"`
	TileByteCounts         []uint64  `tiff:"field,tag=325"`
	SampleFormat           uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag      string    `tiff:"field,tag=34737"`
	GDALNoData             string    `tiff:"field,tag=42113"`
}

// NewGeoTIFF opens the GeoTIFF called name in fsys. Only the first IFD is
// read, so overviews are ignored.
func NewGeoTIFF(fsys fs.FS, name string, options ...GeoTIFFOption) (*GeoTIFF, error) {
	ok := false

	g := &GeoTIFF{
		blockCacheSizeBytes: 64 << 20, // 64MB.
	}
	for _, option := range options {
		option(g)
	}

	file, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			_ = file.Close()
		}
	}()
	if g.file, ok = file.(geoTIFFFile); !ok {
		return nil, errors.ErrUnsupported
	}
	ok = false

	header := make([]byte, 2)
	if _, err := g.file.ReadAt(header, 0); err != nil {
		return nil, err
	}
	switch string(header) {
	case "II":
		g.byteOrder = binary.LittleEndian
	case "MM":
		g.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%q: invalid byte order", header)
	}

	tiffTIFF, err := tiff.Parse(g.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, errors.New("no IFDs")
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if err := g.setLayout(&ifd); err != nil {
		return nil, err
	}

	blockBytes := 8 * g.blockWidth * g.blockLength
	g.blockCache, err = otter.New(&otter.Options[TileCoord, []float64]{
		MaximumSize: max(g.blockCacheSizeBytes/blockBytes, 1),
	})
	if err != nil {
		return nil, err
	}

	g.geoTransform = geoTransformFromIFD(&ifd)

	if len(ifd.GeoKeyDirectoryTag) != 0 {
		parsedGeoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return nil, err
		}
		g.spatialReference = parsedGeoKeys.SpatialReference()
		if parsedGeoKeys.RasterType() == RasterTypePixelIsPoint {
			g.geoTransform[0] -= 0.5*g.geoTransform[1] + 0.5*g.geoTransform[2]
			g.geoTransform[3] -= 0.5*g.geoTransform[4] + 0.5*g.geoTransform[5]
		}
	}

	if noDataStr := strings.TrimSpace(strings.TrimRight(ifd.GDALNoData, "\x00")); noDataStr != "" {
		noData, err := strconv.ParseFloat(noDataStr, 64)
		if err != nil {
			return nil, fmt.Errorf("GDAL_NODATA: %w", err)
		}
		if g.sampleFormat == sampleFormatFloat && g.bitsPerSample == 32 {
			noData = float64(float32(noData))
		}
		g.noData = noData
		g.hasNoData = true
	}

	ok = true
	return g, nil
}

// WithBlockCacheSize sets the size in bytes of the cache of decoded tiles or
// strips.
func WithBlockCacheSize(blockCacheSize int) GeoTIFFOption {
	return func(g *GeoTIFF) {
		g.blockCacheSizeBytes = blockCacheSize
	}
}

// setLayout validates the sample encoding in ifd and records the tile or strip
// layout.
func (g *GeoTIFF) setLayout(ifd *geoTIFFIFD) error {
	if ifd.ImageWidth > math.MaxInt32 || ifd.ImageLength > math.MaxInt32 || ifd.TileWidth > math.MaxInt32 || ifd.TileLength > math.MaxInt32 {
		return fmt.Errorf("%dx%d image: %w", ifd.ImageWidth, ifd.ImageLength, errors.ErrUnsupported)
	}
	g.imageWidth = int(ifd.ImageWidth)
	g.imageLength = int(ifd.ImageLength)
	g.bitsPerSample = int(ifd.BitsPerSample)
	g.bytesPerSample = g.bitsPerSample / 8
	g.sampleFormat = int(cmp16(ifd.SampleFormat, sampleFormatUint))
	g.compression = int(cmp16(ifd.Compression, compressionNone))
	g.predictor = int(cmp16(ifd.Predictor, predictorNone))

	if g.imageWidth == 0 || g.imageLength == 0 {
		return errors.New("empty image")
	}
	if samplesPerPixel := cmp16(ifd.SamplesPerPixel, 1); samplesPerPixel != 1 {
		return fmt.Errorf("%d samples per pixel: %w", samplesPerPixel, errors.ErrUnsupported)
	}
	switch g.compression {
	case compressionNone, compressionLZW, compressionAdobeDeflate, compressionDeflate:
	default:
		return fmt.Errorf("compression %d: %w", g.compression, errors.ErrUnsupported)
	}
	switch {
	case g.sampleFormat == sampleFormatUint && (g.bitsPerSample == 8 || g.bitsPerSample == 16 || g.bitsPerSample == 32):
	case g.sampleFormat == sampleFormatInt && (g.bitsPerSample == 8 || g.bitsPerSample == 16 || g.bitsPerSample == 32):
	case g.sampleFormat == sampleFormatFloat && (g.bitsPerSample == 32 || g.bitsPerSample == 64):
	default:
		return fmt.Errorf("sample format %d with %d bits per sample: %w", g.sampleFormat, g.bitsPerSample, errors.ErrUnsupported)
	}
	switch {
	case g.predictor == predictorNone:
	case g.predictor == predictorHorizontal && g.sampleFormat != sampleFormatFloat:
	case g.predictor == predictorFloatingPoint && g.sampleFormat == sampleFormatFloat:
	default:
		return fmt.Errorf("predictor %d: %w", g.predictor, errors.ErrUnsupported)
	}

	switch {
	case ifd.TileWidth != 0 && ifd.TileLength != 0:
		g.tiled = true
		g.blockWidth = int(ifd.TileWidth)
		g.blockLength = int(ifd.TileLength)
		g.blockOffsets = ifd.TileOffsets
		g.blockByteCounts = ifd.TileByteCounts
	case len(ifd.StripOffsets) != 0:
		g.blockWidth = g.imageWidth
		// RowsPerStrip defaults to 2**32-1, meaning a single strip.
		g.blockLength = g.imageLength
		if ifd.RowsPerStrip != 0 && ifd.RowsPerStrip < uint64(g.imageLength) {
			g.blockLength = int(ifd.RowsPerStrip)
		}
		g.blockOffsets = ifd.StripOffsets
		g.blockByteCounts = ifd.StripByteCounts
	default:
		return errors.New("no tiles or strips")
	}
	g.blocksAcross = (g.imageWidth + g.blockWidth - 1) / g.blockWidth
	g.blocksDown = (g.imageLength + g.blockLength - 1) / g.blockLength
	if blocksPerImage := g.blocksAcross * g.blocksDown; len(g.blockOffsets) != blocksPerImage || len(g.blockByteCounts) != blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	return nil
}

func (g *GeoTIFF) Close() error {
	return g.file.Close()
}

// Size returns g's width and height in pixels.
func (g *GeoTIFF) Size() (int, int) {
	return g.imageWidth, g.imageLength
}

func (g *GeoTIFF) BandCount() int {
	return 1
}

func (g *GeoTIFF) GeoTransform() GeoTransform {
	return g.geoTransform
}

func (g *GeoTIFF) SpatialReference() string {
	return g.spatialReference
}

func (g *GeoTIFF) NoData() (float64, bool) {
	return g.noData, g.hasNoData
}

// ReadPixel returns the value of the pixel at (x, y).
func (g *GeoTIFF) ReadPixel(ctx context.Context, band, x, y int) (float64, error) {
	if band != 1 {
		return 0, fmt.Errorf("band %d: %w", band, errNoSuchBand)
	}
	if x < 0 || g.imageWidth <= x || y < 0 || g.imageLength <= y {
		return 0, fmt.Errorf("(%d, %d): %w", x, y, errOutOfBounds)
	}
	blockCoord := TileCoord{
		C: x / g.blockWidth,
		R: y / g.blockLength,
	}
	blockSamples, err := g.getBlockSamplesCached(ctx, blockCoord)
	if err != nil {
		return 0, err
	}
	return blockSamples[(y%g.blockLength)*g.blockWidth+x%g.blockWidth], nil
}

// getBlockSamplesCached returns the samples of the tile or strip at
// blockCoord using g's cache.
func (g *GeoTIFF) getBlockSamplesCached(ctx context.Context, blockCoord TileCoord) ([]float64, error) {
	return g.blockCache.Get(ctx, blockCoord, otter.LoaderFunc[TileCoord, []float64](g.getBlockSamples))
}

// getBlockSamples reads, decompresses, and decodes the tile or strip at
// blockCoord.
func (g *GeoTIFF) getBlockSamples(ctx context.Context, blockCoord TileCoord) ([]float64, error) {
	blockIndex := blockCoord.C + g.blocksAcross*blockCoord.R
	rows := g.blockLength
	if !g.tiled {
		// The last strip may be short.
		rows = min(g.blockLength, g.imageLength-blockCoord.R*g.blockLength)
	}
	sampleCount := g.blockWidth * rows

	byteCount := g.blockByteCounts[blockIndex]
	if byteCount == 0 {
		// Sparse files omit blocks that only contain no data.
		blockSamples := make([]float64, sampleCount)
		if g.hasNoData {
			for i := range blockSamples {
				blockSamples[i] = g.noData
			}
		}
		return blockSamples, nil
	}

	compressedData := make([]byte, byteCount)
	switch n, err := g.file.ReadAt(compressedData, int64(g.blockOffsets[blockIndex])); {
	case n == len(compressedData):
	case err != nil:
		return nil, err
	default:
		return nil, errShortRead
	}

	blockData, err := g.decompressBlockData(compressedData, sampleCount*g.bytesPerSample)
	if err != nil {
		return nil, err
	}

	byteOrder := g.byteOrder
	switch g.predictor {
	case predictorHorizontal:
		undoHorizontalPredictor(blockData, byteOrder, g.bytesPerSample, g.blockWidth, rows)
	case predictorFloatingPoint:
		undoFloatingPointPredictor(blockData, g.bytesPerSample, g.blockWidth, rows)
		byteOrder = binary.BigEndian
	}

	return g.decodeBlockData(blockData, byteOrder, sampleCount), nil
}

// decompressBlockData decompresses compressedData into size bytes.
func (g *GeoTIFF) decompressBlockData(compressedData []byte, size int) ([]byte, error) {
	var r io.ReadCloser
	switch g.compression {
	case compressionNone:
		if len(compressedData) < size {
			return nil, errShortRead
		}
		return compressedData[:size], nil
	case compressionLZW:
		r = lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	case compressionAdobeDeflate, compressionDeflate:
		var err error
		r, err = zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
	}
	defer r.Close()

	blockData := make([]byte, size)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// decodeBlockData decodes sampleCount samples from blockData.
func (g *GeoTIFF) decodeBlockData(blockData []byte, byteOrder binary.ByteOrder, sampleCount int) []float64 {
	blockSamples := make([]float64, sampleCount)
	for i := range sampleCount {
		b := blockData[i*g.bytesPerSample : (i+1)*g.bytesPerSample]
		switch g.sampleFormat<<8 | g.bitsPerSample {
		case sampleFormatUint<<8 | 8:
			blockSamples[i] = float64(b[0])
		case sampleFormatInt<<8 | 8:
			blockSamples[i] = float64(int8(b[0]))
		case sampleFormatUint<<8 | 16:
			blockSamples[i] = float64(byteOrder.Uint16(b))
		case sampleFormatInt<<8 | 16:
			blockSamples[i] = float64(int16(byteOrder.Uint16(b)))
		case sampleFormatUint<<8 | 32:
			blockSamples[i] = float64(byteOrder.Uint32(b))
		case sampleFormatInt<<8 | 32:
			blockSamples[i] = float64(int32(byteOrder.Uint32(b)))
		case sampleFormatFloat<<8 | 32:
			blockSamples[i] = float64(math.Float32frombits(byteOrder.Uint32(b)))
		case sampleFormatFloat<<8 | 64:
			blockSamples[i] = math.Float64frombits(byteOrder.Uint64(b))
		}
	}
	return blockSamples
}

// undoHorizontalPredictor reverses TIFF predictor 2 in place.
func undoHorizontalPredictor(data []byte, byteOrder binary.ByteOrder, bytesPerSample, width, rows int) {
	rowSize := width * bytesPerSample
	for r := range rows {
		row := data[r*rowSize : (r+1)*rowSize]
		for i := 1; i < width; i++ {
			prev := row[(i-1)*bytesPerSample : i*bytesPerSample]
			cur := row[i*bytesPerSample : (i+1)*bytesPerSample]
			switch bytesPerSample {
			case 1:
				cur[0] += prev[0]
			case 2:
				byteOrder.PutUint16(cur, byteOrder.Uint16(cur)+byteOrder.Uint16(prev))
			case 4:
				byteOrder.PutUint32(cur, byteOrder.Uint32(cur)+byteOrder.Uint32(prev))
			}
		}
	}
}

// undoFloatingPointPredictor reverses TIFF predictor 3 in place. Afterwards,
// each sample is big endian.
func undoFloatingPointPredictor(data []byte, bytesPerSample, width, rows int) {
	rowSize := width * bytesPerSample
	tmp := make([]byte, rowSize)
	for r := range rows {
		row := data[r*rowSize : (r+1)*rowSize]
		for i := 1; i < rowSize; i++ {
			row[i] += row[i-1]
		}
		copy(tmp, row)
		for i := range width {
			for b := range bytesPerSample {
				row[i*bytesPerSample+b] = tmp[b*width+i]
			}
		}
	}
}

// geoTransformFromIFD returns the geotransform described by ifd's model
// tags. It returns the zero GeoTransform if ifd is not georeferenced.
func geoTransformFromIFD(ifd *geoTIFFIFD) GeoTransform {
	switch {
	case len(ifd.ModelTransformationTag) == 16:
		m := ifd.ModelTransformationTag
		return GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
	case len(ifd.ModelPixelScaleTag) >= 2 && len(ifd.ModelTiepointTag) >= 6:
		scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
		i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
		x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
		return GeoTransform{x - i*scaleX, scaleX, 0, y + j*scaleY, 0, -scaleY}
	default:
		return GeoTransform{}
	}
}

// cmp16 returns value, or defaultValue if value is zero.
func cmp16(value, defaultValue uint16) uint16 {
	if value == 0 {
		return defaultValue
	}
	return value
}

// A GeoTIFFOpener opens GeoTIFFs from a filesystem.
type GeoTIFFOpener struct {
	fsys    fs.FS
	options []GeoTIFFOption
}

// NewGeoTIFFOpener returns a new GeoTIFFOpener that opens GeoTIFFs in fsys
// with options.
func NewGeoTIFFOpener(fsys fs.FS, options ...GeoTIFFOption) *GeoTIFFOpener {
	return &GeoTIFFOpener{
		fsys:    fsys,
		options: options,
	}
}

// OpenRaster opens the GeoTIFF called name.
func (o *GeoTIFFOpener) OpenRaster(ctx context.Context, name string) (Raster, error) {
	switch geoTIFF, err := NewGeoTIFF(o.fsys, name, o.options...); {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrRasterNotFound, name)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %w", ErrRasterOpen, name, err)
	default:
		return geoTIFF, nil
	}
}
