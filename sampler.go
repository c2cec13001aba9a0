package demprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var (
	profilesComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_profiles_computed_total",
		Help: "The total number of elevation profiles computed",
	})
	samplesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_samples_read_total",
		Help: "The total number of in-bounds samples read from rasters",
	})
	samplesOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_samples_out_of_bounds_total",
		Help: "The total number of samples that fell outside their raster",
	})
)

// A Sample is a single point of an elevation profile. Elevation is NaN if the
// sample is outside the raster.
type Sample struct {
	Distance  float64
	Elevation float64
}

// MarshalJSON encodes s as a [distance, elevation] pair. NaNs are encoded as
// null.
func (s Sample) MarshalJSON() ([]byte, error) {
	pair := [2]*float64{nil, nil}
	if !math.IsNaN(s.Distance) {
		pair[0] = &s.Distance
	}
	if !math.IsNaN(s.Elevation) {
		pair[1] = &s.Elevation
	}
	return json.Marshal(pair)
}

// UnmarshalJSON decodes a [distance, elevation] pair. Nulls are decoded as NaN.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var pair [2]*float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	s.Distance, s.Elevation = math.NaN(), math.NaN()
	if pair[0] != nil {
		s.Distance = *pair[0]
	}
	if pair[1] != nil {
		s.Elevation = *pair[1]
	}
	return nil
}

// A Profile is a sequence of samples ordered by distance.
type Profile []Sample

// A Sampler samples elevation profiles from rasters.
type Sampler struct {
	geodesy     Geodesy
	workers     int
	noDataAsNaN bool
	maxSamples  int
	logger      *slog.Logger
}

// A SamplerOption sets an option on a Sampler.
type SamplerOption func(*Sampler)

// NewSampler returns a new Sampler with the given options.
func NewSampler(options ...SamplerOption) *Sampler {
	s := &Sampler{
		workers: 1,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(s)
	}
	if s.geodesy == nil {
		s.geodesy = ProjGeodesy{}
	}
	return s
}

// WithGeodesy sets the Geodesy used to resolve CRSs and transform points.
func WithGeodesy(geodesy Geodesy) SamplerOption {
	return func(s *Sampler) {
		s.geodesy = geodesy
	}
}

// WithWorkers sets the number of concurrent pixel reads. Rasters must support
// concurrent calls to ReadPixel when workers is greater than one.
func WithWorkers(workers int) SamplerOption {
	return func(s *Sampler) {
		s.workers = max(workers, 1)
	}
}

// WithNoDataAsNaN sets whether pixels equal to the raster's no data value are
// reported as NaN.
func WithNoDataAsNaN(noDataAsNaN bool) SamplerOption {
	return func(s *Sampler) {
		s.noDataAsNaN = noDataAsNaN
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SamplerOption {
	return func(s *Sampler) {
		s.logger = logger
	}
}

// WithMaxSamples limits the number of samples in a single profile. Zero means
// no limit.
func WithMaxSamples(maxSamples int) SamplerOption {
	return func(s *Sampler) {
		s.maxSamples = maxSamples
	}
}

// Sample returns the elevation profile along the straight line from point1 to
// point2, which are in inputCRS, with numSamples evenly spaced samples. The
// line is sampled in raster's CRS and distances are in raster's CRS units.
// Sample takes ownership of raster and closes it before returning.
func (s *Sampler) Sample(ctx context.Context, raster Raster, point1, point2 Point, numSamples int, inputCRS string) (profile Profile, err error) {
	defer func() {
		if closeErr := raster.Close(); err == nil && closeErr != nil {
			profile, err = nil, closeErr
		}
	}()

	if numSamples < 2 {
		return nil, fmt.Errorf("%w: %d, need at least 2", ErrInvalidSampleCount, numSamples)
	}
	if s.maxSamples > 0 && numSamples > s.maxSamples {
		return nil, fmt.Errorf("%w: %d, maximum is %d", ErrInvalidSampleCount, numSamples, s.maxSamples)
	}
	if inputCRS == "" {
		inputCRS = DefaultCRS
	}

	if raster.BandCount() < 1 {
		return nil, ErrNoBands
	}
	rasterCRSDefinition := raster.SpatialReference()
	if rasterCRSDefinition == "" {
		return nil, ErrUndefinedRasterCRS
	}
	rasterCRS, err := s.geodesy.ResolveCRS(rasterCRSDefinition)
	if err != nil {
		return nil, fmt.Errorf("%w: raster: %w", ErrUnresolvableCRS, err)
	}
	defer rasterCRS.Close()

	sourceCRS, err := s.geodesy.ResolveCRS(inputCRS)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnresolvableCRS, inputCRS, err)
	}
	defer sourceCRS.Close()

	transformedPoint1, transformedPoint2 := point1, point2
	if !rasterCRS.Equal(sourceCRS) {
		s.logger.DebugContext(ctx, "transforming points",
			"from", inputCRS,
			"point1", point1,
			"point2", point2,
		)
		transformedPoint1, transformedPoint2, err = s.transformPoints(sourceCRS, rasterCRS, point1, point2)
		if err != nil {
			return nil, err
		}
	}

	gt := raster.GeoTransform()
	if !gt.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeoTransform, gt)
	}

	dx := (transformedPoint2.X - transformedPoint1.X) / float64(numSamples-1)
	dy := (transformedPoint2.Y - transformedPoint1.Y) / float64(numSamples-1)
	totalDistance := math.Hypot(transformedPoint2.X-transformedPoint1.X, transformedPoint2.Y-transformedPoint1.Y)
	s.logger.DebugContext(ctx, "sampling",
		"dx", dx,
		"dy", dy,
		"total_distance", totalDistance,
		"samples", numSamples,
	)

	width, height := raster.Size()
	noData, hasNoData := raster.NoData()
	hasNoData = hasNoData && s.noDataAsNaN

	profile = make(Profile, numSamples)
	readSample := func(ctx context.Context, i int) error {
		current := Point{
			X: transformedPoint1.X + dx*float64(i),
			Y: transformedPoint1.Y + dy*float64(i),
		}
		pixelX, pixelY := gt.PixelCoord(current)
		profile[i].Distance = float64(i) / float64(numSamples-1) * totalDistance
		if pixelX < 0 || width <= pixelX || pixelY < 0 || height <= pixelY {
			samplesOutOfBounds.Inc()
			profile[i].Elevation = math.NaN()
			return nil
		}
		value, err := raster.ReadPixel(ctx, 1, pixelX, pixelY)
		if err != nil {
			return fmt.Errorf("%w: (%d, %d): %w", ErrPixelRead, pixelX, pixelY, err)
		}
		samplesRead.Inc()
		if hasNoData && value == noData {
			value = math.NaN()
		}
		profile[i].Elevation = value
		return nil
	}

	if s.workers <= 1 {
		for i := range numSamples {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := readSample(ctx, i); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for i := range numSamples {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				return readSample(gctx, i)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	profilesComputed.Inc()
	return profile, nil
}

// transformPoints transforms point1 and point2 from source to target.
func (s *Sampler) transformPoints(source, target CRS, point1, point2 Point) (Point, Point, error) {
	transform, err := s.geodesy.NewTransform(source, target)
	if err != nil {
		return Point{}, Point{}, fmt.Errorf("%w: %w", ErrTransform, err)
	}
	defer transform.Close()

	transformedPoint1, err1 := transform.Forward(point1)
	transformedPoint2, err2 := transform.Forward(point2)
	if err := errors.Join(err1, err2); err != nil {
		return Point{}, Point{}, fmt.Errorf("%w: %w", ErrTransform, err)
	}
	return transformedPoint1, transformedPoint2, nil
}
