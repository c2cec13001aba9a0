package demprofile

import (
	"context"
	"log/slog"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	profileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_profile_cache_hits_total",
		Help: "The total number of hits on the profile cache",
	})
	profileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_profile_cache_misses_total",
		Help: "The total number of misses on the profile cache",
	})
	profileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_profile_cache_evictions_total",
		Help: "The total number of evictions from the profile cache",
	})
)

// A ProfileRequest is a request for an elevation profile.
type ProfileRequest struct {
	DEMName    string
	Start      Point
	End        Point
	NumSamples int
	CRS        string
}

// profileCacheKey identifies a profile. The DEM's modification time is
// included so that replaced DEMs are resampled.
type profileCacheKey struct {
	ProfileRequest
	modTime int64
}

// A ProfileService computes elevation profiles of the DEMs in a Catalog.
type ProfileService struct {
	catalog          *Catalog
	sampler          *Sampler
	profileCacheSize int
	profileCache     *lru.Cache[profileCacheKey, Profile]
	logger           *slog.Logger
}

// A ProfileServiceOption sets an option on a ProfileService.
type ProfileServiceOption func(*ProfileService)

// NewProfileService returns a new ProfileService.
func NewProfileService(catalog *Catalog, sampler *Sampler, options ...ProfileServiceOption) (*ProfileService, error) {
	s := &ProfileService{
		catalog:          catalog,
		sampler:          sampler,
		profileCacheSize: 256,
		logger:           slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(s)
	}

	if s.profileCacheSize > 0 {
		var err error
		s.profileCache, err = lru.NewWithEvict(s.profileCacheSize, func(profileCacheKey, Profile) {
			profileCacheEvictions.Inc()
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithProfileCacheSize sets the number of profiles cached. Zero disables the
// cache.
func WithProfileCacheSize(profileCacheSize int) ProfileServiceOption {
	return func(s *ProfileService) {
		s.profileCacheSize = profileCacheSize
	}
}

func WithServiceLogger(logger *slog.Logger) ProfileServiceOption {
	return func(s *ProfileService) {
		s.logger = logger
	}
}

// Profile returns the elevation profile requested by req.
func (s *ProfileService) Profile(ctx context.Context, req ProfileRequest) (Profile, error) {
	if req.CRS == "" {
		req.CRS = DefaultCRS
	}

	if s.profileCache == nil {
		raster, err := s.catalog.Open(ctx, req.DEMName)
		if err != nil {
			return nil, err
		}
		return s.sample(ctx, raster, req)
	}

	filename, fileInfo, err := s.catalog.stat(req.DEMName)
	if err != nil {
		return nil, err
	}
	key := profileCacheKey{
		ProfileRequest: req,
		modTime:        fileInfo.ModTime().UnixNano(),
	}
	if profile, ok := s.profileCache.Get(key); ok {
		profileCacheHits.Inc()
		return slices.Clone(profile), nil
	}
	profileCacheMisses.Inc()

	raster, err := s.catalog.openFilename(ctx, req.DEMName, filename)
	if err != nil {
		return nil, err
	}
	profile, err := s.sample(ctx, raster, req)
	if err != nil {
		return nil, err
	}
	s.profileCache.Add(key, slices.Clone(profile))
	return profile, nil
}

// sample samples req from raster, which it closes.
func (s *ProfileService) sample(ctx context.Context, raster Raster, req ProfileRequest) (Profile, error) {
	profile, err := s.sampler.Sample(ctx, raster, req.Start, req.End, req.NumSamples, req.CRS)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "computed profile",
		"dem", req.DEMName,
		"samples", len(profile),
	)
	return profile, nil
}
