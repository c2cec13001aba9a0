package demprofile

import "math"

// ProfileStats summarizes the valid samples of a Profile.
type ProfileStats struct {
	TotalDistance  float64 `json:"totalDistance"`
	ValidSamples   int     `json:"validSamples"`
	MinElevation   float64 `json:"minElevation"`
	MaxElevation   float64 `json:"maxElevation"`
	MeanElevation  float64 `json:"meanElevation"`
	ElevationRange float64 `json:"elevationRange"`
	Ascent         float64 `json:"ascent"`
	Descent        float64 `json:"descent"`
}

// Stats returns statistics of p's valid samples. It returns false if p has no
// valid samples. Ascent and descent are accumulated between consecutive valid
// samples.
func (p Profile) Stats() (ProfileStats, bool) {
	stats := ProfileStats{
		MinElevation: math.Inf(1),
		MaxElevation: math.Inf(-1),
	}
	if len(p) != 0 {
		stats.TotalDistance = p[len(p)-1].Distance
	}
	sum := 0.0
	prev := math.NaN()
	for _, sample := range p {
		if math.IsNaN(sample.Elevation) {
			continue
		}
		stats.ValidSamples++
		stats.MinElevation = min(stats.MinElevation, sample.Elevation)
		stats.MaxElevation = max(stats.MaxElevation, sample.Elevation)
		sum += sample.Elevation
		switch delta := sample.Elevation - prev; {
		case delta > 0:
			stats.Ascent += delta
		case delta < 0:
			stats.Descent -= delta
		}
		prev = sample.Elevation
	}
	if stats.ValidSamples == 0 {
		return ProfileStats{TotalDistance: stats.TotalDistance}, false
	}
	stats.MeanElevation = sum / float64(stats.ValidSamples)
	stats.ElevationRange = stats.MaxElevation - stats.MinElevation
	return stats, true
}
