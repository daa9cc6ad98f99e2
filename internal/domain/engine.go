package domain

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

// SaneInterpolationDistance is the default outlier threshold in meters.
// Samples at or beyond it from the centroid are discarded.
const SaneInterpolationDistance = 50.0

// EngineConfig holds the constants the engine computes with. Zero fields take
// the package defaults.
type EngineConfig struct {
	// MaxSaneDistance is the outlier threshold in meters.
	MaxSaneDistance float64
	// MeanEarthRadius is the sphere radius for haversine distances.
	MeanEarthRadius float64
	// MercatorRadius is the sphere radius for EPSG:3857 projection.
	MercatorRadius float64
}

// DefaultEngineConfig returns the production constants.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxSaneDistance: SaneInterpolationDistance,
		MeanEarthRadius: geo.MeanEarthRadius,
		MercatorRadius:  geo.MercatorEarthRadius,
	}
}

// Engine computes consensus locations. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger
}

// NewEngine validates cfg and returns an engine. A nil logger discards the
// projection diagnostics.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	def := DefaultEngineConfig()
	if cfg.MaxSaneDistance == 0 {
		cfg.MaxSaneDistance = def.MaxSaneDistance
	}
	if cfg.MeanEarthRadius == 0 {
		cfg.MeanEarthRadius = def.MeanEarthRadius
	}
	if cfg.MercatorRadius == 0 {
		cfg.MercatorRadius = def.MercatorRadius
	}
	checks := []struct {
		name string
		v    float64
	}{
		{"max sane distance", cfg.MaxSaneDistance},
		{"mean earth radius", cfg.MeanEarthRadius},
		{"mercator radius", cfg.MercatorRadius},
	}
	for _, c := range checks {
		if !(c.v > 0) || math.IsInf(c.v, 0) {
			return nil, fmt.Errorf("engine config: %s must be positive and finite, got %v", c.name, c.v)
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

var defaultEngine, _ = NewEngine(DefaultEngineConfig(), slog.Default())

// ConsensusResult is a consensus location with the sample counts behind it.
type ConsensusResult struct {
	Location ConsensusLocation
	Samples  int
	Retained int
}

// Rejected returns how many samples the outlier filter discarded.
func (r ConsensusResult) Rejected() int { return r.Samples - r.Retained }

// FilterOutliers drops every sample whose distance to the coordinate-wise
// centroid is not strictly below the sanity threshold.
func (e *Engine) FilterOutliers(samples []RawObservation) ([]RawObservation, error) {
	return filterOutliers(samples, e.cfg.MaxSaneDistance, e.cfg.MeanEarthRadius)
}

// filterOutliers is the single-pass filter shared by every located type.
func filterOutliers[T geo.Locator](samples []T, maxDistance, radius float64) ([]T, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyInput
	}

	center := geo.Centroid(samples)

	kept := make([]T, 0, len(samples))
	for _, s := range samples {
		if geo.Haversine(s.Coordinates(), center, radius) < maxDistance {
			kept = append(kept, s)
		}
	}

	if len(kept) == 0 {
		return nil, ErrNoMatches
	}
	return kept, nil
}

// BuildConsensus reduces all observations of one site to its consensus
// location. The input must be uniform in region and site id.
func (e *Engine) BuildConsensus(raw []RawObservation) (ConsensusLocation, error) {
	res, err := e.Compute(raw)
	if err != nil {
		return ConsensusLocation{}, err
	}
	return res.Location, nil
}

// Compute is BuildConsensus with sample counts attached.
func (e *Engine) Compute(raw []RawObservation) (ConsensusResult, error) {
	if len(raw) == 0 {
		return ConsensusResult{}, ErrEmptyInput
	}

	region := raw[0].Region
	siteID := raw[0].SiteID
	for _, o := range raw {
		if o.Region != region {
			return ConsensusResult{}, ErrRegionMismatch
		}
		if o.SiteID != siteID {
			return ConsensusResult{}, ErrReportingPointMismatch
		}
	}

	kept, err := e.FilterOutliers(raw)
	if err != nil {
		return ConsensusResult{}, err
	}

	center := geo.Centroid(kept)
	return ConsensusResult{
		Location: ConsensusLocation{
			Region:      region,
			SiteID:      siteID,
			Lat:         center.Lat,
			Lon:         center.Lon,
			GroundTruth: false,
		},
		Samples:  len(raw),
		Retained: len(kept),
	}, nil
}

// FilterOutliers applies the default engine.
func FilterOutliers(samples []RawObservation) ([]RawObservation, error) {
	return defaultEngine.FilterOutliers(samples)
}

// BuildConsensus applies the default engine.
func BuildConsensus(raw []RawObservation) (ConsensusLocation, error) {
	return defaultEngine.BuildConsensus(raw)
}
