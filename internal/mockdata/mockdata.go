// Package mockdata generates reproducible noisy raw observations around known
// site centres. Fixtures for local runs and the pipeline tests come from here.
package mockdata

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

// Site is a true transmission point position.
type Site struct {
	Region int64   `json:"region"`
	SiteID int32   `json:"site_id"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// Key returns the site key.
func (s Site) Key() domain.SiteKey { return domain.SiteKey{Region: s.Region, SiteID: s.SiteID} }

// Options controls the generated noise.
type Options struct {
	Seed uint64
	// PerSite is the number of observations per site, outliers included.
	PerSite int
	// Jitter is the maximum distance in meters of a regular sample from the
	// true position.
	Jitter float64
	// Outliers is the number of samples per site placed OutlierDistance
	// meters away in a random direction.
	Outliers        int
	OutlierDistance float64
}

// DefaultOptions returns noise that a single filter pass separates cleanly.
func DefaultOptions() Options {
	return Options{
		Seed:            42,
		PerSite:         100,
		Jitter:          5,
		Outliers:        2,
		OutlierDistance: 400,
	}
}

// Dresden returns a handful of sites around the Dresden city centre.
func Dresden() []Site {
	return []Site{
		{Region: 0, SiteID: 1001, Lat: 51.0526, Lon: 13.7323},
		{Region: 0, SiteID: 1002, Lat: 51.0493, Lon: 13.7381},
		{Region: 0, SiteID: 1003, Lat: 51.0405, Lon: 13.7319},
		{Region: 0, SiteID: 1004, Lat: 51.0671, Lon: 13.7513},
	}
}

// Generate returns PerSite observations for every site, outliers last within
// each site. The same sites and options always give the same output.
func Generate(sites []Site, opts Options) ([]domain.RawObservation, error) {
	if opts.PerSite <= 0 {
		return nil, fmt.Errorf("per-site count must be positive, got %d", opts.PerSite)
	}
	if opts.Outliers < 0 || opts.Outliers > opts.PerSite {
		return nil, fmt.Errorf("outlier count %d out of range [0, %d]", opts.Outliers, opts.PerSite)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	contributor := uuid.NewSHA1(uuid.NameSpaceOID, []byte("mockdata-contributor"))

	out := make([]domain.RawObservation, 0, len(sites)*opts.PerSite)
	for _, s := range sites {
		center := geo.Point{Lat: s.Lat, Lon: s.Lon}
		for i := range opts.PerSite {
			var p geo.Point
			if i >= opts.PerSite-opts.Outliers {
				p = Offset(center, opts.OutlierDistance, rng.Float64()*2*math.Pi)
			} else {
				// Uniform over the disk.
				p = Offset(center, opts.Jitter*math.Sqrt(rng.Float64()), rng.Float64()*2*math.Pi)
			}
			out = append(out, domain.RawObservation{
				Region:             s.Region,
				SiteID:             s.SiteID,
				Lat:                p.Lat,
				Lon:                p.Lon,
				ContributorSession: uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "session/%d/%d/%d", s.Region, s.SiteID, i)),
				Contributor:        contributor,
			})
		}
	}
	return out, nil
}

// Offset moves p by meters along bearing (radians, clockwise from north) using
// a local flat approximation, which is accurate to well below a meter for the
// distances used here.
func Offset(p geo.Point, meters, bearing float64) geo.Point {
	perDegree := geo.MeanEarthRadius * math.Pi / 180
	dLat := meters * math.Cos(bearing) / perDegree
	dLon := meters * math.Sin(bearing) / (perDegree * math.Cos(p.Lat*math.Pi/180))
	return geo.Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}
}

// Messages wraps observations as source topic messages keyed by site.
func Messages(topic string, obs []domain.RawObservation) ([]domain.RawMessage, error) {
	out := make([]domain.RawMessage, 0, len(obs))
	for i, o := range obs {
		data, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("marshal observation %d: %w", i, err)
		}
		out = append(out, domain.RawMessage{
			Key:    []byte(o.Key().String()),
			Value:  data,
			Topic:  topic,
			Offset: int64(i),
		})
	}
	return out, nil
}
