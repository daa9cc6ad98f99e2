package domain

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

const (
	testRegion int64 = 1
	testSite   int32 = 4711
)

var (
	testSession     = uuid.MustParse("9b2d0f0e-63a4-4d47-9d0b-0a1f1f7c2c11")
	testContributor = uuid.MustParse("0e0c7c55-8ad4-4b8b-bc44-7d0f8c2a9f42")
)

func obs(lat, lon float64) RawObservation {
	return RawObservation{
		Region:             testRegion,
		SiteID:             testSite,
		Lat:                lat,
		Lon:                lon,
		ContributorSession: testSession,
		Contributor:        testContributor,
	}
}

// metersToLonDegrees returns the equatorial longitude offset for d meters.
func metersToLonDegrees(d float64) float64 {
	return d / geo.MeanEarthRadius * 180 / math.Pi
}

func TestNewEngine(t *testing.T) {
	t.Run("zero config takes defaults", func(t *testing.T) {
		e, err := NewEngine(EngineConfig{}, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultEngineConfig(), e.Config())
	})

	t.Run("radii stay distinct", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		assert.Equal(t, 6_371_000.0, cfg.MeanEarthRadius)
		assert.Equal(t, 6_378_137.0, cfg.MercatorRadius)
		assert.Equal(t, 50.0, cfg.MaxSaneDistance)
	})

	invalid := []EngineConfig{
		{MaxSaneDistance: -1},
		{MeanEarthRadius: math.NaN()},
		{MercatorRadius: math.Inf(1)},
	}
	for _, cfg := range invalid {
		_, err := NewEngine(cfg, nil)
		assert.Error(t, err, "config %+v", cfg)
	}
}

func TestFilterOutliers(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := FilterOutliers(nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("keeps clustered samples", func(t *testing.T) {
		in := []RawObservation{obs(52.5200, 13.4050), obs(52.5201, 13.4051), obs(52.5199, 13.4049)}
		out, err := FilterOutliers(in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("all outliers", func(t *testing.T) {
		// Square corners ~280 m from their own centroid.
		d := 0.0018
		in := []RawObservation{obs(d, d), obs(d, -d), obs(-d, d), obs(-d, -d)}
		_, err := FilterOutliers(in)
		assert.ErrorIs(t, err, ErrNoMatches)
	})

	t.Run("single pass keeps outlier-biased centroid", func(t *testing.T) {
		// Two samples 1 m apart plus one 10 km away: the centroid lands ~3.3 km
		// from the pair, so everything is rejected.
		in := []RawObservation{
			obs(0, 0),
			obs(0, metersToLonDegrees(1)),
			obs(0, metersToLonDegrees(10_000)),
		}
		_, err := FilterOutliers(in)
		assert.ErrorIs(t, err, ErrNoMatches)
	})
}

func TestFilterOutliers_ThresholdBoundary(t *testing.T) {
	// Samples symmetric around the origin keep the centroid at exactly (0, 0).
	symmetric := func(d float64) []RawObservation {
		delta := metersToLonDegrees(d)
		return []RawObservation{obs(0, -delta), obs(0, delta), obs(0, 0)}
	}

	t.Run("49.999 m retained", func(t *testing.T) {
		out, err := FilterOutliers(symmetric(49.999))
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("50.001 m excluded", func(t *testing.T) {
		out, err := FilterOutliers(symmetric(50.001))
		require.NoError(t, err)
		assert.Equal(t, []RawObservation{obs(0, 0)}, out)
	})

	t.Run("exactly at threshold excluded", func(t *testing.T) {
		in := symmetric(50)
		exact := geo.Distance(in[1].Coordinates(), geo.Point{})
		require.InDelta(t, 50.0, exact, 1e-6)

		e, err := NewEngine(EngineConfig{MaxSaneDistance: exact}, nil)
		require.NoError(t, err)
		out, err := e.FilterOutliers(in)
		require.NoError(t, err)
		assert.NotContains(t, out, in[1])
		assert.Contains(t, out, in[2])

		e, err = NewEngine(EngineConfig{MaxSaneDistance: math.Nextafter(exact, math.Inf(1))}, nil)
		require.NoError(t, err)
		out, err = e.FilterOutliers(in)
		require.NoError(t, err)
		assert.Contains(t, out, in[1])
	})
}

func TestBuildConsensus_EndToEnd(t *testing.T) {
	in := []RawObservation{obs(52.5200, 13.4050), obs(52.5201, 13.4051), obs(52.5199, 13.4049)}

	loc, err := BuildConsensus(in)
	require.NoError(t, err)

	assert.Equal(t, testRegion, loc.Region)
	assert.Equal(t, testSite, loc.SiteID)
	assert.InDelta(t, 52.52000, loc.Lat, 1e-9)
	assert.InDelta(t, 13.40500, loc.Lon, 1e-9)
	assert.False(t, loc.GroundTruth)
	assert.Zero(t, loc.ID)
}

func TestBuildConsensus_Deterministic(t *testing.T) {
	in := []RawObservation{obs(51.0504, 13.7373), obs(51.05041, 13.73731), obs(51.05039, 13.73729), obs(51.0505, 13.7374)}

	first, err := BuildConsensus(in)
	require.NoError(t, err)
	for range 10 {
		again, err := BuildConsensus(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuildConsensus_RejectsDistantOutlier(t *testing.T) {
	// With enough clustered samples the far point shifts the centroid by
	// ~40 m only, so the cluster survives and the far point is dropped.
	var cluster []RawObservation
	for i := range 250 {
		if i%2 == 0 {
			cluster = append(cluster, obs(52.52, 13.405))
		} else {
			cluster = append(cluster, obs(52.52, 13.40501))
		}
	}
	far := obs(52.52+10_000/geo.MeanEarthRadius*180/math.Pi, 13.405)
	in := append(append([]RawObservation{}, cluster...), far)

	res, err := defaultEngine.Compute(in)
	require.NoError(t, err)

	want := geo.Centroid(cluster)
	assert.Equal(t, want.Lat, res.Location.Lat)
	assert.Equal(t, want.Lon, res.Location.Lon)
	assert.Equal(t, 251, res.Samples)
	assert.Equal(t, 250, res.Retained)
	assert.Equal(t, 1, res.Rejected())
}

func TestBuildConsensus_Errors(t *testing.T) {
	otherRegion := obs(52.52, 13.405)
	otherRegion.Region = 2
	otherSite := obs(52.52, 13.405)
	otherSite.SiteID = 42
	both := obs(52.52, 13.405)
	both.Region = 2
	both.SiteID = 42

	tests := []struct {
		name string
		in   []RawObservation
		want error
	}{
		{"empty", nil, ErrEmptyInput},
		{"region mismatch", []RawObservation{obs(52.52, 13.405), otherRegion}, ErrRegionMismatch},
		{"reporting point mismatch", []RawObservation{obs(52.52, 13.405), otherSite}, ErrReportingPointMismatch},
		{"region checked first", []RawObservation{obs(52.52, 13.405), both}, ErrRegionMismatch},
		{"mismatch after valid prefix", []RawObservation{obs(52.52, 13.405), obs(52.52, 13.405), otherSite}, ErrReportingPointMismatch},
		{"no matches propagated", []RawObservation{obs(0, 0), obs(0, 1)}, ErrNoMatches},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildConsensus(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", FailureReason(nil))
	assert.Equal(t, "empty_input", FailureReason(ErrEmptyInput))
	assert.Equal(t, "region_mismatch", FailureReason(ErrRegionMismatch))
	assert.Equal(t, "reporting_point_mismatch", FailureReason(ErrReportingPointMismatch))
	assert.Equal(t, "no_matches", FailureReason(ErrNoMatches))
	assert.Equal(t, "other", FailureReason(assert.AnError))

	assert.True(t, IsContractViolation(ErrRegionMismatch))
	assert.True(t, IsContractViolation(ErrReportingPointMismatch))
	assert.False(t, IsContractViolation(ErrNoMatches))
}

func TestGroupBySite(t *testing.T) {
	a := obs(1, 1)
	b := obs(2, 2)
	c := obs(3, 3)
	c.SiteID = 99

	groups := GroupBySite([]RawObservation{a, c, b})
	require.Len(t, groups, 2)
	assert.Equal(t, []RawObservation{a, b}, groups[SiteKey{Region: testRegion, SiteID: testSite}])
	assert.Equal(t, []RawObservation{c}, groups[SiteKey{Region: testRegion, SiteID: 99}])
	assert.Equal(t, "1/99", c.Key().String())
}
