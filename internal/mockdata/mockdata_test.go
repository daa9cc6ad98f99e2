package mockdata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

func TestGenerate_Deterministic(t *testing.T) {
	a, err := Generate(Dresden(), DefaultOptions())
	require.NoError(t, err)
	b, err := Generate(Dresden(), DefaultOptions())
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Generate mismatch (-first +second):\n%s", diff)
	}
	assert.Len(t, a, len(Dresden())*DefaultOptions().PerSite)
}

func TestGenerate_NoiseBounds(t *testing.T) {
	opts := DefaultOptions()
	obs, err := Generate(Dresden()[:1], opts)
	require.NoError(t, err)

	site := Dresden()[0]
	center := geo.Point{Lat: site.Lat, Lon: site.Lon}
	for i, o := range obs {
		d := geo.Distance(center, o.Coordinates())
		if i >= opts.PerSite-opts.Outliers {
			assert.InDelta(t, opts.OutlierDistance, d, 1, "outlier %d", i)
		} else {
			assert.LessOrEqual(t, d, opts.Jitter+0.01, "sample %d", i)
		}
	}
}

func TestGenerate_RecoversSite(t *testing.T) {
	obs, err := Generate(Dresden(), DefaultOptions())
	require.NoError(t, err)

	for key, group := range domain.GroupBySite(obs) {
		res, err := domain.BuildConsensus(group)
		require.NoError(t, err, key.String())

		var want Site
		for _, s := range Dresden() {
			if s.Key() == key {
				want = s
			}
		}
		assert.Less(t, geo.Distance(res.Coordinates(), geo.Point{Lat: want.Lat, Lon: want.Lon}), 5.0, key.String())
	}
}

func TestGenerate_InvalidOptions(t *testing.T) {
	_, err := Generate(Dresden(), Options{PerSite: 0})
	require.Error(t, err)

	_, err = Generate(Dresden(), Options{PerSite: 3, Outliers: 4})
	require.Error(t, err)
}

func TestMessages(t *testing.T) {
	obs, err := Generate(Dresden()[:1], Options{Seed: 1, PerSite: 3, Jitter: 1})
	require.NoError(t, err)

	msgs, err := Messages("raw-transmission-locations", obs)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	for i, m := range msgs {
		assert.Equal(t, "0/1001", string(m.Key))
		parsed, err := domain.ParseRawObservation(m)
		require.NoError(t, err)
		assert.Equal(t, obs[i], parsed)
	}
}
