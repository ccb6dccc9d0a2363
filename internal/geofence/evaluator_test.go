package geofence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/fieldsync/internal/domain"
)

func TestEvaluateSelectsNearestSite(t *testing.T) {
	sites := []domain.Site{
		{ID: "far", Latitude: 10, Longitude: 10, RadiusMeters: 100},
		{ID: "near", Latitude: 0.001, Longitude: 0, RadiusMeters: 100},
	}

	result, err := Evaluate(Position{Latitude: 0, Longitude: 0}, sites)
	require.NoError(t, err)
	require.Equal(t, "near", result.Site.ID)
	// One thousandth of a degree of latitude is roughly 111 m.
	require.InDelta(t, 111.2, result.DistanceMeters, 1.0)
	require.False(t, result.WithinRadius)
}

func TestEvaluateInclusiveBoundary(t *testing.T) {
	site := domain.Site{ID: "s1", Latitude: 0, Longitude: 0}
	pos := Position{Latitude: 0.0009, Longitude: 0}
	site.RadiusMeters = Distance(pos, Position{Latitude: site.Latitude, Longitude: site.Longitude})

	result, err := Evaluate(pos, []domain.Site{site})
	require.NoError(t, err)
	require.True(t, result.WithinRadius, "distance exactly at the radius must count as inside")
}

func TestEvaluateWithinRadiusAtSiteCenter(t *testing.T) {
	sites := []domain.Site{{ID: "s1", Latitude: 0, Longitude: 0, RadiusMeters: 50}}

	result, err := Evaluate(Position{Latitude: 0, Longitude: 0}, sites)
	require.NoError(t, err)
	require.True(t, result.WithinRadius)
	require.Zero(t, result.DistanceMeters)
}

func TestEvaluateEmptySiteList(t *testing.T) {
	_, err := Evaluate(Position{}, nil)
	require.ErrorIs(t, err, ErrNoSites)
}

func TestDistanceKnownValue(t *testing.T) {
	// Paris to London, about 344 km.
	paris := Position{Latitude: 48.8566, Longitude: 2.3522}
	london := Position{Latitude: 51.5074, Longitude: -0.1278}

	d := Distance(paris, london)
	if d < 330000 || d > 350000 {
		t.Fatalf("expected roughly 344km, got %.0fm", d)
	}
}
