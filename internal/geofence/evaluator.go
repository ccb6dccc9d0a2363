// Package geofence computes great-circle distances between a device
// position and known site coordinates.
package geofence

import (
	"errors"
	"math"

	"example.com/fieldsync/internal/domain"
)

// earthRadiusMeters is the mean Earth radius used by the haversine
// formula.
const earthRadiusMeters = 6371000.0

// ErrNoSites is returned when evaluation is attempted against an empty
// site list.
var ErrNoSites = errors.New("no sites to evaluate against")

// Position is a WGS84 coordinate pair.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Result reports the nearest site and whether the position falls
// inside its radius. The boundary is inclusive.
type Result struct {
	Site           domain.Site
	DistanceMeters float64
	WithinRadius   bool
}

// Distance returns the haversine surface distance between two
// positions in meters.
func Distance(a, b Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Evaluate selects the site nearest to pos and reports whether pos is
// within its geofence. Pure; the only failure mode is an empty list.
func Evaluate(pos Position, sites []domain.Site) (Result, error) {
	if len(sites) == 0 {
		return Result{}, ErrNoSites
	}

	best := Result{DistanceMeters: math.Inf(1)}
	for _, site := range sites {
		d := Distance(pos, Position{Latitude: site.Latitude, Longitude: site.Longitude})
		if d < best.DistanceMeters {
			best = Result{Site: site, DistanceMeters: d}
		}
	}
	best.WithinRadius = best.DistanceMeters <= best.Site.RadiusMeters
	return best, nil
}
