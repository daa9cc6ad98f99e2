// Package geo holds the spherical geometry used by the consensus engine:
// great-circle distance, coordinate-wise centroids and the Web-Mercator
// projection. Everything here is a pure function of its arguments.
package geo

import "math"

const (
	// MeanEarthRadius is the spherical Earth radius in meters used for
	// haversine distances.
	MeanEarthRadius = 6_371_000.0

	// MercatorEarthRadius is the WGS-84 equatorial radius in meters used by
	// EPSG:3857. It is intentionally distinct from MeanEarthRadius.
	MercatorEarthRadius = 6_378_137.0
)

// Point is a WGS-84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Coordinates lets a bare Point satisfy Locator.
func (p Point) Coordinates() Point { return p }

// Locator is implemented by anything positioned by a latitude/longitude pair.
type Locator interface {
	Coordinates() Point
}

// Haversine returns the great-circle distance in meters between a and b on a
// sphere of the given radius.
func Haversine(a, b Point, radius float64) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(b.Lon) - toRadians(a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return radius * c
}

// Distance returns the haversine distance in meters between a and b using
// MeanEarthRadius.
func Distance(a, b Point) float64 {
	return Haversine(a, b, MeanEarthRadius)
}

// DistanceTo returns the distance in meters between any two located values.
func DistanceTo(a, b Locator) float64 {
	return Distance(a.Coordinates(), b.Coordinates())
}

// Centroid returns the arithmetic mean of latitudes and longitudes taken
// independently. It is not a geodesic centroid. Returns the zero Point for
// empty input.
func Centroid[T Locator](items []T) Point {
	if len(items) == 0 {
		return Point{}
	}
	var sumLat, sumLon float64
	for _, it := range items {
		p := it.Coordinates()
		sumLat += p.Lat
		sumLon += p.Lon
	}
	n := float64(len(items))
	return Point{Lat: sumLat / n, Lon: sumLon / n}
}

// Mercator projects p onto the EPSG:3857 plane for a sphere of the given
// radius. The result may be non-finite near the poles; callers must check.
func Mercator(p Point, radius float64) (x, y float64) {
	x = radius * toRadians(p.Lon)
	y = radius * math.Log(math.Tan(toRadians(p.Lat)/2+math.Pi/4))
	return x, y
}

// Valid reports whether p is finite and within the WGS-84 coordinate ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
