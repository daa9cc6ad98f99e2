package domain

import (
	"fmt"
	"math"

	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

// SchemaVersion tags the LocationsJson layout. Increment on any incompatible
// field change.
const SchemaVersion = 3

// PropertyEPSG3857 is the property bag key holding the Mercator pair.
const PropertyEPSG3857 = "epsg3857"

// Mercator is a projected EPSG:3857 coordinate pair in meters.
type Mercator struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ApiLocation is the served form of a consensus location. Properties may hold
// any JSON-encodable annotation.
type ApiLocation struct {
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	Properties map[string]any `json:"properties"`
}

func (l ApiLocation) Coordinates() geo.Point { return geo.Point{Lat: l.Lat, Lon: l.Lon} }

// LocationsJson is every served location of one region, keyed by site id.
type LocationsJson struct {
	Schema    int                   `json:"schema"`
	Region    int64                 `json:"region"`
	Locations map[int32]ApiLocation `json:"transmission_locations"`
}

// CheckSchema rejects payloads of any version other than SchemaVersion.
func CheckSchema(version int) error {
	if version != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, version, SchemaVersion)
	}
	return nil
}

// ToApiLocation converts a stored location to its served form with an empty
// property bag.
func ToApiLocation(l ConsensusLocation) ApiLocation {
	return ApiLocation{Lat: l.Lat, Lon: l.Lon, Properties: map[string]any{}}
}

// AnnotateMercator writes the EPSG:3857 projection of loc into its property
// bag, replacing any previous value. When the projection is not finite, for
// instance at the poles, the bag is left untouched, a warning is logged and
// false is returned.
func (e *Engine) AnnotateMercator(loc *ApiLocation) bool {
	if loc == nil {
		return false
	}
	p := loc.Coordinates()
	if !(p.Lat > -90 && p.Lat < 90) || !finite(p.Lon) {
		e.logger.Warn("epsg3857 property update skipped: coordinates cannot be projected",
			"lat", p.Lat, "lon", p.Lon)
		return false
	}

	x, y := geo.Mercator(p, e.cfg.MercatorRadius)
	if !finite(x) || !finite(y) {
		e.logger.Warn("epsg3857 property update skipped: projection is not finite",
			"lat", p.Lat, "lon", p.Lon, "x", x, "y", y)
		return false
	}

	if loc.Properties == nil {
		loc.Properties = make(map[string]any, 1)
	}
	loc.Properties[PropertyEPSG3857] = Mercator{X: x, Y: y}
	return true
}

// AnnotateMercator applies the default engine.
func AnnotateMercator(loc *ApiLocation) bool {
	return defaultEngine.AnnotateMercator(loc)
}

// NewLocationsJson builds the served payload for region and annotates every
// entry. It returns the payload and the number of entries whose annotation
// was skipped.
func (e *Engine) NewLocationsJson(region int64, locs []ConsensusLocation) (LocationsJson, int) {
	out := LocationsJson{
		Schema:    SchemaVersion,
		Region:    region,
		Locations: make(map[int32]ApiLocation, len(locs)),
	}
	skipped := 0
	for _, l := range locs {
		api := ToApiLocation(l)
		if !e.AnnotateMercator(&api) {
			skipped++
		}
		out.Locations[l.SiteID] = api
	}
	return out, skipped
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
