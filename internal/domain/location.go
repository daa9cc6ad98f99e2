package domain

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

// SiteKey identifies one physical transmission point.
type SiteKey struct {
	Region int64 `json:"region"`
	SiteID int32 `json:"site_id"`
}

func (k SiteKey) String() string {
	return fmt.Sprintf("%d/%d", k.Region, k.SiteID)
}

// RawObservation is one position sample for a site, contributed by a single
// measurement session. Observations are immutable once recorded.
type RawObservation struct {
	Region             int64     `json:"region"`
	SiteID             int32     `json:"site_id"`
	Lat                float64   `json:"lat"`
	Lon                float64   `json:"lon"`
	ContributorSession uuid.UUID `json:"contributor_session"`
	Contributor        uuid.UUID `json:"contributor"`
}

func (o RawObservation) Coordinates() geo.Point { return geo.Point{Lat: o.Lat, Lon: o.Lon} }

// Key returns the site the observation belongs to.
func (o RawObservation) Key() SiteKey { return SiteKey{Region: o.Region, SiteID: o.SiteID} }

// ConsensusLocation is the authoritative position of a site. ID is the storage
// surrogate key and is zero for freshly computed values.
type ConsensusLocation struct {
	ID          int64   `json:"id,omitempty"`
	Region      int64   `json:"region"`
	SiteID      int32   `json:"site_id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	GroundTruth bool    `json:"ground_truth"`
}

func (l ConsensusLocation) Coordinates() geo.Point { return geo.Point{Lat: l.Lat, Lon: l.Lon} }

// Key returns the site the location belongs to.
func (l ConsensusLocation) Key() SiteKey { return SiteKey{Region: l.Region, SiteID: l.SiteID} }

// GroupBySite partitions observations by site, preserving input order within
// each group. Use it only where mixed input is expected, such as a message
// batch; the engine itself rejects mixed sets.
func GroupBySite(obs []RawObservation) map[SiteKey][]RawObservation {
	out := make(map[SiteKey][]RawObservation)
	for _, o := range obs {
		k := o.Key()
		out[k] = append(out[k], o)
	}
	return out
}
