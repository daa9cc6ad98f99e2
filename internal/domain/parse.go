package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tlm-solutions/locations-consensus/internal/geo"
)

// ErrInvalidObservation marks a source message that cannot become a
// RawObservation.
var ErrInvalidObservation = errors.New("invalid observation")

var observationFields = []string{"region", "site_id", "lat", "lon", "contributor_session", "contributor"}

// ParseRawObservation decodes a source message of the form
//
//	{"region":1,"site_id":1234,"lat":51.05,"lon":13.74,
//	 "contributor_session":"<uuid>","contributor":"<uuid>"}
//
// Coordinates must be finite and within WGS-84 ranges and the session id must
// be set.
func ParseRawObservation(msg RawMessage) (RawObservation, error) {
	if !gjson.ValidBytes(msg.Value) {
		return RawObservation{}, fmt.Errorf("%w: malformed json", ErrInvalidObservation)
	}

	res := gjson.GetManyBytes(msg.Value, observationFields...)
	for i, r := range res {
		if !r.Exists() {
			return RawObservation{}, fmt.Errorf("%w: missing %s", ErrInvalidObservation, observationFields[i])
		}
	}
	for i := 0; i < 4; i++ {
		if res[i].Type != gjson.Number {
			return RawObservation{}, fmt.Errorf("%w: %s is not a number", ErrInvalidObservation, observationFields[i])
		}
	}

	for i := 0; i < 2; i++ {
		if res[i].Float() != float64(res[i].Int()) {
			return RawObservation{}, fmt.Errorf("%w: %s is not an integer", ErrInvalidObservation, observationFields[i])
		}
	}

	siteID := res[1].Int()
	if siteID < math.MinInt32 || siteID > math.MaxInt32 {
		return RawObservation{}, fmt.Errorf("%w: site_id %d out of range", ErrInvalidObservation, siteID)
	}

	p := geo.Point{Lat: res[2].Float(), Lon: res[3].Float()}
	if !p.Valid() {
		return RawObservation{}, fmt.Errorf("%w: coordinates %v out of range", ErrInvalidObservation, p)
	}

	session, err := uuid.Parse(res[4].String())
	if err != nil {
		return RawObservation{}, fmt.Errorf("%w: contributor_session: %v", ErrInvalidObservation, err)
	}
	if session == uuid.Nil {
		return RawObservation{}, fmt.Errorf("%w: contributor_session is nil", ErrInvalidObservation)
	}
	contributor, err := uuid.Parse(res[5].String())
	if err != nil {
		return RawObservation{}, fmt.Errorf("%w: contributor: %v", ErrInvalidObservation, err)
	}

	return RawObservation{
		Region:             res[0].Int(),
		SiteID:             int32(siteID),
		Lat:                p.Lat,
		Lon:                p.Lon,
		ContributorSession: session,
		Contributor:        contributor,
	}, nil
}
