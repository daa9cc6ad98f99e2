package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/geo"
	"github.com/tlm-solutions/locations-consensus/internal/observability"
)

// SchemaHeader lets clients pin the LocationsJson version they understand.
const SchemaHeader = "X-Schema-Version"

// LocationStore reads and overrides stored consensus locations.
type LocationStore interface {
	ListRegion(ctx context.Context, region int64) ([]domain.ConsensusLocation, error)
	SetGroundTruth(ctx context.Context, loc domain.ConsensusLocation) (domain.ConsensusLocation, error)
}

// PayloadCache holds built region payloads. A miss is reported through the
// bool, not the error.
type PayloadCache interface {
	Get(ctx context.Context, region int64) (domain.LocationsJson, bool, error)
	Set(ctx context.Context, payload domain.LocationsJson) error
	Invalidate(ctx context.Context, regions ...int64) error
}

// Releaser replaces a site's ground truth with its recomputed consensus. The
// bool is false when there is no consensus and the site was left untouched.
type Releaser interface {
	Release(ctx context.Context, key domain.SiteKey) (domain.ConsensusEvent, bool, error)
}

// LocationsAPI serves consensus locations per region.
type LocationsAPI struct {
	store     LocationStore
	cache     PayloadCache
	releaser  Releaser
	engine    *domain.Engine
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewLocationsAPI wires the handlers. cache and releaser may be nil; without
// a releaser the recompute route is not registered.
func NewLocationsAPI(store LocationStore, cache PayloadCache, releaser Releaser, engine *domain.Engine, metrics *observability.Metrics, logger *slog.Logger) *LocationsAPI {
	return &LocationsAPI{
		store:     store,
		cache:     cache,
		releaser:  releaser,
		engine:    engine,
		metrics:   metrics,
		logger:    logger,
	}
}

func (a *LocationsAPI) register(mux *http.ServeMux) {
	mux.Handle("GET /v3/regions/{region}/locations", a.schemaGuard(a.handleLocations))
	mux.Handle("GET /v3/regions/{region}/locations.geojson", a.schemaGuard(a.handleGeoJSON))
	mux.Handle("PUT /v3/regions/{region}/locations/{site}", a.schemaGuard(a.handleSetGroundTruth))
	if a.releaser != nil {
		mux.Handle("POST /v3/regions/{region}/locations/{site}/recompute", a.schemaGuard(a.handleRecompute))
	}
}

// schemaGuard rejects requests pinned to another schema version.
func (a *LocationsAPI) schemaGuard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get(SchemaHeader); v != "" {
			version, err := strconv.Atoi(v)
			if err == nil {
				err = domain.CheckSchema(version)
			}
			if err != nil {
				writeError(w, http.StatusNotAcceptable, fmt.Sprintf("unsupported schema version %q, serving %d", v, domain.SchemaVersion))
				return
			}
		}
		w.Header().Set(SchemaHeader, strconv.Itoa(domain.SchemaVersion))
		next(w, r)
	})
}

func (a *LocationsAPI) handleLocations(w http.ResponseWriter, r *http.Request) {
	region, ok := pathRegion(w, r)
	if !ok {
		return
	}
	payload, err := a.regionPayload(r.Context(), region)
	if err != nil {
		a.logger.Error("load region failed", "region", region, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load locations")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *LocationsAPI) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	region, ok := pathRegion(w, r)
	if !ok {
		return
	}
	payload, err := a.regionPayload(r.Context(), region)
	if err != nil {
		a.logger.Error("load region failed", "region", region, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load locations")
		return
	}

	data, err := featureCollection(payload).MarshalJSON()
	if err != nil {
		a.logger.Error("encode geojson failed", "region", region, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode locations")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck // client may have gone away
}

type groundTruthRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (a *LocationsAPI) handleSetGroundTruth(w http.ResponseWriter, r *http.Request) {
	key, ok := pathSite(w, r)
	if !ok {
		return
	}

	var req groundTruthRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	p := geo.Point{Lat: *req.Lat, Lon: *req.Lon}
	if !p.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "coordinates out of range")
		return
	}

	loc, err := a.store.SetGroundTruth(r.Context(), domain.ConsensusLocation{
		Region: key.Region,
		SiteID: key.SiteID,
		Lat:    p.Lat,
		Lon:    p.Lon,
	})
	if err != nil {
		a.logger.Error("set ground truth failed", "site", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store location")
		return
	}
	a.invalidate(r.Context(), key.Region)
	writeJSON(w, http.StatusOK, loc)
}

// handleRecompute recomputes a site from its raw observations and, when that
// yields a consensus, releases its ground truth. Without a consensus the
// stored location keeps its flag.
func (a *LocationsAPI) handleRecompute(w http.ResponseWriter, r *http.Request) {
	key, ok := pathSite(w, r)
	if !ok {
		return
	}

	ev, ok, err := a.releaser.Release(r.Context(), key)
	if err != nil {
		a.logger.Error("recompute failed", "site", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to recompute location")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no consensus for site")
		return
	}
	a.invalidate(r.Context(), key.Region)
	writeJSON(w, http.StatusOK, ev)
}

// regionPayload returns the cached payload of region or builds and caches it.
// Cache failures degrade to the store.
func (a *LocationsAPI) regionPayload(ctx context.Context, region int64) (domain.LocationsJson, error) {
	if a.cache != nil {
		payload, hit, err := a.cache.Get(ctx, region)
		switch {
		case err != nil:
			a.metrics.PayloadCache.WithLabelValues("error").Inc()
			a.logger.Warn("payload cache read failed", "region", region, "error", err)
		case hit:
			a.metrics.PayloadCache.WithLabelValues("hit").Inc()
			return payload, nil
		default:
			a.metrics.PayloadCache.WithLabelValues("miss").Inc()
		}
	}

	locs, err := a.store.ListRegion(ctx, region)
	if err != nil {
		return domain.LocationsJson{}, err
	}
	payload, skipped := a.engine.NewLocationsJson(region, locs)
	a.metrics.ProjectionSkipped.Add(float64(skipped))

	if a.cache != nil {
		if err := a.cache.Set(ctx, payload); err != nil {
			a.logger.Warn("payload cache write failed", "region", region, "error", err)
		}
	}
	return payload, nil
}

func (a *LocationsAPI) invalidate(ctx context.Context, region int64) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, region); err != nil {
		a.logger.Warn("payload cache invalidation failed", "region", region, "error", err)
	}
}

// featureCollection renders a payload as point features ordered by site id.
func featureCollection(payload domain.LocationsJson) *geojson.FeatureCollection {
	ids := make([]int32, 0, len(payload.Locations))
	for id := range payload.Locations {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fc := geojson.NewFeatureCollection()
	for _, id := range ids {
		loc := payload.Locations[id]
		f := geojson.NewFeature(orb.Point{loc.Lon, loc.Lat})
		f.ID = id
		f.Properties["region"] = payload.Region
		f.Properties["site_id"] = id
		for k, v := range loc.Properties {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	return fc
}

func pathRegion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	region, err := strconv.ParseInt(r.PathValue("region"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid region")
		return 0, false
	}
	return region, true
}

func pathSite(w http.ResponseWriter, r *http.Request) (domain.SiteKey, bool) {
	region, ok := pathRegion(w, r)
	if !ok {
		return domain.SiteKey{}, false
	}
	site, err := strconv.ParseInt(r.PathValue("site"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid site")
		return domain.SiteKey{}, false
	}
	return domain.SiteKey{Region: region, SiteID: int32(site)}, true
}
