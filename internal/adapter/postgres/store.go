// Package postgres persists raw observations and consensus locations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

// ErrGroundTruthInput is returned when a computed location claims to be
// ground truth. Only SetGroundTruth may write authoritative rows.
var ErrGroundTruthInput = errors.New("computed location must not be ground truth")

const schema = `
CREATE TABLE IF NOT EXISTS transmission_locations_raw (
	id                  BIGSERIAL PRIMARY KEY,
	region              BIGINT NOT NULL,
	reporting_point     INTEGER NOT NULL,
	lat                 DOUBLE PRECISION NOT NULL,
	lon                 DOUBLE PRECISION NOT NULL,
	trekkie_run         UUID NOT NULL,
	run_owner           UUID NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT unique_session_position UNIQUE (trekkie_run, region, reporting_point)
);

CREATE INDEX IF NOT EXISTS transmission_locations_raw_site
	ON transmission_locations_raw (region, reporting_point, id);

CREATE TABLE IF NOT EXISTS transmission_locations (
	id                  BIGSERIAL PRIMARY KEY,
	region              BIGINT NOT NULL,
	reporting_point     INTEGER NOT NULL,
	lat                 DOUBLE PRECISION NOT NULL,
	lon                 DOUBLE PRECISION NOT NULL,
	ground_truth        BOOLEAN NOT NULL DEFAULT false,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT unique_region_position UNIQUE (region, reporting_point)
);
`

// Store is a pgxpool-backed observation store.
// It implements pipeline.ObservationStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool for databaseURL and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("verify postgres connection: %w", err)
	}
	return pool, nil
}

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendRaw records observations. Replays of an already recorded session
// sample are ignored.
func (s *Store) AppendRaw(ctx context.Context, obs []domain.RawObservation) error {
	if len(obs) == 0 {
		return nil
	}

	const q = `
	INSERT INTO transmission_locations_raw (region, reporting_point, lat, lon, trekkie_run, run_owner)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT ON CONSTRAINT unique_session_position DO NOTHING`

	batch := &pgx.Batch{}
	for _, o := range obs {
		batch.Queue(q, o.Region, o.SiteID, o.Lat, o.Lon, o.ContributorSession, o.Contributor)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append raw observations: %w", err)
	}
	return nil
}

// ListRaw returns up to limit of the most recent observations of a site in
// insertion order.
func (s *Store) ListRaw(ctx context.Context, key domain.SiteKey, limit int) ([]domain.RawObservation, error) {
	const q = `
	SELECT region, reporting_point, lat, lon, trekkie_run, run_owner
	FROM transmission_locations_raw
	WHERE region = $1 AND reporting_point = $2
	ORDER BY id DESC
	LIMIT $3`

	rows, err := s.pool.Query(ctx, q, key.Region, key.SiteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list raw %s: %w", key, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RawObservation, error) {
		var o domain.RawObservation
		err := row.Scan(&o.Region, &o.SiteID, &o.Lat, &o.Lon, &o.ContributorSession, &o.Contributor)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("list raw %s: %w", key, err)
	}
	slices.Reverse(out)
	return out, nil
}

// IsGroundTruth reports whether the stored location of key is authoritative.
// A site without a stored location is not.
func (s *Store) IsGroundTruth(ctx context.Context, key domain.SiteKey) (bool, error) {
	const q = `
	SELECT ground_truth FROM transmission_locations
	WHERE region = $1 AND reporting_point = $2`

	var gt bool
	err := s.pool.QueryRow(ctx, q, key.Region, key.SiteID).Scan(&gt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ground truth %s: %w", key, err)
	}
	return gt, nil
}

// UpsertConsensus stores a computed location unless the site is ground truth.
// It reports whether the row was written.
func (s *Store) UpsertConsensus(ctx context.Context, loc domain.ConsensusLocation) (bool, error) {
	if loc.GroundTruth {
		return false, ErrGroundTruthInput
	}

	const q = `
	INSERT INTO transmission_locations (region, reporting_point, lat, lon, ground_truth)
	VALUES ($1, $2, $3, $4, false)
	ON CONFLICT ON CONSTRAINT unique_region_position DO UPDATE
	SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = now()
	WHERE NOT transmission_locations.ground_truth`

	tag, err := s.pool.Exec(ctx, q, loc.Region, loc.SiteID, loc.Lat, loc.Lon)
	if err != nil {
		return false, fmt.Errorf("upsert consensus %s: %w", loc.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetGroundTruth stores an authoritative location, replacing whatever the
// site had.
func (s *Store) SetGroundTruth(ctx context.Context, loc domain.ConsensusLocation) (domain.ConsensusLocation, error) {
	const q = `
	INSERT INTO transmission_locations (region, reporting_point, lat, lon, ground_truth)
	VALUES ($1, $2, $3, $4, true)
	ON CONFLICT ON CONSTRAINT unique_region_position DO UPDATE
	SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, ground_truth = true, updated_at = now()
	RETURNING id`

	loc.GroundTruth = true
	if err := s.pool.QueryRow(ctx, q, loc.Region, loc.SiteID, loc.Lat, loc.Lon).Scan(&loc.ID); err != nil {
		return domain.ConsensusLocation{}, fmt.Errorf("set ground truth %s: %w", loc.Key(), err)
	}
	s.logger.Info("ground truth stored", "site", loc.Key().String(), "lat", loc.Lat, "lon", loc.Lon)
	return loc, nil
}

// ReplaceConsensus stores a computed location over whatever the site had,
// demoting ground truth.
func (s *Store) ReplaceConsensus(ctx context.Context, loc domain.ConsensusLocation) error {
	if loc.GroundTruth {
		return ErrGroundTruthInput
	}

	const q = `
	INSERT INTO transmission_locations (region, reporting_point, lat, lon, ground_truth)
	VALUES ($1, $2, $3, $4, false)
	ON CONFLICT ON CONSTRAINT unique_region_position DO UPDATE
	SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, ground_truth = false, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, loc.Region, loc.SiteID, loc.Lat, loc.Lon); err != nil {
		return fmt.Errorf("replace consensus %s: %w", loc.Key(), err)
	}
	return nil
}

// ListRegion returns every stored location of a region ordered by site id.
func (s *Store) ListRegion(ctx context.Context, region int64) ([]domain.ConsensusLocation, error) {
	const q = `
	SELECT id, region, reporting_point, lat, lon, ground_truth
	FROM transmission_locations
	WHERE region = $1
	ORDER BY reporting_point`

	rows, err := s.pool.Query(ctx, q, region)
	if err != nil {
		return nil, fmt.Errorf("list region %d: %w", region, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ConsensusLocation, error) {
		var l domain.ConsensusLocation
		err := row.Scan(&l.ID, &l.Region, &l.SiteID, &l.Lat, &l.Lon, &l.GroundTruth)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("list region %d: %w", region, err)
	}
	return out, nil
}
