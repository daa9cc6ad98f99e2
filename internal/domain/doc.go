// Package domain turns crowd-sourced observations of fixed transmission
// points into one consensus location per site.
//
// # Sites
//
// A site (reporting point) is identified by the pair (region, site id). The
// region is a numeric administrative area; the site id is the reporting point
// number carried by the telegrams a transmitter emits. Contributors record
// where they were when a telegram for the site was received and submit one
// [RawObservation] per measurement session.
//
// # Consensus
//
// [Engine.BuildConsensus] reduces every raw observation of one site to a
// single [ConsensusLocation]:
//
//	1. all samples must agree on region and site id, otherwise the set is
//	   rejected with [ErrRegionMismatch] or [ErrReportingPointMismatch]
//	2. the centroid is the plain mean of latitudes and of longitudes
//	3. samples at or beyond the sanity threshold (50 m by default) from the
//	   centroid are dropped; if none remain the result is [ErrNoMatches]
//	4. the consensus coordinate is the mean of the retained samples
//
// The filter makes a single pass. The centroid is not recomputed after
// outliers are removed, so heavy contamination biases it. This is a known
// characteristic, kept for its stability.
//
// Consensus results are never ground truth. Ground-truth locations come from
// authoritative sources and the storage layer refuses to overwrite them with
// computed results.
//
// # Serving
//
// [LocationsJson] is the read-side payload for one region. Its layout is
// versioned by [SchemaVersion]; consumers call [CheckSchema] and reject
// payloads of another version. Each [ApiLocation] carries an open property
// bag; [Engine.AnnotateMercator] adds the EPSG:3857 pair under
// [PropertyEPSG3857].
//
// # Radii
//
// Distances use the mean Earth radius (6,371,000 m). The Mercator projection
// uses the WGS-84 equatorial radius (6,378,137 m). The two are configured
// separately in [EngineConfig].
package domain
