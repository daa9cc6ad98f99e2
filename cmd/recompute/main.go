// Command recompute runs the consensus engine offline over a JSON fixture of
// raw observations and reports the consensus location or failure reason of
// every site.
//
// Usage:
//
//	go run ./cmd/recompute -in data/mock/observations.json
//	go run ./cmd/recompute -in observations.json -json > locations.json
//	go run ./cmd/recompute -in one_site.json -single
//
// With -single the whole fixture is handed to the engine as one site, and a
// mixed fixture exits with status 2.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/observability"
)

const (
	exitOK                = 0
	exitFailure           = 1
	exitContractViolation = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "path to a JSON array of raw observations")
	maxDistance := fs.Float64("max-distance", domain.SaneInterpolationDistance, "outlier threshold in meters")
	single := fs.Bool("single", false, "treat the whole fixture as one site")
	asJSON := fs.Bool("json", false, "print LocationsJson payloads per region instead of a report")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if *in == "" {
		fs.Usage()
		return exitFailure
	}

	logger := observability.NewLogger(stderr, *logLevel, "text")

	engine, err := domain.NewEngine(domain.EngineConfig{MaxSaneDistance: *maxDistance}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "FATAL: %v\n", err)
		return exitFailure
	}

	obs, err := loadObservations(*in)
	if err != nil {
		fmt.Fprintf(stderr, "FATAL: load %s: %v\n", *in, err)
		return exitFailure
	}

	if *single {
		return runSingle(engine, obs, stdout, stderr)
	}

	results := computeAll(engine, obs)
	if *asJSON {
		return writePayloads(engine, results, stdout, stderr, logger)
	}
	writeReport(results, stdout)
	return exitOK
}

type siteResult struct {
	key    domain.SiteKey
	result domain.ConsensusResult
	err    error
}

// computeAll runs the engine once per site, ordered by region and site id.
func computeAll(engine *domain.Engine, obs []domain.RawObservation) []siteResult {
	groups := domain.GroupBySite(obs)
	keys := make([]domain.SiteKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b domain.SiteKey) int {
		if a.Region != b.Region {
			return cmpInt(a.Region, b.Region)
		}
		return cmpInt(a.SiteID, b.SiteID)
	})

	out := make([]siteResult, 0, len(keys))
	for _, k := range keys {
		res, err := engine.Compute(groups[k])
		out = append(out, siteResult{key: k, result: res, err: err})
	}
	return out
}

func runSingle(engine *domain.Engine, obs []domain.RawObservation, stdout, stderr io.Writer) int {
	res, err := engine.Compute(obs)
	switch {
	case domain.IsContractViolation(err):
		fmt.Fprintf(stderr, "contract violation: %v\n", err)
		return exitContractViolation
	case err != nil:
		fmt.Fprintf(stdout, "no consensus: %s\n", domain.FailureReason(err))
		return exitFailure
	}
	writeReport([]siteResult{{key: res.Location.Key(), result: res}}, stdout)
	return exitOK
}

func writeReport(results []siteResult, w io.Writer) {
	fmt.Fprintf(w, "%-16s %12s %12s %8s %8s  %s\n", "SITE", "LAT", "LON", "SAMPLES", "KEPT", "STATUS")
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(w, "%-16s %12s %12s %8s %8s  %s\n", r.key, "-", "-", "-", "-", domain.FailureReason(r.err))
			continue
		}
		l := r.result.Location
		fmt.Fprintf(w, "%-16s %12.7f %12.7f %8d %8d  ok\n", r.key, l.Lat, l.Lon, r.result.Samples, r.result.Retained)
	}
	fmt.Fprintf(w, "\n%d sites, %d without consensus\n", len(results), failed)
}

func writePayloads(engine *domain.Engine, results []siteResult, stdout, stderr io.Writer, logger *slog.Logger) int {
	byRegion := make(map[int64][]domain.ConsensusLocation)
	var regions []int64
	for _, r := range results {
		if r.err != nil {
			logger.Warn("site skipped", "site", r.key.String(), "reason", domain.FailureReason(r.err))
			continue
		}
		if _, ok := byRegion[r.key.Region]; !ok {
			regions = append(regions, r.key.Region)
		}
		byRegion[r.key.Region] = append(byRegion[r.key.Region], r.result.Location)
	}

	payloads := make([]domain.LocationsJson, 0, len(regions))
	for _, region := range regions {
		p, _ := engine.NewLocationsJson(region, byRegion[region])
		payloads = append(payloads, p)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payloads); err != nil {
		fmt.Fprintf(stderr, "FATAL: encode: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func loadObservations(path string) ([]domain.RawObservation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obs []domain.RawObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, err
	}
	return obs, nil
}

func cmpInt[T int32 | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
