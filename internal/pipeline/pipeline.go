package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/observability"
)

// BatchExtractor reads up to batchSize raw messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// ObservationStore persists raw observations and consensus locations.
type ObservationStore interface {
	AppendRaw(ctx context.Context, obs []domain.RawObservation) error
	// ListRaw returns up to limit of the most recent observations of a site
	// in insertion order.
	ListRaw(ctx context.Context, key domain.SiteKey, limit int) ([]domain.RawObservation, error)
	IsGroundTruth(ctx context.Context, key domain.SiteKey) (bool, error)
	// UpsertConsensus stores loc unless the site is ground truth and reports
	// whether it did.
	UpsertConsensus(ctx context.Context, loc domain.ConsensusLocation) (bool, error)
	// ReplaceConsensus stores loc as a computed location even over ground truth.
	ReplaceConsensus(ctx context.Context, loc domain.ConsensusLocation) error
}

// BatchLoader writes multiple consensus events to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, events []domain.ConsensusEvent) error
}

// CacheInvalidator drops cached region payloads.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, regions ...int64) error
}

// Options tunes a Pipeline. Zero values take defaults.
type Options struct {
	BatchSize  int
	Workers    int
	MaxSamples int
	// Invalidator is optional.
	Invalidator CacheInvalidator
	// Locks may be shared with other recompute callers.
	Locks *SiteLocks
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 10000
	}
	if o.Locks == nil {
		o.Locks = NewSiteLocks()
	}
	return o
}

// Pipeline orchestrates the extract-recompute-publish loop.
type Pipeline struct {
	extractor BatchExtractor
	store     ObservationStore
	engine    *domain.Engine
	loader    BatchLoader
	logger    *slog.Logger
	metrics   *observability.Metrics
	opts      Options
	ready     atomic.Bool
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, s ObservationStore, engine *domain.Engine, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	return &Pipeline{
		extractor: e,
		store:     s,
		engine:    engine,
		loader:    l,
		logger:    logger,
		metrics:   metrics,
		opts:      opts.withDefaults(),
	}
}

// CheckReadiness returns nil if the pipeline has processed at least one batch,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any messages yet")
	}
	return nil
}

// Run executes the batch loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"batch_size", p.opts.BatchSize,
		"workers", p.opts.Workers,
		"max_samples", p.opts.MaxSamples,
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	// A batch whose store or publish step failed is retried as a whole before
	// anything new is extracted, so offsets are never committed past it.
	var pending []domain.RawMessage

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if pending == nil {
			batch, err := p.extractor.ExtractBatch(ctx, p.opts.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("extract batch failed", "error", err, "fetched", len(batch))
				// Fetched messages are past the reader's position and must be
				// processed before any later offset is committed.
				if len(batch) == 0 {
					if !p.backoffOrStop(ctx, &backoff, maxBackoff) {
						return nil
					}
					continue
				}
			}
			if len(batch) == 0 {
				continue
			}
			p.metrics.ObservationsConsumed.Add(float64(len(batch)))
			p.metrics.BatchSize.Observe(float64(len(batch)))
			pending = batch
		}

		start := time.Now()
		if err := p.processBatch(ctx, pending); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("process batch failed, retrying", "error", err, "batch_size", len(pending))
			if !p.backoffOrStop(ctx, &backoff, maxBackoff) {
				return nil
			}
			continue
		}

		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
		backoff = 200 * time.Millisecond
		pending = nil
	}
}

// processBatch parses, stores and recomputes one batch, publishes the new
// locations and commits the offsets. A returned error means nothing was
// committed and the batch should be retried.
func (p *Pipeline) processBatch(ctx context.Context, batch []domain.RawMessage) error {
	obs := make([]domain.RawObservation, 0, len(batch))
	for _, msg := range batch {
		o, err := domain.ParseRawObservation(msg)
		if err != nil {
			p.logger.Warn("invalid observation, skipping message",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			p.metrics.InvalidObservations.Inc()
			continue
		}
		obs = append(obs, o)
	}

	if len(obs) > 0 {
		if err := p.store.AppendRaw(ctx, obs); err != nil {
			return fmt.Errorf("append raw observations: %w", err)
		}

		events, err := p.RecomputeSites(ctx, touchedSites(obs))
		if err != nil {
			return err
		}

		if err := p.publish(ctx, events); err != nil {
			return err
		}
	}

	for _, msg := range batch {
		p.commitOffset(ctx, msg)
	}
	return nil
}

// RecomputeSites rebuilds the consensus of every given site and returns one
// event per stored location, ordered by region and site id. Sites that are
// ground truth or whose samples yield no consensus are skipped. Only store
// failures are returned.
func (p *Pipeline) RecomputeSites(ctx context.Context, keys []domain.SiteKey) ([]domain.ConsensusEvent, error) {
	var (
		mu     sync.Mutex
		events = make([]domain.ConsensusEvent, 0, len(keys))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, key := range keys {
		g.Go(func() error {
			ev, ok, err := p.RecomputeSite(gctx, key)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortEvents(events)
	return events, nil
}

// Release recomputes a site ignoring its ground truth flag. Only when the
// samples yield a consensus is the stored location replaced by it as a
// computed row, published and invalidated. The bool is false when there is
// no consensus; the stored location is then left as it was.
func (p *Pipeline) Release(ctx context.Context, key domain.SiteKey) (domain.ConsensusEvent, bool, error) {
	unlock := p.opts.Locks.Lock(key)
	defer unlock()

	res, ok, err := p.compute(ctx, key)
	if err != nil || !ok {
		return domain.ConsensusEvent{}, false, err
	}
	if err := p.store.ReplaceConsensus(ctx, res.Location); err != nil {
		return domain.ConsensusEvent{}, false, fmt.Errorf("replace consensus %s: %w", key, err)
	}
	p.logger.Info("ground truth released", "site", key.String(), "lat", res.Location.Lat, "lon", res.Location.Lon)

	ev := domain.NewConsensusEvent(res)
	if err := p.publish(ctx, []domain.ConsensusEvent{ev}); err != nil {
		return domain.ConsensusEvent{}, false, err
	}
	return ev, true, nil
}

// RecomputeSite rebuilds one site under its lock. The bool is false when the
// site was skipped.
func (p *Pipeline) RecomputeSite(ctx context.Context, key domain.SiteKey) (domain.ConsensusEvent, bool, error) {
	unlock := p.opts.Locks.Lock(key)
	defer unlock()

	start := time.Now()
	defer func() { p.metrics.SiteRecomputeDuration.Observe(time.Since(start).Seconds()) }()

	gt, err := p.store.IsGroundTruth(ctx, key)
	if err != nil {
		return domain.ConsensusEvent{}, false, fmt.Errorf("ground truth lookup %s: %w", key, err)
	}
	if gt {
		p.metrics.GroundTruthSkips.Inc()
		p.logger.Debug("site is ground truth, skipping", "site", key.String())
		return domain.ConsensusEvent{}, false, nil
	}

	res, ok, err := p.compute(ctx, key)
	if err != nil || !ok {
		return domain.ConsensusEvent{}, false, err
	}

	applied, err := p.store.UpsertConsensus(ctx, res.Location)
	if err != nil {
		return domain.ConsensusEvent{}, false, fmt.Errorf("upsert consensus %s: %w", key, err)
	}
	if !applied {
		// Ground truth landed between the check and the write.
		p.metrics.GroundTruthSkips.Inc()
		return domain.ConsensusEvent{}, false, nil
	}

	return domain.NewConsensusEvent(res), true, nil
}

// compute runs the engine over the most recent samples of key. The bool is
// false when the samples yield no consensus.
func (p *Pipeline) compute(ctx context.Context, key domain.SiteKey) (domain.ConsensusResult, bool, error) {
	raw, err := p.store.ListRaw(ctx, key, p.opts.MaxSamples)
	if err != nil {
		return domain.ConsensusResult{}, false, fmt.Errorf("list raw %s: %w", key, err)
	}

	res, err := p.engine.Compute(raw)
	if err != nil {
		reason := domain.FailureReason(err)
		p.metrics.ConsensusFailures.WithLabelValues(reason).Inc()
		p.logger.Warn("no consensus for site",
			"site", key.String(),
			"reason", reason,
			"samples", len(raw),
		)
		return domain.ConsensusResult{}, false, nil
	}
	p.metrics.OutliersRejected.Add(float64(res.Rejected()))
	return res, true, nil
}

// publish sends events to the loader and drops the cached regions.
func (p *Pipeline) publish(ctx context.Context, events []domain.ConsensusEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := p.loader.LoadBatch(ctx, events); err != nil {
		return fmt.Errorf("publish consensus: %w", err)
	}
	p.metrics.ConsensusPublished.Add(float64(len(events)))
	p.invalidate(ctx, events)
	return nil
}

func (p *Pipeline) invalidate(ctx context.Context, events []domain.ConsensusEvent) {
	if p.opts.Invalidator == nil {
		return
	}
	regions := make([]int64, 0, len(events))
	for _, ev := range events {
		if len(regions) == 0 || regions[len(regions)-1] != ev.Location.Region {
			regions = append(regions, ev.Location.Region)
		}
	}
	if err := p.opts.Invalidator.Invalidate(ctx, regions...); err != nil {
		p.logger.Warn("payload cache invalidation failed", "error", err, "regions", regions)
	}
}

// touchedSites lists the distinct sites in obs in order of first appearance.
func touchedSites(obs []domain.RawObservation) []domain.SiteKey {
	seen := make(map[domain.SiteKey]struct{}, len(obs))
	keys := make([]domain.SiteKey, 0)
	for _, o := range obs {
		k := o.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

func sortEvents(events []domain.ConsensusEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i].Location, events[j].Location
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		return a.SiteID < b.SiteID
	})
}

// backoffOrStop sleeps with the current backoff and advances it. Returns false
// if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, msg domain.RawMessage) {
	if msg.Commit == nil {
		return
	}
	if err := msg.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
