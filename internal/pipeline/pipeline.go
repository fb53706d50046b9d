package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/observability"
)

// Fetcher retrieves raw records for every entity of a batch in one request.
type Fetcher interface {
	FetchBatch(ctx context.Context, batch domain.Batch, tr domain.TimeRange, mode domain.Mode) ([]domain.RawRecordSet, error)
}

// Normalizer turns a fetched batch into series on the canonical index. It
// either normalizes the whole batch or returns an error.
type Normalizer interface {
	NormalizeBatch(ctx context.Context, batch domain.Batch, raw []domain.RawRecordSet) (BatchResult, error)
}

// Store is the persistent destination: it answers what is already done and
// durably appends series.
type Store interface {
	NotDone(ctx context.Context, all []domain.EntityID) ([]domain.EntityID, error)
	Flush(ctx context.Context, series []domain.NormalizedSeries) error
}

// FlushNotifier is told about each durable flush. Failures are logged only.
type FlushNotifier interface {
	NotifyFlush(ctx context.Context, event domain.FlushEvent) error
}

// BatchResult is the normalized content of one batch.
type BatchResult struct {
	Series []domain.NormalizedSeries
	// Dropped lists entities with no records left after quality filtering.
	Dropped []domain.EntityID
}

// Options configure a run.
type Options struct {
	// Entities is the catalog for the run, in catalog order.
	Entities []domain.EntityID
	Range    domain.TimeRange
	Mode     domain.Mode
	// BatchSize is the number of entities per request.
	BatchSize int
	// FlushEveryNBatches sets the flush threshold to BatchSize*FlushEveryNBatches
	// normalized entities.
	FlushEveryNBatches int
	// Destination labels flush events, e.g. "array:data/streamflow.db".
	Destination string
	Notifier    FlushNotifier
}

func (o Options) flushThreshold() int {
	return max(o.BatchSize, 1) * max(o.FlushEveryNBatches, 1)
}

// Report summarizes a run. On abort it still names the last completed flush.
type Report struct {
	RunID           string
	Catalog         int
	Remaining       int
	Batches         int
	BatchesFailed   int
	EntitiesFetched int
	EntitiesDropped int
	EntitiesWritten int
	Flushes         int
	LastFlushAt     time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Pipeline orchestrates the fetch-normalize-accumulate-flush loop.
type Pipeline struct {
	fetcher    Fetcher
	normalizer Normalizer
	store      Store
	logger     *slog.Logger
	metrics    *observability.Metrics
	opts       Options
	ready      atomic.Bool
	progress   progress
}

// progress mirrors the report of the current run for concurrent readers.
type progress struct {
	remaining atomic.Int64
	batches   atomic.Int64
	written   atomic.Int64
	flushes   atomic.Int64
}

// Progress is a point-in-time view of the current run.
type Progress struct {
	Ready     bool `json:"ready"`
	Remaining int  `json:"remaining"`
	Batches   int  `json:"batches"`
	Written   int  `json:"entities_written"`
	Flushes   int  `json:"flushes"`
}

// New creates a Pipeline with the given stages and observability.
func New(f Fetcher, n Normalizer, s Store, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	return &Pipeline{
		fetcher:    f,
		normalizer: n,
		store:      s,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
	}
}

// CheckReadiness returns nil once the run knows which entities remain.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not computed the remaining entities yet")
	}
	return nil
}

// Progress returns the counters of the current run. Safe for concurrent use.
func (p *Pipeline) Progress() Progress {
	return Progress{
		Ready:     p.ready.Load(),
		Remaining: int(p.progress.remaining.Load()),
		Batches:   int(p.progress.batches.Load()),
		Written:   int(p.progress.written.Load()),
		Flushes:   int(p.progress.flushes.Load()),
	}
}

// Run processes every entity the store does not hold yet, in catalog order.
// Batches with a malformed response or record are abandoned and stay
// outstanding for the next run. Any other failure stops the run: series
// buffered since the last flush are discarded and the error is returned with
// a report naming the last completed flush.
func (p *Pipeline) Run(ctx context.Context) (rep Report, err error) {
	rep = Report{
		RunID:     uuid.NewString(),
		Catalog:   len(p.opts.Entities),
		StartedAt: domain.Now(),
	}
	defer func() { rep.FinishedAt = domain.Now() }()

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	remaining, err := p.store.NotDone(ctx, p.opts.Entities)
	if err != nil {
		return rep, fmt.Errorf("compute remaining: %w", err)
	}
	rep.Remaining = len(remaining)
	p.metrics.EntitiesRemaining.Set(float64(len(remaining)))
	p.progress.remaining.Store(int64(len(remaining)))
	p.ready.Store(true)

	threshold := p.opts.flushThreshold()
	p.logger.Info("pipeline started",
		"run_id", rep.RunID,
		"catalog", rep.Catalog,
		"remaining", rep.Remaining,
		"batches", domain.BatchCount(len(remaining), p.opts.BatchSize),
		"batch_size", p.opts.BatchSize,
		"flush_threshold", threshold,
	)
	if len(remaining) == 0 {
		p.logger.Info("nothing to do, every entity is stored", "run_id", rep.RunID)
		return rep, nil
	}

	var buf buffer
	for batch := range domain.Batches(remaining, p.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return rep, p.abort(&rep, &buf, err)
		}

		series, err := p.processBatch(ctx, batch, &rep)
		if err != nil {
			return rep, p.abort(&rep, &buf, err)
		}
		if buf.add(series, threshold) {
			if err := p.flush(ctx, &buf, &rep); err != nil {
				return rep, p.abort(&rep, &buf, err)
			}
		}
	}

	if buf.len() > 0 {
		if err := p.flush(ctx, &buf, &rep); err != nil {
			return rep, p.abort(&rep, &buf, err)
		}
	}

	p.logger.Info("pipeline complete",
		"run_id", rep.RunID,
		"batches", rep.Batches,
		"batches_failed", rep.BatchesFailed,
		"entities_written", rep.EntitiesWritten,
		"entities_dropped", rep.EntitiesDropped,
		"flushes", rep.Flushes,
	)
	return rep, nil
}

// processBatch fetches and normalizes one batch. A malformed batch is
// abandoned: it yields no series and no error.
func (p *Pipeline) processBatch(ctx context.Context, batch domain.Batch, rep *Report) ([]domain.NormalizedSeries, error) {
	rep.Batches++
	p.progress.batches.Add(1)

	raw, err := p.fetcher.FetchBatch(ctx, batch, p.opts.Range, p.opts.Mode)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedResponse) {
			p.abandon(batch, "fetch", err, rep)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch batch %d: %w", batch.Index, err)
	}
	p.metrics.BatchesFetched.Inc()
	rep.EntitiesFetched += len(raw)
	p.metrics.EntitiesFetched.Add(float64(len(raw)))

	res, err := p.normalizer.NormalizeBatch(ctx, batch, raw)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedResponse) {
			p.abandon(batch, "normalize", err, rep)
			return nil, nil
		}
		return nil, fmt.Errorf("normalize batch %d: %w", batch.Index, err)
	}
	rep.EntitiesDropped += len(res.Dropped)
	p.metrics.EntitiesDropped.Add(float64(len(res.Dropped)))

	p.logger.Debug("batch normalized",
		"batch", batch.Index,
		"requested", len(batch.IDs),
		"fetched", len(raw),
		"normalized", len(res.Series),
		"dropped", len(res.Dropped),
	)
	return res.Series, nil
}

func (p *Pipeline) abandon(batch domain.Batch, stage string, err error, rep *Report) {
	rep.BatchesFailed++
	p.metrics.BatchesFailed.WithLabelValues(stage).Inc()
	p.logger.Warn("batch abandoned, entities stay outstanding",
		"batch", batch.Index,
		"stage", stage,
		"entities", len(batch.IDs),
		"error", err,
	)
}

// flush writes the buffer to the store and clears it.
func (p *Pipeline) flush(ctx context.Context, buf *buffer, rep *Report) error {
	start := time.Now()
	if err := p.store.Flush(ctx, buf.series); err != nil {
		return fmt.Errorf("flush %d: %w", rep.Flushes+1, err)
	}
	p.metrics.FlushDuration.Observe(time.Since(start).Seconds())

	n := buf.len()
	rep.Flushes++
	rep.EntitiesWritten += n
	rep.LastFlushAt = domain.Now()
	p.metrics.Flushes.Inc()
	p.metrics.EntitiesWritten.Add(float64(n))
	p.metrics.EntitiesRemaining.Sub(float64(n))
	p.progress.remaining.Add(-int64(n))
	p.progress.written.Add(int64(n))
	p.progress.flushes.Add(1)

	p.logger.Info("flush complete",
		"run_id", rep.RunID,
		"flush", rep.Flushes,
		"entities", n,
		"total_written", rep.EntitiesWritten,
	)

	if p.opts.Notifier != nil {
		event := domain.FlushEvent{
			RunID:        rep.RunID,
			Sequence:     rep.Flushes,
			Destination:  p.opts.Destination,
			Entities:     buf.entities(),
			TotalWritten: rep.EntitiesWritten,
			At:           rep.LastFlushAt,
		}
		if err := p.opts.Notifier.NotifyFlush(ctx, event); err != nil {
			p.logger.Warn("flush notification failed", "flush", rep.Flushes, "error", err)
		}
	}

	buf.reset()
	return nil
}

// abort logs where a failed run stopped and returns err unchanged.
func (p *Pipeline) abort(rep *Report, buf *buffer, err error) error {
	attrs := []any{
		"run_id", rep.RunID,
		"error", err,
		"last_flush", rep.Flushes,
		"entities_written", rep.EntitiesWritten,
		"discarded", buf.len(),
	}
	if !rep.LastFlushAt.IsZero() {
		attrs = append(attrs, "last_flush_at", rep.LastFlushAt)
	}
	p.logger.Error("pipeline aborted, rerun to resume", attrs...)
	return err
}
