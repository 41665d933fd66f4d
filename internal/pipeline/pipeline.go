// Package pipeline sequences the extract, transform and load phases of an
// ETL run. Samples are processed strictly one at a time, with a courtesy
// delay between requests to the remote API.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/threatstash/threatstash/internal/models"
)

type extractor interface {
	SampleList(ctx context.Context, limit int) []string
	SampleDetails(ctx context.Context, hash string) models.RawPayload
}

type transformer interface {
	Transform(raw models.RawPayload, hash string) models.SampleRecord
}

type loader interface {
	Upsert(ctx context.Context, rec models.SampleRecord) error
}

// Config holds the pipeline run settings.
type Config struct {
	// SampleLimit caps the number of samples per run.
	SampleLimit int
	// Delay is the pause between consecutive sample requests.
	Delay time.Duration
}

// Pipeline orchestrates a sequential extract-transform-load run.
type Pipeline struct {
	ext extractor
	tr  transformer
	db  loader
	cfg Config

	sleep func(time.Duration)

	samplesSucceeded prometheus.Counter
	samplesFailed    prometheus.Counter
}

type options struct {
	sleep func(time.Duration)
}

// Options represents an optional function to override Pipeline default values.
type Options func(*options)

// New creates a new pipeline with the provided components and Prometheus registerer.
func New(ext extractor, tr transformer, db loader, cfg Config, reg prometheus.Registerer, args ...Options) (*Pipeline, error) {
	opts := options{
		sleep: time.Sleep,
	}
	for _, opt := range args {
		opt(&opts)
	}

	samplesSucceeded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_samples_loaded_total",
		Help: "Number of samples successfully loaded into the database.",
	})
	samplesFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_samples_failed_total",
		Help: "Number of samples that failed to extract or load.",
	})
	if err := reg.Register(samplesSucceeded); err != nil {
		return nil, fmt.Errorf("failed to register loaded samples counter: %v", err)
	}
	if err := reg.Register(samplesFailed); err != nil {
		return nil, fmt.Errorf("failed to register failed samples counter: %v", err)
	}

	return &Pipeline{
		ext:   ext,
		tr:    tr,
		db:    db,
		cfg:   cfg,
		sleep: opts.sleep,

		samplesSucceeded: samplesSucceeded,
		samplesFailed:    samplesFailed,
	}, nil
}

// Summary reports the outcome of a single pipeline run.
type Summary struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// SuccessRate returns the percentage of samples successfully loaded.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Run performs one full extract-transform-load pass over up to limit
// samples. A limit of zero or less falls back to the configured limit.
//
// An empty sample list aborts the run without error. Per-sample failures are
// counted and the run continues; only context cancellation aborts the loop.
func (p *Pipeline) Run(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = p.cfg.SampleLimit
	}

	summary := Summary{RunID: uuid.NewString()}
	start := time.Now()
	slog.Info("Starting ETL run", "run", summary.RunID, "limit", limit)

	hashes := p.ext.SampleList(ctx, limit)
	if len(hashes) == 0 {
		slog.Error("No samples extracted, aborting run", "run", summary.RunID)
		return summary, nil
	}
	summary.Total = len(hashes)

	for i, hash := range hashes {
		select {
		case <-ctx.Done():
			summary.Duration = time.Since(start)
			return summary, ctx.Err()
		default:
		}

		slog.Info("Processing sample", "run", summary.RunID, "n", i+1, "of", len(hashes), "hash", hash)

		p.process(ctx, hash, &summary)

		// Rate-limiting courtesy towards the remote API.
		if i < len(hashes)-1 {
			p.sleep(p.cfg.Delay)
		}
	}

	summary.Duration = time.Since(start)
	slog.Info("ETL run summary",
		"run", summary.RunID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"successRate", fmt.Sprintf("%.1f%%", summary.SuccessRate()),
		"duration", summary.Duration,
	)

	return summary, nil
}

func (p *Pipeline) process(ctx context.Context, hash string, summary *Summary) {
	raw := p.ext.SampleDetails(ctx, hash)
	if raw.Absent() {
		slog.Warn("Skipping sample, no data extracted", "hash", hash)
		summary.Failed++
		p.samplesFailed.Inc()
		return
	}

	rec := p.tr.Transform(raw, hash)

	if err := p.db.Upsert(ctx, rec); err != nil {
		slog.Error("Failed to load sample", "hash", hash, "error", err)
		summary.Failed++
		p.samplesFailed.Inc()
		return
	}

	slog.Info("Successfully loaded sample", "hash", hash)
	summary.Succeeded++
	p.samplesSucceeded.Inc()
}
