// Package runner schedules pipeline runs for the ETL service.
//
// In one-shot mode a single run is performed and the runner returns. In
// interval mode runs repeat until the context is canceled, re-reading the
// runtime configuration before each run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/threatstash/threatstash/internal/database"
	"github.com/threatstash/threatstash/internal/pipeline"
)

type dPipeline interface {
	Run(ctx context.Context, limit int) (pipeline.Summary, error)
}

type dConfigManager interface {
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	SampleLimit() int
}

type dStatsProvider interface {
	Stats(ctx context.Context) (database.CollectionStats, error)
}

// Config holds the runner settings.
type Config struct {
	// Interval between runs. Zero or less means a single one-shot run.
	Interval time.Duration
	// SampleLimit is the per-run limit used when the runtime configuration
	// does not override it.
	SampleLimit int
}

// Runner triggers pipeline runs on schedule.
type Runner struct {
	pipe  dPipeline
	cm    dConfigManager
	stats dStatsProvider
	cfg   Config

	runsTotal prometheus.Counter
}

// New creates a new runner. cm and stats may be nil, disabling runtime
// configuration overrides and collection statistics respectively.
func New(pipe dPipeline, cm dConfigManager, stats dStatsProvider, cfg Config, reg prometheus.Registerer) (*Runner, error) {
	runsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_runs_total",
		Help: "Number of completed ETL pipeline runs.",
	})
	if err := reg.Register(runsTotal); err != nil {
		return nil, fmt.Errorf("failed to register runs counter: %v", err)
	}

	return &Runner{
		pipe:  pipe,
		cm:    cm,
		stats: stats,
		cfg:   cfg,

		runsTotal: runsTotal,
	}, nil
}

// Run executes pipeline runs until done. In one-shot mode it returns after
// the first run; in interval mode it blocks until the context is canceled or
// a run fails.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		return r.runOnce(ctx)
	}

	var reloadEventCh <-chan struct{}
	var cfgWatchErrCh <-chan error
	if r.cm != nil {
		var err error
		reloadEventCh, cfgWatchErrCh, err = r.cm.Watch(ctx)
		if err != nil {
			return fmt.Errorf("failed to start watching runtime configuration: %v", err)
		}
	}

	if err := r.runOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping runner")
			return ctx.Err()

		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil {
				return err
			}

		case _, ok := <-reloadEventCh:
			if !ok {
				reloadEventCh = nil
				continue
			}
			// The limit is re-read before each run; nothing else to do here.
			slog.Debug("Runtime configuration changed")

		case err, ok := <-cfgWatchErrCh:
			if !ok {
				cfgWatchErrCh = nil
				continue
			}
			slog.Error("Runtime configuration watcher error", "err", err)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) error {
	limit := r.cfg.SampleLimit
	if r.cm != nil {
		if override := r.cm.SampleLimit(); override > 0 {
			limit = override
		}
	}

	summary, err := r.pipe.Run(ctx, limit)
	if err != nil {
		return fmt.Errorf("pipeline run failed: %w", err)
	}
	r.runsTotal.Inc()

	r.logStats(ctx, summary)
	return nil
}

func (r *Runner) logStats(ctx context.Context, summary pipeline.Summary) {
	if r.stats == nil || summary.Total == 0 {
		return
	}

	stats, err := r.stats.Stats(ctx)
	if err != nil {
		slog.Warn("Failed to get collection statistics", "run", summary.RunID, "error", err)
		return
	}

	slog.Info("Collection statistics",
		"run", summary.RunID,
		"totalDocuments", stats.TotalDocuments,
		"sampleTypes", stats.SampleTypes,
		"latestIngestion", stats.LatestIngestion,
	)
}
