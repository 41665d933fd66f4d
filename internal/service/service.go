// Package service runs the pipeline runner and the metrics server as one
// unit.
//
// The runner owns the service lifetime: when it finishes, whether after a
// single one-shot pass or because interval mode was asked to stop, the
// metrics server is drained and the service returns. A dying metrics server
// likewise stops the runner, so the process never lingers half alive.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Runner is the pipeline scheduler driven by the service.
type Runner interface {
	Run(ctx context.Context) error
}

// MetricsServer is the HTTP endpoint served beside the runner.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// Service ties the runner's lifetime to the metrics server's.
type Service struct {
	runner        Runner
	metricsServer MetricsServer

	// ctx interrupts everything, including in-flight work.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx stops the runner between samples and runs only.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	shutdownTimeout time.Duration

	running chan struct{} // Closed whenever Run is not executing.
}

type options struct {
	shutdownTimeout time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	// errServiceClosed is returned when the service was stopped before running.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the metrics server does not drain
	// within the shutdown timeout and has to be force closed.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a new service from the provided runner and metrics server.
func New(ctx context.Context, runner Runner, metricsServer MetricsServer, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		shutdownTimeout: 30 * time.Second,
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Nothing is running yet, Quit must not block.
	return &Service{
		runner:        runner,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		shutdownTimeout: opts.shutdownTimeout,

		running: running,
	}
}

// Run starts the metrics server and the pipeline runner, and blocks until
// both have stopped.
func (s *Service) Run() error {
	slog.Info("ETL service started")

	select {
	case <-s.gracefulCtx.Done():
		return errServiceClosed
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel()

	serveDone := make(chan error, 1)
	go func() {
		slog.Info("Starting metrics server")
		err := s.metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- fmt.Errorf("metrics server error: %v", err)
			return
		}
		serveDone <- nil
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- s.runPipeline() }()

	var runErr error
	select {
	case runErr = <-runDone:
		// The runner completed its one-shot pass, failed, or was asked to
		// stop. Drain the metrics server below.
	case serveErr := <-serveDone:
		// The metrics server stopped underneath the runner, usually a failed
		// listen or a forced quit. Stop the runner and report both.
		if serveErr != nil {
			slog.Error("Metrics server stopped unexpectedly", "err", serveErr)
		}
		s.gracefulCancel()
		return errors.Join(serveErr, <-runDone)
	}

	return errors.Join(runErr, s.stopMetrics(serveDone))
}

func (s *Service) runPipeline() error {
	slog.Info("Starting pipeline runner")
	defer s.gracefulCancel() // A finished runner means the service is done.

	if err := s.runner.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Pipeline runner encountered an error", "err", err)
		return fmt.Errorf("pipeline runner error: %v", err)
	}
	slog.Info("Pipeline runner stopped")
	return nil
}

// stopMetrics drains the metrics server, force closing it if it does not
// finish within the shutdown timeout.
func (s *Service) stopMetrics(serveDone <-chan error) error {
	slog.Info("Shutting down metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var err error
	if sErr := s.metricsServer.Shutdown(ctx); sErr != nil {
		slog.Warn("Metrics server did not shut down cleanly, closing", "err", sErr)
		err = errors.Join(ErrTeardownTimeout, s.metricsServer.Close())
	}

	select {
	case serveErr := <-serveDone:
		return errors.Join(err, serveErr)
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Metrics server teardown timed out")
		return errors.Join(err, ErrTeardownTimeout)
	}
}

// Quit stops the service and blocks until Run has returned.
//
// A graceful quit lets the runner finish the sample in flight; a forced one
// interrupts everything immediately.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping ETL service", "force", force)

	if force {
		s.cancel()
		s.metricsServer.Close()
	} else {
		s.gracefulCancel()
	}

	<-s.running
}
