package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains scheduler configuration.
type WorkerConfig struct {
	PollInterval time.Duration
}

// DefaultWorkerConfig returns default scheduler configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 1 * time.Minute,
	}
}

// Runner performs one dispatch invocation.
type Runner interface {
	Run(ctx context.Context) (*RunResult, error)
}

// Worker runs dispatch invocations on a fixed interval.
type Worker struct {
	config WorkerConfig
	runner Runner

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new dispatch scheduler.
func NewWorker(config WorkerConfig, runner Runner) *Worker {
	return &Worker{
		config: config,
		runner: runner,
		stopCh: make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting dispatch scheduler", "poll_interval", w.config.PollInterval)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops the scheduler and waits for the current invocation to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("dispatch scheduler stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	result, err := w.runner.Run(ctx)
	switch {
	case errors.Is(err, ErrDispatchInProgress):
		slog.Debug("dispatch skipped, another invocation holds the lock")
	case err != nil:
		slog.Error("scheduled dispatch failed", "error", err)
	case result.Processed > 0:
		slog.Debug("scheduled dispatch finished", "processed", result.Processed, "sent", result.Sent, "failed", result.Failed)
	}
}
