/*
scheduler.go - Automated monthly billing scheduler

PURPOSE:
  Periodically checks whether the current month has been billed and, if
  not, runs the billing generator once for every tenant.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Skips periods that already have a completed, non-dry generate run
  - A run lock held by a manual run is logged and retried next tick
  - Every run is recorded by the generator for audit and UI display

USAGE:
  scheduler := NewBillingScheduler(handler.Store, handler.Generator, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GenerateBilling endpoint (manual runs)
  - invoice/generator.go: Generator
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/invoice"
)

// BillingScheduler generates the current month's snapshots once.
type BillingScheduler struct {
	Runs          billing.RunStore
	Generator     *invoice.Generator
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	now    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewBillingScheduler(runs billing.RunStore, generator *invoice.Generator, logger *zap.Logger) *BillingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingScheduler{
		Runs:          runs,
		Generator:     generator,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger.Named("scheduler"),
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.logger.Info("disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	bs.ticker = time.NewTicker(bs.CheckInterval)
	bs.stop = make(chan struct{})
	bs.wg.Add(1)
	go bs.run(bs.ticker, bs.stop)

	bs.logger.Info("started", zap.Duration("check_interval", bs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker == nil {
		return
	}
	bs.ticker.Stop()
	close(bs.stop)
	bs.wg.Wait()
	bs.ticker = nil
	bs.logger.Info("stopped")
}

func (bs *BillingScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer bs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	bs.CheckAndGenerate(ctx)

	for {
		select {
		case <-ticker.C:
			bs.CheckAndGenerate(ctx)
		case <-stop:
			return
		}
	}
}

// CheckAndGenerate bills the current period unless it is already billed.
// It reports whether a run was started.
func (bs *BillingScheduler) CheckAndGenerate(ctx context.Context) bool {
	period := billing.PeriodOf(bs.now())
	log := bs.logger.With(zap.String("period", period.String()))

	done, err := bs.Runs.HasCompletedRun(ctx, billing.RunGenerate, nil, period)
	if err != nil {
		log.Error("failed to check run history", zap.Error(err))
		return false
	}
	if done {
		log.Debug("period already billed")
		return false
	}

	report, err := bs.Generator.Run(ctx, invoice.RunInput{Period: period})
	if errors.Is(err, billing.ErrRunLocked) {
		log.Info("billing run in progress elsewhere, retrying next tick")
		return false
	}
	if err != nil {
		log.Error("scheduled billing run failed", zap.Error(err))
		return false
	}
	log.Info("scheduled billing run completed",
		zap.String("run_id", report.RunID),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed))
	return true
}
