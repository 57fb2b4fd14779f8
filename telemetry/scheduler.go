package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultFlushSchedule persists the rollup every five minutes.
const DefaultFlushSchedule = "*/5 * * * *"

// Scheduler periodically prunes the aggregator and writes its snapshot to
// the store.
type Scheduler struct {
	aggregator *Aggregator
	store      Store
	schedule   string
	cron       *cron.Cron
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(aggregator *Aggregator, store Store, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultFlushSchedule
	}
	return &Scheduler{
		aggregator: aggregator,
		store:      store,
		schedule:   schedule,
		cron:       cron.New(),
		logger:     logger.With("component", "telemetry.scheduler"),
	}
}

// Restore warms the aggregator from the store.
func (s *Scheduler) Restore(ctx context.Context) error {
	rows, err := s.store.LoadWeekly(ctx, s.aggregator.Cutoff(s.aggregator.now()))
	if err != nil {
		return fmt.Errorf("failed to load weekly telemetry: %w", err)
	}
	s.aggregator.Load(rows)
	s.logger.Info("weekly telemetry restored", "rows", len(rows))
	return nil
}

// Start validates the schedule and runs Flush on it until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("telemetry flush failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule flush: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("telemetry scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Flush prunes expired buckets in memory and in the store, then upserts the
// current snapshot.
func (s *Scheduler) Flush(ctx context.Context) error {
	pruned := s.aggregator.Prune()
	deleted, err := s.store.DeleteBefore(ctx, s.aggregator.Cutoff(s.aggregator.now()))
	if err != nil {
		return fmt.Errorf("failed to prune stored telemetry: %w", err)
	}
	snapshot := s.aggregator.Snapshot()
	if err := s.store.UpsertWeekly(ctx, snapshot); err != nil {
		return err
	}
	s.logger.Debug("telemetry flushed",
		"rows", len(snapshot),
		"pruned_memory", pruned,
		"pruned_store", deleted,
	)
	return nil
}

// Stop waits for a running flush to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("telemetry scheduler stopped")
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
