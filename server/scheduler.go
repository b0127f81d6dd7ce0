package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prompthouse/flowkit/engine"
	"github.com/prompthouse/flowkit/store"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Flows        store.FlowStore
	Schedules    ScheduleStore
	Runner       *engine.Runner
	EventHandler engine.EventHandler
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically executes due flow schedules.
type Scheduler struct {
	flows        store.FlowStore
	schedules    ScheduleStore
	runner       *engine.Runner
	eventHandler engine.EventHandler
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler instance.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Flows == nil {
		return nil, errors.New("scheduler flow store is nil")
	}
	if cfg.Schedules == nil {
		return nil, errors.New("scheduler schedule store is nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("scheduler runner is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		flows:        cfg.Flows,
		schedules:    cfg.Schedules,
		runner:       cfg.Runner,
		eventHandler: cfg.EventHandler,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// Start starts background polling. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the poll loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.schedules.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, schedule := range due {
		s.processDueSchedule(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) processDueSchedule(ctx context.Context, schedule FlowSchedule, now time.Time) {
	if !schedule.Enabled {
		return
	}

	if s.isActive(schedule.ID) {
		s.markSkippedOverlap(ctx, schedule, now)
		return
	}

	nextRunAt, err := schedule.NextRun(now)
	if err != nil {
		s.markFailure(ctx, schedule, now, err)
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusRunning
	schedule.LastError = ""
	schedule.UpdatedAt = now
	if err := s.schedules.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("update schedule before run", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
		return
	}

	s.markActive(schedule.ID)
	go s.runSchedule(schedule)
}

func (s *Scheduler) runSchedule(schedule FlowSchedule) {
	defer s.unmarkActive(schedule.ID)

	runID, runErr := s.startScheduledRun(schedule)

	finish := s.now().UTC()
	latest, found, err := s.schedules.GetSchedule(context.Background(), schedule.FlowID, schedule.ID)
	if err != nil {
		s.logger.Error("load schedule after run", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
		return
	}
	if !found {
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	if runErr != nil {
		latest.LastStatus = ScheduleRunStatusFailed
		latest.LastError = runErr.Error()
	} else {
		latest.LastStatus = ScheduleRunStatusCompleted
		latest.LastError = ""
		latest.LastRunID = runID
	}

	if err := s.schedules.UpdateSchedule(context.Background(), latest); err != nil {
		s.logger.Error("persist schedule run result", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
	}
}

// startScheduledRun resolves the latest flow version, starts a run and
// waits for it to finish. A failed or cancelled run reports an error so
// the schedule records it.
func (s *Scheduler) startScheduledRun(schedule FlowSchedule) (string, error) {
	def, err := s.flows.Get(context.Background(), schedule.FlowID)
	if err != nil {
		return "", fmt.Errorf("load flow: %w", err)
	}

	runID, err := s.runner.Start(def, cloneInputs(schedule.Inputs), s.eventHandler)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	exec, err := s.runner.Wait(context.Background(), runID)
	if err != nil {
		return runID, err
	}
	if exec.Status != engine.StatusCompleted {
		msg := exec.ErrorMessage
		if msg == "" {
			msg = string(exec.Status)
		}
		return runID, fmt.Errorf("run %s: %s", exec.Status, msg)
	}
	return runID, nil
}

func (s *Scheduler) markSkippedOverlap(ctx context.Context, schedule FlowSchedule, now time.Time) {
	nextRunAt, err := schedule.NextRun(now)
	if err != nil {
		s.markFailure(ctx, schedule, now, err)
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusSkippedOverlap
	schedule.LastError = "skipped because prior scheduled run is still active"
	schedule.UpdatedAt = now
	if err := s.schedules.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist overlap skip", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
	}
}

func (s *Scheduler) markFailure(ctx context.Context, schedule FlowSchedule, now time.Time, runErr error) {
	nextRunAt, nextErr := schedule.NextRun(now)
	if nextErr == nil {
		schedule.NextRunAt = nextRunAt
	}
	schedule.LastStatus = ScheduleRunStatusFailed
	schedule.LastError = runErr.Error()
	schedule.UpdatedAt = now
	if err := s.schedules.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule failure", "schedule_id", schedule.ID, "flow_id", schedule.FlowID, "error", err)
	}
}

func (s *Scheduler) isActive(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[scheduleID]
	return ok
}

func (s *Scheduler) markActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[scheduleID] = struct{}{}
}

func (s *Scheduler) unmarkActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, scheduleID)
}

func cloneInputs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
