// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"
	"time"

	"trinity-bot/internal/common/logger"
)

// Task is the unit of work the scheduler runs on each tick.
type Task func(ctx context.Context)

// Scheduler fires a task once after an initial delay, then on a fixed
// interval. There is no jitter and no persistence; a restart starts the
// cadence over. Stop and Start may be called repeatedly.
type Scheduler struct {
	delay    time.Duration
	interval time.Duration
	task     Task
	logger   logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(delay, interval time.Duration, task Task, log logger.Logger) *Scheduler {
	return &Scheduler{
		delay:    delay,
		interval: interval,
		task:     task,
		logger:   log.WithFields(map[string]interface{}{"component": "scheduler"}),
	}
}

// Start launches the schedule loop. A second Start while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("scheduler starting", map[string]interface{}{
		"startupDelay": s.delay.String(),
		"interval":     s.interval.String(),
	})

	go s.loop(ctx, s.done)
}

// Stop halts the loop and waits for an in-flight task to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.run(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// run executes one task invocation. A panicking task is logged and the
// cadence continues.
func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("scheduled task panicked", map[string]interface{}{
				"panic": rec,
			})
		}
	}()
	s.task(ctx)
}
