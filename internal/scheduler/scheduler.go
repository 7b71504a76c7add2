// Package scheduler runs the periodic maintenance jobs: the expiry sweep
// that rolls back lapsed mitigations and the incident auto-resolver.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc does one run of a maintenance job and reports how many items it
// touched.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
}

// Scheduler drives registered jobs on fixed intervals.
type Scheduler struct {
	cron   *cron.Cron
	jobs   []job
	logger *slog.Logger

	cancel context.CancelFunc
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: fn})
}

// Start schedules all registered jobs. Each run gets a context that is
// canceled when the scheduler stops.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, j := range s.jobs {
		j := j
		spec := fmt.Sprintf("@every %s", j.interval)
		_, err := s.cron.AddFunc(spec, func() {
			s.execute(ctx, j)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling job %s: %w", j.name, err)
		}
		s.logger.Info("job scheduled", "job", j.name, "interval", j.interval.String())
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j job) {
	start := time.Now()
	n, err := j.run(ctx)
	if err != nil {
		s.logger.Error("job failed", "job", j.name, "error", err, "duration", time.Since(start).String())
		return
	}
	if n > 0 {
		s.logger.Info("job completed", "job", j.name, "items", n, "duration", time.Since(start).String())
	}
}

// Stop halts the cron loop and cancels in-flight runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
}
