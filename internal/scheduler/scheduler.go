// Package scheduler fires scheduled turns against agent sessions on a cron
// schedule, validating expressions and checking which jobs are due with gronx.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nxlb/turnplane/internal/config"
)

// RunFunc delivers a scheduled turn. It is called with the job that fired;
// the caller is responsible for routing it to the right agent/session.
type RunFunc func(ctx context.Context, job config.CronJob) error

// Scheduler polls a fixed set of cron jobs and invokes RunFunc when each
// one's next tick arrives. It does not itself retry failed runs; callers
// that want retry semantics wrap RunFunc (see RetryConfig).
type Scheduler struct {
	gronx  gronx.Gronx
	run    RunFunc
	logger *slog.Logger

	mu     sync.Mutex
	jobs   []config.CronJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RetryConfig mirrors CronConfig's retry knobs, converted to durations.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ToRetryConfig converts the string-duration fields of CronConfig into a
// RetryConfig, falling back to the defaults on parse failure.
func ToRetryConfig(cfg config.CronConfig) RetryConfig {
	rc := RetryConfig{MaxRetries: cfg.MaxRetries, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	if rc.MaxRetries == 0 {
		rc.MaxRetries = 3
	}
	if d, err := time.ParseDuration(cfg.RetryBaseDelay); err == nil && d > 0 {
		rc.BaseDelay = d
	}
	if d, err := time.ParseDuration(cfg.RetryMaxDelay); err == nil && d > 0 {
		rc.MaxDelay = d
	}
	return rc
}

// WithRetry wraps run so that a failed invocation is retried with capped
// exponential backoff before giving up.
func WithRetry(run RunFunc, rc RetryConfig, logger *slog.Logger) RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job config.CronJob) error {
		var lastErr error
		delay := rc.BaseDelay
		for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
			if attempt > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				}
				delay *= 2
				if delay > rc.MaxDelay {
					delay = rc.MaxDelay
				}
			}
			if err := run(ctx, job); err != nil {
				lastErr = err
				logger.Warn("scheduler.job_failed", "job", job.Name, "attempt", attempt, "error", err)
				continue
			}
			return nil
		}
		return fmt.Errorf("scheduler: job %q exhausted retries: %w", job.Name, lastErr)
	}
}

// New validates every job's cron expression up front and returns an error
// naming the first invalid one.
func New(jobs []config.CronJob, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var gx gronx.Gronx
	enabled := make([]config.CronJob, 0, len(jobs))
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		if !gx.IsValid(j.Expr) {
			return nil, fmt.Errorf("scheduler: job %q has invalid cron expression %q", j.Name, j.Expr)
		}
		enabled = append(enabled, j)
	}
	return &Scheduler{gronx: gx, jobs: enabled, run: run, logger: logger}, nil
}

// Start begins polling for due jobs until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.tick(ctx, now)
			}
		}
	}()
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	jobs := append([]config.CronJob{}, s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		due, err := s.gronx.IsDue(job.Expr, now)
		if err != nil {
			s.logger.Error("scheduler.job_check_failed", "job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		job := job
		go func() {
			if err := s.run(ctx, job); err != nil {
				s.logger.Error("scheduler.job_run_failed", "job", job.Name, "error", err)
			}
		}()
	}
}
