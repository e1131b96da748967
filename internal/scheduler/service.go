package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/whysosaket/intercom-agent/internal/heartbeat"
)

const (
	componentName = "scheduler"

	failureBackoffMin = 1 * time.Minute
	failureBackoffMax = 30 * time.Minute
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one scheduled unit of work, e.g. a catalogue sync.
type Job func(ctx context.Context) error

type Status struct {
	Schedule            string    `json:"schedule"`
	Enabled             bool      `json:"enabled"`
	NextRunAt           time.Time `json:"next_run_at,omitempty"`
	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type Service struct {
	expr     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
	reporter heartbeat.Reporter
	now      func() time.Time

	mu     sync.Mutex
	status Status
}

// New parses a five-field cron expression (a CRON_TZ= prefix selects the
// timezone). An empty expression yields a disabled scheduler.
func New(expr string, job Job, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	expr = strings.Join(strings.Fields(expr), " ")
	service := &Service{
		expr:   expr,
		job:    job,
		logger: logger.With("component", componentName),
		now:    func() time.Time { return time.Now().UTC() },
		status: Status{Schedule: expr},
	}
	if expr == "" {
		return service, nil
	}
	if job == nil {
		return nil, fmt.Errorf("scheduler job is required")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression: %w", err)
	}
	service.schedule = schedule
	service.status.Enabled = true
	return service, nil
}

func (s *Service) SetHeartbeatReporter(reporter heartbeat.Reporter) {
	s.reporter = reporter
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) Start(ctx context.Context) error {
	if s.schedule == nil {
		if s.reporter != nil {
			s.reporter.Disabled(componentName, "no schedule configured")
		}
		<-ctx.Done()
		return nil
	}
	if s.reporter != nil {
		s.reporter.Starting(componentName, "started")
	}
	s.logger.Info("scheduler started", "schedule", s.expr)
	for {
		next := s.nextRun(s.now())
		s.mu.Lock()
		s.status.NextRunAt = next
		s.mu.Unlock()
		if s.reporter != nil {
			s.reporter.Beat(componentName, "next run at "+next.Format(time.RFC3339))
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			if s.reporter != nil {
				s.reporter.Stopped(componentName, "stopped")
			}
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}
		s.RunOnce(ctx)
	}
}

// RunOnce executes the job immediately and records the outcome.
func (s *Service) RunOnce(ctx context.Context) error {
	started := s.now()
	err := s.job(ctx)

	s.mu.Lock()
	s.status.LastRunAt = started
	if err != nil {
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
	} else {
		s.status.ConsecutiveFailures = 0
		s.status.LastError = ""
	}
	failures := s.status.ConsecutiveFailures
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "error", err, "consecutive_failures", failures)
		if s.reporter != nil {
			s.reporter.Degrade(componentName, "scheduled job failed", err)
		}
		return err
	}
	s.logger.Info("scheduled job completed", "duration_ms", s.now().Sub(started).Milliseconds())
	return nil
}

// nextRun returns the next cron fire time, pushed back by the failure
// backoff while the job keeps failing.
func (s *Service) nextRun(from time.Time) time.Time {
	next := s.schedule.Next(from)
	s.mu.Lock()
	failures := s.status.ConsecutiveFailures
	s.mu.Unlock()
	if failures == 0 {
		return next
	}
	backoffRun := from.Add(failureBackoff(failures))
	if backoffRun.After(next) {
		return backoffRun
	}
	return next
}

func failureBackoff(consecutive int) time.Duration {
	backoff := failureBackoffMin
	for index := 1; index < consecutive; index++ {
		backoff *= 2
		if backoff >= failureBackoffMax {
			return failureBackoffMax
		}
	}
	return backoff
}
