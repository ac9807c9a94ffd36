// Package scheduler runs submission-log maintenance on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintainer is the part of the submission log the maintenance jobs use.
// Satisfied by *store.LibSQLStore.
type Maintainer interface {
	PurgeSubmissions(ctx context.Context, before time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// JobFunc is the body of a job. now is the time the job became due.
type JobFunc func(ctx context.Context, now time.Time) error

// JobStatus is a snapshot of one job for reporting.
type JobStatus struct {
	Name          string     `json:"name"`
	Cron          string     `json:"cron"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type job struct {
	name     string
	cronExpr string
	schedule cron.Schedule
	run      JobFunc

	next       time.Time
	lastRun    *time.Time
	lastStatus string
}

// Scheduler wakes up every interval and runs the jobs that are due.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex // guards jobs and lifecycle
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler that checks for due jobs every minute.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job under a unique name.
func (s *Scheduler) Add(name, cronExpr string, fn JobFunc) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:     name,
		cronExpr: cronExpr,
		schedule: schedule,
		run:      fn,
		next:     schedule.Next(s.now()),
	}
	return nil
}

// AddRetention registers a job deleting submissions older than retention.
func (s *Scheduler) AddRetention(m Maintainer, retention time.Duration, cronExpr string) error {
	if retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", retention)
	}
	return s.Add("purge_submissions", cronExpr, func(ctx context.Context, now time.Time) error {
		n, err := m.PurgeSubmissions(ctx, now.Add(-retention))
		if err != nil {
			return err
		}
		s.logger.Info("purged submissions", slog.Int64("count", n), slog.Duration("retention", retention))
		return nil
	})
}

// AddVacuum registers a job compacting the submission log.
func (s *Scheduler) AddVacuum(m Maintainer, cronExpr string) error {
	return s.Add("vacuum", cronExpr, func(ctx context.Context, _ time.Time) error {
		return m.Vacuum(ctx)
	})
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:          j.name,
			Cron:          j.cronExpr,
			NextRunAt:     j.next,
			LastRunAt:     j.lastRun,
			LastRunStatus: j.lastStatus,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	s.logger.Debug("running maintenance job", slog.String("job", j.name))

	status := "success"
	if err := j.run(ctx, now); err != nil {
		status = "error"
		s.logger.Error("maintenance job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j.lastRun = &now
	j.lastStatus = status
	j.next = j.schedule.Next(now)
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}
