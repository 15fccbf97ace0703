// Package scheduler runs the keeper's named jobs, each on its own
// self-rescheduling timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Job is one named unit of recurring work. The next run is scheduled
// Interval after the previous one finishes, so runs of a job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	// Critical jobs are never skipped by load shedding.
	Critical bool
	Run      func(ctx context.Context) error
}

// PoolProbe reports store pressure.
type PoolProbe interface {
	BusyConns() int
}

// Config tunes the scheduler.
type Config struct {
	// ShedThreshold is the busy connection count at which non-critical
	// jobs are skipped. Zero disables shedding.
	ShedThreshold int
	RetryAttempts int
	RetryBase     time.Duration
	// LockKey names the singleton lock. Empty disables it.
	LockKey string
	LockTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
}

// JobStatus is a snapshot of one job for the operator surface.
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Critical     bool          `json:"critical"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skips        int64         `json:"skips"`
	LastStart    time.Time     `json:"last_start,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// ErrNoJobs is returned by Jobs when nothing is configured to run.
var ErrNoJobs = errors.New("scheduler: no jobs")

// Scheduler owns the job loops.
type Scheduler struct {
	jobs   []Job
	probe  PoolProbe
	locks  domain.LockManager
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	status map[string]*JobStatus
}

// New creates a Scheduler. probe and locks may be nil.
func New(jobs []Job, probe PoolProbe, locks domain.LockManager, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	st := make(map[string]*JobStatus, len(jobs))
	for _, j := range jobs {
		st[j.Name] = &JobStatus{Name: j.Name, Interval: j.Interval, Critical: j.Critical}
	}
	return &Scheduler{
		jobs:   jobs,
		probe:  probe,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scheduler")),
		sleep:  sleepCtx,
		status: st,
	}
}

// Run takes the singleton lock and runs every job until ctx is cancelled.
// It returns domain.ErrLockHeld if another instance is running, and an
// error if the lock is lost while running.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.locks != nil && s.cfg.LockKey != "" {
		unlock, err := s.locks.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("scheduler: acquire lock %q: %w", s.cfg.LockKey, err)
		}
		defer unlock()
		g.Go(func() error { return s.keepLock(ctx) })
	}

	s.logger.Info("scheduler starting", slog.Int("jobs", len(s.jobs)))
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		s.logger.Error("scheduler stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("scheduler stopped cleanly")
	return nil
}

func (s *Scheduler) keepLock(ctx context.Context) error {
	every := s.cfg.LockTTL / 3
	for {
		if err := s.sleep(ctx, every); err != nil {
			return nil
		}
		if err := s.locks.Extend(ctx, s.cfg.LockKey, s.cfg.LockTTL); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("scheduler: extend lock %q: %w", s.cfg.LockKey, err)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	for {
		s.RunOnce(ctx, j)
		if err := s.sleep(ctx, j.Interval); err != nil {
			return
		}
	}
}

// RunOnce runs a single invocation of j with load shedding and retries.
// It reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, j Job) bool {
	log := s.logger.With(slog.String("job", j.Name))
	if !j.Critical && s.shouldShed() {
		jobSkips.WithLabelValues(j.Name).Inc()
		s.update(j.Name, func(st *JobStatus) { st.Skips++ })
		log.Warn("job skipped, store under pressure", slog.Int("busy_conns", s.probe.BusyConns()))
		return false
	}

	start := time.Now()
	s.update(j.Name, func(st *JobStatus) {
		st.Running = true
		st.LastStart = start.UTC()
	})

	var err error
	for attempt := 1; ; attempt++ {
		err = s.invoke(ctx, j)
		if err == nil || attempt >= s.cfg.RetryAttempts || !IsTransient(err) || ctx.Err() != nil {
			break
		}
		jobRetries.WithLabelValues(j.Name).Inc()
		wait := backoff(s.cfg.RetryBase, attempt)
		log.Warn("transient job failure, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		if s.sleep(ctx, wait) != nil {
			break
		}
	}

	elapsed := time.Since(start)
	jobDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		if ctx.Err() == nil {
			log.Error("job failed", slog.Duration("elapsed", elapsed), slog.String("error", err.Error()))
		}
	}
	jobRuns.WithLabelValues(j.Name, result).Inc()
	s.update(j.Name, func(st *JobStatus) {
		st.Running = false
		st.Runs++
		st.LastDuration = elapsed
		st.LastError = ""
		if err != nil {
			st.Failures++
			st.LastError = err.Error()
		}
	})
	return true
}

// invoke turns a panicking job into an error so one bad run does not take
// the process down.
func (s *Scheduler) invoke(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				slog.String("job", j.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("scheduler: job %s panicked: %v", j.Name, r)
		}
	}()
	return j.Run(ctx)
}

func (s *Scheduler) shouldShed() bool {
	return s.probe != nil && s.cfg.ShedThreshold > 0 && s.probe.BusyConns() >= s.cfg.ShedThreshold
}

func (s *Scheduler) update(name string, fn func(*JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		fn(st)
	}
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
