package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	CategoryMaintenance JobCategory = "maintenance"
	CategoryDefault     JobCategory = "default"
)

// Run statuses recorded for each job.
const (
	StatusOK                 = "ok"
	StatusFailed             = "failed"
	StatusSkippedConcurrency = "skipped_concurrency"
)

// Job defines a schedulable unit of work.
type Job struct {
	Name     string      // Unique job identifier.
	Cron     *CronExpr   // Parsed cron expression.
	Category JobCategory // For semaphore selection.
	Run      func(ctx context.Context) error
}

// JobRecorder persists the outcome of job runs. Implementations must be safe
// for concurrent use.
type JobRecorder interface {
	RecordJobRun(ctx context.Context, name, status string, runAt time.Time) error
}

// Config holds scheduler settings.
type Config struct {
	TickInterval  time.Duration
	MaxConcurrent int // per category
	LockPath      string
	// OnError is called with the error of every failed run. Optional.
	OnError func(ctx context.Context, job string, err error)
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg        Config
	recorder   JobRecorder
	jobs       map[string]*Job
	mu         sync.RWMutex
	semaphores map[JobCategory]*Semaphore
	lock       *FileLock
	running    sync.WaitGroup
}

// New creates a Scheduler. recorder may be nil.
func New(cfg Config, recorder JobRecorder) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		cfg:      cfg,
		recorder: recorder,
		jobs:     make(map[string]*Job),
		semaphores: map[JobCategory]*Semaphore{
			CategoryMaintenance: NewSemaphore(cfg.MaxConcurrent),
			CategoryDefault:     NewSemaphore(cfg.MaxConcurrent),
		},
		lock: NewFileLock(cfg.LockPath),
	}
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) error {
	if job == nil || job.Name == "" || job.Cron == nil || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name, a schedule and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "cron", job.Cron.String(), "category", job.Category)
	return nil
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run starts the tick loop. It blocks until ctx is cancelled and then waits
// for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Wait()
			slog.Info("Scheduler stopped")
			return nil
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick acquires the file lock and starts every job whose schedule matches now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.cfg.LockPath != "" {
		acquired, err := s.lock.TryLock()
		if err != nil {
			slog.Warn("Scheduler lock error", "error", err)
			return
		}
		if !acquired {
			slog.Debug("Scheduler tick skipped: lock held by another process")
			return
		}
		defer s.lock.Unlock()
	}

	for _, job := range s.Jobs() {
		if job.Cron.Matches(now) {
			s.start(ctx, job, now)
		}
	}
}

// start runs job in its own goroutine if a semaphore slot is available.
func (s *Scheduler) start(ctx context.Context, job *Job, now time.Time) {
	sem := s.semaphores[job.Category]
	if sem == nil {
		sem = s.semaphores[CategoryDefault]
	}
	if !sem.TryAcquire() {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name, "category", job.Category)
		s.record(ctx, job.Name, StatusSkippedConcurrency, now)
		return
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer sem.Release()
		status := StatusOK
		started := time.Now()
		if err := job.Run(ctx); err != nil {
			status = StatusFailed
			slog.Error("Scheduler job failed", "job", job.Name, "error", err)
			if s.cfg.OnError != nil {
				s.cfg.OnError(context.WithoutCancel(ctx), job.Name, err)
			}
		} else {
			slog.Info("Scheduler job finished", "job", job.Name, "elapsed", time.Since(started))
		}
		s.record(ctx, job.Name, status, now)
	}()
}

func (s *Scheduler) record(ctx context.Context, name, status string, tick time.Time) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordJobRun(context.WithoutCancel(ctx), name, status, tick); err != nil {
		slog.Warn("Scheduler job run not recorded", "job", name, "error", err)
	}
}
