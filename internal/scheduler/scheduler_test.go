package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type runLog struct {
	mu   sync.Mutex
	runs map[string][]string
}

func (r *runLog) RecordJobRun(ctx context.Context, name, status string, runAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string][]string{}
	}
	r.runs[name] = append(r.runs[name], status)
	return nil
}

func (r *runLog) statuses(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs[name]...)
}

func newTestScheduler(t *testing.T, rec JobRecorder) *Scheduler {
	t.Helper()
	return New(Config{
		TickInterval:  50 * time.Millisecond,
		MaxConcurrent: 1,
		LockPath:      filepath.Join(t.TempDir(), "test.lock"),
	}, rec)
}

func TestSchedulerRunsMatchingJobs(t *testing.T) {
	rec := &runLog{}
	s := newTestScheduler(t, rec)

	ran := make(chan struct{}, 1)
	if err := s.Register(&Job{Name: "every-minute", Cron: MustParseCron("* * * * *"), Run: func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	_ = s.Register(&Job{Name: "failing", Cron: MustParseCron("* * * * *"), Category: CategoryMaintenance, Run: func(ctx context.Context) error {
		return errors.New("disk full")
	}})
	_ = s.Register(&Job{Name: "midnight-only", Cron: MustParseCron("0 0 * * *"), Run: func(ctx context.Context) error {
		t.Error("midnight job must not run at noon")
		return nil
	}})

	s.tick(context.Background(), time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	s.running.Wait()

	if got := rec.statuses("every-minute"); len(got) != 1 || got[0] != StatusOK {
		t.Fatalf("every-minute runs = %v", got)
	}
	if got := rec.statuses("failing"); len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("failing runs = %v", got)
	}
	if got := rec.statuses("midnight-only"); len(got) != 0 {
		t.Fatalf("midnight-only runs = %v", got)
	}
}

func TestSchedulerSkipsWhenCategoryBusy(t *testing.T) {
	rec := &runLog{}
	s := newTestScheduler(t, rec)

	release := make(chan struct{})
	_ = s.Register(&Job{Name: "slow", Cron: MustParseCron("* * * * *"), Run: func(ctx context.Context) error {
		<-release
		return nil
	}})

	now := time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC)
	s.tick(context.Background(), now)
	s.tick(context.Background(), now.Add(time.Minute))
	close(release)
	s.running.Wait()

	got := rec.statuses("slow")
	if len(got) != 2 || got[0] != StatusSkippedConcurrency || got[1] != StatusOK {
		t.Fatalf("slow runs = %v", got)
	}
}

func TestRegisterRejectsIncompleteJobs(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Register(&Job{Name: "x", Cron: MustParseCron("* * * * *")}); err == nil {
		t.Fatal("expected error for job without Run")
	}
	if len(s.Jobs()) != 0 {
		t.Fatal("incomplete job registered")
	}
}

func TestSchedulerLockPreventsOverlap(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "overlap.lock")
	s1 := New(Config{LockPath: lockPath}, nil)
	s2 := New(Config{LockPath: lockPath}, nil)

	acquired, err := s1.lock.TryLock()
	if err != nil || !acquired {
		t.Fatal("s1 should acquire lock")
	}
	acquired2, err := s2.lock.TryLock()
	if err != nil {
		t.Fatal("unexpected error on s2 lock:", err)
	}
	if acquired2 {
		t.Error("s2 should NOT acquire lock while s1 holds it")
		s2.lock.Unlock()
	}

	// A held lock makes the tick a no-op.
	ran := false
	_ = s2.Register(&Job{Name: "blocked", Cron: MustParseCron("* * * * *"), Run: func(ctx context.Context) error {
		ran = true
		return nil
	}})
	s2.tick(context.Background(), time.Now())
	s2.running.Wait()
	if ran {
		t.Error("job ran while another scheduler held the lock")
	}

	if err := s1.lock.Unlock(); err != nil {
		t.Fatal(err)
	}
	acquired3, err := s2.lock.TryLock()
	if err != nil || !acquired3 {
		t.Fatalf("s2 should acquire lock after s1 released: %v", err)
	}
	s2.lock.Unlock()
}

func TestSemaphoreConcurrencyLimit(t *testing.T) {
	sem := NewSemaphore(2)
	if !sem.TryAcquire() || !sem.TryAcquire() {
		t.Fatal("first two acquires should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third acquire should fail (cap=2)")
	}
	if sem.Available() != 0 {
		t.Errorf("Available() = %d, want 0", sem.Available())
	}
	sem.Release()
	if sem.Available() != 1 {
		t.Errorf("Available() = %d, want 1", sem.Available())
	}
}

type fakePruner struct {
	before time.Time
	err    error
}

func (f *fakePruner) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, f.err
}

func TestRetentionJob(t *testing.T) {
	now := time.Date(2026, 5, 31, 4, 30, 0, 0, time.UTC)
	p := &fakePruner{}
	job := RetentionJob(p, MustParseCron("30 4 * * *"), 90, func() time.Time { return now })

	if job.Name != RetentionJobName || job.Category != CategoryMaintenance {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := now.AddDate(0, 0, -90); !p.before.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", p.before, want)
	}

	p.err = errors.New("db locked")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("prune error must surface to the scheduler")
	}
}

func TestSchedulerReportsFailedRuns(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	s := New(Config{OnError: func(ctx context.Context, job string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, job+": "+err.Error())
	}}, nil)
	_ = s.Register(&Job{Name: "ok", Cron: MustParseCron("* * * * *"), Run: func(ctx context.Context) error { return nil }})
	_ = s.Register(&Job{Name: "broken", Cron: MustParseCron("* * * * *"), Category: CategoryMaintenance, Run: func(ctx context.Context) error {
		return errors.New("disk full")
	}})

	s.tick(context.Background(), time.Date(2026, 2, 15, 12, 30, 0, 0, time.UTC))
	s.running.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "broken: disk full" {
		t.Fatalf("reported failures = %v", failed)
	}
}

type pruneFunc func(before time.Time) int

func (f pruneFunc) PruneIdle(before time.Time) int { return f(before) }

func TestIdlePruneJob(t *testing.T) {
	now := time.Date(2026, 5, 31, 4, 30, 0, 0, time.UTC)
	var cutoffs []time.Time
	p := pruneFunc(func(before time.Time) int {
		cutoffs = append(cutoffs, before)
		return 2
	})
	job := IdlePruneJob(MustParseCron("*/10 * * * *"), time.Hour, func() time.Time { return now }, p, p)
	if job.Name != IdlePruneJobName {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := now.Add(-time.Hour)
	if len(cutoffs) != 2 || !cutoffs[0].Equal(want) || !cutoffs[1].Equal(want) {
		t.Fatalf("cutoffs = %v, want two of %s", cutoffs, want)
	}
}
