package toggle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Writer persists one coalesced batch of toggle states.
type Writer interface {
	WriteToggleBatch(ctx context.Context, batch map[Key]bool) error
}

// WorkerConfig holds persistence worker settings.
type WorkerConfig struct {
	MaxBatch      int           // distinct keys per durable write
	MaxAttempts   int           // total attempts per batch, including the first
	BackoffBase   time.Duration // delay before the second attempt
	BackoffCap    time.Duration
	WriteTimeout  time.Duration // bound on a single durable write
	ShutdownGrace time.Duration // bound on the final drain
	// OnDrop is called when a batch is given up after its last attempt.
	OnDrop func(keys int, err error)
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxBatch:      512,
		MaxAttempts:   5,
		BackoffBase:   200 * time.Millisecond,
		BackoffCap:    10 * time.Second,
		WriteTimeout:  5 * time.Second,
		ShutdownGrace: 5 * time.Second,
	}
}

var errInterrupted = errors.New("toggle: batch interrupted by shutdown")

// Worker drains the store's change queue into durable storage.
type Worker struct {
	store  *Store
	writer Writer
	cfg    WorkerConfig
	done   chan struct{}
}

// NewWorker creates the single consumer of s's change queue.
func NewWorker(s *Store, w Writer, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Worker{store: s, writer: w, cfg: cfg, done: make(chan struct{})}
}

// Done is closed once Run has returned and the final drain is over.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run blocks until ctx is cancelled, then drains what is left within the
// shutdown grace period.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	slog.Info("Toggle persistence worker started", "max_batch", w.cfg.MaxBatch, "max_attempts", w.cfg.MaxAttempts)

	var carry map[Key]bool
	for {
		select {
		case <-ctx.Done():
			w.drain(carry)
			slog.Info("Toggle persistence worker stopped")
			return ctx.Err()
		case c := <-w.store.queue:
			batch := w.collect(c)
			switch err := w.writeWithRetry(ctx, context.Background(), batch); {
			case err == nil:
				slog.Debug("Toggle batch persisted", "keys", len(batch))
			case errors.Is(err, errInterrupted):
				// keep the batch for the shutdown drain
				if carry == nil {
					carry = make(map[Key]bool, len(batch))
				}
				for k, v := range batch {
					carry[k] = v
				}
			default:
				slog.Error("Toggle batch dropped", "keys", len(batch), "attempts", w.cfg.MaxAttempts, "error", err)
				w.dropped(len(batch), err)
			}
		}
	}
}

// collect coalesces first and whatever else is queued right now. The value
// written for a key is the store's current in-memory value, so the durable
// state converges on what Get reports.
func (w *Worker) collect(first Change) map[Key]bool {
	batch := map[Key]bool{first.Key: w.resolve(first)}
	for len(batch) < w.cfg.MaxBatch {
		select {
		case c := <-w.store.queue:
			batch[c.Key] = w.resolve(c)
		default:
			return batch
		}
	}
	return batch
}

func (w *Worker) resolve(c Change) bool {
	if v, ok := w.store.lookup(c.Key); ok {
		return v
	}
	return c.Enabled
}

// writeWithRetry makes up to MaxAttempts writes. Backoff waits end early when
// ctx is done; each write runs under parent bounded by WriteTimeout.
func (w *Worker) writeWithRetry(ctx, parent context.Context, batch map[Key]bool) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(parent, w.cfg.WriteTimeout)
		err := w.writer.WriteToggleBatch(writeCtx, batch)
		cancel()
		if err == nil {
			if attempt > 1 {
				slog.Info("Toggle batch persisted after retry", "keys", len(batch), "attempt", attempt)
			}
			return nil
		}
		lastErr = err
		if attempt == w.cfg.MaxAttempts {
			break
		}

		sleep := backoffDelay(attempt, w.cfg.BackoffBase, w.cfg.BackoffCap)
		slog.Warn("Toggle batch write failed", "keys", len(batch), "attempt", attempt, "sleep", sleep, "error", err)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errInterrupted
		case <-timer.C:
		}
	}
	return fmt.Errorf("persist %d toggles: %w", len(batch), lastErr)
}

// drain writes carry plus everything still queued, bounded by ShutdownGrace.
func (w *Worker) drain(carry map[Key]bool) {
	batch := make(map[Key]bool, len(carry))
	for k, v := range carry {
		batch[k] = v
	}
queued:
	for {
		select {
		case c := <-w.store.queue:
			batch[c.Key] = w.resolve(c)
		default:
			break queued
		}
	}
	if len(batch) == 0 {
		return
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer cancel()
	if err := w.writeWithRetry(graceCtx, graceCtx, batch); err != nil {
		slog.Error("Toggle shutdown drain failed", "keys", len(batch), "error", err)
		w.dropped(len(batch), err)
		return
	}
	slog.Info("Toggle shutdown drain persisted", "keys", len(batch))
}

func (w *Worker) dropped(keys int, err error) {
	if w.cfg.OnDrop != nil {
		w.cfg.OnDrop(keys, err)
	}
}

// backoffDelay is base*2^(attempt-1) with +/-25% jitter, capped.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > limit {
		d = limit
	}
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(d) * (1 + delta))
	if wait < 0 {
		wait = d
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
