// Package dispatch fans one inbound event out to every enabled feature
// handler concurrently and merges their outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/chatgate/internal/bus"
)

// ErrHandlerTimeout prefixes failures of handlers that ran past the bound.
var ErrHandlerTimeout = errors.New("timeout")

// Handler runs one feature against one event. A returned error is recorded
// as that feature's failure and never affects sibling handlers.
type Handler func(ctx context.Context, evt *bus.InboundMessage) error

// Route binds a feature name to its handler.
type Route struct {
	Feature string
	Handler Handler
}

// Gate reports whether a feature is enabled in a chat.
type Gate interface {
	Get(chatScope int64, feature string) bool
}

// Outcome is the result of one handler invocation.
type Outcome struct {
	Feature string
	Err     error
	Elapsed time.Duration
}

// Failed reports whether the handler failed.
func (o Outcome) Failed() bool { return o.Err != nil }

// Result aggregates the outcomes of one dispatch. Outcomes are kept in
// registration order regardless of completion order.
type Result struct {
	Outcomes []Outcome
	Skipped  []string
}

// OK reports whether every enabled handler succeeded. A dispatch where every
// handler was skipped is OK.
func (r Result) OK() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return false
		}
	}
	return true
}

// Failures returns the failed outcomes in registration order.
func (r Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Message concatenates failure messages verbatim in registration order.
// Empty when OK.
func (r Result) Message() string {
	var parts []string
	for _, o := range r.Outcomes {
		if o.Failed() {
			parts = append(parts, o.Err.Error())
		}
	}
	return strings.Join(parts, "; ")
}

// Engine runs gated handlers concurrently.
type Engine struct {
	gate    Gate
	timeout time.Duration
}

// NewEngine creates an engine. timeout bounds every handler; zero disables
// the bound.
func NewEngine(gate Gate, timeout time.Duration) *Engine {
	return &Engine{gate: gate, timeout: timeout}
}

// Dispatch runs every route enabled for evt.ChatScope and waits for all of
// them (or their timeouts).
func (e *Engine) Dispatch(ctx context.Context, evt *bus.InboundMessage, routes []Route) Result {
	var res Result
	enabled := make([]Route, 0, len(routes))
	for _, r := range routes {
		if e.gate != nil && !e.gate.Get(evt.ChatScope, r.Feature) {
			res.Skipped = append(res.Skipped, r.Feature)
			continue
		}
		enabled = append(enabled, r)
	}
	if len(enabled) == 0 {
		return res
	}

	res.Outcomes = make([]Outcome, len(enabled))
	var g errgroup.Group
	for i, r := range enabled {
		g.Go(func() error {
			res.Outcomes[i] = e.invoke(ctx, evt, r)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range res.Failures() {
		slog.Warn("Feature handler failed", "feature", o.Feature, "chat_scope", evt.ChatScope, "elapsed", o.Elapsed, "error", o.Err)
	}
	return res
}

// invoke runs one handler in its own goroutine so a handler that ignores its
// context cannot hold up the merge past the timeout.
func (e *Engine) invoke(ctx context.Context, evt *bus.InboundMessage, r Route) Outcome {
	start := time.Now()
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if e.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- r.Handler(hctx, evt)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && hctx.Err() != nil && errors.Is(err, hctx.Err()) {
			err = e.deadlineErr(ctx, hctx, r)
		}
	case <-hctx.Done():
		err = e.deadlineErr(ctx, hctx, r)
	}
	return Outcome{Feature: r.Feature, Err: err, Elapsed: time.Since(start)}
}

// deadlineErr tells a handler timeout apart from cancellation of the whole
// dispatch.
func (e *Engine) deadlineErr(ctx, hctx context.Context, r Route) error {
	if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s did not finish within %s", ErrHandlerTimeout, r.Feature, e.timeout)
	}
	return fmt.Errorf("%s cancelled: %w", r.Feature, hctx.Err())
}
