package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// Handler executes one fired action. A nil return marks the fire complete;
// an error leaves the claim in place so the action is reclaimed and
// retried after the grace period.
type Handler func(ctx context.Context, action *model.ScheduledAction) error

// Runner polls for due actions and fires them. Claims go through the
// store's skip-locked update, so multiple runners never double-claim in
// the same instant; a runner that dies mid-fire loses its claim after the
// grace period and the action fires again (at-least-once). Handlers whose
// effects must be exactly-once carry an idempotency key: the ledger claim
// decides whether the effect runs, and a losing fire completes without
// re-applying it.
type Runner struct {
	store    ActionStore
	handlers map[string]Handler
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerClock overrides the time source, used by tests.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithBatch sets how many actions one poll claims.
func WithBatch(n int) RunnerOption {
	return func(r *Runner) { r.batch = n }
}

// NewRunner creates a runner polling at interval; grace is how long a
// claim is honored before a stalled action is reclaimed.
func NewRunner(s ActionStore, interval, grace time.Duration, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    s,
		handlers: make(map[string]Handler),
		interval: interval,
		grace:    grace,
		batch:    32,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler name to its implementation. Register all
// handlers before Start.
func (r *Runner) Register(action string, h Handler) {
	r.handlers[action] = h
}

// Start begins polling.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop cancels the runner and waits for in-flight fires to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("scheduler poll failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due actions and fires them, returning how
// many completed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	actions, err := r.store.ClaimDueActions(ctx, now, r.grace, r.batch)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, a := range actions {
		if err := r.fire(ctx, a); err != nil {
			// The claim stays; the grace reclaim retries it.
			r.logger.Error("action fire failed",
				"action_id", a.ID, "action", a.Action, "attempt", a.Attempts, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

func (r *Runner) fire(ctx context.Context, a *model.ScheduledAction) error {
	apply := true
	key := a.NextIdempotencyKey()
	if key != "" {
		fresh, err := r.store.ClaimIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		// A lost claim means a previous fire already applied the effect;
		// this fire still completes so the action leaves the firing state.
		apply = fresh
	}

	if apply {
		h, ok := r.handlers[a.Action]
		if !ok {
			r.logger.Warn("no handler registered for action",
				"action_id", a.ID, "action", a.Action)
		} else if err := h(ctx, a); err != nil {
			// The effect did not apply, so the claim must not survive:
			// otherwise the grace reclaim would see a spent key and mark
			// the action fired with the effect never having run.
			if key != "" {
				if relErr := r.store.ReleaseIdempotencyKey(ctx, key); relErr != nil {
					r.logger.Error("failed to release idempotency claim",
						"action_id", a.ID, "key", key, "error", relErr)
				}
			}
			return err
		}
	}

	now := r.now()
	if a.RepeatEvery > 0 {
		return r.store.RearmAction(ctx, a.ID, now.Add(a.RepeatEvery))
	}
	return r.store.MarkActionFired(ctx, a.ID, now)
}
