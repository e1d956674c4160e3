package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// Outbox is the slice of the store the relay reads from.
type Outbox interface {
	UndeliveredEvents(ctx context.Context, limit int) ([]*model.Event, error)
	MarkEventsDelivered(ctx context.Context, ids []int64) error
}

// Relay drains the outbox to the bus. Events are marked delivered only
// after a successful publish, so a crash between publish and mark re-sends
// on the next pass (at-least-once). Rows are drained in outbox-id order,
// which preserves per-record commit order on the wire.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	fanout    func(*model.Event)

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithFanout registers a local delivery callback invoked for every
// published event (the SSE hub hangs off this).
func WithFanout(fn func(*model.Event)) RelayOption {
	return func(r *Relay) { r.fanout = fn }
}

// WithBatchSize sets how many events one pass drains.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// NewRelay creates a relay that drains the outbox to the publisher at the
// given interval.
func NewRelay(outbox Outbox, publisher Publisher, interval time.Duration, logger *slog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: 256,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins draining. One pass runs immediately, then on each tick or
// kick.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop cancels the relay and waits for the current pass to finish.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Kick requests an immediate pass without waiting for the next tick. It
// never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Relay) run(ctx context.Context) {
	r.drain(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		case <-r.kick:
			r.drain(ctx)
		}
	}
}

// drain publishes undelivered events until the outbox is empty or a
// publish fails. A full batch means more may be pending, so it loops.
func (r *Relay) drain(ctx context.Context) {
	for {
		n, err := r.DrainOnce(ctx)
		if err != nil {
			r.logger.Error("outbox drain failed", "error", err)
			return
		}
		if n < r.batchSize {
			return
		}
	}
}

// DrainOnce publishes one batch and returns how many events went out.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	events, err := r.outbox.UndeliveredEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	delivered := make([]int64, 0, len(events))
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev.Topic, ev); err != nil {
			// Mark what got out so far; the rest is retried next pass.
			if markErr := r.mark(ctx, delivered); markErr != nil {
				return len(delivered), markErr
			}
			return len(delivered), err
		}
		if r.fanout != nil {
			r.fanout(ev)
		}
		delivered = append(delivered, ev.ID)
	}
	return len(delivered), r.mark(ctx, delivered)
}

func (r *Relay) mark(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.outbox.MarkEventsDelivered(ctx, ids)
}
