package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// fakeOutbox is an in-memory Outbox.
type fakeOutbox struct {
	mu     sync.Mutex
	events []*model.Event
}

func (f *fakeOutbox) add(topic, entityID string, version int64) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := &model.Event{
		ID:         int64(len(f.events) + 1),
		Topic:      topic,
		EntityID:   entityID,
		NewVersion: version,
		CreatedAt:  time.Now(),
	}
	f.events = append(f.events, ev)
	return ev
}

func (f *fakeOutbox) UndeliveredEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Event
	for _, ev := range f.events {
		if ev.DeliveredAt == nil {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOutbox) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		for _, ev := range f.events {
			if ev.ID == id {
				ev.DeliveredAt = &now
			}
		}
	}
	return nil
}

func (f *fakeOutbox) undeliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.DeliveredAt == nil {
			n++
		}
	}
	return n
}

// recordingPublisher captures topics, optionally failing from a given call.
type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	failAt  int // 1-based call number to start failing at; 0 = never
	calls   int
	failErr error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls >= p.failAt {
		return p.failErr
	}
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDrainOncePublishesInOrder(t *testing.T) {
	outbox := &fakeOutbox{}
	outbox.add("aspect.combat.changed", "en-1", 1)
	outbox.add("aspect.combat.changed", "en-1", 2)
	outbox.add("entity.moved", "en-2", 0)

	pub := &recordingPublisher{}
	relay := NewRelay(outbox, pub, time.Second, testLogger())

	n, err := relay.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("drained %d, want 3", n)
	}
	want := []string{"aspect.combat.changed", "aspect.combat.changed", "entity.moved"}
	got := pub.published()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if outbox.undeliveredCount() != 0 {
		t.Errorf("undelivered = %d, want 0", outbox.undeliveredCount())
	}
}

func TestDrainOnceMarksOnlyPublished(t *testing.T) {
	outbox := &fakeOutbox{}
	outbox.add("aspect.combat.changed", "en-1", 1)
	outbox.add("aspect.combat.changed", "en-1", 2)
	outbox.add("aspect.combat.changed", "en-1", 3)

	pub := &recordingPublisher{failAt: 2, failErr: errors.New("bus down")}
	relay := NewRelay(outbox, pub, time.Second, testLogger())

	n, err := relay.DrainOnce(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if n != 1 {
		t.Errorf("drained %d, want 1", n)
	}
	// The failed and unsent events stay undelivered for the next pass.
	if outbox.undeliveredCount() != 2 {
		t.Errorf("undelivered = %d, want 2", outbox.undeliveredCount())
	}
}

func TestDrainOnceEmptyOutbox(t *testing.T) {
	relay := NewRelay(&fakeOutbox{}, &recordingPublisher{}, time.Second, testLogger())
	n, err := relay.DrainOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("DrainOnce on empty outbox = (%d, %v), want (0, nil)", n, err)
	}
}

func TestRelayFanout(t *testing.T) {
	outbox := &fakeOutbox{}
	outbox.add("entity.created", "en-1", 0)

	var mu sync.Mutex
	var local []string
	relay := NewRelay(outbox, &recordingPublisher{}, time.Second, testLogger(),
		WithFanout(func(ev *model.Event) {
			mu.Lock()
			local = append(local, ev.Topic)
			mu.Unlock()
		}))

	if _, err := relay.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(local) != 1 || local[0] != "entity.created" {
		t.Errorf("fanout saw %v, want [entity.created]", local)
	}
}

func TestRelayKickDrainsImmediately(t *testing.T) {
	outbox := &fakeOutbox{}
	pub := &recordingPublisher{}
	relay := NewRelay(outbox, pub, time.Hour, testLogger())
	relay.Start()
	defer relay.Stop()

	outbox.add("entity.created", "en-1", 0)
	relay.Kick()

	deadline := time.After(2 * time.Second)
	for outbox.undeliveredCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("kick did not trigger a drain before the tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRelayRedeliversAfterCrash(t *testing.T) {
	outbox := &fakeOutbox{}
	outbox.add("aspect.combat.changed", "en-1", 1)

	// First relay publishes but "crashes" before marking: simulate by a
	// publisher that succeeds while the mark is skipped via failure
	// injection on the second call path. Here we simply run a fresh relay
	// against the still-undelivered outbox.
	pub := &recordingPublisher{failAt: 1, failErr: errors.New("crash before mark")}
	relay := NewRelay(outbox, pub, time.Second, testLogger())
	if _, err := relay.DrainOnce(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if outbox.undeliveredCount() != 1 {
		t.Fatalf("event should remain undelivered")
	}

	// The next pass re-sends it: at-least-once.
	pub2 := &recordingPublisher{}
	relay2 := NewRelay(outbox, pub2, time.Second, testLogger())
	if _, err := relay2.DrainOnce(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if got := pub2.published(); len(got) != 1 {
		t.Errorf("redelivery published %v, want one event", got)
	}
}
