package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/groblegark/aspectd/internal/model"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNoopPublisher(t *testing.T) {
	var _ Publisher = (*NoopPublisher)(nil)
	pub := &NoopPublisher{}
	if err := pub.Publish(context.Background(), model.TopicEntityCreated, nil); err != nil {
		t.Fatalf("NoopPublisher.Publish: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("NoopPublisher.Close: %v", err)
	}
}

func TestNATSPublisherPublishesJSON(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("aspect.combat.changed", ch)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	nc.Flush()

	ev := &model.Event{ID: 7, Topic: "aspect.combat.changed", EntityID: "en-1", NewVersion: 2}
	if err := pub.Publish(context.Background(), ev.Topic, ev); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	select {
	case msg := <-ch:
		var got model.Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshaling: %v", err)
		}
		if got.EntityID != "en-1" || got.NewVersion != 2 {
			t.Errorf("got %+v, want en-1 v2", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSSubscriberReceivesWildcard(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe("aspect.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	if err := pub.Publish(context.Background(), "aspect.combat.changed", map[string]string{"entity_id": "en-1"}); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	pub.conn.Flush()

	select {
	case msg := <-ch:
		if string(msg) != `{"entity_id":"en-1"}` {
			t.Errorf("got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSSubscriberCancelClosesChannel(t *testing.T) {
	url := startTestNATS(t)

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe("aspect.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRelayEndToEndOverNATS(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe("entity.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	outbox := &fakeOutbox{}
	outbox.add(model.TopicEntityCreated, "en-1", 0)
	relay := NewRelay(outbox, pub, time.Second, testLogger())
	if _, err := relay.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	select {
	case msg := <-ch:
		var got model.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshaling: %v", err)
		}
		if got.EntityID != "en-1" {
			t.Errorf("entity = %s, want en-1", got.EntityID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
	if outbox.undeliveredCount() != 0 {
		t.Errorf("outbox should be drained")
	}
}
