package events

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeKafkaReader struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

type fakeKafkaWriter struct {
	written []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestNewKafkaSubscriberValidation(t *testing.T) {
	if _, err := NewKafkaSubscriber(KafkaConfig{Topic: "events", GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaSubscriber(KafkaConfig{Brokers: []string{" "}, Topic: "events", GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are blank")
	}
	if _, err := NewKafkaSubscriber(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaSubscriber(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "events"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestKafkaSubscriberDecodes(t *testing.T) {
	ts := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	sub := &KafkaSubscriber{reader: &fakeKafkaReader{msgs: []kafka.Message{
		{Value: []byte(`{"event":"deal.won","tenantId":"c1","data":{"dealId":"d1"}}`), Time: ts},
		{Value: []byte(`not json`), Offset: 7},
		{Value: []byte(`{"tenantId":"c1"}`), Offset: 8},
	}}}

	ev, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Name != "deal.won" || ev.TenantID != "c1" || ev.Data["dealId"] != "d1" || !ev.OccurredAt.Equal(ts) {
		t.Fatalf("unexpected event %+v", ev)
	}
	for i := 0; i < 2; i++ {
		if _, err := sub.Next(context.Background()); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
	}
}

func TestKafkaPublisherKeysByTenant(t *testing.T) {
	w := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: w}
	if err := pub.Publish(context.Background(), Event{Name: "notification.sent", TenantID: "c9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.written) != 1 || string(w.written[0].Key) != "c9" {
		t.Fatalf("unexpected writes %+v", w.written)
	}
}

func TestMemoryBusRoundTrip(t *testing.T) {
	bus := NewMemoryBus(4)
	if err := bus.Publish(context.Background(), Event{Name: "contact.created", TenantID: "c1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev, err := bus.Next(context.Background())
	if err != nil || ev.Name != "contact.created" {
		t.Fatalf("unexpected next: %+v %v", ev, err)
	}
	if len(bus.Published()) != 1 {
		t.Fatalf("expected published event to be kept")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := bus.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	_ = bus.Close()
	if err := bus.Publish(context.Background(), Event{Name: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected publish on closed bus to fail, got %v", err)
	}
	if _, err := bus.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Next, got %v", err)
	}
}

func TestKafkaSubscriberClosed(t *testing.T) {
	sub := &KafkaSubscriber{reader: &fakeKafkaReader{err: io.EOF}}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
