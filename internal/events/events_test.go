package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

type mockSQS struct {
	inputs []*sqs.SendMessageInput
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingPublisher{}
	b := &recordingPublisher{err: boom}
	c := &recordingPublisher{}

	err := Multi{a, b, c}.Publish(context.Background(), New(LockAcquired, "cart-1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.got) != 1 || len(c.got) != 1 {
		t.Fatalf("every publisher should receive the event")
	}
}

func TestBus_FiltersByType(t *testing.T) {
	bus := NewBus()
	carts := bus.Subscribe(4, CartChanged)
	all := bus.Subscribe(4)
	defer carts.Close()
	defer all.Close()

	ctx := context.Background()
	_ = bus.Publish(ctx, New(LockAcquired, "c1"))
	_ = bus.Publish(ctx, New(CartChanged, "c1"))

	if got := len(all.C); got != 2 {
		t.Fatalf("unfiltered subscriber expected 2 events, got %d", got)
	}
	if got := len(carts.C); got != 1 {
		t.Fatalf("filtered subscriber expected 1 event, got %d", got)
	}
	if ev := <-carts.C; ev.Type != CartChanged {
		t.Fatalf("unexpected event type %s", ev.Type)
	}
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer sub.Close()

	ctx := context.Background()
	_ = bus.Publish(ctx, New(CartChanged, "c1"))
	_ = bus.Publish(ctx, New(CartChanged, "c2"))

	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", bus.Dropped())
	}
}

func TestBus_CloseDetaches(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	_ = bus.Publish(context.Background(), New(CartChanged, "c1"))
	if _, ok := <-sub.C; ok {
		t.Fatalf("closed subscription should not receive events")
	}
}

func TestSQSPublisher_Publish(t *testing.T) {
	mock := &mockSQS{}
	p := NewSQSPublisher(mock, "events-queue")
	ev := New(LockCompleted, "cart-9")
	ev.LockID = "lock-9"
	ev.OrderID = "order-9"

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	in := mock.inputs[0]
	var decoded Event
	if err := json.Unmarshal([]byte(*in.MessageBody), &decoded); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if decoded.OrderID != "order-9" || decoded.Type != LockCompleted {
		t.Fatalf("decoded event mismatch: %+v", decoded)
	}
	if v := in.MessageAttributes["event_type"].StringValue; v == nil || *v != string(LockCompleted) {
		t.Fatalf("event_type attribute missing")
	}
}

func TestKafkaMessage_KeyedByCart(t *testing.T) {
	ev := New(LockExpired, "cart-3")
	msg, err := kafkaMessage(ev)
	if err != nil {
		t.Fatalf("kafkaMessage error: %v", err)
	}
	if string(msg.Key) != "cart-3" {
		t.Fatalf("expected cart key, got %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(LockExpired) {
		t.Fatalf("event_type header missing: %+v", msg.Headers)
	}
}

func TestParseBrokers(t *testing.T) {
	got := ParseBrokers(" a:9092, ,b:9092,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if len(ParseBrokers("")) != 0 {
		t.Fatalf("expected no brokers")
	}
}
