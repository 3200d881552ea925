package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	declareErr error
	publishErr error
	closed     int
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func TestPublisher_DeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	if _, err := newPublisher(ch, "booking.events", zerolog.Nop()); err != nil {
		t.Fatalf("newPublisher: %v", err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "booking.events:topic" {
		t.Errorf("expected topic exchange declaration, got %v", ch.declared)
	}
}

func TestPublisher_DeclareFailure(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	if _, err := newPublisher(ch, "booking.events", zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if ch.closed != 1 {
		t.Error("expected channel to be closed after a failed declare")
	}
}

func TestPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newPublisher(ch, "booking.events", zerolog.Nop())
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	payload := map[string]any{"reservation_id": 12, "slot_id": 40}
	if err := p.Publish(context.Background(), "booking.reservation.scheduled", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("expected one message, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if ch.keys[0] != "booking.events/booking.reservation.scheduled" {
		t.Errorf("unexpected exchange/key %s", ch.keys[0])
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("unexpected message properties: %+v", msg)
	}
	if msg.MessageId == "" || !msg.Timestamp.Equal(at) {
		t.Errorf("expected message id and timestamp, got %q %s", msg.MessageId, msg.Timestamp)
	}
	var decoded map[string]float64
	if err := json.Unmarshal(msg.Body, &decoded); err != nil || decoded["slot_id"] != 40 {
		t.Errorf("unexpected body %s (%v)", msg.Body, err)
	}
}

func TestPublisher_PublishErrors(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newPublisher(ch, "booking.events", zerolog.Nop())

	if err := p.Publish(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected encode error for unserialisable payload")
	}

	ch.publishErr = amqp.ErrClosed
	if err := p.Publish(context.Background(), "k", "x"); !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("expected wrapped amqp.ErrClosed, got %v", err)
	}
}

func TestPublisher_ReconnectsOnClosedChannel(t *testing.T) {
	stale := &fakeChannel{}
	fresh := &fakeChannel{}
	chans := []*fakeChannel{stale, fresh}
	var dials, connClosed int
	dial := func() (channel, func() error, error) {
		ch := chans[dials]
		dials++
		return ch, func() error { connClosed++; return nil }, nil
	}

	p, err := dialPublisher(dial, "booking.events", zerolog.Nop())
	if err != nil {
		t.Fatalf("dialPublisher: %v", err)
	}
	stale.publishErr = amqp.ErrClosed

	if err := p.Publish(context.Background(), "booking.reservation.scheduled", "x"); err != nil {
		t.Fatalf("expected publish to succeed after reconnect: %v", err)
	}
	if dials != 2 || len(fresh.published) != 1 {
		t.Errorf("expected one redial and one message on the new channel, got dials=%d published=%d", dials, len(fresh.published))
	}
	if len(fresh.declared) != 1 {
		t.Errorf("expected exchange redeclared on the new channel, got %v", fresh.declared)
	}
	if stale.closed != 1 || connClosed != 1 {
		t.Errorf("expected stale channel and connection closed, got %d and %d", stale.closed, connClosed)
	}
}

func TestPublisher_ReconnectFailure(t *testing.T) {
	ch := &fakeChannel{}
	dialed := false
	dial := func() (channel, func() error, error) {
		if dialed {
			return nil, nil, errors.New("connection refused")
		}
		dialed = true
		return ch, func() error { return nil }, nil
	}
	p, err := dialPublisher(dial, "booking.events", zerolog.Nop())
	if err != nil {
		t.Fatalf("dialPublisher: %v", err)
	}
	ch.publishErr = amqp.ErrClosed

	if err := p.Publish(context.Background(), "k", "x"); !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("expected wrapped amqp.ErrClosed, got %v", err)
	}
}

func TestPublisher_Close(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newPublisher(ch, "booking.events", zerolog.Nop())

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ch.closed != 1 {
		t.Errorf("expected channel closed once, got %d", ch.closed)
	}
	if err := p.Publish(context.Background(), "k", "x"); err == nil {
		t.Error("expected error publishing after close")
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), "k", nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
