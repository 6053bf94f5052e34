package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
)

type fakePublisher struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	block  chan struct{}
	closed bool
}

func (p *fakePublisher) Name() string { return "fake" }

func (p *fakePublisher) Publish(ctx context.Context, data []byte) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.got = append(p.got, data)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestRelayForwardsInOrder(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub)
	sink := r.Sink()
	for i := 0; i < 5; i++ {
		env, _ := event.New(event.TypeTaskProgress, map[string]int{"step": i})
		sink(env)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if !pub.closed || len(pub.got) != 5 {
		t.Fatalf("expected 5 published events and closed publisher, got %d closed=%v", len(pub.got), pub.closed)
	}
	for i, data := range pub.got {
		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		var payload struct{ Step int }
		_ = json.Unmarshal(env.Payload, &payload)
		if payload.Step != i {
			t.Fatalf("event %d out of order: %d", i, payload.Step)
		}
	}
	if published, dropped := r.Stats(); published != 5 || dropped != 0 {
		t.Fatalf("unexpected stats %d/%d", published, dropped)
	}
}

func TestRelayDropsWhenFullAndIgnoresAfterClose(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	r := New(pub, WithBuffer(1))
	sink := r.Sink()
	env, _ := event.New(event.TypeTaskStarted, nil)
	for i := 0; i < 10; i++ {
		sink(env)
	}
	if _, dropped := r.Stats(); dropped == 0 {
		t.Fatalf("expected dropped events with a blocked publisher")
	}
	close(pub.block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sink(env)
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}

func TestRelayKeepsRunningAfterPublishFailure(t *testing.T) {
	pub := &fakePublisher{fail: true}
	r := New(pub)
	env, _ := event.New(event.TypeTaskStarted, nil)
	r.Sink()(env)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if published, _ := r.Stats(); published != 0 {
		t.Fatalf("failed publish must not be counted")
	}
}

func TestPublishersRequireAddress(t *testing.T) {
	if _, err := NewRedisPublisher(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty redis address")
	}
	if _, err := NewRabbitMQPublisher(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error for empty rabbitmq url")
	}
}
