package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

type stubStream struct {
	mu    sync.Mutex
	calls int
	subs  chan *subscription
}

func (s *stubStream) Subscribe(_ context.Context, _ ...string) (domain.Subscription, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	sub := newSubscription(nil)
	s.subs <- sub
	return sub, nil
}

type stubSink struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (s *stubSink) Publish(_ context.Context, ev domain.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRelayForwardsToAllSinks(t *testing.T) {
	good := &stubSink{}
	bad := &stubSink{err: errors.New("broker down")}
	r := NewRelay(nil, map[string]domain.ChangePublisher{"redis": good, "amqp": bad}, nil, zerolog.Nop())

	r.Forward(context.Background(), domain.ChangeEvent{Table: "posts", Kind: domain.ChangeInsert})

	if good.count() != 1 || bad.count() != 1 {
		t.Fatalf("each sink must receive the event, got %d and %d", good.count(), bad.count())
	}
}

func TestRelayResubscribesAfterSourceEnds(t *testing.T) {
	stream := &stubStream{subs: make(chan *subscription, 4)}
	sink := &stubSink{}
	r := NewRelay(stream, map[string]domain.ChangePublisher{"redis": sink}, []string{"posts"}, zerolog.Nop()).
		WithRetry(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	first := <-stream.subs
	first.deliver(domain.ChangeEvent{Table: "posts", Kind: domain.ChangeInsert})
	first.finish(errors.New("connection lost"))

	second := <-stream.subs
	second.deliver(domain.ChangeEvent{Table: "posts", Kind: domain.ChangeDelete})

	deadline := time.After(2 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 forwarded events, got %d", sink.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRelayRequiresSinks(t *testing.T) {
	r := NewRelay(&stubStream{}, nil, nil, zerolog.Nop())
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error without sinks")
	}
}
