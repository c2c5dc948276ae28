package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

func receive(t *testing.T, sub domain.Subscription) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("подписка закрыта раньше времени")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("событие не пришло")
	}
	return domain.ChangeEvent{}
}

func TestHubSharesOneUpstreamSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &stubStream{subs: make(chan *subscription, 4)}
	hub := NewHub(source, Tables, zerolog.Nop())
	go hub.Run(ctx)
	upstream := <-source.subs

	var subs []domain.Subscription
	for i := 0; i < 20; i++ {
		sub, err := hub.Subscribe(ctx, domain.TablePosts)
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		subs = append(subs, sub)
	}
	saved, err := hub.Subscribe(ctx, domain.TableSavedPosts)
	if err != nil {
		t.Fatalf("subscribe saved: %v", err)
	}

	upstream.deliver(domain.ChangeEvent{Table: domain.TableSavedPosts, Kind: domain.ChangeInsert})
	upstream.deliver(domain.ChangeEvent{Table: domain.TablePosts, Kind: domain.ChangeDelete})

	for i, sub := range subs {
		if ev := receive(t, sub); ev.Table != domain.TablePosts {
			t.Fatalf("подписчик %d получил событие чужой таблицы %q", i, ev.Table)
		}
	}
	if ev := receive(t, saved); ev.Table != domain.TableSavedPosts {
		t.Fatalf("saved получил %q", ev.Table)
	}

	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	if calls != 1 {
		t.Fatalf("к источнику должна быть одна подписка, было %d", calls)
	}
}

func TestHubCloseAndCancelRemoveSubscriber(t *testing.T) {
	hub := NewHub(&stubStream{subs: make(chan *subscription, 1)}, Tables, zerolog.Nop())
	sub, _ := hub.Subscribe(context.Background())
	subCtx, cancel := context.WithCancel(context.Background())
	other, _ := hub.Subscribe(subCtx)
	if hub.Len() != 2 {
		t.Fatalf("ожидали 2 подписки, получили %d", hub.Len())
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("после Close канал должен закрыться")
	}
	if sub.Err() != nil {
		t.Fatalf("закрытая подписка не должна сообщать ошибку: %v", sub.Err())
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Len() != 0 {
		t.Fatal("отмена контекста должна снять подписку")
	}
	if _, ok := <-other.Events(); ok {
		t.Fatal("канал отменённой подписки должен закрыться")
	}
}

func TestHubSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	hub := NewHub(nil, Tables, zerolog.Nop())
	slow, _ := hub.Subscribe(context.Background())
	fast, _ := hub.Subscribe(context.Background())

	for i := 0; i < DefaultBuffer+5; i++ {
		hub.Dispatch(domain.ChangeEvent{Table: domain.TablePosts, Kind: domain.ChangeInsert})
		receive(t, fast)
	}
	if got := len(slow.Events()); got != DefaultBuffer {
		t.Fatalf("медленный подписчик должен держать полный буфер, получили %d", got)
	}
}

func TestHubStopFinishesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &stubStream{subs: make(chan *subscription, 1)}
	hub := NewHub(source, Tables, zerolog.Nop())
	sub, _ := hub.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	<-source.subs
	cancel()
	<-done

	if _, ok := <-sub.Events(); ok {
		t.Fatal("после остановки канал должен закрыться")
	}
	if !errors.Is(sub.Err(), ErrHubClosed) {
		t.Fatalf("ожидали ErrHubClosed, получили %v", sub.Err())
	}
	if _, err := hub.Subscribe(context.Background()); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Subscribe после остановки: %v", err)
	}
}

func TestHubResubscribesKeepingLocalSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &stubStream{subs: make(chan *subscription, 4)}
	hub := NewHub(source, Tables, zerolog.Nop()).WithRetry(10 * time.Millisecond)
	sub, _ := hub.Subscribe(ctx, domain.TablePosts)
	go hub.Run(ctx)

	first := <-source.subs
	first.finish(errors.New("connection reset"))

	var second *subscription
	select {
	case second = <-source.subs:
	case <-time.After(2 * time.Second):
		t.Fatal("hub не переподписался")
	}
	second.deliver(domain.ChangeEvent{Table: domain.TablePosts, Kind: domain.ChangeUpdate})
	if ev := receive(t, sub); ev.Kind != domain.ChangeUpdate {
		t.Fatalf("получили %q", ev.Kind)
	}
}
