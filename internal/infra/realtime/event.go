package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// ErrMalformedEvent возвращается для payload, не похожего на изменение строки.
var ErrMalformedEvent = errors.New("malformed change event")

// DefaultBuffer — размер буфера событий подписки.
const DefaultBuffer = 64

type wireEvent struct {
	domain.ChangeEvent
	EventType domain.ChangeKind `json:"eventType"`
	Old       json.RawMessage   `json:"old"`
	New       json.RawMessage   `json:"new"`
}

// Decode разбирает payload изменения. Понимает и поля type/record/old_record,
// и вариант eventType/new/old.
func Decode(raw []byte) (domain.ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := w.ChangeEvent
	if ev.Kind == "" {
		ev.Kind = w.EventType
	}
	if len(ev.Record) == 0 && len(w.New) > 0 {
		ev.Record = w.New
	}
	if len(ev.OldRecord) == 0 && len(w.Old) > 0 {
		ev.OldRecord = w.Old
	}
	ev.Kind = domain.ChangeKind(strings.ToUpper(string(ev.Kind)))
	if ev.Table == "" {
		return domain.ChangeEvent{}, fmt.Errorf("%w: table", ErrMalformedEvent)
	}
	switch ev.Kind {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return domain.ChangeEvent{}, fmt.Errorf("%w: type %q", ErrMalformedEvent, ev.Kind)
	}
	if ev.Schema == "" {
		ev.Schema = "public"
	}
	return ev, nil
}

// Encode сериализует событие в формат, который понимает Decode.
func Encode(ev domain.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

type tableFilter map[string]struct{}

func newTableFilter(tables []string) tableFilter {
	f := make(tableFilter, len(tables))
	for _, t := range tables {
		f[t] = struct{}{}
	}
	return f
}

func (f tableFilter) accept(table string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[table]
	return ok
}

// subscription — общая реализация domain.Subscription. Производитель
// вызывает deliver и ровно один раз finish; потребитель читает Events.
type subscription struct {
	events  chan domain.ChangeEvent
	done    chan struct{}
	once    sync.Once
	closeFn func() error

	mu  sync.Mutex
	err error
}

func newSubscription(closeFn func() error) *subscription {
	return &subscription{
		events:  make(chan domain.ChangeEvent, DefaultBuffer),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}

func (s *subscription) deliver(ev domain.ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// offer кладёт событие без ожидания. false, если буфер полон или подписка
// закрыта.
func (s *subscription) offer(ev domain.ChangeEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) finish(err error) {
	s.mu.Lock()
	if !s.closed() {
		s.err = err
	}
	s.mu.Unlock()
	close(s.events)
}
