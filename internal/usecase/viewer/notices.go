package viewer

import (
	"sync"
	"time"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// DefaultNoticeCapacity — сколько последних уведомлений хранится.
const DefaultNoticeCapacity = 32

// Notices — кольцевой буфер уведомлений зрителя. Реализует domain.Notifier.
type Notices struct {
	mu       sync.Mutex
	seq      uint64
	buf      []domain.Notice
	capacity int
	now      func() time.Time
	watchers map[int]chan struct{}
	nextID   int
}

// NewNotices создаёт буфер заданной ёмкости.
func NewNotices(capacity int) *Notices {
	if capacity <= 0 {
		capacity = DefaultNoticeCapacity
	}
	return &Notices{capacity: capacity, now: time.Now, watchers: make(map[int]chan struct{})}
}

// Notify добавляет уведомление.
func (n *Notices) Notify(level domain.NoticeLevel, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.buf = append(n.buf, domain.Notice{Seq: n.seq, Level: level, Message: message, At: n.now()})
	if len(n.buf) > n.capacity {
		n.buf = append([]domain.Notice(nil), n.buf[len(n.buf)-n.capacity:]...)
	}
	for _, ch := range n.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Since возвращает уведомления с номером больше seq.
func (n *Notices) Since(seq uint64) []domain.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Notice, 0, len(n.buf))
	for _, notice := range n.buf {
		if notice.Seq > seq {
			out = append(out, notice)
		}
	}
	return out
}

// Last возвращает номер последнего уведомления.
func (n *Notices) Last() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Watch подписывает на появление новых уведомлений.
func (n *Notices) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.watchers[id] = ch
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.watchers[id]; ok {
			delete(n.watchers, id)
			close(ch)
		}
	}
}
