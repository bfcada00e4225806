package realtime

import (
	"log/slog"
	"sync"
)

// Subscriber は変更通知の購読インターフェース。
type Subscriber interface {
	Subscribe(filter Filter) *Subscription
}

// Hub はプロセス内の変更通知ファンアウト。
// 同一購読内では発行順を保ち、購読ごとに上限のないキューを持つため
// 遅い購読者が他の購読者や発行側をブロックしない。
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe は購読を開始する。利用側は不要になった時点でUnsubscribeを呼び出す。
func (h *Hub) Subscribe(filter Filter) *Subscription {
	s := newSubscription(filter, h.remove)
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("購読を開始しました",
		slog.String("table", filter.Table),
		slog.String("column", filter.Column),
	)
	return s
}

// Publish は条件に一致する全購読へ通知を配信する。
func (h *Hub) Publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter.Match(c) {
			s.enqueue(c)
		}
	}
}

// Len は有効な購読数を返す。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription は変更通知の購読ハンドル。
type Subscription struct {
	filter   Filter
	onClose  func(*Subscription)
	mu       sync.Mutex
	queue    []Change
	wake     chan struct{}
	out      chan Change
	done     chan struct{}
	closeOne sync.Once
}

func newSubscription(filter Filter, onClose func(*Subscription)) *Subscription {
	s := &Subscription{
		filter:  filter,
		onClose: onClose,
		wake:    make(chan struct{}, 1),
		out:     make(chan Change),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

// Changes は通知を受け取るチャネルを返す。Unsubscribe後にクローズされる。
func (s *Subscription) Changes() <-chan Change {
	return s.out
}

// Filter は購読条件を返す。
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Unsubscribe は購読を終了する。複数回呼び出しても安全。
// 呼び出し後、未配信の通知は破棄される。
func (s *Subscription) Unsubscribe() {
	s.closeOne.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Subscription) enqueue(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Change
		ok := len(s.queue) > 0
		if ok {
			next = s.queue[0]
			s.queue[0] = Change{}
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// compile-time interface check
var _ Subscriber = (*Hub)(nil)
