// Package event はVibe（イベント）の同期と書き込みを提供する。
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/realtime"
	"github.com/hitoshi/vibex/internal/repository"
)

// Table はイベントの変更通知を購読するテーブル名。
const Table = "events"

// Sync はstatus=activeのイベント一覧をローカルにキャッシュする。
// eventsテーブルの変更通知を受けるたびに一覧全体を再取得する。
// 再取得中に届いた通知は次の1回の再取得にまとめる。
type Sync struct {
	events repository.EventRepository
	bus    realtime.Subscriber
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	list      []model.Event
	loaded    bool
	fetchedAt time.Time
	fetches   int
	err       *model.APIError

	changed chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSync はSyncを生成する。
func NewSync(events repository.EventRepository, bus realtime.Subscriber, logger *slog.Logger) *Sync {
	return &Sync{
		events:  events,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		changed: make(chan struct{}, 1),
	}
}

// Start は変更通知を購読してから初回の取得を行う。
// 購読を先に開始するため、初回取得と並行して発生した変更も取りこぼさない。
func (s *Sync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	sub := s.bus.Subscribe(realtime.Filter{Table: Table})
	go s.run(ctx, sub)
}

func (s *Sync) run(ctx context.Context, sub *realtime.Subscription) {
	defer close(s.done)
	defer sub.Unsubscribe()

	// 通知の受信は取得と独立して進め、取得中に届いた通知を1回分の再取得要求にまとめる
	pending := make(chan struct{}, 1)
	go func() {
		for c := range sub.Changes() {
			s.logger.Debug("イベントの変更を検知しました", slog.String("type", string(c.Type)))
			select {
			case pending <- struct{}{}:
			default:
			}
		}
	}()

	s.refetch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pending:
			s.refetch(ctx)
		}
	}
}

// refetch はrunのゴルーチンからのみ呼ばれるため、取得が並行することはない。
func (s *Sync) refetch(ctx context.Context) {
	started := s.now()
	list, err := s.events.ListActive(ctx)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.fetches++
	if err != nil {
		s.logger.Error("イベント一覧の取得に失敗しました", slog.String("error", err.Error()))
		s.err = model.NewDataFetchError("イベント一覧")
	} else {
		s.list = list
		s.loaded = true
		s.fetchedAt = started
		s.err = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Sync) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changes はキャッシュまたはエラー状態が変化したことを通知するチャネルを返す。
// 連続した変化は1件にまとめられる。
func (s *Sync) Changes() <-chan struct{} {
	return s.changed
}

// Events はキャッシュ中のactiveイベントのコピーを返す。
func (s *Sync) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, len(s.list))
	for i, e := range s.list {
		out[i] = e.Clone()
	}
	return out
}

// Visible は閲覧者に表示するイベントを返す。
// 期限切れは保存上のstatusに関係なく除外し、非公開は作成者にのみ表示する。
func (s *Sync) Visible(viewerID string, now time.Time) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Event{}
	for _, e := range s.list {
		if e.VisibleTo(viewerID, now) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Loaded は一度でも取得に成功したかを返す。
func (s *Sync) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// FetchedAt は現在のキャッシュを得た取得の開始時刻を返す。
func (s *Sync) FetchedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchedAt
}

// Fetches は完了した取得の回数を返す。
func (s *Sync) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Err は直近の取得エラーを返す。キャッシュは保持されたまま表示される。
func (s *Sync) Err() *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// DismissError はエラーバナーを閉じる。
func (s *Sync) DismissError() {
	s.mu.Lock()
	changed := s.err != nil
	s.err = nil
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Close は購読を解除し、実行中の取得の結果を破棄する。
func (s *Sync) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
