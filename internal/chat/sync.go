// Package chat は参加中Vibeのチャットメッセージを同期する。
package chat

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/realtime"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
)

// Table はメッセージの変更通知を購読するテーブル名。
const Table = "messages"

// MaxMessageLength はメッセージの最大文字数。
const MaxMessageLength = 500

// QuickReplies はワンタップで送信できる定型メッセージ。
var QuickReplies = []string{
	"On my way!",
	"Running 5 min late",
	"I'm here!",
	"Where are you?",
	"See you soon",
}

// UsernameLookup は送信者名の二次参照。
type UsernameLookup interface {
	FindUsername(ctx context.Context, id string) (string, bool, error)
}

// SendLimiter は送信者単位の送信レート制限。同じユーザーの全接続で共有する。
// middleware.RateLimiterが実装する。
type SendLimiter interface {
	AllowChat(userID string) bool
}

// Sync は開いているチャットのメッセージ一覧をローカルにキャッシュする。
// 一覧はcreated_at昇順の履歴に挿入通知を届いた順に追記したもので、並べ替えは行わない。
// 通知の再同期（RESYNC）では履歴を読み直し、既知の最大IDより新しいメッセージだけを追記する。
// 送信したメッセージも挿入通知を受け取るまで一覧に現れない。
type Sync struct {
	messages  repository.MessageRepository
	usernames UsernameLookup
	bus       realtime.Subscriber
	sanitizer security.TextSanitizer
	limiter   SendLimiter
	logger    *slog.Logger

	mu      sync.Mutex
	gen     uint64
	eventID int64
	list    []model.Message
	ids     map[int64]struct{}
	loaded  bool
	err     *model.APIError
	cancel  context.CancelFunc
	done    chan struct{}

	changed chan struct{}
}

// NewSync はSyncを生成する。limiterがnilの場合は送信数を制限しない。
func NewSync(
	messages repository.MessageRepository,
	usernames UsernameLookup,
	bus realtime.Subscriber,
	sanitizer security.TextSanitizer,
	limiter SendLimiter,
	logger *slog.Logger,
) *Sync {
	return &Sync{
		messages:  messages,
		usernames: usernames,
		bus:       bus,
		sanitizer: sanitizer,
		limiter:   limiter,
		logger:    logger,
		changed:   make(chan struct{}, 1),
	}
}

// Open はイベントのメッセージストリームを開く。
// 前のストリームは新しい購読を始める前に解除し、その終了を待つ。
// 購読を開始してから履歴を取得し、取得中に届いた通知は履歴にないものだけを届いた順に追記する。
func (s *Sync) Open(ctx context.Context, eventID int64) {
	s.Close()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.eventID = eventID
	s.list = []model.Message{}
	s.ids = make(map[int64]struct{})
	s.loaded = false
	s.err = nil
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	s.notify()

	sub := s.bus.Subscribe(realtime.Filter{
		Table:  Table,
		Types:  []realtime.ChangeType{realtime.ChangeInsert, realtime.ChangeResync},
		Column: "event_id",
		Value:  strconv.FormatInt(eventID, 10),
	})
	go s.run(ctx, gen, eventID, sub, done)
}

func (s *Sync) run(ctx context.Context, gen uint64, eventID int64, sub *realtime.Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Unsubscribe()

	history, err := s.messages.ListByEvent(ctx, eventID)
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.logger.Error("メッセージ履歴の取得に失敗しました",
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()),
		)
		s.err = model.NewDataFetchError("メッセージ")
	} else {
		for _, m := range history {
			s.appendLocked(m)
		}
	}
	s.loaded = true
	s.mu.Unlock()
	s.notify()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.Changes():
			if !ok {
				return
			}
			if c.Type == realtime.ChangeResync {
				s.catchUp(ctx, gen, eventID)
				continue
			}
			m, ok := messageFromChange(c)
			if !ok {
				s.logger.Warn("メッセージ通知を解釈できませんでした", slog.Int64("event_id", eventID))
				continue
			}
			m.Sender.Username = s.lookupSender(ctx, m.SenderID)
			if ctx.Err() != nil {
				return
			}
			s.apply(gen, m)
		}
	}
}

// catchUp は通知の取りこぼしに備えて履歴を読み直し、既知の最大IDより新しいものだけを末尾に追記する。
// 既に表示しているメッセージの順序は変えない。
func (s *Sync) catchUp(ctx context.Context, gen uint64, eventID int64) {
	history, err := s.messages.ListByEvent(ctx, eventID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Warn("再同期のためのメッセージ取得に失敗しました",
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	var lastID int64
	for _, m := range s.list {
		lastID = max(lastID, m.ID)
	}
	added := false
	for _, m := range history {
		if m.ID > lastID && s.appendLocked(m) {
			added = true
		}
	}
	s.mu.Unlock()
	if added {
		s.notify()
	}
}

func (s *Sync) lookupSender(ctx context.Context, senderID string) string {
	name, found, err := s.usernames.FindUsername(ctx, senderID)
	if err != nil || !found || name == "" {
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("送信者名の取得に失敗しました",
				slog.String("sender_id", senderID),
				slog.String("error", err.Error()),
			)
		}
		return model.UnknownSender
	}
	return name
}

func (s *Sync) apply(gen uint64, m model.Message) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	added := s.appendLocked(m)
	s.mu.Unlock()
	if added {
		s.notify()
	}
}

// appendLocked は未取得のメッセージを末尾に追加する。呼び出し側はmuを保持していること。
func (s *Sync) appendLocked(m model.Message) bool {
	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	s.ids[m.ID] = struct{}{}
	s.list = append(s.list, m)
	return true
}

func messageFromChange(c realtime.Change) (model.Message, bool) {
	id, ok1 := c.Int64("id")
	eventID, ok2 := c.Int64("event_id")
	senderID, ok3 := c.String("sender_id")
	text, ok4 := c.String("text")
	createdAt, ok5 := c.Time("created_at")
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return model.Message{}, false
	}
	return model.Message{
		ID:        id,
		EventID:   eventID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: createdAt,
	}, true
}

// Close はストリームを閉じる。配信途中の通知は一覧に反映されない。
func (s *Sync) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.gen++
	wasOpen := s.eventID != 0
	s.eventID = 0
	s.list = nil
	s.ids = nil
	s.loaded = false
	s.err = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if wasOpen {
		s.notify()
	}
}

// Send はメッセージを送信する。ローカルの一覧には追加せず、挿入通知を待つ。
func (s *Sync) Send(ctx context.Context, senderID, text string) error {
	s.mu.Lock()
	eventID := s.eventID
	s.mu.Unlock()
	if eventID == 0 {
		return model.NewNoActiveVibeError()
	}

	cleaned, ok := s.sanitizer.Clean(text, MaxMessageLength)
	if !ok {
		return model.NewInvalidMessageError("メッセージが長すぎます")
	}
	if cleaned == "" {
		return model.NewInvalidMessageError("メッセージが空です")
	}
	if s.limiter != nil && !s.limiter.AllowChat(senderID) {
		return model.NewRateLimitedError()
	}

	if _, err := s.messages.Insert(ctx, eventID, senderID, cleaned); err != nil {
		s.logger.Error("メッセージの送信に失敗しました",
			slog.Int64("event_id", eventID),
			slog.String("sender_id", senderID),
			slog.String("error", err.Error()),
		)
		return model.NewMutationError("send_message")
	}
	return nil
}

func (s *Sync) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changes は一覧が変化したことを通知するチャネルを返す。
func (s *Sync) Changes() <-chan struct{} {
	return s.changed
}

// EventID は開いているチャットのイベントIDを返す。開いていない場合は0を返す。
func (s *Sync) EventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventID
}

// Messages はメッセージ一覧のコピーを返す。
func (s *Sync) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.list))
	copy(out, s.list)
	return out
}

// Loaded は履歴の取得が完了したかを返す。
func (s *Sync) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Err は履歴取得のエラーを返す。
func (s *Sync) Err() *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// DismissError はエラーバナーを閉じる。
func (s *Sync) DismissError() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	s.notify()
}
