// Package client は1接続（ブラウザの1タブ）分の状態を組み立てる。
//
// 認証状態からログイン中ユーザーを解決し、ユーザーが確定したらイベント同期と
// Vibeの参加状態を開始する。参加中Vibeのチャットが開かれている間だけチャット同期を動かす。
// 未ログインへの遷移や別ユーザーへの切り替えでは、購読の解除と実行中処理の破棄を先に行う。
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/vibex/internal/chat"
	"github.com/hitoshi/vibex/internal/event"
	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/realtime"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
	"github.com/hitoshi/vibex/internal/session"
	"github.com/hitoshi/vibex/internal/vibe"
)

// ProfileService はプロフィールの更新と閲覧。
type ProfileService interface {
	session.ProfileUpdater
	View(ctx context.Context, viewerID, username string) (*model.ProfileView, error)
	Participants(ctx context.Context, ids []string) ([]model.ProfileSummary, error)
}

// Services は接続間で共有するサービス群。
type Services struct {
	Resolver  session.UserResolver
	Profiles  ProfileService
	Events    repository.EventRepository
	Mutator   vibe.Mutator
	Messages  repository.MessageRepository
	Usernames chat.UsernameLookup
	Bus       realtime.Subscriber
	Sanitizer security.TextSanitizer

	// ChatLimiter はユーザー単位の送信上限。nilの場合は制限しない。
	ChatLimiter chat.SendLimiter

	InitTimeout  time.Duration
	TickInterval time.Duration
}

// Client は1接続分の同期コアを保持する。
type Client struct {
	svc      Services
	provider session.Provider
	user     *session.UserContext
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	userID   string
	events   *event.Sync
	vibe     *vibe.Session
	chat     *chat.Sync
	location geo.Position

	chatMu  sync.Mutex
	updates chan struct{}
}

// New はClientを生成する。Startを呼ぶまで認証状態は購読しない。
func New(provider session.Provider, svc Services, logger *slog.Logger) *Client {
	if svc.TickInterval <= 0 {
		svc.TickInterval = 30 * time.Second
	}
	return &Client{
		svc:      svc,
		provider: provider,
		user:     session.NewUserContext(provider, svc.Resolver, svc.Profiles, svc.InitTimeout, logger),
		logger:   logger,
		now:      time.Now,
		location: geo.Position{Coordinates: geo.DefaultCenter, Source: geo.SourceDefault},
		updates:  make(chan struct{}, 1),
	}
}

// Start は認証状態の購読と状態監視を開始する。
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.user.Start(c.ctx)
	go c.loop()
}

// Updates は表示内容が変化した可能性を通知するチャネルを返す。
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.svc.TickInterval)
	defer ticker.Stop()

	c.syncUser()
	c.notify()
	for {
		events, vibes, chats := c.componentChanges()
		select {
		case <-c.ctx.Done():
			return
		case <-c.user.Changes():
			c.syncUser()
		case <-events:
			c.reconcile()
		case <-vibes:
			c.syncChat()
		case <-chats:
		case <-ticker.C:
			c.reconcile()
		}
		c.notify()
	}
}

// componentChanges は現在のコンポーネントの変更通知チャネルを返す。
// 未開始のコンポーネントはnilチャネルになり、selectで選ばれない。
func (c *Client) componentChanges() (events, vibes, chats <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		events = c.events.Changes()
	}
	if c.vibe != nil {
		vibes = c.vibe.Changes()
	}
	if c.chat != nil {
		chats = c.chat.Changes()
	}
	return events, vibes, chats
}

// syncUser はログイン中ユーザーの変化に合わせてコンポーネントを作り直す。
// 再解決中は直前のユーザーを維持し、ユーザーIDが変わった場合のみ作り直す。
func (c *Client) syncUser() {
	st := c.user.State()
	id := ""
	if st.User != nil && (st.Phase == session.PhaseResolved || st.Phase == session.PhaseResolving) {
		id = st.User.ID
	}

	c.mu.Lock()
	if id == c.userID {
		c.mu.Unlock()
		return
	}
	oldEvents, oldVibe, oldChat := c.events, c.vibe, c.chat
	c.events, c.vibe, c.chat = nil, nil, nil
	c.userID = id

	var events *event.Sync
	if id != "" {
		events = event.NewSync(c.svc.Events, c.svc.Bus, c.logger)
		c.events = events
		c.vibe = vibe.NewSession(id, c.svc.Mutator, c.logger)
		c.chat = chat.NewSync(c.svc.Messages, c.svc.Usernames, c.svc.Bus, c.svc.Sanitizer,
			c.svc.ChatLimiter, c.logger)
	}
	c.mu.Unlock()

	teardown(oldEvents, oldVibe, oldChat)
	if events != nil {
		c.logger.Info("ユーザーのセッションを開始しました", slog.String("user_id", id))
		events.Start(c.ctx)
	}
}

// teardown はチャット、参加状態、イベント同期の順に停止する。
func teardown(events *event.Sync, v *vibe.Session, ch *chat.Sync) {
	if ch != nil {
		ch.Close()
	}
	if v != nil {
		v.Teardown()
	}
	if events != nil {
		events.Close()
	}
}

// reconcile はイベント一覧と時刻に合わせて参加中Vibeを更新する。
func (c *Client) reconcile() {
	c.mu.Lock()
	events, v := c.events, c.vibe
	c.mu.Unlock()
	if events == nil || v == nil || !events.Loaded() {
		return
	}
	v.Reconcile(events.Events(), events.FetchedAt(), c.now())
}

// syncChat は参加中Vibeのチャットが開かれている場合のみチャット同期を動かす。
// 別のVibeに切り替わった場合は前の購読を解除してから開き直す。
func (c *Client) syncChat() {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()

	c.mu.Lock()
	v, ch := c.vibe, c.chat
	c.mu.Unlock()
	if v == nil || ch == nil {
		return
	}

	active := v.Active()
	if active != nil && v.ChatOpen() {
		if ch.EventID() != active.ID {
			ch.Open(c.ctx, active.ID)
		}
		return
	}
	if ch.EventID() != 0 {
		ch.Close()
	}
}

// SetLocation は端末から報告された位置、または位置情報取得の失敗を記録する。
func (c *Client) SetLocation(p geo.Position) {
	c.mu.Lock()
	c.location = p
	c.mu.Unlock()
	c.notify()
}

// Tokens は現在のセッションを返す。未ログインの場合はnilを返す。
func (c *Client) Tokens() *model.Session {
	return c.user.Session()
}

// Close は全ての購読を解除し、実行中の処理の結果を破棄する。
func (c *Client) Close() {
	c.user.Close()
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	c.mu.Lock()
	events, v, ch := c.events, c.vibe, c.chat
	c.events, c.vibe, c.chat = nil, nil, nil
	c.userID = ""
	c.mu.Unlock()
	teardown(events, v, ch)
}
