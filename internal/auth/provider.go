package auth

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/realtime"
	"github.com/hitoshi/vibex/internal/session"
)

// refreshRetryDelay は一時的なリフレッシュ失敗後の再試行間隔。
const refreshRetryDelay = 10 * time.Second

// Authenticator はConnectionProviderが利用する認証操作。
type Authenticator interface {
	SignUp(ctx context.Context, req model.SignUpRequest) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context, refreshToken string) error
	GetSession(ctx context.Context, accessToken string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
}

// ConnectionProvider は1接続分のsession.Provider実装。
// セッションを保持し、有効期限前の自動リフレッシュと、
// 自アカウントの確認状態の変更通知を受けた即時リフレッシュを行う。
//
// OnAuthChangeのコールバックは直列に呼び出される。
// コールバック内でSignIn等の状態遷移メソッドを同期的に呼び出してはならない。
type ConnectionProvider struct {
	auth   Authenticator
	bus    realtime.Subscriber
	leeway time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   *model.Session
	listeners map[int]session.AuthChangeFunc
	nextID    int
	timer     *time.Timer
	watch     *realtime.Subscription
	watchID   string
	closed    bool

	emitMu    sync.Mutex
	refreshMu sync.Mutex
}

// NewConnectionProvider はConnectionProviderを生成する。
// leewayは有効期限の何秒前にリフレッシュするかを表す。
func NewConnectionProvider(auth Authenticator, bus realtime.Subscriber, leeway time.Duration, logger *slog.Logger) *ConnectionProvider {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionProvider{
		auth:      auth,
		bus:       bus,
		leeway:    leeway,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]session.AuthChangeFunc),
	}
}

// Restore は接続時に受け取ったトークンからセッションを復元する。
// アクセストークンが無効な場合はリフレッシュトークンで再発行を試みる。
// 復元できない場合は未ログインのまま。通知は行わない。
func (p *ConnectionProvider) Restore(ctx context.Context, accessToken, refreshToken string) {
	if accessToken != "" {
		s, err := p.auth.GetSession(ctx, accessToken)
		if err == nil {
			s.RefreshToken = refreshToken
			p.setSession(s)
			return
		}
	}
	if refreshToken == "" {
		return
	}
	s, err := p.auth.Refresh(ctx, refreshToken)
	if err != nil {
		p.logger.Debug("セッションを復元できませんでした", slog.String("error", err.Error()))
		return
	}
	p.setSession(s)
}

// GetSession は現在のセッションを返す。
func (p *ConnectionProvider) GetSession(_ context.Context) (*model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copySession(p.current), nil
}

// OnAuthChange は認証状態の遷移を購読し、現在のセッションを即時に通知する。
func (p *ConnectionProvider) OnAuthChange(fn session.AuthChangeFunc) func() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	current := copySession(p.current)
	p.mu.Unlock()

	fn(session.AuthEventInitialSession, current)

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// SignIn はサインインし、SIGNED_INを通知する。
func (p *ConnectionProvider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	s, err := p.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.transition(nil, s, session.AuthEventSignedIn)
	return copySession(s), nil
}

// SignUp はサインアップし、メール確認前のセッションでSIGNED_INを通知する。
func (p *ConnectionProvider) SignUp(ctx context.Context, req model.SignUpRequest) (*model.Session, error) {
	s, err := p.auth.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	p.transition(nil, s, session.AuthEventSignedIn)
	return copySession(s), nil
}

// SignOut はセッションを破棄し、SIGNED_OUTを通知する。
// サーバー側の破棄に失敗してもローカルのセッションは破棄する。
func (p *ConnectionProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return nil
	}

	err := p.auth.SignOut(ctx, current.RefreshToken)
	if err != nil {
		p.logger.Warn("セッションの破棄に失敗しました", slog.String("error", err.Error()))
	}
	p.transition(nil, nil, session.AuthEventSignedOut)
	return err
}

// Close はタイマーと購読を停止する。以降の通知は行わない。
func (p *ConnectionProvider) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	watch := p.watch
	p.watch = nil
	p.watchID = ""
	p.listeners = make(map[int]session.AuthChangeFunc)
	p.mu.Unlock()

	if watch != nil {
		watch.Unsubscribe()
	}
	p.cancel()
}

// setSession はセッションを差し替え、リフレッシュタイマーとアカウント購読を更新する。
func (p *ConnectionProvider) setSession(s *model.Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.current = copySession(s)

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if s != nil {
		delay := time.Until(s.ExpiresAt) - p.leeway
		if delay < 0 {
			delay = 0
		}
		p.timer = time.AfterFunc(delay, p.refresh)
	}

	var stale *realtime.Subscription
	subject := ""
	if s != nil {
		subject = s.User.ID
	}
	if subject != p.watchID {
		stale = p.watch
		p.watch = nil
		p.watchID = subject
		if subject != "" && p.bus != nil {
			p.watch = p.bus.Subscribe(realtime.Filter{
				Table:  "accounts",
				Types:  []realtime.ChangeType{realtime.ChangeUpdate},
				Column: "id",
				Value:  subject,
			})
			go p.watchAccount(p.watch)
		}
	}
	p.mu.Unlock()

	if stale != nil {
		stale.Unsubscribe()
	}
}

func (p *ConnectionProvider) watchAccount(sub *realtime.Subscription) {
	for range sub.Changes() {
		p.logger.Debug("アカウントの変更を検知したためセッションを更新します")
		p.refresh()
	}
}

// refresh はリフレッシュトークンでセッションを更新する。
// 確認状態が変わった場合はUSER_UPDATED、それ以外はTOKEN_REFRESHEDを通知する。
func (p *ConnectionProvider) refresh() {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.Lock()
	current := p.current
	closed := p.closed
	p.mu.Unlock()
	if closed || current == nil {
		return
	}

	if current.RefreshToken == "" {
		if time.Now().Before(current.ExpiresAt) {
			return
		}
		p.expire(current)
		return
	}

	next, err := p.auth.Refresh(p.ctx, current.RefreshToken)
	if err != nil {
		if model.HasCode(err, model.ErrCodeUnauthorized) {
			p.expire(current)
			return
		}
		p.logger.Warn("セッションのリフレッシュに失敗しました",
			slog.String("user_id", current.User.ID),
			slog.String("error", err.Error()),
		)
		p.retryLater(current)
		return
	}

	event := session.AuthEventTokenRefreshed
	if next.User.Aud != current.User.Aud {
		event = session.AuthEventUserUpdated
	}
	p.transition(&expectation{session: current}, next, event)
}

// expire はセッションが既に差し替わっていなければ破棄してSIGNED_OUTを通知する。
func (p *ConnectionProvider) expire(current *model.Session) {
	p.transition(&expectation{session: current}, nil, session.AuthEventSignedOut)
}

func (p *ConnectionProvider) retryLater(current *model.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.current != current {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(refreshRetryDelay, p.refresh)
}

// expectation は遷移の前提となる現在のセッション。
type expectation struct {
	session *model.Session
}

// transition はセッションの差し替えと通知をemitMuの下で1つの操作として行う。
// expectが指定された場合、現在のセッションが変わっていれば何もせずfalseを返す。
// 並行するSignInとリフレッシュの通知順がセッションの差し替え順と一致する。
func (p *ConnectionProvider) transition(expect *expectation, next *model.Session, event session.AuthEvent) bool {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	if expect != nil {
		p.mu.Lock()
		superseded := p.current != expect.session
		p.mu.Unlock()
		if superseded {
			return false
		}
	}
	p.setSession(next)
	p.emitLocked(event, next)
	return true
}

// emitLocked はemitMuを保持した状態でリスナーに通知する。
func (p *ConnectionProvider) emitLocked(event session.AuthEvent, s *model.Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	fns := make([]session.AuthChangeFunc, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(event, copySession(s))
	}
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}

// compile-time interface check
var (
	_ session.Provider = (*ConnectionProvider)(nil)
	_ Authenticator    = (*Service)(nil)
)
