package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/vibex/internal/model"
)

// UserResolver はセッションをログイン中ユーザーに解決する。
type UserResolver interface {
	Resolve(ctx context.Context, s *model.Session) (*model.ApplicationUser, error)
}

// ProfileUpdater は本人のプロフィール設定を更新する。
type ProfileUpdater interface {
	UpdateSettings(ctx context.Context, userID, bio string, privacy model.Privacy) (*model.Profile, error)
}

// UserContext はセッションとプロフィールを合成したログイン中ユーザーを保持する。
// 認証状態が遷移するたびに世代を進めて非同期に解決し、
// 現在の世代かつ破棄前の場合のみ結果を適用する。
type UserContext struct {
	provider    Provider
	resolver    UserResolver
	updater     ProfileUpdater
	store       *Store
	initTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	state       State
	live        bool
	timer       *time.Timer
	cancel      context.CancelFunc
	unsubscribe func()
	changes     chan struct{}
}

// NewUserContext はUserContextを生成する。
func NewUserContext(provider Provider, resolver UserResolver, updater ProfileUpdater, initTimeout time.Duration, logger *slog.Logger) *UserContext {
	return &UserContext{
		provider:    provider,
		resolver:    resolver,
		updater:     updater,
		store:       NewStore(),
		initTimeout: initTimeout,
		logger:      logger,
		changes:     make(chan struct{}, 1),
	}
}

// Start は認証状態の購読を開始する。購読直後に現在のセッションの解決が始まる。
func (u *UserContext) Start(ctx context.Context) {
	u.mu.Lock()
	if u.state.Closed {
		u.mu.Unlock()
		return
	}
	u.ctx = ctx
	u.live = true
	u.mu.Unlock()

	unsubscribe := u.provider.OnAuthChange(u.onAuthChange)

	u.mu.Lock()
	if !u.live {
		u.mu.Unlock()
		unsubscribe()
		return
	}
	u.unsubscribe = unsubscribe
	u.mu.Unlock()
}

// State は現在の状態を返す。
func (u *UserContext) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.state
	s.User = cloneUser(s.User)
	return s
}

// Session は最後に観測したセッションを返す。
func (u *UserContext) Session() *model.Session {
	return u.store.Session()
}

// Authenticated はメール確認済みのセッションを観測しているかを返す。
// プロフィール解決の完了とは独立している。
func (u *UserContext) Authenticated() bool {
	return u.store.Authenticated()
}

// LastAuthEvent は最後に観測した認証状態の遷移種別を返す。
func (u *UserContext) LastAuthEvent() AuthEvent {
	return u.store.LastEvent()
}

// Changes は状態が変化したときに通知するチャネルを返す。通知は合流される。
func (u *UserContext) Changes() <-chan struct{} {
	return u.changes
}

// UpdateProfile は本人のbioとprivacyを更新する。
// バックエンドで確定した値でのみ状態を書き換える。
func (u *UserContext) UpdateProfile(ctx context.Context, bio string, privacy model.Privacy) (*model.Profile, error) {
	u.mu.Lock()
	user := u.state.CurrentUser()
	u.mu.Unlock()
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}

	p, err := u.updater.UpdateSettings(ctx, user.ID, bio, privacy)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	// 更新中に別ユーザーへ遷移していれば適用しない
	if current := u.state.CurrentUser(); current != nil && current.ID == user.ID {
		u.dispatchLocked(ProfilePatched{Bio: p.Bio, Privacy: p.Privacy})
	}
	u.mu.Unlock()
	return p, nil
}

// Close は購読解除、タイマー停止、実行中の解決の破棄を行う。
func (u *UserContext) Close() {
	u.mu.Lock()
	if !u.live && u.state.Closed {
		u.mu.Unlock()
		return
	}
	u.live = false
	u.stopTimerLocked()
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	unsubscribe := u.unsubscribe
	u.unsubscribe = nil
	u.dispatchLocked(Teardown{})
	u.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (u *UserContext) onAuthChange(event AuthEvent, s *model.Session) {
	u.store.Observe(event, s)

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.live {
		return
	}

	gen := u.state.Gen + 1
	if u.cancel != nil {
		u.cancel()
	}
	u.dispatchLocked(AuthChanged{Gen: gen})

	u.stopTimerLocked()
	u.timer = time.AfterFunc(u.initTimeout, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if !u.live {
			return
		}
		if u.state.Gen == gen && u.state.Phase == PhaseResolving {
			u.logger.Warn("ユーザー情報の解決がタイムアウトしました", slog.Uint64("generation", gen))
		}
		u.dispatchLocked(InitTimeout{Gen: gen})
	})

	ctx, cancel := context.WithCancel(u.ctx)
	u.cancel = cancel

	u.logger.Debug("認証状態が変化しました",
		slog.String("event", string(event)),
		slog.Uint64("generation", gen),
	)
	go u.resolve(ctx, gen, s)
}

func (u *UserContext) resolve(ctx context.Context, gen uint64, s *model.Session) {
	user, err := u.resolver.Resolve(ctx, s)

	u.mu.Lock()
	defer u.mu.Unlock()
	// 破棄済み、または新しい遷移で取り消された結果は適用しない
	if !u.live || ctx.Err() != nil {
		return
	}

	switch {
	case err != nil:
		u.dispatchLocked(ResolveFailed{Gen: gen, Err: err})
	case user == nil:
		u.dispatchLocked(NoUser{Gen: gen})
	default:
		u.dispatchLocked(Resolved{Gen: gen, User: user})
	}
	if u.state.Gen == gen && u.state.Phase != PhaseResolving {
		u.stopTimerLocked()
	}
}

func (u *UserContext) dispatchLocked(a Action) {
	next := Reduce(u.state, a)
	if statesEqual(u.state, next) {
		return
	}
	u.state = next
	select {
	case u.changes <- struct{}{}:
	default:
	}
}

func (u *UserContext) stopTimerLocked() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

func statesEqual(a, b State) bool {
	if a.Phase != b.Phase || a.Gen != b.Gen || a.Err != b.Err || a.Closed != b.Closed {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == b.User
	}
	return *a.User == *b.User
}
