// Package session は認証セッションの観測と、セッションから導出される
// ログイン中ユーザー（ApplicationUser）の状態管理を提供する。
package session

import (
	"context"

	"github.com/hitoshi/vibex/internal/model"
)

// AuthEvent は認証状態の遷移種別。
type AuthEvent string

const (
	AuthEventInitialSession AuthEvent = "INITIAL_SESSION"
	AuthEventSignedIn       AuthEvent = "SIGNED_IN"
	AuthEventSignedOut      AuthEvent = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthEventUserUpdated    AuthEvent = "USER_UPDATED"
)

// AuthChangeFunc は認証状態の遷移を受け取るコールバック。
// sessionがnilの場合は未ログインを表す。
type AuthChangeFunc func(event AuthEvent, session *model.Session)

// Provider は認証サービスへのアクセスを抽象化する。
// 接続ごとに注入され、グローバルな状態は持たない。
type Provider interface {
	// GetSession は現在のセッションを返す。未ログインの場合はnilを返す。
	GetSession(ctx context.Context) (*model.Session, error)

	// OnAuthChange は認証状態の遷移を購読する。
	// 登録直後に現在のセッションをAuthEventInitialSessionとして通知する。
	// 通知は登録順に直列で行われる。戻り値の関数で購読を解除する。
	OnAuthChange(fn AuthChangeFunc) (unsubscribe func())

	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, req model.SignUpRequest) (*model.Session, error)
	SignOut(ctx context.Context) error
}
