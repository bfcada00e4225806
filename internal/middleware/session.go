// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/vibex/internal/model"
)

const (
	// AccessCookieName はアクセストークンを保持するCookie名。
	AccessCookieName = "vibex_access"
	// RefreshCookieName はリフレッシュトークンを保持するCookie名。
	RefreshCookieName = "vibex_refresh"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// SessionVerifier はアクセストークンの検証に必要なインターフェース。
// auth.Serviceの部分集合として定義する。
type SessionVerifier interface {
	GetSession(ctx context.Context, accessToken string) (*model.Session, error)
}

// AccessToken はリクエストからアクセストークンを取り出す。
// Authorizationヘッダー（Bearer）をCookieより優先する。
func AccessToken(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		return token
	}
	if cookie, err := r.Cookie(AccessCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// bearerToken はAuthorizationヘッダーがBearer形式のときにトークンを返す。
func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// NewSessionMiddleware はアクセストークンを検証するミドルウェアを返す。
// メール確認済み（aud=authenticated）のセッションのみ通過させ、
// ユーザーIDをリクエストコンテキストに注入する。それ以外は401を返す。
func NewSessionMiddleware(verifier SessionVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := verify(r, verifier)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// NewOptionalSessionMiddleware は未認証リクエストも通過させるセッションミドルウェアを返す。
// 有効なセッションがある場合のみユーザーIDを注入する。
func NewOptionalSessionMiddleware(verifier SessionVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID, ok := verify(r, verifier); ok {
				r = r.WithContext(ContextWithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verify(r *http.Request, verifier SessionVerifier) (string, bool) {
	token := AccessToken(r)
	if token == "" {
		return "", false
	}
	s, err := verifier.GetSession(r.Context(), token)
	if err != nil {
		slog.Debug("access token rejected",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if !s.IsConfirmed() {
		return "", false
	}
	return s.User.ID, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
