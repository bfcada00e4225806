// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, req model.SignUpRequest) (*model.Session, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context, refreshToken string) error
	GetSession(ctx context.Context, accessToken string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	ConfirmEmail(ctx context.Context, token string) (*model.Account, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	RefreshMaxAge int // リフレッシュトークンCookieの有効期間（秒）
}

// AuthHandler はメールアドレスとパスワードによる認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

// sessionResponse は認証系エンドポイントの応答。
type sessionResponse struct {
	Session              *model.Session `json:"session"`
	ConfirmationRequired bool           `json:"confirmation_required"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SignUp はアカウントを作成する。メール確認前のセッションを返す。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req model.SignUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.service.SignUp(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.setSessionCookies(w, s)
	writeJSON(w, http.StatusCreated, sessionResponse{Session: s, ConfirmationRequired: !s.IsConfirmed()})
}

// Login はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.setSessionCookies(w, s)
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

// Logout はリフレッシュトークンを破棄し、Cookieをクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if refresh := refreshToken(r); refresh != "" {
		if err := h.service.SignOut(r.Context(), refresh); err != nil {
			// ログアウト失敗してもCookieはクリアする
			slog.Error("failed to sign out", slog.String("error", err.Error()))
		}
	}
	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// Refresh はリフレッシュトークンをローテーションし、セッションを再発行する。
// トークンはCookieまたはJSONボディから受け取る。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refresh := refreshToken(r)
	if refresh == "" {
		var req tokenRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		refresh = req.RefreshToken
	}
	s, err := h.service.Refresh(r.Context(), refresh)
	if err != nil {
		if model.HasCode(err, model.ErrCodeUnauthorized) {
			h.clearSessionCookies(w)
		}
		handleServiceError(w, err)
		return
	}
	h.setSessionCookies(w, s)
	writeJSON(w, http.StatusOK, sessionResponse{Session: s, ConfirmationRequired: !s.IsConfirmed()})
}

// SetSession はwebsocket上で更新されたトークンをCookieに反映する。
// アクセストークンを検証できた場合のみ設定する。
// POST /auth/session
func (h *AuthHandler) SetSession(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.service.GetSession(r.Context(), req.AccessToken)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	s.RefreshToken = req.RefreshToken
	h.setSessionCookies(w, s)
	w.WriteHeader(http.StatusNoContent)
}

// Confirm はメール確認リンクを処理し、フロントエンドにリダイレクトする。
// 確認後のセッション更新は接続中のクライアントへ通知で伝わる。
// GET /auth/confirm?token=xxx
func (h *AuthHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	q := url.Values{}
	if _, err := h.service.ConfirmEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		var code string
		if model.HasCode(err, model.ErrCodeInvalidConfirmation) {
			code = model.ErrCodeInvalidConfirmation
		} else {
			slog.Error("failed to confirm email", slog.String("error", err.Error()))
			code = model.ErrCodeInternal
		}
		q.Set("confirm_error", code)
	} else {
		q.Set("confirmed", "1")
	}
	http.Redirect(w, r, h.config.BaseURL+"/?"+q.Encode(), http.StatusSeeOther)
}

// Me は現在のセッションのユーザー情報を返す。メール確認前のセッションも返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.GetSession(r.Context(), middleware.AccessToken(r))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, s.User)
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, s *model.Session) {
	accessMaxAge := int(s.ExpiresAt.Sub(h.now()).Seconds())
	if accessMaxAge <= 0 {
		accessMaxAge = -1
	}
	h.setCookie(w, middleware.AccessCookieName, s.AccessToken, accessMaxAge)
	if s.RefreshToken != "" {
		h.setCookie(w, middleware.RefreshCookieName, s.RefreshToken, h.config.RefreshMaxAge)
	}
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	h.setCookie(w, middleware.AccessCookieName, "", -1)
	h.setCookie(w, middleware.RefreshCookieName, "", -1)
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// refreshToken はCookieからリフレッシュトークンを取り出す。
func refreshToken(r *http.Request) string {
	if c, err := r.Cookie(middleware.RefreshCookieName); err == nil {
		return c.Value
	}
	return ""
}
