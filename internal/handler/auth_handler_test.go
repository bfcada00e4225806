package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	signUpFn       func(ctx context.Context, req model.SignUpRequest) (*model.Session, error)
	signInFn       func(ctx context.Context, email, password string) (*model.Session, error)
	signOutFn      func(ctx context.Context, refreshToken string) error
	getSessionFn   func(ctx context.Context, accessToken string) (*model.Session, error)
	refreshFn      func(ctx context.Context, refreshToken string) (*model.Session, error)
	confirmEmailFn func(ctx context.Context, token string) (*model.Account, error)
}

func (m *mockAuthService) SignUp(ctx context.Context, req model.SignUpRequest) (*model.Session, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) SignOut(ctx context.Context, refreshToken string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, refreshToken)
	}
	return nil
}

func (m *mockAuthService) GetSession(ctx context.Context, accessToken string) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, accessToken)
	}
	return nil, model.NewUnauthorizedError()
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, model.NewUnauthorizedError()
}

func (m *mockAuthService) ConfirmEmail(ctx context.Context, token string) (*model.Account, error) {
	if m.confirmEmailFn != nil {
		return m.confirmEmailFn(ctx, token)
	}
	return nil, model.NewInvalidConfirmationError()
}

// --- ヘルパー ---

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestAuthHandler(svc AuthServiceInterface) *AuthHandler {
	h := NewAuthHandler(svc, AuthHandlerConfig{
		BaseURL:       "http://localhost:3000",
		RefreshMaxAge: 30 * 86400,
	})
	h.now = func() time.Time { return testNow }
	return h
}

func testSession(aud string) *model.Session {
	return &model.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    testNow.Add(time.Hour),
		User: model.AuthUser{
			ID:    "user-123",
			Email: "taro@example.com",
			Aud:   aud,
		},
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスをデコードできません: %v", err)
	}
	return body.Code
}

// --- テスト ---

func TestAuthHandler_SignUp_ReturnsUnconfirmedSession(t *testing.T) {
	var got model.SignUpRequest
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, req model.SignUpRequest) (*model.Session, error) {
			got = req
			return testSession(model.AudienceAnonymous), nil
		},
	}
	h := newTestAuthHandler(svc)

	body := `{"email":"taro@example.com","password":"secret123","confirm_password":"secret123","metadata":{"username":"taro"}}`
	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.SignUp(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got.Metadata.Username != "taro" {
		t.Errorf("username = %q, want %q", got.Metadata.Username, "taro")
	}

	var resp sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.ConfirmationRequired {
		t.Error("メール確認前はconfirmation_requiredがtrueであること")
	}

	access := findCookie(w.Result(), middleware.AccessCookieName)
	if access == nil || access.Value != "access-1" {
		t.Fatalf("アクセストークンCookieが設定されていません: %+v", access)
	}
	if access.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", access.MaxAge)
	}
	if !access.HttpOnly {
		t.Error("HttpOnlyであること")
	}
}

func TestAuthHandler_SignUp_ValidationError(t *testing.T) {
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, req model.SignUpRequest) (*model.Session, error) {
			return nil, model.NewPasswordMismatchError()
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(`{"email":"a@example.com"}`))
	w := httptest.NewRecorder()

	h.SignUp(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodePasswordMismatch {
		t.Errorf("code = %q, want %q", code, model.ErrCodePasswordMismatch)
	}
	if findCookie(w.Result(), middleware.AccessCookieName) != nil {
		t.Error("失敗時はCookieを設定しないこと")
	}
}

func TestAuthHandler_SignUp_MalformedJSON(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(`{`))
	w := httptest.NewRecorder()

	h.SignUp(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeBadRequest {
		t.Errorf("code = %q, want %q", code, model.ErrCodeBadRequest)
	}
}

func TestAuthHandler_Login(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "成功", wantStatus: http.StatusOK},
		{name: "認証情報誤り", err: model.NewInvalidCredentialsError(), wantStatus: http.StatusUnauthorized},
		{name: "メール未確認", err: model.NewEmailNotConfirmedError(), wantStatus: http.StatusForbidden},
		{name: "想定外のエラー", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return testSession(model.AudienceAuthenticated), nil
				},
			}
			h := newTestAuthHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/auth/login",
				strings.NewReader(`{"email":"taro@example.com","password":"secret123"}`))
			w := httptest.NewRecorder()

			h.Login(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			refresh := findCookie(w.Result(), middleware.RefreshCookieName)
			if tt.err == nil && (refresh == nil || refresh.MaxAge != 30*86400) {
				t.Errorf("リフレッシュトークンCookie = %+v", refresh)
			}
		})
	}
}

func TestAuthHandler_Logout_ClearsCookiesEvenOnError(t *testing.T) {
	var revoked string
	svc := &mockAuthService{
		signOutFn: func(ctx context.Context, refreshToken string) error {
			revoked = refreshToken
			return errors.New("db down")
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.RefreshCookieName, Value: "refresh-1"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if revoked != "refresh-1" {
		t.Errorf("revoked = %q, want %q", revoked, "refresh-1")
	}
	for _, name := range []string{middleware.AccessCookieName, middleware.RefreshCookieName} {
		c := findCookie(w.Result(), name)
		if c == nil || c.MaxAge >= 0 {
			t.Errorf("%s がクリアされていません: %+v", name, c)
		}
	}
}

func TestAuthHandler_Refresh_FromCookie(t *testing.T) {
	svc := &mockAuthService{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			if refreshToken != "refresh-old" {
				return nil, model.NewUnauthorizedError()
			}
			s := testSession(model.AudienceAuthenticated)
			s.AccessToken = "access-2"
			s.RefreshToken = "refresh-2"
			return s, nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: middleware.RefreshCookieName, Value: "refresh-old"})
	w := httptest.NewRecorder()

	h.Refresh(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if c := findCookie(w.Result(), middleware.RefreshCookieName); c == nil || c.Value != "refresh-2" {
		t.Errorf("ローテーション後のリフレッシュトークンが設定されていません: %+v", c)
	}
}

func TestAuthHandler_Refresh_FromBody(t *testing.T) {
	var got string
	svc := &mockAuthService{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			got = refreshToken
			return testSession(model.AudienceAuthenticated), nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refresh_token":"body-token"}`))
	w := httptest.NewRecorder()

	h.Refresh(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got != "body-token" {
		t.Errorf("refresh token = %q, want %q", got, "body-token")
	}
}

func TestAuthHandler_Refresh_InvalidTokenClearsCookies(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: middleware.RefreshCookieName, Value: "revoked"})
	w := httptest.NewRecorder()

	h.Refresh(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if c := findCookie(w.Result(), middleware.RefreshCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("リフレッシュトークンCookieがクリアされていません: %+v", c)
	}
}

func TestAuthHandler_SetSession(t *testing.T) {
	svc := &mockAuthService{
		getSessionFn: func(ctx context.Context, accessToken string) (*model.Session, error) {
			if accessToken != "access-ws" {
				return nil, model.NewUnauthorizedError()
			}
			s := testSession(model.AudienceAuthenticated)
			s.AccessToken = accessToken
			s.RefreshToken = ""
			return s, nil
		},
	}
	h := newTestAuthHandler(svc)

	t.Run("検証できたトークンをCookieに反映する", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/session",
			strings.NewReader(`{"access_token":"access-ws","refresh_token":"refresh-ws"}`))
		w := httptest.NewRecorder()

		h.SetSession(w, req)

		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
		}
		if c := findCookie(w.Result(), middleware.AccessCookieName); c == nil || c.Value != "access-ws" {
			t.Errorf("access cookie = %+v", c)
		}
		if c := findCookie(w.Result(), middleware.RefreshCookieName); c == nil || c.Value != "refresh-ws" {
			t.Errorf("refresh cookie = %+v", c)
		}
	})

	t.Run("検証できないトークンは拒否する", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/session",
			strings.NewReader(`{"access_token":"forged","refresh_token":"x"}`))
		w := httptest.NewRecorder()

		h.SetSession(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if len(w.Result().Cookies()) != 0 {
			t.Error("Cookieを設定しないこと")
		}
	})
}

func TestAuthHandler_Confirm(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantLocation string
	}{
		{
			name:         "確認成功",
			wantLocation: "http://localhost:3000/?confirmed=1",
		},
		{
			name:         "無効なトークン",
			err:          model.NewInvalidConfirmationError(),
			wantLocation: "http://localhost:3000/?confirm_error=INVALID_CONFIRMATION",
		},
		{
			name:         "想定外のエラー",
			err:          errors.New("db down"),
			wantLocation: "http://localhost:3000/?confirm_error=INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				confirmEmailFn: func(ctx context.Context, token string) (*model.Account, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return &model.Account{ID: "user-123"}, nil
				},
			}
			h := newTestAuthHandler(svc)

			req := httptest.NewRequest(http.MethodGet, "/auth/confirm?token=abc", nil)
			w := httptest.NewRecorder()

			h.Confirm(w, req)

			if w.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
			}
			if loc := w.Header().Get("Location"); loc != tt.wantLocation {
				t.Errorf("Location = %q, want %q", loc, tt.wantLocation)
			}
		})
	}
}

func TestAuthHandler_Me(t *testing.T) {
	svc := &mockAuthService{
		getSessionFn: func(ctx context.Context, accessToken string) (*model.Session, error) {
			if accessToken == "anon-token" {
				return testSession(model.AudienceAnonymous), nil
			}
			return nil, model.NewUnauthorizedError()
		},
	}
	h := newTestAuthHandler(svc)

	t.Run("メール確認前のセッションでも返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer anon-token")
		w := httptest.NewRecorder()

		h.Me(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var user model.AuthUser
		if err := json.NewDecoder(w.Body).Decode(&user); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if user.Aud != model.AudienceAnonymous {
			t.Errorf("aud = %q, want %q", user.Aud, model.AudienceAnonymous)
		}
	})

	t.Run("トークンなしは401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		w := httptest.NewRecorder()

		h.Me(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}
