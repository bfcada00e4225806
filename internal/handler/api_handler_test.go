package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
)

// --- モック定義 ---

type mockNoteService struct {
	listFn func(ctx context.Context, userID string) ([]model.Note, error)
	addFn  func(ctx context.Context, userID, content string) (*model.Note, error)
}

func (m *mockNoteService) List(ctx context.Context, userID string) ([]model.Note, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockNoteService) Add(ctx context.Context, userID, content string) (*model.Note, error) {
	if m.addFn != nil {
		return m.addFn(ctx, userID, content)
	}
	return &model.Note{ID: 1, UserID: userID, Content: content}, nil
}

type mockProfileViewer struct {
	viewFn func(ctx context.Context, viewerID, username string) (*model.ProfileView, error)
}

func (m *mockProfileViewer) View(ctx context.Context, viewerID, username string) (*model.ProfileView, error) {
	if m.viewFn != nil {
		return m.viewFn(ctx, viewerID, username)
	}
	return nil, model.NewProfileNotFoundError(username)
}

type mockLocator struct {
	locateFn func(ctx context.Context, ip string) (geo.Coordinates, error)
}

func (m *mockLocator) Locate(ctx context.Context, ip string) (geo.Coordinates, error) {
	if m.locateFn != nil {
		return m.locateFn(ctx, ip)
	}
	return geo.Coordinates{}, errors.New("lookup failed")
}

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// --- メモ ---

func TestNoteHandler_List_EmptyIsArray(t *testing.T) {
	h := NewNoteHandler(&mockNoteService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/notes", nil), "user-123")
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want %q", got, "[]")
	}
}

func TestNoteHandler_List_PassesUserID(t *testing.T) {
	var gotUser string
	svc := &mockNoteService{
		listFn: func(ctx context.Context, userID string) ([]model.Note, error) {
			gotUser = userID
			return []model.Note{{ID: 2, UserID: userID, Content: "二件目"}, {ID: 1, UserID: userID, Content: "一件目"}}, nil
		},
	}
	h := NewNoteHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/notes", nil), "user-123")
	w := httptest.NewRecorder()

	h.List(w, req)

	if gotUser != "user-123" {
		t.Errorf("userID = %q, want %q", gotUser, "user-123")
	}
	var notes []model.Note
	if err := json.NewDecoder(w.Body).Decode(&notes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(notes) != 2 || notes[0].ID != 2 {
		t.Errorf("notes = %+v", notes)
	}
}

func TestNoteHandler_List_WithoutUser(t *testing.T) {
	h := NewNoteHandler(&mockNoteService{})

	req := httptest.NewRequest(http.MethodGet, "/api/notes", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestNoteHandler_Add(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "成功", body: `{"content":"今日のメモ"}`, wantStatus: http.StatusCreated},
		{name: "空のメモ", body: `{"content":""}`, err: model.NewInvalidNoteError("empty"), wantStatus: http.StatusBadRequest},
		{name: "不正なJSON", body: `content`, wantStatus: http.StatusBadRequest},
		{name: "書き込み失敗", body: `{"content":"x"}`, err: model.NewMutationError("add note"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockNoteService{
				addFn: func(ctx context.Context, userID, content string) (*model.Note, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return &model.Note{ID: 10, UserID: userID, Content: content}, nil
				},
			}
			h := NewNoteHandler(svc)

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(tt.body)), "user-123")
			w := httptest.NewRecorder()

			h.Add(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- プロフィール ---

func TestProfileHandler_Get(t *testing.T) {
	var gotViewer, gotUsername string
	svc := &mockProfileViewer{
		viewFn: func(ctx context.Context, viewerID, username string) (*model.ProfileView, error) {
			gotViewer, gotUsername = viewerID, username
			if username != "hanako" {
				return nil, model.NewProfileNotFoundError(username)
			}
			return &model.ProfileView{ID: "user-9", Username: "hanako", Privacy: model.PrivacyCommunity, Visible: viewerID != ""}, nil
		},
	}
	r := chi.NewRouter()
	r.Get("/api/profiles/{username}", NewProfileHandler(svc).Get)

	t.Run("ログイン中の閲覧者", func(t *testing.T) {
		req := withUser(httptest.NewRequest(http.MethodGet, "/api/profiles/hanako", nil), "user-123")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotViewer != "user-123" || gotUsername != "hanako" {
			t.Errorf("viewer = %q, username = %q", gotViewer, gotUsername)
		}
		var view model.ProfileView
		if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !view.Visible {
			t.Error("サインイン済みならcommunityプロフィールは閲覧可能であること")
		}
	})

	t.Run("未ログインの閲覧者", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/profiles/hanako", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotViewer != "" {
			t.Errorf("viewer = %q, want empty", gotViewer)
		}
	})

	t.Run("存在しないユーザー", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/profiles/nobody", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
		if code := decodeErrorCode(t, w); code != model.ErrCodeProfileNotFound {
			t.Errorf("code = %q, want %q", code, model.ErrCodeProfileNotFound)
		}
	})
}

// --- 位置情報 ---

func TestLocationHandler_Get(t *testing.T) {
	t.Run("IPから位置を取得できた場合", func(t *testing.T) {
		var gotIP string
		loc := &mockLocator{
			locateFn: func(ctx context.Context, ip string) (geo.Coordinates, error) {
				gotIP = ip
				return geo.Coordinates{Lat: 35.68, Lng: 139.76}, nil
			},
		}
		req := httptest.NewRequest(http.MethodGet, "/api/location", nil)
		req.RemoteAddr = "203.0.113.5:4567"
		w := httptest.NewRecorder()

		NewLocationHandler(loc).Get(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotIP != "203.0.113.5" {
			t.Errorf("ip = %q, want %q", gotIP, "203.0.113.5")
		}
		var body map[string]any
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["source"] != geo.SourceIP || body["lat"] != 35.68 {
			t.Errorf("body = %v", body)
		}
		if _, ok := body["error"]; ok {
			t.Error("成功時はerrorを含めないこと")
		}
	})

	t.Run("取得できない場合は既定の地図中心を返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/location", nil)
		w := httptest.NewRecorder()

		NewLocationHandler(&mockLocator{}).Get(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body struct {
			Lat    float64         `json:"lat"`
			Lng    float64         `json:"lng"`
			Source string          `json:"source"`
			Error  *model.APIError `json:"error"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Source != geo.SourceDefault {
			t.Errorf("source = %q, want %q", body.Source, geo.SourceDefault)
		}
		if body.Lat != geo.DefaultCenter.Lat || body.Lng != geo.DefaultCenter.Lng {
			t.Errorf("position = (%v, %v), want default center", body.Lat, body.Lng)
		}
		if body.Error == nil || body.Error.Code != model.ErrCodeLocationUnavailable {
			t.Errorf("error = %+v, want %s", body.Error, model.ErrCodeLocationUnavailable)
		}
	})
}

// --- エラーマッピング ---

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *model.APIError
		want int
	}{
		{model.NewUnauthorizedError(), http.StatusUnauthorized},
		{model.NewInvalidCredentialsError(), http.StatusUnauthorized},
		{model.NewEmailNotConfirmedError(), http.StatusForbidden},
		{model.NewNotCreatorError(), http.StatusForbidden},
		{model.NewCSRFError(), http.StatusForbidden},
		{model.NewEmailTakenError(), http.StatusConflict},
		{model.NewUsernameTakenError(), http.StatusConflict},
		{model.NewAlreadyInVibeError(), http.StatusConflict},
		{model.NewTransitionPendingError(), http.StatusConflict},
		{model.NewNoActiveVibeError(), http.StatusConflict},
		{model.NewEventUnavailableError(1), http.StatusConflict},
		{model.NewCreatorCannotLeaveError(), http.StatusConflict},
		{model.NewInvalidSignUpError("x"), http.StatusBadRequest},
		{model.NewInvalidEventError("x"), http.StatusBadRequest},
		{model.NewOutOfRangeError(500), http.StatusBadRequest},
		{model.NewBadRequestError("x"), http.StatusBadRequest},
		{model.NewProfileNotFoundError("x"), http.StatusNotFound},
		{model.NewRateLimitedError(), http.StatusTooManyRequests},
		{model.NewDataFetchError("events"), http.StatusServiceUnavailable},
		{model.NewMutationError("join"), http.StatusServiceUnavailable},
		{model.NewSessionFetchFailedError(), http.StatusServiceUnavailable},
		{model.NewInternalError(), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(tt.err); got != tt.want {
				t.Errorf("mapAPIErrorToHTTPStatus(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}

func TestHandleServiceError_WrappedAPIError(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, errors.Join(errors.New("context"), model.NewProfileNotFoundError("x")))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
