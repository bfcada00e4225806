package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
)

// ProfileViewer はプロフィール閲覧に必要なサービスインターフェース。
type ProfileViewer interface {
	View(ctx context.Context, viewerID, username string) (*model.ProfileView, error)
}

// ProfileHandler はプロフィール閲覧のHTTPハンドラー。
type ProfileHandler struct {
	service ProfileViewer
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileViewer) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// Get は閲覧者の公開範囲に応じたプロフィールを返す。未ログインでも閲覧できる。
// GET /api/profiles/{username}
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := middleware.UserIDFromContext(r.Context())
	view, err := h.service.View(r.Context(), viewerID, chi.URLParam(r, "username"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
