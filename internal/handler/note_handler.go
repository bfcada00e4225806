package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/vibex/internal/model"
)

// NoteServiceInterface はメモハンドラーが必要とするサービスインターフェース。
type NoteServiceInterface interface {
	List(ctx context.Context, userID string) ([]model.Note, error)
	Add(ctx context.Context, userID, content string) (*model.Note, error)
}

// NoteHandler は個人メモ（履歴タブ）のHTTPハンドラー。
type NoteHandler struct {
	service NoteServiceInterface
}

// NewNoteHandler はNoteHandlerを生成する。
func NewNoteHandler(service NoteServiceInterface) *NoteHandler {
	return &NoteHandler{service: service}
}

// List はログイン中ユーザーのメモを新しい順に返す。
// GET /api/notes
func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	notes, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if notes == nil {
		notes = []model.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

type addNoteRequest struct {
	Content string `json:"content"`
}

// Add はメモを追加する。
// POST /api/notes
func (h *NoteHandler) Add(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req addNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	note, err := h.service.Add(r.Context(), userID, req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}
