// Package note はユーザー個人のメモ（履歴タブ）を提供する。
package note

import (
	"context"
	"log/slog"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
)

const (
	// MaxContentLength はメモの最大文字数。
	MaxContentLength = 1000
	// ListLimit は一覧で返すメモの最大件数。
	ListLimit = 100
)

// Service はメモの一覧と追加を提供する。
type Service struct {
	notes     repository.NoteRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(notes repository.NoteRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *Service {
	return &Service{notes: notes, sanitizer: sanitizer, logger: logger}
}

// List はユーザーのメモを新しい順に返す。
func (s *Service) List(ctx context.Context, userID string) ([]model.Note, error) {
	notes, err := s.notes.ListByUser(ctx, userID, ListLimit)
	if err != nil {
		s.logger.Error("メモ一覧の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewDataFetchError("メモ")
	}
	return notes, nil
}

// Add はメモを追加し、保存された行を返す。
func (s *Service) Add(ctx context.Context, userID, content string) (*model.Note, error) {
	cleaned, ok := s.sanitizer.Clean(content, MaxContentLength)
	if !ok {
		return nil, model.NewInvalidNoteError("メモが長すぎます")
	}
	if cleaned == "" {
		return nil, model.NewInvalidNoteError("メモが空です")
	}

	n, err := s.notes.Insert(ctx, userID, cleaned)
	if err != nil {
		s.logger.Error("メモの保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewMutationError("add_note")
	}
	return n, nil
}
