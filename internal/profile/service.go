package profile

import (
	"context"
	"log/slog"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
)

// MaxBioLength は自己紹介の最大文字数。
const MaxBioLength = 280

// Service はプロフィールの閲覧と更新を提供する。
type Service struct {
	profiles  repository.ProfileRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(profiles repository.ProfileRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *Service {
	return &Service{profiles: profiles, sanitizer: sanitizer, logger: logger}
}

// UpdateSettings は本人のbioとprivacyを更新し、確定した行を返す。
func (s *Service) UpdateSettings(ctx context.Context, userID, bio string, privacy model.Privacy) (*model.Profile, error) {
	if !privacy.Valid() {
		return nil, model.NewInvalidProfileError("公開範囲の指定が正しくありません")
	}
	cleaned, ok := s.sanitizer.Clean(bio, MaxBioLength)
	if !ok {
		return nil, model.NewInvalidProfileError("自己紹介が長すぎます")
	}

	p, err := s.profiles.UpdateSettings(ctx, userID, cleaned, privacy)
	if err != nil {
		s.logger.Error("プロフィールの更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewMutationError("update_profile")
	}
	if p == nil {
		return nil, model.NewMutationError("update_profile")
	}
	return p, nil
}

// View は閲覧者から見たプロフィールを返す。
// 本人は常に全項目を閲覧できる。privateは本人以外に、communityは未ログインの閲覧者に自己紹介を表示しない。
func (s *Service) View(ctx context.Context, viewerID, username string) (*model.ProfileView, error) {
	p, err := s.profiles.FindByUsername(ctx, username)
	if err != nil {
		s.logger.Error("プロフィールの取得に失敗しました",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return nil, model.NewDataFetchError("プロフィール")
	}
	if p == nil {
		return nil, model.NewProfileNotFoundError(username)
	}

	view := &model.ProfileView{
		ID:       p.ID,
		Username: p.Username,
		Privacy:  p.Privacy,
		Visible:  canView(viewerID, p),
	}
	if view.Visible {
		view.Bio = p.Bio
	}
	return view, nil
}

func canView(viewerID string, p *model.Profile) bool {
	if viewerID != "" && viewerID == p.ID {
		return true
	}
	switch p.Privacy {
	case model.PrivacyPublic:
		return true
	case model.PrivacyCommunity:
		return viewerID != ""
	default:
		return false
	}
}

// Participants は参加者IDをユーザー名付きの一覧に変換する。
func (s *Service) Participants(ctx context.Context, ids []string) ([]model.ProfileSummary, error) {
	summaries, err := s.profiles.ListSummaries(ctx, ids)
	if err != nil {
		s.logger.Error("参加者一覧の取得に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewDataFetchError("参加者一覧")
	}
	return summaries, nil
}
