// Package profile はセッションからログイン中ユーザーへの解決と、
// プロフィールの閲覧・更新を提供する。
package profile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/repository"
)

// Resolver はセッションをApplicationUserに解決する。
type Resolver struct {
	profiles repository.ProfileRepository
	logger   *slog.Logger
}

// NewResolver はResolverを生成する。
func NewResolver(profiles repository.ProfileRepository, logger *slog.Logger) *Resolver {
	return &Resolver{profiles: profiles, logger: logger}
}

// Resolve はセッションに対応するApplicationUserを返す。
//
// メール確認前（aud≠authenticated）のセッションではプロフィールを参照せずnilを返す。
// プロフィールが存在しない場合はセッションのメタデータから作成を試みる。
// ユーザー名がない場合はnil、取得や作成に失敗した場合はnilとエラーを返す。
// 作成の重複（サインアップ時トリガーとの競合や並行した解決）もエラーとして返し、
// 呼び出し側はログイン中ユーザーなしとして扱う。
func (r *Resolver) Resolve(ctx context.Context, s *model.Session) (*model.ApplicationUser, error) {
	if !s.IsConfirmed() {
		return nil, nil
	}

	p, err := r.profiles.FindByID(ctx, s.User.ID)
	if err != nil {
		r.logger.Error("プロフィールの取得に失敗しました",
			slog.String("user_id", s.User.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileResolutionError("プロフィールの取得に失敗しました")
	}
	if p != nil {
		return newApplicationUser(s, p), nil
	}

	meta := s.User.Metadata
	if meta.Username == "" {
		r.logger.Warn("プロフィールが存在せず、メタデータにユーザー名がありません",
			slog.String("user_id", s.User.ID),
		)
		return nil, nil
	}

	created, err := r.profiles.Insert(ctx, &model.Profile{
		ID:       s.User.ID,
		Username: meta.Username,
		Bio:      meta.Bio,
		Privacy:  meta.Privacy.OrDefault(),
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, repository.ErrDuplicate) {
			level = slog.LevelWarn
		}
		r.logger.Log(ctx, level, "プロフィールの作成に失敗しました",
			slog.String("user_id", s.User.ID),
			slog.String("username", meta.Username),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileResolutionError("プロフィールの作成に失敗しました")
	}

	r.logger.Info("プロフィールを作成しました",
		slog.String("user_id", created.ID),
		slog.String("username", created.Username),
	)
	return newApplicationUser(s, created), nil
}

func newApplicationUser(s *model.Session, p *model.Profile) *model.ApplicationUser {
	return &model.ApplicationUser{
		ID:      s.User.ID,
		Email:   s.User.Email,
		Profile: *p,
	}
}
