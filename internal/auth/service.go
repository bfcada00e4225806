// Package auth はメールアドレスとパスワードによる認証、
// JWTアクセストークンとリフレッシュトークンによるセッション管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/repository"
)

// usernamePattern はユーザー名に使用できる文字と長さ。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]{3,30}$`)

// ConfirmationSender はメールアドレス確認リンクの送信インターフェース。
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, email, token string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
	MinPasswordLen  int
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	accounts repository.AccountRepository
	sessions repository.AuthSessionRepository
	sender   ConfirmationSender
	tokens   *tokenIssuer
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	accounts repository.AccountRepository,
	sessions repository.AuthSessionRepository,
	sender ConfirmationSender,
	config ServiceConfig,
) *Service {
	return &Service{
		accounts: accounts,
		sessions: sessions,
		sender:   sender,
		tokens:   newTokenIssuer(config.JWTSecret, config.AccessTokenTTL),
		config:   config,
		now:      time.Now,
	}
}

// SignUp はアカウントを作成し、メール確認前（aud=anon）のセッションを発行する。
// 確認リンクはConfirmationSenderで送信する。送信失敗はログに記録し、登録自体は成功とする。
func (s *Service) SignUp(ctx context.Context, req model.SignUpRequest) (*model.Session, error) {
	email := strings.TrimSpace(req.Email)
	username := strings.TrimSpace(req.Metadata.Username)

	if email == "" || username == "" || req.Password == "" || req.ConfirmPassword == "" {
		return nil, model.NewInvalidSignUpError("すべての項目を入力してください")
	}
	if req.Password != req.ConfirmPassword {
		return nil, model.NewPasswordMismatchError()
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, model.NewInvalidSignUpError("メールアドレスの形式が正しくありません")
	}
	if len(req.Password) < s.config.MinPasswordLen {
		return nil, model.NewInvalidSignUpError(fmt.Sprintf("パスワードは%d文字以上で入力してください", s.config.MinPasswordLen))
	}
	if !usernamePattern.MatchString(username) {
		return nil, model.NewInvalidSignUpError("ユーザー名は3〜30文字の英数字、アンダースコア、ピリオドで入力してください")
	}
	privacy := req.Metadata.Privacy.OrDefault()
	if !privacy.Valid() {
		return nil, model.NewInvalidSignUpError("公開範囲の指定が正しくありません")
	}

	existing, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError()
	}
	taken, err := s.accounts.UsernameTaken(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if taken {
		return nil, model.NewUsernameTakenError()
	}

	hash, err := hashPassword(req.Password, s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	confirmation, err := newOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate confirmation token: %w", err)
	}

	account := &model.Account{
		ID:                uuid.New().String(),
		Email:             strings.ToLower(email),
		PasswordHash:      hash,
		Metadata:          model.UserMetadata{Username: username, Bio: req.Metadata.Bio, Privacy: privacy},
		ConfirmationToken: confirmation,
		CreatedAt:         s.now(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("new account created",
		slog.String("account_id", account.ID),
		slog.String("username", username),
	)

	if err := s.sender.SendConfirmation(ctx, account.Email, confirmation); err != nil {
		slog.Error("failed to send confirmation",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.createSession(ctx, account)
}

// SignIn はメールアドレスとパスワードで認証し、セッションを発行する。
// メール未確認のアカウントはErrCodeEmailNotConfirmedで拒否する。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || !verifyPassword(account.PasswordHash, password) {
		return nil, model.NewInvalidCredentialsError()
	}
	if !account.Confirmed() {
		return nil, model.NewEmailNotConfirmedError()
	}

	slog.Info("account signed in", slog.String("account_id", account.ID))
	return s.createSession(ctx, account)
}

// SignOut はリフレッシュトークンに紐づくセッションを破棄する。
// 発行済みのアクセストークンは有効期限まで検証に通る。
func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.sessions.DeleteByTokenHash(ctx, hashToken(refreshToken)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetSession はアクセストークンを検証し、セッションを返す。
// 返却するセッションにリフレッシュトークンは含まれない。
func (s *Service) GetSession(_ context.Context, accessToken string) (*model.Session, error) {
	if accessToken == "" {
		return nil, model.NewUnauthorizedError()
	}
	user, exp, err := s.tokens.parse(accessToken)
	if err != nil {
		return nil, model.NewUnauthorizedError()
	}
	return &model.Session{
		AccessToken: accessToken,
		ExpiresAt:   exp,
		User:        *user,
	}, nil
}

// Refresh はリフレッシュトークンをローテーションし、アクセストークンを再発行する。
// アクセストークンのaudは再発行時点の確認状態を反映する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, model.NewUnauthorizedError()
	}
	oldHash := hashToken(refreshToken)

	current, err := s.sessions.FindByTokenHash(ctx, oldHash)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if current == nil {
		return nil, model.NewUnauthorizedError()
	}

	account, err := s.accounts.FindByID(ctx, current.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewUnauthorizedError()
	}

	raw, err := newOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := s.now()
	next := &model.AuthSession{
		TokenHash: hashToken(raw),
		AccountID: account.ID,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}
	rotated, err := s.sessions.Rotate(ctx, oldHash, next)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}
	if !rotated {
		// 並行したリフレッシュで既にローテーション済み
		return nil, model.NewUnauthorizedError()
	}

	return s.buildSession(account, raw, now)
}

// ConfirmEmail は確認トークンでメールアドレスを確認済みにする。
func (s *Service) ConfirmEmail(ctx context.Context, token string) (*model.Account, error) {
	if token == "" {
		return nil, model.NewInvalidConfirmationError()
	}
	account, err := s.accounts.Confirm(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm account: %w", err)
	}
	if account == nil {
		return nil, model.NewInvalidConfirmationError()
	}
	slog.Info("account confirmed", slog.String("account_id", account.ID))
	return account, nil
}

// createSession はリフレッシュトークンを永続化し、セッションを発行する。
func (s *Service) createSession(ctx context.Context, account *model.Account) (*model.Session, error) {
	raw, err := newOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := s.now()
	if err := s.sessions.Create(ctx, &model.AuthSession{
		TokenHash: hashToken(raw),
		AccountID: account.ID,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return s.buildSession(account, raw, now)
}

func (s *Service) buildSession(account *model.Account, refreshToken string, now time.Time) (*model.Session, error) {
	access, exp, err := s.tokens.issue(account, now)
	if err != nil {
		return nil, err
	}
	return &model.Session{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    exp,
		User: model.AuthUser{
			ID:       account.ID,
			Email:    account.Email,
			Aud:      account.Audience(),
			Metadata: account.Metadata,
		},
	}, nil
}

// LogConfirmationSender は確認リンクを構造化ログに出力する。
// メール送信基盤を持たない環境向け。
type LogConfirmationSender struct {
	baseURL string
	logger  *slog.Logger
}

// NewLogConfirmationSender はLogConfirmationSenderを生成する。
func NewLogConfirmationSender(baseURL string, logger *slog.Logger) *LogConfirmationSender {
	return &LogConfirmationSender{baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// SendConfirmation は確認リンクをログに出力する。
func (l *LogConfirmationSender) SendConfirmation(_ context.Context, email, token string) error {
	l.logger.Info("確認リンクを発行しました",
		slog.String("email", email),
		slog.String("link", l.baseURL+"/auth/confirm?token="+token),
	)
	return nil
}
