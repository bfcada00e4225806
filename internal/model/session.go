package model

import "time"

const (
	// AudienceAuthenticated はメール確認済みセッションのaudクレーム。
	AudienceAuthenticated = "authenticated"
	// AudienceAnonymous はメール確認前セッションのaudクレーム。
	AudienceAnonymous = "anon"
)

// UserMetadata はサインアップ時に渡される任意のメタデータ。
// 空文字列は未指定を表す。
type UserMetadata struct {
	Username string  `json:"username,omitempty"`
	Bio      string  `json:"bio,omitempty"`
	Privacy  Privacy `json:"privacy,omitempty"`
}

// AuthUser はアクセストークンに含まれるユーザー情報。
type AuthUser struct {
	ID       string       `json:"id"`
	Email    string       `json:"email"`
	Aud      string       `json:"aud"`
	Metadata UserMetadata `json:"user_metadata"`
}

// Session は認証サービスが発行するセッション。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         AuthUser  `json:"user"`
}

// IsConfirmed はメール確認済み（aud=authenticated）のセッションかどうかを返す。
// nilセッションはfalse。
func (s *Session) IsConfirmed() bool {
	return s != nil && s.User.Aud == AudienceAuthenticated
}

// Account は認証用のアカウントレコードを表す。
type Account struct {
	ID                string
	Email             string
	PasswordHash      string
	Metadata          UserMetadata
	ConfirmationToken string
	ConfirmedAt       *time.Time
	CreatedAt         time.Time
}

// Confirmed はメール確認が完了しているかを返す。
func (a *Account) Confirmed() bool {
	return a.ConfirmedAt != nil
}

// Audience はアカウントの確認状態に応じたaudクレームを返す。
func (a *Account) Audience() string {
	if a.Confirmed() {
		return AudienceAuthenticated
	}
	return AudienceAnonymous
}

// AuthSession はリフレッシュトークンに紐づく永続セッションを表す。
// TokenHashにはリフレッシュトークンのSHA-256ハッシュのみを保存する。
type AuthSession struct {
	TokenHash string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SignUpRequest はサインアップの入力。
type SignUpRequest struct {
	Email           string       `json:"email"`
	Password        string       `json:"password"`
	ConfirmPassword string       `json:"confirm_password"`
	Metadata        UserMetadata `json:"metadata"`
}
