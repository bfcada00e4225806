package model

import "time"

// Privacy はプロフィールの公開範囲を表す。
type Privacy string

const (
	// PrivacyPublic は誰でも閲覧可能。
	PrivacyPublic Privacy = "public"
	// PrivacyCommunity はサインイン済みユーザーに公開する。
	PrivacyCommunity Privacy = "community"
	// PrivacyPrivate はユーザー名以外を本人にのみ公開する。
	PrivacyPrivate Privacy = "private"
)

// Valid は定義済みの公開範囲かどうかを返す。
func (p Privacy) Valid() bool {
	switch p {
	case PrivacyPublic, PrivacyCommunity, PrivacyPrivate:
		return true
	default:
		return false
	}
}

// OrDefault は空値の場合にPrivacyPublicを返す。
func (p Privacy) OrDefault() Privacy {
	if p == "" {
		return PrivacyPublic
	}
	return p
}

// Profile はユーザーの公開プロフィールを表す。
// IDは認証サブジェクトIDと一致する。usernameは作成後に変更されない。
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Bio       string    `json:"bio"`
	Privacy   Privacy   `json:"privacy"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileSummary は参加者一覧などで使う最小限のプロフィール情報。
type ProfileSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ApplicationUser はセッションとプロフィールを合成したログイン中ユーザー。
// 確認済みセッションがプロフィールに解決できた場合にのみ存在する。
type ApplicationUser struct {
	ID      string  `json:"id"`
	Email   string  `json:"email"`
	Profile Profile `json:"profile"`
}

// ProfileView は他のユーザーから見たプロフィール。
// Visibleがfalseの場合、Bioは空になる。
type ProfileView struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Bio      string  `json:"bio"`
	Privacy  Privacy `json:"privacy"`
	Visible  bool    `json:"visible"`
}
