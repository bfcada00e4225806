package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/vibex/internal/model"
)

// ErrInvalidToken はアクセストークンの検証失敗を表す。
var ErrInvalidToken = errors.New("invalid access token")

// accessClaims はアクセストークンのクレーム。
// subにアカウントID、audに確認状態（authenticated / anon）を持つ。
type accessClaims struct {
	Email    string             `json:"email"`
	Metadata model.UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// tokenIssuer はHS256署名のアクセストークンを発行・検証する。
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func newTokenIssuer(secret string, ttl time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: []byte(secret), ttl: ttl}
}

// issue はアカウントの現在の確認状態でアクセストークンを発行する。
func (t *tokenIssuer) issue(account *model.Account, now time.Time) (string, time.Time, error) {
	exp := now.Add(t.ttl)
	claims := accessClaims{
		Email:    account.Email,
		Metadata: account.Metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			Audience:  jwt.ClaimStrings{account.Audience()},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, exp, nil
}

// parse はアクセストークンを検証し、ユーザー情報と有効期限を返す。
func (t *tokenIssuer) parse(raw string) (*model.AuthUser, time.Time, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || len(claims.Audience) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: missing sub or aud", ErrInvalidToken)
	}
	user := &model.AuthUser{
		ID:       claims.Subject,
		Email:    claims.Email,
		Aud:      claims.Audience[0],
		Metadata: claims.Metadata,
	}
	return user, claims.ExpiresAt.Time, nil
}

// newOpaqueToken は暗号学的に安全なランダムトークンを生成する。
// リフレッシュトークンと確認トークンに使用する。
func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken はトークンのSHA-256ハッシュを返す。DBにはハッシュのみを保存する。
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
