// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はチャット、イベント、プロフィールなどのユーザー入力を
// プレーンテキストに正規化し、保存前にHTMLタグを取り除く。
package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力テキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// PlainText は全てのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// 制御文字（改行とタブを除く）も除去する。同一入力に対して常に同一出力を返す。
	PlainText(raw string) string

	// Clean はPlainTextの結果がmaxRunes文字以内かを検証して返す。
	// 上限を超える場合はokがfalseになる。
	Clean(raw string, maxRunes int) (text string, ok bool)
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *textSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはタグを除去しエスケープ済みテキストを返すため、保存用に戻す
	stripped := html.UnescapeString(s.policy.Sanitize(stripControl(raw)))
	return strings.TrimSpace(stripped)
}

func (s *textSanitizer) Clean(raw string, maxRunes int) (string, bool) {
	text := s.PlainText(raw)
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return text, false
	}
	return text, true
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
