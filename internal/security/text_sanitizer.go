// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はIdP（GitHub）から受け取ったプロフィール文字列を
// プレーンテキストに正規化する。表示名などは利用者が自由に設定できるため、
// 保存前にマークアップを除去してXSSの温床にならないようにする。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTMLタグを全て除去するbluemondayのStrictPolicyを保持する。
// ゴルーチン間で共有して安全に使用できる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はsからマークアップを除去し、前後の空白を削ってmaxRunes文字に切り詰める。
// bluemondayがエスケープした実体参照（&amp;など）は元の文字に戻す。
// maxRunesが0以下の場合は切り詰めない。
func (s *TextSanitizer) Clean(raw string, maxRunes int) string {
	text := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = strings.TrimSpace(string([]rune(text)[:maxRunes]))
	}
	return text
}
