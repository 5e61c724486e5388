// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は投票のタイトル・説明・選択肢を保存前にサニタイズする。
// 票のハッシュや受領証には選択肢の番号しか含まれないため、
// 表示用テキストの正規化は台帳の検証に影響しない。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は投票テキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// PlainText はタグを全て除去し、前後の空白を取り除いたテキストを返す。
	// タイトルと選択肢に使う。
	PlainText(raw string) string

	// Description は説明文向けに限られたタグのみを残したHTMLを返す。
	// 許可タグ: p, br, ul, ol, li, strong, em, a(href, httpsのみ)。
	Description(raw string) string
}

type textSanitizer struct {
	strict      *bluemonday.Policy
	description *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &textSanitizer{
		strict:      bluemonday.StrictPolicy(),
		description: p,
	}
}

func (s *textSanitizer) PlainText(raw string) string {
	// StrictPolicyは & などをエスケープするので、保存値はプレーンテキストに戻す
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

func (s *textSanitizer) Description(raw string) string {
	return strings.TrimSpace(s.description.Sanitize(raw))
}
