// Package audit は発行・検証・投票などの監査イベントを構造化ログとして出力する。
//
// PO側のイベントには stable_id を含めない。タグも失敗時のみ先頭8文字に切り詰めて記録する。
package audit

import (
	"context"
	"errors"
	"log/slog"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/ballotbox/internal/model"
)

// Category は監査イベントの分類。
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryIssuance       Category = "issuance"
	CategorySubmission     Category = "submission"
	CategoryLedger         Category = "ledger"
	CategoryAdmin          Category = "admin"
)

// Logger は監査イベントの出力先。
type Logger struct {
	log *slog.Logger
}

// NewLogger はLoggerを生成する。nilの場合はslog.Default()を使う。
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{log: l.With(slog.Bool("audit", true))}
}

// Success は成功イベントを記録する。
func (l *Logger) Success(ctx context.Context, category Category, action string, attrs ...slog.Attr) {
	l.emit(ctx, slog.LevelInfo, category, action, true, attrs)
}

// Failure は失敗イベントを記録する。APIErrorの場合はコードを付与し、
// 整合性違反はerrorレベル、それ以外はwarnレベルで記録する。
func (l *Logger) Failure(ctx context.Context, category Category, action string, err error, attrs ...slog.Attr) {
	level := slog.LevelWarn
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs, slog.String("code", apiErr.Code))
		if apiErr.Code == model.ErrCodeIntegrityFault || apiErr.Code == model.ErrCodeInternal {
			level = slog.LevelError
		}
	} else if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelError
	}
	l.emit(ctx, level, category, action, false, attrs)
}

func (l *Logger) emit(ctx context.Context, level slog.Level, category Category, action string, success bool, attrs []slog.Attr) {
	base := []slog.Attr{
		slog.String("category", string(category)),
		slog.String("action", action),
		slog.Bool("success", success),
	}
	if reqID := chimw.GetReqID(ctx); reqID != "" {
		base = append(base, slog.String("request_id", reqID))
	}
	l.log.LogAttrs(ctx, level, "audit_event", append(base, attrs...)...)
}

// ShortTag はログ用にタグを短縮する。
func ShortTag(tag string) string {
	if len(tag) <= 8 {
		return tag
	}
	return tag[:8]
}
