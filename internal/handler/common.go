// Package handler はIAとPOのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/middleware"
	"github.com/hitoshi/ballotbox/internal/model"
)

// maxRequestBody はリクエストボディの上限（64KB）。
const maxRequestBody = 64 << 10

// HealthChecker はDB接続の死活確認に必要なインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// decodeJSON はリクエストボディをvへデコードする。
// 未知のフィールドと2つ目以降のJSON値は拒否する。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *model.APIError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.NewInvalidRequestError("リクエストボディが大きすぎます")
		}
		return model.NewInvalidRequestError("JSONの解析に失敗しました")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return model.NewInvalidRequestError("JSON値は1つだけ送信してください")
	}
	return nil
}

// writeJSON はvをJSONで書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーをHTTPレスポンスに変換する。
// APIError以外は内部エラーとして扱い、詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", chimw.GetReqID(r.Context())),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// decodeBase64URL はパディングの有無を問わずbase64urlをデコードする。
func decodeBase64URL(field, s string) ([]byte, *model.APIError) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("%s がbase64urlではありません", field))
	}
	return b, nil
}

// parseSize はツリーサイズのパラメータを解釈する。空の場合は0を返す。
func parseSize(name, s string) (uint64, *model.APIError) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, model.NewInvalidRequestError(fmt.Sprintf("%s は0以上の整数で指定してください", name))
	}
	return n, nil
}

// NewHealthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	}
}
