// Package middleware はIAとPOのHTTPミドルウェアとエラーレスポンスを提供する。
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/model"
)

// statusByCode はエラーコードとHTTPステータスの対応表。
// 表にないコードは500として扱う。
var statusByCode = map[string]int{
	model.ErrCodeReplayDetected:     http.StatusUnauthorized,
	model.ErrCodeInvalidSignature:   http.StatusUnauthorized,
	model.ErrCodeChallengeExpired:   http.StatusUnauthorized,
	model.ErrCodeCredentialNotFound: http.StatusUnauthorized,
	model.ErrCodeUnauthorized:       http.StatusUnauthorized,
	model.ErrCodeForbidden:          http.StatusForbidden,
	model.ErrCodeIdentityInactive:   http.StatusForbidden,
	model.ErrCodeInsufficientTier:   http.StatusForbidden,

	model.ErrCodeDuplicateIssuance:      http.StatusConflict,
	model.ErrCodePollNotOpenForIssuance: http.StatusConflict,
	model.ErrCodePollSealed:             http.StatusConflict,
	model.ErrCodeIdentityExists:         http.StatusConflict,
	model.ErrCodeDuplicateVote:          http.StatusConflict,
	model.ErrCodeInvalidStatus:          http.StatusConflict,

	model.ErrCodeTokenNotFound:    http.StatusNotFound,
	model.ErrCodeIdentityNotFound: http.StatusNotFound,
	model.ErrCodePollNotFound:     http.StatusNotFound,
	model.ErrCodeVoteNotFound:     http.StatusNotFound,
	model.ErrCodeRootNotFound:     http.StatusNotFound,

	model.ErrCodeInvalidToken:   http.StatusBadRequest,
	model.ErrCodeTokenExpired:   http.StatusBadRequest,
	model.ErrCodeTokenRevoked:   http.StatusBadRequest,
	model.ErrCodeTagMismatch:    http.StatusBadRequest,
	model.ErrCodeInvalidChoice:  http.StatusBadRequest,
	model.ErrCodePollNotActive:  http.StatusBadRequest,
	model.ErrCodeInvalidTier:    http.StatusBadRequest,
	model.ErrCodeInvalidRequest: http.StatusBadRequest,
	model.ErrCodeInvalidPoll:    http.StatusBadRequest,
	model.ErrCodeInvalidRange:   http.StatusBadRequest,

	model.ErrCodeRateLimited:    http.StatusTooManyRequests,
	model.ErrCodeInternal:       http.StatusInternalServerError,
	model.ErrCodeIntegrityFault: http.StatusInternalServerError,
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorBodyFrom(apiErr))
}

// WriteAPIError はコードに対応するステータスでエラーレスポンスを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, model.NewInternalError())
}
