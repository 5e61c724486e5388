package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/middleware"
	"github.com/hitoshi/ballotbox/internal/model"
)

// TokenServiceInterface はトークンハンドラーが必要とするサービスインターフェース。
type TokenServiceInterface interface {
	// Issue は(本人, 投票)に対してトークンを1つだけ発行する。
	Issue(ctx context.Context, stableID, pollID string, tier model.Tier) (*model.IssuedToken, error)
	Revoke(ctx context.Context, stableID, pollID string) error
	// Seal は終了した投票のソルトを破棄し、消去したタグ数を返す。
	Seal(ctx context.Context, pollID string) (int64, error)
	PublicKeyHex() string
}

// TokenHandler はトークン発行のHTTPハンドラー。
type TokenHandler struct {
	service TokenServiceInterface
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(service TokenServiceInterface) *TokenHandler {
	return &TokenHandler{service: service}
}

// Issue はトークンを発行する。アサーションの本人とstable_idが一致しなければ拒否する。
// POST /token/issue
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req api.IssueRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if req.StableID == "" || req.PollID == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("stable_id と poll_id は必須です"))
		return
	}
	if middleware.PrincipalFromContext(r.Context()).StableID() != req.StableID {
		handleServiceError(w, r, model.NewForbiddenError())
		return
	}

	issued, err := h.service.Issue(r.Context(), req.StableID, req.PollID, req.Tier)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, api.IssueResponse{
		Token:     issued.Token,
		Tag:       issued.Tag,
		Tier:      issued.Tier,
		ExpiresAt: issued.ExpiresAt,
	})
}

// Revoke はトークンを失効させる。本人のアサーションか管理者トークンが必要。
// POST /token/revoke
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req api.RevokeRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if req.StableID == "" || req.PollID == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("stable_id と poll_id は必須です"))
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil || (!p.Admin && p.StableID() != req.StableID) {
		handleServiceError(w, r, model.NewForbiddenError())
		return
	}

	if err := h.service.Revoke(r.Context(), req.StableID, req.PollID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Seal は終了した投票を封印する。
// POST /admin/polls/{poll_id}/seal
func (h *TokenHandler) Seal(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, "poll_id")
	cleared, err := h.service.Seal(r.Context(), pollID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SealResponse{PollID: pollID, ClearedTags: cleared})
}

// PublicKey はトークン署名の検証鍵を返す。
// GET /public-key
func (h *TokenHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.PublicKeyResponse{PublicKey: h.service.PublicKeyHex()})
}
