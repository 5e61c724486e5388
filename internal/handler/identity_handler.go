package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/credential"
	"github.com/hitoshi/ballotbox/internal/model"
)

// IdentityServiceInterface は本人確認ハンドラーが必要とするサービスインターフェース。
type IdentityServiceInterface interface {
	// BeginVerification は1回限りのチャレンジを発行する。
	BeginVerification(ctx context.Context, stableID string) (*credential.Challenge, error)
	// Verify はアサーションを検証し、成功時に短命の本人確認アサーションを返す。
	Verify(ctx context.Context, a *credential.Assertion) (*credential.Result, error)
	CreateIdentity(ctx context.Context, stableID string, tier model.Tier) (*model.User, error)
	UpdateTier(ctx context.Context, stableID string, tier model.Tier) error
	Deactivate(ctx context.Context, stableID string) error
	RegisterCredential(ctx context.Context, stableID, credentialID string, publicKey []byte) (*model.Credential, error)
	CountActiveIdentities(ctx context.Context) (int64, error)
}

// IdentityHandler は本人確認と本人情報管理のHTTPハンドラー。
type IdentityHandler struct {
	service IdentityServiceInterface
}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler(service IdentityServiceInterface) *IdentityHandler {
	return &IdentityHandler{service: service}
}

// Challenge はチャレンジを発行する。
// POST /identity/challenge
func (h *IdentityHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req api.ChallengeRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if req.StableID == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("stable_id は必須です"))
		return
	}

	ch, err := h.service.BeginVerification(r.Context(), req.StableID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, api.ChallengeResponse{
		SessionID: ch.SessionID,
		Challenge: ch.Challenge,
		ExpiresAt: ch.ExpiresAt,
	})
}

// Verify は認証器のアサーションを検証する。
// POST /identity/verify
func (h *IdentityHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if req.SessionID == "" || req.CredentialID == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("session_id と credential_id は必須です"))
		return
	}

	a := &credential.Assertion{SessionID: req.SessionID, CredentialID: req.CredentialID}
	var apiErr *model.APIError
	if a.AuthenticatorData, apiErr = decodeBase64URL("authenticator_data", req.AuthenticatorData); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if a.ClientDataJSON, apiErr = decodeBase64URL("client_data_json", req.ClientDataJSON); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if a.Signature, apiErr = decodeBase64URL("signature", req.Signature); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	res, err := h.service.Verify(r.Context(), a)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, api.VerifyResponse{
		StableID:           res.StableID,
		Tier:               res.Tier,
		Assertion:          res.Assertion,
		AssertionExpiresAt: res.AssertionExpiresAt,
	})
}

// ActiveIdentities は有効な本人情報の数を返す。POが参加率の母数に使う。
// GET /stats/active-identities
func (h *IdentityHandler) ActiveIdentities(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CountActiveIdentities(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ActiveIdentitiesResponse{ActiveIdentities: n})
}

// CreateIdentity は本人情報を登録する。
// POST /admin/identities
func (h *IdentityHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req api.CreateIdentityRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	u, err := h.service.CreateIdentity(r.Context(), req.StableID, req.Tier)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.IdentityFrom(u))
}

// UpdateTier は認証レベルを変更する。
// PUT /admin/identities/{id}/tier
func (h *IdentityHandler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateTierRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	if err := h.service.UpdateTier(r.Context(), chi.URLParam(r, "id"), req.Tier); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deactivate は本人情報を無効化する。
// DELETE /admin/identities/{id}
func (h *IdentityHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterCredential は認証器の公開鍵を登録する。
// POST /admin/identities/{id}/credentials
func (h *IdentityHandler) RegisterCredential(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterCredentialRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if req.CredentialID == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("credential_id は必須です"))
		return
	}
	pub, apiErr := decodeBase64URL("public_key", req.PublicKey)
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	cred, err := h.service.RegisterCredential(r.Context(), chi.URLParam(r, "id"), req.CredentialID, pub)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.CredentialResponse{
		CredentialID: cred.CredentialID,
		StableID:     cred.UserStableID,
		SignCount:    cred.SignCount,
		CreatedAt:    cred.CreatedAt,
	})
}
