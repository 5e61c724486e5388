package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
)

// CreateIdentity は本人情報を登録する。
func (s *Service) CreateIdentity(ctx context.Context, stableID string, tier model.Tier) (*model.User, error) {
	stableID = strings.TrimSpace(stableID)
	if stableID == "" {
		return nil, model.NewInvalidRequestError("stable_id は必須です")
	}
	if !tier.Valid() {
		return nil, model.NewInvalidTierError(string(tier))
	}

	now := s.now().UTC()
	user := &model.User{
		StableID:         stableID,
		VerificationTier: tier,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewIdentityExistsError()
		}
		return nil, fmt.Errorf("本人情報の作成に失敗しました: %w", err)
	}

	s.audit.Success(ctx, audit.CategoryAdmin, "create_identity", slog.String("tier", string(tier)))
	return user, nil
}

// UpdateTier は本人確認レベルを変更する。
func (s *Service) UpdateTier(ctx context.Context, stableID string, tier model.Tier) error {
	if !tier.Valid() {
		return model.NewInvalidTierError(string(tier))
	}
	if err := s.users.UpdateTier(ctx, stableID, tier); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewIdentityNotFoundError()
		}
		return fmt.Errorf("認証レベルの更新に失敗しました: %w", err)
	}
	s.audit.Success(ctx, audit.CategoryAdmin, "update_tier", slog.String("tier", string(tier)))
	return nil
}

// Deactivate は本人情報と認証器を無効化する。発行済みトークンは失効させない。
func (s *Service) Deactivate(ctx context.Context, stableID string) error {
	if err := s.users.Deactivate(ctx, stableID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewIdentityNotFoundError()
		}
		return fmt.Errorf("本人情報の無効化に失敗しました: %w", err)
	}
	s.audit.Success(ctx, audit.CategoryAdmin, "deactivate_identity")
	return nil
}

// RegisterCredential は本人に認証器公開鍵(COSE_Key)を登録する。
func (s *Service) RegisterCredential(ctx context.Context, stableID, credentialID string, publicKey []byte) (*model.Credential, error) {
	if strings.TrimSpace(credentialID) == "" {
		return nil, model.NewInvalidRequestError("credential_id は必須です")
	}
	if _, err := ParsePublicKey(publicKey); err != nil {
		return nil, model.NewInvalidRequestError("public_key はES256またはEdDSAのCOSE_Keyである必要があります")
	}
	if _, err := s.activeUser(ctx, stableID); err != nil {
		return nil, err
	}

	cred := &model.Credential{
		CredentialID: credentialID,
		UserStableID: stableID,
		PublicKey:    publicKey,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewInvalidRequestError("credential_id は既に登録されています")
		}
		return nil, fmt.Errorf("認証器の登録に失敗しました: %w", err)
	}

	s.audit.Success(ctx, audit.CategoryAdmin, "register_credential", slog.String("credential_id", credentialID))
	return cred, nil
}

// CountActiveIdentities は有効な本人情報の数を返す。POの投票率の母数に使う。
func (s *Service) CountActiveIdentities(ctx context.Context) (int64, error) {
	n, err := s.users.CountActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("有効な本人情報の集計に失敗しました: %w", err)
	}
	return n, nil
}
