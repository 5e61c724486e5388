package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/metrics"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
	"github.com/hitoshi/ballotbox/internal/signing"
)

// PollLookup はPOの公開投票情報を取得する。見つからない場合はnilを返す。
type PollLookup interface {
	FetchPoll(ctx context.Context, pollID string) (*model.Poll, error)
}

// IssuerOptions はIssuerの動作設定。
type IssuerOptions struct {
	// AllowDraft がtrueの場合、draft状態の投票にも発行する。
	AllowDraft bool
}

// Issuer は投票スコープのトークンを発行・失効・封印する。
type Issuer struct {
	users   repository.UserRepository
	tokens  repository.TokenRepository
	salts   repository.SaltRepository
	polls   PollLookup
	sealer  *SaltSealer
	key     ed25519.PrivateKey
	metrics metrics.MetricsCollector
	audit   *audit.Logger
	opts    IssuerOptions
	now     func() time.Time
}

// NewIssuer はIssuerの新しいインスタンスを生成する。
func NewIssuer(
	users repository.UserRepository,
	tokens repository.TokenRepository,
	salts repository.SaltRepository,
	polls PollLookup,
	sealer *SaltSealer,
	key ed25519.PrivateKey,
	collector metrics.MetricsCollector,
	auditLog *audit.Logger,
	opts IssuerOptions,
) *Issuer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Issuer{
		users:   users,
		tokens:  tokens,
		salts:   salts,
		polls:   polls,
		sealer:  sealer,
		key:     key,
		metrics: collector,
		audit:   auditLog,
		opts:    opts,
		now:     time.Now,
	}
}

// PublicKey はトークン検証用の公開鍵を返す。
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// PublicKeyHex は公開鍵の16進表現を返す。
func (i *Issuer) PublicKeyHex() string {
	return signing.PublicKeyHex(i.key)
}

// Issue は(本人, 投票)に対してトークンを1つだけ発行する。
// tierが空の場合は本人の認証レベルを使い、本人のレベルを超えるtierは指定できない。
// 返したトークンの平文は保存しないため、再取得はできない。
func (i *Issuer) Issue(ctx context.Context, stableID, pollID string, tier model.Tier) (*model.IssuedToken, error) {
	issued, err := i.issue(ctx, stableID, pollID, tier)
	if err != nil {
		i.audit.Failure(ctx, audit.CategoryIssuance, "issue_token", err, slog.String("poll_id", pollID))
		return nil, err
	}
	i.metrics.RecordTokenIssued(string(issued.Tier))
	i.audit.Success(ctx, audit.CategoryIssuance, "issue_token",
		slog.String("poll_id", pollID),
		slog.String("tier", string(issued.Tier)))
	return issued, nil
}

func (i *Issuer) issue(ctx context.Context, stableID, pollID string, tier model.Tier) (*model.IssuedToken, error) {
	user, err := i.users.FindByStableID(ctx, stableID)
	if err != nil {
		return nil, fmt.Errorf("本人情報の取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewIdentityNotFoundError()
	}
	if !user.IsActive {
		return nil, model.NewIdentityInactiveError()
	}

	if tier == "" {
		tier = user.VerificationTier
	}
	if !tier.Valid() || !tier.AtMost(user.VerificationTier) {
		return nil, model.NewInvalidTierError(string(tier))
	}

	poll, err := i.polls.FetchPoll(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("投票情報の取得に失敗しました: %w", err)
	}
	if poll == nil {
		return nil, model.NewPollNotFoundError(pollID)
	}
	now := i.now().UTC()
	if !i.openForIssuance(poll, now) {
		return nil, model.NewPollNotOpenForIssuanceError(pollID)
	}
	if !poll.AdmitsTier(tier) {
		return nil, model.NewInsufficientTierError(tier, poll.MinTier)
	}

	existing, err := i.tokens.FindActive(ctx, stableID, pollID)
	if err != nil {
		return nil, fmt.Errorf("発行記録の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateIssuanceError()
	}

	salt, err := i.pollSalt(ctx, pollID, now)
	if err != nil {
		return nil, err
	}
	tag, err := DeriveTag(salt, stableID)
	if err != nil {
		return nil, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	claims := &Claims{
		PollID:    pollID,
		Nonce:     nonce,
		Tag:       tag,
		Tier:      string(tier),
		IssuedAt:  now.Unix(),
		ExpiresAt: poll.EndTime.Unix(),
	}
	tok, err := Mint(i.key, claims)
	if err != nil {
		return nil, err
	}

	rec := &model.TokenRecord{
		UserStableID: stableID,
		PollID:       pollID,
		TokenHash:    Hash(tok),
		Tag:          tag,
		Tier:         tier,
		Scope:        pollID,
		IssuedAt:     now,
		ExpiresAt:    poll.EndTime.UTC(),
	}
	if err := i.tokens.Insert(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateIssuanceError()
		}
		return nil, fmt.Errorf("発行記録の保存に失敗しました: %w", err)
	}

	return &model.IssuedToken{
		Token:     tok,
		Tag:       tag,
		Tier:      tier,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (i *Issuer) openForIssuance(poll *model.Poll, now time.Time) bool {
	switch poll.Status {
	case model.PollStatusActive:
	case model.PollStatusDraft:
		if !i.opts.AllowDraft {
			return false
		}
	default:
		return false
	}
	return now.Before(poll.EndTime)
}

// pollSalt は投票のソルトを取得し、なければ作成する。
// 同時に初回発行が走っても保存されるソルトは1つだけ。
func (i *Issuer) pollSalt(ctx context.Context, pollID string, now time.Time) ([]byte, error) {
	stored, err := i.salts.Find(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("ソルトの取得に失敗しました: %w", err)
	}

	if stored == nil {
		fresh, err := NewSalt()
		if err != nil {
			return nil, err
		}
		sealed, err := i.sealer.Seal(fresh)
		if err != nil {
			return nil, err
		}
		stored, err = i.salts.CreateIfAbsent(ctx, &model.PollSalt{
			PollID:     pollID,
			SealedSalt: sealed,
			CreatedAt:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("ソルトの保存に失敗しました: %w", err)
		}
	}

	if stored.DestroyedAt != nil {
		return nil, model.NewPollSealedError(pollID)
	}
	return i.sealer.Open(stored.SealedSalt)
}

// Revoke は(本人, 投票)の有効なトークンを失効させる。記録済みの票は取り消さない。
func (i *Issuer) Revoke(ctx context.Context, stableID, pollID string) error {
	ok, err := i.tokens.Revoke(ctx, stableID, pollID)
	if err != nil {
		return fmt.Errorf("トークンの失効に失敗しました: %w", err)
	}
	if !ok {
		err := model.NewTokenNotFoundError()
		i.audit.Failure(ctx, audit.CategoryIssuance, "revoke_token", err, slog.String("poll_id", pollID))
		return err
	}
	i.metrics.RecordTokenRevoked()
	i.audit.Success(ctx, audit.CategoryIssuance, "revoke_token", slog.String("poll_id", pollID))
	return nil
}

// Seal は終了した投票のソルトを破棄し、発行記録のタグを消去する。
// 以降はIAのデータベースを参照してもタグと本人を対応付けられない。
func (i *Issuer) Seal(ctx context.Context, pollID string) (int64, error) {
	poll, err := i.polls.FetchPoll(ctx, pollID)
	if err != nil {
		return 0, fmt.Errorf("投票情報の取得に失敗しました: %w", err)
	}
	if poll == nil {
		return 0, model.NewPollNotFoundError(pollID)
	}
	if poll.Status != model.PollStatusClosed {
		return 0, model.NewInvalidRequestError("終了していない投票は封印できません")
	}

	cleared, err := i.tokens.SealPoll(ctx, pollID, i.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("投票の封印に失敗しました: %w", err)
	}
	i.audit.Success(ctx, audit.CategoryAdmin, "seal_poll",
		slog.String("poll_id", pollID),
		slog.Int64("cleared_tags", cleared))
	return cleared, nil
}
