// Package credential はIAの本人確認を提供する。
//
// WebAuthn相当のアサーションを検証し、成功した場合にToken Issuer向けの
// 短命な本人確認アサーションを発行する。署名カウンタは厳密に増加しなければならない。
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ballotbox/internal/assertion"
	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/metrics"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
)

const challengeSize = 32

// Config は検証時に照合するRelying Partyの設定。
type Config struct {
	RPID         string
	Origin       string
	ChallengeTTL time.Duration
}

// Challenge はBeginVerificationの結果。
type Challenge struct {
	SessionID string
	Challenge string
	ExpiresAt time.Time
}

// Assertion はクライアントから送られる認証器の応答。
type Assertion struct {
	SessionID         string
	CredentialID      string
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
}

// Result は検証成功時の結果。
type Result struct {
	StableID           string
	Tier               model.Tier
	Assertion          string
	AssertionExpiresAt time.Time
}

// Service は本人確認のサービス層。
type Service struct {
	users      repository.UserRepository
	creds      repository.CredentialRepository
	sessions   repository.VerificationSessionRepository
	assertions *assertion.Issuer
	metrics    metrics.MetricsCollector
	audit      *audit.Logger
	cfg        Config
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	creds repository.CredentialRepository,
	sessions repository.VerificationSessionRepository,
	assertions *assertion.Issuer,
	collector metrics.MetricsCollector,
	auditLog *audit.Logger,
	cfg Config,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Service{
		users:      users,
		creds:      creds,
		sessions:   sessions,
		assertions: assertions,
		metrics:    collector,
		audit:      auditLog,
		cfg:        cfg,
		now:        time.Now,
	}
}

// BeginVerification は本人に対する1回限りのチャレンジを発行する。
func (s *Service) BeginVerification(ctx context.Context, stableID string) (*Challenge, error) {
	if _, err := s.activeUser(ctx, stableID); err != nil {
		return nil, err
	}

	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	now := s.now().UTC()
	session := &model.VerificationSession{
		SessionID:    uuid.New().String(),
		UserStableID: stableID,
		Challenge:    base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("チャレンジの保存に失敗しました: %w", err)
	}

	return &Challenge{
		SessionID: session.SessionID,
		Challenge: session.Challenge,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Verify はアサーションを検証し、成功すれば本人確認アサーションを発行する。
// セッションの使用済み化と署名カウンタの更新は1トランザクションで行う。
func (s *Service) Verify(ctx context.Context, a *Assertion) (*Result, error) {
	res, err := s.verify(ctx, a)
	if err != nil {
		s.metrics.RecordVerification(outcomeOf(err))
		s.audit.Failure(ctx, audit.CategoryAuthentication, "verify_assertion", err,
			slog.String("credential_id", a.CredentialID))
		return nil, err
	}
	s.metrics.RecordVerification("success")
	s.audit.Success(ctx, audit.CategoryAuthentication, "verify_assertion",
		slog.String("credential_id", a.CredentialID),
		slog.String("tier", string(res.Tier)))
	return res, nil
}

func (s *Service) verify(ctx context.Context, a *Assertion) (*Result, error) {
	now := s.now().UTC()

	if _, err := uuid.Parse(a.SessionID); err != nil {
		return nil, model.NewChallengeExpiredError()
	}
	session, err := s.sessions.FindByID(ctx, a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil || session.IsUsed || !now.Before(session.ExpiresAt) {
		return nil, model.NewChallengeExpiredError()
	}

	res, err := s.verifySession(ctx, session, a, now)
	if err != nil {
		// 失敗したチャレンジは再利用させない
		if cerr := s.sessions.ConsumeSession(ctx, session.SessionID); cerr != nil {
			slog.WarnContext(ctx, "チャレンジの無効化に失敗しました",
				slog.String("session_id", session.SessionID),
				slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	return res, nil
}

// verifySession は有効なセッションに対するアサーションを検証する。
func (s *Service) verifySession(ctx context.Context, session *model.VerificationSession, a *Assertion, now time.Time) (*Result, error) {
	cred, err := s.creds.FindByID(ctx, a.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("認証器の取得に失敗しました: %w", err)
	}
	if cred == nil || !cred.IsActive || cred.UserStableID != session.UserStableID {
		return nil, model.NewCredentialNotFoundError()
	}

	user, err := s.activeUser(ctx, session.UserStableID)
	if err != nil {
		return nil, err
	}

	cd, err := parseClientData(a.ClientDataJSON)
	if err != nil {
		return nil, model.NewInvalidSignatureError()
	}
	if cd.Type != clientDataTypeGet ||
		subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(session.Challenge)) != 1 ||
		cd.Origin != s.cfg.Origin {
		return nil, model.NewInvalidSignatureError()
	}

	ad, err := parseAuthenticatorData(a.AuthenticatorData)
	if err != nil {
		return nil, model.NewInvalidSignatureError()
	}
	if !ad.matchesRPID(s.cfg.RPID) || !ad.userPresent() {
		return nil, model.NewInvalidSignatureError()
	}

	pub, err := ParsePublicKey(cred.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("保存済み公開鍵の解析に失敗しました: %w", err)
	}
	if !pub.Verify(signedMessage(a.AuthenticatorData, a.ClientDataJSON), a.Signature) {
		return nil, model.NewInvalidSignatureError()
	}

	if ad.SignCount <= cred.SignCount {
		return nil, model.NewReplayDetectedError()
	}

	err = s.sessions.CompleteAssertion(ctx, session.SessionID, cred.CredentialID, ad.SignCount, now)
	switch {
	case errors.Is(err, repository.ErrSessionConsumed):
		return nil, model.NewChallengeExpiredError()
	case errors.Is(err, repository.ErrCounterNotIncreased):
		return nil, model.NewReplayDetectedError()
	case err != nil:
		return nil, fmt.Errorf("アサーションの確定に失敗しました: %w", err)
	}

	token, exp, err := s.assertions.Issue(user.StableID, user.VerificationTier)
	if err != nil {
		return nil, err
	}

	return &Result{
		StableID:           user.StableID,
		Tier:               user.VerificationTier,
		Assertion:          token,
		AssertionExpiresAt: exp,
	}, nil
}

func (s *Service) activeUser(ctx context.Context, stableID string) (*model.User, error) {
	user, err := s.users.FindByStableID(ctx, stableID)
	if err != nil {
		return nil, fmt.Errorf("本人情報の取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewIdentityNotFoundError()
	}
	if !user.IsActive {
		return nil, model.NewIdentityInactiveError()
	}
	return user, nil
}

// outcomeOf はメトリクス用の結果ラベルを返す。
func outcomeOf(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.Code)
	}
	return "error"
}
