// Package poll はPOの投票定義とライフサイクル(draft → active → closed)を管理する。
package poll

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
	"github.com/hitoshi/ballotbox/internal/security"
	"github.com/hitoshi/ballotbox/internal/signing"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
	maxOptionLength      = 200
	minOptions           = 2
	maxOptions           = 32
)

var pollIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// KeySource はトークン検証に使うIAの公開鍵を取得する。
type KeySource interface {
	PublicKey(ctx context.Context) (ed25519.PublicKey, error)
}

// CreateInput は投票作成の入力。
type CreateInput struct {
	PollID      string
	Title       string
	Description string
	Options     []string
	StartTime   time.Time
	EndTime     time.Time
	// IAPublicKey はhex表現。空の場合はKeySourceから取得する。
	IAPublicKey string
	// MinTier は発行と投票に必要な最低の認証レベル。空の場合はT0。
	MinTier model.Tier
}

// Service は投票定義のサービス層。
type Service struct {
	polls     repository.PollRepository
	sanitizer security.TextSanitizer
	keys      KeySource
	audit     *audit.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(polls repository.PollRepository, sanitizer security.TextSanitizer, keys KeySource, auditLog *audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Service{
		polls:     polls,
		sanitizer: sanitizer,
		keys:      keys,
		audit:     auditLog,
		now:       time.Now,
	}
}

// Create は投票をdraft状態で作成する。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Poll, error) {
	title := s.sanitizer.PlainText(in.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return nil, model.NewInvalidPollError(fmt.Sprintf("タイトルは1〜%d文字で指定してください", maxTitleLength))
	}
	description := s.sanitizer.Description(in.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return nil, model.NewInvalidPollError(fmt.Sprintf("説明は%d文字以内で指定してください", maxDescriptionLength))
	}

	if len(in.Options) < minOptions || len(in.Options) > maxOptions {
		return nil, model.NewInvalidPollError(fmt.Sprintf("選択肢は%d〜%d個で指定してください", minOptions, maxOptions))
	}
	options := make([]string, len(in.Options))
	seen := make(map[string]struct{}, len(in.Options))
	for i, raw := range in.Options {
		opt := s.sanitizer.PlainText(raw)
		if opt == "" || utf8.RuneCountInString(opt) > maxOptionLength {
			return nil, model.NewInvalidPollError(fmt.Sprintf("選択肢 %d が空か長すぎます", i))
		}
		if _, dup := seen[opt]; dup {
			return nil, model.NewInvalidPollError(fmt.Sprintf("選択肢 %q が重複しています", opt))
		}
		seen[opt] = struct{}{}
		options[i] = opt
	}

	if in.StartTime.IsZero() || in.EndTime.IsZero() || !in.EndTime.After(in.StartTime) {
		return nil, model.NewInvalidPollError("終了時刻は開始時刻より後である必要があります")
	}

	minTier := in.MinTier
	if minTier == "" {
		minTier = model.TierT0
	}
	if !minTier.Valid() {
		return nil, model.NewInvalidPollError(fmt.Sprintf("min_tier %q は T0〜T3 で指定してください", in.MinTier))
	}

	key, err := s.iaPublicKey(ctx, in.IAPublicKey)
	if err != nil {
		return nil, err
	}

	pollID := in.PollID
	if pollID == "" {
		pollID = uuid.New().String()
	} else if !pollIDPattern.MatchString(pollID) {
		return nil, model.NewInvalidPollError("poll_id は英数字・ハイフン・アンダースコアの64文字以内で指定してください")
	}

	now := s.now().UTC()
	p := &model.Poll{
		PollID:      pollID,
		Title:       title,
		Description: description,
		Options:     options,
		StartTime:   in.StartTime.UTC(),
		EndTime:     in.EndTime.UTC(),
		Status:      model.PollStatusDraft,
		IAPublicKey: key,
		MinTier:     minTier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.polls.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewInvalidPollError("同じ poll_id の投票が既に存在します")
		}
		return nil, fmt.Errorf("投票の作成に失敗しました: %w", err)
	}

	s.audit.Success(ctx, audit.CategoryAdmin, "create_poll",
		slog.String("poll_id", p.PollID),
		slog.Int("options", len(options)),
		slog.String("min_tier", string(minTier)))
	return p, nil
}

func (s *Service) iaPublicKey(ctx context.Context, encoded string) (ed25519.PublicKey, error) {
	if encoded != "" {
		key, err := signing.ParsePublicKey(encoded)
		if err != nil {
			return nil, model.NewInvalidPollError("ia_public_key はEd25519公開鍵のhex表現で指定してください")
		}
		return key, nil
	}
	if s.keys == nil {
		return nil, model.NewInvalidPollError("ia_public_key を指定してください")
	}
	key, err := s.keys.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("IA公開鍵の取得に失敗しました: %w", err)
	}
	return key, nil
}

// Get は投票を取得する。
func (s *Service) Get(ctx context.Context, pollID string) (*model.Poll, error) {
	p, err := s.polls.FindByID(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("投票の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPollNotFoundError(pollID)
	}
	return p, nil
}

// List は投票一覧を返す。
func (s *Service) List(ctx context.Context) ([]*model.Poll, error) {
	polls, err := s.polls.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("投票一覧の取得に失敗しました: %w", err)
	}
	return polls, nil
}

// Open はdraftの投票を受付中にする。
func (s *Service) Open(ctx context.Context, pollID string) (*model.Poll, error) {
	return s.transition(ctx, pollID, model.PollStatusActive)
}

// Close は受付中の投票を終了する。
func (s *Service) Close(ctx context.Context, pollID string) (*model.Poll, error) {
	return s.transition(ctx, pollID, model.PollStatusClosed)
}

func (s *Service) transition(ctx context.Context, pollID string, to model.PollStatus) (*model.Poll, error) {
	p, err := s.Get(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(to) {
		return nil, model.NewInvalidStatusTransitionError(p.Status, to)
	}

	now := s.now().UTC()
	ok, err := s.polls.UpdateStatus(ctx, pollID, p.Status, to, now)
	if err != nil {
		return nil, fmt.Errorf("投票状態の更新に失敗しました: %w", err)
	}
	if !ok {
		// 並行して別の遷移が先に行われた
		return nil, model.NewInvalidStatusTransitionError(p.Status, to)
	}

	s.audit.Success(ctx, audit.CategoryAdmin, "poll_"+string(to),
		slog.String("poll_id", pollID),
		slog.String("from", string(p.Status)))
	p.Status = to
	p.UpdatedAt = now
	return p, nil
}

// RunDueTransitions は開始時刻を過ぎたdraftを開き、終了時刻を過ぎたactiveを閉じる。
// 終了時刻を過ぎたdraftはそのまま残す。draftから直接closedへは遷移できない。
func (s *Service) RunDueTransitions(ctx context.Context) (opened, closed int, err error) {
	now := s.now().UTC()
	due, err := s.polls.ListDueForTransition(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("遷移対象の取得に失敗しました: %w", err)
	}

	for _, p := range due {
		var to model.PollStatus
		switch {
		case p.Status == model.PollStatusActive && !now.Before(p.EndTime):
			to = model.PollStatusClosed
		case p.Status == model.PollStatusDraft && !now.Before(p.StartTime) && now.Before(p.EndTime):
			to = model.PollStatusActive
		default:
			continue
		}

		if _, err := s.transition(ctx, p.PollID, to); err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) {
				// 手動操作と競合した場合は次回に任せる
				continue
			}
			return opened, closed, err
		}
		if to == model.PollStatusActive {
			opened++
		} else {
			closed++
		}
	}
	return opened, closed, nil
}

// RefreshEligiblePopulation は終了していない投票の有権者数を更新する。
func (s *Service) RefreshEligiblePopulation(ctx context.Context, population int64) (int, error) {
	polls, err := s.polls.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("投票一覧の取得に失敗しました: %w", err)
	}
	updated := 0
	for _, p := range polls {
		if p.Status == model.PollStatusClosed || p.EligiblePopulation == population {
			continue
		}
		if err := s.polls.UpdateEligiblePopulation(ctx, p.PollID, population); err != nil {
			return updated, fmt.Errorf("有権者数の更新に失敗しました: %w", err)
		}
		updated++
	}
	return updated, nil
}
