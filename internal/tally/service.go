// Package tally はPOの集計と、台帳からの再計算による監査を提供する。
package tally

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/metrics"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
	"github.com/hitoshi/ballotbox/internal/signing"
)

// Report は監査の結果。Faultsが空でなければ台帳に不整合がある。
type Report struct {
	PollID          string
	LeafCount       uint64
	VoteRows        int64
	TotalVotes      int64
	CounterSum      int64
	PerOptionCounts []int64
	StoredRoot      merkle.Hash
	RecomputedRoot  merkle.Hash
	Faults          []string
}

// OK は不整合がなかったかを返す。
func (r *Report) OK() bool {
	return len(r.Faults) == 0
}

// Fault は不整合をAPIErrorとして返す。不整合がなければnilを返す。
func (r *Report) Fault() *model.APIError {
	if r.OK() {
		return nil
	}
	return model.NewIntegrityFaultError(strings.Join(r.Faults, "; "))
}

// Service は集計のサービス層。
type Service struct {
	ledger      repository.LedgerRepository
	treeHeadKey ed25519.PublicKey
	metrics     metrics.MetricsCollector
	auditLog    *audit.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// treeHeadKeyは署名付きルートの検証に使うPOの公開鍵。
func NewService(
	ledger repository.LedgerRepository,
	treeHeadKey ed25519.PublicKey,
	collector metrics.MetricsCollector,
	auditLog *audit.Logger,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Service{
		ledger:      ledger,
		treeHeadKey: treeHeadKey,
		metrics:     collector,
		auditLog:    auditLog,
	}
}

// Tally は集計結果を返す。総数は台帳の葉の数で、選択肢ごとの票数は
// 追記と同じトランザクションで更新されるカウンタから読む。
// すべて同じ時点のスナップショットから読むため、合計は常に総数と一致する。
func (s *Service) Tally(ctx context.Context, pollID string) (*model.Tally, error) {
	var out *model.Tally
	err := s.ledger.ReadSnapshot(ctx, pollID, func(view repository.LedgerView) error {
		poll, tree, err := load(ctx, view, pollID)
		if err != nil {
			return err
		}
		counts, err := view.TallyCounts(ctx)
		if err != nil {
			return fmt.Errorf("集計カウンタの取得に失敗しました: %w", err)
		}
		tiers, err := view.TierCounts(ctx)
		if err != nil {
			return fmt.Errorf("認証レベル別カウンタの取得に失敗しました: %w", err)
		}

		total := int64(tree.LeafCount)
		out = &model.Tally{
			PollID:             pollID,
			TotalVotes:         total,
			PerOptionCounts:    perOption(counts, len(poll.Options)),
			PerTierCounts:      tiers,
			EligiblePopulation: poll.EligiblePopulation,
			ParticipationRate:  model.ParticipationRate(total, poll.EligiblePopulation),
			Root:               tree.Root,
			TreeSize:           tree.LeafCount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Audit は票の行から葉・ルート・票数を再計算し、保存値と突き合わせる。
// 不整合は修復せず、errorレベルで記録して報告する。
func (s *Service) Audit(ctx context.Context, pollID string) (*Report, error) {
	var r *Report
	err := s.ledger.ReadSnapshot(ctx, pollID, func(view repository.LedgerView) error {
		var err error
		r, err = s.audit(ctx, view, pollID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !r.OK() {
		s.metrics.RecordIntegrityFault()
		s.auditLog.Failure(ctx, audit.CategoryLedger, "audit_poll", r.Fault(),
			slog.String("poll_id", pollID),
			slog.Int("faults", len(r.Faults)))
	} else {
		s.auditLog.Success(ctx, audit.CategoryLedger, "audit_poll",
			slog.String("poll_id", pollID),
			slog.Uint64("leaf_count", r.LeafCount))
	}
	return r, nil
}

func (s *Service) audit(ctx context.Context, view repository.LedgerView, pollID string) (*Report, error) {
	poll, tree, err := load(ctx, view, pollID)
	if err != nil {
		return nil, err
	}
	votes, err := view.ListVotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("票一覧の取得に失敗しました: %w", err)
	}
	counters, err := view.TallyCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("集計カウンタの取得に失敗しました: %w", err)
	}
	recount, err := view.CountVotesByChoice(ctx)
	if err != nil {
		return nil, fmt.Errorf("票数の再集計に失敗しました: %w", err)
	}
	tiers, err := view.TierCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("認証レベル別カウンタの取得に失敗しました: %w", err)
	}

	r := &Report{
		PollID:          pollID,
		LeafCount:       tree.LeafCount,
		VoteRows:        int64(len(votes)),
		TotalVotes:      poll.TotalVotes,
		PerOptionCounts: perOption(recount, len(poll.Options)),
		StoredRoot:      tree.Root,
	}
	faultf := func(format string, args ...any) {
		r.Faults = append(r.Faults, fmt.Sprintf(format, args...))
	}

	leaves := make([]merkle.Hash, len(votes))
	for i, v := range votes {
		if v.LeafIndex != uint64(i) {
			faultf("leaf_index %d が位置 %d にあります", v.LeafIndex, i)
		}
		if !poll.ValidChoice(v.Choice) {
			faultf("leaf %d の選択肢 %d が範囲外です", v.LeafIndex, v.Choice)
		}
		if merkle.VoteLeaf(pollID, v.Tag, v.Choice, v.VotedAt) != v.MerkleLeaf {
			faultf("leaf %d のハッシュが票の内容と一致しません", v.LeafIndex)
		}
		leaves[i] = v.MerkleLeaf
	}

	r.RecomputedRoot, err = merkle.RootFromLeaves(leaves)
	if err != nil {
		return nil, fmt.Errorf("ルートの再計算に失敗しました: %w", err)
	}
	if r.RecomputedRoot != tree.Root {
		faultf("再計算したルート %s が保存値 %s と一致しません", r.RecomputedRoot, tree.Root)
	}

	if r.VoteRows != int64(tree.LeafCount) || r.VoteRows != poll.TotalVotes {
		faultf("票数が一致しません: leaf_count=%d votes=%d total_votes=%d", tree.LeafCount, r.VoteRows, poll.TotalVotes)
	}

	for choice, n := range counters {
		r.CounterSum += n
		if recount[choice] != n {
			faultf("選択肢 %d のカウンタ %d が票数 %d と一致しません", choice, n, recount[choice])
		}
	}
	for choice, n := range recount {
		if _, ok := counters[choice]; !ok {
			faultf("選択肢 %d のカウンタがありません (票数 %d)", choice, n)
		}
	}
	if r.CounterSum != int64(tree.LeafCount) {
		faultf("カウンタ合計 %d が leaf_count %d と一致しません", r.CounterSum, tree.LeafCount)
	}

	var tierSum int64
	for tier, n := range tiers {
		if !poll.AdmitsTier(tier) {
			faultf("最低認証レベル %s 未満の %s に %d 票あります", poll.MinTier, tier, n)
		}
		tierSum += n
	}
	if tierSum != int64(tree.LeafCount) {
		faultf("認証レベル別カウンタ合計 %d が leaf_count %d と一致しません", tierSum, tree.LeafCount)
	}

	if err := s.checkLatestRoot(ctx, view, pollID, tree); err != nil {
		faultf("%s", err)
	}
	return r, nil
}

// checkLatestRoot は最新の署名付きルートが現在のツリーと一致し、署名が正しいことを確認する。
func (s *Service) checkLatestRoot(ctx context.Context, view repository.LedgerView, pollID string, tree *model.TreeState) error {
	snap, err := view.LatestRoot(ctx)
	if err != nil {
		return fmt.Errorf("最新ルートの取得に失敗しました: %v", err)
	}
	if snap == nil {
		if tree.LeafCount != 0 {
			return fmt.Errorf("leaf_count %d に対する署名付きルートがありません", tree.LeafCount)
		}
		return nil
	}
	if snap.TreeSize != tree.LeafCount || snap.Root != tree.Root {
		return fmt.Errorf("最新の署名付きルート (size=%d) が現在のツリー (size=%d) と一致しません", snap.TreeSize, tree.LeafCount)
	}
	if s.treeHeadKey != nil {
		head := signing.NewTreeHead(pollID, snap.TreeSize, snap.Root[:], snap.CreatedAt)
		if !signing.VerifyTreeHead(s.treeHeadKey, head, snap.Signature) {
			return fmt.Errorf("size=%d の署名付きルートの署名が不正です", snap.TreeSize)
		}
	}
	return nil
}

func load(ctx context.Context, view repository.LedgerView, pollID string) (*model.Poll, *model.TreeState, error) {
	poll, err := view.Poll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("投票の取得に失敗しました: %w", err)
	}
	if poll == nil {
		return nil, nil, model.NewPollNotFoundError(pollID)
	}
	tree, err := view.Tree(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ツリーの取得に失敗しました: %w", err)
	}
	if tree == nil {
		return nil, nil, model.NewPollNotFoundError(pollID)
	}
	return poll, tree, nil
}

func perOption(counts map[int]int64, options int) []int64 {
	out := make([]int64, options)
	for choice, n := range counts {
		if choice >= 0 && choice < options {
			out[choice] = n
		}
	}
	return out
}
