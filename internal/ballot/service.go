// Package ballot はPOの投票受付と台帳の参照を提供する。
//
// 受付はトークンの検証、タグの一意性確認、Merkle台帳への追記、
// 署名付きルートと集計カウンタの更新を1つのトランザクションで行う。
// POは本人情報を扱わず、IAの発行記録は読み取り専用ビュー経由でのみ参照する。
package ballot

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/metrics"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
	"github.com/hitoshi/ballotbox/internal/rootfeed"
	"github.com/hitoshi/ballotbox/internal/signing"
	"github.com/hitoshi/ballotbox/internal/token"
)

// Submission は投票者から送られる1票。
type Submission struct {
	Token  string
	Tag    string
	Choice int
}

// Service は投票受付と台帳参照のサービス層。
type Service struct {
	polls    repository.PollRepository
	statuses repository.TokenStatusReader
	ledger   repository.LedgerRepository
	signer   ed25519.PrivateKey
	feed     rootfeed.Publisher
	metrics  metrics.MetricsCollector
	audit    *audit.Logger
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// signerはルートのスナップショットに署名するPOの鍵。
func NewService(
	polls repository.PollRepository,
	statuses repository.TokenStatusReader,
	ledger repository.LedgerRepository,
	signer ed25519.PrivateKey,
	feed rootfeed.Publisher,
	collector metrics.MetricsCollector,
	auditLog *audit.Logger,
) *Service {
	if feed == nil {
		feed = rootfeed.Nop{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Service{
		polls:    polls,
		statuses: statuses,
		ledger:   ledger,
		signer:   signer,
		feed:     feed,
		metrics:  collector,
		audit:    auditLog,
		now:      time.Now,
	}
}

// TreeHeadPublicKey はルート署名の検証鍵を返す。
func (s *Service) TreeHeadPublicKey() ed25519.PublicKey {
	return s.signer.Public().(ed25519.PublicKey)
}

// Submit は票を検証して台帳に追記し、受領証を返す。
// 拒否した場合は台帳を一切変更しない。
func (s *Service) Submit(ctx context.Context, pollID string, sub Submission) (*model.Receipt, error) {
	start := s.now()
	receipt, snapshot, err := s.submit(ctx, pollID, sub)
	s.metrics.RecordSubmitLatency(s.now().Sub(start))

	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.metrics.RecordVoteRejected(apiErr.Code)
		} else {
			s.metrics.RecordVoteRejected(model.ErrCodeInternal)
		}
		s.audit.Failure(ctx, audit.CategorySubmission, "submit_vote", err,
			slog.String("poll_id", pollID),
			slog.String("tag", audit.ShortTag(sub.Tag)))
		return nil, err
	}

	s.metrics.RecordVoteAccepted()
	s.audit.Success(ctx, audit.CategorySubmission, "submit_vote",
		slog.String("poll_id", pollID),
		slog.Uint64("leaf_index", receipt.LeafIndex),
		slog.Uint64("tree_size", receipt.TreeSize))

	if err := s.feed.Publish(ctx, &rootfeed.Announcement{
		PollID:    pollID,
		TreeSize:  snapshot.TreeSize,
		Root:      snapshot.Root,
		Signature: hex.EncodeToString(snapshot.Signature),
		Timestamp: snapshot.CreatedAt,
	}); err != nil {
		slog.WarnContext(ctx, "ルートの通知に失敗しました",
			slog.String("poll_id", pollID),
			slog.String("error", err.Error()))
	}
	return receipt, nil
}

func (s *Service) submit(ctx context.Context, pollID string, sub Submission) (*model.Receipt, *model.RootSnapshot, error) {
	now := s.now()

	poll, err := s.polls.FindByID(ctx, pollID)
	if err != nil {
		return nil, nil, fmt.Errorf("投票の取得に失敗しました: %w", err)
	}
	if poll == nil {
		return nil, nil, model.NewPollNotFoundError(pollID)
	}
	if !poll.AcceptsVotesAt(now) {
		return nil, nil, model.NewPollNotActiveError(pollID)
	}
	if !poll.ValidChoice(sub.Choice) {
		return nil, nil, model.NewInvalidChoiceError(sub.Choice, len(poll.Options))
	}

	status, err := s.checkToken(ctx, poll, sub, now)
	if err != nil {
		return nil, nil, err
	}
	tier := status.Tier

	var (
		receipt  *model.Receipt
		snapshot *model.RootSnapshot
	)
	err = s.ledger.WithPollLock(ctx, pollID, func(tx repository.LedgerTx) error {
		// 事前確認の後に終了処理がコミットされている場合があるため、ロック下で状態を読み直す
		locked, err := tx.LockPoll(ctx)
		if err != nil {
			return err
		}
		if locked == nil {
			return model.NewPollNotFoundError(pollID)
		}
		if !locked.AcceptsVotesAt(now) {
			return model.NewPollNotActiveError(pollID)
		}
		receipt, snapshot, err = s.appendVote(ctx, tx, pollID, sub, tier, now)
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, nil, model.NewDuplicateVoteError()
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, model.NewPollNotFoundError(pollID)
	}
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, nil, apiErr
		}
		return nil, nil, fmt.Errorf("台帳への追記に失敗しました: %w", err)
	}
	return receipt, snapshot, nil
}

// checkToken はトークンの署名・投票スコープ・発行状態・認証レベル・タグを確認し、発行状態を返す。
func (s *Service) checkToken(ctx context.Context, poll *model.Poll, sub Submission, now time.Time) (*model.TokenStatus, error) {
	if len(poll.IAPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("poll %s has no valid IA public key", poll.PollID)
	}

	claims, err := token.Parse(ed25519.PublicKey(poll.IAPublicKey), sub.Token)
	if err != nil || claims.PollID != poll.PollID {
		return nil, model.NewInvalidTokenError()
	}

	status, err := s.statuses.FindByHash(ctx, token.Hash(sub.Token))
	if err != nil {
		return nil, fmt.Errorf("発行状態の取得に失敗しました: %w", err)
	}
	if status == nil || status.PollID != poll.PollID {
		return nil, model.NewInvalidTokenError()
	}
	if status.IsRevoked {
		return nil, model.NewTokenRevokedError()
	}
	if !now.Before(status.ExpiresAt) || claims.Expired(now) {
		return nil, model.NewTokenExpiredError()
	}
	if !poll.AdmitsTier(status.Tier) {
		return nil, model.NewInsufficientTierError(status.Tier, poll.MinTier)
	}

	if sub.Tag == "" || sub.Tag != claims.Tag || sub.Tag != status.Tag {
		return nil, model.NewTagMismatchError()
	}
	return status, nil
}

// appendVote はロック済みトランザクション内で票を追記する。
func (s *Service) appendVote(ctx context.Context, tx repository.LedgerTx, pollID string, sub Submission, tier model.Tier, now time.Time) (*model.Receipt, *model.RootSnapshot, error) {
	exists, err := tx.TagExists(ctx, sub.Tag)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, model.NewDuplicateVoteError()
	}

	tree := tx.Tree()
	votedAt := merkle.CanonicalTime(now)
	leaf := merkle.VoteLeaf(pollID, sub.Tag, sub.Choice, votedAt)

	frontier, nodes, err := merkle.Append(tree.Frontier, tree.LeafCount, leaf)
	if err != nil {
		return nil, nil, err
	}
	index := tree.LeafCount
	size := index + 1
	root := merkle.Root(frontier, size)

	if err := tx.InsertNodes(ctx, nodes); err != nil {
		return nil, nil, err
	}
	proof, err := merkle.Prove(newOverlayReader(nodes, tx.Nodes(ctx)), index, size)
	if err != nil {
		return nil, nil, err
	}
	if !merkle.Verify(leaf, proof, root) {
		return nil, nil, model.NewIntegrityFaultError("生成した包含証明が新しいルートで検証できません")
	}

	if err := tx.InsertVote(ctx, &model.Vote{
		PollID:       pollID,
		LeafIndex:    index,
		Tag:          sub.Tag,
		Choice:       sub.Choice,
		VotedAt:      votedAt,
		MerkleLeaf:   leaf,
		MerkleProof:  proof,
		RootAtInsert: root,
	}); err != nil {
		return nil, nil, err
	}

	sig, err := signing.SignTreeHead(s.signer, signing.NewTreeHead(pollID, size, root[:], votedAt))
	if err != nil {
		return nil, nil, err
	}
	snapshot := &model.RootSnapshot{
		PollID:    pollID,
		TreeSize:  size,
		Root:      root,
		Signature: sig,
		CreatedAt: votedAt,
	}
	if err := tx.InsertRoot(ctx, snapshot); err != nil {
		return nil, nil, err
	}
	if err := tx.IncrementTally(ctx, sub.Choice, tier); err != nil {
		return nil, nil, err
	}
	if err := tx.SaveTree(ctx, &model.TreeState{
		PollID:    pollID,
		Root:      root,
		LeafCount: size,
		Frontier:  frontier,
		UpdatedAt: votedAt,
	}); err != nil {
		return nil, nil, err
	}

	return &model.Receipt{
		MerkleLeaf:  leaf,
		MerkleProof: proof,
		Root:        root,
		LeafIndex:   index,
		TreeSize:    size,
	}, snapshot, nil
}

// overlayReader は追記中のノードを先に参照し、なければ保存済みノードを読む。
type overlayReader struct {
	fresh map[[2]uint64]merkle.Hash
	base  merkle.NodeReader
}

func newOverlayReader(nodes []merkle.Node, base merkle.NodeReader) *overlayReader {
	fresh := make(map[[2]uint64]merkle.Hash, len(nodes))
	for _, n := range nodes {
		fresh[[2]uint64{uint64(n.Level), n.Index}] = n.Hash
	}
	return &overlayReader{fresh: fresh, base: base}
}

func (o *overlayReader) ReadNode(level uint8, index uint64) (merkle.Hash, error) {
	if h, ok := o.fresh[[2]uint64{uint64(level), index}]; ok {
		return h, nil
	}
	return o.base.ReadNode(level, index)
}
