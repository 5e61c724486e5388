package ballot

import (
	"context"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/signing"
)

// Consistency はサイズ間の一貫性証明と両端のルート。
type Consistency struct {
	Proof      merkle.ConsistencyProof
	FirstRoot  merkle.Hash
	SecondRoot merkle.Hash
}

// VerifyResult は受領証の検証結果。
type VerifyResult struct {
	// Valid は証明が与えられたルートで成り立つか。
	Valid bool
	// KnownRoot はルートが台帳に記録された同サイズの署名付きルートと一致するか。
	KnownRoot bool
}

// Proof はタグの票の包含証明を返す。treeSizeが0の場合は現在のサイズで生成する。
func (s *Service) Proof(ctx context.Context, pollID, tag string, treeSize uint64) (*model.Receipt, error) {
	tree, err := s.tree(ctx, pollID)
	if err != nil {
		return nil, err
	}

	vote, err := s.ledger.FindVoteByTag(ctx, pollID, tag)
	if err != nil {
		return nil, fmt.Errorf("票の取得に失敗しました: %w", err)
	}
	if vote == nil {
		return nil, model.NewVoteNotFoundError()
	}

	size := treeSize
	if size == 0 {
		size = tree.LeafCount
	}
	if size <= vote.LeafIndex || size > tree.LeafCount {
		return nil, model.NewInvalidTreeRangeError(
			fmt.Sprintf("tree_size は %d より大きく %d 以下である必要があります", vote.LeafIndex, tree.LeafCount))
	}

	nodes := s.ledger.Nodes(ctx, pollID)
	proof, err := merkle.Prove(nodes, vote.LeafIndex, size)
	if err != nil {
		return nil, fmt.Errorf("包含証明の生成に失敗しました: %w", err)
	}
	root, err := s.rootAt(ctx, pollID, size, nodes)
	if err != nil {
		return nil, err
	}

	return &model.Receipt{
		MerkleLeaf:  vote.MerkleLeaf,
		MerkleProof: proof,
		Root:        root,
		LeafIndex:   vote.LeafIndex,
		TreeSize:    size,
	}, nil
}

// rootAt はサイズのルートを署名付きスナップショットから取得する。
// スナップショットがない場合はノードから再計算する。
func (s *Service) rootAt(ctx context.Context, pollID string, size uint64, nodes merkle.NodeReader) (merkle.Hash, error) {
	snap, err := s.ledger.FindRoot(ctx, pollID, size)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("ルートの取得に失敗しました: %w", err)
	}
	if snap != nil {
		return snap.Root, nil
	}
	root, err := merkle.RootAt(nodes, size)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("ルートの再計算に失敗しました: %w", err)
	}
	return root, nil
}

// Root は署名付きルートを返す。treeSizeが0の場合は最新を返す。
func (s *Service) Root(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error) {
	if _, err := s.tree(ctx, pollID); err != nil {
		return nil, err
	}

	var (
		snap *model.RootSnapshot
		err  error
	)
	if treeSize == 0 {
		snap, err = s.ledger.LatestRoot(ctx, pollID)
	} else {
		snap, err = s.ledger.FindRoot(ctx, pollID, treeSize)
	}
	if err != nil {
		return nil, fmt.Errorf("ルートの取得に失敗しました: %w", err)
	}
	if snap == nil {
		return nil, model.NewRootNotFoundError(treeSize)
	}
	return snap, nil
}

// VerifyRootSignature はスナップショットの署名をPOの鍵で検証する。
func (s *Service) VerifyRootSignature(snap *model.RootSnapshot) bool {
	head := signing.NewTreeHead(snap.PollID, snap.TreeSize, snap.Root[:], snap.CreatedAt)
	return signing.VerifyTreeHead(s.TreeHeadPublicKey(), head, snap.Signature)
}

// Consistency はサイズfirstのツリーがsecondのツリーの接頭辞であることの証明を返す。
func (s *Service) Consistency(ctx context.Context, pollID string, first, second uint64) (*Consistency, error) {
	tree, err := s.tree(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if first == 0 || first > second || second > tree.LeafCount {
		return nil, model.NewInvalidTreeRangeError(
			fmt.Sprintf("0 < first <= second <= %d である必要があります", tree.LeafCount))
	}

	nodes := s.ledger.Nodes(ctx, pollID)
	proof, err := merkle.ProveConsistency(nodes, first, second)
	if err != nil {
		return nil, fmt.Errorf("一貫性証明の生成に失敗しました: %w", err)
	}
	firstRoot, err := s.rootAt(ctx, pollID, first, nodes)
	if err != nil {
		return nil, err
	}
	secondRoot, err := s.rootAt(ctx, pollID, second, nodes)
	if err != nil {
		return nil, err
	}
	return &Consistency{Proof: proof, FirstRoot: firstRoot, SecondRoot: secondRoot}, nil
}

// Leaves は監査用に全票をleaf_index順で返す。
func (s *Service) Leaves(ctx context.Context, pollID string) ([]*model.Vote, error) {
	if _, err := s.tree(ctx, pollID); err != nil {
		return nil, err
	}
	votes, err := s.ledger.ListVotes(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("票一覧の取得に失敗しました: %w", err)
	}
	return votes, nil
}

// VerifyReceipt は受領証を検証する。証明の検証は台帳に依存しない純粋な計算で、
// 加えてルートが台帳に記録済みかを確認する。
func (s *Service) VerifyReceipt(ctx context.Context, pollID string, leaf merkle.Hash, proof merkle.InclusionProof, root merkle.Hash) (*VerifyResult, error) {
	res := &VerifyResult{Valid: merkle.Verify(leaf, proof, root)}
	snap, err := s.ledger.FindRoot(ctx, pollID, proof.TreeSize)
	if err != nil {
		return nil, fmt.Errorf("ルートの取得に失敗しました: %w", err)
	}
	res.KnownRoot = snap != nil && snap.Root == root
	return res, nil
}

func (s *Service) tree(ctx context.Context, pollID string) (*model.TreeState, error) {
	tree, err := s.ledger.Tree(ctx, pollID)
	if err != nil {
		return nil, fmt.Errorf("ツリーの取得に失敗しました: %w", err)
	}
	if tree == nil {
		return nil, model.NewPollNotFoundError(pollID)
	}
	return tree, nil
}
