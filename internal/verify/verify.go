// Package verify はPOの公開APIだけを使って台帳を第三者として検証する。
//
// 署名付きルートの署名、包含証明、一貫性証明、葉列からの再計算を行う。
// 検証に失敗した項目は Result に記録し、エラーは通信や形式の問題に限る。
package verify

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/signing"
)

// Source はPOの公開API。client.POClient が実装する。
type Source interface {
	FetchPoll(ctx context.Context, pollID string) (*model.Poll, error)
	Leaves(ctx context.Context, pollID string) (*api.LeavesResponse, error)
	Root(ctx context.Context, pollID string, treeSize uint64) (*api.RootResponse, error)
	Proof(ctx context.Context, pollID, tag string, treeSize uint64) (*api.ReceiptResponse, error)
	Consistency(ctx context.Context, pollID string, first, second uint64) (*api.ConsistencyResponse, error)
	Tally(ctx context.Context, pollID string) (*api.TallyResponse, error)
}

// Result は1回の検証の結果。
type Result struct {
	Check    string   `yaml:"check"`
	PollID   string   `yaml:"poll_id"`
	TreeSize uint64   `yaml:"tree_size"`
	Root     string   `yaml:"root,omitempty"`
	OK       bool     `yaml:"ok"`
	Faults   []string `yaml:"faults,omitempty"`
}

func (r *Result) fault(format string, args ...any) {
	r.OK = false
	r.Faults = append(r.Faults, fmt.Sprintf(format, args...))
}

// Verifier はPOの台帳を検証する。
type Verifier struct {
	source Source
	key    ed25519.PublicKey
}

// New はVerifierを生成する。keyがnilの場合は署名を検証しない。
func New(source Source, key ed25519.PublicKey) *Verifier {
	return &Verifier{source: source, key: key}
}

// signedRoot は署名付きルートを取得し、署名を検証する。
func (v *Verifier) signedRoot(ctx context.Context, res *Result, pollID string, size uint64) (*model.RootSnapshot, error) {
	resp, err := v.source.Root(ctx, pollID, size)
	if err != nil {
		return nil, err
	}
	snap, err := resp.Model()
	if err != nil {
		return nil, err
	}
	if snap.PollID != pollID {
		res.fault("root for poll %q returned for %q", snap.PollID, pollID)
	}
	if size > 0 && snap.TreeSize != size {
		res.fault("requested root at size %d, got %d", size, snap.TreeSize)
	}
	if !v.SignatureValid(snap) {
		res.fault("signature of root at size %d is invalid", snap.TreeSize)
	}
	return snap, nil
}

// SignatureValid は署名付きルートの署名を検証する。鍵がなければtrueを返す。
func (v *Verifier) SignatureValid(snap *model.RootSnapshot) bool {
	if v.key == nil {
		return true
	}
	head := signing.NewTreeHead(snap.PollID, snap.TreeSize, snap.Root[:], snap.CreatedAt)
	return signing.VerifyTreeHead(v.key, head, snap.Signature)
}

// Inclusion はタグの票がサイズtreeSizeの署名付きルートに含まれることを検証する。
// treeSizeが0の場合は最新のルートを使う。
func (v *Verifier) Inclusion(ctx context.Context, pollID, tag string, treeSize uint64) (*Result, error) {
	res := &Result{Check: "inclusion", PollID: pollID, OK: true}

	snap, err := v.signedRoot(ctx, res, pollID, treeSize)
	if err != nil {
		return nil, err
	}
	res.TreeSize = snap.TreeSize
	res.Root = snap.Root.String()

	receipt, err := v.source.Proof(ctx, pollID, tag, snap.TreeSize)
	if err != nil {
		return nil, err
	}
	if receipt.MerkleProof.TreeSize != snap.TreeSize {
		res.fault("proof is for size %d, signed root is size %d", receipt.MerkleProof.TreeSize, snap.TreeSize)
	}
	if !merkle.Verify(receipt.MerkleLeaf, receipt.MerkleProof, snap.Root) {
		res.fault("inclusion proof for leaf %d does not reach the signed root", receipt.LeafIndex)
	}
	return res, nil
}

// Consistency はサイズfirstの署名付きルートがsecondの接頭辞であることを検証する。
// secondが0の場合は最新のルートを使う。
func (v *Verifier) Consistency(ctx context.Context, pollID string, first, second uint64) (*Result, error) {
	res := &Result{Check: "consistency", PollID: pollID, OK: true}

	older, err := v.signedRoot(ctx, res, pollID, first)
	if err != nil {
		return nil, err
	}
	newer, err := v.signedRoot(ctx, res, pollID, second)
	if err != nil {
		return nil, err
	}
	res.TreeSize = newer.TreeSize
	res.Root = newer.Root.String()

	if err := v.checkConsistency(ctx, res, pollID, older, newer); err != nil {
		return nil, err
	}
	return res, nil
}

// Extends はnewerがolderを書き換えずに伸ばしたものであることを検証する。
// ルート通知の監視で、受け取った順に連続する2つのルートを比較するのに使う。
func (v *Verifier) Extends(ctx context.Context, older, newer *model.RootSnapshot) (*Result, error) {
	res := &Result{Check: "extends", PollID: newer.PollID, TreeSize: newer.TreeSize, Root: newer.Root.String(), OK: true}
	if !v.SignatureValid(newer) {
		res.fault("signature of root at size %d is invalid", newer.TreeSize)
	}
	if older == nil {
		return res, nil
	}
	if err := v.checkConsistency(ctx, res, newer.PollID, older, newer); err != nil {
		return nil, err
	}
	return res, nil
}

func (v *Verifier) checkConsistency(ctx context.Context, res *Result, pollID string, older, newer *model.RootSnapshot) error {
	switch {
	case older.TreeSize > newer.TreeSize:
		res.fault("tree shrank from %d to %d", older.TreeSize, newer.TreeSize)
		return nil
	case older.TreeSize == newer.TreeSize:
		if older.Root != newer.Root {
			res.fault("two different roots for size %d", older.TreeSize)
		}
		return nil
	}

	resp, err := v.source.Consistency(ctx, pollID, older.TreeSize, newer.TreeSize)
	if err != nil {
		return err
	}
	if resp.Proof.FirstSize != older.TreeSize || resp.Proof.SecondSize != newer.TreeSize {
		res.fault("consistency proof covers %d..%d, want %d..%d",
			resp.Proof.FirstSize, resp.Proof.SecondSize, older.TreeSize, newer.TreeSize)
	}
	if !merkle.VerifyConsistency(resp.Proof, older.Root, newer.Root) {
		res.fault("size %d is not a prefix of size %d", older.TreeSize, newer.TreeSize)
	}
	return nil
}

// Recompute は公開された葉列から葉ハッシュとルートを計算し直し、
// 最新の署名付きルートと集計結果に一致するか検証する。
func (v *Verifier) Recompute(ctx context.Context, pollID string) (*Result, error) {
	res := &Result{Check: "recompute", PollID: pollID, OK: true}

	poll, err := v.source.FetchPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if poll == nil {
		return nil, fmt.Errorf("poll %q not found", pollID)
	}

	leaves, err := v.source.Leaves(ctx, pollID)
	if err != nil {
		return nil, err
	}

	hashes := make([]merkle.Hash, 0, len(leaves.Leaves))
	counts := make([]int64, len(poll.Options))
	seen := make(map[string]bool, len(leaves.Leaves))
	for i, leaf := range leaves.Leaves {
		if leaf.LeafIndex != uint64(i) {
			res.fault("leaf %d has index %d", i, leaf.LeafIndex)
		}
		if seen[leaf.Tag] {
			res.fault("tag %s appears more than once", leaf.Tag)
		}
		seen[leaf.Tag] = true
		if leaf.Choice < 0 || leaf.Choice >= len(counts) {
			res.fault("leaf %d has choice %d outside 0..%d", i, leaf.Choice, len(counts)-1)
		} else {
			counts[leaf.Choice]++
		}
		want := merkle.VoteLeaf(pollID, leaf.Tag, leaf.Choice, leaf.VotedAt)
		if want != leaf.MerkleLeaf {
			res.fault("leaf %d hash does not match its contents", i)
		}
		hashes = append(hashes, want)
	}

	root, err := merkle.RootFromLeaves(hashes)
	if err != nil {
		return nil, err
	}
	res.TreeSize = uint64(len(hashes))
	res.Root = root.String()

	if len(hashes) > 0 {
		snap, err := v.signedRoot(ctx, res, pollID, 0)
		if err != nil {
			return nil, err
		}
		if snap.TreeSize != res.TreeSize {
			res.fault("latest signed root is size %d, recomputed %d leaves", snap.TreeSize, res.TreeSize)
		} else if snap.Root != root {
			res.fault("recomputed root %s does not match signed root %s", root, snap.Root)
		}
	}

	tally, err := v.source.Tally(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if tally.TotalVotes != int64(len(hashes)) {
		res.fault("tally total %d, recomputed %d", tally.TotalVotes, len(hashes))
	}
	if len(tally.PerOptionCounts) != len(counts) {
		res.fault("tally has %d options, poll has %d", len(tally.PerOptionCounts), len(counts))
	} else {
		for i, c := range counts {
			if tally.PerOptionCounts[i] != c {
				res.fault("option %d: tally %d, recomputed %d", i, tally.PerOptionCounts[i], c)
			}
		}
	}
	return res, nil
}
