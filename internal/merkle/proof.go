package merkle

import (
	"errors"
	"fmt"
)

// Side は証明ステップの兄弟ノードが左右どちらにあるかを表す。
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep は葉からルートへ向かう経路上の1段。
type ProofStep struct {
	Hash Hash `json:"hash"`
	Side Side `json:"side"`
}

// InclusionProof はサイズ TreeSize のツリーにおける LeafIndex の包含証明。
// Path は葉に近い順に並ぶ。
type InclusionProof struct {
	LeafIndex uint64      `json:"leaf_index"`
	TreeSize  uint64      `json:"tree_size"`
	Path      []ProofStep `json:"path"`
}

// ConsistencyProof は FirstSize のツリーが SecondSize のツリーの接頭辞であることの証明。
type ConsistencyProof struct {
	FirstSize  uint64 `json:"first_size"`
	SecondSize uint64 `json:"second_size"`
	Path       []Hash `json:"path"`
}

// Prove はサイズsizeのツリーにおけるindexの包含証明を生成する。
// ノードは追記専用なので、過去のサイズに対しても生成できる。
func Prove(r NodeReader, index, size uint64) (InclusionProof, error) {
	if index >= size {
		return InclusionProof{}, fmt.Errorf("leaf index %d out of range for tree size %d", index, size)
	}
	path, err := inclusionPath(r, index, 0, size)
	if err != nil {
		return InclusionProof{}, err
	}
	return InclusionProof{LeafIndex: index, TreeSize: size, Path: path}, nil
}

func inclusionPath(r NodeReader, m, lo, hi uint64) ([]ProofStep, error) {
	n := hi - lo
	if n == 1 {
		return nil, nil
	}
	k := splitPoint(n)
	if m < k {
		path, err := inclusionPath(r, m, lo, lo+k)
		if err != nil {
			return nil, err
		}
		sibling, err := subtreeHash(r, lo+k, hi)
		if err != nil {
			return nil, err
		}
		return append(path, ProofStep{Hash: sibling, Side: SideRight}), nil
	}
	path, err := inclusionPath(r, m-k, lo+k, hi)
	if err != nil {
		return nil, err
	}
	sibling, err := subtreeHash(r, lo, lo+k)
	if err != nil {
		return nil, err
	}
	return append(path, ProofStep{Hash: sibling, Side: SideLeft}), nil
}

// Verify は葉ハッシュと証明からルートを再計算し、rootと一致するか検証する。
// 兄弟の左右が LeafIndex と TreeSize から決まる形と一致しない証明は拒否する。
// 副作用はない。
func Verify(leaf Hash, proof InclusionProof, root Hash) bool {
	computed, err := RootFromProof(leaf, proof)
	if err != nil {
		return false
	}
	return computed == root
}

// RootFromProof は証明から導かれるルートを返す。
func RootFromProof(leaf Hash, proof InclusionProof) (Hash, error) {
	if proof.LeafIndex >= proof.TreeSize {
		return Hash{}, errors.New("leaf index out of range")
	}
	fn := proof.LeafIndex
	sn := proof.TreeSize - 1
	acc := leaf
	for _, step := range proof.Path {
		if sn == 0 {
			return Hash{}, errors.New("proof longer than tree height")
		}
		if fn&1 == 1 || fn == sn {
			if step.Side != SideLeft {
				return Hash{}, errors.New("unexpected sibling side")
			}
			acc = HashChildren(step.Hash, acc)
			if fn&1 == 0 {
				for fn&1 == 0 && fn != 0 {
					fn >>= 1
					sn >>= 1
				}
			}
		} else {
			if step.Side != SideRight {
				return Hash{}, errors.New("unexpected sibling side")
			}
			acc = HashChildren(acc, step.Hash)
		}
		fn >>= 1
		sn >>= 1
	}
	if sn != 0 {
		return Hash{}, errors.New("proof shorter than tree height")
	}
	return acc, nil
}

// ProveConsistency はfirstからsecondへの整合性証明を生成する。
func ProveConsistency(r NodeReader, first, second uint64) (ConsistencyProof, error) {
	if first > second {
		return ConsistencyProof{}, fmt.Errorf("first size %d exceeds second size %d", first, second)
	}
	proof := ConsistencyProof{FirstSize: first, SecondSize: second}
	if first == 0 || first == second {
		return proof, nil
	}
	path, err := subproof(r, first, 0, second, true)
	if err != nil {
		return ConsistencyProof{}, err
	}
	proof.Path = path
	return proof, nil
}

func subproof(r NodeReader, m, lo, hi uint64, whole bool) ([]Hash, error) {
	n := hi - lo
	if m == n {
		if whole {
			return nil, nil
		}
		h, err := subtreeHash(r, lo, hi)
		if err != nil {
			return nil, err
		}
		return []Hash{h}, nil
	}
	k := splitPoint(n)
	if m <= k {
		path, err := subproof(r, m, lo, lo+k, whole)
		if err != nil {
			return nil, err
		}
		right, err := subtreeHash(r, lo+k, hi)
		if err != nil {
			return nil, err
		}
		return append(path, right), nil
	}
	path, err := subproof(r, m-k, lo+k, hi, false)
	if err != nil {
		return nil, err
	}
	left, err := subtreeHash(r, lo, lo+k)
	if err != nil {
		return nil, err
	}
	return append(path, left), nil
}

// VerifyConsistency はfirstRootのツリーがsecondRootのツリーの接頭辞であることを検証する。
func VerifyConsistency(proof ConsistencyProof, firstRoot, secondRoot Hash) bool {
	first, second := proof.FirstSize, proof.SecondSize
	switch {
	case first > second:
		return false
	case first == second:
		return len(proof.Path) == 0 && firstRoot == secondRoot
	case first == 0:
		return len(proof.Path) == 0 && firstRoot == EmptyRoot()
	case len(proof.Path) == 0:
		return false
	}

	path := proof.Path
	if first&(first-1) == 0 {
		path = append([]Hash{firstRoot}, path...)
	}

	fn := first - 1
	sn := second - 1
	for fn&1 == 1 {
		fn >>= 1
		sn >>= 1
	}

	fr, sr := path[0], path[0]
	for _, c := range path[1:] {
		if sn == 0 {
			return false
		}
		if fn&1 == 1 || fn == sn {
			fr = HashChildren(c, fr)
			sr = HashChildren(c, sr)
			if fn&1 == 0 {
				for fn&1 == 0 && fn != 0 {
					fn >>= 1
					sn >>= 1
				}
			}
		} else {
			sr = HashChildren(sr, c)
		}
		fn >>= 1
		sn >>= 1
	}
	return sn == 0 && fr == firstRoot && sr == secondRoot
}
