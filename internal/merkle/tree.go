package merkle

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrNodeNotFound は要求された完成部分木が存在しない場合に返される。
var ErrNodeNotFound = errors.New("merkle node not found")

// Node は完成した完全二分部分木のハッシュ。
// Level 0 が葉で、Level L の Index i は葉 [i<<L, (i+1)<<L) を覆う。
type Node struct {
	Level uint8
	Index uint64
	Hash  Hash
}

// NodeReader は完成部分木のハッシュを返す。
// 存在しない場合は ErrNodeNotFound を返すこと。
type NodeReader interface {
	ReadNode(level uint8, index uint64) (Hash, error)
}

// Frontier はサイズの各立っているビットに対応する頂点ハッシュを保持する。
// Frontier[i] はサイズのビットiが1のときだけ意味を持つ。
type Frontier []Hash

// Append は葉を1つ追加し、新しいフロンティアと新たに完成したノードを返す。
// 二進カウンタのインクリメントと同じく、下位から繰り上がりを伝播させる。
// 入力のフロンティアは変更しない。
func Append(f Frontier, size uint64, leaf Hash) (Frontier, []Node, error) {
	if size == ^uint64(0) {
		return nil, nil, errors.New("merkle tree is full")
	}
	if len(f) < bits.Len64(size) {
		return nil, nil, fmt.Errorf("frontier too short for size %d: %d entries", size, len(f))
	}

	nodes := []Node{{Level: 0, Index: size, Hash: leaf}}
	carry := leaf
	level := uint8(0)
	index := size
	for (size>>level)&1 == 1 {
		carry = HashChildren(f[level], carry)
		level++
		index >>= 1
		nodes = append(nodes, Node{Level: level, Index: index, Hash: carry})
	}

	next := make(Frontier, bits.Len64(size+1))
	copy(next, f)
	for i := uint8(0); i < level; i++ {
		next[i] = Hash{}
	}
	next[level] = carry
	return next, nodes, nil
}

// Root はフロンティアからルートを計算する。
// 頂点を低いレベルから順に右側として畳み込む。
func Root(f Frontier, size uint64) Hash {
	if size == 0 {
		return EmptyRoot()
	}
	var acc Hash
	have := false
	for i := 0; i < bits.Len64(size); i++ {
		if (size>>i)&1 == 0 {
			continue
		}
		if !have {
			acc = f[i]
			have = true
			continue
		}
		acc = HashChildren(f[i], acc)
	}
	return acc
}

// RootAt は過去の任意のサイズのルートを保存済みノードから再計算する。
func RootAt(r NodeReader, size uint64) (Hash, error) {
	if size == 0 {
		return EmptyRoot(), nil
	}
	return subtreeHash(r, 0, size)
}

// subtreeHash は葉 [lo, hi) のMTHを返す。loは幅の2冪境界に揃っている前提。
func subtreeHash(r NodeReader, lo, hi uint64) (Hash, error) {
	n := hi - lo
	if n == 0 {
		return Hash{}, errors.New("empty subtree")
	}
	if n&(n-1) == 0 {
		level := uint8(bits.TrailingZeros64(n))
		h, err := r.ReadNode(level, lo>>level)
		if err != nil {
			return Hash{}, fmt.Errorf("read node level=%d index=%d: %w", level, lo>>level, err)
		}
		return h, nil
	}
	k := splitPoint(n)
	left, err := subtreeHash(r, lo, lo+k)
	if err != nil {
		return Hash{}, err
	}
	right, err := subtreeHash(r, lo+k, hi)
	if err != nil {
		return Hash{}, err
	}
	return HashChildren(left, right), nil
}

// splitPoint はn未満の最大の2冪を返す。n > 1 が前提。
func splitPoint(n uint64) uint64 {
	return uint64(1) << (bits.Len64(n-1) - 1)
}
