package merkle

type nodeKey struct {
	level uint8
	index uint64
}

// MemoryTree はノードをメモリ上に保持するツリー。
// 監査ツールでの再計算とテストに使う。ゴルーチン安全ではない。
type MemoryTree struct {
	nodes    map[nodeKey]Hash
	frontier Frontier
	size     uint64
}

// NewMemoryTree は空のMemoryTreeを生成する。
func NewMemoryTree() *MemoryTree {
	return &MemoryTree{nodes: make(map[nodeKey]Hash)}
}

// Append は葉を追加し、その葉のインデックスを返す。
func (t *MemoryTree) Append(leaf Hash) (uint64, error) {
	next, nodes, err := Append(t.frontier, t.size, leaf)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		t.nodes[nodeKey{n.Level, n.Index}] = n.Hash
	}
	index := t.size
	t.frontier = next
	t.size++
	return index, nil
}

// Size は葉の数を返す。
func (t *MemoryTree) Size() uint64 {
	return t.size
}

// Root は現在のルートを返す。
func (t *MemoryTree) Root() Hash {
	return Root(t.frontier, t.size)
}

// Frontier は現在のフロンティアのコピーを返す。
func (t *MemoryTree) Frontier() Frontier {
	return append(Frontier(nil), t.frontier...)
}

// ReadNode は NodeReader を実装する。
func (t *MemoryTree) ReadNode(level uint8, index uint64) (Hash, error) {
	h, ok := t.nodes[nodeKey{level, index}]
	if !ok {
		return Hash{}, ErrNodeNotFound
	}
	return h, nil
}

// RootFromLeaves は葉列からルートを最初から計算し直す。
func RootFromLeaves(leaves []Hash) (Hash, error) {
	t := NewMemoryTree()
	for _, leaf := range leaves {
		if _, err := t.Append(leaf); err != nil {
			return Hash{}, err
		}
	}
	return t.Root(), nil
}
