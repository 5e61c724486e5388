package ballot

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
)

// memoryLedger はトランザクションの原子性を再現するインメモリ台帳。
// fnがエラーを返した場合は何も反映しない。
type memoryLedger struct {
	mu     sync.Mutex
	polls  map[string]*model.Poll
	trees  map[string]*model.TreeState
	nodes  map[string]map[[2]uint64]merkle.Hash
	votes  map[string][]*model.Vote
	roots  map[string][]*model.RootSnapshot
	tally  map[string]map[int]int64
	tiers  map[string]map[model.Tier]int64
	failAt string
}

func newMemoryLedger(pollIDs ...string) *memoryLedger {
	l := &memoryLedger{
		polls: map[string]*model.Poll{},
		trees: map[string]*model.TreeState{},
		nodes: map[string]map[[2]uint64]merkle.Hash{},
		votes: map[string][]*model.Vote{},
		roots: map[string][]*model.RootSnapshot{},
		tally: map[string]map[int]int64{},
		tiers: map[string]map[model.Tier]int64{},
	}
	for _, id := range pollIDs {
		l.trees[id] = &model.TreeState{PollID: id, Root: merkle.EmptyRoot(), Frontier: merkle.Frontier{}}
		l.nodes[id] = map[[2]uint64]merkle.Hash{}
		l.tally[id] = map[int]int64{}
		l.tiers[id] = map[model.Tier]int64{}
	}
	return l
}

var errInjected = errors.New("injected failure")

type memoryTx struct {
	l       *memoryLedger
	pollID  string
	tree    *model.TreeState
	nodes   []merkle.Node
	vote    *model.Vote
	root    *model.RootSnapshot
	choices []int
	tiers   []model.Tier
	saved   *model.TreeState
}

func (l *memoryLedger) WithPollLock(ctx context.Context, pollID string, fn func(tx repository.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tree, ok := l.trees[pollID]
	if !ok {
		return repository.ErrNotFound
	}
	copied := *tree
	tx := &memoryTx{l: l, pollID: pollID, tree: &copied}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, n := range tx.nodes {
		l.nodes[pollID][[2]uint64{uint64(n.Level), n.Index}] = n.Hash
	}
	if tx.vote != nil {
		l.votes[pollID] = append(l.votes[pollID], tx.vote)
	}
	if tx.root != nil {
		l.roots[pollID] = append(l.roots[pollID], tx.root)
	}
	for _, c := range tx.choices {
		l.tally[pollID][c]++
	}
	for _, tier := range tx.tiers {
		l.tiers[pollID][tier]++
	}
	if tx.saved != nil {
		l.trees[pollID] = tx.saved
	}
	return nil
}

func (t *memoryTx) fail(step string) error {
	if t.l.failAt == step {
		return errInjected
	}
	return nil
}

func (t *memoryTx) Tree() *model.TreeState { return t.tree }

func (t *memoryTx) LockPoll(ctx context.Context) (*model.Poll, error) {
	p, ok := t.l.polls[t.pollID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (t *memoryTx) Nodes(ctx context.Context) merkle.NodeReader {
	return nodeMap(t.l.nodes[t.pollID])
}

func (t *memoryTx) TagExists(ctx context.Context, tag string) (bool, error) {
	for _, v := range t.l.votes[t.pollID] {
		if v.Tag == tag {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertVote(ctx context.Context, vote *model.Vote) error {
	if err := t.fail("vote"); err != nil {
		return err
	}
	if ok, _ := t.TagExists(ctx, vote.Tag); ok {
		return repository.ErrDuplicate
	}
	t.vote = vote
	return nil
}

func (t *memoryTx) InsertNodes(ctx context.Context, nodes []merkle.Node) error {
	if err := t.fail("nodes"); err != nil {
		return err
	}
	t.nodes = append(t.nodes, nodes...)
	return nil
}

func (t *memoryTx) InsertRoot(ctx context.Context, root *model.RootSnapshot) error {
	if err := t.fail("root"); err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *memoryTx) IncrementTally(ctx context.Context, choice int, tier model.Tier) error {
	if err := t.fail("tally"); err != nil {
		return err
	}
	t.choices = append(t.choices, choice)
	t.tiers = append(t.tiers, tier)
	return nil
}

func (t *memoryTx) SaveTree(ctx context.Context, tree *model.TreeState) error {
	if err := t.fail("tree"); err != nil {
		return err
	}
	t.saved = tree
	return nil
}

type nodeMap map[[2]uint64]merkle.Hash

func (m nodeMap) ReadNode(level uint8, index uint64) (merkle.Hash, error) {
	h, ok := m[[2]uint64{uint64(level), index}]
	if !ok {
		return merkle.Hash{}, merkle.ErrNodeNotFound
	}
	return h, nil
}

func (l *memoryLedger) Tree(ctx context.Context, pollID string) (*model.TreeState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trees[pollID]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (l *memoryLedger) Nodes(ctx context.Context, pollID string) merkle.NodeReader {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := nodeMap{}
	for k, v := range l.nodes[pollID] {
		snapshot[k] = v
	}
	return snapshot
}

func (l *memoryLedger) FindVoteByTag(ctx context.Context, pollID, tag string) (*model.Vote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.votes[pollID] {
		if v.Tag == tag {
			return v, nil
		}
	}
	return nil, nil
}

func (l *memoryLedger) ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedVotes(pollID), nil
}

func (l *memoryLedger) sortedVotes(pollID string) []*model.Vote {
	out := append([]*model.Vote(nil), l.votes[pollID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out
}

func (l *memoryLedger) FindRoot(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.roots[pollID] {
		if r.TreeSize == treeSize {
			return r, nil
		}
	}
	return nil, nil
}

func (l *memoryLedger) LatestRoot(ctx context.Context, pollID string) (*model.RootSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestRoot(pollID), nil
}

func (l *memoryLedger) latestRoot(pollID string) *model.RootSnapshot {
	roots := l.roots[pollID]
	if len(roots) == 0 {
		return nil
	}
	return roots[len(roots)-1]
}

// ReadSnapshot は呼び出し時点の状態を複製し、fnにはその複製だけを読ませる。
func (l *memoryLedger) ReadSnapshot(ctx context.Context, pollID string, fn func(view repository.LedgerView) error) error {
	l.mu.Lock()
	v := &memoryView{
		votes:    l.sortedVotes(pollID),
		counters: maps.Clone(l.tally[pollID]),
		tiers:    maps.Clone(l.tiers[pollID]),
		latest:   l.latestRoot(pollID),
	}
	if p, ok := l.polls[pollID]; ok {
		copied := *p
		v.poll = &copied
	}
	if t, ok := l.trees[pollID]; ok {
		copied := *t
		v.tree = &copied
	}
	l.mu.Unlock()
	return fn(v)
}

type memoryView struct {
	poll     *model.Poll
	tree     *model.TreeState
	votes    []*model.Vote
	counters map[int]int64
	tiers    map[model.Tier]int64
	latest   *model.RootSnapshot
}

func (v *memoryView) Poll(ctx context.Context) (*model.Poll, error) { return v.poll, nil }
func (v *memoryView) Tree(ctx context.Context) (*model.TreeState, error) { return v.tree, nil }
func (v *memoryView) ListVotes(ctx context.Context) ([]*model.Vote, error) { return v.votes, nil }
func (v *memoryView) LatestRoot(ctx context.Context) (*model.RootSnapshot, error) {
	return v.latest, nil
}
func (v *memoryView) TallyCounts(ctx context.Context) (map[int]int64, error) { return v.counters, nil }
func (v *memoryView) TierCounts(ctx context.Context) (map[model.Tier]int64, error) {
	return v.tiers, nil
}
func (v *memoryView) CountVotesByChoice(ctx context.Context) (map[int]int64, error) {
	out := map[int]int64{}
	for _, vote := range v.votes {
		out[vote.Choice]++
	}
	return out, nil
}

// tallyCounts は選択肢ごとのカウンタの複製を返す。
func (l *memoryLedger) tallyCounts(pollID string) map[int]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.tally[pollID])
}

// tierCounts は認証レベルごとのカウンタの複製を返す。
func (l *memoryLedger) tierCounts(pollID string) map[model.Tier]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.tiers[pollID])
}

func (l *memoryLedger) leafCount(pollID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trees[pollID].LeafCount
}

var _ repository.LedgerRepository = (*memoryLedger)(nil)
