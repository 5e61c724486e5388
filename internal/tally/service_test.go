package tally

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"maps"
	"math"
	"testing"
	"time"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/repository"
	"github.com/hitoshi/ballotbox/internal/signing"
)

// --- モック ---

// stubLedger はメモリ上の台帳状態を返す。ReadSnapshot は開始時点の状態を複製して読ませる。
type stubLedger struct {
	poll     *model.Poll
	tree     *model.TreeState
	votes    []*model.Vote
	counters map[int]int64
	tiers    map[model.Tier]int64
	latest   *model.RootSnapshot

	// afterSnapshot はスナップショット取得の直後、読み取りの前に呼ばれる
	afterSnapshot func()
}

func (s *stubLedger) WithPollLock(ctx context.Context, pollID string, fn func(tx repository.LedgerTx) error) error {
	return errors.New("not supported")
}
func (s *stubLedger) Tree(ctx context.Context, pollID string) (*model.TreeState, error) {
	return s.tree, nil
}
func (s *stubLedger) Nodes(ctx context.Context, pollID string) merkle.NodeReader { return nil }
func (s *stubLedger) FindVoteByTag(ctx context.Context, pollID, tag string) (*model.Vote, error) {
	return nil, nil
}
func (s *stubLedger) ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error) {
	return s.votes, nil
}
func (s *stubLedger) FindRoot(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error) {
	return nil, nil
}
func (s *stubLedger) LatestRoot(ctx context.Context, pollID string) (*model.RootSnapshot, error) {
	return s.latest, nil
}

func (s *stubLedger) ReadSnapshot(ctx context.Context, pollID string, fn func(view repository.LedgerView) error) error {
	v := &stubView{}
	if s.poll != nil && s.poll.PollID == pollID {
		p := *s.poll
		v.poll = &p
		if s.tree != nil {
			t := *s.tree
			v.tree = &t
		}
		v.votes = append([]*model.Vote(nil), s.votes...)
		v.counters = maps.Clone(s.counters)
		v.tiers = maps.Clone(s.tiers)
		if s.latest != nil {
			l := *s.latest
			v.latest = &l
		}
	}
	if s.afterSnapshot != nil {
		s.afterSnapshot()
	}
	return fn(v)
}

type stubView struct {
	poll     *model.Poll
	tree     *model.TreeState
	votes    []*model.Vote
	counters map[int]int64
	tiers    map[model.Tier]int64
	latest   *model.RootSnapshot
}

func (v *stubView) Poll(ctx context.Context) (*model.Poll, error) { return v.poll, nil }
func (v *stubView) Tree(ctx context.Context) (*model.TreeState, error) { return v.tree, nil }
func (v *stubView) ListVotes(ctx context.Context) ([]*model.Vote, error) { return v.votes, nil }
func (v *stubView) LatestRoot(ctx context.Context) (*model.RootSnapshot, error) {
	return v.latest, nil
}
func (v *stubView) TallyCounts(ctx context.Context) (map[int]int64, error) { return v.counters, nil }
func (v *stubView) TierCounts(ctx context.Context) (map[model.Tier]int64, error) {
	return v.tiers, nil
}
func (v *stubView) CountVotesByChoice(ctx context.Context) (map[int]int64, error) {
	out := map[int]int64{}
	for _, vote := range v.votes {
		out[vote.Choice]++
	}
	return out, nil
}

// --- フィクスチャ ---

const testPollID = "poll-1"

var (
	poKey    = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func appendVote(t *testing.T, l *stubLedger, tree *merkle.MemoryTree, c int) {
	t.Helper()
	i := len(l.votes)
	votedAt := baseTime.Add(time.Duration(i) * time.Second)
	tag := fmt.Sprintf("tag-%02d", i)
	leaf := merkle.VoteLeaf(testPollID, tag, c, votedAt)
	if _, err := tree.Append(leaf); err != nil {
		t.Fatal(err)
	}
	l.votes = append(l.votes, &model.Vote{
		PollID: testPollID, LeafIndex: uint64(i), Tag: tag, Choice: c, VotedAt: votedAt, MerkleLeaf: leaf,
	})
	l.counters[c]++
	l.tiers[model.TierT1]++
}

// buildLedger は choices の順に票を追記した整合した台帳を作る。
func buildLedger(t *testing.T, choices []int) (*stubLedger, *merkle.MemoryTree) {
	t.Helper()
	tree := merkle.NewMemoryTree()
	ledger := &stubLedger{counters: map[int]int64{}, tiers: map[model.Tier]int64{}}
	for _, c := range choices {
		appendVote(t, ledger, tree, c)
	}

	ledger.tree = &model.TreeState{PollID: testPollID, Root: tree.Root(), LeafCount: tree.Size()}
	if tree.Size() > 0 {
		at := baseTime.Add(time.Hour)
		root := tree.Root()
		sig, err := signing.SignTreeHead(poKey, signing.NewTreeHead(testPollID, tree.Size(), root[:], at))
		if err != nil {
			t.Fatal(err)
		}
		ledger.latest = &model.RootSnapshot{PollID: testPollID, TreeSize: tree.Size(), Root: root, Signature: sig, CreatedAt: at}
	}

	ledger.poll = &model.Poll{
		PollID:             testPollID,
		Options:            []string{"A", "B", "C", "D"},
		Status:             model.PollStatusActive,
		MinTier:            model.TierT1,
		TotalVotes:         int64(len(choices)),
		EligiblePopulation: 10,
	}
	return ledger, tree
}

func newService(ledger *stubLedger) *Service {
	return NewService(ledger, poKey.Public().(ed25519.PublicKey), nil, nil)
}

// --- テスト ---

func TestTally(t *testing.T) {
	ledger, _ := buildLedger(t, []int{0, 1, 1, 3, 1})
	svc := newService(ledger)

	got, err := svc.Tally(context.Background(), testPollID)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if got.TotalVotes != 5 {
		t.Errorf("total = %d, want 5", got.TotalVotes)
	}
	want := []int64{1, 3, 0, 1}
	for i := range want {
		if got.PerOptionCounts[i] != want[i] {
			t.Errorf("per_option_counts = %v, want %v", got.PerOptionCounts, want)
			break
		}
	}
	if math.Abs(got.ParticipationRate-0.5) > 1e-9 {
		t.Errorf("participation_rate = %f, want 0.5", got.ParticipationRate)
	}
	if got.Root != ledger.tree.Root {
		t.Error("root が台帳と一致しない")
	}
	if got.PerTierCounts[model.TierT1] != 5 {
		t.Errorf("per_tier_counts = %v, want T1:5", got.PerTierCounts)
	}
}

func TestTally_UnknownPopulation(t *testing.T) {
	ledger, _ := buildLedger(t, []int{0})
	ledger.poll.EligiblePopulation = 0

	got, err := newService(ledger).Tally(context.Background(), testPollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParticipationRate != 0 {
		t.Errorf("participation_rate = %f, want 0", got.ParticipationRate)
	}
}

func TestTally_TotalIsLeafCount(t *testing.T) {
	ledger, _ := buildLedger(t, []int{0, 1})
	// total_votes 列が遅れていても総数は leaf_count
	ledger.poll.TotalVotes = 0

	got, err := newService(ledger).Tally(context.Background(), testPollID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalVotes != 2 {
		t.Errorf("total = %d, want 2", got.TotalVotes)
	}
}

func TestTally_PollNotFound(t *testing.T) {
	ledger, _ := buildLedger(t, nil)
	_, err := newService(ledger).Tally(context.Background(), "missing")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePollNotFound {
		t.Errorf("expected POLL_NOT_FOUND, got %v", err)
	}
}

func TestAudit_Consistent(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		choices := make([]int, n)
		for i := range choices {
			choices[i] = i % 4
		}
		ledger, _ := buildLedger(t, choices)

		r, err := newService(ledger).Audit(context.Background(), testPollID)
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		if !r.OK() || r.Fault() != nil {
			t.Errorf("n=%d: unexpected faults: %v", n, r.Faults)
		}
		if r.RecomputedRoot != r.StoredRoot {
			t.Errorf("n=%d: ルートが一致しない", n)
		}
	}
}

func TestAudit_DetectsFaults(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(l *stubLedger)
	}{
		{"選択肢の改ざん", func(l *stubLedger) { l.votes[1].Choice = 3 }},
		{"カウンタのずれ", func(l *stubLedger) { l.counters[0]++ }},
		{"票の欠落", func(l *stubLedger) { l.votes = l.votes[:2] }},
		{"total_votesのずれ", func(l *stubLedger) { l.poll.TotalVotes = 99 }},
		{"ルートの改ざん", func(l *stubLedger) { l.tree.Root[0] ^= 1 }},
		{"署名の改ざん", func(l *stubLedger) { l.latest.Signature[0] ^= 1 }},
		{"署名付きルートの欠落", func(l *stubLedger) { l.latest = nil }},
		{"認証レベル別カウンタのずれ", func(l *stubLedger) { l.tiers[model.TierT2]++ }},
		{"最低認証レベル未満の票", func(l *stubLedger) {
			l.tiers[model.TierT1]--
			l.tiers[model.TierT0]++
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, _ := buildLedger(t, []int{0, 1, 2})
			tt.tamper(ledger)

			r, err := newService(ledger).Audit(context.Background(), testPollID)
			if err != nil {
				t.Fatalf("Audit: %v", err)
			}
			if r.OK() {
				t.Fatal("不整合を検出できなかった")
			}
			if f := r.Fault(); f == nil || f.Code != model.ErrCodeIntegrityFault {
				t.Errorf("Fault = %v", f)
			}
		})
	}
}

// 読み取りの途中で別の投票がコミットされても、集計と監査は同じ時点の状態だけを見る。
func TestTallyAndAudit_ReadOneSnapshot(t *testing.T) {
	ledger, tree := buildLedger(t, []int{0, 1, 2})
	// 票とカウンタは反映済みでツリーはまだ古い、という途中の状態を作る
	ledger.afterSnapshot = func() {
		if len(ledger.votes) == 3 {
			appendVote(t, ledger, tree, 3)
			ledger.poll.TotalVotes++
		}
	}
	svc := newService(ledger)

	r, err := svc.Audit(context.Background(), testPollID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !r.OK() {
		t.Errorf("スナップショット外の書き込みで不整合が報告された: %v", r.Faults)
	}
	if r.VoteRows != 3 || r.LeafCount != 3 {
		t.Errorf("votes=%d leaf_count=%d, want 3/3", r.VoteRows, r.LeafCount)
	}

	ledger.afterSnapshot = func() {
		if len(ledger.votes) == 4 {
			appendVote(t, ledger, tree, 0)
		}
	}
	got, err := svc.Tally(context.Background(), testPollID)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	var sum int64
	for _, n := range got.PerOptionCounts {
		sum += n
	}
	if got.TotalVotes != 3 || sum != got.TotalVotes {
		t.Errorf("total=%d sum=%d, want 3/3", got.TotalVotes, sum)
	}
}

func TestTally_PollWithoutTree(t *testing.T) {
	ledger, _ := buildLedger(t, nil)
	ledger.tree = nil

	_, err := newService(ledger).Tally(context.Background(), testPollID)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePollNotFound {
		t.Errorf("expected POLL_NOT_FOUND, got %v", err)
	}
}
