package verify

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/signing"
)

const testPollID = "budget-2026"

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeSource はメモリ上のツリーで公開APIを模倣する。
type fakeSource struct {
	key     ed25519.PrivateKey
	options []string
	tree    *merkle.MemoryTree
	leaves  []api.Leaf
	roots   map[uint64]api.RootResponse
	tally   *api.TallyResponse // nilの場合は葉から数える
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	return &fakeSource{
		key:     ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)),
		options: []string{"A", "B", "C", "D"},
		tree:    merkle.NewMemoryTree(),
		roots:   make(map[uint64]api.RootResponse),
	}
}

func (f *fakeSource) vote(t *testing.T, tag string, choice int) {
	t.Helper()
	at := testNow.Add(time.Duration(f.tree.Size()) * time.Second)
	leaf := merkle.VoteLeaf(testPollID, tag, choice, at)
	idx, err := f.tree.Append(leaf)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.leaves = append(f.leaves, api.Leaf{LeafIndex: idx, Tag: tag, Choice: choice, VotedAt: at, MerkleLeaf: leaf})

	root := f.tree.Root()
	sig, err := signing.SignTreeHead(f.key, signing.NewTreeHead(testPollID, f.tree.Size(), root[:], at))
	if err != nil {
		t.Fatalf("SignTreeHead: %v", err)
	}
	f.roots[f.tree.Size()] = api.RootFrom(&model.RootSnapshot{
		PollID: testPollID, TreeSize: f.tree.Size(), Root: root, Signature: sig, CreatedAt: at,
	})
}

func (f *fakeSource) FetchPoll(ctx context.Context, pollID string) (*model.Poll, error) {
	if pollID != testPollID {
		return nil, nil
	}
	return &model.Poll{PollID: pollID, Options: f.options}, nil
}

func (f *fakeSource) Leaves(ctx context.Context, pollID string) (*api.LeavesResponse, error) {
	return &api.LeavesResponse{PollID: pollID, Leaves: f.leaves}, nil
}

func (f *fakeSource) Root(ctx context.Context, pollID string, treeSize uint64) (*api.RootResponse, error) {
	if treeSize == 0 {
		treeSize = f.tree.Size()
	}
	r, ok := f.roots[treeSize]
	if !ok {
		return nil, errors.New("root not found")
	}
	return &r, nil
}

func (f *fakeSource) Proof(ctx context.Context, pollID, tag string, treeSize uint64) (*api.ReceiptResponse, error) {
	for _, l := range f.leaves {
		if l.Tag != tag {
			continue
		}
		proof, err := merkle.Prove(f.tree, l.LeafIndex, treeSize)
		if err != nil {
			return nil, err
		}
		return &api.ReceiptResponse{MerkleLeaf: l.MerkleLeaf, MerkleProof: proof, LeafIndex: l.LeafIndex, TreeSize: treeSize}, nil
	}
	return nil, errors.New("vote not found")
}

func (f *fakeSource) Consistency(ctx context.Context, pollID string, first, second uint64) (*api.ConsistencyResponse, error) {
	proof, err := merkle.ProveConsistency(f.tree, first, second)
	if err != nil {
		return nil, err
	}
	return &api.ConsistencyResponse{PollID: pollID, Proof: proof}, nil
}

func (f *fakeSource) Tally(ctx context.Context, pollID string) (*api.TallyResponse, error) {
	if f.tally != nil {
		return f.tally, nil
	}
	counts := make([]int64, len(f.options))
	for _, l := range f.leaves {
		counts[l.Choice]++
	}
	return &api.TallyResponse{PollID: pollID, TotalVotes: int64(len(f.leaves)), PerOptionCounts: counts}, nil
}

func (f *fakeSource) publicKey() ed25519.PublicKey {
	return f.key.Public().(ed25519.PublicKey)
}

func seed(t *testing.T, f *fakeSource, n int) {
	t.Helper()
	for i := range n {
		f.vote(t, fmt.Sprintf("tag-%02d", i), i%4)
	}
}

func TestInclusion_AgainstOldAndLatestRoot(t *testing.T) {
	src := newFakeSource(t)
	seed(t, src, 5)
	v := New(src, src.publicKey())
	ctx := context.Background()

	res, err := v.Inclusion(ctx, testPollID, "tag-01", 3)
	if err != nil {
		t.Fatalf("Inclusion: %v", err)
	}
	if !res.OK || res.TreeSize != 3 {
		t.Errorf("res = %+v, want ok at size 3", res)
	}

	res, err = v.Inclusion(ctx, testPollID, "tag-01", 0)
	if err != nil {
		t.Fatalf("Inclusion latest: %v", err)
	}
	if !res.OK || res.TreeSize != 5 {
		t.Errorf("res = %+v, want ok at size 5", res)
	}
}

func TestInclusion_WrongKeyIsFault(t *testing.T) {
	src := newFakeSource(t)
	seed(t, src, 2)
	other := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))
	v := New(src, other.Public().(ed25519.PublicKey))

	res, err := v.Inclusion(context.Background(), testPollID, "tag-00", 0)
	if err != nil {
		t.Fatalf("Inclusion: %v", err)
	}
	if res.OK || !strings.Contains(strings.Join(res.Faults, ";"), "signature") {
		t.Errorf("res = %+v, want signature fault", res)
	}
}

func TestConsistency(t *testing.T) {
	src := newFakeSource(t)
	seed(t, src, 7)
	v := New(src, src.publicKey())

	res, err := v.Consistency(context.Background(), testPollID, 3, 7)
	if err != nil {
		t.Fatalf("Consistency: %v", err)
	}
	if !res.OK {
		t.Errorf("faults = %v", res.Faults)
	}
}

func TestConsistency_RewrittenHistoryIsFault(t *testing.T) {
	src := newFakeSource(t)
	seed(t, src, 4)
	v := New(src, src.publicKey())

	// 別の履歴で署名されたsize=2のルートに差し替える
	forged := newFakeSource(t)
	forged.vote(t, "x", 0)
	forged.vote(t, "y", 1)
	src.roots[2] = forged.roots[2]

	res, err := v.Consistency(context.Background(), testPollID, 2, 4)
	if err != nil {
		t.Fatalf("Consistency: %v", err)
	}
	if res.OK {
		t.Error("rewritten history should be reported")
	}
}

func TestExtends(t *testing.T) {
	src := newFakeSource(t)
	seed(t, src, 3)
	v := New(src, src.publicKey())
	ctx := context.Background()

	older, _ := src.roots[1].Model()
	newer, _ := src.roots[3].Model()

	res, err := v.Extends(ctx, older, newer)
	if err != nil {
		t.Fatalf("Extends: %v", err)
	}
	if !res.OK {
		t.Errorf("faults = %v", res.Faults)
	}

	res, err = v.Extends(ctx, newer, older)
	if err != nil {
		t.Fatalf("Extends: %v", err)
	}
	if res.OK {
		t.Error("shrinking tree should be reported")
	}

	res, err = v.Extends(ctx, nil, newer)
	if err != nil || !res.OK {
		t.Errorf("first announcement: res = %+v, err = %v", res, err)
	}
}

func TestRecompute(t *testing.T) {
	src := newFakeSource(t)
	seed(t, src, 6)
	v := New(src, src.publicKey())

	res, err := v.Recompute(context.Background(), testPollID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !res.OK || res.TreeSize != 6 {
		t.Errorf("res = %+v", res)
	}
	if res.Root != src.tree.Root().String() {
		t.Errorf("root = %s, want %s", res.Root, src.tree.Root())
	}
}

func TestRecompute_EmptyPoll(t *testing.T) {
	src := newFakeSource(t)
	v := New(src, src.publicKey())

	res, err := v.Recompute(context.Background(), testPollID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !res.OK || res.TreeSize != 0 || res.Root != merkle.EmptyRoot().String() {
		t.Errorf("res = %+v", res)
	}
}

func TestRecompute_DetectsFaults(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(f *fakeSource)
		want   string
	}{
		{
			name:   "choice changed",
			tamper: func(f *fakeSource) { f.leaves[1].Choice = 3 },
			want:   "hash does not match",
		},
		{
			name: "tally inflated",
			tamper: func(f *fakeSource) {
				f.tally = &api.TallyResponse{TotalVotes: 5, PerOptionCounts: []int64{2, 1, 1, 1}}
			},
			want: "tally total",
		},
		{
			name:   "duplicate tag",
			tamper: func(f *fakeSource) { f.leaves[2].Tag = f.leaves[0].Tag },
			want:   "more than once",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(t)
			seed(t, src, 4)
			tt.tamper(src)

			res, err := New(src, src.publicKey()).Recompute(context.Background(), testPollID)
			if err != nil {
				t.Fatalf("Recompute: %v", err)
			}
			if res.OK || !strings.Contains(strings.Join(res.Faults, ";"), tt.want) {
				t.Errorf("faults = %v, want %q", res.Faults, tt.want)
			}
		})
	}
}

func TestRecompute_UnknownPoll(t *testing.T) {
	src := newFakeSource(t)
	if _, err := New(src, nil).Recompute(context.Background(), "missing"); err == nil {
		t.Error("unknown poll should return error")
	}
}
