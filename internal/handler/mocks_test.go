package handler

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/assertion"
	"github.com/hitoshi/ballotbox/internal/ballot"
	"github.com/hitoshi/ballotbox/internal/credential"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/middleware"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/poll"
	"github.com/hitoshi/ballotbox/internal/tally"
)

// --- モック定義 ---

// mockIdentityService はIdentityServiceInterfaceのモック実装。
type mockIdentityService struct {
	beginFn      func(ctx context.Context, stableID string) (*credential.Challenge, error)
	verifyFn     func(ctx context.Context, a *credential.Assertion) (*credential.Result, error)
	createFn     func(ctx context.Context, stableID string, tier model.Tier) (*model.User, error)
	updateTierFn func(ctx context.Context, stableID string, tier model.Tier) error
	deactivateFn func(ctx context.Context, stableID string) error
	registerFn   func(ctx context.Context, stableID, credentialID string, publicKey []byte) (*model.Credential, error)
	countFn      func(ctx context.Context) (int64, error)
}

func (m *mockIdentityService) BeginVerification(ctx context.Context, stableID string) (*credential.Challenge, error) {
	if m.beginFn != nil {
		return m.beginFn(ctx, stableID)
	}
	return nil, nil
}

func (m *mockIdentityService) Verify(ctx context.Context, a *credential.Assertion) (*credential.Result, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, a)
	}
	return nil, nil
}

func (m *mockIdentityService) CreateIdentity(ctx context.Context, stableID string, tier model.Tier) (*model.User, error) {
	if m.createFn != nil {
		return m.createFn(ctx, stableID, tier)
	}
	return nil, nil
}

func (m *mockIdentityService) UpdateTier(ctx context.Context, stableID string, tier model.Tier) error {
	if m.updateTierFn != nil {
		return m.updateTierFn(ctx, stableID, tier)
	}
	return nil
}

func (m *mockIdentityService) Deactivate(ctx context.Context, stableID string) error {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx, stableID)
	}
	return nil
}

func (m *mockIdentityService) RegisterCredential(ctx context.Context, stableID, credentialID string, publicKey []byte) (*model.Credential, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, stableID, credentialID, publicKey)
	}
	return nil, nil
}

func (m *mockIdentityService) CountActiveIdentities(ctx context.Context) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx)
	}
	return 0, nil
}

// mockTokenService はTokenServiceInterfaceのモック実装。
type mockTokenService struct {
	issueFn  func(ctx context.Context, stableID, pollID string, tier model.Tier) (*model.IssuedToken, error)
	revokeFn func(ctx context.Context, stableID, pollID string) error
	sealFn   func(ctx context.Context, pollID string) (int64, error)
	keyHex   string
}

func (m *mockTokenService) Issue(ctx context.Context, stableID, pollID string, tier model.Tier) (*model.IssuedToken, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, stableID, pollID, tier)
	}
	return nil, nil
}

func (m *mockTokenService) Revoke(ctx context.Context, stableID, pollID string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, stableID, pollID)
	}
	return nil
}

func (m *mockTokenService) Seal(ctx context.Context, pollID string) (int64, error) {
	if m.sealFn != nil {
		return m.sealFn(ctx, pollID)
	}
	return 0, nil
}

func (m *mockTokenService) PublicKeyHex() string {
	return m.keyHex
}

// mockPollService はPollServiceInterfaceのモック実装。
type mockPollService struct {
	createFn func(ctx context.Context, in poll.CreateInput) (*model.Poll, error)
	getFn    func(ctx context.Context, pollID string) (*model.Poll, error)
	listFn   func(ctx context.Context) ([]*model.Poll, error)
	openFn   func(ctx context.Context, pollID string) (*model.Poll, error)
	closeFn  func(ctx context.Context, pollID string) (*model.Poll, error)
}

func (m *mockPollService) Create(ctx context.Context, in poll.CreateInput) (*model.Poll, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return nil, nil
}

func (m *mockPollService) Get(ctx context.Context, pollID string) (*model.Poll, error) {
	if m.getFn != nil {
		return m.getFn(ctx, pollID)
	}
	return nil, model.NewPollNotFoundError(pollID)
}

func (m *mockPollService) List(ctx context.Context) ([]*model.Poll, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockPollService) Open(ctx context.Context, pollID string) (*model.Poll, error) {
	if m.openFn != nil {
		return m.openFn(ctx, pollID)
	}
	return nil, nil
}

func (m *mockPollService) Close(ctx context.Context, pollID string) (*model.Poll, error) {
	if m.closeFn != nil {
		return m.closeFn(ctx, pollID)
	}
	return nil, nil
}

// stubVerifier はアサーションをsubjectとして扱う検証器。"bad"は拒否する。
type stubVerifier struct{}

func (stubVerifier) Verify(raw string) (*assertion.Claims, error) {
	if raw == "bad" {
		return nil, assertion.ErrInvalid
	}
	return &assertion.Claims{
		Tier:             string(model.TierT2),
		RegisteredClaims: jwt.RegisteredClaims{Subject: raw},
	}, nil
}

// --- 台帳のフェイク ---

// fakeLedger はメモリ上のツリーで投票受付と集計を行うフェイク。
// タグの一意性と選択肢の範囲はサービス層と同じエラーコードで拒否する。
type fakeLedger struct {
	pollID  string
	options int
	tree    *merkle.MemoryTree
	votes   []*model.Vote
	tags    map[string]bool
	roots   map[uint64]merkle.Hash
	signer  ed25519.PrivateKey
}

func newFakeLedger(pollID string, options int) *fakeLedger {
	_, priv, _ := ed25519.GenerateKey(nil)
	return &fakeLedger{
		pollID:  pollID,
		options: options,
		tree:    merkle.NewMemoryTree(),
		tags:    make(map[string]bool),
		roots:   make(map[uint64]merkle.Hash),
		signer:  priv,
	}
}

func (f *fakeLedger) checkPoll(pollID string) error {
	if pollID != f.pollID {
		return model.NewPollNotFoundError(pollID)
	}
	return nil
}

func (f *fakeLedger) Submit(ctx context.Context, pollID string, sub ballot.Submission) (*model.Receipt, error) {
	if err := f.checkPoll(pollID); err != nil {
		return nil, err
	}
	if sub.Choice < 0 || sub.Choice >= f.options {
		return nil, model.NewInvalidChoiceError(sub.Choice, f.options)
	}
	if f.tags[sub.Tag] {
		return nil, model.NewDuplicateVoteError()
	}

	leaf := merkle.VoteLeaf(pollID, sub.Tag, sub.Choice, merkle.CanonicalTime(testNow))
	idx, err := f.tree.Append(leaf)
	if err != nil {
		return nil, err
	}
	size := f.tree.Size()
	proof, err := merkle.Prove(f.tree, idx, size)
	if err != nil {
		return nil, err
	}
	f.tags[sub.Tag] = true
	f.roots[size] = f.tree.Root()
	f.votes = append(f.votes, &model.Vote{
		PollID: pollID, LeafIndex: idx, Tag: sub.Tag, Choice: sub.Choice,
		VotedAt: testNow, MerkleLeaf: leaf, MerkleProof: proof, RootAtInsert: f.tree.Root(),
	})
	return &model.Receipt{MerkleLeaf: leaf, MerkleProof: proof, Root: f.tree.Root(), LeafIndex: idx, TreeSize: size}, nil
}

func (f *fakeLedger) Proof(ctx context.Context, pollID, tag string, treeSize uint64) (*model.Receipt, error) {
	if err := f.checkPoll(pollID); err != nil {
		return nil, err
	}
	if treeSize == 0 {
		treeSize = f.tree.Size()
	}
	for _, v := range f.votes {
		if v.Tag != tag {
			continue
		}
		if v.LeafIndex >= treeSize || treeSize > f.tree.Size() {
			return nil, model.NewInvalidTreeRangeError("範囲外です")
		}
		proof, err := merkle.Prove(f.tree, v.LeafIndex, treeSize)
		if err != nil {
			return nil, err
		}
		return &model.Receipt{MerkleLeaf: v.MerkleLeaf, MerkleProof: proof, Root: f.roots[treeSize], LeafIndex: v.LeafIndex, TreeSize: treeSize}, nil
	}
	return nil, model.NewVoteNotFoundError()
}

func (f *fakeLedger) Root(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error) {
	if err := f.checkPoll(pollID); err != nil {
		return nil, err
	}
	if treeSize == 0 {
		treeSize = f.tree.Size()
	}
	root, ok := f.roots[treeSize]
	if !ok {
		return nil, model.NewRootNotFoundError(treeSize)
	}
	return &model.RootSnapshot{PollID: pollID, TreeSize: treeSize, Root: root, Signature: ed25519.Sign(f.signer, root[:]), CreatedAt: testNow}, nil
}

func (f *fakeLedger) Consistency(ctx context.Context, pollID string, first, second uint64) (*ballot.Consistency, error) {
	if err := f.checkPoll(pollID); err != nil {
		return nil, err
	}
	if first == 0 || first > second || second > f.tree.Size() {
		return nil, model.NewInvalidTreeRangeError("範囲外です")
	}
	proof, err := merkle.ProveConsistency(f.tree, first, second)
	if err != nil {
		return nil, err
	}
	return &ballot.Consistency{Proof: proof, FirstRoot: f.roots[first], SecondRoot: f.roots[second]}, nil
}

func (f *fakeLedger) Leaves(ctx context.Context, pollID string) ([]*model.Vote, error) {
	if err := f.checkPoll(pollID); err != nil {
		return nil, err
	}
	return f.votes, nil
}

func (f *fakeLedger) VerifyReceipt(ctx context.Context, pollID string, leaf merkle.Hash, proof merkle.InclusionProof, root merkle.Hash) (*ballot.VerifyResult, error) {
	known, ok := f.roots[proof.TreeSize]
	return &ballot.VerifyResult{
		Valid:     merkle.Verify(leaf, proof, root),
		KnownRoot: ok && known == root,
	}, nil
}

func (f *fakeLedger) TreeHeadPublicKey() ed25519.PublicKey {
	return f.signer.Public().(ed25519.PublicKey)
}

func (f *fakeLedger) Tally(ctx context.Context, pollID string) (*model.Tally, error) {
	if err := f.checkPoll(pollID); err != nil {
		return nil, err
	}
	counts := make([]int64, f.options)
	for _, v := range f.votes {
		counts[v.Choice]++
	}
	total := int64(f.tree.Size())
	return &model.Tally{
		PollID:             pollID,
		TotalVotes:         total,
		PerOptionCounts:    counts,
		EligiblePopulation: 10,
		ParticipationRate:  model.ParticipationRate(total, 10),
		Root:               f.tree.Root(),
		TreeSize:           f.tree.Size(),
	}, nil
}

func (f *fakeLedger) Audit(ctx context.Context, pollID string) (*tally.Report, error) {
	t, err := f.Tally(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return &tally.Report{
		PollID:          pollID,
		LeafCount:       t.TreeSize,
		VoteRows:        int64(len(f.votes)),
		TotalVotes:      t.TotalVotes,
		CounterSum:      t.TotalVotes,
		PerOptionCounts: t.PerOptionCounts,
		StoredRoot:      t.Root,
		RecomputedRoot:  t.Root,
	}, nil
}

// --- テストヘルパー ---

const testAdminToken = "admin-secret"

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// newCommonDeps はテスト用の共通依存関係を返す。レートリミッターはテスト終了時に停止する。
func newCommonDeps(t *testing.T) CommonDeps {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(1200))
	t.Cleanup(rl.Stop)
	return CommonDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Authenticator:     middleware.NewAuthenticator(testAdminToken, stubVerifier{}),
	}
}

// decodeErrorBody はレスポンスボディからエラーレスポンスをパースするヘルパー。
func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var body api.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

// decodeBody はレスポンスボディをvへパースするヘルパー。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

var errBoom = errors.New("boom")
