package handler

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/ballot"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/tally"
)

// BallotServiceInterface は投票受付と台帳参照のハンドラーが必要とするサービスインターフェース。
type BallotServiceInterface interface {
	// Submit は1票を台帳に追記し、受領証を返す。
	Submit(ctx context.Context, pollID string, sub ballot.Submission) (*model.Receipt, error)
	// Proof はタグの葉の包含証明を返す。treeSizeが0の場合は最新のツリーに対する証明。
	Proof(ctx context.Context, pollID, tag string, treeSize uint64) (*model.Receipt, error)
	// Root は署名付きルートを返す。treeSizeが0の場合は最新。
	Root(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error)
	Consistency(ctx context.Context, pollID string, first, second uint64) (*ballot.Consistency, error)
	Leaves(ctx context.Context, pollID string) ([]*model.Vote, error)
	VerifyReceipt(ctx context.Context, pollID string, leaf merkle.Hash, proof merkle.InclusionProof, root merkle.Hash) (*ballot.VerifyResult, error)
	TreeHeadPublicKey() ed25519.PublicKey
}

// TallyServiceInterface は集計ハンドラーが必要とするサービスインターフェース。
type TallyServiceInterface interface {
	Tally(ctx context.Context, pollID string) (*model.Tally, error)
	Audit(ctx context.Context, pollID string) (*tally.Report, error)
}

// BallotHandler は投票受付・台帳・集計のHTTPハンドラー。
type BallotHandler struct {
	ballots BallotServiceInterface
	tallies TallyServiceInterface
}

// NewBallotHandler はBallotHandlerを生成する。
func NewBallotHandler(ballots BallotServiceInterface, tallies TallyServiceInterface) *BallotHandler {
	return &BallotHandler{ballots: ballots, tallies: tallies}
}

// SubmitVote は1票を受け付ける。
// POST /polls/{poll_id}/votes
func (h *BallotHandler) SubmitVote(w http.ResponseWriter, r *http.Request) {
	var req api.VoteRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if req.Token == "" || req.Tag == "" || req.Choice == nil {
		handleServiceError(w, r, model.NewInvalidRequestError("token と tag と choice は必須です"))
		return
	}

	receipt, err := h.ballots.Submit(r.Context(), chi.URLParam(r, "poll_id"), ballot.Submission{
		Token:  req.Token,
		Tag:    req.Tag,
		Choice: *req.Choice,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.ReceiptFrom(receipt))
}

// Proof はタグの包含証明を返す。
// GET /polls/{poll_id}/proof/{tag}?tree_size=n
func (h *BallotHandler) Proof(w http.ResponseWriter, r *http.Request) {
	size, apiErr := parseSize("tree_size", r.URL.Query().Get("tree_size"))
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	receipt, err := h.ballots.Proof(r.Context(), chi.URLParam(r, "poll_id"), chi.URLParam(r, "tag"), size)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ReceiptFrom(receipt))
}

// LatestRoot は最新の署名付きルートを返す。
// GET /polls/{poll_id}/roots/latest
func (h *BallotHandler) LatestRoot(w http.ResponseWriter, r *http.Request) {
	h.writeRoot(w, r, 0)
}

// RootAt は指定サイズの署名付きルートを返す。
// GET /polls/{poll_id}/roots/{tree_size}
func (h *BallotHandler) RootAt(w http.ResponseWriter, r *http.Request) {
	size, apiErr := parseSize("tree_size", chi.URLParam(r, "tree_size"))
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	if size == 0 {
		handleServiceError(w, r, model.NewRootNotFoundError(0))
		return
	}
	h.writeRoot(w, r, size)
}

func (h *BallotHandler) writeRoot(w http.ResponseWriter, r *http.Request, size uint64) {
	snap, err := h.ballots.Root(r.Context(), chi.URLParam(r, "poll_id"), size)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RootFrom(snap))
}

// Consistency は2つのサイズ間の一貫性証明を返す。
// GET /polls/{poll_id}/consistency?first=m&second=n
func (h *BallotHandler) Consistency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	first, apiErr := parseSize("first", q.Get("first"))
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}
	second, apiErr := parseSize("second", q.Get("second"))
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	pollID := chi.URLParam(r, "poll_id")
	c, err := h.ballots.Consistency(r.Context(), pollID, first, second)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ConsistencyResponse{
		PollID:     pollID,
		Proof:      c.Proof,
		FirstRoot:  c.FirstRoot,
		SecondRoot: c.SecondRoot,
	})
}

// Leaves は全ての葉を返す。
// GET /polls/{poll_id}/leaves
func (h *BallotHandler) Leaves(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, "poll_id")
	votes, err := h.ballots.Leaves(r.Context(), pollID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.LeavesFrom(pollID, votes))
}

// VerifyReceipt は受領証を検証する。
// POST /polls/{poll_id}/verify
func (h *BallotHandler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyProofRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	res, err := h.ballots.VerifyReceipt(r.Context(), chi.URLParam(r, "poll_id"), req.MerkleLeaf, req.MerkleProof, req.Root)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.VerifyProofResponse{Valid: res.Valid, KnownRoot: res.KnownRoot})
}

// Tally は集計結果を返す。
// GET /polls/{poll_id}/tally
func (h *BallotHandler) Tally(w http.ResponseWriter, r *http.Request) {
	t, err := h.tallies.Tally(r.Context(), chi.URLParam(r, "poll_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TallyFrom(t))
}

// Audit は台帳を再計算して保存値と突き合わせた結果を返す。
// 不整合があってもレポートとして200で返す。
// GET /polls/{poll_id}/audit
func (h *BallotHandler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.tallies.Audit(r.Context(), chi.URLParam(r, "poll_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponseFrom(report))
}

// PublicKey はルート署名の検証鍵を返す。
// GET /public-key
func (h *BallotHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.PublicKeyResponse{
		PublicKey: hex.EncodeToString(h.ballots.TreeHeadPublicKey()),
	})
}

func auditResponseFrom(r *tally.Report) api.AuditResponse {
	faults := r.Faults
	if faults == nil {
		faults = []string{}
	}
	return api.AuditResponse{
		PollID:          r.PollID,
		OK:              r.OK(),
		LeafCount:       r.LeafCount,
		VoteRows:        r.VoteRows,
		TotalVotes:      r.TotalVotes,
		CounterSum:      r.CounterSum,
		PerOptionCounts: r.PerOptionCounts,
		StoredRoot:      r.StoredRoot,
		RecomputedRoot:  r.RecomputedRoot,
		Faults:          faults,
	}
}
