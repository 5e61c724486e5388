package handler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/ballot"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/tally"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const testPollID = "budget-2026"

// newTestPORouter は4択の投票1件を持つPOルーターを返す。
func newTestPORouter(t *testing.T) (http.Handler, *fakeLedger) {
	t.Helper()
	ledger := newFakeLedger(testPollID, 4)
	router := NewPORouter(&PORouterDeps{
		CommonDeps:    newCommonDeps(t),
		PollService:   &mockPollService{},
		BallotService: ledger,
		TallyService:  ledger,
	})
	return router, ledger
}

func postVote(t *testing.T, router http.Handler, tag string, choice int) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(api.VoteRequest{Token: "token-" + tag, Tag: tag, Choice: &choice})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/polls/"+testPollID+"/votes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func fetchTally(t *testing.T, router http.Handler) api.TallyResponse {
	t.Helper()
	w := get(t, router, "/polls/"+testPollID+"/tally")
	if w.Code != http.StatusOK {
		t.Fatalf("tally status = %d, want 200", w.Code)
	}
	var resp api.TallyResponse
	decodeBody(t, w, &resp)
	return resp
}

// --- POST /polls/{poll_id}/votes ---

func TestSubmitVote_Success(t *testing.T) {
	router, _ := newTestPORouter(t)

	w := postVote(t, router, "aa01", 2)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var receipt api.ReceiptResponse
	decodeBody(t, w, &receipt)
	if receipt.LeafIndex != 0 || receipt.TreeSize != 1 {
		t.Errorf("leaf_index = %d, tree_size = %d, want 0, 1", receipt.LeafIndex, receipt.TreeSize)
	}
	if receipt.Root != receipt.MerkleLeaf {
		t.Error("1件目のルートは葉のハッシュと一致するはず")
	}

	got := fetchTally(t, router)
	if got.TotalVotes != 1 || got.PerOptionCounts[2] != 1 {
		t.Errorf("tally = %+v", got)
	}
}

func TestSubmitVote_DuplicateVoteKeepsOneLeaf(t *testing.T) {
	router, _ := newTestPORouter(t)

	if w := postVote(t, router, "aa01", 1); w.Code != http.StatusCreated {
		t.Fatalf("1回目 status = %d, want 201", w.Code)
	}

	w := postVote(t, router, "aa01", 3)
	if w.Code != http.StatusConflict {
		t.Fatalf("2回目 status = %d, want %d", w.Code, http.StatusConflict)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeDuplicateVote {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeDuplicateVote)
	}

	lw := get(t, router, "/polls/"+testPollID+"/leaves")
	var leaves api.LeavesResponse
	decodeBody(t, lw, &leaves)
	if len(leaves.Leaves) != 1 {
		t.Fatalf("葉の数 = %d, want 1", len(leaves.Leaves))
	}
	if leaves.Leaves[0].Choice != 1 {
		t.Errorf("記録された選択肢 = %d, want 1", leaves.Leaves[0].Choice)
	}
	if got := fetchTally(t, router); got.TotalVotes != 1 {
		t.Errorf("total_votes = %d, want 1", got.TotalVotes)
	}
}

func TestSubmitVote_InvalidChoiceLeavesLedgerUnchanged(t *testing.T) {
	router, _ := newTestPORouter(t)
	postVote(t, router, "aa01", 0)
	before := fetchTally(t, router)

	w := postVote(t, router, "bb02", 99)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeInvalidChoice {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidChoice)
	}

	after := fetchTally(t, router)
	if after.TreeSize != before.TreeSize || after.TotalVotes != before.TotalVotes {
		t.Errorf("leaf_count が変化した: before=%d after=%d", before.TreeSize, after.TreeSize)
	}
	if after.Root != before.Root {
		t.Error("ルートが変化した")
	}
}

func TestSubmitVote_BadRequests(t *testing.T) {
	router, _ := newTestPORouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"choice欠落", `{"token":"t","tag":"aa"}`},
		{"tag欠落", `{"token":"t","choice":1}`},
		{"不正なJSON", `{"token":`},
		{"未知のフィールド", `{"token":"t","tag":"aa","choice":1,"extra":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/polls/"+testPollID+"/votes", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if body := decodeErrorBody(t, w); body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
			}
		})
	}

	if got := fetchTally(t, router); got.TotalVotes != 0 {
		t.Errorf("total_votes = %d, want 0", got.TotalVotes)
	}
}

func TestSubmitVote_UnknownPoll(t *testing.T) {
	router, _ := newTestPORouter(t)

	choice := 1
	body, _ := json.Marshal(api.VoteRequest{Token: "t", Tag: "aa", Choice: &choice})
	req := httptest.NewRequest(http.MethodPost, "/polls/missing/votes", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodePollNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodePollNotFound)
	}
}

// --- 受領証と証明 ---

func TestVerifyReceipt_OldProofAgainstOldAndNewRoot(t *testing.T) {
	router, _ := newTestPORouter(t)

	w := postVote(t, router, "aa01", 0)
	var receipt api.ReceiptResponse
	decodeBody(t, w, &receipt)
	oldRoot := receipt.Root

	postVote(t, router, "bb02", 1)
	rw := get(t, router, "/polls/"+testPollID+"/roots/latest")
	var latest api.RootResponse
	decodeBody(t, rw, &latest)
	if latest.TreeSize != 2 || latest.Root == oldRoot {
		t.Fatalf("最新ルート = %+v, 新しいルートになっていない", latest)
	}

	verify := func(root api.RootResponse) api.VerifyProofResponse {
		body, _ := json.Marshal(api.VerifyProofRequest{
			MerkleLeaf:  receipt.MerkleLeaf,
			MerkleProof: receipt.MerkleProof,
			Root:        root.Root,
		})
		req := httptest.NewRequest(http.MethodPost, "/polls/"+testPollID+"/verify", bytes.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("verify status = %d, want 200", w.Code)
		}
		var resp api.VerifyProofResponse
		decodeBody(t, w, &resp)
		return resp
	}

	if got := verify(api.RootResponse{Root: oldRoot}); !got.Valid || !got.KnownRoot {
		t.Errorf("古い証明を古いルートで検証: %+v, want valid and known", got)
	}
	if got := verify(latest); got.Valid {
		t.Error("古い証明が新しいルートで検証できてしまった")
	}

	// 新しいサイズで取り直した証明は新しいルートで成り立つ
	pw := get(t, router, "/polls/"+testPollID+"/proof/aa01?tree_size=2")
	if pw.Code != http.StatusOK {
		t.Fatalf("proof status = %d, want 200", pw.Code)
	}
	var fresh api.ReceiptResponse
	decodeBody(t, pw, &fresh)
	if fresh.Root != latest.Root || fresh.TreeSize != 2 {
		t.Errorf("取り直した証明 = %+v", fresh)
	}
}

func TestProof_Errors(t *testing.T) {
	router, _ := newTestPORouter(t)
	postVote(t, router, "aa01", 0)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"未記録のタグ", "/polls/" + testPollID + "/proof/ffff", http.StatusNotFound, model.ErrCodeVoteNotFound},
		{"数値でないサイズ", "/polls/" + testPollID + "/proof/aa01?tree_size=x", http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"範囲外のサイズ", "/polls/" + testPollID + "/proof/aa01?tree_size=5", http.StatusBadRequest, model.ErrCodeInvalidRange},
		{"存在しないルート", "/polls/" + testPollID + "/roots/7", http.StatusNotFound, model.ErrCodeRootNotFound},
		{"サイズ0のルート", "/polls/" + testPollID + "/roots/0", http.StatusNotFound, model.ErrCodeRootNotFound},
		{"不正な一貫性範囲", "/polls/" + testPollID + "/consistency?first=2&second=1", http.StatusBadRequest, model.ErrCodeInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, router, tt.path)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeErrorBody(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestConsistency(t *testing.T) {
	router, _ := newTestPORouter(t)
	for i, tag := range []string{"aa01", "bb02", "cc03"} {
		postVote(t, router, tag, i)
	}

	w := get(t, router, "/polls/"+testPollID+"/consistency?first=1&second=3")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp api.ConsistencyResponse
	decodeBody(t, w, &resp)
	if resp.Proof.FirstSize != 1 || resp.Proof.SecondSize != 3 {
		t.Errorf("proof = %+v", resp.Proof)
	}
	if resp.PollID != testPollID {
		t.Errorf("poll_id = %q", resp.PollID)
	}
}

func TestRootAt(t *testing.T) {
	router, ledger := newTestPORouter(t)
	postVote(t, router, "aa01", 0)
	postVote(t, router, "bb02", 0)

	w := get(t, router, "/polls/"+testPollID+"/roots/1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp api.RootResponse
	decodeBody(t, w, &resp)
	if resp.TreeSize != 1 || resp.Root != ledger.roots[1] {
		t.Errorf("root = %+v", resp)
	}
	if _, err := hex.DecodeString(resp.Signature); err != nil || resp.Signature == "" {
		t.Errorf("signature = %q, want hex", resp.Signature)
	}
}

// --- 集計・監査・公開鍵 ---

func TestAudit(t *testing.T) {
	router, _ := newTestPORouter(t)
	postVote(t, router, "aa01", 3)

	w := get(t, router, "/polls/"+testPollID+"/audit")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp api.AuditResponse
	decodeBody(t, w, &resp)
	if !resp.OK || resp.LeafCount != 1 || resp.Faults == nil || len(resp.Faults) != 0 {
		t.Errorf("audit = %+v", resp)
	}
}

func TestAudit_ReportsFaults(t *testing.T) {
	tallies := &stubTally{report: &tally.Report{PollID: testPollID, LeafCount: 2, VoteRows: 1, Faults: []string{"leaf_count != vote rows"}}}
	h := NewBallotHandler(newFakeLedger(testPollID, 4), tallies)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/polls/"+testPollID+"/audit", nil), "poll_id", testPollID)
	w := httptest.NewRecorder()
	h.Audit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp api.AuditResponse
	decodeBody(t, w, &resp)
	if resp.OK || len(resp.Faults) != 1 {
		t.Errorf("audit = %+v, want one fault", resp)
	}
}

func TestTally_InternalError(t *testing.T) {
	h := NewBallotHandler(newFakeLedger(testPollID, 4), &stubTally{err: errBoom})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/polls/"+testPollID+"/tally", nil), "poll_id", testPollID)
	w := httptest.NewRecorder()
	h.Tally(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeInternal || !body.Retryable {
		t.Errorf("body = %+v, want retryable INTERNAL_ERROR", body)
	}
	if strings.Contains(body.Message, "boom") {
		t.Error("内部エラーの詳細がレスポンスに含まれている")
	}
}

func TestPOPublicKey(t *testing.T) {
	router, ledger := newTestPORouter(t)

	w := get(t, router, "/public-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp api.PublicKeyResponse
	decodeBody(t, w, &resp)
	if resp.PublicKey != hex.EncodeToString(ledger.TreeHeadPublicKey()) {
		t.Errorf("public_key = %q", resp.PublicKey)
	}
}

// stubTally は固定の結果を返すTallyServiceInterface。
type stubTally struct {
	report *tally.Report
	err    error
}

func (s *stubTally) Tally(ctx context.Context, pollID string) (*model.Tally, error) {
	return nil, s.err
}

func (s *stubTally) Audit(ctx context.Context, pollID string) (*tally.Report, error) {
	return s.report, s.err
}

var _ BallotServiceInterface = (*ballot.Service)(nil)
var _ TallyServiceInterface = (*tally.Service)(nil)
