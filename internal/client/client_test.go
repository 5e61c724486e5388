package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("レスポンスのエンコードに失敗: %v", err)
	}
}

func TestIAClient_PublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/public-key" {
			t.Errorf("リクエスト = %s %s, want GET /public-key", r.Method, r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, api.PublicKeyResponse{PublicKey: hex.EncodeToString(pub)})
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewIAClient(NewClient(server.URL+"/", server.Client(), newTestLogger(&buf)))

	got, err := c.PublicKey(context.Background())
	if err != nil {
		t.Fatalf("PublicKey がエラーを返した: %v", err)
	}
	if !got.Equal(pub) {
		t.Errorf("公開鍵 = %x, want %x", got, pub)
	}
}

func TestIAClient_PublicKey_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, api.PublicKeyResponse{PublicKey: "zz"})
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewIAClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))

	if _, err := c.PublicKey(context.Background()); err == nil {
		t.Fatal("不正な公開鍵でエラーが返されなかった")
	}
}

func TestIAClient_ActiveIdentities(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats/active-identities" {
			t.Errorf("パス = %s, want /stats/active-identities", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, api.ActiveIdentitiesResponse{ActiveIdentities: 1200})
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewIAClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))

	n, err := c.ActiveIdentities(context.Background())
	if err != nil {
		t.Fatalf("ActiveIdentities がエラーを返した: %v", err)
	}
	if n != 1200 {
		t.Errorf("有権者数 = %d, want 1200", n)
	}
}

func TestIAClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusServiceUnavailable, api.ErrorBodyFrom(model.NewInternalError()))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewIAClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))

	_, err := c.ActiveIdentities(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("エラー = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", se.StatusCode)
	}
	if se.Body.Code != model.ErrCodeInternal || !se.Body.Retryable {
		t.Errorf("Body = %+v, want retryable INTERNAL_ERROR", se.Body)
	}
	if !bytes.Contains(buf.Bytes(), []byte("APIがエラーステータスを返しました")) {
		t.Error("エラーステータスがログに記録されていない")
	}
}

func TestPOClient_FetchPoll(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	poll := &model.Poll{
		PollID:      "budget-2026",
		Title:       "予算案",
		Options:     []string{"A", "B", "C", "D"},
		StartTime:   start,
		EndTime:     start.Add(24 * time.Hour),
		Status:      model.PollStatusActive,
		IAPublicKey: pub,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/polls/budget-2026" {
			t.Errorf("パス = %s, want /polls/budget-2026", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, api.PollFrom(poll))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewPOClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))

	got, err := c.FetchPoll(context.Background(), "budget-2026")
	if err != nil {
		t.Fatalf("FetchPoll がエラーを返した: %v", err)
	}
	if got.Status != model.PollStatusActive || len(got.Options) != 4 {
		t.Errorf("投票 = %+v", got)
	}
	if !ed25519.PublicKey(got.IAPublicKey).Equal(pub) {
		t.Error("IA公開鍵が一致しない")
	}
	if !got.EndTime.Equal(poll.EndTime) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, poll.EndTime)
	}
}

func TestPOClient_FetchPoll_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, api.ErrorBodyFrom(model.NewPollNotFoundError("missing")))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewPOClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))

	got, err := c.FetchPoll(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FetchPoll がエラーを返した: %v", err)
	}
	if got != nil {
		t.Errorf("投票 = %+v, want nil", got)
	}
}

func TestPOClient_ProofAndRoot(t *testing.T) {
	tree := merkle.NewMemoryTree()
	for i := range 3 {
		if _, err := tree.Append(merkle.HashLeaf([]byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}
	proof, err := merkle.Prove(tree, 1, 3)
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/polls/p1/proof/abcd":
			if got := r.URL.Query().Get("tree_size"); got != "3" {
				t.Errorf("tree_size = %q, want 3", got)
			}
			writeJSON(t, w, http.StatusOK, api.ReceiptResponse{
				MerkleLeaf:  merkle.HashLeaf([]byte{1}),
				MerkleProof: proof,
				Root:        tree.Root(),
				LeafIndex:   1,
				TreeSize:    3,
			})
		case "/polls/p1/roots/latest":
			writeJSON(t, w, http.StatusOK, api.RootResponse{PollID: "p1", TreeSize: 3, Root: tree.Root(), Signature: "00ff"})
		default:
			t.Errorf("想定外のパス: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewPOClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))
	ctx := context.Background()

	receipt, err := c.Proof(ctx, "p1", "abcd", 3)
	if err != nil {
		t.Fatalf("Proof がエラーを返した: %v", err)
	}
	if !merkle.Verify(receipt.MerkleLeaf, receipt.MerkleProof, receipt.Root) {
		t.Error("取得した包含証明が検証できない")
	}

	root, err := c.Root(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("Root がエラーを返した: %v", err)
	}
	snap, err := root.Model()
	if err != nil {
		t.Fatalf("Model がエラーを返した: %v", err)
	}
	if snap.Root != tree.Root() || !bytes.Equal(snap.Signature, []byte{0x00, 0xff}) {
		t.Errorf("ルート = %+v", snap)
	}
}

func TestPOClient_Consistency_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("first") != "2" || q.Get("second") != "5" {
			t.Errorf("クエリ = %v, want first=2 second=5", q)
		}
		writeJSON(t, w, http.StatusOK, api.ConsistencyResponse{
			PollID: "p1",
			Proof:  merkle.ConsistencyProof{FirstSize: 2, SecondSize: 5},
		})
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewPOClient(NewClient(server.URL, server.Client(), newTestLogger(&buf)))

	resp, err := c.Consistency(context.Background(), "p1", 2, 5)
	if err != nil {
		t.Fatalf("Consistency がエラーを返した: %v", err)
	}
	if resp.Proof.FirstSize != 2 || resp.Proof.SecondSize != 5 {
		t.Errorf("Proof = %+v", resp.Proof)
	}
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewPOClient(NewClient(url, &http.Client{Timeout: time.Second}, newTestLogger(&buf)))

	if _, err := c.Tally(context.Background(), "p1"); err == nil {
		t.Fatal("接続できないサーバーでエラーが返されなかった")
	}
	if !bytes.Contains(buf.Bytes(), []byte("APIの呼び出しに失敗しました")) {
		t.Error("呼び出し失敗がログに記録されていない")
	}
}
