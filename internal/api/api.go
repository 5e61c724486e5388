// Package api はIAとPOのHTTP APIで送受信するJSONの形を定義する。
// ハンドラーとクライアント（ワーカー、監査CLI）の両方から使う。
package api

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
)

// ErrorBody はAPIエラーレスポンスの統一フォーマット。
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// ErrorBodyFrom はAPIErrorからレスポンスボディを生成する。
func ErrorBodyFrom(apiErr *model.APIError) ErrorBody {
	return ErrorBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Retryable: apiErr.Retryable,
	}
}

// HealthResponse はヘルスチェックの応答。
type HealthResponse struct {
	Status string `json:"status"`
}

// --- IA ---

// ChallengeRequest はチャレンジ発行のリクエスト。
type ChallengeRequest struct {
	StableID string `json:"stable_id"`
}

// ChallengeResponse はチャレンジ発行の応答。
type ChallengeResponse struct {
	SessionID string    `json:"session_id"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyRequest はアサーション検証のリクエスト。バイト列はbase64url。
type VerifyRequest struct {
	SessionID         string `json:"session_id"`
	CredentialID      string `json:"credential_id"`
	AuthenticatorData string `json:"authenticator_data"`
	ClientDataJSON    string `json:"client_data_json"`
	Signature         string `json:"signature"`
}

// VerifyResponse はアサーション検証の応答。
type VerifyResponse struct {
	StableID           string     `json:"stable_id"`
	Tier               model.Tier `json:"tier"`
	Assertion          string     `json:"assertion"`
	AssertionExpiresAt time.Time  `json:"assertion_expires_at"`
}

// IssueRequest はトークン発行のリクエスト。Tierは省略時に本人の認証レベルを使う。
type IssueRequest struct {
	StableID string     `json:"stable_id"`
	PollID   string     `json:"poll_id"`
	Tier     model.Tier `json:"tier,omitempty"`
}

// IssueResponse はトークン発行の応答。トークンはこの応答でのみ返す。
type IssueResponse struct {
	Token     string     `json:"token"`
	Tag       string     `json:"tag"`
	Tier      model.Tier `json:"tier"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// RevokeRequest はトークン失効のリクエスト。
type RevokeRequest struct {
	StableID string `json:"stable_id"`
	PollID   string `json:"poll_id"`
}

// PublicKeyResponse はIAのトークン署名鍵。
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// ActiveIdentitiesResponse は有効な本人情報の数。
type ActiveIdentitiesResponse struct {
	ActiveIdentities int64 `json:"active_identities"`
}

// CreateIdentityRequest は本人情報登録のリクエスト。
type CreateIdentityRequest struct {
	StableID string     `json:"stable_id"`
	Tier     model.Tier `json:"tier"`
}

// UpdateTierRequest は認証レベル変更のリクエスト。
type UpdateTierRequest struct {
	Tier model.Tier `json:"tier"`
}

// IdentityResponse は本人情報。
type IdentityResponse struct {
	StableID  string     `json:"stable_id"`
	Tier      model.Tier `json:"tier"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

// IdentityFrom はUserから応答を生成する。
func IdentityFrom(u *model.User) IdentityResponse {
	return IdentityResponse{
		StableID:  u.StableID,
		Tier:      u.VerificationTier,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

// RegisterCredentialRequest は認証器登録のリクエスト。PublicKeyはCOSE_Keyのbase64url。
type RegisterCredentialRequest struct {
	CredentialID string `json:"credential_id"`
	PublicKey    string `json:"public_key"`
}

// CredentialResponse は登録した認証器。
type CredentialResponse struct {
	CredentialID string    `json:"credential_id"`
	StableID     string    `json:"stable_id"`
	SignCount    uint32    `json:"sign_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// SealResponse は投票封印の結果。
type SealResponse struct {
	PollID      string `json:"poll_id"`
	ClearedTags int64  `json:"cleared_tags"`
}

// --- PO ---

// CreatePollRequest は投票作成のリクエスト。
// IAPublicKeyを省略した場合はIAから取得する。
type CreatePollRequest struct {
	PollID      string    `json:"poll_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Options     []string  `json:"options"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	IAPublicKey string    `json:"ia_public_key,omitempty"`
	// MinTier を省略した場合は T0
	MinTier model.Tier `json:"min_tier,omitempty"`
}

// PollResponse は公開される投票情報。
type PollResponse struct {
	PollID             string           `json:"poll_id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Options            []string         `json:"options"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            time.Time        `json:"end_time"`
	Status             model.PollStatus `json:"status"`
	IAPublicKey        string           `json:"ia_public_key"`
	MinTier            model.Tier       `json:"min_tier"`
	TotalVotes         int64            `json:"total_votes"`
	EligiblePopulation int64            `json:"eligible_population"`
	ParticipationRate  float64          `json:"participation_rate"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// PollFrom はPollから応答を生成する。
func PollFrom(p *model.Poll) PollResponse {
	return PollResponse{
		PollID:             p.PollID,
		Title:              p.Title,
		Description:        p.Description,
		Options:            p.Options,
		StartTime:          p.StartTime,
		EndTime:            p.EndTime,
		Status:             p.Status,
		IAPublicKey:        hex.EncodeToString(p.IAPublicKey),
		MinTier:            p.MinTier,
		TotalVotes:         p.TotalVotes,
		EligiblePopulation: p.EligiblePopulation,
		ParticipationRate:  p.ParticipationRate,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

// Model は応答をPollに戻す。
func (r PollResponse) Model() (*model.Poll, error) {
	key, err := hex.DecodeString(r.IAPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ia_public_key: %w", err)
	}
	return &model.Poll{
		PollID:             r.PollID,
		Title:              r.Title,
		Description:        r.Description,
		Options:            r.Options,
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		Status:             r.Status,
		IAPublicKey:        key,
		MinTier:            r.MinTier,
		TotalVotes:         r.TotalVotes,
		EligiblePopulation: r.EligiblePopulation,
		ParticipationRate:  r.ParticipationRate,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

// VoteRequest は投票のリクエスト。Choiceの欠落を区別するためポインタにする。
type VoteRequest struct {
	Token  string `json:"token"`
	Tag    string `json:"tag"`
	Choice *int   `json:"choice"`
}

// ReceiptResponse は受領証と包含証明。
type ReceiptResponse struct {
	MerkleLeaf  merkle.Hash           `json:"merkle_leaf"`
	MerkleProof merkle.InclusionProof `json:"merkle_proof"`
	Root        merkle.Hash           `json:"root"`
	LeafIndex   uint64                `json:"leaf_index"`
	TreeSize    uint64                `json:"tree_size"`
}

// ReceiptFrom はReceiptから応答を生成する。
func ReceiptFrom(r *model.Receipt) ReceiptResponse {
	return ReceiptResponse{
		MerkleLeaf:  r.MerkleLeaf,
		MerkleProof: r.MerkleProof,
		Root:        r.Root,
		LeafIndex:   r.LeafIndex,
		TreeSize:    r.TreeSize,
	}
}

// TallyResponse は集計結果。
type TallyResponse struct {
	PollID             string               `json:"poll_id"`
	TotalVotes         int64                `json:"total_votes"`
	PerOptionCounts    []int64              `json:"per_option_counts"`
	PerTierCounts      map[model.Tier]int64 `json:"per_tier_counts"`
	EligiblePopulation int64                `json:"eligible_population"`
	ParticipationRate  float64              `json:"participation_rate"`
	Root               merkle.Hash          `json:"root"`
	TreeSize           uint64               `json:"tree_size"`
}

// TallyFrom はTallyから応答を生成する。
func TallyFrom(t *model.Tally) TallyResponse {
	return TallyResponse{
		PollID:             t.PollID,
		TotalVotes:         t.TotalVotes,
		PerOptionCounts:    t.PerOptionCounts,
		PerTierCounts:      t.PerTierCounts,
		EligiblePopulation: t.EligiblePopulation,
		ParticipationRate:  t.ParticipationRate,
		Root:               t.Root,
		TreeSize:           t.TreeSize,
	}
}

// RootResponse はPOが署名したルート。
type RootResponse struct {
	PollID    string      `json:"poll_id"`
	TreeSize  uint64      `json:"tree_size"`
	Root      merkle.Hash `json:"root"`
	Signature string      `json:"signature"`
	CreatedAt time.Time   `json:"created_at"`
}

// RootFrom はRootSnapshotから応答を生成する。
func RootFrom(s *model.RootSnapshot) RootResponse {
	return RootResponse{
		PollID:    s.PollID,
		TreeSize:  s.TreeSize,
		Root:      s.Root,
		Signature: hex.EncodeToString(s.Signature),
		CreatedAt: s.CreatedAt,
	}
}

// Model は応答をRootSnapshotに戻す。
func (r RootResponse) Model() (*model.RootSnapshot, error) {
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	return &model.RootSnapshot{
		PollID:    r.PollID,
		TreeSize:  r.TreeSize,
		Root:      r.Root,
		Signature: sig,
		CreatedAt: r.CreatedAt,
	}, nil
}

// ConsistencyResponse は2つのサイズ間の一貫性証明。
type ConsistencyResponse struct {
	PollID     string                  `json:"poll_id"`
	Proof      merkle.ConsistencyProof `json:"proof"`
	FirstRoot  merkle.Hash             `json:"first_root"`
	SecondRoot merkle.Hash             `json:"second_root"`
}

// Leaf は公開される1票分の葉。
type Leaf struct {
	LeafIndex  uint64      `json:"leaf_index"`
	Tag        string      `json:"tag"`
	Choice     int         `json:"choice"`
	VotedAt    time.Time   `json:"voted_at"`
	MerkleLeaf merkle.Hash `json:"merkle_leaf"`
}

// LeavesResponse は全ての葉。監査者はここから再計算する。
type LeavesResponse struct {
	PollID string `json:"poll_id"`
	Leaves []Leaf `json:"leaves"`
}

// LeavesFrom は票の一覧から応答を生成する。
func LeavesFrom(pollID string, votes []*model.Vote) LeavesResponse {
	leaves := make([]Leaf, 0, len(votes))
	for _, v := range votes {
		leaves = append(leaves, Leaf{
			LeafIndex:  v.LeafIndex,
			Tag:        v.Tag,
			Choice:     v.Choice,
			VotedAt:    v.VotedAt,
			MerkleLeaf: v.MerkleLeaf,
		})
	}
	return LeavesResponse{PollID: pollID, Leaves: leaves}
}

// VerifyProofRequest は受領証検証のリクエスト。
type VerifyProofRequest struct {
	MerkleLeaf  merkle.Hash           `json:"merkle_leaf"`
	MerkleProof merkle.InclusionProof `json:"merkle_proof"`
	Root        merkle.Hash           `json:"root"`
}

// VerifyProofResponse は受領証検証の結果。
type VerifyProofResponse struct {
	Valid     bool `json:"valid"`
	KnownRoot bool `json:"known_root"`
}

// AuditResponse は台帳監査の結果。
type AuditResponse struct {
	PollID          string      `json:"poll_id"`
	OK              bool        `json:"ok"`
	LeafCount       uint64      `json:"leaf_count"`
	VoteRows        int64       `json:"vote_rows"`
	TotalVotes      int64       `json:"total_votes"`
	CounterSum      int64       `json:"counter_sum"`
	PerOptionCounts []int64     `json:"per_option_counts"`
	StoredRoot      merkle.Hash `json:"stored_root"`
	RecomputedRoot  merkle.Hash `json:"recomputed_root"`
	Faults          []string    `json:"faults"`
}
