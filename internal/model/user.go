// Package model はドメインモデルを定義する。
package model

import "time"

// Tier は本人確認レベルを表す。T0 が最も弱く T3 が最も強い。
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// tierRank は比較用の順位。
var tierRank = map[Tier]int{TierT0: 0, TierT1: 1, TierT2: 2, TierT3: 3}

// Valid はTierが定義済みの値か判定する。
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtMost はtがotherより強くないかを判定する。
func (t Tier) AtMost(other Tier) bool {
	return tierRank[t] <= tierRank[other]
}

// User はIAが管理する本人情報を表す。stable_id はIAの外に出さない。
// 削除はせず、無効化のみ行う。
type User struct {
	StableID         string
	VerificationTier Tier
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Credential はWebAuthn認証器の公開鍵情報を表す。
type Credential struct {
	CredentialID string
	UserStableID string
	PublicKey    []byte // COSE_Key
	SignCount    uint32
	IsActive     bool
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}

// VerificationSession は1回限りのアサーション用チャレンジを表す。
type VerificationSession struct {
	SessionID    string
	UserStableID string
	Challenge    string // base64url
	CreatedAt    time.Time
	ExpiresAt    time.Time
	IsUsed       bool
}
