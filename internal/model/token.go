package model

import "time"

// TokenRecord はIAが保持する発行記録。平文トークンは保持しない。
type TokenRecord struct {
	ID           int64
	UserStableID string
	PollID       string
	TokenHash    []byte // SHA-256(T)
	Tag          string
	Tier         Tier
	Scope        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	IsRevoked    bool
}

// TokenStatus はPOが読み取り専用ビュー経由で参照できる発行記録の射影。
// 本人情報は含まない。
type TokenStatus struct {
	TokenHash []byte
	PollID    string
	Tag       string
	Tier      Tier
	ExpiresAt time.Time
	IsRevoked bool
}

// IssuedToken は発行時に1度だけ利用者に返す値。
type IssuedToken struct {
	Token     string
	Tag       string
	Tier      Tier
	ExpiresAt time.Time
}

// PollSalt はタグ導出用の投票ごとのソルト。暗号化して保存する。
type PollSalt struct {
	PollID      string
	SealedSalt  []byte
	CreatedAt   time.Time
	DestroyedAt *time.Time
}
