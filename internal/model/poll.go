package model

import "time"

// PollStatus は投票のライフサイクル状態を表す。
type PollStatus string

const (
	// PollStatusDraft は作成直後の状態。
	PollStatusDraft PollStatus = "draft"
	// PollStatusActive は投票受付中の状態。
	PollStatusActive PollStatus = "active"
	// PollStatusClosed は受付終了後の状態。
	PollStatusClosed PollStatus = "closed"
)

// CanTransitionTo は draft → active → closed の順方向遷移のみ許可する。
func (s PollStatus) CanTransitionTo(next PollStatus) bool {
	switch s {
	case PollStatusDraft:
		return next == PollStatusActive
	case PollStatusActive:
		return next == PollStatusClosed
	default:
		return false
	}
}

// Poll はPOが管理する投票を表す。
type Poll struct {
	PollID             string
	Title              string
	Description        string
	Options            []string
	StartTime          time.Time
	EndTime            time.Time
	Status             PollStatus
	IAPublicKey        []byte // Ed25519
	MinTier            Tier   // 発行と投票に必要な最低の認証レベル
	TotalVotes         int64
	EligiblePopulation int64
	ParticipationRate  float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AcceptsVotesAt は投票がtの時点で受付中か判定する。
func (p *Poll) AcceptsVotesAt(t time.Time) bool {
	return p.Status == PollStatusActive && !t.Before(p.StartTime) && t.Before(p.EndTime)
}

// AdmitsTier はtierの本人がこの投票に参加できるか判定する。MinTierが空なら制限しない。
func (p *Poll) AdmitsTier(tier Tier) bool {
	if p.MinTier == "" {
		return true
	}
	return tier.Valid() && p.MinTier.AtMost(tier)
}

// ValidChoice はchoiceが選択肢の範囲内か判定する。
func (p *Poll) ValidChoice(choice int) bool {
	return choice >= 0 && choice < len(p.Options)
}
