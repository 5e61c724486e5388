package model

import (
	"time"

	"github.com/hitoshi/ballotbox/internal/merkle"
)

// Vote は台帳に記録された1票。本人情報は含まない。
type Vote struct {
	PollID       string
	LeafIndex    uint64
	Tag          string
	Choice       int
	VotedAt      time.Time
	MerkleLeaf   merkle.Hash
	MerkleProof  merkle.InclusionProof // 追記時点のツリーに対する証明
	RootAtInsert merkle.Hash
}

// TreeState は投票ごとのMerkleツリーの現在状態。
type TreeState struct {
	PollID    string
	Root      merkle.Hash
	LeafCount uint64
	Frontier  merkle.Frontier
	UpdatedAt time.Time
}

// RootSnapshot は追記ごとに記録される署名付きルート。
type RootSnapshot struct {
	PollID    string
	TreeSize  uint64
	Root      merkle.Hash
	Signature []byte
	CreatedAt time.Time
}

// Receipt は投票者に返す受領証。
type Receipt struct {
	MerkleLeaf  merkle.Hash
	MerkleProof merkle.InclusionProof
	Root        merkle.Hash
	LeafIndex   uint64
	TreeSize    uint64
}

// Tally は集計結果。
type Tally struct {
	PollID             string
	TotalVotes         int64
	PerOptionCounts    []int64
	PerTierCounts      map[Tier]int64
	EligiblePopulation int64
	ParticipationRate  float64
	Root               merkle.Hash
	TreeSize           uint64
}

// ParticipationRate は投票率を計算する。母数が不明(0)なら0を返す。
func ParticipationRate(total, eligible int64) float64 {
	if eligible <= 0 {
		return 0
	}
	return float64(total) / float64(eligible)
}
