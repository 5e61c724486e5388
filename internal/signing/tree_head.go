package signing

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// TreeHead は投票ごとのMerkleツリーのある時点のサイズとルート。
// 署名はペイロードから分離して保存する。
type TreeHead struct {
	PollID    string `cbor:"1,keyasint"`
	TreeSize  uint64 `cbor:"2,keyasint"`
	Root      []byte `cbor:"3,keyasint"`
	Timestamp int64  `cbor:"4,keyasint"` // Unixマイクロ秒
}

// NewTreeHead はTreeHeadを生成する。時刻はマイクロ秒に丸める。
func NewTreeHead(pollID string, size uint64, root []byte, at time.Time) TreeHead {
	return TreeHead{PollID: pollID, TreeSize: size, Root: root, Timestamp: at.UnixMicro()}
}

// Time はタイムスタンプをtime.Timeで返す。
func (h TreeHead) Time() time.Time {
	return time.UnixMicro(h.Timestamp).UTC()
}

// SignTreeHead はTreeHeadに対する分離署名を返す。
func SignTreeHead(key ed25519.PrivateKey, head TreeHead) ([]byte, error) {
	payload, err := Marshal(head)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree head: %w", err)
	}
	return ed25519.Sign(key, payload), nil
}

// VerifyTreeHead は分離署名を検証する。
func VerifyTreeHead(pub ed25519.PublicKey, head TreeHead, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	payload, err := Marshal(head)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}
