// Package merkle は追記専用のMerkleツリーを提供する。
//
// ツリーの形はRFC 6962のMerkle Tree Hashに従う。葉は0x00、内部ノードは0x01を
// 前置してSHA-256を取る。このパッケージはI/Oを持たず、永続化は NodeReader を
// 実装する側が担う。
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Size はハッシュのバイト長。
const Size = sha256.Size

// Hash はSHA-256ダイジェスト。JSONでは16進文字列として表現する。
type Hash [Size]byte

// String は16進表現を返す。
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText は16進文字列にエンコードする。
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText は16進文字列をデコードする。
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash は16進文字列からHashを復元する。
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes はバイト列からHashを復元する。
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// EmptyRoot は葉が0個のツリーのルート。
func EmptyRoot() Hash {
	return sha256.Sum256(nil)
}

// HashLeaf は葉データのドメイン分離ハッシュを返す。
func HashLeaf(data []byte) Hash {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	var out Hash
	h.Sum(out[:0])
	return out
}

// HashChildren は内部ノードのハッシュを返す。
func HashChildren(left, right Hash) Hash {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// CanonicalTime は葉に埋め込む時刻表現に正規化する。
// PostgreSQLのtimestamptzがマイクロ秒精度のため、それ以下は切り捨てる。
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// VoteLeaf は1票分の葉ハッシュを計算する。
// 各フィールドは長さ前置で連結するため、区切り文字による曖昧さは生じない。
func VoteLeaf(pollID, tag string, choice int, votedAt time.Time) Hash {
	ts := CanonicalTime(votedAt).Format(time.RFC3339Nano)

	buf := make([]byte, 0, 16+len(pollID)+len(tag)+len(ts))
	buf = appendField(buf, []byte(pollID))
	buf = appendField(buf, []byte(tag))
	buf = binary.BigEndian.AppendUint32(buf, uint32(choice))
	buf = appendField(buf, []byte(ts))
	return HashLeaf(buf)
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}
