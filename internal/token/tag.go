package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// SaltSize は投票ごとのソルト長。BLAKE3キー付きハッシュの鍵長と一致させる。
const SaltSize = 32

var tagDomain = []byte("ballotbox.tag\x00")

// NewSalt は投票ごとのソルトを生成する。
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate poll salt: %w", err)
	}
	return salt, nil
}

// DeriveTag は (ソルト, stable_id) から投票スコープのタグを導出する。
// 同じ組み合わせなら常に同じタグになり、ソルトを知らなければ stable_id に戻せない。
func DeriveTag(salt []byte, stableID string) (string, error) {
	if len(salt) != SaltSize {
		return "", fmt.Errorf("poll salt has %d bytes, want %d", len(salt), SaltSize)
	}
	hasher, err := blake3.NewKeyed(salt)
	if err != nil {
		return "", fmt.Errorf("failed to initialize tag hasher: %w", err)
	}
	hasher.Write(tagDomain)
	hasher.Write([]byte(stableID))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
