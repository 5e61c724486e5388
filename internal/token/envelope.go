// Package token は投票用匿名トークンの形式と、IA側の発行・失効・封印を提供する。
//
// トークンは「CBORペイロード ∥ Ed25519署名」をbase64urlにしたもので、
// POは投票に保存された IA 公開鍵だけで真正性を確認できる。
// IAが保存するのは SHA-256(トークン) のみで、平文は保存しない。
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/ballotbox/internal/signing"
)

const nonceSize = 32

// ErrMalformed はトークンのエンコードや署名が不正な場合に返される。
var ErrMalformed = errors.New("malformed token")

// Claims はトークンに含める内容。本人情報は含めない。
type Claims struct {
	PollID    string `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"`
	Tag       string `cbor:"3,keyasint"`
	Tier      string `cbor:"4,keyasint"`
	IssuedAt  int64  `cbor:"5,keyasint"`
	ExpiresAt int64  `cbor:"6,keyasint"`
}

// Expired はnowの時点で期限切れか判定する。
func (c *Claims) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// NewNonce はトークンごとの乱数を生成する。
func NewNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Mint はClaimsに署名し、送信用の文字列を返す。
func Mint(key ed25519.PrivateKey, claims *Claims) (string, error) {
	sealed, err := signing.Seal(key, claims)
	if err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Parse はトークン文字列の署名を検証してClaimsを返す。
// 期限と失効の判定は呼び出し側で行う。
func Parse(pub ed25519.PublicKey, tok string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var claims Claims
	if err := signing.Open(pub, raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.PollID == "" || len(claims.Nonce) != nonceSize || claims.Tag == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	return &claims, nil
}

// Hash はIAに保存する token_hash を計算する。
func Hash(tok string) []byte {
	sum := sha256.Sum256([]byte(tok))
	return sum[:]
}
