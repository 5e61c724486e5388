// Package signing は署名鍵の導出と、CBORペイロード＋Ed25519署名による封筒形式を提供する。
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// 鍵用途。同じシードから用途ごとに独立した鍵を導出する。
const (
	PurposeTokenSigning    = "ballotbox/ia/token-signing"
	PurposeAssertion       = "ballotbox/ia/identity-assertion"
	PurposeTreeHeadSigning = "ballotbox/po/tree-head-signing"
)

const minSeedBytes = 32

var hkdfSalt = []byte("ballotbox signing key v1")

// ErrSeedTooShort はシードが短すぎる場合に返される。
var ErrSeedTooShort = errors.New("signing seed must be at least 32 bytes")

// ParseSeed は16進エンコードされたシードをデコードする。
func ParseSeed(encoded string) ([]byte, error) {
	seed, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing seed: %w", err)
	}
	if len(seed) < minSeedBytes {
		return nil, ErrSeedTooShort
	}
	return seed, nil
}

// DeriveKey はシードと用途からEd25519秘密鍵をHKDF-SHA256で導出する。
func DeriveKey(seed []byte, purpose string) (ed25519.PrivateKey, error) {
	if len(seed) < minSeedBytes {
		return nil, ErrSeedTooShort
	}
	r := hkdf.New(sha256.New, seed, hkdfSalt, []byte(purpose))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("failed to derive key for %s: %w", purpose, err)
	}
	return ed25519.NewKeyFromSeed(keySeed), nil
}

// PublicKeyHex は公開鍵の16進表現を返す。
func PublicKeyHex(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Public().(ed25519.PublicKey))
}

// ParsePublicKey は16進表現からEd25519公開鍵を復元する。
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
