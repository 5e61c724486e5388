package credential

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE (RFC 9053) の識別子。
const (
	coseKtyOKP = 1
	coseKtyEC2 = 2

	coseAlgES256 = -7
	coseAlgEdDSA = -8

	coseCrvP256    = 1
	coseCrvEd25519 = 6
)

// ErrUnsupportedKey はCOSE鍵の種類やアルゴリズムに対応していない場合に返される。
var ErrUnsupportedKey = errors.New("unsupported COSE key")

// coseKey はCOSE_Keyのうち検証に必要な項目。
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint,omitempty"`
	Crv int    `cbor:"-1,keyasint,omitempty"`
	X   []byte `cbor:"-2,keyasint,omitempty"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// PublicKey はアサーション署名を検証できる公開鍵。
type PublicKey interface {
	// Verify はmessageに対する署名を検証する。
	Verify(message, sig []byte) bool
	// Algorithm はCOSEアルゴリズム名を返す。
	Algorithm() string
}

type es256Key struct{ pub *ecdsa.PublicKey }

func (k es256Key) Verify(message, sig []byte) bool {
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(k.pub, digest[:], sig)
}

func (k es256Key) Algorithm() string { return "ES256" }

type eddsaKey struct{ pub ed25519.PublicKey }

func (k eddsaKey) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.pub, message, sig)
}

func (k eddsaKey) Algorithm() string { return "EdDSA" }

// ParsePublicKey はCOSE_Keyバイト列を解析する。ES256(P-256)とEdDSA(Ed25519)に対応する。
func ParsePublicKey(raw []byte) (PublicKey, error) {
	var key coseKey
	if err := cbor.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("failed to decode COSE key: %w", err)
	}

	switch key.Kty {
	case coseKtyEC2:
		if key.Alg != coseAlgES256 || key.Crv != coseCrvP256 {
			return nil, fmt.Errorf("%w: EC2 alg=%d crv=%d", ErrUnsupportedKey, key.Alg, key.Crv)
		}
		if len(key.X) != 32 || len(key.Y) != 32 {
			return nil, fmt.Errorf("%w: EC2 coordinates must be 32 bytes", ErrUnsupportedKey)
		}
		point := make([]byte, 0, 65)
		point = append(point, 0x04)
		point = append(point, key.X...)
		point = append(point, key.Y...)
		pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), point)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return es256Key{pub: pub}, nil

	case coseKtyOKP:
		if key.Alg != coseAlgEdDSA || key.Crv != coseCrvEd25519 {
			return nil, fmt.Errorf("%w: OKP alg=%d crv=%d", ErrUnsupportedKey, key.Alg, key.Crv)
		}
		if len(key.X) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: Ed25519 key must be %d bytes", ErrUnsupportedKey, ed25519.PublicKeySize)
		}
		return eddsaKey{pub: ed25519.PublicKey(key.X)}, nil

	default:
		return nil, fmt.Errorf("%w: kty=%d", ErrUnsupportedKey, key.Kty)
	}
}

// MarshalES256 はP-256公開鍵をCOSE_Keyにエンコードする。認証器登録で使う。
func MarshalES256(pub *ecdsa.PublicKey) ([]byte, error) {
	point, err := pub.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode P-256 key: %w", err)
	}
	if len(point) != 65 {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrUnsupportedKey)
	}
	return cbor.Marshal(coseKey{
		Kty: coseKtyEC2,
		Alg: coseAlgES256,
		Crv: coseCrvP256,
		X:   point[1:33],
		Y:   point[33:],
	})
}

// MarshalEd25519 はEd25519公開鍵をCOSE_Keyにエンコードする。
func MarshalEd25519(pub ed25519.PublicKey) ([]byte, error) {
	return cbor.Marshal(coseKey{
		Kty: coseKtyOKP,
		Alg: coseAlgEdDSA,
		Crv: coseCrvEd25519,
		X:   pub,
	})
}
