package signing

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// 封筒の検証エラー。
var (
	ErrEnvelopeTooShort = errors.New("envelope too short for signature")
	ErrBadSignature     = errors.New("invalid Ed25519 signature")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// 同じ値は常に同じバイト列になる決定的エンコード
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signing: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("signing: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal は決定的CBORでエンコードする。
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal はCBORをデコードする。
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Seal はvをCBORエンコードし、末尾にEd25519署名を付けたバイト列を返す。
func Seal(key ed25519.PrivateKey, v any) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope payload: %w", err)
	}
	sig := ed25519.Sign(key, payload)

	out := make([]byte, len(payload)+ed25519.SignatureSize)
	copy(out, payload)
	copy(out[len(payload):], sig)
	return out, nil
}

// Open は署名を検証し、ペイロードをvにデコードする。
func Open(pub ed25519.PublicKey, sealed []byte, v any) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	if len(sealed) <= ed25519.SignatureSize {
		return ErrEnvelopeTooShort
	}
	split := len(sealed) - ed25519.SignatureSize
	payload, sig := sealed[:split], sealed[split:]
	if !ed25519.Verify(pub, payload, sig) {
		return ErrBadSignature
	}
	if err := Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode envelope payload: %w", err)
	}
	return nil
}
