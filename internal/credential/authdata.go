package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04

	authDataMinLen = 37
)

var errMalformedAuthData = errors.New("malformed authenticator data")

// authenticatorData はWebAuthnの認証器データの先頭37バイト。
// 拡張データは検証に使わないため読み飛ばす。
type authenticatorData struct {
	RPIDHash  [32]byte
	Flags     byte
	SignCount uint32
}

func parseAuthenticatorData(raw []byte) (*authenticatorData, error) {
	if len(raw) < authDataMinLen {
		return nil, fmt.Errorf("%w: %d bytes", errMalformedAuthData, len(raw))
	}
	ad := &authenticatorData{
		Flags:     raw[32],
		SignCount: binary.BigEndian.Uint32(raw[33:37]),
	}
	copy(ad.RPIDHash[:], raw[:32])
	return ad, nil
}

func (ad *authenticatorData) userPresent() bool {
	return ad.Flags&flagUserPresent != 0
}

func (ad *authenticatorData) matchesRPID(rpID string) bool {
	want := sha256.Sum256([]byte(rpID))
	return subtle.ConstantTimeCompare(ad.RPIDHash[:], want[:]) == 1
}

// BuildAuthenticatorData は認証器データを組み立てる。テストとローカル認証器で使う。
func BuildAuthenticatorData(rpID string, signCount uint32, userVerified bool) []byte {
	out := make([]byte, authDataMinLen)
	h := sha256.Sum256([]byte(rpID))
	copy(out, h[:])
	out[32] = flagUserPresent
	if userVerified {
		out[32] |= flagUserVerified
	}
	binary.BigEndian.PutUint32(out[33:], signCount)
	return out
}

const clientDataTypeGet = "webauthn.get"

// clientData はclientDataJSONのうち検証に使う項目。
type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

func parseClientData(raw []byte) (*clientData, error) {
	var cd clientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("failed to decode client data: %w", err)
	}
	return &cd, nil
}

// BuildClientDataJSON はアサーション用のclientDataJSONを組み立てる。
func BuildClientDataJSON(challenge, origin string) []byte {
	b, _ := json.Marshal(clientData{Type: clientDataTypeGet, Challenge: challenge, Origin: origin})
	return b
}

// signedMessage は署名対象 authenticatorData ∥ SHA-256(clientDataJSON) を返す。
func signedMessage(authData, clientDataJSON []byte) []byte {
	h := sha256.Sum256(clientDataJSON)
	msg := make([]byte, 0, len(authData)+len(h))
	msg = append(msg, authData...)
	return append(msg, h[:]...)
}

// SignedMessage はクライアント側で署名対象を計算するための公開版。
func SignedMessage(authData, clientDataJSON []byte) []byte {
	return signedMessage(authData, clientDataJSON)
}
