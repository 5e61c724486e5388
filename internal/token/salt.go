package token

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// SaltSealer は投票ソルトをageで暗号化して保存するための変換を行う。
// データベースだけが漏えいしてもタグと stable_id を対応付けられないようにする。
type SaltSealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSaltSealer はage X25519秘密鍵文字列（AGE-SECRET-KEY-1...）からSaltSealerを生成する。
func NewSaltSealer(identity string) (*SaltSealer, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to parse salt identity: %w", err)
	}
	return &SaltSealer{identity: id, recipient: id.Recipient()}, nil
}

// Seal はソルトを暗号化する。
func (s *SaltSealer) Seal(salt []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to create age encryptor: %w", err)
	}
	if _, err := w.Write(salt); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize salt encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open は暗号化されたソルトを復号する。
func (s *SaltSealer) Open(sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt salt: %w", err)
	}
	salt, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted salt: %w", err)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("decrypted salt has %d bytes, want %d", len(salt), SaltSize)
	}
	return salt, nil
}
