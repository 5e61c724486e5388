// Package assertion は本人確認済みであることをToken Issuerに伝える短命のJWTを扱う。
package assertion

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/ballotbox/internal/model"
)

const (
	issuerName = "ballotbox-ia"
	// Audience はToken Issuer向けアサーションのaud。
	Audience = "token-issuer"
)

// ErrInvalid はアサーションが検証できない場合に返される。
var ErrInvalid = errors.New("invalid identity assertion")

// Claims はアサーションの内容。sub が stable_id。
type Claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Issuer はアサーションの発行と検証を行う。
type Issuer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
	ttl time.Duration
	now func() time.Time
}

// NewIssuer はIssuerを生成する。
func NewIssuer(key ed25519.PrivateKey, ttl time.Duration) *Issuer {
	return &Issuer{
		key: key,
		pub: key.Public().(ed25519.PublicKey),
		ttl: ttl,
		now: time.Now,
	}
}

// Issue はstable_idとtierに対するアサーションを発行する。
func (i *Issuer) Issue(stableID string, tier model.Tier) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Tier: string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   stableID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign identity assertion: %w", err)
	}
	return signed, exp, nil
}

// Verify はアサーションを検証してClaimsを返す。
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			return i.pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Subject == "" || !model.Tier(claims.Tier).Valid() {
		return nil, fmt.Errorf("%w: missing subject or tier", ErrInvalid)
	}
	return claims, nil
}
