package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/ballotbox/internal/assertion"
	"github.com/hitoshi/ballotbox/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// Principal は認証済みの呼び出し元。
// 管理者トークンで認証された場合はAdminがtrueになり、Claimsはnil。
type Principal struct {
	Admin  bool
	Claims *assertion.Claims
}

// StableID はアサーションの本人を返す。管理者の場合は空文字列。
func (p *Principal) StableID() string {
	if p == nil || p.Claims == nil {
		return ""
	}
	return p.Claims.Subject
}

// AssertionVerifier はアサーションの検証に必要なインターフェース。
type AssertionVerifier interface {
	Verify(raw string) (*assertion.Claims, error)
}

// Authenticator はBearerトークンで呼び出し元を認証する。
type Authenticator struct {
	adminToken string
	verifier   AssertionVerifier
}

// NewAuthenticator はAuthenticatorを生成する。verifierがnilの場合はアサーション認証を受け付けない。
func NewAuthenticator(adminToken string, verifier AssertionVerifier) *Authenticator {
	return &Authenticator{adminToken: adminToken, verifier: verifier}
}

// RequireAdmin は管理者トークンのみを受け付けるミドルウェアを返す。
func (a *Authenticator) RequireAdmin() func(next http.Handler) http.Handler {
	return a.require(true, false)
}

// RequireAssertion はIAが発行したアサーションのみを受け付けるミドルウェアを返す。
func (a *Authenticator) RequireAssertion() func(next http.Handler) http.Handler {
	return a.require(false, true)
}

// RequireAssertionOrAdmin はアサーションと管理者トークンの両方を受け付けるミドルウェアを返す。
func (a *Authenticator) RequireAssertionOrAdmin() func(next http.Handler) http.Handler {
	return a.require(true, true)
}

func (a *Authenticator) require(allowAdmin, allowAssertion bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			if allowAdmin && a.isAdmin(token) {
				ctx := ContextWithPrincipal(r.Context(), &Principal{Admin: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if allowAssertion && a.verifier != nil {
				claims, err := a.verifier.Verify(token)
				if err == nil {
					ctx := ContextWithPrincipal(r.Context(), &Principal{Claims: claims})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				slog.Debug("assertion rejected", slog.String("error", err.Error()))
			}

			WriteAPIError(w, model.NewUnauthorizedError())
		})
	}
}

func (a *Authenticator) isAdmin(token string) bool {
	if a.adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1
}

// bearerToken はAuthorizationヘッダからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// PrincipalFromContext はリクエストコンテキストから認証主体を取得する。
// 認証ミドルウェアを通過していない場合はnilを返す。
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// ContextWithPrincipal はコンテキストに認証主体を注入する。
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
