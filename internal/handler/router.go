package handler

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ballotbox/internal/metrics"
	"github.com/hitoshi/ballotbox/internal/middleware"
)

// CommonDeps はIAとPOのルーターで共通の依存関係。
type CommonDeps struct {
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	Gatherer          prometheus.Gatherer // nilの場合は/metricsを公開しない
	Health            HealthChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Authenticator     *middleware.Authenticator
	// TrustedProxies に含まれる接続元からのリクエストだけX-Real-IP等を採用する
	TrustedProxies []*net.IPNet
}

// IARouterDeps はNewIARouterに必要な依存関係をまとめた構造体。
type IARouterDeps struct {
	CommonDeps

	IdentityService IdentityServiceInterface
	TokenService    TokenServiceInterface
}

// PORouterDeps はNewPORouterに必要な依存関係をまとめた構造体。
type PORouterDeps struct {
	CommonDeps

	PollService   PollServiceInterface
	BallotService BallotServiceInterface
	TallyService  TallyServiceInterface
}

// useCommon はミドルウェアスタックを構成し、運用系のルートを登録する。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → TrustedRealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
func useCommon(r chi.Router, deps *CommonDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewTrustedRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(deps.RateLimiter.GeneralMiddleware())

	r.Get("/healthz", NewHealthHandler(deps.Health))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
}

// NewIARouter はIAの全エンドポイントを構成したchi.Routerを返す。
func NewIARouter(deps *IARouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, &deps.CommonDeps)

	identityHandler := NewIdentityHandler(deps.IdentityService)
	tokenHandler := NewTokenHandler(deps.TokenService)
	sensitive := deps.RateLimiter.SensitiveMiddleware()
	auth := deps.Authenticator

	// --- 認証不要のルート ---
	r.Get("/public-key", tokenHandler.PublicKey)
	r.Get("/stats/active-identities", identityHandler.ActiveIdentities)

	r.Route("/identity", func(r chi.Router) {
		r.With(sensitive).Post("/challenge", identityHandler.Challenge)
		r.With(sensitive).Post("/verify", identityHandler.Verify)
	})

	// --- アサーションが必要なルート ---
	r.Route("/token", func(r chi.Router) {
		r.With(sensitive, auth.RequireAssertion()).Post("/issue", tokenHandler.Issue)
		r.With(auth.RequireAssertionOrAdmin()).Post("/revoke", tokenHandler.Revoke)
	})

	// --- 管理者ルート ---
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin())

		r.Post("/identities", identityHandler.CreateIdentity)
		r.Route("/identities/{id}", func(r chi.Router) {
			r.Delete("/", identityHandler.Deactivate)
			r.Put("/tier", identityHandler.UpdateTier)
			r.Post("/credentials", identityHandler.RegisterCredential)
		})
		r.Post("/polls/{poll_id}/seal", tokenHandler.Seal)
	})

	return r
}

// NewPORouter はPOの全エンドポイントを構成したchi.Routerを返す。
//
// 葉の一覧と監査レポートは大きくなるためgzipで圧縮する。
func NewPORouter(deps *PORouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, &deps.CommonDeps)

	pollHandler := NewPollHandler(deps.PollService)
	ballotHandler := NewBallotHandler(deps.BallotService, deps.TallyService)
	sensitive := deps.RateLimiter.SensitiveMiddleware()
	admin := deps.Authenticator.RequireAdmin()

	r.Get("/public-key", ballotHandler.PublicKey)

	r.Route("/polls", func(r chi.Router) {
		r.Get("/", pollHandler.ListPolls)
		r.With(admin).Post("/", pollHandler.CreatePoll)

		r.Route("/{poll_id}", func(r chi.Router) {
			r.Get("/", pollHandler.GetPoll)
			r.With(admin).Post("/open", pollHandler.OpenPoll)
			r.With(admin).Post("/close", pollHandler.ClosePoll)

			// 投票（投票用レート制限を追加）
			r.With(sensitive).Post("/votes", ballotHandler.SubmitVote)

			// 台帳
			r.Get("/proof/{tag}", ballotHandler.Proof)
			r.Get("/roots/latest", ballotHandler.LatestRoot)
			r.Get("/roots/{tree_size}", ballotHandler.RootAt)
			r.Get("/consistency", ballotHandler.Consistency)
			r.Method(http.MethodGet, "/leaves", gzhttp.GzipHandler(http.HandlerFunc(ballotHandler.Leaves)))
			r.Post("/verify", ballotHandler.VerifyReceipt)

			// 集計
			r.Get("/tally", ballotHandler.Tally)
			r.Method(http.MethodGet, "/audit", gzhttp.GzipHandler(http.HandlerFunc(ballotHandler.Audit)))
		})
	})

	return r
}
