package app

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"

	"github.com/hitoshi/ballotbox/internal/assertion"
	"github.com/hitoshi/ballotbox/internal/audit"
	"github.com/hitoshi/ballotbox/internal/ballot"
	"github.com/hitoshi/ballotbox/internal/client"
	"github.com/hitoshi/ballotbox/internal/config"
	"github.com/hitoshi/ballotbox/internal/credential"
	"github.com/hitoshi/ballotbox/internal/database"
	"github.com/hitoshi/ballotbox/internal/handler"
	"github.com/hitoshi/ballotbox/internal/logger"
	"github.com/hitoshi/ballotbox/internal/metrics"
	"github.com/hitoshi/ballotbox/internal/middleware"
	"github.com/hitoshi/ballotbox/internal/poll"
	"github.com/hitoshi/ballotbox/internal/repository"
	"github.com/hitoshi/ballotbox/internal/rootfeed"
	"github.com/hitoshi/ballotbox/internal/security"
	"github.com/hitoshi/ballotbox/internal/signing"
	"github.com/hitoshi/ballotbox/internal/tally"
	"github.com/hitoshi/ballotbox/internal/token"
	"github.com/hitoshi/ballotbox/internal/worker"
	"github.com/hitoshi/ballotbox/internal/worker/cleanup"
	"github.com/hitoshi/ballotbox/internal/worker/lifecycle"
)

// peerTimeout はIAとPOの相互呼び出しのタイムアウト。
const peerTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からroleのConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, role config.Role) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(""); err != nil {
		return nil, err
	}
	cfg, err := config.Load(role)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定のログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}
	rest := args[1:]

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort(rest))
	}

	cfg, err := Init(w, cmd.Role())
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandIA:
		return runIA(cfg)
	case CommandPO:
		return runPO(cfg)
	case CommandWorker:
		return runWorker(cfg)
	default:
		sets, err := parseMigrationSets(rest)
		if err != nil {
			return err
		}
		return runMigrate(cfg, sets)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established", slog.String("role", string(cfg.Role)))
	return db, nil
}

// newMetrics はプロセス単位のレジストリとCollectorを生成する。
func newMetrics() (*metrics.Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), reg
}

// runIA はIdentity Authorityのサーバーを起動する。
func runIA(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. 鍵の導出
	seed, err := signing.ParseSeed(cfg.IASigningSeed)
	if err != nil {
		return fmt.Errorf("invalid IA_SIGNING_SEED: %w", err)
	}
	tokenKey, err := signing.DeriveKey(seed, signing.PurposeTokenSigning)
	if err != nil {
		return err
	}
	assertionKey, err := signing.DeriveKey(seed, signing.PurposeAssertion)
	if err != nil {
		return err
	}
	sealer, err := token.NewSaltSealer(cfg.SaltAgeIdentity)
	if err != nil {
		return fmt.Errorf("invalid IA_SALT_AGE_IDENTITY: %w", err)
	}

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)
	saltRepo := repository.NewPostgresSaltRepo(db)

	// 4. ドメインサービスの初期化
	collector, reg := newMetrics()
	auditLog := audit.NewLogger(slog.Default())
	assertions := assertion.NewIssuer(assertionKey, cfg.AssertionTTL)

	credentialService := credential.NewService(
		userRepo, credRepo, sessionRepo, assertions, collector, auditLog,
		credential.Config{
			RPID:         cfg.WebAuthnRPID,
			Origin:       cfg.WebAuthnOrigin,
			ChallengeTTL: cfg.ChallengeTTL,
		},
	)

	poClient := client.NewPOClient(client.NewClient(cfg.POBaseURL, &http.Client{Timeout: peerTimeout}, slog.Default()))
	issuer := token.NewIssuer(
		userRepo, tokenRepo, saltRepo, poClient, sealer, tokenKey, collector, auditLog,
		token.IssuerOptions{AllowDraft: cfg.AllowDraftIssuing},
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitPerMinute))
	defer rateLimiter.Stop()

	router := handler.NewIARouter(&handler.IARouterDeps{
		CommonDeps: handler.CommonDeps{
			Logger:            slog.Default(),
			Metrics:           collector,
			Gatherer:          reg,
			Health:            db,
			CORSAllowedOrigin: cfg.CORSAllowedOrigin,
			RateLimiter:       rateLimiter,
			TrustedProxies:    cfg.TrustedProxies,
			Authenticator:     middleware.NewAuthenticator(cfg.AdminToken, assertions),
		},
		IdentityService: credentialService,
		TokenService:    issuer,
	})

	slog.Info("identity authority configured",
		slog.String("token_public_key", signing.PublicKeyHex(tokenKey)),
		slog.String("po_base_url", cfg.POBaseURL),
	)

	// 6. HTTPサーバーの起動
	return serve(cfg, router)
}

// runPO はPoll Organizerのサーバーを起動する。
func runPO(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. 鍵の導出
	seed, err := signing.ParseSeed(cfg.POSigningSeed)
	if err != nil {
		return fmt.Errorf("invalid PO_SIGNING_SEED: %w", err)
	}
	treeHeadKey, err := signing.DeriveKey(seed, signing.PurposeTreeHeadSigning)
	if err != nil {
		return err
	}

	// 3. ルート通知先
	var feed rootfeed.Publisher = rootfeed.Nop{}
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisFeed, err := rootfeed.NewRedisPublisher(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer redisFeed.Close()
		feed = redisFeed
		slog.Info("root feed enabled")
	}

	// 4. リポジトリとサービスの初期化
	pollRepo := repository.NewPostgresPollRepo(db)
	ledgerRepo := repository.NewPostgresLedgerRepo(db)
	statusRepo := repository.NewPostgresTokenStatusRepo(db)

	collector, reg := newMetrics()
	auditLog := audit.NewLogger(slog.Default())

	iaClient := client.NewIAClient(client.NewClient(cfg.IABaseURL, &http.Client{Timeout: peerTimeout}, slog.Default()))
	pollService := poll.NewService(pollRepo, security.NewTextSanitizer(), iaClient, auditLog)
	ballotService := ballot.NewService(pollRepo, statusRepo, ledgerRepo, treeHeadKey, feed, collector, auditLog)
	tallyService := tally.NewService(ledgerRepo, treeHeadKey.Public().(ed25519.PublicKey), collector, auditLog)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitPerMinute))
	defer rateLimiter.Stop()

	router := handler.NewPORouter(&handler.PORouterDeps{
		CommonDeps: handler.CommonDeps{
			Logger:            slog.Default(),
			Metrics:           collector,
			Gatherer:          reg,
			Health:            db,
			CORSAllowedOrigin: cfg.CORSAllowedOrigin,
			RateLimiter:       rateLimiter,
			TrustedProxies:    cfg.TrustedProxies,
			Authenticator:     middleware.NewAuthenticator(cfg.AdminToken, nil),
		},
		PollService:   pollService,
		BallotService: ballotService,
		TallyService:  tallyService,
	})

	slog.Info("poll organizer configured",
		slog.String("tree_head_public_key", signing.PublicKeyHex(treeHeadKey)),
		slog.String("ia_base_url", cfg.IABaseURL),
	)

	// 6. HTTPサーバーの起動
	return serve(cfg, router)
}

// serve はHTTPサーバーを起動し、SIGINTまたはSIGTERMでグレースフルシャットダウンする。
// 同時接続数はcfg.MaxConnectionsで制限する。
func serve(cfg *config.Config, h http.Handler) error {
	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)

	server := &http.Server{
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", ln.Addr().String()),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		serveErr <- server.Serve(ln)
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 投票の自動開閉と有権者数の更新、期限切れセッションの削除を定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. ジョブの初期化
	pollRepo := repository.NewPostgresPollRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	auditLog := audit.NewLogger(slog.Default())

	iaClient := client.NewIAClient(client.NewClient(cfg.IABaseURL, &http.Client{Timeout: peerTimeout}, slog.Default()))
	pollService := poll.NewService(pollRepo, security.NewTextSanitizer(), iaClient, auditLog)

	lifecycleJob := lifecycle.NewJob(pollService, iaClient, slog.Default())
	cleanupJob := cleanup.NewCleanupJob(sessionRepo, slog.Default())

	scheduler := worker.NewScheduler(slog.Default(), 2,
		worker.Entry{Job: lifecycleJob, Interval: cfg.LifecycleInterval},
		worker.Entry{Job: cleanupJob, Interval: cfg.CleanupInterval},
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("lifecycle_interval", cfg.LifecycleInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 指定された系統の未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, sets []database.MigrationSet) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Any("sets", sets),
	)

	if err := database.RunMigrations(cfg.DatabaseURL, sets...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// healthcheckPort はSERVER_PORT、なければ引数の役割の既定ポートを返す。
func healthcheckPort(args []string) string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	role := config.RoleIA
	if len(args) > 0 && args[0] == string(CommandPO) {
		role = config.RolePO
	}
	return config.DefaultPort(role)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	httpClient := &http.Client{Timeout: 5 * time.Second}

	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
