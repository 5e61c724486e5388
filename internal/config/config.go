// Package config は環境変数からの設定読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Role は起動するプロセスの役割。役割ごとに必須の環境変数が異なる。
type Role string

const (
	RoleIA      Role = "ia"
	RolePO      Role = "po"
	RoleWorker  Role = "worker"
	RoleMigrate Role = "migrate"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	Role Role

	// Database
	DatabaseURL string

	// Keys
	IASigningSeed     string // 16進、32バイト以上
	SaltAgeIdentity   string // AGE-SECRET-KEY-1...
	POSigningSeed     string // 16進、32バイト以上
	AdminToken        string
	AllowDraftIssuing bool

	// Peers
	POBaseURL string
	IABaseURL string

	// WebAuthn
	WebAuthnRPID   string
	WebAuthnOrigin string
	ChallengeTTL   time.Duration
	AssertionTTL   time.Duration

	// Rate Limit
	RateLimitPerMinute int
	// TrustedProxies はX-Forwarded-For等を信頼する接続元。空ならソケットのアドレスだけを使う。
	TrustedProxies []*net.IPNet

	// Server
	ServerPort     string
	MaxConnections int

	// CORS
	CORSAllowedOrigin string

	// Root feed
	RedisURL string

	// Worker
	LifecycleInterval time.Duration
	CleanupInterval   time.Duration

	// Logging
	LogLevel string
}

// requiredVars は役割ごとの必須環境変数。
var requiredVars = map[Role][]string{
	RoleIA: {
		"DATABASE_URL", "IA_SIGNING_SEED", "IA_SALT_AGE_IDENTITY", "ADMIN_TOKEN",
		"PO_BASE_URL", "WEBAUTHN_RP_ID", "WEBAUTHN_ORIGIN",
	},
	RolePO:      {"DATABASE_URL", "PO_SIGNING_SEED", "ADMIN_TOKEN", "IA_BASE_URL"},
	RoleWorker:  {"DATABASE_URL", "IA_BASE_URL"},
	RoleMigrate: {"DATABASE_URL"},
}

// LoadDotEnv はカレントディレクトリの .env を読み込む。ファイルがなければ何もしない。
// 既に設定されている環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からroleのConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load(role Role) (*Config, error) {
	required, ok := requiredVars[role]
	if !ok {
		return nil, fmt.Errorf("unknown role: %q", role)
	}

	var missing []string
	for _, key := range required {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg := &Config{
		Role:              role,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		IASigningSeed:     os.Getenv("IA_SIGNING_SEED"),
		SaltAgeIdentity:   os.Getenv("IA_SALT_AGE_IDENTITY"),
		POSigningSeed:     os.Getenv("PO_SIGNING_SEED"),
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		POBaseURL:         strings.TrimRight(os.Getenv("PO_BASE_URL"), "/"),
		IABaseURL:         strings.TrimRight(os.Getenv("IA_BASE_URL"), "/"),
		WebAuthnRPID:      os.Getenv("WEBAUTHN_RP_ID"),
		WebAuthnOrigin:    os.Getenv("WEBAUTHN_ORIGIN"),
		RedisURL:          os.Getenv("REDIS_URL"),
		AllowDraftIssuing: getEnvBool("ALLOW_DRAFT_ISSUANCE", false),
	}

	// Optional fields with defaults
	cfg.ChallengeTTL = getEnvDuration("CHALLENGE_TTL", 5*time.Minute)
	cfg.AssertionTTL = getEnvDuration("ASSERTION_TTL", 5*time.Minute)
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", DefaultPort(role))
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 1024)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LifecycleInterval = getEnvDuration("LIFECYCLE_INTERVAL", time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	proxies, err := ParseCIDRs(os.Getenv("TRUSTED_PROXY_CIDRS"))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXY_CIDRS: %w", err)
	}
	cfg.TrustedProxies = proxies

	return cfg, nil
}

// ParseCIDRs はカンマ区切りのCIDRを解析する。プレフィックス長のないアドレスは単一ホストとして扱う。
func ParseCIDRs(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", part)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// DefaultPort はIAとPOを同一ホストで起動できるよう役割ごとに既定ポートを分ける。
func DefaultPort(role Role) string {
	if role == RolePO {
		return "8082"
	}
	return "8081"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
