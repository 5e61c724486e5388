// Command ballot-audit はPOの公開APIだけを使って投票台帳を検証する。
//
//	ballot-audit [flags] proof <poll_id> <tag>
//	ballot-audit [flags] roots <poll_id>
//	ballot-audit [flags] recompute <poll_id>
//	ballot-audit [flags] watch <poll_id>
//
// 結果はYAMLで標準出力に書き出す。不整合があれば終了コード1、
// 引数や通信のエラーは終了コード2で終了する。
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/ballotbox/internal/client"
	"github.com/hitoshi/ballotbox/internal/logger"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/rootfeed"
	"github.com/hitoshi/ballotbox/internal/signing"
	"github.com/hitoshi/ballotbox/internal/verify"
)

const (
	exitOK     = 0
	exitFault  = 1
	exitFailed = 2
)

// fileConfig は --config で指定するYAMLファイルの内容。フラグが優先される。
type fileConfig struct {
	POURL     string `yaml:"po_url"`
	PublicKey string `yaml:"public_key"`
	RedisURL  string `yaml:"redis_url"`
	Timeout   string `yaml:"timeout"`
}

// options は解析済みのフラグと設定ファイルの値。
type options struct {
	poURL     string
	publicKey string
	redisURL  string
	timeout   time.Duration
	treeSize  uint64
	first     uint64
	second    uint64
	logLevel  string
	args      []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "ballot-audit: %v\n", err)
		return exitFailed
	}
	log := logger.Setup(stderr, logger.ParseLevel(opts.logLevel))

	po := client.NewPOClient(client.NewClient(opts.poURL, &http.Client{Timeout: opts.timeout}, log))
	key, err := resolveKey(ctx, po, opts.publicKey, log)
	if err != nil {
		fmt.Fprintf(stderr, "ballot-audit: %v\n", err)
		return exitFailed
	}
	v := verify.New(po, key)
	enc := yaml.NewEncoder(stdout)
	defer enc.Close()

	cmd, pollID := opts.args[0], opts.args[1]
	var res *verify.Result
	switch cmd {
	case "proof":
		res, err = v.Inclusion(ctx, pollID, opts.args[2], opts.treeSize)
	case "roots":
		res, err = v.Consistency(ctx, pollID, opts.first, opts.second)
	case "recompute":
		res, err = v.Recompute(ctx, pollID)
	case "watch":
		err = watch(ctx, v, opts.redisURL, pollID, enc, log)
		if errors.Is(err, errFaultSeen) {
			return exitFault
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "ballot-audit: %s: %v\n", cmd, err)
		return exitFailed
	}
	if res == nil {
		return exitOK
	}
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(stderr, "ballot-audit: %v\n", err)
		return exitFailed
	}
	if !res.OK {
		return exitFault
	}
	return exitOK
}

// argCounts はサブコマンドごとの位置引数の数（サブコマンド自身を含む）。
var argCounts = map[string]int{
	"proof":     3,
	"roots":     2,
	"recompute": 2,
	"watch":     2,
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("ballot-audit", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.StringP("config", "c", "", "YAML設定ファイル")
	poURL := fs.String("po-url", "", "POのベースURL")
	publicKey := fs.String("public-key", "", "ルート署名鍵 (hex)。省略時はPOから取得する")
	redisURL := fs.String("redis-url", "", "watchで購読するRedisのURL")
	timeout := fs.Duration("timeout", 0, "HTTPタイムアウト")
	treeSize := fs.Uint64("tree-size", 0, "proof: 検証するツリーサイズ (0は最新)")
	first := fs.Uint64("first", 1, "roots: 古い方のツリーサイズ")
	second := fs.Uint64("second", 0, "roots: 新しい方のツリーサイズ (0は最新)")
	logLevel := fs.String("log-level", "warn", "ログレベル")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{
		timeout:  10 * time.Second,
		treeSize: *treeSize,
		first:    *first,
		second:   *second,
		logLevel: *logLevel,
		args:     fs.Args(),
	}

	if *configPath != "" {
		fc, err := loadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		opts.poURL = fc.POURL
		opts.publicKey = fc.PublicKey
		opts.redisURL = fc.RedisURL
		if fc.Timeout != "" {
			d, err := time.ParseDuration(fc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout in %s: %w", *configPath, err)
			}
			opts.timeout = d
		}
	}

	// フラグで明示された値は設定ファイルより優先する
	if fs.Changed("po-url") {
		opts.poURL = *poURL
	}
	if fs.Changed("public-key") {
		opts.publicKey = *publicKey
	}
	if fs.Changed("redis-url") {
		opts.redisURL = *redisURL
	}
	if fs.Changed("timeout") {
		opts.timeout = *timeout
	}

	if len(opts.args) == 0 {
		return nil, errors.New("subcommand is required (proof, roots, recompute, watch)")
	}
	want, ok := argCounts[opts.args[0]]
	if !ok {
		return nil, fmt.Errorf("unknown subcommand: %q", opts.args[0])
	}
	if len(opts.args) != want {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", opts.args[0], want-1, len(opts.args)-1)
	}
	if opts.poURL == "" {
		return nil, errors.New("--po-url or po_url in --config is required")
	}
	if opts.args[0] == "watch" && opts.redisURL == "" {
		return nil, errors.New("watch: --redis-url or redis_url in --config is required")
	}
	if opts.args[0] == "roots" && opts.second != 0 && opts.first > opts.second {
		return nil, fmt.Errorf("roots: --first %d is larger than --second %d", opts.first, opts.second)
	}
	return opts, nil
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &fc, nil
}

// resolveKey は指定されたルート署名鍵を返す。未指定の場合はPOから取得する。
func resolveKey(ctx context.Context, po *client.POClient, encoded string, log *slog.Logger) (ed25519.PublicKey, error) {
	if encoded == "" {
		fetched, err := po.TreeHeadKey(ctx)
		if err != nil {
			return nil, err
		}
		log.Warn("ルート署名鍵をPOから取得しました。独立した経路で確認してください",
			slog.String("public_key", fetched),
		)
		encoded = fetched
	}
	key, err := signing.ParsePublicKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return key, nil
}

var errFaultSeen = errors.New("fault detected")

// watch はRedisのルート通知を購読し、受け取ったルートが直前のルートを伸ばしたものか検証し続ける。
// ctxが終了すると戻る。不整合を1件でも検出していれば errFaultSeen を返す。
func watch(ctx context.Context, v *verify.Verifier, redisURL, pollID string, enc *yaml.Encoder, log *slog.Logger) error {
	feed, err := rootfeed.NewRedisPublisher(ctx, redisURL)
	if err != nil {
		return err
	}
	defer feed.Close()

	prev, err := feed.Latest(ctx, pollID)
	if err != nil {
		return err
	}
	snapshots := feed.Subscribe(ctx, pollID)
	log.Info("ルート通知の購読を開始しました",
		slog.String("channel", rootfeed.Channel(pollID)),
		slog.String("from_size", sizeOf(prev)),
	)

	faulted, err := follow(ctx, v, prev, snapshots, enc, log)
	if err != nil {
		return err
	}
	if faulted {
		return errFaultSeen
	}
	return nil
}

// follow は届いた順に通知を検証し、不整合を検出したかを返す。
// Pub/Subでは追記より後に通知が届くことがあるため、直前より小さいサイズの通知と
// 直前と同じルートの再通知は読み飛ばす。同じサイズで異なるルートは不整合として報告する。
func follow(ctx context.Context, v *verify.Verifier, prev *rootfeed.Announcement, snapshots <-chan *rootfeed.Announcement, enc *yaml.Encoder, log *slog.Logger) (bool, error) {
	faulted := false
	for a := range snapshots {
		if stale(prev, a) {
			log.Debug("古いルート通知を読み飛ばしました",
				slog.Uint64("tree_size", a.TreeSize),
				slog.String("latest_size", sizeOf(prev)))
			continue
		}
		newer, err := a.Snapshot()
		if err != nil {
			log.Warn("不正な通知を無視しました", slog.String("error", err.Error()))
			continue
		}
		var older *model.RootSnapshot
		if prev != nil {
			if older, err = prev.Snapshot(); err != nil {
				return faulted, err
			}
		}
		res, err := v.Extends(ctx, older, newer)
		if err != nil {
			return faulted, err
		}
		if err := enc.Encode(res); err != nil {
			return faulted, err
		}
		if !res.OK {
			faulted = true
		}
		prev = a
	}
	return faulted, nil
}

func stale(prev, a *rootfeed.Announcement) bool {
	if prev == nil {
		return false
	}
	return a.TreeSize < prev.TreeSize || (a.TreeSize == prev.TreeSize && a.Root == prev.Root)
}

func sizeOf(a *rootfeed.Announcement) string {
	if a == nil {
		return "none"
	}
	return strconv.FormatUint(a.TreeSize, 10)
}
