// Package rootfeed は追記ごとの署名付きルートを外部の監査者へ通知する。
//
// Redisが設定されている場合は Pub/Sub チャネル po:roots:{poll_id} に配信し、
// 最新のルートをハッシュ po:roots:{poll_id}:latest に保持する。
// 複数のPOプロセスから前後して通知されても、保持するルートの tree_size は減らない。
// 通知は台帳のコミット後に行い、失敗しても票の受付は取り消さない。
package rootfeed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
)

const channelPrefix = "po:roots:"

// Announcement は通知する署名付きルート。
type Announcement struct {
	PollID    string      `json:"poll_id"`
	TreeSize  uint64      `json:"tree_size"`
	Root      merkle.Hash `json:"root"`
	Signature string      `json:"signature"` // hex
	Timestamp time.Time   `json:"timestamp"`
}

// Snapshot は通知を署名付きルートに戻す。
func (a *Announcement) Snapshot() (*model.RootSnapshot, error) {
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	return &model.RootSnapshot{
		PollID:    a.PollID,
		TreeSize:  a.TreeSize,
		Root:      a.Root,
		Signature: sig,
		CreatedAt: a.Timestamp,
	}, nil
}

// Publisher はルートの通知先。
type Publisher interface {
	Publish(ctx context.Context, a *Announcement) error
}

// Nop は何もしないPublisher。Redis未設定時に使う。
type Nop struct{}

// Publish は何もしない。
func (Nop) Publish(context.Context, *Announcement) error { return nil }

// Channel は投票ごとの配信チャネル名を返す。
func Channel(pollID string) string {
	return channelPrefix + pollID
}

func latestKey(pollID string) string {
	return channelPrefix + pollID + ":latest"
}

// RedisPublisher はRedis Pub/Subへ配信するPublisher。
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher はredis:// 形式のURLから接続し、疎通を確認する。
func NewRedisPublisher(ctx context.Context, redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

// publishScript は保存済みより大きい tree_size のときだけ最新ルートを置き換え、
// 通知はどちらの場合も配信する。置き換えた場合は1を返す。
//
//	KEYS[1] = latestKey
//	ARGV    = tree_size, root, signature, timestamp, payload, channel
var publishScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'tree_size') or '-1')
local updated = 0
if tonumber(ARGV[1]) > current then
  redis.call('HSET', KEYS[1], 'tree_size', ARGV[1], 'root', ARGV[2], 'signature', ARGV[3], 'timestamp', ARGV[4])
  updated = 1
end
redis.call('PUBLISH', ARGV[6], ARGV[5])
return updated
`)

// Publish は最新ルートを保存してからチャネルへ配信する。
// 保存済みのルートより小さい tree_size の通知は配信だけ行う。
func (p *RedisPublisher) Publish(ctx context.Context, a *Announcement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	err = publishScript.Run(ctx, p.client, []string{latestKey(a.PollID)},
		strconv.FormatUint(a.TreeSize, 10),
		a.Root.String(),
		a.Signature,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
		payload,
		Channel(a.PollID),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to publish root: %w", err)
	}
	return nil
}

// Latest は保存されている最新ルートを返す。まだなければnilを返す。
func (p *RedisPublisher) Latest(ctx context.Context, pollID string) (*Announcement, error) {
	data, err := p.client.HGetAll(ctx, latestKey(pollID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest root: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return fromHash(pollID, data)
}

func fromHash(pollID string, data map[string]string) (*Announcement, error) {
	size, err := strconv.ParseUint(data["tree_size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid tree_size: %w", err)
	}
	root, err := merkle.ParseHash(data["root"])
	if err != nil {
		return nil, fmt.Errorf("invalid root: %w", err)
	}
	if _, err := hex.DecodeString(data["signature"]); err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, data["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	return &Announcement{
		PollID:    pollID,
		TreeSize:  size,
		Root:      root,
		Signature: data["signature"],
		Timestamp: ts,
	}, nil
}

// Subscribe は投票のルート通知を受信する。ctxが終了するとチャネルを閉じる。
func (p *RedisPublisher) Subscribe(ctx context.Context, pollID string) <-chan *Announcement {
	sub := p.client.Subscribe(ctx, Channel(pollID))
	out := make(chan *Announcement)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var a Announcement
				if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
					continue
				}
				select {
				case out <- &a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close は接続を閉じる。
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*RedisPublisher)(nil)
)
