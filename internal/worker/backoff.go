package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/ballotbox/internal/client"
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 30 * time.Minute
)

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大30分。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Backoff は失敗が続く外部呼び出しの再試行時刻を管理する。
// ゼロ値はすぐに呼び出し可能な状態。
type Backoff struct {
	consecutiveErrors int
	nextAttempt       time.Time
}

// Ready はnowの時点で呼び出してよいかを返す。
func (b *Backoff) Ready(now time.Time) bool {
	return !now.Before(b.nextAttempt)
}

// Failure は失敗を記録し、次に呼び出せる時刻を返す。
func (b *Backoff) Failure(now time.Time) time.Time {
	b.nextAttempt = now.Add(CalculateBackoff(b.consecutiveErrors))
	b.consecutiveErrors++
	return b.nextAttempt
}

// Success は連続失敗回数をリセットする。
func (b *Backoff) Success() {
	b.consecutiveErrors = 0
	b.nextAttempt = time.Time{}
}

// ConsecutiveErrors は連続失敗回数を返す。
func (b *Backoff) ConsecutiveErrors() int {
	return b.consecutiveErrors
}

// IsRetryable はIA/POへの呼び出しエラーが時間をおけば回復しうるかを判定する。
// 429と5xx、ネットワークエラーは再試行対象、それ以外のHTTPエラーは設定の誤りとみなす。
func IsRetryable(err error) bool {
	var se *client.StatusError
	if !errors.As(err, &se) {
		return true
	}
	return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
}
