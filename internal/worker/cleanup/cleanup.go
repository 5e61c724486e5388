// Package cleanup は期限切れのチャレンジセッションを削除するジョブを提供する。
// セッションは1回限りで、期限切れ後に残しておく理由はない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションの削除を抽象化するインターフェース。
// repository.VerificationSessionRepository を受け付ける。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 期限切れからGracePeriodを過ぎたものだけを削除するため、検証中のセッションとは競合しない。
type CleanupJob struct {
	sessions    SessionPurger
	logger      *slog.Logger
	now         func() time.Time
	GracePeriod time.Duration // 期限切れ後の猶予（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionPurger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions:    sessions,
		logger:      logger,
		now:         time.Now,
		GracePeriod: time.Hour,
	}
}

// Name はジョブ名を返す。
func (j *CleanupJob) Name() string { return "session_cleanup" }

// Run は期限切れセッションを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().UTC().Add(-j.GracePeriod)

	deleted, err := j.sessions.DeleteExpired(ctx, before)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("expired_before", before),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
