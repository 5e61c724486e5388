// Package lifecycle は投票の自動開閉と有権者数の更新を行うジョブを提供する。
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ballotbox/internal/worker"
)

// PollLifecycle は投票の状態遷移と有権者数更新のインターフェース。
type PollLifecycle interface {
	RunDueTransitions(ctx context.Context) (opened, closed int, err error)
	RefreshEligiblePopulation(ctx context.Context, population int64) (int, error)
}

// PopulationSource は有効な本人情報の数を返す。通常はIAのHTTPクライアント。
type PopulationSource interface {
	ActiveIdentities(ctx context.Context) (int64, error)
}

// Job は開始・終了時刻を過ぎた投票を遷移させ、IAから有権者数を取得して反映する。
// IAの呼び出しが失敗した場合は指数バックオフで間隔を空ける。状態遷移は毎回実行する。
type Job struct {
	polls   PollLifecycle
	source  PopulationSource
	logger  *slog.Logger
	backoff worker.Backoff
	now     func() time.Time
}

// NewJob はJobを生成する。sourceがnilの場合は有権者数を更新しない。
func NewJob(polls PollLifecycle, source PopulationSource, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		polls:  polls,
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Name はジョブ名を返す。
func (j *Job) Name() string { return "poll_lifecycle" }

// Run は状態遷移と有権者数の更新を1回実行する。
func (j *Job) Run(ctx context.Context) error {
	opened, closed, err := j.polls.RunDueTransitions(ctx)
	if err != nil {
		return fmt.Errorf("投票の状態遷移に失敗: %w", err)
	}
	if opened > 0 || closed > 0 {
		j.logger.Info("投票の状態を更新しました",
			slog.Int("opened", opened),
			slog.Int("closed", closed),
		)
	}

	return j.refreshPopulation(ctx)
}

func (j *Job) refreshPopulation(ctx context.Context) error {
	if j.source == nil {
		return nil
	}
	now := j.now()
	if !j.backoff.Ready(now) {
		return nil
	}

	population, err := j.source.ActiveIdentities(ctx)
	if err != nil {
		next := j.backoff.Failure(now)
		level := slog.LevelWarn
		if !worker.IsRetryable(err) {
			level = slog.LevelError
		}
		j.logger.Log(ctx, level, "有権者数の取得に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", j.backoff.ConsecutiveErrors()),
			slog.Time("next_attempt", next),
		)
		return nil
	}
	j.backoff.Success()

	updated, err := j.polls.RefreshEligiblePopulation(ctx, population)
	if err != nil {
		return fmt.Errorf("有権者数の更新に失敗: %w", err)
	}
	if updated > 0 {
		j.logger.Info("有権者数を更新しました",
			slog.Int64("eligible_population", population),
			slog.Int("updated_polls", updated),
		)
	}
	return nil
}
