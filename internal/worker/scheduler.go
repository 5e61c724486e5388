// Package worker はPOとIAのバックグラウンドジョブを定期実行するスケジューラを提供する。
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job は定期実行されるジョブ。
type Job interface {
	// Name はログに出すジョブ名を返す。
	Name() string
	// Run はジョブを1回実行する。
	Run(ctx context.Context) error
}

// Entry はジョブと実行間隔の組。
type Entry struct {
	Job      Job
	Interval time.Duration
}

// Scheduler は登録されたジョブをそれぞれの間隔で実行する。
// 同時に実行されるジョブ数はmaxConcurrencyで制限する。
type Scheduler struct {
	entries        []Entry
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値2を使用する。
func NewScheduler(logger *slog.Logger, maxConcurrency int, entries ...Entry) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries:        entries,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は各ジョブを起動直後に1回実行し、以降はティッカーで実行する。
// コンテキストがキャンセルされ、実行中のジョブが終わるまでブロックする。
func (s *Scheduler) Start(ctx context.Context) {
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, e := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			s.loop(ctx, e, sem)
		}(e)
	}

	s.logger.Info("ジョブスケジューラを開始しました",
		slog.Int("job_count", len(s.entries)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)
	wg.Wait()
	s.logger.Info("ジョブスケジューラを停止しました")
}

func (s *Scheduler) loop(ctx context.Context, e Entry, sem chan struct{}) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	s.runWithSemaphore(ctx, e.Job, sem)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runWithSemaphore(ctx, e.Job, sem)
		}
	}
}

func (s *Scheduler) runWithSemaphore(ctx context.Context, job Job, sem chan struct{}) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	s.RunOnce(ctx, job)
}

// RunOnce はジョブを1回実行し、結果と所要時間を記録する。
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("job", job.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("ジョブが完了しました",
		slog.String("job", job.Name()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
