// Package cleanup は期限切れセッションの掃除ジョブを提供する。
// ネイティブTTLを持たないセッションストア（PostgreSQL、メモリ）では
// 期限切れのレコードが残り続けるため、定期的に一括削除する。
// 期限切れセッションはLoad時点で無効として扱われるため、このジョブは容量回収のみを担う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/repository"
)

// CleanupJob は期限切れセッションの削除ジョブ。冪等な削除処理を保証する。
type CleanupJob struct {
	store   repository.ExpiredSessionDeleter
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewCleanupJob は新しいCleanupJobを生成する。mcがnilの場合はメトリクスを記録しない。
func NewCleanupJob(store repository.ExpiredSessionDeleter, logger *slog.Logger, mc metrics.MetricsCollector) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &CleanupJob{
		store:   store,
		logger:  logger,
		metrics: mc,
	}
}

// Run は期限切れセッションを1回削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.store.DeleteExpired(ctx)
	duration := time.Since(start)
	j.metrics.RecordStoreLatency("sweep", duration)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回Runを実行し、以降interval間隔で繰り返す。
// ctxがキャンセルされるまでブロックする。個々の実行の失敗はログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("セッションクリーンアップジョブを開始します",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
