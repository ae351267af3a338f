// Package cleanup は共有Session Storeに残った古いエントリの自動削除ジョブを提供する。
// 保存キーを変更した端末や使われなくなった端末のセッションは、
// updated_atが保持期間（デフォルト30日）を超えた時点で削除される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention はエントリの保持期間のデフォルト値。
const DefaultRetention = 30 * 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob はkv_storeの古いエントリを削除するジョブ。
// このプロセスが使用中のキーはAuth Clientの管理下にあるため削除対象から除外する。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	activeKey string
	Retention time.Duration
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// activeKeyはこのプロセスのSession Storeが使用しているキー。
func NewCleanupJob(db Executor, logger *slog.Logger, activeKey string) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:        db,
		logger:    logger,
		activeKey: activeKey,
		Retention: DefaultRetention,
		now:       time.Now,
	}
}

// Run は保持期間を超過したエントリを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.Retention).UTC()

	query := `DELETE FROM kv_store WHERE updated_at < $1 AND key <> $2`
	result, err := j.db.ExecContext(ctx, query, cutoff, j.activeKey)
	if err != nil {
		j.logger.Error("session store cleanup failed",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("failed to clean up session store: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to read deleted row count",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to read deleted row count: %w", err)
	}

	j.logger.Info("session store cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。ctxがキャンセルされると終了する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
