// Package cleanup はリモートストアの失効済み認証トークンを削除するジョブを提供する。
// サインアウトや全端末からのサインアウトで失効したトークンは照合には不要だが、
// 保持期間の間は監査のために残す。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は失効済みトークンの既定の保持日数。
const DefaultRetentionDays = 30

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TokenCleanupJob は保持期間を超過した失効済みトークンの削除ジョブ。
// 冪等な削除処理のため、何度実行してもよい。
type TokenCleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewTokenCleanupJob は新しいTokenCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。
func NewTokenCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *TokenCleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &TokenCleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は失効からRetentionDays日を超えたトークンを削除する。
// 失効していないトークンは対象にしない。
func (j *TokenCleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM auth_tokens WHERE revoked_at IS NOT NULL AND revoked_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("失効済みトークンの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("失効済みトークンの削除に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("失効済みトークンのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
