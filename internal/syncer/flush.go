package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/eventsync/internal/metrics"
	"github.com/hitoshi/eventsync/internal/model"
)

// RequestFlush は保留キューのフラッシュを要求する。ブロックしない。
// 処理待ちの要求が既にある場合は1つにまとめられる。
func (c *Coordinator) RequestFlush() {
	select {
	case c.flushSignal <- struct{}{}:
	default:
	}
}

// FlushRequests はRequestFlushによる要求を受け取るチャネルを返す。
// 受信側は1つのワーカーに限定すること。
func (c *Coordinator) FlushRequests() <-chan struct{} {
	return c.flushSignal
}

// FlushPendingMutations は保留キューをFIFO順に再送する。
//   - 成功: キューから削除する
//   - REMOTE_UNAVAILABLE: キューに残し、次の変更に進む。同じ対象の後続の変更は順序を保つため今回は送らない
//   - REMOTE_REJECTED: キューから削除し、破棄した変更としてレポートに含める
//
// 同時に呼ばれた場合は直列に実行される。
// コンテキストがキャンセルされた場合は未処理の変更をキューに残して終了する。
// 各変更の削除はリモートでの成功確認の直後に行うため、途中で中断してもキューは整合している。
func (c *Coordinator) FlushPendingMutations(ctx context.Context) (*model.FlushReport, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := time.Now()
	report := &model.FlushReport{}

	entries, err := c.queue.ListPending(ctx)
	if err != nil {
		return report, err
	}
	if len(entries) == 0 {
		c.metrics.SetPendingMutations(0)
		return report, nil
	}

	blocked := make(map[string]bool)
	for _, m := range entries {
		if blocked[m.TargetUID] {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}

		settled, err := c.replayEntry(ctx, m, report)
		if err != nil {
			return report, err
		}
		if !settled {
			blocked[m.TargetUID] = true
		}
	}

	// キャンセル時もカウントは取得できるよう親のキャンセルから切り離す
	remaining, err := c.queue.Count(context.WithoutCancel(ctx))
	if err != nil {
		return report, err
	}
	report.Remaining = remaining

	duration := time.Since(start)
	c.metrics.SetPendingMutations(remaining)
	c.metrics.RecordFlush(duration)
	c.logger.Info("保留キューのフラッシュが完了しました",
		slog.Int("synced", report.Synced),
		slog.Int("rejected", len(report.Rejected)),
		slog.Int("remaining", report.Remaining),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return report, nil
}

// drainTarget は指定uidを対象とする保留中の変更をFIFO順に再送する。
// すべて送り終えた（成功または拒否で破棄した）場合にtrueを返す。
// リモートに到達できない変更があった場合はそこで止め、falseを返す。
func (c *Coordinator) drainTarget(ctx context.Context, target string) (bool, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	entries, err := c.pendingFor(ctx, target)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return true, nil
	}
	defer c.refreshPendingGauge(context.WithoutCancel(ctx))

	report := &model.FlushReport{}
	for _, m := range entries {
		settled, err := c.replayEntry(ctx, m, report)
		if err != nil {
			return false, err
		}
		if !settled {
			return false, nil
		}
	}

	c.logger.Info("同じ対象の保留中の変更を先に再送しました",
		slog.String("target_uid", target),
		slog.Int("synced", report.Synced),
		slog.Int("rejected", len(report.Rejected)),
	)
	return true, nil
}

// replayEntry は保留中の変更を1件再送し、結果に応じてキューを更新する。
//   - 成功: キューから削除してSyncedに数える
//   - REMOTE_REJECTED: キューから削除してRejectedに加える
//   - REMOTE_UNAVAILABLE: 試行を記録してキューに残し、falseを返す
func (c *Coordinator) replayEntry(ctx context.Context, m *model.PendingMutation, report *model.FlushReport) (bool, error) {
	err := c.replay(ctx, m)
	switch {
	case err == nil:
		if err := c.queue.Remove(ctx, m.ID); err != nil {
			return false, err
		}
		report.Synced++
		c.metrics.RecordReplay(string(m.Kind), metrics.OutcomeSynced)
		return true, nil

	case errors.Is(err, model.ErrRemoteRejected):
		if err := c.queue.Remove(ctx, m.ID); err != nil {
			return false, err
		}
		report.Rejected = append(report.Rejected, model.RejectedMutation{
			Mutation: *m,
			Reason:   err.Error(),
		})
		c.metrics.RecordReplay(string(m.Kind), metrics.OutcomeRejected)
		c.logger.Error("リモートに拒否された保留中の変更を破棄しました",
			slog.Int64("mutation_id", m.ID),
			slog.String("kind", string(m.Kind)),
			slog.String("target_uid", m.TargetUID),
			slog.Int("attempts", m.Attempts+1),
			slog.String("error", err.Error()),
		)
		return true, nil

	default:
		if recErr := c.queue.RecordAttempt(ctx, m.ID, err.Error()); recErr != nil {
			return false, recErr
		}
		c.metrics.RecordReplay(string(m.Kind), metrics.OutcomeFailed)
		c.logger.Warn("保留中の変更を再送できませんでした",
			slog.Int64("mutation_id", m.ID),
			slog.String("kind", string(m.Kind)),
			slog.String("target_uid", m.TargetUID),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
}

// replay は保留中の変更を1件リモートに送る。
// リモートの書き込みはフィールド単位の上書きと冪等な削除のみのため、同じ変更を2回送っても結果は変わらない。
func (c *Coordinator) replay(ctx context.Context, m *model.PendingMutation) error {
	switch m.Kind {
	case model.MutationUserUpdate:
		return c.callRemote(ctx, string(m.Kind), func(ctx context.Context) error {
			return c.remote.WriteUserDocument(ctx, m.TargetUID, m.Fields)
		})
	case model.MutationEventUpdate:
		return c.callRemote(ctx, string(m.Kind), func(ctx context.Context) error {
			return c.remote.UpdateEventDocument(ctx, m.TargetUID, m.Fields)
		})
	case model.MutationEventDelete:
		return c.callRemote(ctx, string(m.Kind), func(ctx context.Context) error {
			return c.remote.DeleteEventDocument(ctx, m.TargetUID)
		})
	default:
		return model.NewRemoteRejectedError(fmt.Sprintf("unknown mutation kind %q", m.Kind), nil)
	}
}
