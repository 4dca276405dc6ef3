// Package flush は保留キューのバックグラウンド再送処理を提供する。
// 接続回復によるフラッシュ要求を1つのワーカーで順に処理する。
// 変更が残った場合のバックオフ後の再試行は、接続監視がリモートを到達可能と観測している間だけ行う。
package flush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/eventsync/internal/model"
)

// Flusher は保留キューの再送を実行するインターフェース。
type Flusher interface {
	// FlushPendingMutations は保留キューをFIFO順に再送する。
	FlushPendingMutations(ctx context.Context) (*model.FlushReport, error)
	// FlushRequests はフラッシュ要求を受け取るチャネルを返す。
	FlushRequests() <-chan struct{}
}

// Gate は再試行してよいかを判定する。接続監視が実装する。
type Gate interface {
	// Reachable は最後に観測したリモートストアの到達性を返す。
	Reachable() bool
}

// Worker はフラッシュ要求を受けて再送を実行する。
// 要求は1つのgoroutineで順に処理されるため、フラッシュが並行に走ることはない。
type Worker struct {
	flusher Flusher
	gate    Gate
	logger  *slog.Logger
	backoff func(consecutiveFailures int) time.Duration

	mu       sync.Mutex
	failures int
}

// NewWorker はWorkerの新しいインスタンスを生成する。
// gateがnilの場合は常に再試行する。
func NewWorker(flusher Flusher, gate Gate, logger *slog.Logger) *Worker {
	return &Worker{
		flusher: flusher,
		gate:    gate,
		logger:  logger,
		backoff: CalculateBackoff,
	}
}

// Start はコンテキストがキャンセルされるまでフラッシュ要求を処理する。
// 前回のプロセスで残った変更の再送も接続監視からの要求で始まる。
func (w *Worker) Start(ctx context.Context) {
	var timer *time.Timer
	var retry <-chan time.Time
	schedule := func(d time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer, retry = nil, nil
		if d > 0 {
			timer = time.NewTimer(d)
			retry = timer.C
		}
	}
	defer schedule(0)

	w.logger.Info("フラッシュワーカーを開始しました")

	requests := w.flusher.FlushRequests()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("フラッシュワーカーを停止しました")
			return
		case <-requests:
			schedule(w.RunOnce(ctx))
		case <-retry:
			if !w.reachable() {
				// 回復時に接続監視から要求が届く
				w.logger.Debug("リモートに到達できないため再試行を見送りました")
				schedule(0)
				continue
			}
			schedule(w.RunOnce(ctx))
		}
	}
}

func (w *Worker) reachable() bool {
	return w.gate == nil || w.gate.Reachable()
}

// RunOnce は1回フラッシュを実行し、次に再試行するまでの間隔を返す。
// 再試行が不要な場合は0を返す。
func (w *Worker) RunOnce(ctx context.Context) time.Duration {
	report, err := w.flusher.FlushPendingMutations(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		w.failures++
		delay := w.backoff(w.failures - 1)
		w.logger.Error("保留キューのフラッシュに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", w.failures),
			slog.Duration("retry_in", delay),
		)
		return delay
	}

	if report.Remaining == 0 {
		w.failures = 0
		return 0
	}
	if ctx.Err() != nil {
		return 0
	}

	// 1件でも処理が進んだ場合は間隔を戻す
	if report.Synced > 0 || len(report.Rejected) > 0 {
		w.failures = 0
	} else {
		w.failures++
	}
	failures := w.failures - 1
	if failures < 0 {
		failures = 0
	}
	return w.backoff(failures)
}
