// Package connectivity はリモートストアへの到達性を監視し、
// 到達不能から到達可能への変化でのみ保留キューのフラッシュを要求する。
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/eventsync/internal/metrics"
)

// Prober はプラットフォームのネットワーク状態APIを抽象化する。
type Prober interface {
	// Probe は現在リモートストアに到達可能かを返す。
	Probe(ctx context.Context) bool
}

// ProberFunc は関数をProberとして扱うアダプタ。
type ProberFunc func(ctx context.Context) bool

// Probe はf(ctx)を返す。
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// Pinger は到達性の確認に対応するリモートストア。
type Pinger interface {
	Ping(ctx context.Context) error
}

// RemotePinger はリモートストアへのPingで到達性を判定するProber。
type RemotePinger struct {
	pinger  Pinger
	timeout time.Duration
}

// NewRemotePinger はRemotePingerを生成する。
func NewRemotePinger(pinger Pinger, timeout time.Duration) *RemotePinger {
	return &RemotePinger{pinger: pinger, timeout: timeout}
}

// Probe はタイムアウト内にPingが成功すれば到達可能とする。
func (p *RemotePinger) Probe(ctx context.Context) bool {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.pinger.Ping(ctx) == nil
}

// FlushTrigger はフラッシュ要求の送り先。要求はまとめられ、並行に実行されない。
type FlushTrigger interface {
	RequestFlush()
}

// Observer は到達性の現在値を保持し、回復の遷移を検出する。
// 保留キューの再送を要求するのはObserverのみ。
type Observer struct {
	// RecoverOnStart がtrueの場合、最初の観測で到達可能なら前回のプロセスで残った変更の再送を1回要求する。
	RecoverOnStart bool

	trigger FlushTrigger
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu        sync.Mutex
	observed  bool
	reachable bool
}

// NewObserver はObserverを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewObserver(trigger FlushTrigger, collector metrics.MetricsCollector, logger *slog.Logger) *Observer {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Observer{
		trigger: trigger,
		metrics: collector,
		logger:  logger,
	}
}

// Reachable は最後に観測した到達性を返す。未観測の場合はfalse。
func (o *Observer) Reachable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reachable
}

// Report は観測した到達性を反映し、回復（到達不能から到達可能への遷移）の場合にtrueを返す。
// 回復時はフラッシュを1回要求する。
// 最初の観測と、到達可能が続いている場合は回復とみなさない。
// ただしRecoverOnStartが有効なら、最初の観測で到達可能な場合にも再送を要求する。
func (o *Observer) Report(reachable bool) bool {
	o.mu.Lock()
	first := !o.observed
	prev := o.reachable
	o.observed = true
	o.reachable = reachable
	o.mu.Unlock()

	o.metrics.SetReachable(reachable)

	switch {
	case first:
		o.logger.Info("リモートストアの到達性を確認しました", slog.Bool("reachable", reachable))
		if reachable && o.RecoverOnStart {
			o.logger.Info("起動時に保留中の変更の再送を要求します")
			o.trigger.RequestFlush()
		}
		return false
	case !prev && reachable:
		o.logger.Info("リモートストアへの接続が回復しました")
		o.trigger.RequestFlush()
		return true
	case prev && !reachable:
		o.logger.Warn("リモートストアに到達できなくなりました")
	}
	return false
}

// Watch はintervalごとにproberで到達性を確認する。コンテキストがキャンセルされるまで実行を継続する。
func (o *Observer) Watch(ctx context.Context, prober Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("接続監視を開始しました", slog.Duration("interval", interval))

	// 起動直後に1回確認
	o.Report(prober.Probe(ctx))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("接続監視を停止しました")
			return
		case <-ticker.C:
			reachable := prober.Probe(ctx)
			if ctx.Err() != nil {
				continue
			}
			o.Report(reachable)
		}
	}
}
