// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 書き込み結果のラベル値
const (
	OutcomeSynced   = "synced"
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期コーディネータと接続監視から利用する。
type MetricsCollector interface {
	RecordWrite(kind string, outcome string)
	RecordReplay(kind string, outcome string)
	RecordRemoteLatency(op string, duration time.Duration)
	SetPendingMutations(count int)
	RecordFlush(duration time.Duration)
	SetReachable(reachable bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	writes           *prometheus.CounterVec
	replays          *prometheus.CounterVec
	remoteLatency    *prometheus.HistogramVec
	pendingMutations prometheus.Gauge
	flushDuration    prometheus.Histogram
	reachable        prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsync_writes_total",
			Help: "書き込み操作の結果別の合計数",
		}, []string{"kind", "outcome"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsync_replays_total",
			Help: "保留中の変更の再送結果別の合計数",
		}, []string{"kind", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventsync_remote_latency_seconds",
			Help:    "リモートストア呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		pendingMutations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventsync_pending_mutations",
			Help: "保留中の変更の件数",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventsync_flush_duration_seconds",
			Help:    "保留キューのフラッシュ所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventsync_remote_reachable",
			Help: "リモートストアへの到達性（1: 到達可能, 0: 到達不能）",
		}),
	}

	reg.MustRegister(
		c.writes,
		c.replays,
		c.remoteLatency,
		c.pendingMutations,
		c.flushDuration,
		c.reachable,
	)

	return c
}

// RecordWrite は書き込み操作の結果を記録する。
func (c *Collector) RecordWrite(kind string, outcome string) {
	c.writes.WithLabelValues(kind, outcome).Inc()
}

// RecordReplay は保留中の変更の再送結果を記録する。
func (c *Collector) RecordReplay(kind string, outcome string) {
	c.replays.WithLabelValues(kind, outcome).Inc()
}

// RecordRemoteLatency はリモートストア呼び出しのレイテンシを記録する。
func (c *Collector) RecordRemoteLatency(op string, duration time.Duration) {
	c.remoteLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetPendingMutations は保留中の変更の件数を設定する。
func (c *Collector) SetPendingMutations(count int) {
	c.pendingMutations.Set(float64(count))
}

// RecordFlush はフラッシュの所要時間を記録する。
func (c *Collector) RecordFlush(duration time.Duration) {
	c.flushDuration.Observe(duration.Seconds())
}

// SetReachable はリモートストアへの到達性を設定する。
func (c *Collector) SetReachable(reachable bool) {
	if reachable {
		c.reachable.Set(1)
		return
	}
	c.reachable.Set(0)
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordWrite(string, string)                {}
func (NopCollector) RecordReplay(string, string)               {}
func (NopCollector) RecordRemoteLatency(string, time.Duration) {}
func (NopCollector) SetPendingMutations(int)                   {}
func (NopCollector) RecordFlush(time.Duration)                 {}
func (NopCollector) SetReachable(bool)                         {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
