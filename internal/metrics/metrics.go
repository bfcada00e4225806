// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// コマンド処理結果のラベル値。
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// トランスポート層、リアルタイム購読、ワーカーから利用する。
type MetricsCollector interface {
	NotificationReceived(table string)
	Resynced()
	ConnectionOpened()
	ConnectionClosed()
	RecordCommand(cmdType string, ok bool)
	ObserveRequest(method string, status int, duration time.Duration)
	RecordRateLimited(limitType string)
	RecordSwept(kind string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	notifications *prometheus.CounterVec
	resyncs       prometheus.Counter
	connections   prometheus.Gauge
	commands      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   prometheus.Histogram
	rateLimited   *prometheus.CounterVec
	swept         *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibex_realtime_notifications_total",
			Help: "テーブル別の行変更通知の受信数",
		}, []string{"table"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vibex_realtime_resyncs_total",
			Help: "LISTEN再接続に伴う再同期の発行数",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vibex_ws_connections",
			Help: "接続中のwebsocketクライアント数",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibex_ws_commands_total",
			Help: "種別と結果ごとのクライアントコマンド数",
		}, []string{"type", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibex_http_requests_total",
			Help: "メソッドとステータスコード別のHTTPリクエスト数",
		}, []string{"method", "status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vibex_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibex_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"limit_type"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vibex_sweep_rows_total",
			Help: "定期掃除で処理した行数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.notifications,
		c.resyncs,
		c.connections,
		c.commands,
		c.httpRequests,
		c.httpLatency,
		c.rateLimited,
		c.swept,
	)

	return c
}

// NotificationReceived は行変更通知の受信を記録する。realtime.Observerを実装する。
func (c *Collector) NotificationReceived(table string) {
	c.notifications.WithLabelValues(table).Inc()
}

// Resynced は再同期の発行を記録する。
func (c *Collector) Resynced() {
	c.resyncs.Inc()
}

// ConnectionOpened はwebsocket接続の確立を記録する。
func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

// ConnectionClosed はwebsocket接続の終了を記録する。
func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

// RecordCommand はクライアントコマンドの処理結果を記録する。
func (c *Collector) RecordCommand(cmdType string, ok bool) {
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeError
	}
	c.commands.WithLabelValues(cmdType, outcome).Inc()
}

// ObserveRequest はHTTPリクエストの完了を記録する。
func (c *Collector) ObserveRequest(method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(limitType string) {
	c.rateLimited.WithLabelValues(limitType).Inc()
}

// RecordSwept は定期掃除で処理した行数を記録する。
func (c *Collector) RecordSwept(kind string, count int64) {
	c.swept.WithLabelValues(kind).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
