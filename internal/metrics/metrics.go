// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/aizily/internal/model"
)

// resultSuccess は成功した操作のresultラベル値。
const resultSuccess = "success"

// MetricsCollector はメトリクス収集のインターフェース。
// Auth Client、プロビジョニング、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordOperation(op string, kind model.ErrorKind)
	RecordTokenExchange()
	RecordProviderLatency(op string, d time.Duration)
	RecordProvisioningFailure()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations           *prometheus.CounterVec
	tokenExchanges       prometheus.Counter
	providerLatency      *prometheus.HistogramVec
	provisioningFailures prometheus.Counter
	httpStatus           *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aizily_auth_operations_total",
			Help: "認証操作の結果別の合計数",
		}, []string{"operation", "result"}),
		tokenExchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aizily_token_exchanges_total",
			Help: "リフレッシュトークン交換の実行回数",
		}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aizily_identity_provider_latency_seconds",
			Help:    "IdP呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		provisioningFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aizily_profile_provisioning_failures_total",
			Help: "Identity作成後のProfile作成失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aizily_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.operations,
		c.tokenExchanges,
		c.providerLatency,
		c.provisioningFailures,
		c.httpStatus,
	)

	return c
}

// RecordOperation は認証操作の結果を記録する。kindが空の場合は成功として扱う。
func (c *Collector) RecordOperation(op string, kind model.ErrorKind) {
	result := resultSuccess
	if kind != "" {
		result = string(kind)
	}
	c.operations.WithLabelValues(op, result).Inc()
}

// RecordTokenExchange はトークン交換を記録する。
func (c *Collector) RecordTokenExchange() {
	c.tokenExchanges.Inc()
}

// RecordProviderLatency はIdP呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(op string, d time.Duration) {
	c.providerLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordProvisioningFailure はProfile作成失敗を記録する。
func (c *Collector) RecordProvisioningFailure() {
	c.provisioningFailures.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
