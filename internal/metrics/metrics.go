// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とミドルウェアから利用する。ラベルに本人情報やタグを含めてはならない。
type MetricsCollector interface {
	RecordVerification(outcome string)
	RecordTokenIssued(tier string)
	RecordTokenRevoked()
	RecordVoteAccepted()
	RecordVoteRejected(code string)
	RecordSubmitLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordIntegrityFault()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	verifications  *prometheus.CounterVec
	tokensIssued   *prometheus.CounterVec
	tokensRevoked  prometheus.Counter
	votesAccepted  prometheus.Counter
	votesRejected  *prometheus.CounterVec
	submitLatency  prometheus.Histogram
	httpStatus     *prometheus.CounterVec
	integrityFault prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballotbox_verifications_total",
			Help: "認証器アサーション検証の結果別件数",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballotbox_tokens_issued_total",
			Help: "発行したトークンの認証レベル別件数",
		}, []string{"tier"}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ballotbox_tokens_revoked_total",
			Help: "失効させたトークンの合計数",
		}),
		votesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ballotbox_votes_accepted_total",
			Help: "台帳に追記した票の合計数",
		}),
		votesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballotbox_votes_rejected_total",
			Help: "拒否した票のエラーコード別件数",
		}, []string{"code"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ballotbox_submit_latency_seconds",
			Help:    "投票受付のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballotbox_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		integrityFault: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ballotbox_integrity_faults_total",
			Help: "監査で検出した整合性違反の合計数",
		}),
	}

	reg.MustRegister(
		c.verifications,
		c.tokensIssued,
		c.tokensRevoked,
		c.votesAccepted,
		c.votesRejected,
		c.submitLatency,
		c.httpStatus,
		c.integrityFault,
	)

	return c
}

// RecordVerification は検証結果を記録する。
func (c *Collector) RecordVerification(outcome string) {
	c.verifications.WithLabelValues(outcome).Inc()
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued(tier string) {
	c.tokensIssued.WithLabelValues(tier).Inc()
}

// RecordTokenRevoked はトークン失効を記録する。
func (c *Collector) RecordTokenRevoked() {
	c.tokensRevoked.Inc()
}

// RecordVoteAccepted は票の受理を記録する。
func (c *Collector) RecordVoteAccepted() {
	c.votesAccepted.Inc()
}

// RecordVoteRejected は票の拒否を記録する。
func (c *Collector) RecordVoteRejected(code string) {
	c.votesRejected.WithLabelValues(code).Inc()
}

// RecordSubmitLatency は投票受付のレイテンシを記録する。
func (c *Collector) RecordSubmitLatency(duration time.Duration) {
	c.submitLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordIntegrityFault は整合性違反を記録する。
func (c *Collector) RecordIntegrityFault() {
	c.integrityFault.Inc()
}

// Nop は何も記録しないMetricsCollector。テストとワーカーで使う。
type Nop struct{}

func (Nop) RecordVerification(string) {}
func (Nop) RecordTokenIssued(string) {}
func (Nop) RecordTokenRevoked() {}
func (Nop) RecordVoteAccepted() {}
func (Nop) RecordVoteRejected(string) {}
func (Nop) RecordSubmitLatency(time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordIntegrityFault() {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
