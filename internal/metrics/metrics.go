// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値
const (
	LoginSuccess       = "success"
	LoginDenied        = "denied"
	LoginStateMismatch = "state_mismatch"
	LoginExchangeError = "exchange_failed"
	LoginResolveError  = "resolve_failed"
	LoginSessionError  = "session_failed"
)

// セッション読み込み結果のラベル値
const (
	LookupNoCookie      = "no_cookie"
	LookupInvalidCookie = "invalid_cookie"
	LookupMiss          = "miss"
	LookupHit           = "hit"
	LookupTimeout       = "timeout"
	LookupError         = "error"
	LookupUserError     = "user_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやセッション管理から利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordLogout()
	RecordUserCreated()
	RecordResolverConflict()
	RecordSessionLookup(outcome string)
	RecordStoreLatency(op string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins            *prometheus.CounterVec
	logouts           prometheus.Counter
	usersCreated      prometheus.Counter
	resolverConflicts prometheus.Counter
	sessionLookups    *prometheus.CounterVec
	storeLatency      *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoalbum_logins_total",
			Help: "OAuthログイン試行の結果別合計数",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoalbum_logouts_total",
			Help: "ログアウトの合計数",
		}),
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoalbum_users_created_total",
			Help: "初回ログインで作成されたユーザーの合計数",
		}),
		resolverConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoalbum_identity_conflicts_total",
			Help: "ユーザー作成時のprovider_id競合の合計数",
		}),
		sessionLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoalbum_session_lookups_total",
			Help: "リクエストごとのセッション読み込み結果別合計数",
		}, []string{"outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photoalbum_session_store_duration_seconds",
			Help:    "セッションストア操作のレイテンシ（秒）",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.logins,
		c.logouts,
		c.usersCreated,
		c.resolverConflicts,
		c.sessionLookups,
		c.storeLatency,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

// RecordUserCreated はユーザー作成を記録する。
func (c *Collector) RecordUserCreated() {
	c.usersCreated.Inc()
}

// RecordResolverConflict はprovider_id競合を記録する。
func (c *Collector) RecordResolverConflict() {
	c.resolverConflicts.Inc()
}

// RecordSessionLookup はセッション読み込み結果を記録する。
func (c *Collector) RecordSessionLookup(outcome string) {
	c.sessionLookups.WithLabelValues(outcome).Inc()
}

// RecordStoreLatency はセッションストア操作（get, set, destroy）のレイテンシを記録する。
func (c *Collector) RecordStoreLatency(op string, duration time.Duration) {
	c.storeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string)                       {}
func (Nop) RecordLogout()                            {}
func (Nop) RecordUserCreated()                       {}
func (Nop) RecordResolverConflict()                  {}
func (Nop) RecordSessionLookup(string)               {}
func (Nop) RecordStoreLatency(string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
