// Package metrics はカメラ制御クライアントのPrometheusメトリクスを保持する
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry は全メトリクスを保持する。nilのRegistryに対する呼び出しは何もしない
type Registry struct {
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	BytesTotal      *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ActiveSchedules prometheus.Gauge
	KeepAwake       prometheus.Gauge
	TicksTotal      *prometheus.CounterVec
}

// Get はデフォルトレジストリに登録されたグローバルRegistryを返す
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New は reg に登録した新しいRegistryを作成する
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triggercord_sessions_total",
			Help: "Connection sessions by mode and outcome",
		}, []string{"mode", "outcome"}),

		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triggercord_session_duration_seconds",
			Help:    "Connection session duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"mode"}),

		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triggercord_downloaded_bytes_total",
			Help: "Payload bytes downloaded from the camera server",
		}, []string{"kind"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triggercord_runner_queue_depth",
			Help: "Sessions waiting for the background worker",
		}),

		ActiveSchedules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triggercord_active_schedules",
			Help: "Active repeating capture schedules",
		}),

		KeepAwake: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triggercord_keep_awake",
			Help: "1 while a multi-frame burst holds the keep-awake hint",
		}),

		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triggercord_schedule_ticks_total",
			Help: "Scheduler ticks by action",
		}, []string{"action"}),
	}
}

// ObserveSession はセッション1回分の結果を記録する
func (r *Registry) ObserveSession(mode, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.SessionsTotal.WithLabelValues(mode, outcome).Inc()
	r.SessionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// AddBytes はダウンロード済みバイト数を加算する
func (r *Registry) AddBytes(kind string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.BytesTotal.WithLabelValues(kind).Add(float64(n))
}

// SetQueueDepth は待ち行列の長さを設定する
func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.QueueDepth.Set(float64(n))
}

// SetActiveSchedules は有効なスケジュール数を設定する
func (r *Registry) SetActiveSchedules(n int) {
	if r == nil {
		return
	}
	r.ActiveSchedules.Set(float64(n))
}

// SetKeepAwake はスリープ抑止ヒントの状態を設定する
func (r *Registry) SetKeepAwake(on bool) {
	if r == nil {
		return
	}
	if on {
		r.KeepAwake.Set(1)
	} else {
		r.KeepAwake.Set(0)
	}
}

// IncTick はスケジューラのティックを数える
func (r *Registry) IncTick(action string) {
	if r == nil {
		return
	}
	r.TicksTotal.WithLabelValues(action).Inc()
}
