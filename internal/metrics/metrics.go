// ============================================================================
// Sortline Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露輸送線運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 事件計數器 (Counter)：
//      - sortline_scans_total: 條碼掃描次數
//      - sortline_photo_eye_total{result}: 光電訊號（matched / orphan / retired）
//      - sortline_lookups_total{outcome}: 路由查詢結果
//      - sortline_lookup_reauth_total: 重新登入次數
//      - sortline_actuations_total{result}: 推桿命令（ok / failed）
//      - sortline_items_errored_total{kind}: 進入錯誤終態的物件
//
//   2. 性能指標 (Histogram)：
//      - sortline_lookup_latency_seconds: 遠端查詢延遲
//      - sortline_tick_duration_seconds: 位置推算一次 tick 的耗時
//
//   3. 狀態指標 (Gauge)：
//      - sortline_items{status}: 各狀態的追蹤中物件數
//      - sortline_queue_depth: 等待配對的 FIFO 長度
//      - sortline_belt_speed: 目前輸送帶速度（單位/秒）
//      - sortline_lookup_breaker_open: 斷路器是否開啟
//
// Prometheus 查詢示例:
//
//   # 每分鐘推出件數
//   rate(sortline_actuations_total{result="ok"}[1m])
//
//   # 95 分位查詢延遲
//   histogram_quantile(0.95, sortline_lookup_latency_seconds_bucket)
//
//   # 孤立光電訊號比例
//   rate(sortline_photo_eye_total{result="orphan"}[5m]) / rate(sortline_photo_eye_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	scans         prometheus.Counter
	photoEyes     *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	reauths       prometheus.Counter
	actuations    *prometheus.CounterVec
	errored       *prometheus.CounterVec
	lookupLatency prometheus.Histogram
	tickDuration  prometheus.Histogram
	items         *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	beltSpeed     prometheus.Gauge
	breakerOpen   prometheus.Gauge
	eventsDropped prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 指標註冊表；nil 表示使用全域預設註冊表
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sortline_scans_total",
			Help: "Total number of barcode scans accepted",
		}),
		photoEyes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sortline_photo_eye_total",
			Help: "Photo-eye pulses by correlation result",
		}, []string{"result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sortline_lookups_total",
			Help: "Routing lookups by outcome",
		}, []string{"outcome"}),
		reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sortline_lookup_reauth_total",
			Help: "Times the lookup token was rejected and re-acquired",
		}),
		actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sortline_actuations_total",
			Help: "Pusher commands by result",
		}, []string{"result"}),
		errored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sortline_items_errored_total",
			Help: "Items that ended in the errored state, by error kind",
		}, []string{"kind"}),
		lookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sortline_lookup_latency_seconds",
			Help:    "Remote lookup latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sortline_tick_duration_seconds",
			Help:    "Duration of one position tracking tick in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sortline_items",
			Help: "Tracked items by status",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sortline_queue_depth",
			Help: "Scans waiting for a photo-eye pulse",
		}),
		beltSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sortline_belt_speed",
			Help: "Current belt speed in distance units per second",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sortline_lookup_breaker_open",
			Help: "1 while the lookup circuit breaker is open",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sortline_events_dropped",
			Help: "Lifecycle events dropped because a subscriber was full",
		}),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	c.gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		c.gatherer = reg
	}

	registerer.MustRegister(
		c.scans,
		c.photoEyes,
		c.lookups,
		c.reauths,
		c.actuations,
		c.errored,
		c.lookupLatency,
		c.tickDuration,
		c.items,
		c.queueDepth,
		c.beltSpeed,
		c.breakerOpen,
		c.eventsDropped,
	)

	return c
}

// RecordScan 記錄條碼掃描
func (c *Collector) RecordScan() {
	c.scans.Inc()
}

// RecordPhotoEye 記錄光電訊號配對結果
func (c *Collector) RecordPhotoEye(result string) {
	c.photoEyes.WithLabelValues(result).Inc()
}

// RecordLookup 記錄查詢結果與延遲；快取命中不計入延遲
func (c *Collector) RecordLookup(outcome string, d time.Duration) {
	c.lookups.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.lookupLatency.Observe(d.Seconds())
	}
}

// RecordReauth 記錄重新登入
func (c *Collector) RecordReauth() {
	c.reauths.Inc()
}

// SetBreakerOpen 設置斷路器狀態
func (c *Collector) SetBreakerOpen(open bool) {
	if open {
		c.breakerOpen.Set(1)
		return
	}
	c.breakerOpen.Set(0)
}

// RecordActuation 記錄推桿命令結果
func (c *Collector) RecordActuation(ok bool) {
	if ok {
		c.actuations.WithLabelValues("ok").Inc()
		return
	}
	c.actuations.WithLabelValues("failed").Inc()
}

// RecordErrored 記錄物件進入錯誤終態
func (c *Collector) RecordErrored(kind string) {
	c.errored.WithLabelValues(kind).Inc()
}

// ObserveTick 記錄 tick 耗時
func (c *Collector) ObserveTick(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
}

// UpdateItemStats 更新追蹤狀態統計
func (c *Collector) UpdateItemStats(pending, matched, routed, queueDepth int) {
	c.items.WithLabelValues("pending").Set(float64(pending))
	c.items.WithLabelValues("matched").Set(float64(matched))
	c.items.WithLabelValues("routed").Set(float64(routed))
	c.queueDepth.Set(float64(queueDepth))
}

// SetBeltSpeed 設置輸送帶速度
func (c *Collector) SetBeltSpeed(speed float64) {
	c.beltSpeed.Set(speed)
}

// SetEventsDropped 設置事件丟棄數
func (c *Collector) SetEventsDropped(n int64) {
	c.eventsDropped.Set(float64(n))
}

// Handler 返回 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
