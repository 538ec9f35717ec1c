package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// PartsInQueue 仪表盘：当前在来料队列中等待的工件数量
	// 用于监控单元积压情况
	PartsInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cell_parts_in_queue",
		Help: "The number of parts currently waiting in the arrival queues",
	})

	// PartArrivalsTotal 计数器：各来料位检测到的工件总数
	PartArrivalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_part_arrivals_total",
		Help: "The total number of parts detected at each source",
	}, []string{"source"})

	// PartsProcessedTotal 计数器：处理完成的工件总数
	// 按状态 (success/failed) 和工件类型分类
	PartsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_parts_processed_total",
		Help: "The total number of processed parts",
	}, []string{"status", "type"})

	// StationRunDuration 直方图：工站单次加工耗时分布
	// 用于分析各工站的性能瓶颈
	StationRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "station_run_duration_seconds",
		Help:    "Time spent per run in each station",
		Buckets: prometheus.DefBuckets,
	}, []string{"station_id"})

	// StationTimeoutsTotal 计数器：各工站加工超时次数
	StationTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_timeouts_total",
		Help: "The total number of station runs that exceeded the completion timeout",
	}, []string{"station_id"})

	// CraneMoveDuration 直方图：天车单次移动到位耗时分布
	CraneMoveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crane_move_duration_seconds",
		Help:    "Time spent per crane move until the target position is reached",
		Buckets: prometheus.DefBuckets,
	})

	// FieldbusIOErrors 计数器：现场总线读写失败次数
	// 按操作类型 (read/write) 分类
	FieldbusIOErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldbus_io_errors_total",
		Help: "The total number of failed fieldbus register operations",
	}, []string{"op"})
)
