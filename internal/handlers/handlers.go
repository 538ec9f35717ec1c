package handlers

import (
	"log/slog"

	"crane-cell-control/internal/event"
	"crane-cell-control/internal/metrics"
	"crane-cell-control/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、UI、日志）解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	// 订阅工件完成事件，增加成功计数器
	bus.Subscribe(event.PartCompleted, func(e event.Event) {
		metrics.PartsProcessedTotal.WithLabelValues("success", string(e.Part.Type)).Inc()
	})
	// 订阅工件失败事件，增加失败计数器
	bus.Subscribe(event.PartFailed, func(e event.Event) {
		metrics.PartsProcessedTotal.WithLabelValues("failed", string(e.Part.Type)).Inc()
	})
	// 订阅工站完成事件，记录加工耗时
	bus.Subscribe(event.StationCompleted, func(e event.Event) {
		metrics.StationRunDuration.WithLabelValues(string(e.StationID)).Observe(e.Duration.Seconds())
	})
	// 订阅工站超时事件，增加超时计数器
	bus.Subscribe(event.StationTimedOut, func(e event.Event) {
		metrics.StationTimeoutsTotal.WithLabelValues(string(e.StationID)).Inc()
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	// 工件相关事件都携带快照，直接覆盖 UI 视图
	partView := func(e event.Event) {
		st.UpsertPart(e.Part)
	}
	bus.Subscribe(event.PartQueued, partView)
	bus.Subscribe(event.PartStarted, partView)
	bus.Subscribe(event.PartMoved, partView)
	bus.Subscribe(event.PartCompleted, partView)
	bus.Subscribe(event.PartFailed, partView)

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.PartCompleted, func(e event.Event) {
		logger.Info("工件处理成功", "part_id", e.PartID, "part_type", e.Part.Type)
	})
	bus.Subscribe(event.PartFailed, func(e event.Event) {
		logger.Error("工件处理失败", "part_id", e.PartID, "error", e.Error)
	})
	bus.Subscribe(event.StationTimedOut, func(e event.Event) {
		logger.Warn("工站加工超时", "station_id", e.StationID, "part_id", e.PartID)
	})
}
