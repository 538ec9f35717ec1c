package engine

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/event"
	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/metrics"
	"crane-cell-control/internal/types"
)

// Source 描述一个受监视的来料位
type Source struct {
	ID         types.SourceID
	SensorRole string         // 来料传感器的寄存器角色
	PartType   types.PartType // 该来料位产出的工件类型
}

// ArrivalDetector 扫描来料传感器并把新工件登记入队
// 传感器是电平信号而不是脉冲：工件被取走前持续为 1，去重依靠
// 队列里是否已有该来料位的等待工件来判断
type ArrivalDetector struct {
	bus     fieldbus.Bus
	queues  *Queues
	sources []Source
	events  *event.Bus
	clk     clockwork.Clock
	logger  *slog.Logger
	nextID  int64
}

// NewArrivalDetector 创建来料检测器
func NewArrivalDetector(bus fieldbus.Bus, queues *Queues, sources []Source, events *event.Bus, clk clockwork.Clock, logger *slog.Logger) *ArrivalDetector {
	return &ArrivalDetector{
		bus:     bus,
		queues:  queues,
		sources: sources,
		events:  events,
		clk:     clk,
		logger:  logger.With("component", "detector"),
	}
}

// Poll 扫描一轮所有来料传感器，返回本轮新入队的工件数
// 读失败按"无料"处理，等下一轮再看；同一来料位已有等待工件时
// 不重复入队，传感器电平在工件被吸走前不会变化
func (d *ArrivalDetector) Poll() int {
	added := 0
	for _, src := range d.sources {
		v, ok := d.bus.Read(src.SensorRole)
		if !ok || v != 1 {
			continue
		}
		if d.queues.HasWaitingAt(src.ID) {
			continue
		}

		d.nextID++
		p := &types.Part{
			ID:         d.nextID,
			Type:       src.PartType,
			Location:   types.Location(src.ID),
			Status:     types.StatusWaiting,
			DetectedAt: d.clk.Now(),
		}
		d.queues.Enqueue(p)
		added++
		metrics.PartArrivalsTotal.WithLabelValues(string(src.ID)).Inc()
		d.events.Publish(event.Event{Type: event.PartQueued, PartID: p.ID, Part: *p, Source: src.ID})
		d.logger.Info("检测到新工件", "part_id", p.ID, "part_type", p.Type, "source", src.ID, "queue_size", d.queues.Depth())
	}
	return added
}
