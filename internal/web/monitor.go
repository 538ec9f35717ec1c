package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/engine"
	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/station"
	"crane-cell-control/internal/types"
)

// Monitor 周期性读取天车寄存器和工站控制状态，推送给状态追踪器
// 它是编排核心之外唯一访问总线的组件，而且只读，不会干扰控制时序
type Monitor struct {
	bus      fieldbus.Bus
	tracker  *StateTracker
	queues   *engine.Queues
	stations []*station.Controller
	interval time.Duration
	clk      clockwork.Clock
	logger   *slog.Logger
}

// NewMonitor 创建只读状态监视器
func NewMonitor(bus fieldbus.Bus, tracker *StateTracker, queues *engine.Queues, stations []*station.Controller, interval time.Duration, clk clockwork.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		bus:      bus,
		tracker:  tracker,
		queues:   queues,
		stations: stations,
		interval: interval,
		clk:      clk,
		logger:   logger.With("component", "monitor"),
	}
}

// Run 启动监视循环，直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clk.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("状态监视器启动", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	x, okX := m.bus.Read(fieldbus.RegCranePosX)
	y, okY := m.bus.Read(fieldbus.RegCranePosY)
	v, okV := m.bus.Read(fieldbus.RegCraneVacuum)
	crane := CraneView{
		X:      x,
		Y:      y,
		Vacuum: okV && v == 1,
		Known:  okX && okY,
	}

	stations := make(map[types.StationID]string, len(m.stations))
	for _, c := range m.stations {
		stations[c.ID()] = string(c.State())
	}

	m.tracker.UpdateTelemetry(crane, stations, m.queues.Depth())
}
