package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/poll"
)

// WaiterParams 是到位判定的参数
type WaiterParams struct {
	Tolerance int           // 每轴允许的到位偏差
	Timeout   time.Duration // 等待到位的上限
	Interval  time.Duration // 位置回报的轮询间隔
}

// PositionWaiter 等待天车到达目标位置
// 到位判定对两轴分别比较，偏差都不超过容差即算到达；位置回报
// 读失败视为尚未到位，下一轮重试
type PositionWaiter struct {
	bus    fieldbus.Bus
	clk    clockwork.Clock
	params WaiterParams
}

// NewPositionWaiter 创建到位等待器
func NewPositionWaiter(bus fieldbus.Bus, clk clockwork.Clock, params WaiterParams) *PositionWaiter {
	return &PositionWaiter{
		bus:    bus,
		clk:    clk,
		params: params,
	}
}

// WaitFor 阻塞等待天车进入目标点的容差范围
// 到位返回 true；超时或 ctx 取消返回 false
func (w *PositionWaiter) WaitFor(ctx context.Context, targetX, targetY int) bool {
	return poll.Until(ctx, w.clk, w.params.Interval, w.params.Timeout, func() bool {
		x, ok := w.bus.Read(fieldbus.RegCranePosX)
		if !ok {
			return false
		}
		y, ok := w.bus.Read(fieldbus.RegCranePosY)
		if !ok {
			return false
		}
		return abs(int(x)-targetX) <= w.params.Tolerance && abs(int(y)-targetY) <= w.params.Tolerance
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
