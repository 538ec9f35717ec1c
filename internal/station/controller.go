// Package station 实现对单个加工工站的运行控制
// 工站通过三个寄存器暴露自身：运行命令、运行状态回报、进料传感器
package station

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/poll"
	"crane-cell-control/internal/types"
	"crane-cell-control/internal/util"
)

// ErrRunTimeout 表示工站在完成时限内没有结束加工
// 返回前运行命令寄存器已被强制清零
var ErrRunTimeout = errors.New("工站加工超时")

// State 描述工站控制器眼中的工站状态，供观察端展示
type State string

const (
	StateIdle       State = "IDLE"       // 空闲
	StateStarting   State = "STARTING"   // 已下发运行命令，等待启动确认
	StateRunning    State = "RUNNING"    // 加工中
	StateCompleting State = "COMPLETING" // 加工结束，断开运行信号
	StateTimedOut   State = "TIMED_OUT"  // 上次加工超时
)

// Params 是一个工站的全部时序参数
type Params struct {
	RunSettle    time.Duration // 下发运行命令后的稳定等待
	StartTimeout time.Duration // 等待启动确认的上限
	StartPoll    time.Duration // 启动确认的轮询间隔
	DoneTimeout  time.Duration // 等待加工完成的上限
	DonePoll     time.Duration // 加工完成的轮询间隔
	OffSettle    time.Duration // 断开运行信号后的稳定等待
}

// Controller 控制一个工站的单次加工循环
type Controller struct {
	id          types.StationID
	bus         fieldbus.Bus
	runRole     string // 运行命令寄存器角色
	runningRole string // 运行状态回报寄存器角色
	sensorRole  string // 进料传感器寄存器角色
	params      Params
	clk         clockwork.Clock
	logger      *slog.Logger

	mu    sync.Mutex
	state State
}

// NewController 创建一个工站控制器
func NewController(id types.StationID, bus fieldbus.Bus, runRole, runningRole, sensorRole string, params Params, clk clockwork.Clock, logger *slog.Logger) *Controller {
	return &Controller{
		id:          id,
		bus:         bus,
		runRole:     runRole,
		runningRole: runningRole,
		sensorRole:  sensorRole,
		params:      params,
		clk:         clk,
		logger:      logger.With("station_id", id),
		state:       StateIdle,
	}
}

// ID 返回工站标识
func (c *Controller) ID() types.StationID {
	return c.id
}

// State 返回当前控制状态
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run 执行一次完整的加工循环：下发运行命令，确认启动，等待完成
//
// 进料传感器无料只告警不中止，传感器可能比天车的放料动作回报得慢。
// 启动确认超时同样只告警：部分工站从不回报启动，直接等完成条件。
// 无论以哪条路径退出，运行命令寄存器都会被清零，工站不会带电悬挂
func (c *Controller) Run(ctx context.Context, partID int64) error {
	logger := c.logger.With("part_id", partID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	if v, ok := c.bus.Read(c.sensorRole); ok && v != 1 {
		logger.Warn("工站进料传感器未检测到工件", "value", v)
	}

	c.setState(StateStarting)
	c.bus.Write(c.runRole, 1)
	defer c.bus.Write(c.runRole, 0)

	c.clk.Sleep(c.params.RunSettle)

	started := poll.Until(ctx, c.clk, c.params.StartPoll, c.params.StartTimeout, func() bool {
		v, ok := c.bus.Read(c.runningRole)
		return ok && v == 1
	})
	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		return err
	}
	if started {
		c.setState(StateRunning)
		logger.Info("工站开始加工")
	} else {
		logger.Warn("工站未确认启动，继续等待完成信号", "start_timeout", c.params.StartTimeout)
	}

	done := poll.Until(ctx, c.clk, c.params.DonePoll, c.params.DoneTimeout, func() bool {
		v, ok := c.bus.Read(c.runningRole)
		return ok && v == 0
	})
	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		return err
	}
	if !done {
		c.setState(StateTimedOut)
		logger.Error("工站加工超时，强制断开运行信号", "done_timeout", c.params.DoneTimeout)
		return ErrRunTimeout
	}

	c.setState(StateCompleting)
	c.bus.Write(c.runRole, 0)
	c.clk.Sleep(c.params.OffSettle)
	c.setState(StateIdle)
	logger.Info("工站加工完成")
	return nil
}
