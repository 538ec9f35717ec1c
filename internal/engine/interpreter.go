package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/event"
	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/metrics"
	"crane-cell-control/internal/types"
	"crane-cell-control/internal/util"
)

// ErrMoveTimeout 表示天车在时限内没有到达目标位置
var ErrMoveTimeout = errors.New("天车到位等待超时")

// StationRunner 是解释器眼中的工站
type StationRunner interface {
	ID() types.StationID
	Run(ctx context.Context, partID int64) error
}

// PositionRecorder 接收吸持状态下的到位记录
type PositionRecorder interface {
	Record(partID int64, x, y uint16, engaged bool) error
}

// InterpreterParams 是动作执行的时序与策略参数
type InterpreterParams struct {
	VacuumOnSettle  time.Duration // 吸盘接合后的稳定等待
	VacuumOffSettle time.Duration // 吸盘释放后的稳定等待
	StationSettle   time.Duration // 启动工站前给天车让位的等待
	FailOnTimeout   bool          // true 时到位/加工超时判工件失败，false 时告警后继续
}

// SequenceInterpreter 逐条执行动作序列
// 三类动作：设置吸盘、移动到坐标、等待工站加工。超时的处理由
// FailOnTimeout 决定：现场默认宽容继续，由后续动作自然暴露问题
type SequenceInterpreter struct {
	bus      fieldbus.Bus
	waiter   *PositionWaiter
	stations map[types.StationID]StationRunner
	recorder PositionRecorder // 可为 nil，表示不记录位置日志
	events   *event.Bus
	clk      clockwork.Clock
	logger   *slog.Logger
	params   InterpreterParams
}

// NewSequenceInterpreter 创建动作序列解释器
func NewSequenceInterpreter(bus fieldbus.Bus, waiter *PositionWaiter, recorder PositionRecorder, events *event.Bus, clk clockwork.Clock, logger *slog.Logger, params InterpreterParams) *SequenceInterpreter {
	return &SequenceInterpreter{
		bus:      bus,
		waiter:   waiter,
		stations: make(map[types.StationID]StationRunner),
		recorder: recorder,
		events:   events,
		clk:      clk,
		logger:   logger.With("component", "interpreter"),
		params:   params,
	}
}

// RegisterStation 注册一个工站到解释器中
func (si *SequenceInterpreter) RegisterStation(s StationRunner) {
	si.stations[s.ID()] = s
}

// Run 依次执行一条动作序列的全部动作
// 停机信号在动作边界生效，已开始的单个动作会执行完
func (si *SequenceInterpreter) Run(ctx context.Context, name string, seq types.Sequence, part *types.Part) error {
	logger := si.logger.With("part_id", part.ID, "sequence", name)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	for i, action := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch action.Kind() {
		case types.ActionSetEndEffector:
			si.setEndEffector(*action.EndEffector, logger)
		case types.ActionMoveTo:
			if err := si.moveTo(ctx, part.ID, *action.TargetX, *action.TargetY, logger); err != nil {
				return err
			}
		case types.ActionAwaitStation:
			if err := si.AwaitStation(ctx, action.AwaitStation, part); err != nil {
				return err
			}
		default:
			// 配置加载时已校验过，这里只防御编程错误
			return fmt.Errorf("序列 %s 第 %d 个动作载荷非法", name, i)
		}
	}
	return nil
}

// setEndEffector 设置吸盘开关并等待气路稳定
func (si *SequenceInterpreter) setEndEffector(engage bool, logger *slog.Logger) {
	var value uint16
	settle := si.params.VacuumOffSettle
	if engage {
		value = 1
		settle = si.params.VacuumOnSettle
	}
	si.bus.Write(fieldbus.RegCraneVacuum, value)
	logger.Debug("设置吸盘", "engaged", engage)
	si.clk.Sleep(settle)
}

// moveTo 下发目标坐标并等待到位
// 吸持状态下到位后追加一条位置日志
func (si *SequenceInterpreter) moveTo(ctx context.Context, partID int64, x, y int, logger *slog.Logger) error {
	si.bus.Write(fieldbus.RegCraneTargetX, uint16(x))
	si.bus.Write(fieldbus.RegCraneTargetY, uint16(y))

	start := si.clk.Now()
	if !si.waiter.WaitFor(ctx, x, y) {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Warn("天车到位等待超时", "target_x", x, "target_y", y)
		if si.params.FailOnTimeout {
			return fmt.Errorf("移动到 (%d, %d): %w", x, y, ErrMoveTimeout)
		}
		return nil
	}
	metrics.CraneMoveDuration.Observe(si.clk.Since(start).Seconds())
	logger.Debug("天车到位", "x", x, "y", y)

	if v, ok := si.bus.Read(fieldbus.RegCraneVacuum); ok && v == 1 && si.recorder != nil {
		px, okX := si.bus.Read(fieldbus.RegCranePosX)
		py, okY := si.bus.Read(fieldbus.RegCranePosY)
		if okX && okY {
			if err := si.recorder.Record(partID, px, py, true); err != nil {
				logger.Error("写入位置日志失败", "error", err)
			}
		}
	}
	return nil
}

// AwaitStation 启动指定工站并等待其完成一次加工
// 路由方案里的工站步骤和序列里的 await_station 动作都走这里
func (si *SequenceInterpreter) AwaitStation(ctx context.Context, id types.StationID, part *types.Part) error {
	st, ok := si.stations[id]
	if !ok {
		// 配置加载时已校验过，这里只防御编程错误
		return fmt.Errorf("未注册的工站 %s", id)
	}
	logger := si.logger.With("part_id", part.ID, "station_id", id)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	// 给天车让位，避免吸盘还悬在工位上方时工站就动作
	si.clk.Sleep(si.params.StationSettle)

	si.events.Publish(event.Event{Type: event.StationStarted, PartID: part.ID, StationID: id})
	start := si.clk.Now()
	err := st.Run(ctx, part.ID)
	duration := si.clk.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		si.events.Publish(event.Event{Type: event.StationTimedOut, PartID: part.ID, StationID: id, Error: err})
		logger.Warn("工站加工超时", "duration", duration, "error", err)
		if si.params.FailOnTimeout {
			return fmt.Errorf("工站 %s 加工: %w", id, err)
		}
		return nil
	}

	si.events.Publish(event.Event{Type: event.StationCompleted, PartID: part.ID, StationID: id, Duration: duration})
	return nil
}
