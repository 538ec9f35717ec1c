package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/event"
	"crane-cell-control/internal/fsm"
	"crane-cell-control/internal/types"
	"crane-cell-control/internal/util"
)

// Scheduler 是单元的调度核心
// 整个编排跑在一条逻辑控制流上：天车是独占资源，取出一个工件就
// 把它的路由方案执行到底，其间只在动作边界响应停机信号。来料轮询
// 嵌在主循环里，空闲和处理间隙都会补查
type Scheduler struct {
	queues    *Queues
	detector  *ArrivalDetector
	interp    *SequenceInterpreter
	sequences map[string]types.Sequence
	plans     map[string]types.RoutingPlan // key 为小写的工件类型
	events    *event.Bus
	clk       clockwork.Clock
	logger    *slog.Logger

	arrivalPoll time.Duration
	lastPoll    time.Time
	done        chan struct{}
}

// NewScheduler 创建调度核心
func NewScheduler(
	queues *Queues,
	detector *ArrivalDetector,
	interp *SequenceInterpreter,
	sequences map[string]types.Sequence,
	plans map[string]types.RoutingPlan,
	events *event.Bus,
	clk clockwork.Clock,
	logger *slog.Logger,
	arrivalPoll time.Duration,
) *Scheduler {
	return &Scheduler{
		queues:      queues,
		detector:    detector,
		interp:      interp,
		sequences:   sequences,
		plans:       plans,
		events:      events,
		clk:         clk,
		logger:      logger.With("component", "scheduler"),
		arrivalPoll: arrivalPoll,
		done:        make(chan struct{}),
	}
}

// Run 启动调度主循环，直到 ctx 被取消才返回
// 每轮：按需轮询来料，轮转取出一个工件，执行完它的整个路由方案，
// 然后立即补查来料。队列为空时休眠一个轮询间隔
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	defer s.logger.Info("调度主循环退出")
	s.logger.Info("调度主循环启动", "arrival_poll", s.arrivalPoll)

	for {
		if ctx.Err() != nil {
			return
		}
		s.maybePollArrivals()

		part, ok := s.queues.PopNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.clk.After(s.arrivalPoll):
			}
			continue
		}

		s.process(ctx, part)
		s.queues.FinishActive()
		if ctx.Err() != nil {
			return
		}
		// 处理一个工件耗时远超轮询间隔，结束后立即补查来料
		s.pollArrivals()
	}
}

// Wait 阻塞到调度主循环完全退出
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) maybePollArrivals() {
	if s.lastPoll.IsZero() || s.clk.Since(s.lastPoll) >= s.arrivalPoll {
		s.pollArrivals()
	}
}

func (s *Scheduler) pollArrivals() {
	s.detector.Poll()
	s.lastPoll = s.clk.Now()
}

// process 执行一个工件的完整路由方案
func (s *Scheduler) process(ctx context.Context, part *types.Part) {
	// 生成 Trace ID 并注入 Context，用于全链路追踪
	traceID := util.NewTraceID()
	ctx = util.ContextWithTraceID(ctx, traceID)
	logger := s.logger.With("part_id", part.ID, "part_type", part.Type, "trace_id", traceID)

	// *** Viper 将 key 转换为小写，所以查找时需要转换为小写 ***
	plan, ok := s.plans[strings.ToLower(string(part.Type))]
	if !ok {
		// 配置加载时已校验过来料类型都有路由方案，这里只防御编程错误
		logger.Error("未找到该类型的路由方案，放弃工件")
		s.failPart(fsm.New(part.ID), part, fmt.Errorf("工件类型 %s 没有路由方案", part.Type), logger)
		return
	}

	partFSM := fsm.New(part.ID)
	s.events.Publish(event.Event{Type: event.PartStarted, PartID: part.ID, Part: *part})
	logger.Info("开始处理工件", "steps", len(plan), "queue_size", s.queues.Depth())

	for i, step := range plan {
		if ctx.Err() != nil {
			logger.Warn("收到停机信号，就地放弃当前工件", "step", i+1)
			return
		}
		if skip, err := s.evaluateRule(step.Rule, part); err != nil {
			logger.Error("守卫表达式求值失败，跳过该步骤", "error", err, "rule", step.Rule)
			continue
		} else if skip {
			logger.Info("跳过步骤", "step", i+1, "rule", step.Rule)
			continue
		}

		var err error
		if step.Sequence != "" {
			logger.Info("执行动作序列", "step", i+1, "total", len(plan), "sequence", step.Sequence)
			err = s.interp.Run(ctx, step.Sequence, s.sequences[step.Sequence], part)
		} else {
			logger.Info("等待工站加工", "step", i+1, "total", len(plan), "station_id", step.Station)
			err = s.interp.AwaitStation(ctx, step.Station, part)
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("收到停机信号，就地放弃当前工件", "step", i+1)
				return
			}
			s.failPart(partFSM, part, err, logger)
			return
		}

		if step.Effect != types.EffectNone {
			if err := s.applyEffect(partFSM, part, step); err != nil {
				logger.Error("工件生命周期迁移非法", "error", err, "effect", step.Effect)
				s.failPart(partFSM, part, err, logger)
				return
			}
		}
	}

	if part.Status == types.StatusCompleted {
		s.events.Publish(event.Event{Type: event.PartCompleted, PartID: part.ID, Part: *part})
		logger.Info("工件处理完成", "location", part.Location)
	} else {
		// 守卫表达式跳过了送达步骤时会走到这里
		logger.Warn("路由方案执行完毕但工件未送达成品位", "status", part.Status, "location", part.Location)
		s.failPart(partFSM, part, fmt.Errorf("路由执行完毕但工件停在 %s", part.Location), logger)
	}
}

// applyEffect 按路由步骤声明的搬运效果推进工件的生命周期
func (s *Scheduler) applyEffect(f *fsm.FSM, part *types.Part, step types.RoutingStep) error {
	ev, ok := fsm.EventForEffect(step.Effect)
	if !ok {
		return fmt.Errorf("未知的搬运效果 %q", step.Effect)
	}
	if err := f.Fire(ev); err != nil {
		return err
	}
	part.Status = types.Status(f.Current())
	switch step.Effect {
	case types.EffectPick:
		part.Location = types.LocationCrane
	case types.EffectPlace:
		part.Location = step.At
	case types.EffectDeliver:
		part.Location = types.LocationSink
	}
	s.events.Publish(event.Event{Type: event.PartMoved, PartID: part.ID, Part: *part})
	return nil
}

// failPart 将工件标记为失败并广播
func (s *Scheduler) failPart(f *fsm.FSM, part *types.Part, cause error, logger *slog.Logger) {
	if err := f.Fire(fsm.EventFail); err == nil {
		part.Status = types.Status(f.Current())
	} else {
		part.Status = types.StatusFailed
	}
	s.events.Publish(event.Event{Type: event.PartFailed, PartID: part.ID, Part: *part, Error: cause})
	logger.Error("工件处理失败", "error", cause, "location", part.Location)
}

// evaluateRule 评估路由步骤的守卫表达式
// 表达式为空视为执行；表达式结果为 true 表示执行该步骤
func (s *Scheduler) evaluateRule(rule string, part *types.Part) (bool, error) {
	if rule == "" {
		return false, nil
	}
	env := types.RuleEnv(*part)
	program, err := expr.Compile(rule, expr.Env(env))
	if err != nil {
		return true, fmt.Errorf("rule compilation failed: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return true, fmt.Errorf("rule execution failed: %w", err)
	}
	shouldExecute, ok := result.(bool)
	if !ok {
		return true, fmt.Errorf("rule result is not a boolean")
	}
	return !shouldExecute, nil
}
