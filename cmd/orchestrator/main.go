package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crane-cell-control/internal/config"
	"crane-cell-control/internal/engine"
	"crane-cell-control/internal/event"
	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/handlers"
	"crane-cell-control/internal/journal"
	"crane-cell-control/internal/poslog"
	"crane-cell-control/internal/station"
	"crane-cell-control/internal/types"
	"crane-cell-control/internal/web"
)

// main 是编排进程的主入口
func main() {
	configPath := flag.String("config", "", "配置文件路径 (默认当前目录下的 config.yaml)")
	flag.Parse()

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	clk := clockwork.NewRealClock()

	bus, err := fieldbus.Dial(cfg.Fieldbus.URL, ms(cfg.Fieldbus.TimeoutMs), cfg.RegisterAddresses(), logger)
	if err != nil {
		logger.Error("连接现场总线失败", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	// 上电先释放吸盘，上次异常退出时可能还吸着工件
	bus.Write(fieldbus.RegCraneVacuum, 0)

	var recorder engine.PositionRecorder
	if cfg.PositionLog.Enabled {
		r, err := poslog.NewRecorder(cfg.PositionLog.Path, clk)
		if err != nil {
			logger.Error("初始化位置日志失败", "error", err)
			os.Exit(1)
		}
		defer r.Close()
		recorder = r
		logger.Info("位置日志已打开", "path", cfg.PositionLog.Path)
	}

	hub := web.NewHub()
	stateTracker := web.NewStateTracker(hub)
	eventBus := event.NewBus()

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	if cfg.Journal.Enabled {
		jnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Error("打开工件生命周期日志失败", "error", err)
			os.Exit(1)
		}
		defer jnl.Close()
		if abandoned, err := jnl.Recover(); err != nil {
			logger.Warn("回放工件生命周期日志失败", "error", err)
		} else if len(abandoned) > 0 {
			ids := make([]int64, 0, len(abandoned))
			for _, p := range abandoned {
				ids = append(ids, p.ID)
			}
			logger.Warn("上次运行有工件未走完路由", "count", len(abandoned), "part_ids", ids)
		}
		// 工件编号每次启动都从头计数，回放过的旧记录直接清掉
		if err := jnl.Reset(); err != nil {
			logger.Warn("清空工件生命周期日志失败", "error", err)
		}
		jnl.Attach(eventBus, logger)
	}

	// 3. 组装调度核心
	queues := engine.NewQueues(sourceOrder(cfg))
	detector := engine.NewArrivalDetector(bus, queues, detectorSources(cfg), eventBus, clk, logger)
	waiter := engine.NewPositionWaiter(bus, clk, engine.WaiterParams{
		Tolerance: cfg.Crane.Tolerance,
		Timeout:   ms(cfg.Crane.MoveTimeoutMs),
		Interval:  ms(cfg.Crane.PollIntervalMs),
	})
	interp := engine.NewSequenceInterpreter(bus, waiter, recorder, eventBus, clk, logger, engine.InterpreterParams{
		VacuumOnSettle:  ms(cfg.Crane.VacuumOnSettleMs),
		VacuumOffSettle: ms(cfg.Crane.VacuumOffSettleMs),
		StationSettle:   ms(cfg.Crane.StationSettleMs),
		FailOnTimeout:   cfg.FailOnTimeout(),
	})

	var controllers []*station.Controller
	for _, sc := range cfg.Stations {
		c := station.NewController(sc.ID, bus, sc.Run, sc.Running, sc.Sensor, station.Params{
			RunSettle:    ms(sc.RunSettleMs),
			StartTimeout: ms(sc.StartTimeoutMs),
			StartPoll:    ms(sc.StartPollMs),
			DoneTimeout:  ms(sc.DoneTimeoutMs),
			DonePoll:     ms(sc.DonePollMs),
			OffSettle:    ms(sc.OffSettleMs),
		}, clk, logger)
		controllers = append(controllers, c)
		interp.RegisterStation(c)
	}

	scheduler := engine.NewScheduler(queues, detector, interp, cfg.Sequences, cfg.RoutingPlans, eventBus, clk, logger, ms(cfg.Scheduler.ArrivalPollMs))

	logger.Info("=== 天车单元编排器启动 ===",
		"fieldbus", cfg.Fieldbus.URL,
		"sources", len(cfg.Sources),
		"stations", len(cfg.Stations),
		"on_timeout", cfg.Scheduler.OnTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go scheduler.Run(ctx)

	if cfg.Observer.Enabled {
		monitor := web.NewMonitor(bus, stateTracker, queues, controllers, ms(cfg.Observer.PollIntervalMs), clk, logger)
		go monitor.Run(ctx)
		go startObserverServer(cfg.Observer.Listen, hub, stateTracker, logger)
	}

	// 4. 优雅停机
	waitForShutdown(logger, cancel, scheduler, queues)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func sourceOrder(cfg *config.Config) []types.SourceID {
	order := make([]types.SourceID, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		order = append(order, src.ID)
	}
	return order
}

func detectorSources(cfg *config.Config) []engine.Source {
	out := make([]engine.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		out = append(out, engine.Source{
			ID:         src.ID,
			SensorRole: src.Sensor,
			PartType:   src.PartType,
		})
	}
	return out
}

// startObserverServer 启动观察端 HTTP 服务器
// 提供实时状态 WebSocket、状态快照和 Prometheus 指标
func startObserverServer(listen string, hub *web.Hub, st *web.StateTracker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.Snapshot())
	})

	logger.Info("观察端服务器启动", "listen", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("观察端服务器启动失败", "error", err)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, scheduler *engine.Scheduler, queues *engine.Queues) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	cancel()
	scheduler.Wait()
	if depth := queues.Depth(); depth > 0 {
		// 物理工件还在来料位上，重启后传感器会重新检测到它们
		logger.Warn("队列中仍有未处理的工件", "queue_depth", depth)
	}
	logger.Info("单元编排器已安全退出")
}
