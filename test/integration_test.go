package test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crane-cell-control/internal/config"
	"crane-cell-control/internal/engine"
	"crane-cell-control/internal/event"
	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/handlers"
	"crane-cell-control/internal/poslog"
	"crane-cell-control/internal/station"
	"crane-cell-control/internal/types"
	"crane-cell-control/internal/web"
)

// stationSim 按脚本回报一个工站的运行状态
// 只在运行命令的上升沿启动一次，命令保持为 1 不会连续加工
type stationSim struct {
	runRole     string
	runningRole string
	cycle       time.Duration
	active      bool
	prevRun     uint16
	startedAt   time.Time
	runs        int
}

// cellDevice 模拟整套物理单元对寄存器写入的响应：
// 天车瞬间到位，工站收到运行命令后按固定时长加工
type cellDevice struct {
	bus      *fieldbus.MemBus
	stations []*stationSim
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	vacuum  uint16
	pickups []int // 每次吸盘接合时的天车 X 坐标
}

func startCellDevice(bus *fieldbus.MemBus, stations []*stationSim) *cellDevice {
	d := &cellDevice{bus: bus, stations: stations, stop: make(chan struct{}), done: make(chan struct{})}
	go d.loop()
	return d
}

func (d *cellDevice) loop() {
	defer close(d.done)
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.step()
		}
	}
}

func (d *cellDevice) step() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if x, ok := d.bus.Read(fieldbus.RegCraneTargetX); ok {
		d.bus.Set(fieldbus.RegCranePosX, x)
	}
	if y, ok := d.bus.Read(fieldbus.RegCraneTargetY); ok {
		d.bus.Set(fieldbus.RegCranePosY, y)
	}

	v, _ := d.bus.Read(fieldbus.RegCraneVacuum)
	if d.vacuum == 0 && v == 1 {
		x, _ := d.bus.Read(fieldbus.RegCranePosX)
		d.pickups = append(d.pickups, int(x))
	}
	d.vacuum = v

	now := time.Now()
	for _, st := range d.stations {
		run, _ := d.bus.Read(st.runRole)
		switch {
		case run == 1 && st.prevRun == 0 && !st.active:
			st.active = true
			st.startedAt = now
			d.bus.Set(st.runningRole, 1)
		case run == 0 && st.active:
			// 运行命令被撤销，立即停止且不计一次加工
			st.active = false
			d.bus.Set(st.runningRole, 0)
		case st.active && now.Sub(st.startedAt) >= st.cycle:
			st.active = false
			st.runs++
			d.bus.Set(st.runningRole, 0)
		}
		st.prevRun = run
	}
}

func (d *cellDevice) Stop() {
	close(d.stop)
	<-d.done
}

func (d *cellDevice) Pickups() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.pickups))
	copy(out, d.pickups)
	return out
}

func (d *cellDevice) Runs(runRole string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.stations {
		if st.runRole == runRole {
			return st.runs
		}
	}
	return 0
}

// testApp 是一个完整拉起的编排实例
type testApp struct {
	cfg     *config.Config
	bus     *fieldbus.MemBus
	device  *cellDevice
	tracker *web.StateTracker
	queues  *engine.Queues
	server  *httptest.Server
	csvPath string

	queued    chan event.Event
	completed chan event.Event
	failed    chan event.Event
}

// setupTestApp 按仓库根目录下的 config.yaml 启动完整的应用实例
// 所有时序参数都被压缩到毫秒级，保证测试在真实时钟下快速收敛
func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	_, filename, _, _ := runtime.Caller(0)
	if err := os.Chdir(filepath.Join(filepath.Dir(filename), "..")); err != nil {
		t.Fatalf("无法切换目录: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	cfg.Crane.MoveTimeoutMs = 50
	cfg.Crane.PollIntervalMs = 1
	cfg.Crane.VacuumOnSettleMs = 1
	cfg.Crane.VacuumOffSettleMs = 1
	cfg.Crane.StationSettleMs = 1
	cfg.Scheduler.ArrivalPollMs = 3
	cfg.Observer.PollIntervalMs = 2
	for i := range cfg.Stations {
		st := &cfg.Stations[i]
		st.RunSettleMs = 1
		st.StartTimeoutMs = 10
		st.StartPollMs = 1
		st.DoneTimeoutMs = 60
		st.DonePollMs = 1
		st.OffSettleMs = 1
	}
	cfg.PositionLog.Path = filepath.Join(t.TempDir(), "positions.csv")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	clk := clockwork.NewRealClock()

	bus := fieldbus.NewMemBus()
	bus.Set(fieldbus.RegCranePosX, 0)
	bus.Set(fieldbus.RegCranePosY, 0)
	sims := make([]*stationSim, 0, len(cfg.Stations))
	for _, st := range cfg.Stations {
		bus.Set(st.Run, 0)
		bus.Set(st.Running, 0)
		bus.Set(st.Sensor, 1)
		sims = append(sims, &stationSim{runRole: st.Run, runningRole: st.Running, cycle: 5 * time.Millisecond})
	}
	for _, src := range cfg.Sources {
		bus.Set(src.Sensor, 0)
	}
	device := startCellDevice(bus, sims)

	recorder, err := poslog.NewRecorder(cfg.PositionLog.Path, clk)
	if err != nil {
		t.Fatalf("无法初始化位置日志: %v", err)
	}

	hub := web.NewHub()
	tracker := web.NewStateTracker(hub)
	events := event.NewBus()
	handlers.RegisterEventHandlers(events, tracker, logger)

	order := make([]types.SourceID, 0, len(cfg.Sources))
	srcs := make([]engine.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		order = append(order, s.ID)
		srcs = append(srcs, engine.Source{ID: s.ID, SensorRole: s.Sensor, PartType: s.PartType})
	}
	queues := engine.NewQueues(order)
	detector := engine.NewArrivalDetector(bus, queues, srcs, events, clk, logger)
	waiter := engine.NewPositionWaiter(bus, clk, engine.WaiterParams{
		Tolerance: cfg.Crane.Tolerance,
		Timeout:   time.Duration(cfg.Crane.MoveTimeoutMs) * time.Millisecond,
		Interval:  time.Duration(cfg.Crane.PollIntervalMs) * time.Millisecond,
	})
	interp := engine.NewSequenceInterpreter(bus, waiter, recorder, events, clk, logger, engine.InterpreterParams{
		VacuumOnSettle:  time.Duration(cfg.Crane.VacuumOnSettleMs) * time.Millisecond,
		VacuumOffSettle: time.Duration(cfg.Crane.VacuumOffSettleMs) * time.Millisecond,
		StationSettle:   time.Duration(cfg.Crane.StationSettleMs) * time.Millisecond,
		FailOnTimeout:   cfg.FailOnTimeout(),
	})
	controllers := make([]*station.Controller, 0, len(cfg.Stations))
	for _, st := range cfg.Stations {
		c := station.NewController(st.ID, bus, st.Run, st.Running, st.Sensor, station.Params{
			RunSettle:    time.Duration(st.RunSettleMs) * time.Millisecond,
			StartTimeout: time.Duration(st.StartTimeoutMs) * time.Millisecond,
			StartPoll:    time.Duration(st.StartPollMs) * time.Millisecond,
			DoneTimeout:  time.Duration(st.DoneTimeoutMs) * time.Millisecond,
			DonePoll:     time.Duration(st.DonePollMs) * time.Millisecond,
			OffSettle:    time.Duration(st.OffSettleMs) * time.Millisecond,
		}, clk, logger)
		interp.RegisterStation(c)
		controllers = append(controllers, c)
	}
	sched := engine.NewScheduler(queues, detector, interp, cfg.Sequences, cfg.RoutingPlans, events, clk, logger,
		time.Duration(cfg.Scheduler.ArrivalPollMs)*time.Millisecond)
	monitor := web.NewMonitor(bus, tracker, queues, controllers,
		time.Duration(cfg.Observer.PollIntervalMs)*time.Millisecond, clk, logger)

	app := &testApp{
		cfg:       cfg,
		bus:       bus,
		device:    device,
		tracker:   tracker,
		queues:    queues,
		csvPath:   cfg.PositionLog.Path,
		queued:    make(chan event.Event, 32),
		completed: make(chan event.Event, 32),
		failed:    make(chan event.Event, 32),
	}
	events.Subscribe(event.PartQueued, func(e event.Event) { app.queued <- e })
	events.Subscribe(event.PartCompleted, func(e event.Event) { app.completed <- e })
	events.Subscribe(event.PartFailed, func(e event.Event) { app.failed <- e })

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tracker.Snapshot())
	})
	app.server = httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go monitor.Run(ctx)
	go sched.Run(ctx)

	t.Cleanup(func() {
		app.server.Close()
		cancel()
		sched.Wait()
		device.Stop()
		recorder.Close()
	})
	return app
}

func awaitEvent(t *testing.T, ch <-chan event.Event, timeout time.Duration, what string) event.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(timeout):
		t.Fatalf("等待 %s 超时", what)
		return event.Event{}
	}
}

func TestCellCompletesPartEndToEnd(t *testing.T) {
	app := setupTestApp(t)

	// 来料位 1 出现一个工件
	app.bus.Set("source1_sensor", 1)
	awaitEvent(t, app.queued, 2*time.Second, "PartQueued")
	app.bus.Set("source1_sensor", 0)

	e := awaitEvent(t, app.completed, 10*time.Second, "PartCompleted")
	if e.Part.Type != "type1" {
		t.Errorf("预期工件类型 type1, 得到 %s", e.Part.Type)
	}

	// 状态追踪器最终收敛到 COMPLETED @ sink
	var view web.PartView
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := app.tracker.Snapshot()
		if p, ok := snap.Parts[e.PartID]; ok && p.Status == string(types.StatusCompleted) {
			view = p
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("状态追踪器未收敛到完成状态: %+v", app.tracker.Snapshot().Parts)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if view.Location != string(types.LocationSink) {
		t.Errorf("完成工件应位于成品位, 得到 %s", view.Location)
	}

	// /api/state 返回同样的快照
	resp, err := http.Get(app.server.URL + "/api/state")
	if err != nil {
		t.Fatalf("请求 /api/state 失败: %v", err)
	}
	defer resp.Body.Close()
	var state web.CellState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("解析 /api/state 响应失败: %v", err)
	}
	if p, ok := state.Parts[e.PartID]; !ok || p.Status != string(types.StatusCompleted) {
		t.Errorf("/api/state 中的工件状态错误: %+v", state.Parts)
	}
	if state.QueueDepth != 0 {
		t.Errorf("队列深度应为 0, 得到 %d", state.QueueDepth)
	}

	// /metrics 暴露加工计数
	resp2, err := http.Get(app.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求 /metrics 失败: %v", err)
	}
	defer resp2.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp2.Body); err != nil {
		t.Fatalf("读取 /metrics 响应失败: %v", err)
	}
	if !strings.Contains(buf.String(), "cell_parts_processed_total") {
		t.Error("/metrics 中缺少 cell_parts_processed_total")
	}

	// WebSocket 客户端在一个观测周期内收到状态帧
	wsURL := "ws" + strings.TrimPrefix(app.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取 WebSocket 状态帧失败: %v", err)
	}
	var frame web.CellState
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("解析 WebSocket 状态帧失败: %v", err)
	}
	if frame.Parts == nil {
		t.Error("WebSocket 状态帧缺少工件视图")
	}

	// 位置日志：表头一行，吸持状态下完成的每次移动各一行
	data, err := os.ReadFile(app.csvPath)
	if err != nil {
		t.Fatalf("读取位置日志失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "part_id,timestamp,x,y,end_effector_engaged" {
		t.Errorf("位置日志表头错误: %q", lines[0])
	}
	if len(lines) != 7 {
		t.Fatalf("type1 工件应留下 6 条位置记录, 实际 %d 条", len(lines)-1)
	}
	fields := strings.Split(lines[1], ",")
	if len(fields) != 5 {
		t.Fatalf("位置记录字段数错误: %q", lines[1])
	}
	if _, err := time.Parse("2006-01-02T15:04:05", fields[1]); err != nil {
		t.Errorf("位置记录时间戳不是 ISO-8601 格式: %q", fields[1])
	}
	for i, line := range lines[1:] {
		if !strings.HasSuffix(line, ",true") {
			t.Errorf("第 %d 条位置记录应在吸持状态下产生: %q", i+1, line)
		}
	}
}

func TestCellRoutesSecondTypeThroughBothStations(t *testing.T) {
	app := setupTestApp(t)

	app.bus.Set("source2_sensor", 1)
	awaitEvent(t, app.queued, 2*time.Second, "PartQueued")
	app.bus.Set("source2_sensor", 0)

	e := awaitEvent(t, app.completed, 10*time.Second, "PartCompleted")
	if e.Part.Type != "type2" {
		t.Errorf("预期工件类型 type2, 得到 %s", e.Part.Type)
	}
	if e.Part.Location != types.LocationSink {
		t.Errorf("完成工件应位于成品位, 得到 %s", e.Part.Location)
	}

	// type2 先经过工站 2 预处理，再进工站 1
	if runs := app.device.Runs("process2_run"); runs != 1 {
		t.Errorf("工站 2 应加工一次, 实际 %d 次", runs)
	}
	if runs := app.device.Runs("process1_run"); runs != 1 {
		t.Errorf("工站 1 应加工一次, 实际 %d 次", runs)
	}

	// 取料位置依次为来料位 2、工站 2、工站 1
	want := []int{158, 650, 450}
	pickups := app.device.Pickups()
	if len(pickups) != len(want) {
		t.Fatalf("取料次数应为 %d 次, 实际 %v", len(want), pickups)
	}
	for i := range want {
		if pickups[i] != want[i] {
			t.Fatalf("取料顺序应为 %v, 实际 %v", want, pickups)
		}
	}

	// 运行寄存器在收尾后全部清零
	for _, st := range app.cfg.Stations {
		if v, _ := app.bus.Read(st.Run); v != 0 {
			t.Errorf("工站 %s 的运行命令应为 0, 实际 %d", st.ID, v)
		}
	}
}
