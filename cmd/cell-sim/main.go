package main

import (
	"flag"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/simonvetter/modbus"

	"crane-cell-control/internal/config"
	"crane-cell-control/internal/fieldbus"
)

// main 是单元模拟器的入口
// 它以 Modbus TCP 服务端的身份模拟整套物理单元：天车按速度向目标
// 坐标移动，工站按脚本回报运行状态，来料位可以自动投料。编排器
// 连上它就能在没有真实设备的情况下完整联调
func main() {
	configPath := flag.String("config", "", "配置文件路径 (默认当前目录下的 config.yaml)")
	speed := flag.Int("speed", 0, "天车移动速度 (坐标单位/秒)，非零时覆盖配置")
	generate := flag.Int("generate-ms", -1, "自动投料间隔毫秒，0 表示关闭，非负时覆盖配置")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "cell-sim")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	if *speed > 0 {
		cfg.Sim.SpeedPerSec = *speed
	}
	if *generate >= 0 {
		cfg.Sim.GenerateEveryMs = *generate
	}

	cell := newSimCell(cfg, logger)

	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        cfg.Sim.Listen,
		Timeout:    30 * time.Second,
		MaxClients: 5,
	}, cell)
	if err != nil {
		logger.Error("创建 Modbus 服务失败", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.Error("Modbus 服务启动失败", "error", err)
		os.Exit(1)
	}

	logger.Info("=== 单元模拟器启动 ===",
		"listen", cfg.Sim.Listen,
		"speed", cfg.Sim.SpeedPerSec,
		"generate_every_ms", cfg.Sim.GenerateEveryMs)

	stop := make(chan struct{})
	go cell.loop(stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在关闭模拟器...")
	close(stop)
	server.Stop()
	logger.Info("模拟器已退出", "delivered", cell.Delivered())
}

// simStation 是一个工站的仿真状态
// 只在运行命令的上升沿启动，命令保持为 1 不会连续加工
type simStation struct {
	cfg      config.StationConfig
	startLag time.Duration
	cycle    time.Duration
	phase    int // 0 空闲, 1 启动延迟中, 2 运行中
	prevRun  uint16
	since    time.Time
}

// simCell 保存全部寄存器和单元的物理模型
// 所有状态都在一把锁下，Modbus 请求处理和仿真循环串行访问
type simCell struct {
	mu    sync.Mutex
	regs  map[uint16]uint16 // 地址 -> 值
	roles map[string]uint16 // 角色 -> 地址

	craneX, craneY float64
	speed          float64 // 坐标单位每秒
	carrying       bool    // 吸盘上是否吸着工件
	prevVacuum     uint16
	delivered      int

	stations  []*simStation
	sources   []config.SourceConfig
	positions map[string]config.Position
	pickTol   float64

	tick     time.Duration
	generate time.Duration
	lastGen  map[string]time.Time

	logger *slog.Logger
}

func newSimCell(cfg *config.Config, logger *slog.Logger) *simCell {
	c := &simCell{
		regs:      make(map[uint16]uint16),
		roles:     cfg.RegisterAddresses(),
		speed:     float64(cfg.Sim.SpeedPerSec),
		stations:  make([]*simStation, 0, len(cfg.Stations)),
		sources:   cfg.Sources,
		positions: cfg.Sim.Positions,
		pickTol:   float64(cfg.Sim.PickTolerance),
		tick:      time.Duration(cfg.Sim.TickMs) * time.Millisecond,
		generate:  time.Duration(cfg.Sim.GenerateEveryMs) * time.Millisecond,
		lastGen:   make(map[string]time.Time),
		logger:    logger,
	}
	for _, sc := range cfg.Stations {
		c.stations = append(c.stations, &simStation{
			cfg:      sc,
			startLag: time.Duration(cfg.Sim.StationStartLagMs) * time.Millisecond,
			cycle:    time.Duration(cfg.Sim.StationCycleMs) * time.Millisecond,
		})
	}
	if home, ok := c.positions["home"]; ok {
		c.craneX = float64(home.X)
		c.craneY = float64(home.Y)
	}
	c.writeRole(fieldbus.RegCranePosX, uint16(c.craneX))
	c.writeRole(fieldbus.RegCranePosY, uint16(c.craneY))
	return c
}

// loop 以固定步长推进物理仿真
func (c *simCell) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.step()
		}
	}
}

func (c *simCell) step() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	dt := c.tick.Seconds()

	// 天车向目标坐标匀速移动
	targetX := float64(c.readRole(fieldbus.RegCraneTargetX))
	targetY := float64(c.readRole(fieldbus.RegCraneTargetY))
	c.craneX = approach(c.craneX, targetX, c.speed*dt)
	c.craneY = approach(c.craneY, targetY, c.speed*dt)
	c.writeRole(fieldbus.RegCranePosX, uint16(math.Round(c.craneX)))
	c.writeRole(fieldbus.RegCranePosY, uint16(math.Round(c.craneY)))

	// 吸盘沿与工件交接
	vacuum := c.readRole(fieldbus.RegCraneVacuum)
	if c.prevVacuum == 0 && vacuum == 1 {
		c.handlePick()
	}
	if c.prevVacuum == 1 && vacuum == 0 {
		c.handleRelease()
	}
	c.prevVacuum = vacuum

	// 工站运行状态机
	for _, st := range c.stations {
		c.stepStation(st, now)
	}

	// 自动投料
	if c.generate > 0 {
		for _, src := range c.sources {
			if c.readRole(src.Sensor) == 1 {
				continue
			}
			last, ok := c.lastGen[string(src.ID)]
			if !ok || now.Sub(last) >= c.generate {
				c.writeRole(src.Sensor, 1)
				c.lastGen[string(src.ID)] = now
				c.logger.Info("来料位出现新工件", "source", src.ID)
			}
		}
	}
}

// handlePick 吸盘接合：天车悬停在有料的来料位或工站上方时取走工件
func (c *simCell) handlePick() {
	if c.carrying {
		return
	}
	for _, src := range c.sources {
		if c.nearPosition(string(src.ID)) && c.readRole(src.Sensor) == 1 {
			c.writeRole(src.Sensor, 0)
			c.carrying = true
			c.logger.Info("工件被吸起", "from", src.ID)
			return
		}
	}
	for _, st := range c.stations {
		if c.nearPosition(string(st.cfg.ID)) && c.readRole(st.cfg.Sensor) == 1 {
			c.writeRole(st.cfg.Sensor, 0)
			c.carrying = true
			c.logger.Info("工件被吸起", "from", st.cfg.ID)
			return
		}
	}
	c.logger.Warn("吸盘在空位置接合", "x", int(c.craneX), "y", int(c.craneY))
}

// handleRelease 吸盘释放：吸着工件时按当前位置决定去向
func (c *simCell) handleRelease() {
	if !c.carrying {
		return
	}
	c.carrying = false
	for _, st := range c.stations {
		if c.nearPosition(string(st.cfg.ID)) {
			c.writeRole(st.cfg.Sensor, 1)
			c.logger.Info("工件被放入工站", "station", st.cfg.ID)
			return
		}
	}
	if c.nearPosition("sink") {
		c.delivered++
		c.logger.Info("工件送达成品位", "delivered", c.delivered)
		return
	}
	c.logger.Warn("工件被释放在未知位置", "x", int(c.craneX), "y", int(c.craneY))
}

func (c *simCell) stepStation(st *simStation, now time.Time) {
	run := c.readRole(st.cfg.Run)
	switch st.phase {
	case 0:
		if run == 1 && st.prevRun == 0 {
			st.phase = 1
			st.since = now
		}
	case 1:
		if run == 0 {
			st.phase = 0
		} else if now.Sub(st.since) >= st.startLag {
			st.phase = 2
			st.since = now
			c.writeRole(st.cfg.Running, 1)
			c.logger.Info("工站开始加工", "station", st.cfg.ID)
		}
	case 2:
		// 运行命令被撤销 (停机或超时) 时立即停止
		if run == 0 || now.Sub(st.since) >= st.cycle {
			st.phase = 0
			c.writeRole(st.cfg.Running, 0)
			c.logger.Info("工站结束加工", "station", st.cfg.ID)
		}
	}
	st.prevRun = run
}

func (c *simCell) nearPosition(name string) bool {
	pos, ok := c.positions[name]
	if !ok {
		return false
	}
	return math.Abs(c.craneX-float64(pos.X)) <= c.pickTol && math.Abs(c.craneY-float64(pos.Y)) <= c.pickTol
}

func approach(current, target, maxDelta float64) float64 {
	diff := target - current
	if math.Abs(diff) <= maxDelta {
		return target
	}
	if diff > 0 {
		return current + maxDelta
	}
	return current - maxDelta
}

func (c *simCell) readRole(role string) uint16 {
	return c.regs[c.roles[role]]
}

func (c *simCell) writeRole(role string, v uint16) {
	c.regs[c.roles[role]] = v
}

// Delivered 返回已送达成品位的工件数
func (c *simCell) Delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// HandleHoldingRegisters 处理保持寄存器的读写请求
// 未映射的地址按值为 0 的寄存器对待，和宽容的 PLC 行为一致
func (c *simCell) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.IsWrite {
		for i := uint16(0); i < req.Quantity; i++ {
			c.regs[req.Addr+i] = req.Args[i]
		}
		return nil, nil
	}
	res := make([]uint16, req.Quantity)
	for i := uint16(0); i < req.Quantity; i++ {
		res[i] = c.regs[req.Addr+i]
	}
	return res, nil
}

// HandleCoils 线圈不在本单元的寄存器模型里
func (c *simCell) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleDiscreteInputs 离散输入不在本单元的寄存器模型里
func (c *simCell) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

// HandleInputRegisters 输入寄存器不在本单元的寄存器模型里
func (c *simCell) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}
