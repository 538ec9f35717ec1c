package config

import (
	"fmt"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/spf13/viper"

	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/fsm"
	"crane-cell-control/internal/types"
)

// FieldbusConfig 是现场总线连接参数
type FieldbusConfig struct {
	URL       string `mapstructure:"url"`        // 例如 tcp://192.168.10.2:502
	TimeoutMs int    `mapstructure:"timeout_ms"` // 单次请求超时
}

// CraneConfig 是天车搬运的时序参数
type CraneConfig struct {
	Tolerance         int `mapstructure:"tolerance"`            // 每轴到位容差
	MoveTimeoutMs     int `mapstructure:"move_timeout_ms"`      // 到位等待上限
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`     // 位置回报轮询间隔
	VacuumOnSettleMs  int `mapstructure:"vacuum_on_settle_ms"`  // 吸盘接合稳定等待
	VacuumOffSettleMs int `mapstructure:"vacuum_off_settle_ms"` // 吸盘释放稳定等待
	StationSettleMs   int `mapstructure:"station_settle_ms"`    // 启动工站前的让位等待
}

// SchedulerConfig 是调度循环参数
type SchedulerConfig struct {
	ArrivalPollMs int    `mapstructure:"arrival_poll_ms"` // 来料轮询间隔
	OnTimeout     string `mapstructure:"on_timeout"`      // 超时策略: continue 或 fail
}

// SourceConfig 描述一个来料位
type SourceConfig struct {
	ID       types.SourceID `mapstructure:"id"`
	Sensor   string         `mapstructure:"sensor"`    // 来料传感器的寄存器角色
	PartType types.PartType `mapstructure:"part_type"` // 该来料位产出的工件类型
}

// StationConfig 描述一个工站及其时序参数
type StationConfig struct {
	ID             types.StationID `mapstructure:"id"`
	Run            string          `mapstructure:"run"`     // 运行命令寄存器角色
	Running        string          `mapstructure:"running"` // 运行状态回报寄存器角色
	Sensor         string          `mapstructure:"sensor"`  // 进料传感器寄存器角色
	RunSettleMs    int             `mapstructure:"run_settle_ms"`
	StartTimeoutMs int             `mapstructure:"start_timeout_ms"`
	StartPollMs    int             `mapstructure:"start_poll_ms"`
	DoneTimeoutMs  int             `mapstructure:"done_timeout_ms"`
	DonePollMs     int             `mapstructure:"done_poll_ms"`
	OffSettleMs    int             `mapstructure:"off_settle_ms"`
}

// PositionLogConfig 是位置追踪日志配置
type PositionLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// JournalConfig 是工件生命周期日志配置
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ObserverConfig 是观察端 HTTP 服务配置
type ObserverConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Listen         string `mapstructure:"listen"`           // 例如 :8080
	PollIntervalMs int    `mapstructure:"poll_interval_ms"` // 天车/工站状态的只读轮询间隔
}

// Position 是单元坐标系里的一个点位
type Position struct {
	X int `mapstructure:"x"`
	Y int `mapstructure:"y"`
}

// SimConfig 是单元模拟器 (cmd/cell-sim) 的参数
// 编排进程不读取这一段
type SimConfig struct {
	Listen            string              `mapstructure:"listen"`  // Modbus 服务监听地址
	TickMs            int                 `mapstructure:"tick_ms"` // 物理仿真步长
	SpeedPerSec       int                 `mapstructure:"speed_per_sec"`
	StationStartLagMs int                 `mapstructure:"station_start_lag_ms"`
	StationCycleMs    int                 `mapstructure:"station_cycle_ms"`
	GenerateEveryMs   int                 `mapstructure:"generate_every_ms"` // 0 表示不自动投料
	PickTolerance     int                 `mapstructure:"pick_tolerance"`    // 吸取/放下的判定距离
	Positions         map[string]Position `mapstructure:"positions"`         // 来料位/工站/成品位坐标
}

// Config 定义编排进程的完整配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	Fieldbus     FieldbusConfig               `mapstructure:"fieldbus"`
	Registers    map[string]int               `mapstructure:"registers"` // 寄存器角色名 -> 地址
	Crane        CraneConfig                  `mapstructure:"crane"`
	Scheduler    SchedulerConfig              `mapstructure:"scheduler"`
	Sources      []SourceConfig               `mapstructure:"sources"`
	Stations     []StationConfig              `mapstructure:"stations"`
	PositionLog  PositionLogConfig            `mapstructure:"position_log"`
	Journal      JournalConfig                `mapstructure:"journal"`
	Observer     ObserverConfig               `mapstructure:"observer"`
	Sim          SimConfig                    `mapstructure:"sim"`
	Sequences    map[string]types.Sequence    `mapstructure:"sequences"`     // 序列名 -> 动作列表
	RoutingPlans map[string]types.RoutingPlan `mapstructure:"routing_plans"` // 工件类型 -> 路由方案
}

// Load 从指定路径加载并校验配置
// path 为空时在当前目录查找 config.yaml。任何一处校验失败都返回错误，
// 带着残缺的路由配置跑真实设备比拒绝启动危险得多
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	// 设置默认值
	v.SetDefault("fieldbus.timeout_ms", 1000)
	v.SetDefault("crane.tolerance", 5)
	v.SetDefault("crane.move_timeout_ms", 30000)
	v.SetDefault("crane.poll_interval_ms", 100)
	v.SetDefault("crane.vacuum_on_settle_ms", 500)
	v.SetDefault("crane.vacuum_off_settle_ms", 800)
	v.SetDefault("crane.station_settle_ms", 500)
	v.SetDefault("scheduler.arrival_poll_ms", 500)
	v.SetDefault("scheduler.on_timeout", "continue")
	v.SetDefault("position_log.enabled", true)
	v.SetDefault("position_log.path", "positions.csv")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "parts.journal")
	v.SetDefault("observer.poll_interval_ms", 200)
	v.SetDefault("sim.listen", "tcp://0.0.0.0:1502")
	v.SetDefault("sim.tick_ms", 50)
	v.SetDefault("sim.speed_per_sec", 400)
	v.SetDefault("sim.station_start_lag_ms", 500)
	v.SetDefault("sim.station_cycle_ms", 3000)
	v.SetDefault("sim.pick_tolerance", 10)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// normalize 补齐省略的工站时序参数并统一大小写
// Viper 已把 map 的 key 全部转成小写，这里把来料位声明的工件类型
// 也转成小写，保证和路由方案的 key 对得上
func (c *Config) normalize() {
	for i := range c.Sources {
		c.Sources[i].PartType = types.PartType(strings.ToLower(string(c.Sources[i].PartType)))
	}
	for i := range c.Stations {
		st := &c.Stations[i]
		if st.RunSettleMs == 0 {
			st.RunSettleMs = 1000
		}
		if st.StartTimeoutMs == 0 {
			st.StartTimeoutMs = 10000
		}
		if st.StartPollMs == 0 {
			st.StartPollMs = 200
		}
		if st.DoneTimeoutMs == 0 {
			st.DoneTimeoutMs = 60000
		}
		if st.DonePollMs == 0 {
			st.DonePollMs = 500
		}
		if st.OffSettleMs == 0 {
			st.OffSettleMs = 500
		}
	}
}

// RegisterAddresses 返回角色名到寄存器地址的映射
func (c *Config) RegisterAddresses() map[string]uint16 {
	out := make(map[string]uint16, len(c.Registers))
	for role, addr := range c.Registers {
		out[role] = uint16(addr)
	}
	return out
}

// FailOnTimeout 报告超时策略是否为判失败
func (c *Config) FailOnTimeout() bool {
	return c.Scheduler.OnTimeout == "fail"
}

func (c *Config) validate() error {
	if c.Fieldbus.URL == "" {
		return fmt.Errorf("fieldbus.url 不能为空")
	}
	if err := c.validateRegisters(); err != nil {
		return err
	}
	stations := make(map[types.StationID]bool, len(c.Stations))
	for i, st := range c.Stations {
		if st.ID == "" {
			return fmt.Errorf("第 %d 个工站缺少 id", i+1)
		}
		if stations[st.ID] {
			return fmt.Errorf("工站 %s 重复声明", st.ID)
		}
		stations[st.ID] = true
		for _, role := range []string{st.Run, st.Running, st.Sensor} {
			if _, ok := c.Registers[role]; !ok {
				return fmt.Errorf("工站 %s 引用了未声明的寄存器角色 %q", st.ID, role)
			}
		}
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateSequences(stations); err != nil {
		return err
	}
	if err := c.validatePlans(stations); err != nil {
		return err
	}
	switch c.Scheduler.OnTimeout {
	case "continue", "fail":
	default:
		return fmt.Errorf("scheduler.on_timeout 只能是 continue 或 fail, 实际 %q", c.Scheduler.OnTimeout)
	}
	if c.PositionLog.Enabled && c.PositionLog.Path == "" {
		return fmt.Errorf("position_log.path 不能为空")
	}
	if c.Observer.Enabled && c.Observer.Listen == "" {
		return fmt.Errorf("observer.listen 不能为空")
	}
	return nil
}

func (c *Config) validateRegisters() error {
	if len(c.Registers) == 0 {
		return fmt.Errorf("registers 段不能为空")
	}
	for role, addr := range c.Registers {
		if addr < 0 || addr > 65535 {
			return fmt.Errorf("寄存器 %s 的地址 %d 超出 uint16 范围", role, addr)
		}
	}
	for _, role := range fieldbus.CraneRoles() {
		if _, ok := c.Registers[role]; !ok {
			return fmt.Errorf("registers 段缺少天车寄存器角色 %q", role)
		}
	}
	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("至少需要声明一个来料位")
	}
	seen := make(map[types.SourceID]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("第 %d 个来料位缺少 id", i+1)
		}
		if seen[src.ID] {
			return fmt.Errorf("来料位 %s 重复声明", src.ID)
		}
		seen[src.ID] = true
		if _, ok := c.Registers[src.Sensor]; !ok {
			return fmt.Errorf("来料位 %s 引用了未声明的寄存器角色 %q", src.ID, src.Sensor)
		}
		if src.PartType == "" {
			return fmt.Errorf("来料位 %s 缺少 part_type", src.ID)
		}
		if _, ok := c.RoutingPlans[string(src.PartType)]; !ok {
			return fmt.Errorf("来料位 %s 的工件类型 %s 没有对应的路由方案", src.ID, src.PartType)
		}
	}
	return nil
}

func (c *Config) validateSequences(stations map[types.StationID]bool) error {
	for name, seq := range c.Sequences {
		if len(seq) == 0 {
			return fmt.Errorf("序列 %s 为空", name)
		}
		for i, action := range seq {
			switch action.Kind() {
			case types.ActionSetEndEffector:
			case types.ActionMoveTo:
				if *action.TargetX < 0 || *action.TargetX > 65535 || *action.TargetY < 0 || *action.TargetY > 65535 {
					return fmt.Errorf("序列 %s 第 %d 个动作的目标坐标超出 uint16 范围", name, i+1)
				}
			case types.ActionAwaitStation:
				if !stations[action.AwaitStation] {
					return fmt.Errorf("序列 %s 第 %d 个动作引用了未声明的工站 %q", name, i+1, action.AwaitStation)
				}
			default:
				return fmt.Errorf("序列 %s 第 %d 个动作必须且只能携带一种载荷", name, i+1)
			}
		}
	}
	return nil
}

func (c *Config) validatePlans(stations map[types.StationID]bool) error {
	if len(c.RoutingPlans) == 0 {
		return fmt.Errorf("routing_plans 段不能为空")
	}
	// 守卫表达式的编译环境和运行时保持一致
	env := types.RuleEnv(types.Part{})
	for partType, plan := range c.RoutingPlans {
		if len(plan) == 0 {
			return fmt.Errorf("工件类型 %s 的路由方案为空", partType)
		}
		for i, step := range plan {
			hasSeq := step.Sequence != ""
			hasStation := step.Station != ""
			if hasSeq == hasStation {
				return fmt.Errorf("路由方案 %s 第 %d 步必须且只能声明 sequence 或 station 之一", partType, i+1)
			}
			if hasSeq {
				if _, ok := c.Sequences[step.Sequence]; !ok {
					return fmt.Errorf("路由方案 %s 第 %d 步引用了未定义的序列 %q", partType, i+1, step.Sequence)
				}
			}
			if hasStation && !stations[step.Station] {
				return fmt.Errorf("路由方案 %s 第 %d 步引用了未声明的工站 %q", partType, i+1, step.Station)
			}
			switch step.Effect {
			case types.EffectNone, types.EffectPick, types.EffectDeliver:
				if step.At != "" {
					return fmt.Errorf("路由方案 %s 第 %d 步的 at 仅在 place 效果下有意义", partType, i+1)
				}
			case types.EffectPlace:
				if !stations[types.StationID(step.At)] {
					return fmt.Errorf("路由方案 %s 第 %d 步的 at 必须是已声明的工站, 实际 %q", partType, i+1, step.At)
				}
			default:
				return fmt.Errorf("路由方案 %s 第 %d 步的效果 %q 非法", partType, i+1, step.Effect)
			}
			if step.Rule != "" {
				if _, err := expr.Compile(step.Rule, expr.Env(env)); err != nil {
					return fmt.Errorf("路由方案 %s 第 %d 步的守卫表达式编译失败: %w", partType, i+1, err)
				}
			}
		}
		if err := dryRunPlan(partType, plan); err != nil {
			return err
		}
	}
	return nil
}

// dryRunPlan 把路由方案声明的搬运效果在状态机上空转一遍
// 能提前暴露"先放后取"这类写错顺序的方案，也保证方案以送达收尾
func dryRunPlan(partType string, plan types.RoutingPlan) error {
	f := fsm.New(0)
	for i, step := range plan {
		if step.Effect == types.EffectNone {
			continue
		}
		ev, ok := fsm.EventForEffect(step.Effect)
		if !ok {
			return fmt.Errorf("路由方案 %s 第 %d 步的效果 %q 非法", partType, i+1, step.Effect)
		}
		if err := f.Fire(ev); err != nil {
			return fmt.Errorf("路由方案 %s 第 %d 步的效果顺序非法: %w", partType, i+1, err)
		}
	}
	if f.Current() != fsm.StateCompleted {
		return fmt.Errorf("路由方案 %s 未以送达成品位收尾, 最终状态 %s", partType, f.Current())
	}
	return nil
}
