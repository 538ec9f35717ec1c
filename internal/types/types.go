package types

import "time"

// SourceID 定义来料工位 ID
// 使用字符串类型，方便在日志和配置中直接使用
type SourceID string

// StationID 定义加工工站 ID (e.g. process1, process2)
type StationID string

// PartType 定义工件类型，决定其路由方案
// 类型集合由配置文件中的 sources/routing_plans 决定，代码中不枚举
type PartType string

// Location 表示工件当前所处的物理位置：
// 来料工位 ID、加工工站 ID，或下面两个固定位置
type Location string

const (
	// LocationCrane 工件被天车吸持，正在搬运途中
	LocationCrane Location = "crane"
	// LocationSink 成品收纳位，工件的终点
	LocationSink Location = "sink"
)

// Status 表示工件的生命周期状态
// 状态迁移由 fsm 包的转移表约束，只能单向推进，不允许回退
type Status string

const (
	StatusWaiting    Status = "WAITING"    // 已被传感器检出，在队列中等待
	StatusInTransit  Status = "IN_TRANSIT" // 被天车吸持，正在搬运
	StatusProcessing Status = "PROCESSING" // 已放入加工工站
	StatusCompleted  Status = "COMPLETED"  // 已送达成品位，不再变更
	StatusFailed     Status = "FAILED"     // 超时策略为 fail 时中途放弃
)

// Part 表示产线上的一个工件
// 在 WAITING 状态由队列独占持有；被调度器弹出后转入在制槽位；
// COMPLETED 之后不再修改
type Part struct {
	ID         int64     `json:"id"`          // 进程内单调递增的唯一编号
	Type       PartType  `json:"type"`        // 工件类型，由来料工位的固定映射决定
	Location   Location  `json:"location"`    // 当前物理位置
	Status     Status    `json:"status"`      // 当前生命周期状态
	DetectedAt time.Time `json:"detected_at"` // 传感器首次检出时刻
}

// ActionKind 标识动作的有效载荷类型
type ActionKind int

const (
	ActionInvalid        ActionKind = iota // 载荷缺失或有歧义（配置校验时报错）
	ActionSetEndEffector                   // 吸取/释放工件
	ActionMoveTo                           // 移动到目标坐标并等待到位
	ActionAwaitStation                     // 启动工站并等待加工完成
)

// Action 是动作序列中的一条通用动作记录
// 三种载荷有且只有一种生效；多种载荷同时出现视为配置错误
type Action struct {
	EndEffector  *bool     `mapstructure:"end_effector"`  // true 吸取 / false 释放
	TargetX      *int      `mapstructure:"target_x"`      // 目标 X 坐标，与 target_y 成对出现
	TargetY      *int      `mapstructure:"target_y"`      // 目标 Y 坐标
	AwaitStation StationID `mapstructure:"await_station"` // 要等待的工站 ID
	Description  string    `mapstructure:"description"`   // 可选的动作说明，仅用于日志
}

// Kind 判定动作的载荷类型
// 坐标必须成对出现；零种或多种载荷返回 ActionInvalid
func (a Action) Kind() ActionKind {
	n := 0
	kind := ActionInvalid
	if a.EndEffector != nil {
		n++
		kind = ActionSetEndEffector
	}
	if a.TargetX != nil || a.TargetY != nil {
		if a.TargetX == nil || a.TargetY == nil {
			return ActionInvalid
		}
		n++
		kind = ActionMoveTo
	}
	if a.AwaitStation != "" {
		n++
		kind = ActionAwaitStation
	}
	if n != 1 {
		return ActionInvalid
	}
	return kind
}

// Sequence 是一段具名的有序动作列表，加载后不可变
// 路由方案按名称引用，不按工件复制
type Sequence []Action

// Effect 描述一个路由步骤对工件生命周期的影响
type Effect string

const (
	EffectNone    Effect = ""        // 不改变工件状态（如工站加工步骤）
	EffectPick    Effect = "pick"    // 吸取工件：-> IN_TRANSIT @ crane
	EffectPlace   Effect = "place"   // 放入工站：-> PROCESSING @ At
	EffectDeliver Effect = "deliver" // 送达成品位：-> COMPLETED @ sink
)

// RoutingStep 是路由方案中的一步：
// 执行一段具名动作序列，或直接启动某个工站并等待完成
// Sequence 与 Station 二者有且只有一个非空
type RoutingStep struct {
	Sequence string    `mapstructure:"sequence"` // 要执行的序列名
	Station  StationID `mapstructure:"station"`  // 要启动并等待的工站 ID
	Effect   Effect    `mapstructure:"effect"`   // 本步对工件生命周期的影响
	At       Location  `mapstructure:"at"`       // effect 为 place 时的目标工站
	Rule     string    `mapstructure:"rule"`     // 可选的 expr 守卫表达式，为空则总是执行
}

// RoutingPlan 是某一工件类型从来料到成品的完整路径
// 纯数据表：新增工件类型只需增加配置，不需要新的控制代码
type RoutingPlan []RoutingStep

// RuleEnv 构造守卫表达式的求值环境
// 字段统一降级为基础类型，表达式里可以直接和字面量比较，
// 例如 part.type == "type2" 或 part.id % 2 == 0
func RuleEnv(p Part) map[string]interface{} {
	return map[string]interface{}{
		"part": map[string]interface{}{
			"id":       p.ID,
			"type":     string(p.Type),
			"location": string(p.Location),
			"status":   string(p.Status),
		},
	}
}
