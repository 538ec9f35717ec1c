// Package fsm 实现工件生命周期状态机
// 路由方案里每一步声明的搬运效果 (pick/place/deliver) 映射为状态机事件，
// 配置加载时还会用同一张转移表对方案做空转校验
package fsm

import (
	"fmt"
	"sync"

	"crane-cell-control/internal/types"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

const (
	StateWaiting    State = "WAITING"    // 在来料位等待取走
	StateInTransit  State = "IN_TRANSIT" // 被天车吸持搬运中
	StateProcessing State = "PROCESSING" // 在工站内加工
	StateCompleted  State = "COMPLETED"  // 已送达成品位
	StateFailed     State = "FAILED"     // 处理失败终态
)

const (
	EventPick    Event = "PICK"    // 从来料位或工站取起
	EventPlace   Event = "PLACE"   // 放入工站
	EventDeliver Event = "DELIVER" // 送达成品位
	EventFail    Event = "FAIL"    // 任意非终态下的失败
)

// EventForEffect 把路由步骤的搬运效果翻译成状态机事件
func EventForEffect(effect types.Effect) (Event, bool) {
	switch effect {
	case types.EffectPick:
		return EventPick, true
	case types.EffectPlace:
		return EventPlace, true
	case types.EffectDeliver:
		return EventDeliver, true
	default:
		return "", false
	}
}

// FSM 有限状态机
type FSM struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	PartID      int64 // 关联的工件ID
}

// New 创建一个处于 WAITING 状态的工件状态机
func New(partID int64) *FSM {
	f := &FSM{
		current:     StateWaiting,
		PartID:      partID,
		transitions: make(map[State]map[Event]State),
	}
	f.initTransitions()
	return f
}

func (f *FSM) initTransitions() {
	f.addTransition(StateWaiting, EventPick, StateInTransit)
	f.addTransition(StateWaiting, EventFail, StateFailed)

	f.addTransition(StateInTransit, EventPlace, StateProcessing)
	f.addTransition(StateInTransit, EventDeliver, StateCompleted)
	f.addTransition(StateInTransit, EventFail, StateFailed)

	f.addTransition(StateProcessing, EventPick, StateInTransit) // 加工完由天车取走
	f.addTransition(StateProcessing, EventFail, StateFailed)
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Fire 触发事件
// 转移表中不存在的迁移返回错误且状态保持不变，COMPLETED 和 FAILED
// 是终态，任何事件都无法离开
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	nextState, ok := f.transitions[f.current][event]
	if !ok {
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, f.current)
	}
	f.current = nextState
	return nil
}
