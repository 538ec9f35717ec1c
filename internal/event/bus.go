package event

import (
	"sync"
	"time"

	"crane-cell-control/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	PartQueued       EventType = "PartQueued"       // 来料检测入队
	PartStarted      EventType = "PartStarted"      // 工件开始处理
	PartMoved        EventType = "PartMoved"        // 工件位置/状态推进
	PartCompleted    EventType = "PartCompleted"    // 工件成功送达成品位
	PartFailed       EventType = "PartFailed"       // 工件处理失败
	StationStarted   EventType = "StationStarted"   // 工站开始加工
	StationCompleted EventType = "StationCompleted" // 工站加工完成
	StationTimedOut  EventType = "StationTimedOut"  // 工站加工超时
)

// Event 结构体定义了事件的数据负载
// Part 字段是发布时刻的快照值而不是指针：订阅者在独立 goroutine 里
// 消费事件，调度循环随后还会继续改写工件
type Event struct {
	Type      EventType       // 事件类型
	PartID    int64           // 关联的工件 ID
	Part      types.Part      // 工件数据快照 (仅工件相关事件)
	Source    types.SourceID  // 关联的来料位 (仅 PartQueued)
	StationID types.StationID // 关联的工站 ID (仅工站相关事件)
	Duration  time.Duration   // 加工耗时 (仅 StationCompleted)
	Error     error           // 错误信息 (仅失败/超时事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
