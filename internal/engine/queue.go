package engine

import (
	"sync"

	"crane-cell-control/internal/metrics"
	"crane-cell-control/internal/types"
)

// Queues 维护每个来料位一条 FIFO 队列
// 同一来料位先到先服务，不同来料位之间由 PopNext 轮转保证公平，
// 单侧持续来料不会饿死另一侧
type Queues struct {
	mu     sync.Mutex
	order  []types.SourceID               // 来料位的轮转顺序，取自配置声明顺序
	queues map[types.SourceID][]*types.Part
	next   int         // 下一次轮转扫描的起点
	active *types.Part // 正在被调度循环处理的工件
}

// NewQueues 按给定的来料位顺序创建队列组
func NewQueues(order []types.SourceID) *Queues {
	queues := make(map[types.SourceID][]*types.Part, len(order))
	for _, id := range order {
		queues[id] = nil
	}
	return &Queues{
		order:  order,
		queues: queues,
	}
}

// Enqueue 将新检测到的工件放入其来料位的队尾
func (q *Queues) Enqueue(p *types.Part) {
	q.mu.Lock()
	defer q.mu.Unlock()
	src := types.SourceID(p.Location)
	q.queues[src] = append(q.queues[src], p)
	metrics.PartsInQueue.Inc()
}

// PopNext 轮转取出下一个待处理工件
// 从上次取出的来料位的下一位开始扫描，跳过空队列；全部为空时返回 false。
// 取出的工件记为在制，直到 FinishActive 被调用
func (q *Queues) PopNext() (*types.Part, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.order); i++ {
		idx := (q.next + i) % len(q.order)
		src := q.order[idx]
		if len(q.queues[src]) == 0 {
			continue
		}
		p := q.queues[src][0]
		q.queues[src] = q.queues[src][1:]
		q.next = (idx + 1) % len(q.order)
		q.active = p
		metrics.PartsInQueue.Dec()
		return p, true
	}
	return nil, false
}

// FinishActive 标记在制工件处理结束
func (q *Queues) FinishActive() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = nil
}

// HasWaitingAt 判断某来料位是否已有等待中的工件
// 来料检测用它去重：队列里的工件全部处于等待状态，此外还要算上
// 刚被取出、但还停在来料位没被吸走的在制工件
func (q *Queues) HasWaitingAt(src types.SourceID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.queues[src] {
		if p.Location == types.Location(src) && p.Status == types.StatusWaiting {
			return true
		}
	}
	if q.active != nil && q.active.Location == types.Location(src) && q.active.Status == types.StatusWaiting {
		return true
	}
	return false
}

// Depth 返回所有来料位待处理工件的总数
func (q *Queues) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, parts := range q.queues {
		n += len(parts)
	}
	return n
}
