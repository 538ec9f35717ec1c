package web

import (
	"sync"

	"crane-cell-control/internal/types"
)

// PartView 定义了用于 UI 展示的工件状态
// 这是一个简化的视图，只包含前端需要的数据
type PartView struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Location string `json:"location"`
	Status   string `json:"status"`
}

// CraneView 是天车的实时姿态
// Known 为 false 表示位置寄存器当前读不到
type CraneView struct {
	X      uint16 `json:"x"`
	Y      uint16 `json:"y"`
	Vacuum bool   `json:"vacuum"`
	Known  bool   `json:"known"`
}

// CellState 代表整个单元的实时状态快照
type CellState struct {
	Parts      map[int64]PartView         `json:"parts"`
	Stations   map[types.StationID]string `json:"stations"`
	Crane      CraneView                  `json:"crane"`
	QueueDepth int                        `json:"queue_depth"`
}

// StateTracker 负责追踪单元的实时状态，并通知前端更新
// 工件视图由事件处理器推送，天车/工站遥测由只读监视器推送
type StateTracker struct {
	mu    sync.RWMutex
	state CellState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: CellState{
			Parts:    make(map[int64]PartView),
			Stations: make(map[types.StationID]string),
		},
		hub: hub,
	}
}

// UpsertPart 以事件里携带的快照覆盖工件视图，并向所有客户端广播
func (st *StateTracker) UpsertPart(p types.Part) {
	st.mu.Lock()
	st.state.Parts[p.ID] = PartView{
		ID:       p.ID,
		Type:     string(p.Type),
		Location: string(p.Location),
		Status:   string(p.Status),
	}
	snapshot := st.snapshotLocked()
	st.mu.Unlock()

	st.hub.BroadcastState(snapshot)
}

// UpdateTelemetry 更新天车姿态、工站状态与队列深度，并广播
func (st *StateTracker) UpdateTelemetry(crane CraneView, stations map[types.StationID]string, queueDepth int) {
	st.mu.Lock()
	st.state.Crane = crane
	for id, s := range stations {
		st.state.Stations[id] = s
	}
	st.state.QueueDepth = queueDepth
	snapshot := st.snapshotLocked()
	st.mu.Unlock()

	st.hub.BroadcastState(snapshot)
}

// Snapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) Snapshot() CellState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *StateTracker) snapshotLocked() CellState {
	// 创建深拷贝以避免并发问题
	out := CellState{
		Parts:      make(map[int64]PartView, len(st.state.Parts)),
		Stations:   make(map[types.StationID]string, len(st.state.Stations)),
		Crane:      st.state.Crane,
		QueueDepth: st.state.QueueDepth,
	}
	for id, p := range st.state.Parts {
		out.Parts[id] = p
	}
	for id, s := range st.state.Stations {
		out.Stations[id] = s
	}
	return out
}
