package fieldbus

import "sync"

// MemBus 是 Bus 的进程内实现，测试和联调时代替真实 PLC
// 未写入过的角色读取返回 (0, false)，正好模拟真实总线上的"值未知"
type MemBus struct {
	mu   sync.RWMutex
	vals map[string]uint16
}

// NewMemBus 创建一个空的内存总线
func NewMemBus() *MemBus {
	return &MemBus{vals: make(map[string]uint16)}
}

// Read 读取角色当前值，角色不存在时视为读失败
func (b *MemBus) Read(role string) (uint16, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.vals[role]
	return v, ok
}

// Write 写入角色值
func (b *MemBus) Write(role string, value uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vals[role] = value
	return true
}

// Set 直接设置寄存器值，测试里用来模拟设备侧的状态变化
func (b *MemBus) Set(role string, value uint16) {
	b.Write(role, value)
}

// Unset 删除角色，使后续读取返回"值未知"
func (b *MemBus) Unset(role string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vals, role)
}
