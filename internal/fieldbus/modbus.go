package fieldbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"crane-cell-control/internal/metrics"
)

// ModbusBus 是 Bus 的 Modbus TCP 实现
// 单元内所有可寻址状态都在 PLC 的保持寄存器区，所以端口只使用
// ReadRegister/WriteRegister 一种功能码
type ModbusBus struct {
	mu     sync.Mutex // modbus 客户端不支持并发请求，串行化所有读写
	client *modbus.ModbusClient
	regs   map[string]uint16 // 角色名 -> 寄存器地址
	logger *slog.Logger
}

// Dial 建立到 PLC 的 Modbus TCP 连接
// 连接失败直接返回错误，由调用方决定是否终止进程：启动时连不上
// 现场设备继续运行没有意义
func Dial(url string, timeout time.Duration, regs map[string]uint16, logger *slog.Logger) (*ModbusBus, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     url,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Modbus 客户端失败: %w", err)
	}
	if err := client.Open(); err != nil {
		return nil, fmt.Errorf("连接现场总线 %s 失败: %w", url, err)
	}
	logger.Info("现场总线已连接", "url", url)
	return &ModbusBus{
		client: client,
		regs:   regs,
		logger: logger,
	}, nil
}

// Read 读取角色对应的保持寄存器
// 读失败返回 (0, false)，只记 debug 日志：到位等待以 100ms 级别轮询，
// 总线短暂失联时按告警级别记录会刷爆日志
func (b *ModbusBus) Read(role string) (uint16, bool) {
	addr, ok := b.regs[role]
	if !ok {
		b.logger.Error("读取了未映射的寄存器角色", "role", role)
		return 0, false
	}
	b.mu.Lock()
	v, err := b.client.ReadRegister(addr, modbus.HOLDING_REGISTER)
	b.mu.Unlock()
	if err != nil {
		metrics.FieldbusIOErrors.WithLabelValues("read").Inc()
		b.logger.Debug("寄存器读取失败", "role", role, "addr", addr, "error", err)
		return 0, false
	}
	return v, true
}

// Write 向角色对应的保持寄存器写入值
func (b *ModbusBus) Write(role string, value uint16) bool {
	addr, ok := b.regs[role]
	if !ok {
		b.logger.Error("写入了未映射的寄存器角色", "role", role)
		return false
	}
	b.mu.Lock()
	err := b.client.WriteRegister(addr, value)
	b.mu.Unlock()
	if err != nil {
		metrics.FieldbusIOErrors.WithLabelValues("write").Inc()
		b.logger.Warn("寄存器写入失败", "role", role, "addr", addr, "value", value, "error", err)
		return false
	}
	return true
}

// Close 断开与 PLC 的连接
func (b *ModbusBus) Close() error {
	return b.client.Close()
}
