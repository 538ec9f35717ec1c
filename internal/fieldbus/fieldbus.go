// Package fieldbus 定义对现场总线寄存器的统一读写端口
// 编排核心只通过这里的 Bus 接口访问设备，不感知底层协议细节
package fieldbus

// 天车相关寄存器的角色名
// 角色到实际寄存器地址的映射由配置文件的 registers 段给出
const (
	RegCraneTargetX = "crane_target_x" // 天车目标 X 坐标 (写)
	RegCraneTargetY = "crane_target_y" // 天车目标 Y 坐标 (写)
	RegCranePosX    = "crane_pos_x"    // 天车当前 X 坐标 (读)
	RegCranePosY    = "crane_pos_y"    // 天车当前 Y 坐标 (读)
	RegCraneVacuum  = "crane_vacuum"   // 真空吸盘开关 (写)
)

// CraneRoles 返回天车必需的全部寄存器角色名
// 配置校验用它确认寄存器表完整
func CraneRoles() []string {
	return []string{
		RegCraneTargetX,
		RegCraneTargetY,
		RegCranePosX,
		RegCranePosY,
		RegCraneVacuum,
	}
}

// Bus 是寄存器读写端口
// 读失败返回 (0, false) 表示"值未知"，调用方按"条件尚未满足"处理并在下个
// 轮询周期重试；写失败返回 false。两者都不会以 error 的形式中断控制循环，
// 这样瞬时的总线抖动不会打断编排逻辑
//
// 实现必须允许并发调用：编排核心是唯一的写入方，但只读观察者会在独立的
// goroutine 里轮询同一批寄存器
type Bus interface {
	// Read 读取一个角色对应的寄存器值
	Read(role string) (uint16, bool)
	// Write 向一个角色对应的寄存器写入值
	Write(role string, value uint16) bool
}
