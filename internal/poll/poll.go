// Package poll 提供带超时上限的条件轮询
// 到位等待、工站启动与完成确认都复用这一个原语
package poll

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Until 以固定间隔轮询 cond，直到条件满足、超出 timeout 或 ctx 被取消
// 条件满足返回 true，其余情况返回 false
//
// 进入时会先查一次条件，再开始计时等待，因此条件已满足时不产生任何延时；
// 每轮先休眠再复查，总等待时间不超过 timeout 加一个 interval
func Until(ctx context.Context, clk clockwork.Clock, interval, timeout time.Duration, cond func() bool) bool {
	deadline := clk.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !clk.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-clk.After(interval):
		}
	}
}
