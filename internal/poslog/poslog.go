// Package poslog 实现工件位置追踪日志
// 天车在吸持状态下每完成一次到位移动，就向 CSV 文件追加一条记录，
// 供下游追溯每个工件实际走过的路径
package poslog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
)

// 时间戳列使用不带时区的 ISO-8601 秒级格式
const timeLayout = "2006-01-02T15:04:05"

var header = []string{"part_id", "timestamp", "x", "y", "end_effector_engaged"}

// Recorder 负责位置日志的写入
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	clk  clockwork.Clock
	path string
}

// NewRecorder 创建或打开一个位置日志文件
// 文件以追加模式打开，重启后继续写同一个文件；仅在文件为空时写入表头
func NewRecorder(path string, clk clockwork.Clock) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开位置日志文件失败: %w", err)
	}
	r := &Recorder{
		file: file,
		w:    csv.NewWriter(file),
		clk:  clk,
		path: path,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("读取位置日志文件状态失败: %w", err)
	}
	if info.Size() == 0 {
		if err := r.writeRow(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("写入位置日志表头失败: %w", err)
		}
	}
	return r, nil
}

// Record 追加一条位置记录
// 每条记录立即刷盘，进程崩溃最多丢失正在写的一行
func (r *Recorder) Record(partID int64, x, y uint16, engaged bool) error {
	row := []string{
		strconv.FormatInt(partID, 10),
		r.clk.Now().Format(timeLayout),
		strconv.FormatUint(uint64(x), 10),
		strconv.FormatUint(uint64(y), 10),
		strconv.FormatBool(engaged),
	}
	return r.writeRow(row)
}

func (r *Recorder) writeRow(row []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return err
	}
	return r.file.Sync()
}

// Close 刷出缓冲并关闭日志文件
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
