package journal

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"crane-cell-control/internal/event"
	"crane-cell-control/internal/types"
)

const (
	entryQueued = "QUEUED"
	entryClosed = "CLOSED"
)

// logEntry 是日志文件中的一行记录
type logEntry struct {
	Type   string       `json:"type"`              // QUEUED 或 CLOSED
	Part   *types.Part  `json:"part,omitempty"`    // QUEUED 行携带完整工件
	PartID int64        `json:"part_id,omitempty"` // CLOSED 行只携带编号
	Status types.Status `json:"status,omitempty"`  // CLOSED 行的终态
}

// Journal 以追加写的 JSON 行记录工件生命周期
// 工件入队时记一行，走到终态 (COMPLETED/FAILED) 再记一行；
// 重启时两相抵扣，剩下的就是上次运行被中途放弃的工件。
// 工件编号每次启动从头计数，所以回放之后要用 Reset 清空旧记录
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// Open 创建或打开一个生命周期日志文件
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

// Queued 记录一个刚入队的工件
func (j *Journal) Queued(p types.Part) error {
	return j.append(logEntry{Type: entryQueued, Part: &p})
}

// Closed 记录一个走到终态的工件
func (j *Journal) Closed(partID int64, status types.Status) error {
	return j.append(logEntry{Type: entryClosed, PartID: partID, Status: status})
}

func (j *Journal) append(e logEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 每行落盘，进程被杀时不丢记录
	return j.file.Sync()
}

// Recover 回放日志，返回已入队但未走到终态的工件，按编号升序
// 损坏的行直接跳过。恢复到的工件只用于启动时告警，
// 物理位置在重启后已不可知，不会被重新排入队列
func (j *Journal) Recover() ([]types.Part, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	pending := make(map[int64]types.Part)
	closed := make(map[int64]bool)

	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var e logEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		switch e.Type {
		case entryQueued:
			if e.Part != nil {
				pending[e.Part.ID] = *e.Part
			}
		case entryClosed:
			closed[e.PartID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	var abandoned []types.Part
	for id, p := range pending {
		if !closed[id] {
			abandoned = append(abandoned, p)
		}
	}
	sort.Slice(abandoned, func(i, k int) bool { return abandoned[i].ID < abandoned[k].ID })
	return abandoned, nil
}

// Reset 清空日志
// 在启动回放之后调用，让文件只描述本次运行
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err := j.file.Seek(0, io.SeekStart)
	return err
}

// Attach 订阅工件生命周期事件
// 写入失败只告警，不打断调度
func (j *Journal) Attach(bus *event.Bus, logger *slog.Logger) {
	bus.Subscribe(event.PartQueued, func(e event.Event) {
		if err := j.Queued(e.Part); err != nil {
			logger.Warn("写入工件生命周期日志失败", "error", err, "part_id", e.PartID)
		}
	})
	bus.Subscribe(event.PartCompleted, func(e event.Event) {
		if err := j.Closed(e.PartID, types.StatusCompleted); err != nil {
			logger.Warn("写入工件生命周期日志失败", "error", err, "part_id", e.PartID)
		}
	})
	bus.Subscribe(event.PartFailed, func(e event.Event) {
		if err := j.Closed(e.PartID, types.StatusFailed); err != nil {
			logger.Warn("写入工件生命周期日志失败", "error", err, "part_id", e.PartID)
		}
	})
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
