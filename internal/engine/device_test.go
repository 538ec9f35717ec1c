package engine

import (
	"sync"
	"time"

	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/types"
)

// testStationSim 模拟一个工站的运行状态回报
// cycle 是加工持续的 tick 数，负数表示永不完成。
// 只在运行命令的上升沿启动一次，命令保持为 1 不会连续加工
type testStationSim struct {
	runRole     string
	runningRole string
	cycle       int
	active      bool
	prevRun     uint16
	ticks       int
	runs        int
}

// testDevice 在后台模拟单元设备：天车瞬间到位，工站按脚本回报
// 所有状态都走 MemBus，与被测代码只通过寄存器交互
type testDevice struct {
	bus      *fieldbus.MemBus
	stations []*testStationSim

	mu      sync.Mutex
	pickups []int // 吸盘接合时的天车 X 坐标
	prevVac uint16

	stop chan struct{}
	done chan struct{}
}

func startTestDevice(bus *fieldbus.MemBus, stations ...*testStationSim) *testDevice {
	d := &testDevice{
		bus:      bus,
		stations: stations,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *testDevice) run() {
	defer close(d.done)
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *testDevice) tick() {
	// 天车瞬间到达目标坐标
	if x, ok := d.bus.Read(fieldbus.RegCraneTargetX); ok {
		d.bus.Set(fieldbus.RegCranePosX, x)
	}
	if y, ok := d.bus.Read(fieldbus.RegCraneTargetY); ok {
		d.bus.Set(fieldbus.RegCranePosY, y)
	}

	// 记录吸盘接合瞬间的天车位置
	if v, ok := d.bus.Read(fieldbus.RegCraneVacuum); ok {
		d.mu.Lock()
		if d.prevVac == 0 && v == 1 {
			if px, ok := d.bus.Read(fieldbus.RegCranePosX); ok {
				d.pickups = append(d.pickups, int(px))
			}
		}
		d.prevVac = v
		d.mu.Unlock()
	}

	for _, st := range d.stations {
		run, _ := d.bus.Read(st.runRole)
		if run == 1 && st.prevRun == 0 && !st.active {
			st.active = true
			st.ticks = 0
			d.mu.Lock()
			st.runs++
			d.mu.Unlock()
			d.bus.Set(st.runningRole, 1)
		} else if st.active {
			if run == 0 {
				// 运行命令被撤销（停机或超时），立即复位
				d.bus.Set(st.runningRole, 0)
				st.active = false
			} else {
				st.ticks++
				if st.cycle >= 0 && st.ticks >= st.cycle {
					d.bus.Set(st.runningRole, 0)
					st.active = false
				}
			}
		}
		st.prevRun = run
	}
}

func (d *testDevice) Stop() {
	close(d.stop)
	<-d.done
}

func (d *testDevice) Pickups() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.pickups))
	copy(out, d.pickups)
	return out
}

func (d *testDevice) Runs(sim *testStationSim) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sim.runs
}

// 动作构造辅助

func mv(x, y int) types.Action {
	return types.Action{TargetX: &x, TargetY: &y}
}

func vac(on bool) types.Action {
	return types.Action{EndEffector: &on}
}

func await(id types.StationID) types.Action {
	return types.Action{AwaitStation: id}
}

// recordSink 捕获位置日志写入
type recordSink struct {
	mu   sync.Mutex
	rows []recordRow
}

type recordRow struct {
	partID  int64
	x, y    uint16
	engaged bool
}

func (r *recordSink) Record(partID int64, x, y uint16, engaged bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, recordRow{partID, x, y, engaged})
	return nil
}

func (r *recordSink) Rows() []recordRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordRow, len(r.rows))
	copy(out, r.rows)
	return out
}
