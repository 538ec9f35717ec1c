package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"crane-cell-control/internal/event"
	"crane-cell-control/internal/fieldbus"
	"crane-cell-control/internal/station"
	"crane-cell-control/internal/types"
)

// stubStation 是可编程的工站替身
type stubStation struct {
	id    types.StationID
	delay time.Duration
	err   error
}

func (s *stubStation) ID() types.StationID { return s.id }

func (s *stubStation) Run(ctx context.Context, partID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.err
}

func newTestInterpreter(bus fieldbus.Bus, rec PositionRecorder, events *event.Bus, failOnTimeout bool) *SequenceInterpreter {
	clk := clockwork.NewRealClock()
	waiter := NewPositionWaiter(bus, clk, WaiterParams{
		Tolerance: 5,
		Timeout:   50 * time.Millisecond,
		Interval:  time.Millisecond,
	})
	params := InterpreterParams{
		VacuumOnSettle:  time.Millisecond,
		VacuumOffSettle: time.Millisecond,
		StationSettle:   time.Millisecond,
		FailOnTimeout:   failOnTimeout,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSequenceInterpreter(bus, waiter, rec, events, clk, logger, params)
}

func TestRunExecutesSequenceAndRecordsWhileEngaged(t *testing.T) {
	bus := fieldbus.NewMemBus()
	device := startTestDevice(bus)
	defer device.Stop()
	sink := &recordSink{}
	si := newTestInterpreter(bus, sink, event.NewBus(), false)

	part := &types.Part{ID: 9, Type: "type1"}
	seq := types.Sequence{mv(450, 282), vac(true), mv(450, 82), vac(false)}
	if err := si.Run(context.Background(), "pick_from_process1", seq, part); err != nil {
		t.Fatalf("序列执行失败: %v", err)
	}

	if v, _ := bus.Read(fieldbus.RegCraneTargetX); v != 450 {
		t.Errorf("最后一次移动目标 X 应为 450, 实际 %d", v)
	}
	if v, _ := bus.Read(fieldbus.RegCraneVacuum); v != 0 {
		t.Errorf("序列结束后吸盘应释放, 实际 %d", v)
	}

	// 只有吸持状态下完成的移动会留下位置记录
	rows := sink.Rows()
	if len(rows) != 1 {
		t.Fatalf("应只有 1 条位置记录, 实际 %d 条: %+v", len(rows), rows)
	}
	r := rows[0]
	if r.partID != 9 || r.x != 450 || r.y != 82 || !r.engaged {
		t.Errorf("位置记录内容错误: %+v", r)
	}

	if pickups := device.Pickups(); len(pickups) != 1 || pickups[0] != 450 {
		t.Errorf("吸盘应在 X=450 处接合一次, 实际 %v", pickups)
	}
}

func TestRunStopsAtActionBoundaryWhenCanceled(t *testing.T) {
	bus := fieldbus.NewMemBus()
	si := newTestInterpreter(bus, nil, event.NewBus(), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	part := &types.Part{ID: 1, Type: "type1"}
	err := si.Run(ctx, "pick_from_source1", types.Sequence{mv(55, 282)}, part)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回 context.Canceled, 实际 %v", err)
	}
	if _, ok := bus.Read(fieldbus.RegCraneTargetX); ok {
		t.Error("取消后不应再下发移动目标")
	}
}

func TestMoveTimeoutTolerated(t *testing.T) {
	bus := fieldbus.NewMemBus()
	// 没有设备模型，位置寄存器读不到，移动必然超时
	sink := &recordSink{}
	si := newTestInterpreter(bus, sink, event.NewBus(), false)

	part := &types.Part{ID: 2, Type: "type1"}
	err := si.Run(context.Background(), "pick_from_source1", types.Sequence{mv(55, 82)}, part)
	if err != nil {
		t.Fatalf("宽容策略下到位超时不应返回错误: %v", err)
	}
	if len(sink.Rows()) != 0 {
		t.Error("超时的移动不应留下位置记录")
	}
}

func TestMoveTimeoutFailsPart(t *testing.T) {
	bus := fieldbus.NewMemBus()
	si := newTestInterpreter(bus, nil, event.NewBus(), true)

	part := &types.Part{ID: 3, Type: "type1"}
	err := si.Run(context.Background(), "pick_from_source1", types.Sequence{mv(55, 82)}, part)
	if !errors.Is(err, ErrMoveTimeout) {
		t.Fatalf("严格策略下到位超时应返回 ErrMoveTimeout, 实际 %v", err)
	}
}

func TestAwaitStationPublishesLifecycleEvents(t *testing.T) {
	bus := fieldbus.NewMemBus()
	events := event.NewBus()
	started := make(chan event.Event, 1)
	completed := make(chan event.Event, 1)
	events.Subscribe(event.StationStarted, func(e event.Event) { started <- e })
	events.Subscribe(event.StationCompleted, func(e event.Event) { completed <- e })

	si := newTestInterpreter(bus, nil, events, false)
	si.RegisterStation(&stubStation{id: "process1", delay: 2 * time.Millisecond})

	part := &types.Part{ID: 4, Type: "type1"}
	if err := si.Run(context.Background(), "run_process1", types.Sequence{await("process1")}, part); err != nil {
		t.Fatalf("工站加工不应失败: %v", err)
	}

	select {
	case e := <-started:
		if e.StationID != "process1" || e.PartID != 4 {
			t.Errorf("StationStarted 事件内容错误: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到 StationStarted 事件")
	}
	select {
	case e := <-completed:
		if e.Duration <= 0 {
			t.Errorf("StationCompleted 应携带加工耗时, 实际 %v", e.Duration)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到 StationCompleted 事件")
	}
}

func TestAwaitStationTimeoutTolerated(t *testing.T) {
	bus := fieldbus.NewMemBus()
	events := event.NewBus()
	timedOut := make(chan event.Event, 1)
	events.Subscribe(event.StationTimedOut, func(e event.Event) { timedOut <- e })

	si := newTestInterpreter(bus, nil, events, false)
	si.RegisterStation(&stubStation{id: "process1", err: station.ErrRunTimeout})

	part := &types.Part{ID: 5, Type: "type1"}
	if err := si.AwaitStation(context.Background(), "process1", part); err != nil {
		t.Fatalf("宽容策略下加工超时不应返回错误: %v", err)
	}
	select {
	case e := <-timedOut:
		if e.StationID != "process1" {
			t.Errorf("StationTimedOut 事件内容错误: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到 StationTimedOut 事件")
	}
}

func TestAwaitStationTimeoutFailsPart(t *testing.T) {
	bus := fieldbus.NewMemBus()
	si := newTestInterpreter(bus, nil, event.NewBus(), true)
	si.RegisterStation(&stubStation{id: "process1", err: station.ErrRunTimeout})

	part := &types.Part{ID: 6, Type: "type1"}
	err := si.AwaitStation(context.Background(), "process1", part)
	if !errors.Is(err, station.ErrRunTimeout) {
		t.Fatalf("严格策略下加工超时应透出 ErrRunTimeout, 实际 %v", err)
	}
}

func TestAwaitStationUnknownID(t *testing.T) {
	bus := fieldbus.NewMemBus()
	si := newTestInterpreter(bus, nil, event.NewBus(), false)

	part := &types.Part{ID: 7, Type: "type1"}
	if err := si.AwaitStation(context.Background(), "ghost", part); err == nil {
		t.Fatal("未注册的工站应返回错误")
	}
}
