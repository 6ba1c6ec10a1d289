package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunInBatchesCountsSuccessAndFailure(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	task := newTask(context.Background(), "test", len(items))

	RunInBatches(task, items, 3, func(n int) ItemResult {
		if n%2 == 0 {
			return ItemResult{OK: false, Error: "even"}
		}
		return ItemResult{OK: true}
	})
	task.Finish(nil, "")

	ev := task.Snapshot("init")
	if ev.OK != 3 || ev.Fail != 2 {
		t.Errorf("got ok=%d fail=%d, want 3/2", ev.OK, ev.Fail)
	}
	if ev.Processed != ev.Total {
		t.Errorf("processed %d != total %d on uncancelled run", ev.Processed, ev.Total)
	}
}

func TestRunInBatchesEmptyInput(t *testing.T) {
	task := newTask(context.Background(), "test", 0)
	RunInBatches(task, nil, 4, func(int) ItemResult {
		t.Error("processor called for empty input")
		return ItemResult{}
	})
	if ev := task.Snapshot("init"); ev.Processed != 0 {
		t.Errorf("processed %d for empty input", ev.Processed)
	}
}

func TestRunInBatchesConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	task := newTask(context.Background(), "test", len(items))

	RunInBatches(task, items, 4, func(int) ItemResult {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ItemResult{OK: true}
	})

	if p := peak.Load(); p > 4 {
		t.Errorf("observed %d concurrent workers, bound is 4", p)
	}
	if ev := task.Snapshot("init"); ev.OK != len(items) {
		t.Errorf("processed %d items, want %d", ev.OK, len(items))
	}
}

func TestRunInBatchesPanicRecordedAsFailure(t *testing.T) {
	items := []string{"ok", "boom", "ok"}
	task := newTask(context.Background(), "test", len(items))

	RunInBatches(task, items, 1, func(s string) ItemResult {
		if s == "boom" {
			panic("worker exploded")
		}
		return ItemResult{OK: true}
	})

	ev := task.Snapshot("init")
	if ev.OK != 2 || ev.Fail != 1 {
		t.Errorf("got ok=%d fail=%d, want 2/1", ev.OK, ev.Fail)
	}
}

func TestRunInBatchesCancelStopsBetweenItems(t *testing.T) {
	items := make([]int, 50)
	task := newTask(context.Background(), "test", len(items))

	var processed atomic.Int32
	RunInBatches(task, items, 1, func(int) ItemResult {
		if processed.Add(1) == 3 {
			task.Cancel()
		}
		return ItemResult{OK: true}
	})

	if task.Status() != StatusCancelled {
		t.Fatalf("status %q after cancelled drain, want cancelled", task.Status())
	}
	ev := *task.FinalEvent()
	if ev.Processed >= len(items) {
		t.Errorf("processed all %d items despite cancellation", ev.Processed)
	}
	if ev.Processed < 3 {
		t.Errorf("processed %d items, expected at least the 3 before cancel", ev.Processed)
	}
	if ev.Processed != ev.OK+ev.Fail {
		t.Errorf("counter invariant broken: %+v", ev)
	}
}

func TestRunInBatchesDefaultConcurrency(t *testing.T) {
	items := []int{1, 2}
	task := newTask(context.Background(), "test", len(items))
	RunInBatches(task, items, 0, func(int) ItemResult { return ItemResult{OK: true} })
	if ev := task.Snapshot("init"); ev.OK != 2 {
		t.Errorf("ok=%d, want 2", ev.OK)
	}
}
