package batch

import (
	"fmt"
	"sync"
)

const defaultConcurrency = 5

// RunInBatches processes items with a bounded worker pool, recording every
// outcome against the task.
//
// Worker count is min(concurrency, len(items)), at least 1. Items are fed in
// order through a shared channel, so dispatch is FIFO even though completion
// order is not. Cancellation is cooperative: workers check the task between
// items and never preempt an in-flight call. A panic inside processor is
// captured and recorded as a failure rather than killing the pool.
//
// After the pool drains, a cancelled task is moved to its terminal state via
// FinishCancelled; otherwise the caller decides between Finish and FailTask.
func RunInBatches[T any](task *Task, items []T, concurrency int, processor func(T) ItemResult) {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	workers := concurrency
	if workers > len(items) {
		workers = len(items)
	}

	if len(items) > 0 {
		feed := make(chan T)
		go func() {
			defer close(feed)
			for _, item := range items {
				select {
				case feed <- item:
				case <-task.Context().Done():
					return
				}
			}
		}()

		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				for item := range feed {
					if task.Cancelled() {
						return
					}
					task.Record(processOne(item, processor))
				}
			}()
		}
		wg.Wait()
	}

	if task.Cancelled() {
		task.FinishCancelled()
	}
}

func processOne[T any](item T, processor func(T) ItemResult) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ItemResult{OK: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return processor(item)
}
