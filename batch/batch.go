// Package batch runs independent tasks under a concurrency ceiling.
//
// Tasks are split into consecutive chunks of Concurrency tasks. A chunk runs
// concurrently and is awaited in full before the next one starts, so peak
// concurrency is exactly the configured value and a slow task delays the
// next chunk.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is used when Options.Concurrency is not positive.
const DefaultConcurrency = 3

// Task is one unit of batch work. Key identifies it in outcomes (usually
// the target).
type Task[T any] struct {
	Key string
	Run func(ctx context.Context) (T, error)
}

// Outcome is the settled result of one task.
type Outcome[T any] struct {
	Key      string
	OK       bool
	Value    T
	Err      error
	Duration time.Duration
}

// Options configures Run.
type Options struct {
	Concurrency int
	// OnProgress is called once per settled task, in completion order,
	// never concurrently.
	OnProgress func(completed, total int)
}

// PanicError is the failure recorded for a task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("batch: task panicked: %v", e.Value)
}

// Run executes tasks and returns one outcome per task, outcomes[i] for
// tasks[i]. Task failures never abort the batch; the only error is a
// malformed task list.
func Run[T any](ctx context.Context, tasks []Task[T], opts Options) ([]Outcome[T], error) {
	for i, t := range tasks {
		if t.Run == nil {
			return nil, fmt.Errorf("batch: task %d (%q) has no Run function", i, t.Key)
		}
	}
	size := opts.Concurrency
	if size <= 0 {
		size = DefaultConcurrency
	}

	outcomes := make([]Outcome[T], len(tasks))
	var (
		mu        sync.Mutex
		completed int
	)
	settle := func(i int, o Outcome[T]) {
		outcomes[i] = o
		mu.Lock()
		defer mu.Unlock()
		completed++
		if opts.OnProgress != nil {
			opts.OnProgress(completed, len(tasks))
		}
	}

	for start := 0; start < len(tasks); start += size {
		end := min(start+size, len(tasks))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				settle(i, runOne(ctx, tasks[i]))
				return nil
			})
		}
		g.Wait() // barrier; tasks never return errors to the group
	}
	return outcomes, nil
}

func runOne[T any](ctx context.Context, t Task[T]) (o Outcome[T]) {
	o.Key = t.Key
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			var zero T
			o.OK, o.Value, o.Err = false, zero, &PanicError{Value: r, Stack: debug.Stack()}
		}
		o.Duration = time.Since(start)
	}()
	v, err := t.Run(ctx)
	if err != nil {
		o.Err = err
		return o
	}
	o.OK, o.Value = true, v
	return o
}
