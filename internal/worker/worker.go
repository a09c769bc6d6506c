package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker is one goroutine draining the pool's task channel.
type Worker struct {
	id     int
	taskCh <-chan Task
	pool   *Pool
}

func newWorker(id int, taskCh <-chan Task, pool *Pool) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		pool:   pool,
	}
}

// Run executes tasks until the task channel is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		res := w.execute(task)
		w.pool.record(res)
		if task.Reply != nil {
			task.Reply(res)
		}
	}
}

func (w *Worker) execute(task Task) (res Result) {
	start := time.Now()
	res.TaskID = task.ID

	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Errorf("worker %d: task panicked: %v", w.id, r)
		}
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Error = err
		return res
	}
	if task.Run == nil {
		res.Error = fmt.Errorf("worker %d: task %q has no body", w.id, task.ID)
		return res
	}
	res.Value, res.Error = task.Run(ctx)
	return res
}
