package utils

import "sync"

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool fans tasks from queue out to at most maxWorkers goroutines and
// reports each result on completed. The completed channel is closed once the
// queue is closed and drained. The caller owns both channels; queue should be
// populated (or closed) promptly to avoid idle workers.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := maxWorkers
	if n := len(queue); n > 0 && n < workers {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					completed <- CompletedTask[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()
		close(completed)
	}()
}

// Map applies fn to every input using at most workers goroutines and returns
// the outputs in input order. The first error encountered is returned, though
// all inputs are still processed.
func Map[In any, Out any](inputs []In, workers int, fn func(In) (Out, error)) ([]Out, error) {
	type task struct {
		idx int
		in  In
	}
	type result struct {
		idx int
		out Out
	}

	queue := make(chan task, len(inputs))
	for i, in := range inputs {
		queue <- task{idx: i, in: in}
	}
	close(queue)

	completed := make(chan CompletedTask[result], len(inputs))
	RunInPool(func(t task) (result, error) {
		out, err := fn(t.in)
		return result{idx: t.idx, out: out}, err
	}, queue, completed, workers)

	outs := make([]Out, len(inputs))
	var firstErr error
	for done := range completed {
		if done.Error != nil {
			if firstErr == nil {
				firstErr = done.Error
			}
			continue
		}
		outs[done.Result.idx] = done.Result.out
	}

	return outs, firstErr
}
