package stream

import (
	"context"

	"shardstream/internal/utils"
)

const prefetchWorkers = 4

// prefetcher downloads shards ahead of consumption. Admission is bounded by
// the sample loop's position in the epoch's first-use order: at most
// Predownload shards may be fetched beyond the shard currently being
// consumed. A shuffled epoch interleaves samples from many shards at once,
// so slots must not wait for full consumption of a shard; the loop would
// need a shard the feeder is not allowed to queue yet.
type prefetcher struct {
	sem     chan struct{}
	status  map[int]*shardStatus
	reached map[int]bool
}

type shardStatus struct {
	done chan struct{}
	err  error
}

// startPrefetch kicks off background downloads of the epoch's shards in
// first-use order. shardOf maps each position of the sample order to its
// shard.
func (d *Dataset) startPrefetch(ctx context.Context, shardOf []int) *prefetcher {
	var seq []int
	seen := make(map[int]bool)
	for _, s := range shardOf {
		if !seen[s] {
			seen[s] = true
			seq = append(seq, s)
		}
	}

	pf := &prefetcher{
		sem:     make(chan struct{}, d.cfg.Predownload),
		status:  make(map[int]*shardStatus, len(seq)),
		reached: make(map[int]bool, len(seq)),
	}
	for _, s := range seq {
		pf.status[s] = &shardStatus{done: make(chan struct{})}
	}

	queue := make(chan int)
	completed := make(chan utils.CompletedTask[int], len(seq))

	workers := prefetchWorkers
	if d.cfg.Predownload < workers {
		workers = d.cfg.Predownload
	}

	utils.RunInPool(func(s int) (int, error) {
		st := pf.status[s]
		st.err = d.ensureShard(ctx, s)
		close(st.done)
		return s, st.err
	}, queue, completed, workers)

	go func() {
		defer close(queue)
		for _, s := range seq {
			select {
			case pf.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case queue <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	return pf
}

// wait blocks until shard s has been fetched (or its fetch failed). The
// first wait on a shard frees one admission slot, keeping the feeder at
// most Predownload shards ahead of the sample loop. Only the consuming
// goroutine calls wait, so reached needs no locking.
func (pf *prefetcher) wait(ctx context.Context, s int) error {
	if !pf.reached[s] {
		pf.reached[s] = true
		select {
		case <-pf.sem:
		default:
		}
	}

	st := pf.status[s]
	select {
	case <-st.done:
		return st.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
