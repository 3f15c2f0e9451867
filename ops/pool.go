package ops

import (
	"golang.org/x/sync/errgroup"
)

// minChunk is the smallest unit of work handed to a worker goroutine.
const minChunk = 4

// Pool bounds the goroutines a kernel may use for intra-op parallelism.
// A nil Pool or one with a single worker runs everything on the calling goroutine.
type Pool struct {
	workers int
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// For executes f(i) for i in [0, n). Work is split into contiguous chunks so every index is written by
// exactly one goroutine; results therefore do not depend on the worker count.
func (p *Pool) For(n int, f func(i int)) {
	workers := p.Workers()
	if workers == 1 || n < 2*minChunk {
		for i := range n {
			f(i)
		}
		return
	}
	chunk := max((n+workers-1)/workers, minChunk)
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				f(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}
