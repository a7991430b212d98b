package tensor

import (
	"golang.org/x/sync/errgroup"

	"hybridvision/pkg/envconfig"
)

// parallelFor runs fn(i) for i in [0, n) on a bounded set of goroutines.
// Callers must make every fn(i) write a disjoint region of the output.
func parallelFor(n int, fn func(i int)) {
	workers := int(envconfig.NumWorkers())
	if n <= 1 || workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
