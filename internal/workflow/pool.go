package workflow

import (
	"context"
	"fmt"
	"sync"

	"loom/internal/config"
	"loom/internal/logging"
)

// pool is the set of workers serving one queue.
type pool struct {
	queue   config.Queue
	workers []*executor
}

func newPool(m *Manager, queue config.Queue) *pool {
	concurrency := queue.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	p := &pool{queue: queue}
	for i := 0; i < concurrency; i++ {
		id := fmt.Sprintf("%s-w%d", queue.Name, i+1)
		p.workers = append(p.workers, &executor{
			id:       id,
			queue:    queue,
			store:    m.store,
			broker:   m.broker,
			registry: m.registry,
			pipe:     m.pipe,
			coord:    m.coord,
			slots:    m.slots,
			logger: logging.NewComponentLogger(m.logger, "worker").With(
				logging.String(logging.FieldQueue, queue.Name),
				logging.String("worker_id", id)),
			timings: m.timings,
		})
	}
	return p
}

func (p *pool) start(ctx context.Context, wg *sync.WaitGroup) {
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *executor) {
			defer wg.Done()
			w.run(ctx)
		}(w)
	}
}
