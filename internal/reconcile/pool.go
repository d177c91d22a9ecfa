package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/bus"
)

const maxConsumerBackoff = 30 * time.Second

// Pool runs consumers per partition and keeps them alive across channel
// failures. All consumers share one Worker; per-order locks make that safe.
type Pool struct {
	conn      *bus.Conn
	worker    *Worker
	prefetch  int
	instances int
	logger    *slog.Logger
}

// NewPool creates the consumer pool with the given consumers per partition.
func NewPool(conn *bus.Conn, worker *Worker, prefetch, instances int, logger *slog.Logger) *Pool {
	if instances < 1 {
		instances = 1
	}
	return &Pool{
		conn:      conn,
		worker:    worker,
		prefetch:  prefetch,
		instances: instances,
		logger:    logger.With("component", "reconcile_pool"),
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for k := 0; k < p.conn.Partitions(); k++ {
		for i := 0; i < p.instances; i++ {
			wg.Add(1)
			go func(partition int) {
				defer wg.Done()
				p.consumeLoop(ctx, partition)
			}(k)
		}
	}
	p.logger.Info("reconciliation pool started",
		"partitions", p.conn.Partitions(),
		"instances", p.instances, "prefetch", p.prefetch)
	wg.Wait()
	return ctx.Err()
}

// consumeLoop restarts a partition consumer with exponential backoff.
func (p *Pool) consumeLoop(ctx context.Context, partition int) {
	backoff := time.Second

	for {
		consumer := bus.NewConsumer(p.conn, partition, p.prefetch, p.worker.Handle, p.logger)
		err := consumer.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("partition consumer stopped, restarting",
			"partition", partition, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxConsumerBackoff {
			backoff = maxConsumerBackoff
		}
	}
}
