package manager

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/objstore"
)

// sweeper periodically expires every partition of a store until stopped.
type sweeper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *Manager) startSweeper(es objstore.ExpirableStore, opts objstore.StoreOptions) *sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &sweeper{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	interval := opts.SweepInterval()
	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx, es, opts)
			}
		}
	}()
	m.log.Debug("started expiration sweep", "store", es.Name(), "interval", interval)
	return sw
}

// stop cancels the sweep loop and waits for it to exit.
func (sw *sweeper) stop() {
	if sw == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

// sweep expires every partition of es but the reserved ones. Failures are logged and counted, never returned: the next tick
// tries again.
func (m *Manager) sweep(ctx context.Context, es objstore.ExpirableStore, opts objstore.StoreOptions) int {
	parts, err := es.Partitions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("expiration sweep failed listing partitions", "store", es.Name(), "error", err)
			m.metrics.sweepFailed(es.Name())
		}
		return 0
	}
	var (
		mu    sync.Mutex
		total int
	)
	tr := objstore.NewTaskRunner(ctx, m.sweepConcurrency)
	for _, p := range parts {
		if objstore.IsReservedPartition(p) {
			continue
		}
		tr.Go(func() error {
			n, err := es.Expire(tr.GetContext(), opts.EntryTTL, opts.MaxEntries, p)
			if err != nil {
				if ctx.Err() == nil {
					m.log.Warn("expiration sweep failed", "store", es.Name(), "partition", p, "error", err)
					m.metrics.sweepFailed(es.Name())
				}
				return nil
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	tr.Wait()
	m.metrics.sweepRun(es.Name(), total)
	if total > 0 {
		m.log.Debug("expiration sweep", "store", es.Name(), "partitions", len(parts), "evicted", total)
	}
	return total
}
