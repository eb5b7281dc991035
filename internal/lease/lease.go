// Package lease keeps expiring locks alive while their holder still owns them.
package lease

import (
	"context"
	log "log/slog"
	"sync"
	"time"
)

// RenewFunc extends one lease. It returns false once the lease is no longer owned.
type RenewFunc func(ctx context.Context) (bool, error)

type renewal struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Keeper runs one renewal loop per held lease. The zero value is ready to use.
type Keeper struct {
	mu     sync.Mutex
	active map[string]*renewal
}

// Start renews the lease of key every interval until Stop. A running renewal of key is replaced.
func (k *Keeper) Start(key string, interval time.Duration, renew RenewFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &renewal{cancel: cancel, done: make(chan struct{})}

	k.mu.Lock()
	prev := k.active[key]
	if k.active == nil {
		k.active = make(map[string]*renewal)
	}
	k.active[key] = r
	k.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go func() {
		defer close(r.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			held, err := renew(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Retried on the next tick.
				log.Warn("lease renewal failed", "key", key, "error", err)
				continue
			}
			if !held {
				log.Warn("lease lost before release", "key", key)
				return
			}
		}
	}()
}

// Stop ends the renewal of key and waits for its loop to exit.
func (k *Keeper) Stop(key string) {
	k.mu.Lock()
	r := k.active[key]
	delete(k.active, key)
	k.mu.Unlock()
	if r != nil {
		r.stop()
	}
}

// StopAll ends every renewal.
func (k *Keeper) StopAll() {
	k.mu.Lock()
	rs := k.active
	k.active = nil
	k.mu.Unlock()
	for _, r := range rs {
		r.stop()
	}
}

// Len returns the number of running renewals.
func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.active)
}

func (r *renewal) stop() {
	r.cancel()
	<-r.done
}

// Interval returns the renewal period of a lease, a third of it.
func Interval(lease time.Duration) time.Duration {
	if i := lease / 3; i > 0 {
		return i
	}
	return time.Millisecond
}
