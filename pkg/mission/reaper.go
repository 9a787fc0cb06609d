package mission

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically sweeps expired leases back to RETRY. Reaping is
// idempotent and safe to run from multiple replicas.
type Reaper struct {
	store    *Store
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper over the store.
func NewReaper(store *Store, interval time.Duration) *Reaper {
	return &Reaper{store: store, interval: interval}
}

// Start launches the background reap loop. The first sweep runs immediately
// so leases orphaned by a crash recover at startup.
func (r *Reaper) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Mission lease reaper started", "interval", r.interval)
}

// Stop signals the reap loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Mission lease reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	r.reap(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	count, err := r.store.ReapExpired(ctx)
	if err != nil {
		slog.Error("Lease reap failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Reaped expired mission leases", "count", count)
	}
}
