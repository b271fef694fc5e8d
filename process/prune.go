package process

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// Prune forgets cached pids whose proc directory is gone and returns how
// many were dropped. Pids are reused, so stale entries would attribute a
// new process to the old service.
func (r *Resolver) Prune() int {
	n := 0
	for _, pid := range r.cache.Keys() {
		if _, err := os.Stat(r.dir(pid)); os.IsNotExist(err) {
			r.cache.Remove(pid)
			n++
		}
	}
	return n
}

// Run prunes the cache every interval until ctx ends.
func (r *Resolver) Run(ctx context.Context, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Prune(); n > 0 {
				log.Debug("Pruned exited processes", zap.Int("count", n), zap.Int("cached", r.Len()))
			}
		}
	}
}
