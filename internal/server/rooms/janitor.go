package rooms

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically evicts expired rooms so abandoned state does not
// accumulate between requests.
type Janitor struct {
	registry *Registry
	interval time.Duration
	done     chan struct{}
}

func NewJanitor(registry *Registry, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{registry: registry, interval: interval, done: make(chan struct{})}
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("room janitor started", "interval", j.interval)

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.sweep(ctx)
			case <-ctx.Done():
				slog.Info("room janitor stopping")
				close(j.done)
				return
			}
		}
	}()
}

// Wait blocks until the janitor has stopped.
func (j *Janitor) Wait() {
	<-j.done
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.registry.Sweep(ctx)
	if err != nil {
		slog.Error("room sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("expired rooms evicted", "count", n)
	}
}
