package ingest

import (
	"log/slog"
	"sync"
	"time"
)

// Backoff holds an ingester's throttled state. While active, fetches should
// short-circuit; it clears itself once the deadline passes.
type Backoff struct {
	name   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	until time.Time
}

func NewBackoff(name string, logger *slog.Logger) *Backoff {
	return &Backoff{name: name, logger: logger, now: time.Now}
}

func (b *Backoff) Pause(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until = b.now().Add(d)
	throttled.WithLabelValues(b.name).Set(1)
	b.logger.Error("throttled, crawler paused", "source", b.name, "until", b.until)
}

func (b *Backoff) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() {
		return false
	}
	if b.now().Before(b.until) {
		return true
	}
	b.until = time.Time{}
	throttled.WithLabelValues(b.name).Set(0)
	b.logger.Info("crawler resumed", "source", b.name)
	return false
}
