// Package reminder runs named one-shot and interval jobs. Scheduling under
// an existing name replaces the job.
package reminder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsPending = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stargazer_reminder_jobs_pending",
	Help: "The number of armed one-shot and interval jobs",
})

var jobsFired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_reminder_jobs_fired_total",
	Help: "The number of jobs fired by kind",
}, []string{"kind"})

type job struct {
	gen   uint64
	timer *time.Timer
	// stop ends an interval job's goroutine; nil for one-shot jobs.
	stop chan struct{}
}

type Scheduler struct {
	logger *slog.Logger
	ctx    context.Context
	now    func() time.Time

	mu   sync.Mutex
	gen  uint64
	jobs map[string]*job
}

// New returns a scheduler whose jobs run with ctx.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("module", "reminder"),
		ctx:    ctx,
		now:    time.Now,
		jobs:   map[string]*job{},
	}
}

// Schedule arms fn to run once at the given time under key, replacing any
// job already under key. A time that is not in the future is not armed.
// It reports whether the job was armed.
func (s *Scheduler) Schedule(key string, at time.Time, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(key)

	d := at.Sub(s.now())
	if d <= 0 {
		s.logger.Debug("not arming job in the past", "key", key, "at", at)
		return false
	}

	s.gen++
	j := &job{gen: s.gen}
	j.timer = time.AfterFunc(d, func() { s.fire(key, j.gen, fn) })
	s.jobs[key] = j
	jobsPending.Inc()
	s.logger.Debug("armed job", "key", key, "at", at)
	return true
}

func (s *Scheduler) fire(key string, gen uint64, fn func(ctx context.Context)) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.gen != gen {
		// replaced or cancelled after the timer went off
		s.mu.Unlock()
		return
	}
	delete(s.jobs, key)
	jobsPending.Dec()
	s.mu.Unlock()

	jobsFired.WithLabelValues("once").Inc()
	s.run(key, fn)
}

// Every runs fn every interval under name until cancelled, replacing any
// job already under name.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(name)

	s.gen++
	j := &job{gen: s.gen, stop: make(chan struct{})}
	s.jobs[name] = j
	jobsPending.Inc()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				jobsFired.WithLabelValues("interval").Inc()
				s.run(name, fn)
			}
		}
	}()
}

func (s *Scheduler) run(key string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "key", key, "panic", r)
		}
	}()
	fn(s.ctx)
}

// Cancel removes the job under key. It is a no-op when nothing is armed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) bool {
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.stop != nil {
		close(j.stop)
	}
	delete(s.jobs, key)
	jobsPending.Dec()
	return true
}

// Pending reports whether a job is armed under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Stop cancels every job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.jobs {
		s.cancelLocked(key)
	}
}
