package reminder

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Stop)
	return s
}

func TestScheduleFiresOnce(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32

	armed := s.Schedule("reminder_UC1_v1", time.Now().Add(20*time.Millisecond), func(context.Context) { n.Add(1) })
	assert.True(t, armed)
	assert.True(t, s.Pending("reminder_UC1_v1"))

	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
	assert.False(t, s.Pending("reminder_UC1_v1"))
}

func TestSchedulePastIsNotArmed(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32

	armed := s.Schedule("k", time.Now().Add(-time.Minute), func(context.Context) { n.Add(1) })
	assert.False(t, armed)
	assert.False(t, s.Pending("k"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestScheduleReplaces(t *testing.T) {
	s := newScheduler(t)
	var first, second atomic.Int32

	s.Schedule("k", time.Now().Add(20*time.Millisecond), func(context.Context) { first.Add(1) })
	s.Schedule("k", time.Now().Add(40*time.Millisecond), func(context.Context) { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestReplaceWithPastCancels(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32

	s.Schedule("k", time.Now().Add(20*time.Millisecond), func(context.Context) { n.Add(1) })
	assert.False(t, s.Schedule("k", time.Now().Add(-time.Second), func(context.Context) { n.Add(1) }))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestCancel(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32

	assert.False(t, s.Cancel("missing"))

	s.Schedule("k", time.Now().Add(20*time.Millisecond), func(context.Context) { n.Add(1) })
	assert.True(t, s.Cancel("k"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestEvery(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32

	s.Every("tick", 10*time.Millisecond, func(context.Context) { n.Add(1) })
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Cancel("tick"))
	time.Sleep(20 * time.Millisecond)
	stopped := n.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
}

func TestStop(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32

	s.Schedule("a", time.Now().Add(20*time.Millisecond), func(context.Context) { n.Add(1) })
	s.Every("b", 10*time.Millisecond, func(context.Context) { n.Add(1) })
	s.Stop()

	assert.False(t, s.Pending("a"))
	assert.False(t, s.Pending("b"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, n.Load())
}
