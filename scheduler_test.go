package krot_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhaori96/krot/v2"
)

type eventRecorder struct {
	mutex   sync.Mutex
	applied []krot.Event
	sweeps  int
}

func (r *eventRecorder) apply(_ time.Time, event krot.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.applied = append(r.applied, event)
}

func (r *eventRecorder) sweep(time.Time) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.sweeps++
	return nil
}

func (r *eventRecorder) sweepCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.sweeps
}

func newTestScheduler(t *testing.T) (*krot.Scheduler, *clock.Mock, *eventRecorder) {
	t.Helper()

	mockClock := clock.NewMock()
	recorder := &eventRecorder{}

	scheduler, err := krot.NewScheduler(krot.SchedulerSettings{
		Interval: time.Minute,
		Clock:    mockClock,
		Apply:    recorder.apply,
		Sweep:    recorder.sweep,
	})
	require.NoError(t, err)

	return scheduler, mockClock, recorder
}

func TestScheduler(t *testing.T) {
	t.Run("Should reject missing settings", func(t *testing.T) {
		_, err := krot.NewScheduler(krot.SchedulerSettings{Interval: time.Minute})
		assert.ErrorIs(t, err, krot.ErrInvalidArgument)

		_, err = krot.NewScheduler(krot.SchedulerSettings{
			Apply: func(time.Time, krot.Event) {},
			Sweep: func(time.Time) []string { return nil },
		})
		assert.ErrorIs(t, err, krot.ErrInvalidArgument)
	})

	t.Run("Should apply due events in due order and keep the rest", func(t *testing.T) {
		scheduler, mockClock, recorder := newTestScheduler(t)
		start := mockClock.Now()

		later := krot.Event{Kind: krot.EventIntroduce, Due: start.Add(10 * time.Minute)}
		promote := krot.Event{Kind: krot.EventPromote, Due: start.Add(3 * time.Minute)}
		introduce := krot.Event{Kind: krot.EventIntroduce, Due: start.Add(time.Minute)}
		scheduler.Add(later, promote, introduce)

		mockClock.Add(5 * time.Minute)
		report := scheduler.Tick()

		assert.Equal(t, []krot.Event{introduce, promote}, report.Applied)
		assert.Equal(t, []krot.Event{introduce, promote}, recorder.applied)
		assert.Equal(t, []krot.Event{later}, scheduler.Pending())
	})

	t.Run("Should fire an event due exactly at the tick", func(t *testing.T) {
		scheduler, mockClock, recorder := newTestScheduler(t)

		event := krot.Event{Kind: krot.EventPromote, Due: mockClock.Now().Add(time.Minute)}
		scheduler.Add(event)

		mockClock.Add(59 * time.Second)
		scheduler.Tick()
		assert.Empty(t, recorder.applied)

		mockClock.Add(time.Second)
		scheduler.Tick()
		assert.Equal(t, []krot.Event{event}, recorder.applied)
		assert.Empty(t, scheduler.Pending())
	})

	t.Run("Should consume an event exactly once", func(t *testing.T) {
		scheduler, mockClock, recorder := newTestScheduler(t)
		scheduler.Add(krot.Event{Kind: krot.EventIntroduce, Due: mockClock.Now()})

		for rangeIdx := 0; rangeIdx < 3; rangeIdx++ {
			mockClock.Add(time.Minute)
			scheduler.Tick()
		}

		assert.Len(t, recorder.applied, 1)
		assert.Equal(t, 3, recorder.sweepCount())
	})

	t.Run("Should flag ticks that ran later than twice the interval", func(t *testing.T) {
		scheduler, mockClock, _ := newTestScheduler(t)

		mockClock.Add(2 * time.Minute)
		report := scheduler.Tick()
		assert.False(t, report.Late)
		assert.Equal(t, 2*time.Minute, report.Gap)

		mockClock.Add(3 * time.Minute)
		report = scheduler.Tick()
		assert.True(t, report.Late)
		assert.Equal(t, 3*time.Minute, report.Gap)
		assert.Equal(t, report, scheduler.LastReport())
	})

	t.Run("Should run tick hooks around every tick", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		var calls []string
		scheduler.BeforeTick(func(s *krot.Scheduler) {
			calls = append(calls, "before")
			assert.Equal(t, krot.SchedulerStateIdle, s.State())
		})
		scheduler.AfterTick(func(s *krot.Scheduler) {
			calls = append(calls, "after")
		})

		scheduler.Tick()
		assert.Equal(t, []string{"before", "after"}, calls)
	})

	t.Run("Should tick on the clock until stopped", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		scheduler, mockClock, recorder := newTestScheduler(t)

		var started, stopped bool
		scheduler.OnStart(func(*krot.Scheduler) { started = true })
		scheduler.OnStop(func(*krot.Scheduler) { stopped = true })

		require.NoError(t, scheduler.Start(context.Background()))
		assert.ErrorIs(t, scheduler.Start(context.Background()), krot.ErrSchedulerAlreadyRunning)
		assert.Equal(t, krot.SchedulerStatusStarted, scheduler.Status())
		assert.True(t, started)

		assert.Eventually(t, func() bool {
			mockClock.Add(time.Minute)
			return recorder.sweepCount() >= 2
		}, time.Second, 10*time.Millisecond)

		scheduler.Stop()
		scheduler.Stop()

		assert.Equal(t, krot.SchedulerStatusStopped, scheduler.Status())
		assert.True(t, stopped)
	})

	t.Run("Should stop ticking when the context is cancelled", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		scheduler, _, _ := newTestScheduler(t)
		ctx, cancel := context.WithCancel(context.Background())

		require.NoError(t, scheduler.Start(ctx))
		cancel()
		scheduler.Stop()

		assert.Equal(t, krot.SchedulerStatusStopped, scheduler.Status())
	})

	t.Run("Should release itself when the context ends without Stop", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		scheduler, _, _ := newTestScheduler(t)
		assert.Equal(t, time.Minute, scheduler.Interval())

		var stops atomic.Int32
		scheduler.OnStop(func(*krot.Scheduler) { stops.Add(1) })

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, scheduler.Start(ctx))
		cancel()

		assert.Eventually(t, func() bool {
			return stops.Load() == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, krot.SchedulerStatusStopped, scheduler.Status())

		require.NoError(t, scheduler.Start(context.Background()))
		assert.Equal(t, krot.SchedulerStatusStarted, scheduler.Status())

		scheduler.Stop()
		assert.EqualValues(t, 2, stops.Load())
	})
}
