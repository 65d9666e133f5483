package krot

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// EventKind is the lifecycle transition carried by an Event.
type EventKind uint

const (
	// EventIntroduce publishes a new standby key.
	EventIntroduce EventKind = iota + 1

	// EventPromote turns the standby key into the primary.
	EventPromote
)

func (k EventKind) String() string {
	switch k {
	case EventIntroduce:
		return "introduce"
	case EventPromote:
		return "promote"
	default:
		return fmt.Sprintf("event(%d)", uint(k))
	}
}

// Event is a lifecycle transition due at a point in time. It is consumed
// exactly once, by the first tick at or after Due.
type Event struct {
	Kind EventKind `json:"kind"`
	Due  time.Time `json:"due"`
}

// SchedulerHook defines the signature for scheduler hooks.
type SchedulerHook func(scheduler *Scheduler)

// SchedulerHooks defines a collection of scheduler hooks.
type SchedulerHooks []SchedulerHook

// Run executes the scheduler hooks.
func (h SchedulerHooks) Run(scheduler *Scheduler) {
	for _, hook := range h {
		hook(scheduler)
	}
}

// SchedulerState defines the state of the scheduler.
type SchedulerState uint

const (
	// SchedulerStateIdle represents the scheduler between ticks.
	SchedulerStateIdle SchedulerState = iota

	// SchedulerStateTicking represents the scheduler while a tick runs.
	SchedulerStateTicking
)

// SchedulerStatus defines the status of the scheduler.
type SchedulerStatus uint

const (
	// SchedulerStatusStopped represents the stopped status of the scheduler.
	SchedulerStatusStopped SchedulerStatus = iota

	// SchedulerStatusStarted represents the started status of the scheduler.
	SchedulerStatusStarted
)

// TickReport describes what a single tick did.
type TickReport struct {
	At time.Time `json:"at"`

	// Gap is the time elapsed since the previous tick (or since Start).
	Gap time.Duration `json:"gap"`

	// Late is set when Gap exceeded twice the poll interval.
	Late bool `json:"late"`

	Applied []Event  `json:"applied,omitempty"`
	Evicted []string `json:"evicted,omitempty"`
}

// SchedulerSettings configures a Scheduler.
type SchedulerSettings struct {
	// Interval is the tick period.
	Interval time.Duration

	// Clock drives the ticker. Defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Apply is called once per due event, in ascending due order.
	Apply func(now time.Time, event Event)

	// Sweep is called once per tick after the events were applied and returns
	// the identifiers of the evicted keys.
	Sweep func(now time.Time) []string
}

// Scheduler polls a queue of timestamped lifecycle events and fires the due
// ones on every tick. Ticks never overlap.
type Scheduler struct {
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	apply    func(time.Time, Event)
	sweep    func(time.Time) []string

	mutex  sync.Mutex
	events []Event
	report TickReport

	tick     sync.Mutex
	lastTick time.Time

	state  atomic.Uint32
	status atomic.Uint32

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	onStartHooks SchedulerHooks
	onStopHooks  SchedulerHooks

	beforeTickHooks SchedulerHooks
	afterTickHooks  SchedulerHooks
}

// NewScheduler returns a stopped scheduler with an empty queue.
func NewScheduler(settings SchedulerSettings) (*Scheduler, error) {
	if settings.Interval <= 0 {
		return nil, fmt.Errorf(
			"%w: scheduler interval must be greater than 0 (got %s)",
			ErrInvalidArgument,
			settings.Interval,
		)
	}

	if settings.Apply == nil || settings.Sweep == nil {
		return nil, fmt.Errorf("%w: scheduler needs both an apply and a sweep function", ErrInvalidArgument)
	}

	if settings.Clock == nil {
		settings.Clock = clock.New()
	}

	if settings.Logger == nil {
		settings.Logger = zap.NewNop()
	}

	return &Scheduler{
		interval: settings.Interval,
		clock:    settings.Clock,
		logger:   settings.Logger,
		apply:    settings.Apply,
		sweep:    settings.Sweep,
		lastTick: settings.Clock.Now(),
	}, nil
}

func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

func (s *Scheduler) Status() SchedulerStatus {
	return SchedulerStatus(s.status.Load())
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// OnStart registers hooks to be executed when the scheduler starts. Hooks must
// be registered before Start.
func (s *Scheduler) OnStart(hooks ...SchedulerHook) {
	s.onStartHooks = append(s.onStartHooks, hooks...)
}

// OnStop registers hooks to be executed when the scheduler stops.
func (s *Scheduler) OnStop(hooks ...SchedulerHook) {
	s.onStopHooks = append(s.onStopHooks, hooks...)
}

// BeforeTick registers hooks to be executed before every tick.
func (s *Scheduler) BeforeTick(hooks ...SchedulerHook) {
	s.beforeTickHooks = append(s.beforeTickHooks, hooks...)
}

// AfterTick registers hooks to be executed after every tick. LastReport
// describes the tick that just finished.
func (s *Scheduler) AfterTick(hooks ...SchedulerHook) {
	s.afterTickHooks = append(s.afterTickHooks, hooks...)
}

// Add queues events. It is safe to call from Apply.
func (s *Scheduler) Add(events ...Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.events = append(s.events, events...)
}

// Pending returns a copy of the queued events ordered by due time.
func (s *Scheduler) Pending() []Event {
	s.mutex.Lock()
	events := slices.Clone(s.events)
	s.mutex.Unlock()

	slices.SortStableFunc(events, compareEvents)
	return events
}

// LastReport returns the report of the most recent tick.
func (s *Scheduler) LastReport() TickReport {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.report
}

// Tick runs one poll: due events are drained and applied in due order, then
// expired keys are swept. A tick that runs more than two intervals after the
// previous one is reported as late; the events still fire.
func (s *Scheduler) Tick() TickReport {
	s.tick.Lock()
	defer s.tick.Unlock()

	s.beforeTickHooks.Run(s)
	s.state.Store(uint32(SchedulerStateTicking))

	now := s.clock.Now()
	report := TickReport{
		At:  now,
		Gap: now.Sub(s.lastTick),
	}
	s.lastTick = now

	report.Applied = s.drain(now)
	for _, event := range report.Applied {
		s.apply(now, event)
	}

	report.Evicted = s.sweep(now)

	if report.Gap > 2*s.interval {
		report.Late = true
		s.logger.Warn("scheduler tick ran late, rotation timing may be delayed",
			zap.Duration("gap", report.Gap),
			zap.Duration("interval", s.interval),
		)
	}

	s.mutex.Lock()
	s.report = report
	s.mutex.Unlock()

	s.state.Store(uint32(SchedulerStateIdle))
	s.afterTickHooks.Run(s)

	return report
}

func (s *Scheduler) drain(now time.Time) []Event {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var due []Event
	pending := s.events[:0]
	for _, event := range s.events {
		if event.Due.After(now) {
			pending = append(pending, event)
			continue
		}
		due = append(due, event)
	}

	clear(s.events[len(pending):])
	s.events = pending

	slices.SortStableFunc(due, compareEvents)
	return due
}

func compareEvents(a, b Event) int {
	return a.Due.Compare(b.Due)
}

// Start launches the tick loop. The loop ends when ctx is cancelled or Stop
// is called; either way the scheduler is stopped afterwards and can be
// started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return ErrSchedulerAlreadyRunning
	}

	s.tick.Lock()
	s.lastTick = s.clock.Now()
	s.tick.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx, s.clock.Ticker(s.interval), s.done)

	s.status.Store(uint32(SchedulerStatusStarted))
	s.onStartHooks.Run(s)

	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil

	s.status.Store(uint32(SchedulerStatusStopped))
	s.onStopHooks.Run(s)
}

func (s *Scheduler) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(done)
			s.release(done)
			return

		case <-ticker.C:
			s.Tick()
		}
	}
}

// release marks the scheduler stopped after its context ended without Stop.
// A loop that Stop already waited on, or that a later Start replaced, is left
// alone.
func (s *Scheduler) release(done chan struct{}) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.done != done {
		return
	}

	s.cancel()
	s.cancel, s.done = nil, nil

	s.status.Store(uint32(SchedulerStatusStopped))
	s.onStopHooks.Run(s)

	s.logger.Info("scheduler stopped, its context ended")
}
