// package krot manages the lifecycle of the RSA keys that sign and verify
// tokens.
//
// A Rotator always holds exactly one primary key, used for signing, and at most
// one standby key that is already published for verification but not yet used.
// Keys move through three roles on the schedule described by a Policy:
//
//	introduced (standby) -> promoted (primary) -> retained (verification only) -> evicted
//
// The transitions are queued as Events and fired by a Scheduler that polls the
// queue on a fixed tick. Every mutation of primary, standby and the verification
// collection happens inside the Rotator's single critical section; readers copy
// what they need and release it before doing any serialization.
package krot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/zhaori96/krot/v2/jwks"
)

// RotatorHook is a function that is called before or after a lifecycle transition.
type RotatorHook func(rotator *Rotator)

// RotatorHooks is a collection of RotatorHook functions.
// It implements the Run method which runs all the hooks in the collection.
type RotatorHooks []RotatorHook

func (h RotatorHooks) Run(rotator *Rotator) {
	for _, hook := range h {
		hook(rotator)
	}
}

// RotatorErrorHook is called when a lifecycle transition fails.
type RotatorErrorHook func(rotator *Rotator, event EventKind, err error)

// RotatorErrorHooks is a collection of RotatorErrorHook functions.
type RotatorErrorHooks []RotatorErrorHook

func (h RotatorErrorHooks) Run(rotator *Rotator, event EventKind, err error) {
	for _, hook := range h {
		hook(rotator, event, err)
	}
}

// RotatorState is the state of the rotator.
type RotatorState uint

const (
	// RotatorStateIdle is the state of the rotator when it is not rotating.
	RotatorStateIdle RotatorState = iota

	// RotatorStateRotating is the state of the rotator when it is rotating.
	RotatorStateRotating
)

// RotatorStatus is the status of the rotator.
type RotatorStatus uint

const (
	// RotatorStatusStopped is the status of the rotator when its scheduler is not running.
	RotatorStatusStopped RotatorStatus = iota

	// RotatorStatusStarted is the status of the rotator when its scheduler is running.
	RotatorStatusStarted
)

// RotatorSettings is the settings for the rotator.
type RotatorSettings struct {
	// Policy is the rotation schedule.
	// The default value is ProductionPolicy.
	Policy Policy

	// KeySize is the RSA modulus size used by the default generator.
	// The default value is DefaultKeySize.
	KeySize KeySize

	// Clock is the time source for the scheduler and for key timestamps.
	// The default value is the wall clock.
	Clock clock.Clock

	// Logger receives lifecycle logs.
	// The default value is a no-op logger.
	Logger *zap.Logger

	// Generator produces key pairs. When nil, NewKeyGenerator(KeySize) is used.
	Generator KeyGenerator

	// Storage holds the verification collection. When nil, NewKeyStorage() is used.
	Storage KeyStorage

	// IDProvider returns a new unique key identifier.
	// The default value is uuid.NewString.
	IDProvider func() string
}

// DefaultRotatorSettings returns the default rotator settings.
func DefaultRotatorSettings() *RotatorSettings {
	return &RotatorSettings{
		Policy:     ProductionPolicy,
		KeySize:    DefaultKeySize,
		Clock:      clock.New(),
		Logger:     zap.NewNop(),
		IDProvider: uuid.NewString,
	}
}

// Validate validates the rotator settings.
func (s *RotatorSettings) Validate() error {
	if err := s.Policy.Validate(); err != nil {
		return err
	}

	if s.Generator == nil {
		if err := s.KeySize.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (s *RotatorSettings) withDefaults() *RotatorSettings {
	settings := *s
	defaults := DefaultRotatorSettings()

	if settings.Policy == (Policy{}) {
		settings.Policy = defaults.Policy
	}
	if settings.KeySize == 0 {
		settings.KeySize = defaults.KeySize
	}
	if settings.Clock == nil {
		settings.Clock = defaults.Clock
	}
	if settings.Logger == nil {
		settings.Logger = defaults.Logger
	}
	if settings.IDProvider == nil {
		settings.IDProvider = defaults.IDProvider
	}
	if settings.Storage == nil {
		settings.Storage = NewKeyStorage()
	}

	return &settings
}

// Rotator is a concurrent-safe RSA key lifecycle manager.
// It keeps a primary signing key, introduces and promotes standby keys on the
// schedule of its Policy and evicts retired keys once their retention window
// has passed.
type Rotator struct {
	id string

	settings *RotatorSettings
	policy   Policy
	clock    clock.Clock
	logger   *zap.Logger

	state atomic.Uint32

	controller *RotationController
	scheduler  *Scheduler

	storage   KeyStorage
	generator KeyGenerator

	primary *Key
	standby *Key

	onStartHooks RotatorHooks
	onStopHooks  RotatorHooks

	hooksBeforeRotation    RotatorHooks
	hooksAfterRotation     RotatorHooks
	hooksAfterIntroduction RotatorHooks
	hooksOnError           RotatorErrorHooks
}

// New returns a rotator holding a freshly generated primary key, with the first
// introduction queued as if the primary had just been promoted. The scheduler
// is not running until Start is called.
//
// A key generation failure is returned as ErrKeyGeneration, which is fatal:
// without a primary key no token can be signed.
func New(settings *RotatorSettings) (*Rotator, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: settings cannot be nil", ErrInvalidArgument)
	}

	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	generator := settings.Generator
	if generator == nil {
		generator = NewKeyGenerator(settings.KeySize)
	}

	rotator := &Rotator{
		id:         "kr#" + uuid.NewString(),
		settings:   settings,
		policy:     settings.Policy,
		clock:      settings.Clock,
		controller: NewRotationController(),
		storage:    settings.Storage,
		generator:  generator,
	}
	rotator.logger = settings.Logger.With(zap.String("rotator", rotator.id))

	scheduler, err := NewScheduler(SchedulerSettings{
		Interval: settings.Policy.PollInterval,
		Clock:    settings.Clock,
		Logger:   rotator.logger.Named("scheduler"),
		Apply:    rotator.handleEvent,
		Sweep:    rotator.sweep,
	})
	if err != nil {
		return nil, err
	}
	scheduler.OnStop(func(*Scheduler) { rotator.release() })
	rotator.scheduler = scheduler

	now := rotator.clock.Now()

	rotator.controller.Lock()
	primary, err := rotator.generate(now, now.Add(rotator.policy.TimeUntilDeletion()-rotator.policy.TimeToPromotion))
	if err != nil {
		rotator.controller.Unlock()
		return nil, err
	}

	rotator.primary = primary
	rotator.scheduler.Add(Event{
		Kind: EventIntroduce,
		Due:  now.Add(rotator.policy.DelayBeforeNextIntroduction()),
	})
	rotator.controller.Unlock()

	rotator.logger.Info("rotator initialized",
		zap.String("kid", primary.ID),
		zap.Duration("poll_interval", rotator.policy.PollInterval),
	)

	return rotator, nil
}

// ID returns the unique identifier associated with the rotator.
func (r *Rotator) ID() string {
	return r.id
}

// Policy returns the rotation schedule in use.
func (r *Rotator) Policy() Policy {
	return r.policy
}

// Scheduler returns the scheduler that drives the rotator.
func (r *Rotator) Scheduler() *Scheduler {
	return r.scheduler
}

// Status returns the current operational status of the rotator. A rotator
// whose start context ended reports itself stopped.
func (r *Rotator) Status() RotatorStatus {
	if r.controller.Disposed() {
		return RotatorStatusStopped
	}
	return RotatorStatusStarted
}

// State returns the current state of the rotator, which is either idle or rotating.
func (r *Rotator) State() RotatorState {
	return RotatorState(r.state.Load())
}

func (r *Rotator) setState(state RotatorState) {
	r.state.Store(uint32(state))
}

// OnStart appends provided hooks that can be called when the Rotator starts.
func (r *Rotator) OnStart(hooks ...RotatorHook) {
	r.onStartHooks = append(r.onStartHooks, hooks...)
}

// OnStop appends provided hooks that can be called when the Rotator stops.
func (r *Rotator) OnStop(hooks ...RotatorHook) {
	r.onStopHooks = append(r.onStopHooks, hooks...)
}

// BeforeRotation appends provided hooks to the beginning of the Rotator's hooksBeforeRotation slice.
// These hooks are executed before a promotion, forced or scheduled.
func (r *Rotator) BeforeRotation(hooks ...RotatorHook) {
	r.hooksBeforeRotation = append(hooks, r.hooksBeforeRotation...)
}

// AfterRotation appends provided hooks to the end of the Rotator's hooksAfterRotation slice.
// These hooks are executed after a successful promotion.
func (r *Rotator) AfterRotation(hooks ...RotatorHook) {
	r.hooksAfterRotation = append(r.hooksAfterRotation, hooks...)
}

// AfterIntroduction appends hooks executed after a standby key was introduced.
func (r *Rotator) AfterIntroduction(hooks ...RotatorHook) {
	r.hooksAfterIntroduction = append(r.hooksAfterIntroduction, hooks...)
}

// OnError appends hooks executed when an introduction or a promotion fails,
// whether it was scheduled or forced.
func (r *Rotator) OnError(hooks ...RotatorErrorHook) {
	r.hooksOnError = append(r.hooksOnError, hooks...)
}

// SigningKey returns the current primary key. It never returns nil.
func (r *Rotator) SigningKey() *Key {
	r.controller.Lock()
	defer r.controller.Unlock()

	return r.primary
}

// Standby returns the key waiting for promotion, or nil.
func (r *Rotator) Standby() *Key {
	r.controller.Lock()
	defer r.controller.Unlock()

	return r.standby
}

// Keys returns the verification collection in membership order.
func (r *Rotator) Keys() []*Key {
	r.controller.Lock()
	keys, err := r.storage.List(context.Background())
	r.controller.Unlock()

	if err != nil {
		r.logger.Error("failed to list keys", zap.Error(err))
		return nil
	}

	return keys
}

// KeySet returns a fresh snapshot of the published key set.
func (r *Rotator) KeySet() jwk.Set {
	set := jwk.NewSet()
	for _, key := range r.Keys() {
		public := key.JWK
		if public == nil {
			var err error
			if public, err = jwks.NewKey(key.PublicKey(), key.ID); err != nil {
				r.logger.Error("failed to publish key", zap.String("kid", key.ID), zap.Error(err))
				continue
			}
		}

		if err := set.AddKey(public); err != nil {
			r.logger.Error("failed to publish key", zap.String("kid", key.ID), zap.Error(err))
		}
	}

	return set
}

// KeySetJSON returns KeySet as indented JSON.
func (r *Rotator) KeySetJSON() ([]byte, error) {
	return json.MarshalIndent(r.KeySet(), "", "  ")
}

// VerificationKeys indexes the current key set by key identifier.
func (r *Rotator) VerificationKeys() (*jwks.VerificationKeys, error) {
	return jwks.NewVerificationKeys(r.KeySet())
}

// Rotate forces a rotation: the standby key, or a freshly generated one if
// there is none, becomes primary right away and the previous primary is kept
// for verification until its retention window ends. Events already queued are
// left in place and fire as scheduled.
func (r *Rotator) Rotate() error {
	if err := r.promote(r.clock.Now()); err != nil {
		r.hooksOnError.Run(r, EventPromote, err)
		return err
	}
	return nil
}

// Start launches the scheduler. It returns ErrRotatorAlreadyRunning if the
// rotator was already started.
//
//	rotator, err := krot.New(krot.DefaultRotatorSettings())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rotator.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer rotator.Stop()
func (r *Rotator) Start(ctx context.Context) error {
	runContext, err := r.controller.TurnOn(ctx)
	if err != nil {
		return err
	}

	if err := r.scheduler.Start(runContext); err != nil {
		r.controller.TurnOff()
		return err
	}

	r.onStartHooks.Run(r)

	r.logger.Info("rotator started")
	return nil
}

// Stop halts the scheduler. It is safe to call on a stopped rotator. After
// calling Stop, the Rotator can be restarted with the Start method.
func (r *Rotator) Stop() {
	if !r.controller.TurnOff() {
		return
	}

	r.scheduler.Stop()
	r.onStopHooks.Run(r)

	r.logger.Info("rotator stopped")
}

// release turns the rotator off once its scheduler stopped on its own, which
// happens when the context given to Start ends.
func (r *Rotator) release() {
	if !r.controller.TurnOff() {
		return
	}

	r.onStopHooks.Run(r)
	r.logger.Info("rotator stopped, its context ended")
}

func (r *Rotator) handleEvent(now time.Time, event Event) {
	var err error
	switch event.Kind {
	case EventIntroduce:
		err = r.introduce(now)
	case EventPromote:
		err = r.promote(now)
	default:
		r.logger.Warn("ignoring unknown event", zap.Stringer("event", event.Kind))
		return
	}

	if err == nil {
		return
	}

	retry := Event{Kind: event.Kind, Due: now.Add(r.policy.PollInterval)}
	r.scheduler.Add(retry)
	r.hooksOnError.Run(r, event.Kind, err)

	r.logger.Error("lifecycle event failed, retrying on a later tick",
		zap.Stringer("event", event.Kind),
		zap.Time("retry_at", retry.Due),
		zap.Error(err),
	)
}

// introduce publishes a new standby key unless one is already waiting.
func (r *Rotator) introduce(now time.Time) error {
	r.controller.Lock()

	if r.standby != nil {
		existing := r.standby.ID
		r.controller.Unlock()

		r.logger.Info("standby key already present, skipping introduction (expected after a forced rotation)",
			zap.String("kid", existing),
		)
		return nil
	}

	key, err := r.generate(now, now.Add(r.policy.TimeUntilDeletion()))
	if err != nil {
		r.controller.Unlock()
		return err
	}

	r.standby = key
	r.scheduler.Add(Event{
		Kind: EventPromote,
		Due:  now.Add(r.policy.DelayBeforePromotion()),
	})
	r.controller.Unlock()

	r.logger.Info("standby key introduced", zap.String("kid", key.ID))
	r.hooksAfterIntroduction.Run(r)

	return nil
}

// promote makes the standby key primary, generating one first if needed.
func (r *Rotator) promote(now time.Time) error {
	r.hooksBeforeRotation.Run(r)

	r.controller.Lock()
	r.setState(RotatorStateRotating)

	if r.standby == nil {
		key, err := r.generate(now, now.Add(r.policy.TimeUntilDeletion()))
		if err != nil {
			r.setState(RotatorStateIdle)
			r.controller.Unlock()
			return err
		}
		r.standby = key
	}

	previous := r.primary
	r.primary, r.standby = r.standby, nil
	r.scheduler.Add(Event{
		Kind: EventIntroduce,
		Due:  now.Add(r.policy.DelayBeforeNextIntroduction()),
	})

	current := r.primary
	r.setState(RotatorStateIdle)
	r.controller.Unlock()

	r.logger.Info("key promoted to primary",
		zap.String("kid", current.ID),
		zap.String("previous_kid", previous.ID),
	)
	r.hooksAfterRotation.Run(r)

	return nil
}

// generate creates a key and adds it to the verification collection. The
// caller must hold the controller lock. An identifier that is empty or
// already published is rejected, since storing it would hide or replace a
// key that tokens may still be signed with.
func (r *Rotator) generate(now, expires time.Time) (*Key, error) {
	id := r.settings.IDProvider()
	if id == "" {
		return nil, fmt.Errorf("%w: the id provider returned an empty key id", ErrInvalidArgument)
	}

	if _, err := r.storage.Get(context.Background(), id); err == nil {
		return nil, fmt.Errorf("%w: key id %q is already in use", ErrInvalidArgument, id)
	}

	private, err := r.generator.Generate()
	if err != nil {
		return nil, ErrKeyGeneration.Wrap(err)
	}

	key, err := newKey(id, private, now, expires)
	if err != nil {
		return nil, err
	}

	if err := r.storage.Add(context.Background(), key); err != nil {
		return nil, fmt.Errorf("storing key %s: %w", key.ID, err)
	}

	return key, nil
}

// sweep evicts every key past its retention window except the primary and the
// standby.
func (r *Rotator) sweep(now time.Time) []string {
	var (
		evicted []string
		kept    []*Key
	)

	r.controller.Lock()
	keys, err := r.storage.List(context.Background())
	if err == nil {
		for _, key := range keys {
			if !key.Expired(now) {
				continue
			}

			if key == r.primary || key == r.standby {
				kept = append(kept, key)
				continue
			}

			evicted = append(evicted, key.ID)
		}

		if len(evicted) > 0 {
			err = r.storage.Delete(context.Background(), evicted...)
		}
	}
	r.controller.Unlock()

	if err != nil {
		r.logger.Error("retention sweep failed", zap.Error(err))
		return nil
	}

	for _, key := range kept {
		r.logger.Warn("key past its retention window is still in use, not evicting",
			zap.String("kid", key.ID),
			zap.Time("expires", key.Expires),
		)
	}

	for _, id := range evicted {
		r.logger.Info("key evicted from verification set", zap.String("kid", id))
	}

	return evicted
}
