package krot

import (
	"context"
	"sync"
)

// RotationController owns the Rotator's critical section and the context of
// its current run.
type RotationController struct {
	mutex sync.Mutex

	lifecycle sync.Mutex
	cancel    context.CancelFunc
}

func NewRotationController() *RotationController {
	return &RotationController{}
}

// Lock enters the critical section guarding primary, standby and storage.
func (c *RotationController) Lock() {
	c.mutex.Lock()
}

func (c *RotationController) Unlock() {
	c.mutex.Unlock()
}

// TurnOn derives the run context from parent. It fails if the controller is
// already on.
func (c *RotationController) TurnOn(parent context.Context) (context.Context, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.cancel != nil {
		return nil, ErrRotatorAlreadyRunning
	}

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	return ctx, nil
}

// TurnOff cancels the run context. It returns false if the controller was
// already off.
func (c *RotationController) TurnOff() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.cancel == nil {
		return false
	}

	c.cancel()
	c.cancel = nil
	return true
}

// Disposed reports whether the controller is off.
func (c *RotationController) Disposed() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.cancel == nil
}
