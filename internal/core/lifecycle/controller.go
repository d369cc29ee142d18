package lifecycle

import (
	"context"
	"sync"
)

// Controller carries pause, resume and stop requests into a running task.
// Requests may come from any goroutine; the task observes them at step
// boundaries.
type Controller struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
}

// NewController creates a controller in the running (not paused) position.
func NewController() *Controller {
	c := &Controller{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pause requests a pause. It is a no-op once stopped.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.paused = true
}

// Resume releases a paused task.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// Toggle flips between paused and running and returns the new paused flag.
func (c *Controller) Toggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.paused = !c.paused
	if !c.paused {
		c.cond.Broadcast()
	}
	return c.paused
}

// Stop requests a cooperative stop and wakes a paused task.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.paused = false
	c.cond.Broadcast()
}

// IsPaused reports whether a pause is pending or in effect.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsStopped reports whether Stop has been called.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// WaitWhilePaused blocks until the controller is resumed or stopped, or ctx
// ends. It returns ctx.Err() in the last case.
func (c *Controller) WaitWhilePaused(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return ctx.Err()
}
