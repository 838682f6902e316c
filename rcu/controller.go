// Package rcu implements a read-copy-update reclamation controller: a
// registry of live readers, a grace-period detector, and a background
// reclaimer that invokes deferred callbacks once no registered reader
// can still observe the data they guard.
package rcu

import (
	"errors"
	"sync"
	"time"

	"github.com/mbver/gorcu/pool"
)

var ErrCallbackQueueFull = errors.New("rcu: callback queue full")

const DefaultTick = 8 * time.Millisecond

// Callback runs exactly once, from the reclaimer goroutine, after a
// grace period relative to the Call that enqueued it.
type Callback struct {
	Func func(arg any)
	Arg  any
}

// quiescent is scratch state for a single grace-period attempt; not
// durable between attempts.
type tracker struct {
	reader    *Reader
	quiescent bool
}

type Option func(*Controller)

func WithTick(d time.Duration) Option {
	return func(c *Controller) { c.tick = d }
}

func WithTrackerPoolCapacity(n int) Option {
	return func(c *Controller) { c.trackerPool = pool.New[tracker](n).Unbounded(true) }
}

// WithBoundedTrackerPool caps the controller at capacity registered
// readers; past that, AddReader returns pool.ErrExhausted.
func WithBoundedTrackerPool(capacity int) Option {
	return func(c *Controller) { c.trackerPool = pool.New[tracker](capacity) }
}

func WithMaxPending(n int) Option {
	return func(c *Controller) { c.maxPending = n }
}

// Controller's zero value is not usable; construct with New.
type Controller struct {
	mu         sync.Mutex
	trackers   []*tracker
	callbacks  []Callback
	next       []Callback
	maxPending int

	trackerPool pool.Allocator[tracker]

	tick time.Duration
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	bgMu      sync.Mutex
	bgRunning bool
}

func New(opts ...Option) *Controller {
	c := &Controller{
		tick:        DefaultTick,
		trackerPool: pool.New[tracker](0).Unbounded(true),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddReader panics on re-registration: protocol misuse, not a
// recoverable error.
func (c *Controller) AddReader(r *Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.trackers {
		if t.reader == r {
			panic("rcu: reader already registered")
		}
	}

	t, err := c.trackerPool.Alloc()
	if err != nil {
		return err
	}
	t.reader = r
	t.quiescent = false
	c.trackers = append(c.trackers, t)
	return nil
}

// RemoveReader panics if reader is not registered or still holds an
// open read section: removing mid-critical-section is protocol
// misuse this design refuses to paper over.
func (c *Controller) RemoveReader(r *Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.trackers {
		if t.reader == r {
			if r.nestingDepth() != 0 {
				panic("rcu: removing reader with open read section")
			}
			last := len(c.trackers) - 1
			c.trackers[i] = c.trackers[last]
			c.trackers[last] = nil
			c.trackers = c.trackers[:last]
			c.trackerPool.Free(t)
			return
		}
	}
	panic("rcu: removing unregistered reader")
}

func (c *Controller) Call(fn func(arg any), arg any) error {
	c.mu.Lock()
	if c.maxPending > 0 && len(c.callbacks) >= c.maxPending {
		c.mu.Unlock()
		return ErrCallbackQueueFull
	}
	c.callbacks = append(c.callbacks, Callback{Func: fn, Arg: arg})
	c.mu.Unlock()

	// wake/done are only ever written under bgMu (StartBackground,
	// StopBackground), so read them under the same lock here.
	c.bgMu.Lock()
	wake := c.wake
	c.bgMu.Unlock()
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Controller) StartBackground() {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgRunning {
		panic("rcu: background reclaimer already running")
	}
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	c.wake = wake
	c.done = done
	c.bgRunning = true
	c.wg.Add(1)
	go c.reclaimLoop(wake, done)
}

// StopBackground signals shutdown and waits for the reclaimer, which
// keeps running passes until both queues are empty: every callback
// enqueued before it finds them empty waits out its grace period and
// runs before StopBackground returns, so this blocks for as long as a
// registered reader holds its read section open. A Call made after the
// reclaimer has exited stays queued. No-op if no reclaimer is running.
func (c *Controller) StopBackground() {
	c.bgMu.Lock()
	if !c.bgRunning {
		c.bgMu.Unlock()
		return
	}
	close(c.done)
	c.bgMu.Unlock()

	c.wg.Wait()

	c.bgMu.Lock()
	c.bgRunning = false
	c.bgMu.Unlock()
}

// Deinit panics if any registered reader still has an open read
// section.
func (c *Controller) Deinit() {
	c.StopBackground()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		if t.reader.nestingDepth() != 0 {
			panic("rcu: deinit with active reader")
		}
	}
	c.trackers = nil
	c.callbacks = nil
	c.next = nil
}

func (c *Controller) reclaimLoop(wake, done chan struct{}) {
	defer c.wg.Done()

	// Once done fires, a bare select on it would busy-spin every
	// iteration while a grace period is still pending; shuttingDown
	// switches to a plain ticked sleep instead.
	shuttingDown := false
	for {
		if !shuttingDown {
			select {
			case <-wake:
			case <-done:
				shuttingDown = true
			case <-time.After(c.tick):
			}
		} else {
			time.Sleep(c.tick)
		}

		c.mu.Lock()

		setPin := false
		if len(c.next) == 0 {
			c.next, c.callbacks = c.callbacks, nil
			setPin = true
		}
		if len(c.next) == 0 {
			c.mu.Unlock()
			if shuttingDown {
				return
			}
			continue
		}

		if !c.gracePeriodReached(setPin) {
			c.mu.Unlock()
			continue
		}

		for _, t := range c.trackers {
			t.quiescent = false
		}
		cbs := c.next
		c.next = nil
		c.mu.Unlock()

		for _, cb := range cbs {
			cb.Func(cb.Arg)
		}
	}
}

// gracePeriodReached runs one scan over the tracker set. setPin is
// true only on the pass that first swapped callbacks into next.
func (c *Controller) gracePeriodReached(setPin bool) bool {
	allQuiescent := true
	for _, t := range c.trackers {
		if t.quiescent {
			continue
		}

		if setPin {
			t.reader.pin.Store(true)
		} else if !t.reader.pin.Load() {
			// pin cleared since we set it: the reader has passed
			// through an outermost Unlock and can't be mid-traversal
			// over pre-snapshot state.
			t.quiescent = true
			continue
		}

		if t.reader.nestingDepth() == 0 {
			t.quiescent = true
			continue
		}

		allQuiescent = false
	}
	return allQuiescent
}
