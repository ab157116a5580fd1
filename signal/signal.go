// Package signal holds the only state an interrupt handler may touch. Handlers
// raise flags or bump counters and notify a Waker; the control loop consumes
// them between steps.
package signal

import "go.uber.org/atomic"

// Flag is a latch raised from interrupt context and taken by the loop.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Raise() { f.v.Store(true) }

// Take reports whether the flag was raised and clears it.
func (f *Flag) Take() bool { return f.v.Swap(false) }

func (f *Flag) Raised() bool { return f.v.Load() }

// Counter counts events raised faster than the loop consumes them, such as
// vehicle-detection pulses.
type Counter struct {
	v atomic.Uint32
}

func (c *Counter) Inc() { c.v.Inc() }

// Drain returns the count accumulated since the last Drain and resets it.
func (c *Counter) Drain() uint32 { return c.v.Swap(0) }

func (c *Counter) Load() uint32 { return c.v.Load() }

// Waker lets interrupt handlers end an idle sleep. Notify never blocks;
// notifications raised while nobody is waiting coalesce into one.
type Waker struct {
	ch     chan struct{}
	wakes  atomic.Uint32
	asleep atomic.Bool
}

func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

func (w *Waker) Notify() {
	w.wakes.Inc()
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is closed over by sleepers; each Notify delivers at most one value.
func (w *Waker) C() <-chan struct{} { return w.ch }

// Drain discards a pending notification.
func (w *Waker) Drain() {
	select {
	case <-w.ch:
	default:
	}
}

// Wakes counts every Notify since creation.
func (w *Waker) Wakes() uint32 { return w.wakes.Load() }

func (w *Waker) SetAsleep(v bool) { w.asleep.Store(v) }

func (w *Waker) Asleep() bool { return w.asleep.Load() }
