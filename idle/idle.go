// Package idle decides when a node may sleep and blocks it until a wake
// source fires.
package idle

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"

	"github.com/ystepanoff/apol/signal"
)

type WakeReason uint8

const (
	WakeSignal WakeReason = iota
	WakeTimeout
	WakeDisabled
	WakeCancelled
)

func (r WakeReason) String() string {
	switch r {
	case WakeSignal:
		return "signal"
	case WakeTimeout:
		return "timeout"
	case WakeDisabled:
		return "disabled"
	default:
		return "cancelled"
	}
}

type Options struct {
	Enabled   bool
	IdleStart time.Duration
	Logger    hclog.Logger
}

// Scheduler tracks the last activity of one node. Touch, MaySleep and Sleep
// belong to the control loop; Enable and Disable may be called from any
// goroutine.
type Scheduler struct {
	log       hclog.Logger
	idleStart time.Duration
	waker     *signal.Waker

	enabled atomic.Bool
	sleeps  atomic.Uint32
	last    time.Time
}

func New(waker *signal.Waker, opts Options) *Scheduler {
	if opts.IdleStart <= 0 {
		opts.IdleStart = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	s := &Scheduler{
		log:       opts.Logger.Named("idle"),
		idleStart: opts.IdleStart,
		waker:     waker,
	}
	s.enabled.Store(opts.Enabled)
	return s
}

// Touch records activity: an input, a received packet or a state change.
func (s *Scheduler) Touch(now time.Time) {
	if now.After(s.last) {
		s.last = now
	}
}

func (s *Scheduler) LastActivity() time.Time { return s.last }

// MaySleep reports whether the node has been quiet for IdleStart with nothing
// outstanding.
func (s *Scheduler) MaySleep(now time.Time, busy bool) bool {
	if !s.enabled.Load() || busy {
		return false
	}
	return now.Sub(s.last) >= s.idleStart
}

func (s *Scheduler) Enable() {
	if !s.enabled.Swap(true) {
		s.log.Info("idle sleep enabled")
	}
}

// Disable turns idle sleep off and wakes the node if it is asleep.
func (s *Scheduler) Disable() {
	if s.enabled.Swap(false) {
		s.log.Info("idle sleep disabled")
	}
	s.waker.Notify()
}

func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

func (s *Scheduler) Sleeps() uint32 { return s.sleeps.Load() }

// Sleep blocks until a wake signal, Disable, ctx cancellation or maxWait.
// A zero maxWait waits for a signal only; use a bound when the radio cannot
// raise a ready interrupt. A notification raised before Sleep returns at once.
func (s *Scheduler) Sleep(ctx context.Context, maxWait time.Duration) WakeReason {
	s.sleeps.Inc()
	s.waker.SetAsleep(true)
	defer s.waker.SetAsleep(false)

	var timeout <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		timeout = t.C
	}

	s.log.Trace("sleeping", "max_wait", maxWait)
	select {
	case <-ctx.Done():
		return WakeCancelled
	case <-timeout:
		return WakeTimeout
	case <-s.waker.C():
		if !s.enabled.Load() {
			return WakeDisabled
		}
		return WakeSignal
	}
}
