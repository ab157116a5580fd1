// Package override tracks a human override window. On the
// Vehicle-Detection-Device an armed override suppresses the automatic Green a
// detection would otherwise originate; on the Handheld it mirrors the remote
// state and holds the duration the operator has dialled in.
package override

import (
	"time"

	"github.com/hashicorp/go-hclog"

	proto "github.com/ystepanoff/apol/protocol"
)

type Options struct {
	Min  uint32
	Max  uint32
	Step uint32
	// Default is the duration requested until the operator adjusts it.
	Default uint32
	// Unit converts a duration count into time. Defaults to time.Minute.
	Unit   time.Duration
	Logger hclog.Logger
}

// State is a snapshot of the override.
type State struct {
	Armed            bool
	EndTime          time.Time
	Duration         uint32
	RemainingSeconds uint32
	Requested        uint32
	Detections       uint32
}

type Override struct {
	log  hclog.Logger
	min  uint32
	max  uint32
	step uint32
	unit time.Duration

	armed      bool
	end        time.Time
	duration   uint32
	requested  uint32
	detections uint32
}

func New(opts Options) *Override {
	if opts.Max == 0 && opts.Min == 0 {
		opts.Min, opts.Max = proto.DurationMin, proto.DurationMax
	}
	if opts.Max < opts.Min {
		opts.Max = opts.Min
	}
	if opts.Step == 0 {
		opts.Step = 1
	}
	if opts.Unit <= 0 {
		opts.Unit = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	o := &Override{
		log:  opts.Logger.Named("override"),
		min:  opts.Min,
		max:  opts.Max,
		step: opts.Step,
		unit: opts.Unit,
	}
	o.requested = o.Clamp(opts.Default)
	return o
}

// Clamp bounds a duration into [Min, Max].
func (o *Override) Clamp(d uint32) uint32 {
	if d < o.min {
		return o.min
	}
	if d > o.max {
		return o.max
	}
	return d
}

// Start arms the override for the clamped duration, restarting the window if
// it is already armed. It returns the duration actually applied.
func (o *Override) Start(duration uint32, now time.Time) uint32 {
	d := o.Clamp(duration)
	if d != duration {
		o.log.Debug("override duration clamped", "requested", duration, "applied", d)
	}
	o.armed = true
	o.duration = d
	o.end = now.Add(time.Duration(d) * o.unit)
	o.log.Info("override armed", "duration", d, "until", o.end)
	return d
}

func (o *Override) Stop() {
	if o.armed {
		o.log.Info("override disarmed")
	}
	o.armed = false
	o.end = time.Time{}
}

// Tick disarms an expired override and reports whether it did.
func (o *Override) Tick(now time.Time) bool {
	if !o.armed || now.Before(o.end) {
		return false
	}
	o.armed = false
	o.log.Info("override expired")
	return true
}

// Detect records a vehicle detection and reports whether it should be
// forwarded as an automatic Green, which is only while disarmed.
func (o *Override) Detect(now time.Time) bool {
	o.Tick(now)
	o.detections++
	return !o.armed
}

func (o *Override) Armed() bool { return o.armed }

// Requested is the duration the next Start will ask for.
func (o *Override) Requested() uint32 { return o.requested }

// Adjust moves the requested duration by one Step up or down, within bounds.
func (o *Override) Adjust(up bool) uint32 {
	switch {
	case up && o.max-o.requested < o.step:
		o.requested = o.max
	case up:
		o.requested += o.step
	case o.requested-o.min < o.step:
		o.requested = o.min
	default:
		o.requested -= o.step
	}
	return o.requested
}

func (o *Override) State(now time.Time) State {
	st := State{
		Armed:      o.armed,
		Duration:   o.duration,
		Requested:  o.requested,
		Detections: o.detections,
	}
	if o.armed {
		st.EndTime = o.end
		if rem := o.end.Sub(now); rem > 0 {
			st.RemainingSeconds = uint32((rem + time.Second - 1) / time.Second)
		}
	}
	return st
}
