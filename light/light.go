// Package light is the Pit-Out-Light's signal state machine. Commands are
// latched as they arrive and applied by the control loop in Step.
package light

import (
	"time"

	"github.com/hashicorp/go-hclog"

	proto "github.com/ystepanoff/apol/protocol"
)

// Lamp drives the physical signal heads.
type Lamp interface {
	Set(green, red bool)
}

type Mode uint8

const (
	Steady Mode = iota
	Pulse
)

func (m Mode) String() string {
	if m == Pulse {
		return "pulse"
	}
	return "steady"
}

// State is a snapshot of the controller. Active and Requested are Green, Red
// or None.
type State struct {
	Active                  proto.RequestType
	Requested               proto.RequestType
	Mode                    Mode
	PulseOn                 bool
	SecondaryRequestPending bool
	Manual                  bool
}

type Options struct {
	PulseDelay time.Duration
	Logger     hclog.Logger
	// OnChange is called from Step whenever the lamp output changes.
	OnChange func(State)
}

type Controller struct {
	lamp       Lamp
	log        hclog.Logger
	pulseDelay time.Duration
	onChange   func(State)

	st         State
	latched    bool
	latchedCmd proto.RequestType
	nextToggle time.Time
}

func New(lamp Lamp, opts Options) *Controller {
	if opts.PulseDelay <= 0 {
		opts.PulseDelay = proto.PulseDelay
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	c := &Controller{
		lamp:       lamp,
		log:        opts.Logger.Named("light"),
		pulseDelay: opts.PulseDelay,
		onChange:   opts.OnChange,
		st:         State{Active: proto.None, Requested: proto.None},
	}
	c.drive()
	return c
}

// Request latches a command for the next Step. automatic marks commands that
// originate from vehicle detection rather than an operator; those are ignored
// while a manual override holds the light. The return value reports whether
// the command was taken.
func (c *Controller) Request(cmd proto.RequestType, automatic bool) bool {
	switch cmd {
	case proto.OverrideStart:
		if !c.st.Manual {
			c.log.Info("manual override engaged")
		}
		c.st.Manual = true
		return true
	case proto.OverrideStop:
		if c.st.Manual {
			c.log.Info("manual override released")
		}
		c.st.Manual = false
		return true
	case proto.Detection:
		cmd = proto.Green
		automatic = true
	case proto.Green, proto.GreenPulse, proto.Red:
	default:
		return false
	}

	if automatic && c.st.Manual {
		c.log.Debug("ignoring automatic command under manual override", "command", cmd)
		return false
	}

	if c.latched {
		c.st.SecondaryRequestPending = true
		c.log.Debug("command replaced before it was applied", "old", c.latchedCmd, "new", cmd)
	}
	c.latched = true
	c.latchedCmd = cmd
	c.st.Requested = lightOf(cmd)
	return true
}

// Step applies a latched command and advances the pulse.
func (c *Controller) Step(now time.Time) {
	if c.latched {
		c.apply(c.latchedCmd, now)
		return
	}
	if c.st.Mode == Pulse && !now.Before(c.nextToggle) {
		c.st.PulseOn = !c.st.PulseOn
		c.nextToggle = now.Add(c.pulseDelay)
		c.drive()
	}
}

func (c *Controller) apply(cmd proto.RequestType, now time.Time) {
	c.latched = false
	c.st.Requested = lightOf(cmd)
	c.st.SecondaryRequestPending = false

	switch cmd {
	case proto.GreenPulse:
		c.st.Active = proto.Green
		c.st.Mode = Pulse
		c.st.PulseOn = true
		c.nextToggle = now.Add(c.pulseDelay)
	default:
		c.st.Active = cmd
		c.st.Mode = Steady
		c.st.PulseOn = false
	}
	c.log.Debug("light changed", "active", c.st.Active, "mode", c.st.Mode)
	c.drive()
}

func (c *Controller) drive() {
	green := c.st.Active == proto.Green && (c.st.Mode == Steady || c.st.PulseOn)
	red := c.st.Active == proto.Red
	if c.lamp != nil {
		c.lamp.Set(green, red)
	}
	if c.onChange != nil {
		c.onChange(c.st)
	}
}

// Busy blocks idle sleep while a command is latched or the light pulses.
func (c *Controller) Busy() bool {
	return c.latched || c.st.SecondaryRequestPending || c.st.Mode == Pulse
}

func (c *Controller) State() State { return c.st }

func lightOf(cmd proto.RequestType) proto.RequestType {
	if cmd == proto.GreenPulse {
		return proto.Green
	}
	return cmd
}
