package light

import (
	"testing"
	"time"

	proto "github.com/ystepanoff/apol/protocol"
)

type mockLamp struct {
	green, red bool
	writes     int
}

func (l *mockLamp) Set(green, red bool) {
	l.green, l.red = green, red
	l.writes++
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSteadyCommands(t *testing.T) {
	tests := []struct {
		cmd        proto.RequestType
		green, red bool
	}{
		{proto.Green, true, false},
		{proto.Red, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			lamp := &mockLamp{}
			c := New(lamp, Options{})
			if !c.Request(tt.cmd, false) {
				t.Fatal("command not taken")
			}
			if st := c.State(); st.Active != proto.None || st.Requested != tt.cmd {
				t.Fatalf("state before Step = %+v", st)
			}
			c.Step(t0)
			if st := c.State(); st.Active != tt.cmd || st.Requested != tt.cmd || st.Mode != Steady {
				t.Errorf("state = %+v, want steady %v active and requested", st, tt.cmd)
			}
			if lamp.green != tt.green || lamp.red != tt.red {
				t.Errorf("lamp = (%v, %v), want (%v, %v)", lamp.green, lamp.red, tt.green, tt.red)
			}
			if c.Busy() {
				t.Error("steady light reported busy")
			}
		})
	}
}

func TestPulseToggles(t *testing.T) {
	lamp := &mockLamp{}
	c := New(lamp, Options{})
	c.Request(proto.GreenPulse, false)
	c.Step(t0)

	if st := c.State(); !lamp.green || st.Mode != Pulse || st.Requested != proto.Green {
		t.Fatalf("pulse did not start on: %+v", st)
	}
	c.Step(t0.Add(500 * time.Millisecond))
	if !lamp.green {
		t.Error("toggled before PulseDelay")
	}
	c.Step(t0.Add(proto.PulseDelay))
	if lamp.green {
		t.Error("did not toggle off after PulseDelay")
	}
	c.Step(t0.Add(2 * proto.PulseDelay))
	if !lamp.green {
		t.Error("did not toggle back on")
	}
	if !c.Busy() {
		t.Error("pulsing light must block idle")
	}

	c.Request(proto.Red, false)
	c.Step(t0.Add(2*proto.PulseDelay + time.Millisecond))
	if st := c.State(); st.Mode != Steady || st.Active != proto.Red || lamp.green {
		t.Errorf("RED did not stop the pulse: %+v", st)
	}
}

func TestSecondaryRequestMostRecentWins(t *testing.T) {
	lamp := &mockLamp{}
	c := New(lamp, Options{})
	c.Request(proto.Green, false)
	c.Request(proto.Red, false)

	st := c.State()
	if !st.SecondaryRequestPending || st.Requested != proto.Red {
		t.Fatalf("state = %+v, want secondary pending with RED requested", st)
	}
	if !c.Busy() {
		t.Error("latched command must block idle")
	}

	c.Step(t0)
	st = c.State()
	if st.Active != proto.Red || st.SecondaryRequestPending || st.Requested != proto.Red {
		t.Errorf("after Step state = %+v", st)
	}
}

func TestManualOverrideGatesAutomatic(t *testing.T) {
	lamp := &mockLamp{}
	c := New(lamp, Options{})
	c.Request(proto.Red, false)
	c.Step(t0)

	c.Request(proto.OverrideStart, false)
	if !c.State().Manual {
		t.Fatal("OVERRIDE_START did not set Manual")
	}
	if c.Request(proto.Green, true) {
		t.Error("automatic GREEN taken under override")
	}
	if c.Request(proto.Detection, false) {
		t.Error("DETECTION taken under override")
	}
	c.Step(t0.Add(time.Second))
	if c.State().Active != proto.Red {
		t.Errorf("active = %v, want RED unchanged", c.State().Active)
	}

	if !c.Request(proto.Green, false) {
		t.Error("operator GREEN refused under override")
	}

	c.Request(proto.OverrideStop, false)
	if c.State().Manual {
		t.Fatal("OVERRIDE_STOP did not clear Manual")
	}
	if !c.Request(proto.Detection, false) {
		t.Error("DETECTION refused after override ended")
	}
	c.Step(t0.Add(2 * time.Second))
	if c.State().Active != proto.Green {
		t.Errorf("active = %v, want GREEN from detection", c.State().Active)
	}
}

func TestOnChangeReportsTransitions(t *testing.T) {
	var seen []State
	c := New(&mockLamp{}, Options{OnChange: func(s State) { seen = append(seen, s) }})
	seen = nil

	c.Request(proto.Green, false)
	c.Step(t0)
	c.Step(t0.Add(time.Second))

	if len(seen) != 1 || seen[0].Active != proto.Green {
		t.Errorf("OnChange saw %+v, want one GREEN transition", seen)
	}
	if c.Request(proto.Ack, false) {
		t.Error("ACK taken as a light command")
	}
}
