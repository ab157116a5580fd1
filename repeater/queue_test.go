package repeater

import (
	"errors"
	"testing"
	"time"

	"github.com/ystepanoff/apol/engine"
	proto "github.com/ystepanoff/apol/protocol"
)

type recorder struct {
	sent []proto.Packet
}

func (r *recorder) Send(pkt proto.Packet) error {
	pkt.Sender = proto.Repeater
	r.sent = append(r.sent, pkt)
	return nil
}

func newQueue(t *testing.T) (*Queue, *engine.Engine, *recorder, *[]Outcome) {
	t.Helper()
	tx := &recorder{}
	eng := engine.NewEngine(tx, engine.Options{})
	var outcomes []Outcome
	q := New(eng, Options{OnOutcome: func(o Outcome) { outcomes = append(outcomes, o) }})
	return q, eng, tx, &outcomes
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestQueueFullRejectsWithoutDropping(t *testing.T) {
	q, _, _, _ := newQueue(t)

	for i := 0; i < proto.MaxQueuedRequests; i++ {
		if err := q.Enqueue(proto.Green, proto.Handheld, proto.PitOutLight, uint32(i), t0); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	err := q.Enqueue(proto.Red, proto.Handheld, proto.PitOutLight, 99, t0)
	if !errors.Is(err, proto.ErrQueueFull) {
		t.Fatalf("Enqueue past capacity error = %v, want ErrQueueFull", err)
	}
	if q.Len() != proto.MaxQueuedRequests {
		t.Errorf("Len() = %d, want %d", q.Len(), proto.MaxQueuedRequests)
	}
	if head := q.Entries()[0]; head.Payload != 0 {
		t.Errorf("head payload = %d, overflow must not replace entries", head.Payload)
	}
	if q.Rejected() != 1 {
		t.Errorf("Rejected() = %d, want 1", q.Rejected())
	}
}

func TestHeadOfLineFIFO(t *testing.T) {
	q, eng, tx, outcomes := newQueue(t)
	now := t0

	q.Enqueue(proto.Green, proto.Handheld, proto.PitOutLight, 1, now)
	q.Enqueue(proto.OverrideStart, proto.Handheld, proto.VehicleDetection, 5, now)
	q.Enqueue(proto.Red, proto.VehicleDetection, proto.PitOutLight, 2, now)

	q.Step(now)
	q.Step(now)
	if len(tx.sent) != 1 || tx.sent[0].Request != proto.Green {
		t.Fatalf("sent = %v, want only the head", tx.sent)
	}
	if q.Len() != 3 {
		t.Errorf("head removed before resolving: Len() = %d", q.Len())
	}

	// Head exhausts; the next entry waits until then.
	for i := 0; i < proto.MaxTransmitAttempts; i++ {
		now = now.Add(proto.PingTimeout)
		eng.Poll(now)
		q.Step(now)
	}
	if len(*outcomes) != 1 || !errors.Is((*outcomes)[0].Result.Err, proto.ErrAttemptsExhausted) {
		t.Fatalf("outcomes = %+v, want head exhausted", *outcomes)
	}
	if (*outcomes)[0].Entry.Origin != proto.Handheld {
		t.Errorf("outcome origin = %v, want HHD", (*outcomes)[0].Entry.Origin)
	}

	last := tx.sent[len(tx.sent)-1]
	if last.Request != proto.OverrideStart || last.Target != proto.VehicleDetection {
		t.Fatalf("after head resolved sent %v, want OVERRIDE_START to VDD", last)
	}

	eng.HandleAck(proto.Packet{Sender: proto.VehicleDetection, Request: proto.Ack, Target: proto.Repeater, Payload: 5}, now)
	q.Step(now)
	last = tx.sent[len(tx.sent)-1]
	if last.Request != proto.Red || q.Len() != 1 {
		t.Errorf("sent %v with Len() = %d, want RED in flight as the last entry", last, q.Len())
	}
	if (*outcomes)[1].Result.Err != nil {
		t.Errorf("second outcome = %+v, want delivery", (*outcomes)[1])
	}
}

func TestForwardUsesRoutes(t *testing.T) {
	q, _, _, _ := newQueue(t)

	tests := []struct {
		req    proto.RequestType
		routed bool
		target proto.Subsystem
	}{
		{proto.Green, true, proto.PitOutLight},
		{proto.GreenPulse, true, proto.PitOutLight},
		{proto.Red, true, proto.PitOutLight},
		{proto.Detection, true, proto.PitOutLight},
		{proto.OverrideStart, true, proto.VehicleDetection},
		{proto.OverrideStop, true, proto.VehicleDetection},
		{proto.Ping, false, 0},
		{proto.None, false, 0},
	}
	for i, tt := range tests {
		t.Run(tt.req.String(), func(t *testing.T) {
			pkt := proto.Packet{Sender: proto.Handheld, Request: tt.req, Target: proto.Repeater, Payload: uint32(i)}
			routed, err := q.Forward(pkt, t0)
			if err != nil || routed != tt.routed {
				t.Fatalf("Forward() = %v, %v; want %v", routed, err, tt.routed)
			}
			if !routed {
				return
			}
			entries := q.Entries()
			last := entries[len(entries)-1]
			if last.Target != tt.target || last.Origin != proto.Handheld {
				t.Errorf("queued %+v, want target %v", last, tt.target)
			}
		})
	}
}

func TestRetransmissionIsAbsorbed(t *testing.T) {
	q, _, _, _ := newQueue(t)
	pkt := proto.Packet{Sender: proto.Handheld, Request: proto.Green, Target: proto.Repeater, Payload: 4}
	q.Forward(pkt, t0)
	q.Forward(pkt, t0.Add(proto.PingTimeout))
	if q.Len() != 1 {
		t.Errorf("Len() = %d, retransmitted command queued twice", q.Len())
	}
}

func TestFullQueueRejectsRetransmission(t *testing.T) {
	q, _, _, _ := newQueue(t)
	for i := 0; i < proto.MaxQueuedRequests; i++ {
		q.Enqueue(proto.Green, proto.Handheld, proto.PitOutLight, uint32(i), t0)
	}

	// Same fields as a queued entry: still rejected while full.
	err := q.Enqueue(proto.Green, proto.Handheld, proto.PitOutLight, 3, t0)
	if !errors.Is(err, proto.ErrQueueFull) {
		t.Fatalf("Enqueue(duplicate) on a full queue error = %v, want ErrQueueFull", err)
	}
	if q.Len() != proto.MaxQueuedRequests || q.Rejected() != 1 {
		t.Errorf("Len() = %d Rejected() = %d, want %d and 1", q.Len(), q.Rejected(), proto.MaxQueuedRequests)
	}
}

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes(map[string]string{"detection": "hhd"})
	if err != nil {
		t.Fatalf("ParseRoutes() error = %v", err)
	}
	if got, _ := routes.Lookup(proto.Detection); got != proto.Handheld {
		t.Errorf("DETECTION routed to %v, want HHD", got)
	}
	if got, _ := routes.Lookup(proto.Green); got != proto.PitOutLight {
		t.Errorf("GREEN default lost: %v", got)
	}

	bad := []map[string]string{
		{"ping": "pol"},
		{"green": "rpt"},
		{"blue": "pol"},
		{"green": "moon"},
	}
	for _, in := range bad {
		if _, err := ParseRoutes(in); err == nil {
			t.Errorf("ParseRoutes(%v) accepted", in)
		}
	}
}
