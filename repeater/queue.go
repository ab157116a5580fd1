// Package repeater implements the Repeater's store-and-forward queue.
// Commands addressed to the Repeater are acknowledged on receipt, queued, and
// forwarded one at a time through the Repeater's own engine.
package repeater

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ystepanoff/apol/engine"
	proto "github.com/ystepanoff/apol/protocol"
)

// Entry is one queued forward.
type Entry struct {
	Request proto.RequestType
	Origin  proto.Subsystem
	Target  proto.Subsystem
	Payload uint32
	Queued  time.Time
}

// Outcome pairs a forward with how it resolved.
type Outcome struct {
	Entry  Entry
	Result engine.Result
}

type Options struct {
	Capacity int
	Routes   Routes
	Logger   hclog.Logger
	// OnOutcome is called on the loop goroutine when a forward resolves.
	OnOutcome func(Outcome)
}

// Queue is a bounded FIFO. The head stays queued while in flight and is
// removed only when the engine resolves it. Not safe for concurrent use.
type Queue struct {
	eng       *engine.Engine
	log       hclog.Logger
	routes    Routes
	capacity  int
	onOutcome func(Outcome)

	entries  []Entry
	inFlight bool
	rejected uint32
}

// New takes ownership of eng's result handler: only the queue submits on the
// Repeater's engine, so supersession never happens there.
func New(eng *engine.Engine, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = proto.MaxQueuedRequests
	}
	if opts.Routes == nil {
		opts.Routes = DefaultRoutes()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	q := &Queue{
		eng:       eng,
		log:       opts.Logger.Named("repeater"),
		routes:    opts.Routes,
		capacity:  opts.Capacity,
		onOutcome: opts.OnOutcome,
		entries:   make([]Entry, 0, opts.Capacity),
	}
	eng.SetResultHandler(q.handleResult)
	return q
}

// Enqueue appends a forward. It returns proto.ErrQueueFull when the queue is
// at capacity; nothing already queued is dropped. A retransmission of an
// entry that is still queued is absorbed without queuing it twice.
func (q *Queue) Enqueue(req proto.RequestType, origin, target proto.Subsystem, payload uint32, now time.Time) error {
	if req == proto.None || !req.Valid() {
		return proto.ErrNoRequest
	}
	// A full queue rejects everything, retransmissions of queued entries included.
	if len(q.entries) >= q.capacity {
		q.rejected++
		q.log.Warn("queue full, rejecting forward", "request", req, "origin", origin, "target", target)
		return fmt.Errorf("%s from %s: %w", req, origin, proto.ErrQueueFull)
	}
	for _, e := range q.entries {
		if e.Request == req && e.Origin == origin && e.Target == target && e.Payload == payload {
			q.log.Debug("duplicate forward absorbed", "request", req, "origin", origin)
			return nil
		}
	}
	q.entries = append(q.entries, Entry{
		Request: req,
		Origin:  origin,
		Target:  target,
		Payload: payload,
		Queued:  now,
	})
	q.log.Debug("queued forward", "request", req, "origin", origin, "target", target, "depth", len(q.entries))
	return nil
}

// Forward routes an inbound command and queues it. ok is false when the
// request type has no route; such packets are only acknowledged.
func (q *Queue) Forward(pkt proto.Packet, now time.Time) (ok bool, err error) {
	target, ok := q.routes.Lookup(pkt.Request)
	if !ok {
		return false, nil
	}
	return true, q.Enqueue(pkt.Request, pkt.Sender, target, pkt.Payload, now)
}

// Step hands the head to the engine when nothing is in flight.
func (q *Queue) Step(now time.Time) {
	if q.inFlight || len(q.entries) == 0 {
		return
	}
	head := q.entries[0]
	q.inFlight = true
	if err := q.eng.Submit(head.Request, head.Target, head.Payload, now); err != nil {
		q.log.Debug("forward not sent", "request", head.Request, "error", err)
	}
}

func (q *Queue) handleResult(res engine.Result) {
	if !q.inFlight || len(q.entries) == 0 {
		return
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	q.inFlight = false

	if res.Err != nil {
		q.log.Warn("forward failed", "request", head.Request, "origin", head.Origin, "target", head.Target, "error", res.Err)
	}
	if q.onOutcome != nil {
		q.onOutcome(Outcome{Entry: head, Result: res})
	}
}

func (q *Queue) Len() int { return len(q.entries) }

func (q *Queue) Capacity() int { return q.capacity }

// Busy reports whether anything is queued or in flight.
func (q *Queue) Busy() bool { return len(q.entries) > 0 }

// Rejected counts forwards refused because the queue was full.
func (q *Queue) Rejected() uint32 { return q.rejected }

// Entries returns a copy of the queue, head first.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
