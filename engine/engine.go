// Package engine implements the request/acknowledgement state machine every
// commanding node runs. A node holds at most one request in flight; it is
// retransmitted each time its ack window lapses until a matching Ack arrives
// or the attempt budget is spent.
//
// The engine never blocks. The control loop calls Poll with the current time
// and feeds inbound acks to HandleAck.
package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	proto "github.com/ystepanoff/apol/protocol"
)

// Sender transmits one packet. *transport.Port satisfies it.
type Sender interface {
	Send(pkt proto.Packet) error
}

// Result reports how a submitted request resolved. Err is nil on delivery,
// or one of proto.ErrAttemptsExhausted, proto.ErrSuperseded, or the transmit
// error of a fire-and-forget request.
type Result struct {
	Request  proto.RequestType
	Target   proto.Subsystem
	Payload  uint32
	Attempts int
	Err      error
}

// ResultHandler is called on the loop goroutine once per submitted request.
type ResultHandler func(Result)

// PendingRequest is the request currently awaiting its ack.
type PendingRequest struct {
	Request      proto.RequestType
	Target       proto.Subsystem
	Payload      uint32
	AttemptsMade int
	AckReceived  bool
	Deadline     time.Time
}

type Options struct {
	// Timeout is the first ack window. Defaults to proto.PingTimeout.
	Timeout time.Duration
	// MaxAttempts caps transmissions per request. Defaults to
	// proto.MaxTransmitAttempts.
	MaxAttempts int
	// Multiplier above 1 grows each successive window exponentially.
	Multiplier float64
	Logger     hclog.Logger
	OnResult   ResultHandler
}

type Stats struct {
	Submitted     uint32
	Transmissions uint32
	Delivered     uint32
	Exhausted     uint32
	Superseded    uint32
	StrayAcks     uint32
}

type call struct {
	request proto.RequestType
	target  proto.Subsystem
	payload uint32
	// stops merged into this one, reported with its outcome
	merged []call
}

type Engine struct {
	tx          Sender
	log         hclog.Logger
	onResult    ResultHandler
	timeout     time.Duration
	maxAttempts int
	multiplier  float64

	pending  *PendingRequest
	merged   []call
	schedule backoff.BackOff
	stop     *call
	next     *call
	ping     *call
	stats    Stats
}

func NewEngine(tx Sender, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = proto.PingTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = proto.MaxTransmitAttempts
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Engine{
		tx:          tx,
		log:         opts.Logger.Named("engine"),
		onResult:    opts.OnResult,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		multiplier:  opts.Multiplier,
	}
}

// SetResultHandler replaces the handler given in Options.
func (e *Engine) SetResultHandler(fn ResultHandler) { e.onResult = fn }

// Submit starts a new request. A pending request is superseded, except an
// OverrideStop. While a stop is in flight, a later stop waits in its own slot
// (further stops merge into it and share its outcome) and any other request
// waits behind it, latest wins. Waiting requests start in that order once the
// stop resolves.
//
// Ack is sent at once. Ping is sent at once when nothing awaits an ack,
// otherwise it is held until the pending request resolves. Neither touches
// the pending request.
func (e *Engine) Submit(req proto.RequestType, target proto.Subsystem, payload uint32, now time.Time) error {
	if req == proto.None || !req.Valid() {
		return proto.ErrNoRequest
	}
	e.stats.Submitted++
	c := &call{request: req, target: target, payload: payload}

	if !req.NeedsAck() {
		if req == proto.Ping && e.pending != nil {
			if e.ping != nil {
				e.supersede(e.ping, req)
			}
			e.ping = c
			return nil
		}
		return e.sendOnce(c)
	}

	if e.pending != nil {
		if e.pending.Request == proto.OverrideStop {
			e.hold(c)
			return nil
		}
		e.stats.Superseded++
		e.log.Debug("request superseded", "old", e.pending.Request, "new", req)
		e.report(e.finish(proto.ErrSuperseded))
	}

	e.start(*c, now)
	return nil
}

// hold parks c behind the in-flight stop.
func (e *Engine) hold(c *call) {
	if c.request == proto.OverrideStop {
		if e.stop != nil {
			e.log.Debug("stop merged into waiting stop", "payload", c.payload)
			e.stop.merged = append(e.stop.merged, *c)
			return
		}
		// a stop outranks the request it follows
		if e.next != nil {
			e.supersede(e.next, c.request)
			e.next = nil
		}
		e.stop = c
		return
	}
	if e.next != nil {
		e.supersede(e.next, c.request)
	}
	e.next = c
}

// supersede reports a waiting request that never reached the air.
func (e *Engine) supersede(c *call, by proto.RequestType) {
	e.stats.Superseded++
	e.log.Debug("waiting request superseded", "old", c.request, "new", by)
	e.report(Result{Request: c.request, Target: c.target, Payload: c.payload, Err: proto.ErrSuperseded})
}

func (e *Engine) sendOnce(c *call) error {
	res := e.transmitOnce(c)
	e.report(res)
	return res.Err
}

func (e *Engine) transmitOnce(c *call) Result {
	err := e.tx.Send(proto.Packet{Request: c.request, Target: c.target, Payload: c.payload})
	e.stats.Transmissions++
	return Result{Request: c.request, Target: c.target, Payload: c.payload, Attempts: 1, Err: err}
}

// HandleAck resolves the pending request if pkt acknowledges it. An ack
// matches only when it comes from the request's target and echoes its
// payload; anything else is counted as stray and ignored.
func (e *Engine) HandleAck(pkt proto.Packet, now time.Time) bool {
	if pkt.Request != proto.Ack {
		return false
	}
	p := e.pending
	if p == nil || pkt.Sender != p.Target || pkt.Payload != p.Payload {
		e.stats.StrayAcks++
		e.log.Trace("ignoring stray ack", "packet", pkt)
		return false
	}

	p.AckReceived = true
	e.stats.Delivered++
	e.log.Debug("request delivered", "request", p.Request, "target", p.Target, "attempts", p.AttemptsMade)
	e.resolve(nil, now)
	return true
}

// Poll retransmits the pending request when its window has lapsed, or
// resolves it with ErrAttemptsExhausted once the budget is spent.
func (e *Engine) Poll(now time.Time) {
	p := e.pending
	if p == nil || now.Before(p.Deadline) {
		return
	}
	if p.AttemptsMade >= e.maxAttempts {
		e.exhaust(now)
		return
	}
	e.transmit(now)
}

// Busy reports whether a request is awaiting its ack.
func (e *Engine) Busy() bool { return e.pending != nil }

// Pending returns a copy of the in-flight request.
func (e *Engine) Pending() (PendingRequest, bool) {
	if e.pending == nil {
		return PendingRequest{}, false
	}
	return *e.pending, true
}

// HasDeferred reports whether a request is waiting for the pending one to
// resolve.
func (e *Engine) HasDeferred() bool { return e.stop != nil || e.next != nil || e.ping != nil }

// NextDeadline is when Poll next has work to do.
func (e *Engine) NextDeadline() (time.Time, bool) {
	if e.pending == nil {
		return time.Time{}, false
	}
	return e.pending.Deadline, true
}

func (e *Engine) Stats() Stats { return e.stats }

func (e *Engine) start(c call, now time.Time) {
	e.pending = &PendingRequest{Request: c.request, Target: c.target, Payload: c.payload}
	e.merged = c.merged
	e.schedule = e.newSchedule()
	e.transmit(now)
}

// transmit sends one attempt. A radio failure still consumes the attempt; the
// window runs and Poll retries.
func (e *Engine) transmit(now time.Time) {
	p := e.pending
	window := e.schedule.NextBackOff()
	if window == backoff.Stop {
		e.exhaust(now)
		return
	}

	p.AttemptsMade++
	p.Deadline = now.Add(window)
	e.stats.Transmissions++

	pkt := proto.Packet{Request: p.Request, Target: p.Target, Payload: p.Payload}
	if err := e.tx.Send(pkt); err != nil {
		e.log.Debug("attempt not sent", "request", p.Request, "attempt", p.AttemptsMade, "error", err)
		return
	}
	if p.AttemptsMade > 1 {
		e.log.Trace("retransmitted", "request", p.Request, "attempt", p.AttemptsMade, "window", window)
	}
}

func (e *Engine) exhaust(now time.Time) {
	p := e.pending
	e.stats.Exhausted++
	e.log.Warn("no ack, giving up", "request", p.Request, "target", p.Target, "attempts", p.AttemptsMade)
	e.resolve(proto.ErrAttemptsExhausted, now)
}

// resolve finishes the pending request, sends a held ping before the next
// waiting request starts and only then reports, so a handler always sees the engine
// in its final state.
func (e *Engine) resolve(err error, now time.Time) {
	merged := e.merged
	res := e.finish(err)

	var pingRes *Result
	if c := e.ping; c != nil {
		e.ping = nil
		r := e.transmitOnce(c)
		pingRes = &r
	}
	switch {
	case e.stop != nil:
		c := e.stop
		e.stop = nil
		e.start(*c, now)
	case e.next != nil:
		c := e.next
		e.next = nil
		e.start(*c, now)
	}

	e.report(res)
	for _, m := range merged {
		e.report(Result{Request: m.request, Target: m.target, Payload: m.payload, Attempts: res.Attempts, Err: res.Err})
	}
	if pingRes != nil {
		e.report(*pingRes)
	}
}

func (e *Engine) finish(err error) Result {
	p := e.pending
	e.pending = nil
	e.merged = nil
	e.schedule = nil
	return Result{
		Request:  p.Request,
		Target:   p.Target,
		Payload:  p.Payload,
		Attempts: p.AttemptsMade,
		Err:      err,
	}
}

func (e *Engine) report(r Result) {
	if e.onResult != nil {
		e.onResult(r)
	}
}

func (e *Engine) newSchedule() backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(e.timeout)
	if e.multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = e.timeout
		exp.Multiplier = e.multiplier
		exp.RandomizationFactor = 0
		exp.MaxInterval = e.timeout << e.maxAttempts
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}
	return backoff.WithMaxRetries(b, uint64(e.maxAttempts))
}
