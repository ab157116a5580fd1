// Package node runs one APOL node: a single control loop that owns the radio
// port, the request engine and the role's state machines.
//
// Interrupt handlers and the console never touch protocol state directly.
// Inputs raise atomic flags through Press; everything else is posted to a
// mailbox that the loop drains at the start of each Step.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ystepanoff/apol/config"
	"github.com/ystepanoff/apol/engine"
	"github.com/ystepanoff/apol/events"
	"github.com/ystepanoff/apol/idle"
	"github.com/ystepanoff/apol/light"
	"github.com/ystepanoff/apol/override"
	proto "github.com/ystepanoff/apol/protocol"
	"github.com/ystepanoff/apol/repeater"
	"github.com/ystepanoff/apol/signal"
	"github.com/ystepanoff/apol/transport"
)

const (
	mailboxSize = 16
	// receive budget per Step, so a flooded channel cannot starve the loop
	maxRxPerStep = 16
)

type Options struct {
	Config config.NodeConfig
	// Lamp drives the Pit-Out-Light's signal heads. Ignored on other roles.
	Lamp   light.Lamp
	Bus    *events.EventBus
	Logger hclog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Node struct {
	role  proto.Subsystem
	cfg   config.NodeConfig
	log   hclog.Logger
	clock func() time.Time
	bus   *events.EventBus

	port  *transport.Port
	eng   *engine.Engine
	queue *repeater.Queue
	light *light.Controller
	ovr   *override.Override
	idle  *idle.Scheduler

	waker      *signal.Waker
	inputs     [numInputs]signal.Flag
	detections signal.Counter
	mailbox    chan command

	now    time.Time
	seq    uint32
	ping   pingProbe
	dozing bool
	dozeAt time.Time

	mu     sync.Mutex
	status Status
}

type command struct {
	fn    func(now time.Time) error
	reply chan error
}

type pingProbe struct {
	active  bool
	target  proto.Subsystem
	payload uint32
	sent    time.Time
}

// New builds a node around a radio driver. The radio is not touched until Run
// (or Init) is called.
func New(d transport.RadioDriver, opts Options) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	role, _ := cfg.Subsystem()

	base := opts.Logger
	if base == nil {
		base = hclog.NewNullLogger()
	}
	log := base.Named("node").Named(role.String())

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}

	n := &Node{
		role:    role,
		cfg:     cfg,
		log:     log,
		clock:   clock,
		bus:     bus,
		waker:   signal.NewWaker(),
		mailbox: make(chan command, mailboxSize),
	}

	n.port = transport.NewPortWithDriver(role, d, transport.Options{
		ListenBeforeTalk: cfg.Radio.ListenBeforeTalk,
		PowerDBm:         cfg.Radio.PowerDBm,
		Logger:           log,
	})
	n.eng = engine.NewEngine(n, engine.Options{
		Timeout:     cfg.Protocol.PingTimeout,
		MaxAttempts: cfg.Protocol.MaxAttempts,
		Multiplier:  cfg.Protocol.BackoffMultiplier,
		Logger:      log,
		OnResult:    n.onResult,
	})
	n.idle = idle.New(n.waker, idle.Options{
		Enabled:   cfg.Idle.Enabled,
		IdleStart: cfg.Idle.Start,
		Logger:    log,
	})

	switch role {
	case proto.Repeater:
		routes, err := cfg.Routes()
		if err != nil {
			return nil, err
		}
		n.queue = repeater.New(n.eng, repeater.Options{
			Capacity:  cfg.Repeater.QueueCapacity,
			Routes:    routes,
			Logger:    log,
			OnOutcome: n.onForward,
		})
	case proto.PitOutLight:
		n.light = light.New(opts.Lamp, light.Options{
			PulseDelay: cfg.Light.PulseDelay,
			Logger:     log,
			OnChange:   n.onLight,
		})
	case proto.Handheld, proto.VehicleDetection:
		n.ovr = override.New(override.Options{
			Min:     cfg.Override.Min,
			Max:     cfg.Override.Max,
			Step:    cfg.Override.Step,
			Default: cfg.Override.Default,
			Unit:    cfg.Override.Unit,
			Logger:  log,
		})
	}

	n.now = clock()
	n.idle.Touch(n.now)
	n.publish()
	return n, nil
}

func (n *Node) Role() proto.Subsystem { return n.role }

func (n *Node) Bus() *events.EventBus { return n.bus }

// Init brings the radio up and hooks its ready interrupt to the wake signal.
func (n *Node) Init() error {
	if err := n.port.Init(); err != nil {
		return err
	}
	if rn, ok := n.port.Driver().(transport.ReadyNotifier); ok {
		rn.OnReady(n.waker.Notify)
	}
	return nil
}

// Run initialises the radio and drives the loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Init(); err != nil {
		return fmt.Errorf("node %s: %w", n.role, err)
	}
	n.log.Info("node started", "power_dbm", n.port.Power(), "idle", n.idle.Enabled())

	// Without a ready interrupt an idle node must still poll the radio.
	var maxSleep time.Duration
	if _, ok := n.port.Driver().(transport.ReadyNotifier); !ok {
		maxSleep = n.cfg.Idle.MaxSleep
	}

	ticker := time.NewTicker(n.cfg.LoopDelay)
	defer ticker.Stop()

	for {
		now := n.clock()
		n.Step(now)

		if n.idle.MaySleep(now, n.Busy()) {
			n.enterIdle(now)
			if n.idle.Sleep(ctx, maxSleep) == idle.WakeCancelled {
				return nil
			}
			continue
		}
		n.exitIdle(now)

		select {
		case <-ctx.Done():
			n.log.Info("node stopped")
			return nil
		case <-ticker.C:
		case <-n.waker.C():
		}
	}
}

// Step runs one iteration of the control loop at the given time.
func (n *Node) Step(now time.Time) {
	n.now = now
	n.drainMailbox(now)
	n.pollInputs(now)
	n.receive(now)
	n.eng.Poll(now)

	if n.queue != nil {
		n.queue.Step(now)
	}
	if n.ovr != nil && n.ovr.Tick(now) {
		n.emit(events.EventOverrideDisarmed, events.OverrideEvent{})
		n.idle.Touch(now)
	}
	if n.light != nil {
		n.light.Step(now)
	}
	n.publish()
}

// Busy reports whether anything is outstanding that must finish before the
// node may sleep.
func (n *Node) Busy() bool {
	if n.eng.Busy() || n.eng.HasDeferred() || len(n.mailbox) > 0 {
		return true
	}
	if n.queue != nil && n.queue.Busy() {
		return true
	}
	if n.light != nil && n.light.Busy() {
		return true
	}
	if n.ovr != nil && n.role == proto.VehicleDetection && n.ovr.Armed() {
		return true
	}
	for i := range n.inputs {
		if n.inputs[i].Raised() {
			return true
		}
	}
	return n.detections.Load() > 0
}

func (n *Node) enterIdle(now time.Time) {
	if n.dozing {
		return
	}
	n.dozing = true
	n.dozeAt = now
	n.log.Debug("entering idle")
	n.emit(events.EventIdleEnter, events.IdleEvent{})
	n.publish()
}

func (n *Node) exitIdle(now time.Time) {
	if !n.dozing {
		return
	}
	n.dozing = false
	slept := now.Sub(n.dozeAt)
	n.log.Debug("leaving idle", "slept", slept)
	n.emit(events.EventIdleExit, events.IdleEvent{Slept: slept})
}

// Send implements engine.Sender on top of the port so every transmission is
// reported on the bus.
func (n *Node) Send(pkt proto.Packet) error {
	if err := n.port.Send(pkt); err != nil {
		return err
	}
	pkt.Sender = n.role
	n.emit(events.EventPacketSent, events.PacketEvent{Packet: pkt})
	return nil
}

func (n *Node) receive(now time.Time) {
	for i := 0; i < maxRxPerStep; i++ {
		pkt, err := n.port.Receive(now)
		switch {
		case errors.Is(err, proto.ErrNoPacket):
			return
		case errors.Is(err, proto.ErrMalformedPacket):
			n.emit(events.EventPacketMalformed, nil)
			continue
		case errors.Is(err, proto.ErrAddressMismatch):
			n.emit(events.EventAddressMismatch, nil)
			continue
		case err != nil:
			n.log.Warn("receive failed", "error", err)
			return
		}

		n.idle.Touch(now)
		n.emit(events.EventPacketReceived, events.PacketEvent{Packet: pkt})
		n.handlePacket(pkt, now)
	}
}

func (n *Node) handlePacket(pkt proto.Packet, now time.Time) {
	if pkt.Request == proto.Ack {
		n.handleAck(pkt, now)
		return
	}

	// Acknowledge receipt before acting on it.
	if err := n.Send(proto.AckFor(pkt, n.role)); err != nil {
		n.log.Debug("ack not sent", "to", pkt.Sender, "error", err)
	}

	switch n.role {
	case proto.Repeater:
		n.forward(pkt, now)
	case proto.PitOutLight:
		automatic := pkt.Sender == proto.VehicleDetection
		if n.light.Request(pkt.Request, automatic) {
			n.log.Debug("light command taken", "command", pkt.Request, "from", pkt.Sender)
		}
	case proto.VehicleDetection:
		switch pkt.Request {
		case proto.OverrideStart:
			d := n.ovr.Start(pkt.Payload, now)
			st := n.ovr.State(now)
			n.emit(events.EventOverrideArmed, events.OverrideEvent{Duration: d, EndTime: st.EndTime})
		case proto.OverrideStop:
			if n.ovr.Armed() {
				n.ovr.Stop()
				n.emit(events.EventOverrideDisarmed, events.OverrideEvent{})
			}
		}
	}
}

func (n *Node) handleAck(pkt proto.Packet, now time.Time) {
	if n.eng.HandleAck(pkt, now) {
		return
	}
	if p := n.ping; p.active && pkt.Sender == p.target && pkt.Payload == p.payload {
		n.ping.active = false
		rtt := now.Sub(p.sent)
		n.log.Debug("ping reply", "peer", pkt.Sender, "rtt", rtt)
		n.emit(events.EventPingReply, events.PingEvent{Peer: pkt.Sender, RTT: rtt})
		return
	}
	n.emit(events.EventStrayAck, events.PacketEvent{Packet: pkt})
}

func (n *Node) forward(pkt proto.Packet, now time.Time) {
	routed, err := n.queue.Forward(pkt, now)
	if !routed {
		return
	}
	if errors.Is(err, proto.ErrQueueFull) {
		n.emit(events.EventQueueFull, events.RequestEvent{
			Request: pkt.Request,
			Origin:  pkt.Sender,
			Payload: pkt.Payload,
			Err:     err,
		})
	}
}

func (n *Node) pollInputs(now time.Time) {
	switch n.role {
	case proto.Handheld:
		n.pollHandheld(now)
	case proto.VehicleDetection:
		n.pollDetector(now)
	}
}

func (n *Node) pollHandheld(now time.Time) {
	for _, in := range []Input{InputGreen, InputGreenPulse, InputRed} {
		if !n.inputs[in].Take() {
			continue
		}
		n.idle.Touch(now)
		req, _ := lightRequest(in)
		n.submit(req, n.destination(proto.PitOutLight), n.nextSeq(), now)
	}

	if n.inputs[InputUp].Take() {
		n.idle.Touch(now)
		n.log.Debug("override duration", "requested", n.ovr.Adjust(true))
	}
	if n.inputs[InputDown].Take() {
		n.idle.Touch(now)
		n.log.Debug("override duration", "requested", n.ovr.Adjust(false))
	}

	if n.inputs[InputOverride].Take() {
		n.idle.Touch(now)
		target := n.destination(proto.VehicleDetection)
		if n.overrideIntended() {
			n.submit(proto.OverrideStop, target, proto.NoPayload, now)
		} else {
			n.submit(proto.OverrideStart, target, n.ovr.Requested(), now)
		}
	}
}

// overrideIntended is the override state the handheld is heading towards:
// the mirror, unless a start or stop is still in flight.
func (n *Node) overrideIntended() bool {
	if p, ok := n.eng.Pending(); ok {
		switch p.Request {
		case proto.OverrideStart:
			return true
		case proto.OverrideStop:
			return false
		}
	}
	return n.ovr.Armed()
}

func (n *Node) pollDetector(now time.Time) {
	count := n.detections.Drain()
	if n.inputs[InputTrigger].Take() && count == 0 {
		count = 1
	}
	if count == 0 {
		return
	}
	n.idle.Touch(now)

	forwarded := false
	for i := uint32(0); i < count; i++ {
		if n.ovr.Detect(now) {
			forwarded = true
		}
	}
	n.emit(events.EventDetection, events.DetectionEvent{Count: count, Forwarded: forwarded})
	if forwarded {
		n.submit(proto.Green, n.destination(proto.PitOutLight), n.nextSeq(), now)
	} else {
		n.log.Debug("detection suppressed by override", "count", count)
	}
}

// destination is where a command for final goes from this node.
func (n *Node) destination(final proto.Subsystem) proto.Subsystem {
	if n.cfg.Routing.ViaRepeater {
		return proto.Repeater
	}
	return final
}

func (n *Node) submit(req proto.RequestType, target proto.Subsystem, payload uint32, now time.Time) error {
	if req == proto.Ping {
		n.ping = pingProbe{active: true, target: target, payload: payload, sent: now}
	}
	if n.queue != nil {
		return n.queue.Enqueue(req, n.role, target, payload, now)
	}
	return n.eng.Submit(req, target, payload, now)
}

// nextSeq returns a rolling non-zero payload so acks for an earlier command
// never match a later one.
func (n *Node) nextSeq() uint32 {
	n.seq++
	if n.seq == 0 {
		n.seq = 1
	}
	return n.seq
}

func (n *Node) onResult(r engine.Result) {
	if r.Request == proto.Ping || r.Request == proto.Ack {
		// a ping held behind a pending request is timed from when it left
		if p := n.ping; r.Request == proto.Ping && r.Attempts > 0 && p.active && p.target == r.Target && p.payload == r.Payload {
			n.ping.sent = n.now
		}
		if r.Err != nil {
			n.log.Debug("fire-and-forget send failed", "request", r.Request, "error", r.Err)
		}
		return
	}
	n.report(events.RequestEvent{
		Request:  r.Request,
		Origin:   n.role,
		Target:   r.Target,
		Payload:  r.Payload,
		Attempts: r.Attempts,
		Err:      r.Err,
	})

	if n.role != proto.Handheld || r.Err != nil {
		return
	}
	switch r.Request {
	case proto.OverrideStart:
		d := n.ovr.Start(r.Payload, n.now)
		n.emit(events.EventOverrideArmed, events.OverrideEvent{Duration: d, EndTime: n.ovr.State(n.now).EndTime})
	case proto.OverrideStop:
		n.ovr.Stop()
		n.emit(events.EventOverrideDisarmed, events.OverrideEvent{})
	}
}

func (n *Node) onForward(o repeater.Outcome) {
	n.report(events.RequestEvent{
		Request:  o.Entry.Request,
		Origin:   o.Entry.Origin,
		Target:   o.Entry.Target,
		Payload:  o.Entry.Payload,
		Attempts: o.Result.Attempts,
		Err:      o.Result.Err,
	})
}

func (n *Node) report(ev events.RequestEvent) {
	n.idle.Touch(n.now)
	switch {
	case ev.Err == nil:
		n.emit(events.EventDelivered, ev)
	case errors.Is(ev.Err, proto.ErrSuperseded):
		n.emit(events.EventSuperseded, ev)
	default:
		n.log.Warn("request failed", "request", ev.Request, "origin", ev.Origin, "target", ev.Target, "error", ev.Err)
		n.emit(events.EventAttemptsExhausted, ev)
	}
}

func (n *Node) onLight(st light.State) {
	if n.light == nil {
		return
	}
	n.idle.Touch(n.now)
	n.emit(events.EventLightChanged, events.LightEvent{
		Active:  st.Active,
		Pulsing: st.Mode == light.Pulse,
		PulseOn: st.PulseOn,
		Manual:  st.Manual,
	})
}

func (n *Node) emit(typ events.EventType, payload any) {
	n.bus.Emit(events.Event{Type: typ, Node: n.role, Timestamp: n.now, Payload: payload})
}
