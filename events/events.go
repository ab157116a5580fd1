// Package events carries node outcomes (deliveries, failures, light and
// override transitions) to the console, metrics and MQTT publisher.
package events

import (
	"fmt"
	"time"

	proto "github.com/ystepanoff/apol/protocol"
)

type EventType int

const (
	EventPacketSent EventType = iota + 1
	EventPacketReceived
	EventPacketMalformed
	EventAddressMismatch
	EventDelivered
	EventAttemptsExhausted
	EventSuperseded
	EventQueueFull
	EventStrayAck
	EventPingReply
	EventLightChanged
	EventOverrideArmed
	EventOverrideDisarmed
	EventDetection
	EventIdleEnter
	EventIdleExit
)

var eventNames = map[EventType]string{
	EventPacketSent:        "packet_sent",
	EventPacketReceived:    "packet_received",
	EventPacketMalformed:   "packet_malformed",
	EventAddressMismatch:   "address_mismatch",
	EventDelivered:         "delivered",
	EventAttemptsExhausted: "attempts_exhausted",
	EventSuperseded:        "superseded",
	EventQueueFull:         "queue_full",
	EventStrayAck:          "stray_ack",
	EventPingReply:         "ping_reply",
	EventLightChanged:      "light_changed",
	EventOverrideArmed:     "override_armed",
	EventOverrideDisarmed:  "override_disarmed",
	EventDetection:         "detection",
	EventIdleEnter:         "idle_enter",
	EventIdleExit:          "idle_exit",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// AllTypes lists every event type in declaration order.
func AllTypes() []EventType {
	out := make([]EventType, 0, len(eventNames))
	for t := EventPacketSent; t <= EventIdleExit; t++ {
		out = append(out, t)
	}
	return out
}

// --- Event payloads ---

type PacketEvent struct {
	Packet proto.Packet
}

// RequestEvent reports how a request resolved. Origin is the node that first
// asked for it; it differs from the emitting node only for Repeater forwards.
type RequestEvent struct {
	Request  proto.RequestType
	Origin   proto.Subsystem
	Target   proto.Subsystem
	Payload  uint32
	Attempts int
	Err      error
}

// PingEvent reports the round trip of a ping answered by Peer.
type PingEvent struct {
	Peer proto.Subsystem
	RTT  time.Duration
}

type LightEvent struct {
	Active  proto.RequestType
	Pulsing bool
	PulseOn bool
	Manual  bool
}

type OverrideEvent struct {
	Duration uint32
	EndTime  time.Time
}

type DetectionEvent struct {
	Count     uint32
	Forwarded bool
}

type IdleEvent struct {
	Slept time.Duration
}
