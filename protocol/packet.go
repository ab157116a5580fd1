package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Subsystem is the fixed role of a node in the network.
type Subsystem uint8

const (
	Handheld Subsystem = iota
	PitOutLight
	VehicleDetection
	Repeater

	numSubsystems
)

var subsystemNames = [numSubsystems]string{"HHD", "POL", "VDD", "RPT"}

func (s Subsystem) Valid() bool { return s < numSubsystems }

func (s Subsystem) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Subsystem(%d)", uint8(s))
	}
	return subsystemNames[s]
}

// Subsystems lists every valid role in wire order.
func Subsystems() []Subsystem {
	return []Subsystem{Handheld, PitOutLight, VehicleDetection, Repeater}
}

// ParseSubsystem accepts the short console names (HHD, POL, VDD, RPT) as well as
// the long role names, case-insensitively.
func ParseSubsystem(s string) (Subsystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hhd", "handheld":
		return Handheld, nil
	case "pol", "pitoutlight", "pit-out-light":
		return PitOutLight, nil
	case "vdd", "vehicledetection", "vehicle-detection":
		return VehicleDetection, nil
	case "rpt", "repeater":
		return Repeater, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSubsystem, s)
}

// RequestType is the command or event carried by a packet.
type RequestType uint8

const (
	Ping RequestType = iota
	Green
	GreenPulse
	Red
	OverrideStart
	OverrideStop
	Detection
	Ack
	None

	numRequestTypes
)

var requestNames = [numRequestTypes]string{
	"PING", "GREEN", "GREEN_PULSE", "RED", "OVERRIDE_START", "OVERRIDE_STOP", "DETECTION", "ACK", "NONE",
}

func (r RequestType) Valid() bool { return r < numRequestTypes }

func (r RequestType) String() string {
	if !r.Valid() {
		return fmt.Sprintf("RequestType(%d)", uint8(r))
	}
	return requestNames[r]
}

// NeedsAck reports whether a request of this type is retried until acknowledged.
// Ping and Ack are fire-and-forget; None is never transmitted as a command.
func (r RequestType) NeedsAck() bool {
	switch r {
	case Ping, Ack, None:
		return false
	}
	return r.Valid()
}

// IsLightCommand reports whether the request drives the signal light.
func (r RequestType) IsLightCommand() bool {
	return r == Green || r == GreenPulse || r == Red
}

func ParseRequestType(s string) (RequestType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	for i, n := range requestNames {
		if n == name {
			return RequestType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRequest, s)
}

// Packet represents one radio packet.
// Layout: Sender(1) | Request(1) | Target(1) | Payload(4, little-endian)
// Total size is always PacketSize (7 bytes).
type Packet struct {
	Sender  Subsystem
	Request RequestType
	Target  Subsystem
	Payload uint32
}

func (p Packet) String() string {
	return fmt.Sprintf("%s->%s %s(%d)", p.Sender, p.Target, p.Request, p.Payload)
}

// EncodePacket serialises a Packet into its on-air bytes.
func EncodePacket(p Packet) [PacketSize]byte {
	var data [PacketSize]byte
	EncodeInto(data[:], p)
	return data
}

// EncodeInto writes p into buf, which must hold at least PacketSize bytes.
// It returns the number of bytes written.
func EncodeInto(buf []byte, p Packet) int {
	_ = buf[PacketSize-1]
	buf[SenderOffset] = byte(p.Sender)
	buf[RequestOffset] = byte(p.Request)
	buf[TargetOffset] = byte(p.Target)
	binary.LittleEndian.PutUint32(buf[PayloadOffset:PayloadOffset+PayloadSize], p.Payload)
	return PacketSize
}

// DecodePacket parses on-air bytes. Bytes past PacketSize are ignored.
// The payload is never validated; only the enumerated fields are.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < PacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedPacket, len(data), PacketSize)
	}

	p := Packet{
		Sender:  Subsystem(data[SenderOffset]),
		Request: RequestType(data[RequestOffset]),
		Target:  Subsystem(data[TargetOffset]),
		Payload: binary.LittleEndian.Uint32(data[PayloadOffset : PayloadOffset+PayloadSize]),
	}

	if !p.Sender.Valid() || !p.Target.Valid() {
		return Packet{}, fmt.Errorf("%w: subsystem out of range", ErrMalformedPacket)
	}
	if !p.Request.Valid() {
		return Packet{}, fmt.Errorf("%w: request type %d out of range", ErrMalformedPacket, data[RequestOffset])
	}

	return p, nil
}

// CheckAddressed returns ErrAddressMismatch unless the packet targets self.
func CheckAddressed(p Packet, self Subsystem) error {
	if p.Target != self {
		return ErrAddressMismatch
	}
	return nil
}

// AckFor builds the acknowledgement self sends back for a received packet.
// The ack echoes the payload so the sender can correlate it.
func AckFor(p Packet, self Subsystem) Packet {
	return Packet{
		Sender:  self,
		Request: Ack,
		Target:  p.Sender,
		Payload: p.Payload,
	}
}
