package protocol

import "time"

// Generic radio & protocol constants (platform independent). All higher layers should depend on this file.
const (
	// Packet sizing
	// Layout:
	//   Sender (1) | Request (1) | Target (1) | Payload (4, little-endian)
	// Every packet on air has exactly this size.

	SenderOffset  = 0
	RequestOffset = 1
	TargetOffset  = 2
	PayloadOffset = 3
	PayloadSize   = 4

	PacketSize = PayloadOffset + PayloadSize // 7 bytes

	// Protocol budgets
	MaxTransmitAttempts = 5
	MaxQueuedRequests   = 10

	// Transmit power bounds accepted by the radio boundary (dBm)
	MinTxPowerDBm     = 2
	MaxTxPowerDBm     = 20
	DefaultTxPowerDBm = 20

	// Override duration bounds (in override units)
	DurationMin = 0
	DurationMax = 10

	// NoPayload is used for commands that carry nothing meaningful.
	NoPayload = 0
)

// Timeouts / intervals
const (
	PingTimeout   = 100 * time.Millisecond
	PulseDelay    = 1000 * time.Millisecond
	LoopDelay     = 100 * time.Millisecond
	PeerTimeout   = 15 * time.Second
	IdleStartTime = 10 * time.Second
)
