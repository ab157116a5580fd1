package transport

// RadioDriver is the interface that wraps the basic radio operations.
// Implementations move raw packet bytes on and off the air; they know nothing
// about addressing, acknowledgements or retries.
type RadioDriver interface {
	Init() error
	// Transmit sends one packet and reports whether it physically left the radio.
	Transmit(data []byte) bool
	// PollReceive returns the next received packet, if any, without blocking.
	PollReceive() ([]byte, bool)
	CarrierBusy() bool
	SetPower(dbm uint8) error
}

// ReadyNotifier is implemented by drivers that can raise a "radio data ready"
// interrupt. The callback runs in interrupt context and must only signal.
type ReadyNotifier interface {
	OnReady(func())
}
