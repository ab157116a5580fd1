package protocol

import "errors"

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrAddressMismatch   = errors.New("packet not addressed to this node")
	ErrNoPacket          = errors.New("no packet available")
	ErrAttemptsExhausted = errors.New("transmit attempts exhausted")
	ErrSuperseded        = errors.New("request superseded")
	ErrQueueFull         = errors.New("repeater queue full")
	ErrNoRequest         = errors.New("no request to submit")
	ErrCarrierBusy       = errors.New("carrier busy")
	ErrTransmitFailed    = errors.New("radio transmit failed")
	ErrInvalidPower      = errors.New("invalid transmit power (valid range: 2-20 dBm)")
	ErrUnknownSubsystem  = errors.New("unknown subsystem")
	ErrUnknownRequest    = errors.New("unknown request type")
)
