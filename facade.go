// Package apol exposes the pieces a firmware image or host program needs to
// bring up an APOL node without importing every internal package.
package apol

import (
	"github.com/ystepanoff/apol/config"
	"github.com/ystepanoff/apol/light"
	"github.com/ystepanoff/apol/node"
	proto "github.com/ystepanoff/apol/protocol"
)

// The radio-specific constructors are split into build-tag specific files:
// - constructors_nrf.go - for embedded platforms (//go:build tinygo || baremetal)
// - constructors_host.go - for development/testing (//go:build !tinygo && !baremetal)

type (
	Node        = node.Node
	NodeConfig  = config.NodeConfig
	Input       = node.Input
	Lamp        = light.Lamp
	Packet      = proto.Packet
	Subsystem   = proto.Subsystem
	RequestType = proto.RequestType
)

const (
	Handheld         = proto.Handheld
	PitOutLight      = proto.PitOutLight
	VehicleDetection = proto.VehicleDetection
	Repeater         = proto.Repeater

	InputGreen      = node.InputGreen
	InputGreenPulse = node.InputGreenPulse
	InputRed        = node.InputRed
	InputOverride   = node.InputOverride
	InputUp         = node.InputUp
	InputDown       = node.InputDown
	InputTrigger    = node.InputTrigger
)

var (
	ErrAttemptsExhausted = proto.ErrAttemptsExhausted
	ErrQueueFull         = proto.ErrQueueFull
	ErrInvalidPower      = proto.ErrInvalidPower
	ErrUnsupportedInput  = node.ErrUnsupportedInput
)

// Defaults returns the configuration a node of this role ships with.
func Defaults(role Subsystem) NodeConfig {
	return config.NodeDefaults(role)
}
