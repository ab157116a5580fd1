package node

import (
	"errors"
	"fmt"
	"strings"

	proto "github.com/ystepanoff/apol/protocol"
)

var (
	ErrUnknownInput     = errors.New("unknown input")
	ErrUnsupportedInput = errors.New("input not wired on this node")
)

// Input is a physical control whose interrupt handler calls Press.
type Input uint8

const (
	InputGreen Input = iota
	InputGreenPulse
	InputRed
	InputOverride
	InputUp
	InputDown
	InputTrigger

	numInputs
)

var inputNames = [numInputs]string{"green", "green-pulse", "red", "override", "up", "down", "trigger"}

func (in Input) String() string {
	if in >= numInputs {
		return fmt.Sprintf("Input(%d)", uint8(in))
	}
	return inputNames[in]
}

func ParseInput(s string) (Input, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for i, n := range inputNames {
		if n == name {
			return Input(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownInput, s)
}

// Inputs lists the controls fitted to a role.
func Inputs(role proto.Subsystem) []Input {
	switch role {
	case proto.Handheld:
		return []Input{InputGreen, InputGreenPulse, InputRed, InputOverride, InputUp, InputDown}
	case proto.VehicleDetection:
		return []Input{InputTrigger}
	}
	return nil
}

func supports(role proto.Subsystem, in Input) bool {
	for _, x := range Inputs(role) {
		if x == in {
			return true
		}
	}
	return false
}

// lightRequest maps a handheld light button to its command.
func lightRequest(in Input) (proto.RequestType, bool) {
	switch in {
	case InputGreen:
		return proto.Green, true
	case InputGreenPulse:
		return proto.GreenPulse, true
	case InputRed:
		return proto.Red, true
	}
	return proto.None, false
}
