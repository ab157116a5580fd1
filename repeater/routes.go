package repeater

import (
	"fmt"

	proto "github.com/ystepanoff/apol/protocol"
)

// Routes maps a forwarded request type to the node that must receive it.
type Routes map[proto.RequestType]proto.Subsystem

// DefaultRoutes sends light commands and detections to the Pit-Out-Light and
// override commands to the Vehicle-Detection-Device.
func DefaultRoutes() Routes {
	return Routes{
		proto.Green:         proto.PitOutLight,
		proto.GreenPulse:    proto.PitOutLight,
		proto.Red:           proto.PitOutLight,
		proto.Detection:     proto.PitOutLight,
		proto.OverrideStart: proto.VehicleDetection,
		proto.OverrideStop:  proto.VehicleDetection,
	}
}

func (r Routes) Lookup(req proto.RequestType) (proto.Subsystem, bool) {
	if !req.NeedsAck() {
		return 0, false
	}
	s, ok := r[req]
	return s, ok
}

// ParseRoutes builds a table from request and subsystem names, as written in
// config files. Entries not named keep their default.
func ParseRoutes(in map[string]string) (Routes, error) {
	routes := DefaultRoutes()
	for reqName, targetName := range in {
		req, err := proto.ParseRequestType(reqName)
		if err != nil {
			return nil, err
		}
		if !req.NeedsAck() {
			return nil, fmt.Errorf("route for %s: request is never forwarded", req)
		}
		target, err := proto.ParseSubsystem(targetName)
		if err != nil {
			return nil, err
		}
		if target == proto.Repeater {
			return nil, fmt.Errorf("route for %s: cannot forward to the repeater itself", req)
		}
		routes[req] = target
	}
	return routes, nil
}
