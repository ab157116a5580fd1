package apol

import (
	"testing"
)

func TestNewNodeFromDefaults(t *testing.T) {
	for _, role := range []Subsystem{Handheld, PitOutLight, VehicleDetection, Repeater} {
		n, err := NewNode(Defaults(role), nil)
		if err != nil {
			t.Fatalf("NewNode(%v) error = %v", role, err)
		}
		if n.Role() != role {
			t.Errorf("Role() = %v, want %v", n.Role(), role)
		}
	}
}
