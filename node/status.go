package node

import (
	"time"

	"github.com/ystepanoff/apol/engine"
	"github.com/ystepanoff/apol/transport"
)

// Status is an immutable snapshot of a node, published at the end of every
// Step.
type Status struct {
	Role     string          `json:"role"`
	Time     time.Time       `json:"time"`
	PowerDBm uint8           `json:"power_dbm"`
	Idle     IdleStatus      `json:"idle"`
	Pending  *RequestStatus  `json:"pending,omitempty"`
	Deferred bool            `json:"deferred"`
	Queue    []RequestStatus `json:"queue,omitempty"`
	Light    *LightStatus    `json:"light,omitempty"`
	Override *OverrideStatus `json:"override,omitempty"`
	Peers    []PeerStatus    `json:"peers"`
	Port     transport.Stats `json:"port"`
	Engine   engine.Stats    `json:"engine"`
}

type IdleStatus struct {
	Enabled      bool      `json:"enabled"`
	Dozing       bool      `json:"dozing"`
	LastActivity time.Time `json:"last_activity"`
	Sleeps       uint32    `json:"sleeps"`
}

type RequestStatus struct {
	Request  string    `json:"request"`
	Origin   string    `json:"origin,omitempty"`
	Target   string    `json:"target"`
	Payload  uint32    `json:"payload"`
	Attempts int       `json:"attempts,omitempty"`
	Deadline time.Time `json:"deadline,omitempty"`
}

type LightStatus struct {
	Active           string `json:"active"`
	Requested        string `json:"requested"`
	Mode             string `json:"mode"`
	PulseOn          bool   `json:"pulse_on"`
	SecondaryPending bool   `json:"secondary_pending"`
	Manual           bool   `json:"manual"`
}

type OverrideStatus struct {
	Armed            bool      `json:"armed"`
	Duration         uint32    `json:"duration"`
	Requested        uint32    `json:"requested"`
	RemainingSeconds uint32    `json:"remaining_seconds"`
	EndTime          time.Time `json:"end_time,omitempty"`
	Detections       uint32    `json:"detections"`
}

type PeerStatus struct {
	Role     string    `json:"role"`
	LastSeen time.Time `json:"last_seen"`
	Heard    uint32    `json:"heard"`
	Alive    bool      `json:"alive"`
}

// Status returns the snapshot published by the last Step.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) publish() {
	now := n.now
	st := Status{
		Role:     n.role.String(),
		Time:     now,
		PowerDBm: n.port.Power(),
		Idle: IdleStatus{
			Enabled:      n.idle.Enabled(),
			Dozing:       n.dozing,
			LastActivity: n.idle.LastActivity(),
			Sleeps:       n.idle.Sleeps(),
		},
		Deferred: n.eng.HasDeferred(),
		Port:     n.port.Stats(),
		Engine:   n.eng.Stats(),
	}

	if p, ok := n.eng.Pending(); ok {
		st.Pending = &RequestStatus{
			Request:  p.Request.String(),
			Target:   p.Target.String(),
			Payload:  p.Payload,
			Attempts: p.AttemptsMade,
			Deadline: p.Deadline,
		}
	}
	if n.queue != nil {
		for _, e := range n.queue.Entries() {
			st.Queue = append(st.Queue, RequestStatus{
				Request: e.Request.String(),
				Origin:  e.Origin.String(),
				Target:  e.Target.String(),
				Payload: e.Payload,
			})
		}
	}
	if n.light != nil {
		ls := n.light.State()
		st.Light = &LightStatus{
			Active:           ls.Active.String(),
			Requested:        ls.Requested.String(),
			Mode:             ls.Mode.String(),
			PulseOn:          ls.PulseOn,
			SecondaryPending: ls.SecondaryRequestPending,
			Manual:           ls.Manual,
		}
	}
	if n.ovr != nil {
		ov := n.ovr.State(now)
		st.Override = &OverrideStatus{
			Armed:            ov.Armed,
			Duration:         ov.Duration,
			Requested:        ov.Requested,
			RemainingSeconds: ov.RemainingSeconds,
			EndTime:          ov.EndTime,
			Detections:       ov.Detections,
		}
	}
	for _, p := range n.port.Peers().Snapshot() {
		st.Peers = append(st.Peers, PeerStatus{
			Role:     p.Role.String(),
			LastSeen: p.LastSeen,
			Heard:    p.Heard,
			Alive:    p.IsAlive(now),
		})
	}

	n.mu.Lock()
	n.status = st
	n.mu.Unlock()
}
