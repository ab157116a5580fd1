package protocol

import "time"

// Peer records what this node knows about another node in the network.
// LastSeen is updated whenever a well-formed packet from that role is heard.
type Peer struct {
	Role     Subsystem
	LastSeen time.Time
	Heard    uint32
}

func (p Peer) IsAlive(now time.Time) bool {
	return !p.LastSeen.IsZero() && now.Sub(p.LastSeen) < PeerTimeout
}

// PeerTable tracks liveness of every other role. It is owned by a single
// control loop and is not safe for concurrent use.
type PeerTable struct {
	peers [numSubsystems]Peer
}

func NewPeerTable() *PeerTable {
	t := &PeerTable{}
	for _, s := range Subsystems() {
		t.peers[s].Role = s
	}
	return t
}

func (t *PeerTable) Seen(s Subsystem, now time.Time) {
	if !s.Valid() {
		return
	}
	t.peers[s].LastSeen = now
	t.peers[s].Heard++
}

func (t *PeerTable) Get(s Subsystem) (Peer, bool) {
	if !s.Valid() {
		return Peer{}, false
	}
	return t.peers[s], true
}

// Snapshot returns a copy of every peer that has been heard at least once.
func (t *PeerTable) Snapshot() []Peer {
	out := make([]Peer, 0, numSubsystems)
	for _, p := range t.peers {
		if p.Heard > 0 {
			out = append(out, p)
		}
	}
	return out
}
