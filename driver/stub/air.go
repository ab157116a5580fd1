//go:build !tinygo && !baremetal

package stub

import "sync"

// DropFunc decides whether a frame sent by from is lost before reaching to.
type DropFunc func(from, to string, frame []byte) bool

// Air is a shared broadcast medium for stub radios. Every frame transmitted by
// one attached radio is delivered to all the others, like a single LoRa channel.
type Air struct {
	mu     sync.Mutex
	radios []*Driver
	drop   DropFunc
}

func NewAir() *Air { return &Air{} }

// Attach creates a new radio on this medium.
func (a *Air) Attach(name string) *Driver {
	d := &Driver{name: name, air: a}
	a.mu.Lock()
	a.radios = append(a.radios, d)
	a.mu.Unlock()
	return d
}

// SetDrop installs a loss model; nil delivers everything.
func (a *Air) SetDrop(fn DropFunc) {
	a.mu.Lock()
	a.drop = fn
	a.mu.Unlock()
}

func (a *Air) broadcast(from *Driver, frame []byte) {
	a.mu.Lock()
	radios := make([]*Driver, len(a.radios))
	copy(radios, a.radios)
	drop := a.drop
	a.mu.Unlock()

	for _, r := range radios {
		if r == from {
			continue
		}
		if drop != nil && drop(from.name, r.name, frame) {
			continue
		}
		r.InjectRx(frame)
	}
}
