//go:build !tinygo && !baremetal

package stub

import (
	"sync"

	proto "github.com/ystepanoff/apol/protocol"
)

// Driver implements a mock radio driver for host-side testing and simulation.
// A Driver created with New is isolated; one attached to an Air hears every
// other radio on that Air.
type Driver struct {
	mu      sync.Mutex
	name    string
	air     *Air
	rxBuf   ringBuffer
	txBuf   ringBuffer
	power   uint8
	busy    bool
	offline bool
	ready   func()
}

func New() *Driver { return &Driver{name: "stub"} }

func (d *Driver) Name() string { return d.name }

func (d *Driver) Init() error { return nil }

func (d *Driver) SetPower(dbm uint8) error {
	if dbm < proto.MinTxPowerDBm || dbm > proto.MaxTxPowerDBm {
		return proto.ErrInvalidPower
	}
	d.mu.Lock()
	d.power = dbm
	d.mu.Unlock()
	return nil
}

func (d *Driver) Power() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

func (d *Driver) CarrierBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// SetCarrierBusy forces carrier sensing to report a busy channel.
func (d *Driver) SetCarrierBusy(busy bool) {
	d.mu.Lock()
	d.busy = busy
	d.mu.Unlock()
}

// SetOffline models a powered-down or out-of-range radio: it neither sends
// nor hears anything while offline.
func (d *Driver) SetOffline(offline bool) {
	d.mu.Lock()
	d.offline = offline
	d.mu.Unlock()
}

// OnReady registers the radio-ready interrupt callback.
func (d *Driver) OnReady(fn func()) {
	d.mu.Lock()
	d.ready = fn
	d.mu.Unlock()
}

func (d *Driver) Transmit(data []byte) bool {
	d.mu.Lock()
	if d.offline {
		d.mu.Unlock()
		return false
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	d.txBuf.push(frame)
	air := d.air
	d.mu.Unlock()

	if air != nil {
		air.broadcast(d, frame)
	}
	return true
}

func (d *Driver) PollReceive() ([]byte, bool) {
	d.mu.Lock()
	frame, ok := d.rxBuf.pop()
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, true
}

// InjectRx queues raw bytes as if they had been received, and raises the
// ready interrupt.
func (d *Driver) InjectRx(data []byte) {
	d.mu.Lock()
	if d.offline {
		d.mu.Unlock()
		return
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	d.rxBuf.push(frame)
	ready := d.ready
	d.mu.Unlock()

	if ready != nil {
		ready()
	}
}

func (d *Driver) GetTxLog() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBuf.snapshot()
}

func (d *Driver) ClearTxLog() {
	d.mu.Lock()
	d.txBuf = ringBuffer{}
	d.mu.Unlock()
}

const ringCapacity = 64

type ringBuffer struct {
	data       [ringCapacity][]byte
	head, tail int // head = next pop, tail = next push
	count      int
}

func (rb *ringBuffer) push(frame []byte) {
	if rb.count == ringCapacity {
		// Overwrite the oldest when buffer is full to keep memory bounded
		rb.data[rb.tail] = nil
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = frame
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) pop() ([]byte, bool) {
	if rb.count == 0 {
		return nil, false
	}
	frame := rb.data[rb.head]
	rb.data[rb.head] = nil
	rb.head = (rb.head + 1) % ringCapacity
	rb.count--
	return frame, true
}

func (rb *ringBuffer) snapshot() [][]byte {
	out := make([][]byte, rb.count)
	i := rb.head
	for c := 0; c < rb.count; c++ {
		p := rb.data[i]
		cp := make([]byte, len(p))
		copy(cp, p)
		out[c] = cp
		i = (i + 1) % ringCapacity
	}
	return out
}
