package transport

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	proto "github.com/ystepanoff/apol/protocol"
)

// Options tunes a Port. The zero value is usable.
type Options struct {
	// ListenBeforeTalk is how long Send waits for a busy carrier to clear.
	// Zero disables carrier sensing.
	ListenBeforeTalk time.Duration
	// PowerDBm is applied by Init. Zero means proto.DefaultTxPowerDBm.
	PowerDBm uint8
	Logger   hclog.Logger
}

// Stats counts traffic seen by a Port since boot.
type Stats struct {
	Sent       uint32
	SendFailed uint32
	Received   uint32
	Malformed  uint32
	Foreign    uint32
}

// Port is the send/receive primitive of one node. It owns its transmit buffer;
// only one transmit or receive is in flight at a time, so the buffer is never
// shared. Port is not safe for concurrent use.
type Port struct {
	self   proto.Subsystem
	driver RadioDriver
	log    hclog.Logger
	lbt    time.Duration
	power  uint8

	txBuf [proto.PacketSize]byte
	peers *proto.PeerTable
	stats Stats
}

func NewPortWithDriver(self proto.Subsystem, d RadioDriver, opts Options) *Port {
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	power := opts.PowerDBm
	if power == 0 {
		power = proto.DefaultTxPowerDBm
	}
	return &Port{
		self:   self,
		driver: d,
		log:    log.Named("port"),
		lbt:    opts.ListenBeforeTalk,
		power:  power,
		peers:  proto.NewPeerTable(),
	}
}

// Init brings the radio up at the current transmit power.
func (p *Port) Init() error {
	if err := p.driver.Init(); err != nil {
		return fmt.Errorf("radio init: %w", err)
	}
	if err := p.driver.SetPower(p.power); err != nil {
		return fmt.Errorf("radio power: %w", err)
	}
	return nil
}

func (p *Port) Self() proto.Subsystem { return p.self }

func (p *Port) Driver() RadioDriver { return p.driver }

// Send transmits pkt with this node as sender.
func (p *Port) Send(pkt proto.Packet) error {
	pkt.Sender = p.self

	if err := p.waitCarrier(); err != nil {
		p.stats.SendFailed++
		p.log.Debug("carrier busy, packet not sent", "packet", pkt)
		return err
	}

	n := proto.EncodeInto(p.txBuf[:], pkt)
	if !p.driver.Transmit(p.txBuf[:n]) {
		p.stats.SendFailed++
		p.log.Warn("radio transmit failed", "packet", pkt)
		return proto.ErrTransmitFailed
	}

	p.stats.Sent++
	p.log.Trace("sent", "packet", pkt)
	return nil
}

func (p *Port) waitCarrier() error {
	if p.lbt <= 0 {
		return nil
	}
	deadline := time.Now().Add(p.lbt)
	for p.driver.CarrierBusy() {
		if time.Now().After(deadline) {
			return proto.ErrCarrierBusy
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Receive polls the driver once. It returns ErrNoPacket when nothing is
// pending, ErrMalformedPacket for undecodable bytes and ErrAddressMismatch for
// packets addressed elsewhere. Rejected packets leave no trace beyond Stats.
func (p *Port) Receive(now time.Time) (proto.Packet, error) {
	data, ok := p.driver.PollReceive()
	if !ok {
		return proto.Packet{}, proto.ErrNoPacket
	}

	pkt, err := proto.DecodePacket(data)
	if err != nil {
		p.stats.Malformed++
		p.log.Debug("discarding malformed packet", "len", len(data), "error", err)
		return proto.Packet{}, err
	}

	if err := proto.CheckAddressed(pkt, p.self); err != nil {
		p.stats.Foreign++
		p.log.Trace("discarding packet for another node", "packet", pkt)
		return proto.Packet{}, err
	}

	p.stats.Received++
	p.peers.Seen(pkt.Sender, now)
	p.log.Trace("received", "packet", pkt)
	return pkt, nil
}

// SetPower changes transmit power; valid range is 2-20 dBm.
func (p *Port) SetPower(dbm uint8) error {
	if dbm < proto.MinTxPowerDBm || dbm > proto.MaxTxPowerDBm {
		return proto.ErrInvalidPower
	}
	if err := p.driver.SetPower(dbm); err != nil {
		return err
	}
	p.power = dbm
	p.log.Info("transmit power set", "dbm", dbm)
	return nil
}

func (p *Port) Power() uint8 { return p.power }

func (p *Port) Peers() *proto.PeerTable { return p.peers }

func (p *Port) Stats() Stats { return p.stats }
