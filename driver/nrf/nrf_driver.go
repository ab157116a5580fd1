//go:build tinygo || baremetal

package nrf

import (
	"errors"
	"unsafe"

	proto "github.com/ystepanoff/apol/protocol"

	"device/nrf"
)

var errInvalidChannel = errors.New("invalid channel (valid range: 0-125)")

// RSSI samples are reported as a positive magnitude (-dBm); anything louder
// than this threshold counts as a busy carrier.
const busyRSSI = 70

// Driver provides a RadioDriver backed by the real NRF peripheral registers.
// The radio idles in RX so PollReceive never blocks; Transmit briefly switches
// to TX and back.
type Driver struct {
	address uint32
	prefix  byte
	channel uint8

	txBuf [frameSize]byte
	rxBuf [frameSize]byte
	out   [proto.PacketSize]byte
}

func New(channel uint8) *Driver {
	return &Driver{address: 0xE7E7E7E7, prefix: 0xE7, channel: channel}
}

func (d *Driver) Init() error {
	StartHFCLK()
	if err := ConfigureRadio(d.address, d.prefix, d.channel); err != nil {
		return err
	}
	d.startRx()
	return nil
}

func (d *Driver) SetPower(dbm uint8) error {
	if dbm < proto.MinTxPowerDBm || dbm > proto.MaxTxPowerDBm {
		return proto.ErrInvalidPower
	}
	nrf.RADIO.TXPOWER.Set(txPowerRegister(dbm))
	return nil
}

func (d *Driver) CarrierBusy() bool {
	if nrf.RADIO.STATE.Get() != nrf.RADIO_STATE_STATE_Rx {
		return false
	}
	nrf.RADIO.EVENTS_RSSIEND.Set(0)
	nrf.RADIO.TASKS_RSSISTART.Set(1)
	for nrf.RADIO.EVENTS_RSSIEND.Get() == 0 {
	}
	return nrf.RADIO.RSSISAMPLE.Get() < busyRSSI
}

func (d *Driver) Transmit(data []byte) bool {
	if len(data) > proto.PacketSize {
		return false
	}
	disable()

	d.txBuf[0] = byte(len(data))
	copy(d.txBuf[1:], data)
	nrf.RADIO.PACKETPTR.Set(uint32(uintptr(unsafe.Pointer(&d.txBuf[0]))))
	nrf.RADIO.EVENTS_READY.Set(0)
	nrf.RADIO.EVENTS_END.Set(0)
	nrf.RADIO.TASKS_TXEN.Set(1)
	for nrf.RADIO.EVENTS_READY.Get() == 0 {
	}
	nrf.RADIO.TASKS_START.Set(1)
	for nrf.RADIO.EVENTS_END.Get() == 0 {
	}

	disable()
	d.startRx()
	return true
}

func (d *Driver) PollReceive() ([]byte, bool) {
	if nrf.RADIO.EVENTS_END.Get() == 0 {
		return nil, false
	}
	nrf.RADIO.EVENTS_END.Set(0)

	ok := nrf.RADIO.CRCSTATUS.Get() == 1
	n := int(d.rxBuf[0])
	if n > proto.PacketSize {
		n = proto.PacketSize
	}
	copy(d.out[:], d.rxBuf[1:1+n])

	// re-arm for the next packet
	nrf.RADIO.TASKS_START.Set(1)

	if !ok {
		return nil, false
	}
	return d.out[:n], true
}

func (d *Driver) startRx() {
	nrf.RADIO.PACKETPTR.Set(uint32(uintptr(unsafe.Pointer(&d.rxBuf[0]))))
	nrf.RADIO.EVENTS_READY.Set(0)
	nrf.RADIO.EVENTS_END.Set(0)
	nrf.RADIO.TASKS_RXEN.Set(1)
	for nrf.RADIO.EVENTS_READY.Get() == 0 {
	}
	nrf.RADIO.TASKS_START.Set(1)
}
