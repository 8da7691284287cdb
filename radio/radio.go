// Package radio defines the abstract half-duplex LoRa transceiver
// port the MAC/PHY layers are built against. Concrete transceiver
// drivers (SX126x, SX127x and similar) are out of scope for this
// stack; they live behind this interface in a separate module.
package radio

import "fmt"

// ErrKind enumerates the radio failure classes surfaced verbatim to
// the caller (spec.md §7's Radio error variant).
type ErrKind int

// Radio error kinds.
const (
	Transport ErrKind = iota
	GPIO
	InvalidConfig
	Timeout
	Hardware
)

func (k ErrKind) String() string {
	switch k {
	case Transport:
		return "transport"
	case GPIO:
		return "gpio"
	case InvalidConfig:
		return "invalid_config"
	case Timeout:
		return "timeout"
	case Hardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every Radio method.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("radio: %s: %s", e.Kind, e.Msg)
}

// NewError constructs a Radio error of the given kind.
func NewError(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// CodingRate is the LoRa forward-error-correction coding rate. This
// stack only ever uses 4/5, per spec.md §4.1.
type CodingRate uint8

// The one coding rate this stack configures the radio with.
const CodingRate45 CodingRate = 1

// TXConfig parameters for a single transmission.
type TXConfig struct {
	FrequencyHz   uint32
	PowerDBm      int8
	SpreadFactor  uint8
	BandwidthKHz  uint32
	CodingRate    CodingRate
}

// RXConfig parameters for a single receive window.
type RXConfig struct {
	FrequencyHz  uint32
	SpreadFactor uint8
	BandwidthKHz uint32
	CodingRate   CodingRate
	// TimeoutMs is the maximum time to wait for a packet; 0 means
	// continuous (non-timing-out) reception, used by Class C.
	TimeoutMs uint32
}

// Radio is the synchronous, blocking capability set the PHY layer
// drives. Implementations run on a single-threaded, cooperative stack
// (spec.md §5): every method blocks the caller until it completes or
// its deadline elapses, and none of them may be called concurrently.
type Radio interface {
	// Init brings the transceiver out of reset, configures the LoRa
	// modem and sets the public LoRaWAN sync word (0x34).
	Init() error

	SetFrequency(hz uint32) error
	// SetTXPower clamps power to the 30 dBm EIRP ceiling before
	// applying it.
	SetTXPower(dBm int8) error

	ConfigureTX(cfg TXConfig) error
	// ConfigureRX arms the receiver. A TimeoutMs of 0 means continuous.
	ConfigureRX(cfg RXConfig) error

	// Transmit blocks until the packet is fully on air, or returns an
	// error. It must never return before transmission completes.
	Transmit(payload []byte) error

	// Receive blocks until a packet arrives, the configured timeout
	// elapses (returning 0, nil), or a hardware fault occurs.
	Receive(buf []byte) (int, error)

	RSSI() (int16, error)
	SNR() (float32, error)

	Sleep() error
	Standby() error
	SetLowPowerMode(enabled bool) error
	SetRXGain(level uint8) error
}
