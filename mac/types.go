// Package mac implements the LoRaWAN 1.0.3 MAC layer: frame
// build/parse, MIC verification, payload encryption, frame-counter
// bookkeeping, the MAC-command engine and the OTAA join procedure. It
// sits between the device façade and the PHY adapter (spec.md §4.4).
package mac

import (
	"encoding/hex"
	"fmt"
)

// DevAddr is a 4 byte device address, stored in the little-endian
// order it travels on the air.
type DevAddr [4]byte

func (a DevAddr) String() string { return hex.EncodeToString(a[:]) }

// EUI64 is an 8 byte IEEE EUI-64 (DevEUI or AppEUI/JoinEUI), stored in
// the little-endian order it travels on the air.
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

// MaxFrameSize is the largest buffer a PHY frame is built or parsed
// into (spec.md §5 static memory budget).
const MaxFrameSize = 256

// MaxMACPayloadSize is the largest FRMPayload/MAC-command payload this
// stack handles (spec.md §4.2).
const MaxMACPayloadSize = 242

// MaxPendingCommands bounds the outgoing MAC-command queue.
const MaxPendingCommands = 8

// MaxApplicationPort is the highest FPort an application payload may
// use; ports above it (224-255) are reserved for diagnostic/test
// protocols, and port 0 is reserved for MAC commands (spec.md §6).
const MaxApplicationPort = 223

// MType is the LoRaWAN message type (top 3 bits of MHDR).
type MType uint8

// Message types this stack produces or consumes.
const (
	MTypeJoinRequest         MType = 0x00
	MTypeJoinAccept          MType = 0x01
	MTypeUnconfirmedDataUp   MType = 0x02
	MTypeUnconfirmedDataDown MType = 0x03
	MTypeConfirmedDataUp     MType = 0x04
	MTypeConfirmedDataDown   MType = 0x05
)

// MHDR is the one-byte MAC header: MType in the top 3 bits, major
// version (always 0, LoRaWANR1) in the bottom 2.
type MHDR byte

// NewMHDR builds an MHDR for the given message type.
func NewMHDR(t MType) MHDR {
	return MHDR(byte(t) << 5)
}

// MType extracts the message type.
func (h MHDR) MType() MType {
	return MType(byte(h) >> 5)
}

// ErrKind enumerates MAC-layer error classes (spec.md §7).
type ErrKind int

// MAC error kinds.
const (
	ErrInvalidFrame ErrKind = iota
	ErrInvalidMIC
	ErrInvalidLength
	ErrInvalidValue
	ErrInvalidFrequency
	ErrInvalidDataRate
	ErrInvalidChannel
	ErrInvalidPort
	ErrNotJoined
	ErrBufferTooSmall
	ErrUnknownCommand
	ErrTimeout
	ErrInvalidConfig
	ErrDutyCycle
	ErrRadio
)

func (k ErrKind) String() string {
	names := [...]string{
		"invalid_frame", "invalid_mic", "invalid_length", "invalid_value",
		"invalid_frequency", "invalid_data_rate", "invalid_channel",
		"invalid_port", "not_joined", "buffer_too_small", "unknown_command",
		"timeout", "invalid_config", "duty_cycle", "radio",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Error is the error type mac.Layer returns. Radio errors are wrapped
// so errors.Unwrap reaches the original radio.Error.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mac: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("mac: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
