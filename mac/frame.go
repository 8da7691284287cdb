package mac

import (
	"encoding/binary"

	"github.com/embedlora/lorawan-device/crypto"
)

// FCtrl is the one-byte frame control field. Uplink and downlink give
// some bits different meanings (bit 6 is ADRACKReq on uplink, bit 4 is
// FPending on downlink); callers interpret it according to the frame's
// MType.
type FCtrl byte

// NewFCtrl builds an FCtrl. fOptsLen must fit in 4 bits.
func NewFCtrl(adr, bit6, ack bool, fOptsLen uint8) FCtrl {
	var fc FCtrl
	if adr {
		fc |= 1 << 7
	}
	if bit6 {
		fc |= 1 << 6
	}
	if ack {
		fc |= 1 << 5
	}
	return fc | FCtrl(fOptsLen&0x0F)
}

func (c FCtrl) ADR() bool       { return c&(1<<7) != 0 }
func (c FCtrl) ADRACKReq() bool { return c&(1<<6) != 0 }
func (c FCtrl) FPending() bool  { return c&(1<<4) != 0 }
func (c FCtrl) ACK() bool       { return c&(1<<5) != 0 }
func (c FCtrl) FOptsLen() uint8 { return uint8(c) & 0x0F }

// FHDR is the frame header shared by every data message.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16 // truncated 16-bit counter as carried on the wire
	FOpts   []byte
}

// Frame is a decoded (or to-be-encoded) LoRaWAN data frame, with the
// FRMPayload already decrypted/plaintext. Building and parsing go
// through Build/Parse below so the MIC and payload cipher are always
// applied consistently.
type Frame struct {
	MHDR    MHDR
	FHDR    FHDR
	FPort   *uint8 // nil when there is no FRMPayload
	Payload []byte // plaintext application payload or, if FPort==0, a MAC-command stream
}

// Build serialises f, encrypts its FRMPayload (port 0 uses NwkSKey,
// any other port uses AppSKey, per spec.md §4.2) and appends the MIC.
// fcntFull is the 32-bit reconstructed frame counter used for both the
// payload cipher and the MIC, even though only its low 16 bits travel
// on the wire.
func Build(f Frame, devAddr DevAddr, fcntFull uint32, dir crypto.Direction, nwkSKey, appSKey crypto.AESKey) ([]byte, error) {
	out := make([]byte, 0, MaxFrameSize)
	out = append(out, byte(f.MHDR))
	out = append(out, f.FHDR.DevAddr[0], f.FHDR.DevAddr[1], f.FHDR.DevAddr[2], f.FHDR.DevAddr[3])
	out = append(out, byte(f.FHDR.FCtrl))

	var fcntBuf [2]byte
	binary.LittleEndian.PutUint16(fcntBuf[:], uint16(fcntFull))
	out = append(out, fcntBuf[:]...)

	if len(f.FHDR.FOpts) > 15 {
		return nil, newErr(ErrInvalidLength, "FOpts exceeds 15 bytes")
	}
	out = append(out, f.FHDR.FOpts...)

	if f.FPort != nil {
		out = append(out, *f.FPort)
		key := appSKey
		if *f.FPort == 0 {
			key = nwkSKey
		}
		enc, err := crypto.EncryptPayload(key, [crypto.DevAddrLen]byte(devAddr), fcntFull, dir, f.Payload)
		if err != nil {
			return nil, wrapErr(ErrInvalidValue, "encrypting FRMPayload", err)
		}
		out = append(out, enc...)
	} else if len(f.Payload) != 0 {
		return nil, newErr(ErrInvalidValue, "payload present without FPort")
	}

	// 1.0.3 computes the MIC with NwkSKey unconditionally, regardless
	// of FPort.
	mic, err := crypto.ComputeMIC(nwkSKey, out, [crypto.DevAddrLen]byte(devAddr), fcntFull, dir)
	if err != nil {
		return nil, wrapErr(ErrInvalidValue, "computing MIC", err)
	}
	out = append(out, mic[:]...)
	return out, nil
}

// Parse decodes raw into a Frame, verifying the MIC and decrypting the
// FRMPayload in place. expectedFCntFull is the locally reconstructed
// 32-bit counter the caller expects this frame to carry (see
// ReconstructFCnt); Parse does not itself do window reconstruction; it
// verifies against the counter it is told to assume, so the caller
// can retry with a resynchronised value.
func Parse(raw []byte, dir crypto.Direction, expectedFCntFull uint32, nwkSKey, appSKey crypto.AESKey) (Frame, error) {
	if len(raw) < 12 {
		return Frame{}, newErr(ErrInvalidLength, "frame shorter than minimum 12 bytes")
	}
	micOffset := len(raw) - crypto.MICSize
	body, wantMIC := raw[:micOffset], raw[micOffset:]

	mhdr := MHDR(body[0])
	var devAddr DevAddr
	copy(devAddr[:], body[1:5])
	fctrl := FCtrl(body[5])
	fcnt16 := binary.LittleEndian.Uint16(body[6:8])
	if uint16(expectedFCntFull) != fcnt16 {
		return Frame{}, newErr(ErrInvalidFrame, "frame counter does not match reconstructed window")
	}

	foptsLen := int(fctrl.FOptsLen())
	if 8+foptsLen > len(body) {
		return Frame{}, newErr(ErrInvalidLength, "FOpts length exceeds frame")
	}
	fopts := append([]byte(nil), body[8:8+foptsLen]...)
	rest := body[8+foptsLen:]

	var fport *uint8
	var cipherPayload []byte
	if len(rest) > 0 {
		p := rest[0]
		fport = &p
		cipherPayload = rest[1:]
	}

	gotMIC, err := crypto.ComputeMIC(nwkSKey, body, [crypto.DevAddrLen]byte(devAddr), expectedFCntFull, dir)
	if err != nil {
		return Frame{}, wrapErr(ErrInvalidValue, "computing MIC", err)
	}
	if !constantTimeEqual(gotMIC[:], wantMIC) {
		return Frame{}, newErr(ErrInvalidMIC, "MIC mismatch")
	}

	var plain []byte
	if fport != nil && len(cipherPayload) > 0 {
		key := appSKey
		if *fport == 0 {
			key = nwkSKey
		}
		plain, err = crypto.EncryptPayload(key, [crypto.DevAddrLen]byte(devAddr), expectedFCntFull, dir, cipherPayload)
		if err != nil {
			return Frame{}, wrapErr(ErrInvalidValue, "decrypting FRMPayload", err)
		}
	}

	return Frame{
		MHDR: mhdr,
		FHDR: FHDR{
			DevAddr: devAddr,
			FCtrl:   fctrl,
			FCnt:    fcnt16,
			FOpts:   fopts,
		},
		FPort:   fport,
		Payload: plain,
	}, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// ReconstructFCnt recovers the full 32-bit frame counter from a wire
// 16-bit value given the last known full counter, accepting the
// smallest non-negative delta within the rolling window (spec.md §4.2
// frame-counter invariant). A wire value equal to lastFull modulo 2^16
// reconstructs to lastFull itself; a wire value behind it still
// reconstructs to the next rollover rather than being
// rejected here; replay rejection is the caller's job once it has the
// full value.
func ReconstructFCnt(lastFull uint32, wire uint16) uint32 {
	lastWire := uint16(lastFull)
	high := lastFull &^ 0xFFFF
	if wire < lastWire {
		return high + 1<<16 + uint32(wire)
	}
	return high + uint32(wire)
}
