package mac

import (
	"encoding/binary"

	"github.com/embedlora/lorawan-device/crypto"
)

// JoinRequest is the uplink OTAA join message.
type JoinRequest struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce uint16
}

// Build serialises and MICs a JoinRequest using AppKey.
func (j JoinRequest) Build(appKey crypto.AESKey) ([]byte, error) {
	out := make([]byte, 0, 23)
	out = append(out, byte(NewMHDR(MTypeJoinRequest)))
	out = append(out, j.AppEUI[:]...)
	out = append(out, j.DevEUI[:]...)
	var nonce [2]byte
	binary.LittleEndian.PutUint16(nonce[:], j.DevNonce)
	out = append(out, nonce[:]...)

	mic, err := crypto.ComputeJoinRequestMIC(appKey, out)
	if err != nil {
		return nil, wrapErr(ErrInvalidValue, "computing join-request MIC", err)
	}
	return append(out, mic[:]...), nil
}

// JoinAccept is the decoded downlink join response.
type JoinAccept struct {
	AppNonce   [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings byte
	RXDelay    uint8
	CFList     []byte // optional, region-specific; unused for US915's fixed channel plan
}

// ParseJoinAccept decrypts and validates a JoinAccept frame (which
// travels "encrypted" with the AES decrypt primitive so an end-device
// can recover it with a single AES encrypt, per spec.md §4.2), checks
// its MIC and derives the session keys.
func ParseJoinAccept(raw []byte, appKey crypto.AESKey, devNonce uint16) (JoinAccept, crypto.AESKey, crypto.AESKey, error) {
	if len(raw) < 1+12+crypto.MICSize {
		return JoinAccept{}, crypto.AESKey{}, crypto.AESKey{}, newErr(ErrInvalidLength, "join-accept too short")
	}
	mhdr := raw[0]
	hidden := raw[1:]

	plain, err := crypto.EncryptJoinAccept(appKey, hidden)
	if err != nil {
		return JoinAccept{}, crypto.AESKey{}, crypto.AESKey{}, wrapErr(ErrInvalidValue, "recovering join-accept", err)
	}

	micOffset := len(plain) - crypto.MICSize
	body, wantMIC := plain[:micOffset], plain[micOffset:]

	full := append([]byte{mhdr}, body...)
	gotMIC, err := crypto.ComputeJoinRequestMIC(appKey, full)
	if err != nil {
		return JoinAccept{}, crypto.AESKey{}, crypto.AESKey{}, wrapErr(ErrInvalidValue, "computing join-accept MIC", err)
	}
	if !constantTimeEqual(gotMIC[:], wantMIC) {
		return JoinAccept{}, crypto.AESKey{}, crypto.AESKey{}, newErr(ErrInvalidMIC, "join-accept MIC mismatch")
	}
	if len(body) < 12 {
		return JoinAccept{}, crypto.AESKey{}, crypto.AESKey{}, newErr(ErrInvalidLength, "join-accept body too short")
	}

	var ja JoinAccept
	copy(ja.AppNonce[:], body[0:3])
	copy(ja.NetID[:], body[3:6])
	copy(ja.DevAddr[:], body[6:10])
	ja.DLSettings = body[10]
	ja.RXDelay = body[11]
	if len(body) > 12 {
		ja.CFList = append([]byte(nil), body[12:]...)
	}

	nwkSKey, appSKey, err := crypto.DeriveSessionKeys(appKey, ja.AppNonce, ja.NetID, devNonce)
	if err != nil {
		return JoinAccept{}, crypto.AESKey{}, crypto.AESKey{}, wrapErr(ErrInvalidValue, "deriving session keys", err)
	}

	return ja, nwkSKey, appSKey, nil
}

// RX1DROffset extracts the RX1 data-rate offset from DLSettings.
func (j JoinAccept) RX1DROffset() uint8 { return (j.DLSettings >> 4) & 0x07 }

// RX2DataRate extracts the RX2 data rate index from DLSettings.
func (j JoinAccept) RX2DataRate() uint8 { return j.DLSettings & 0x0F }
